package gateway

import (
	"errors"
	"net/http"

	"openlend/market"
	"openlend/oracle"
	"openlend/vault"
)

// statusForError maps core errors onto HTTP status codes. Validation
// problems are the caller's fault, liquidity and health conflicts are
// conflicts, and anything unrecognized is a server error.
func statusForError(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, market.ErrInvalidAmount),
		errors.Is(err, vault.ErrInvalidAmount),
		errors.Is(err, market.ErrUnsupportedCollateral):
		return http.StatusBadRequest
	case errors.Is(err, market.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, market.ErrBorrowingPaused),
		errors.Is(err, market.ErrCollateralPaused),
		errors.Is(err, market.ErrInsufficientBorrowingPower),
		errors.Is(err, market.ErrInsufficientVaultLiquidity),
		errors.Is(err, market.ErrInsufficientCollateral),
		errors.Is(err, market.ErrWithdrawalUnhealthy),
		errors.Is(err, market.ErrMustCoverInterest),
		errors.Is(err, market.ErrPositionHealthy),
		errors.Is(err, market.ErrNoDebt),
		errors.Is(err, vault.ErrInsufficientLiquidity),
		errors.Is(err, vault.ErrInsufficientShares):
		return http.StatusConflict
	case errors.Is(err, oracle.ErrNoValidPrice):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
