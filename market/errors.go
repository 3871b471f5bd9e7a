package market

import "errors"

var (
	// ErrInvalidAmount rejects nil, zero or negative quantities at entry.
	ErrInvalidAmount = errors.New("market: amount must be positive")
	// ErrUnsupportedCollateral means the token was never registered.
	ErrUnsupportedCollateral = errors.New("market: unsupported collateral asset")
	// ErrCollateralPaused blocks new deposits of a paused collateral asset.
	// Paused collateral still counts toward liquidation seizure.
	ErrCollateralPaused = errors.New("market: collateral asset paused")
	// ErrBorrowingPaused blocks new borrows market-wide.
	ErrBorrowingPaused = errors.New("market: borrowing paused")
	// ErrInsufficientCollateral means the position does not hold the balance
	// being withdrawn.
	ErrInsufficientCollateral = errors.New("market: insufficient collateral balance")
	// ErrWithdrawalUnhealthy means the withdrawal would push the position
	// below the liquidation threshold.
	ErrWithdrawalUnhealthy = errors.New("market: withdrawal would leave position unhealthy")
	// ErrInsufficientBorrowingPower means the requested debt exceeds what the
	// collateral supports at the configured LLTV.
	ErrInsufficientBorrowingPower = errors.New("market: insufficient borrowing power")
	// ErrInsufficientVaultLiquidity means the pool cannot fund the borrow
	// right now.
	ErrInsufficientVaultLiquidity = errors.New("market: insufficient vault liquidity")
	// ErrNoDebt means the operation needs an outstanding debt and the
	// position has none.
	ErrNoDebt = errors.New("market: position has no debt")
	// ErrMustCoverInterest rejects repayments smaller than the accrued
	// interest; partial interest payments would corrupt the index snapshot.
	ErrMustCoverInterest = errors.New("market: repayment must cover accrued interest")
	// ErrPositionHealthy means liquidation was attempted on a position whose
	// health factor is at or above one.
	ErrPositionHealthy = errors.New("market: position is healthy")
	// ErrUnauthorized means the caller lacks the privilege for a
	// configuration operation.
	ErrUnauthorized = errors.New("market: caller not authorized")
	// ErrPoolNotLinked means a debt operation ran before the liquidity pool
	// was wired in.
	ErrPoolNotLinked = errors.New("market: liquidity pool not linked")
)
