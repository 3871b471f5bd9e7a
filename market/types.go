package market

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Asset describes an external fungible token the market deals in. Identity
// and precision are immutable once registered.
type Asset struct {
	Token    common.Address
	Symbol   string
	Decimals uint8
}

// Validate rejects assets the market cannot represent. Precision beyond the
// canonical 18 decimals is refused at registration time, never at runtime.
func (a Asset) Validate() error {
	if a.Decimals > canonicalDecimals {
		return fmt.Errorf("market: asset %s has %d decimals, canonical precision is %d",
			a.Symbol, a.Decimals, canonicalDecimals)
	}
	return nil
}

// Params groups the governance controlled safety limits for the market.
// All fractions are expressed in basis points.
type Params struct {
	// LLTVBps is the liquidation loan-to-value: the fraction of collateral
	// value a user may borrow against before becoming liquidatable.
	LLTVBps uint64
	// LiquidationPenaltyBps is the bonus collateral share granted to
	// liquidators, and the safety buffer baked into the health factor.
	LiquidationPenaltyBps uint64
	// ProtocolFeeBps is the cut of the interest portion of repayments routed
	// to the treasury.
	ProtocolFeeBps uint64
	// Treasury receives the protocol fee cut.
	Treasury common.Address
}

// Validate enforces that every fraction stays inside [0,1]. Parameter
// problems are configuration errors and must never surface mid-operation.
func (p Params) Validate() error {
	if p.LLTVBps == 0 || p.LLTVBps > 10_000 {
		return fmt.Errorf("market: LLTV %d bps outside (0,10000]", p.LLTVBps)
	}
	if p.LiquidationPenaltyBps > 10_000 {
		return fmt.Errorf("market: liquidation penalty %d bps exceeds 100%%", p.LiquidationPenaltyBps)
	}
	if p.ProtocolFeeBps > 10_000 {
		return fmt.Errorf("market: protocol fee %d bps exceeds 100%%", p.ProtocolFeeBps)
	}
	return nil
}

// AuthorizationPolicy is the opaque external authorization layer gating
// configuration-mutating operations. The market only ever asks the boolean
// question; privilege administration lives outside the core.
type AuthorizationPolicy interface {
	IsAuthorized(caller common.Address, action string) bool
}

// Actions checked against the authorization policy.
const (
	ActionPause      = "market.pause"
	ActionCollateral = "market.collateral"
	ActionRateModel  = "market.rates"
)

// Position is the per-user aggregate: multi-asset collateral balances at
// canonical precision, a single principal debt, and the global-index
// snapshot taken when the principal was last touched. Positions are created
// implicitly on first deposit and never hard-deleted.
type Position struct {
	Addr common.Address
	// Collateral maps collateral token to its normalized 1e18 balance.
	Collateral map[common.Address]*big.Int
	// AssetList preserves first-deposit order; valuation and liquidation
	// seizure iterate it so outcomes stay deterministic.
	AssetList []common.Address
	// Principal is the realized debt at the LastIndex snapshot.
	Principal *big.Int
	// LastIndex is the global interest index observed when Principal was
	// last updated, in ray precision. Zero means the user never borrowed.
	LastIndex *big.Int
}

// NewPosition initialises an empty position for the address.
func NewPosition(addr common.Address) *Position {
	return &Position{
		Addr:       addr,
		Collateral: make(map[common.Address]*big.Int),
		Principal:  big.NewInt(0),
		LastIndex:  big.NewInt(0),
	}
}

// Clone returns a deep copy of the position. Operations mutate clones and
// persist them only on success, which is what gives every public operation
// its rollback semantics.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	clone := &Position{
		Addr:       p.Addr,
		Collateral: make(map[common.Address]*big.Int, len(p.Collateral)),
		AssetList:  append([]common.Address{}, p.AssetList...),
	}
	for token, bal := range p.Collateral {
		clone.Collateral[token] = new(big.Int).Set(bal)
	}
	if p.Principal != nil {
		clone.Principal = new(big.Int).Set(p.Principal)
	} else {
		clone.Principal = big.NewInt(0)
	}
	if p.LastIndex != nil {
		clone.LastIndex = new(big.Int).Set(p.LastIndex)
	} else {
		clone.LastIndex = big.NewInt(0)
	}
	return clone
}

// CollateralBalance returns the normalized balance of the token.
func (p *Position) CollateralBalance(token common.Address) *big.Int {
	if p == nil {
		return big.NewInt(0)
	}
	if bal, ok := p.Collateral[token]; ok {
		return new(big.Int).Set(bal)
	}
	return big.NewInt(0)
}

func (p *Position) creditCollateral(token common.Address, amount *big.Int) {
	if bal, ok := p.Collateral[token]; ok {
		p.Collateral[token] = new(big.Int).Add(bal, amount)
		return
	}
	p.Collateral[token] = new(big.Int).Set(amount)
	p.AssetList = append(p.AssetList, token)
}

// PositionView is the read-model returned to the UI/monitoring collaborators.
type PositionView struct {
	Addr               common.Address
	CollateralValueUSD *big.Int
	TotalDebt          *big.Int
	BorrowingPower     *big.Int
	// HealthFactor is nil for debt-free positions, which are infinitely
	// healthy by definition.
	HealthFactor *big.Rat
	Healthy      bool
}

// LiquidationResult reports what a liquidation moved: the loan-asset amount
// the liquidator paid (native precision, rounded up so the obligation is
// fully extinguished), the collateral seized per token (native precision),
// and any shortfall absorbed as bad debt (canonical precision).
type LiquidationResult struct {
	RepaidNative *big.Int
	Seized       map[common.Address]*big.Int
	BadDebt      *big.Int
}
