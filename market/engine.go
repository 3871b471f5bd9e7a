package market

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"openlend/guard"
	"openlend/interest"
	"openlend/vault"
)

// maxBorrowAPR is the model ceiling enforced when swapping rate curves at
// runtime, expressed as a decimal APR.
var maxBorrowAPR = big.NewRat(10, 1)

// PriceSource values assets in USD at canonical 1e18 precision. A valuation
// failure is fatal for the operation that needed it.
type PriceSource interface {
	LatestPrice(asset common.Address) (*big.Int, error)
}

// LiquidityPool exposes the pool-side numbers the ledger needs for rate and
// liquidity decisions.
type LiquidityPool interface {
	TotalAssets() *big.Int
	AvailableLiquidity() *big.Int
}

// PoolGate is the privileged borrow/repay handle issued by the pool.
type PoolGate interface {
	Borrow(amount *big.Int) error
	Repay(amount *big.Int) error
}

type listedAsset struct {
	asset  Asset
	paused bool
}

// Ledger is the debt market: it keeps collateral custody, per-user debt, the
// global interest index and the safety checks around every position change.
// Mutating operations clone the touched position, run all external calls, and
// persist only on success, so any failure leaves state untouched.
type Ledger struct {
	gd      guard.Lock
	stateMu sync.RWMutex

	loanAsset Asset
	params    Params
	model     *interest.Model
	index     *interest.IndexState
	store     Store
	auth      AuthorizationPolicy
	prices    PriceSource
	pool      LiquidityPool
	gate      PoolGate

	collateral      map[common.Address]*listedAsset
	collateralOrder []common.Address
	collateralHeld  map[common.Address]*big.Int

	// totalPrincipal is the sum of realized principals across every position
	// including the bad-debt sink.
	totalPrincipal *big.Int
	// totalScaled is the ray-scaled aggregate debt; multiplying by the
	// current index yields outstanding principal plus accrued interest
	// without touching individual positions.
	totalScaled *big.Int

	treasuryAccrued *big.Int
	borrowsPaused   bool

	// utilizationIncludesLoans selects whether outstanding debt counts in
	// the utilization denominator alongside pool assets.
	utilizationIncludesLoans bool

	now func() time.Time
}

// NewLedger constructs a market over the loan asset. The pool, price source
// and authorization policy are linked separately because they are built
// around the ledger at wiring time.
func NewLedger(loanAsset Asset, params Params, model *interest.Model, store Store, start time.Time) (*Ledger, error) {
	if err := loanAsset.Validate(); err != nil {
		return nil, err
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if err := model.Validate(maxBorrowAPR); err != nil {
		return nil, err
	}
	if store == nil {
		store = NewMemoryStore()
	}
	return &Ledger{
		loanAsset:                loanAsset,
		params:                   params,
		model:                    model.Clone(),
		index:                    interest.NewIndexState(start),
		store:                    store,
		collateral:               make(map[common.Address]*listedAsset),
		collateralHeld:           make(map[common.Address]*big.Int),
		totalPrincipal:           big.NewInt(0),
		totalScaled:              big.NewInt(0),
		treasuryAccrued:          big.NewInt(0),
		utilizationIncludesLoans: true,
		now:                      time.Now,
	}, nil
}

// LinkPool wires the liquidity pool and the privileged gate issued by its
// BindLedger call. Required before any debt operation.
func (l *Ledger) LinkPool(pool LiquidityPool, gate PoolGate) {
	l.stateMu.Lock()
	l.pool = pool
	l.gate = gate
	l.stateMu.Unlock()
}

// SetPriceSource wires the oracle resolver used for all valuations.
func (l *Ledger) SetPriceSource(prices PriceSource) {
	l.stateMu.Lock()
	l.prices = prices
	l.stateMu.Unlock()
}

// SetAuthorization wires the policy gating configuration operations. Without
// one every configuration call is refused.
func (l *Ledger) SetAuthorization(auth AuthorizationPolicy) {
	l.stateMu.Lock()
	l.auth = auth
	l.stateMu.Unlock()
}

// SetClock overrides the time source, primarily for deterministic tests.
func (l *Ledger) SetClock(now func() time.Time) {
	if now == nil {
		return
	}
	l.stateMu.Lock()
	l.now = now
	l.stateMu.Unlock()
}

// SetUtilizationIncludesLoans selects the utilization denominator: pool
// assets plus outstanding debt (default) or pool assets alone.
func (l *Ledger) SetUtilizationIncludesLoans(include bool) {
	l.stateMu.Lock()
	l.utilizationIncludesLoans = include
	l.stateMu.Unlock()
}

// LoanAsset returns the market's loan asset descriptor.
func (l *Ledger) LoanAsset() Asset { return l.loanAsset }

// Params returns the market's configured safety limits.
func (l *Ledger) Params() Params { return l.params }

// RegisterCollateral lists a new collateral asset. Identity and precision
// are frozen at this point.
func (l *Ledger) RegisterCollateral(caller common.Address, asset Asset) error {
	if err := l.authorize(caller, ActionCollateral); err != nil {
		return err
	}
	if err := asset.Validate(); err != nil {
		return err
	}
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	if _, ok := l.collateral[asset.Token]; ok {
		return fmt.Errorf("market: collateral %s already registered", asset.Symbol)
	}
	l.collateral[asset.Token] = &listedAsset{asset: asset}
	l.collateralOrder = append(l.collateralOrder, asset.Token)
	l.collateralHeld[asset.Token] = big.NewInt(0)
	return nil
}

// SetCollateralPaused toggles the pause flag on a collateral asset. Paused
// collateral accepts no new deposits and grants no borrowing power, but it
// still counts toward health and can be seized in liquidation.
func (l *Ledger) SetCollateralPaused(caller, token common.Address, paused bool) error {
	if err := l.authorize(caller, ActionCollateral); err != nil {
		return err
	}
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	listed, ok := l.collateral[token]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedCollateral, token.Hex())
	}
	listed.paused = paused
	return nil
}

// PauseBorrowing toggles the market-wide borrow switch. Repayments,
// withdrawals and liquidations keep working while paused.
func (l *Ledger) PauseBorrowing(caller common.Address, paused bool) error {
	if err := l.authorize(caller, ActionPause); err != nil {
		return err
	}
	l.stateMu.Lock()
	l.borrowsPaused = paused
	l.stateMu.Unlock()
	return nil
}

// UpdateInterestModel swaps the rate curve after validating it against the
// APR ceiling. Interest accrues under the old curve up to this instant.
func (l *Ledger) UpdateInterestModel(caller common.Address, model *interest.Model) error {
	if err := l.authorize(caller, ActionRateModel); err != nil {
		return err
	}
	if err := model.Validate(maxBorrowAPR); err != nil {
		return err
	}
	if err := l.gd.Enter(); err != nil {
		return err
	}
	defer l.gd.Exit()
	if _, err := l.accrue(); err != nil {
		return err
	}
	l.stateMu.Lock()
	l.model = model.Clone()
	l.stateMu.Unlock()
	return nil
}

func (l *Ledger) authorize(caller common.Address, action string) error {
	l.stateMu.RLock()
	auth := l.auth
	l.stateMu.RUnlock()
	if auth == nil || !auth.IsAuthorized(caller, action) {
		return fmt.Errorf("%w: %s for %s", ErrUnauthorized, action, caller.Hex())
	}
	return nil
}

// DepositCollateral credits the user's position with the native-precision
// amount, normalized to canonical precision on entry.
func (l *Ledger) DepositCollateral(user, token common.Address, amountNative *big.Int) error {
	if err := l.gd.Enter(); err != nil {
		return err
	}
	defer l.gd.Exit()

	l.stateMu.RLock()
	listed, ok := l.collateral[token]
	var asset Asset
	var paused bool
	if ok {
		asset = listed.asset
		paused = listed.paused
	}
	l.stateMu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedCollateral, token.Hex())
	}
	if paused {
		return fmt.Errorf("%w: %s", ErrCollateralPaused, asset.Symbol)
	}
	if amountNative == nil || amountNative.Sign() <= 0 {
		return ErrInvalidAmount
	}
	amount, err := Normalize(amountNative, asset.Decimals)
	if err != nil {
		return err
	}

	stored, err := l.loadPosition(user)
	if err != nil {
		return err
	}
	updated := stored.Clone()
	updated.creditCollateral(token, amount)

	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	if err := l.store.PutPosition(updated); err != nil {
		return err
	}
	l.collateralHeld[token] = new(big.Int).Add(l.collateralHeld[token], amount)
	return nil
}

// WithdrawCollateral releases collateral back to the user after simulating
// the post-withdrawal health. An unhealthy outcome aborts with no state
// change. Returns the native amount released.
func (l *Ledger) WithdrawCollateral(user, token common.Address, amountNative *big.Int) (*big.Int, error) {
	if err := l.gd.Enter(); err != nil {
		return nil, err
	}
	defer l.gd.Exit()

	l.stateMu.RLock()
	listed, ok := l.collateral[token]
	l.stateMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCollateral, token.Hex())
	}
	if amountNative == nil || amountNative.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	amount, err := Normalize(amountNative, listed.asset.Decimals)
	if err != nil {
		return nil, err
	}

	idx, err := l.accrue()
	if err != nil {
		return nil, err
	}
	stored, err := l.loadPosition(user)
	if err != nil {
		return nil, err
	}
	balance := stored.CollateralBalance(token)
	if balance.Cmp(amount) < 0 {
		return nil, fmt.Errorf("%w: requested %s, balance %s", ErrInsufficientCollateral, amount, balance)
	}
	l.stateMu.RLock()
	held := new(big.Int).Set(l.collateralHeld[token])
	l.stateMu.RUnlock()
	if held.Cmp(amount) < 0 {
		return nil, fmt.Errorf("market: custody holds %s of %s, cannot release %s",
			held, listed.asset.Symbol, amount)
	}

	updated := stored.Clone()
	updated.Collateral[token] = new(big.Int).Sub(balance, amount)

	// Simulate health with the reduced collateral before committing.
	debt := interest.RealizeDebt(updated.Principal, updated.LastIndex, idx)
	if debt.Sign() > 0 {
		hf, err := l.healthFactorOf(updated, debt)
		if err != nil {
			return nil, err
		}
		if hf != nil && hf.Cmp(big.NewRat(1, 1)) < 0 {
			return nil, fmt.Errorf("%w: health factor %s", ErrWithdrawalUnhealthy, hf.FloatString(4))
		}
	}

	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	if err := l.store.PutPosition(updated); err != nil {
		return nil, err
	}
	l.collateralHeld[token] = new(big.Int).Sub(l.collateralHeld[token], amount)
	return DenormalizeFloor(amount, listed.asset.Decimals), nil
}

// Borrow draws loan assets from the pool against the user's unpaused
// collateral. Accrued interest is folded into the principal and the index
// snapshot is reset before the new draw is added.
func (l *Ledger) Borrow(user common.Address, amountNative *big.Int) error {
	if err := l.gd.Enter(); err != nil {
		return err
	}
	defer l.gd.Exit()

	l.stateMu.RLock()
	paused := l.borrowsPaused
	gate := l.gate
	l.stateMu.RUnlock()
	if paused {
		return ErrBorrowingPaused
	}
	if gate == nil {
		return ErrPoolNotLinked
	}
	if amountNative == nil || amountNative.Sign() <= 0 {
		return ErrInvalidAmount
	}
	amount, err := Normalize(amountNative, l.loanAsset.Decimals)
	if err != nil {
		return err
	}

	idx, err := l.accrue()
	if err != nil {
		return err
	}
	stored, err := l.loadPosition(user)
	if err != nil {
		return err
	}
	updated := stored.Clone()
	updated.Principal = interest.RealizeDebt(updated.Principal, updated.LastIndex, idx)
	updated.LastIndex = new(big.Int).Set(idx)

	loanPrice, err := l.price(l.loanAsset.Token)
	if err != nil {
		return err
	}
	power, err := l.borrowingPowerOf(updated)
	if err != nil {
		return err
	}
	newDebt := new(big.Int).Add(updated.Principal, amount)
	newDebtUSD := mulDivCeil(newDebt, loanPrice, wad)
	if power.Cmp(newDebtUSD) < 0 {
		return fmt.Errorf("%w: need %s USD, collateral supports %s USD",
			ErrInsufficientBorrowingPower, newDebtUSD, power)
	}

	if err := gate.Borrow(amount); err != nil {
		if errors.Is(err, vault.ErrInsufficientLiquidity) {
			return fmt.Errorf("%w: %v", ErrInsufficientVaultLiquidity, err)
		}
		return err
	}

	updated.Principal = newDebt
	return l.commitPosition(stored, updated)
}

// Repay pays down the user's debt. The payment must cover the interest
// accrued since the last snapshot in full; anything beyond the total owed is
// silently capped. The protocol fee is carved out of the interest portion
// and the remainder flows back to the pool. Returns the canonical amount
// actually applied.
func (l *Ledger) Repay(user common.Address, amountNative *big.Int) (*big.Int, error) {
	if err := l.gd.Enter(); err != nil {
		return nil, err
	}
	defer l.gd.Exit()

	l.stateMu.RLock()
	gate := l.gate
	l.stateMu.RUnlock()
	if gate == nil {
		return nil, ErrPoolNotLinked
	}
	if amountNative == nil || amountNative.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	amount, err := Normalize(amountNative, l.loanAsset.Decimals)
	if err != nil {
		return nil, err
	}

	idx, err := l.accrue()
	if err != nil {
		return nil, err
	}
	stored, err := l.loadPosition(user)
	if err != nil {
		return nil, err
	}
	effective := interest.RealizeDebt(stored.Principal, stored.LastIndex, idx)
	if effective.Sign() == 0 {
		return nil, ErrNoDebt
	}
	accrued := new(big.Int).Sub(effective, stored.Principal)
	if amount.Cmp(accrued) < 0 {
		return nil, fmt.Errorf("%w: interest owed %s, payment %s", ErrMustCoverInterest, accrued, amount)
	}

	pay := new(big.Int).Set(amount)
	if pay.Cmp(effective) > 0 {
		pay.Set(effective)
	}
	fee := mulDiv(accrued, new(big.Int).SetUint64(l.params.ProtocolFeeBps), big.NewInt(10_000))
	poolShare := new(big.Int).Sub(pay, fee)
	if poolShare.Sign() > 0 {
		if err := gate.Repay(poolShare); err != nil {
			return nil, err
		}
	}

	updated := stored.Clone()
	updated.Principal = new(big.Int).Sub(effective, pay)
	updated.LastIndex = new(big.Int).Set(idx)
	if err := l.commitPosition(stored, updated); err != nil {
		return nil, err
	}
	l.stateMu.Lock()
	l.treasuryAccrued = new(big.Int).Add(l.treasuryAccrued, fee)
	l.stateMu.Unlock()
	return pay, nil
}

// AccrueInterest advances the global index to now and returns it. Exposed so
// operational tooling can realize interest without touching a position.
func (l *Ledger) AccrueInterest() (*big.Int, error) {
	if err := l.gd.Enter(); err != nil {
		return nil, err
	}
	defer l.gd.Exit()
	return l.accrue()
}

// accrue advances the index using current utilization. Callers must hold the
// operation guard but not stateMu: the pool's TotalAssets calls back into
// OutstandingLoans, which takes the read lock.
func (l *Ledger) accrue() (*big.Int, error) {
	borrowed := l.OutstandingLoans()
	assets := big.NewInt(0)
	l.stateMu.RLock()
	pool := l.pool
	includeLoans := l.utilizationIncludesLoans
	now := l.now()
	model := l.model
	l.stateMu.RUnlock()
	if pool != nil {
		assets = pool.TotalAssets()
		if !includeLoans {
			assets = new(big.Int).Sub(assets, borrowed)
			if assets.Sign() < 0 {
				assets = big.NewInt(0)
			}
		}
	}
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	return l.index.Accrue(now, model, borrowed, assets)
}

// viewIndex projects the index to now without persisting it, so read views
// report the same debt a mutating operation would realize. Same lock shape as
// accrue: stateMu is not held across the pool callback.
func (l *Ledger) viewIndex() *big.Int {
	borrowed := l.OutstandingLoans()
	assets := big.NewInt(0)
	l.stateMu.RLock()
	pool := l.pool
	includeLoans := l.utilizationIncludesLoans
	now := l.now()
	model := l.model
	l.stateMu.RUnlock()
	if pool != nil {
		assets = pool.TotalAssets()
		if !includeLoans {
			assets = new(big.Int).Sub(assets, borrowed)
			if assets.Sign() < 0 {
				assets = big.NewInt(0)
			}
		}
	}
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()
	return l.index.ProjectedIndex(now, model, borrowed, assets)
}

func (l *Ledger) loadPosition(addr common.Address) (*Position, error) {
	pos, err := l.store.GetPosition(addr)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		return NewPosition(addr), nil
	}
	return pos, nil
}

// commitPosition persists the updated position and adjusts the aggregate
// principal and scaled-debt totals by the delta between the stored and
// updated snapshots.
func (l *Ledger) commitPosition(stored, updated *Position) error {
	oldScaled := scaledDebt(stored.Principal, stored.LastIndex)
	newScaled := scaledDebt(updated.Principal, updated.LastIndex)
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	if err := l.store.PutPosition(updated); err != nil {
		return err
	}
	l.totalPrincipal = new(big.Int).Add(
		new(big.Int).Sub(l.totalPrincipal, stored.Principal), updated.Principal)
	l.totalScaled = new(big.Int).Add(
		new(big.Int).Sub(l.totalScaled, oldScaled), newScaled)
	return nil
}

// scaledDebt converts a principal and its index snapshot into the ray-scaled
// representation used for aggregate interest.
func scaledDebt(principal, lastIndex *big.Int) *big.Int {
	if principal == nil || principal.Sign() == 0 || lastIndex == nil || lastIndex.Sign() == 0 {
		return big.NewInt(0)
	}
	scaled := new(big.Int).Mul(principal, interest.Ray())
	half := new(big.Int).Rsh(lastIndex, 1)
	scaled.Add(scaled, half)
	return scaled.Quo(scaled, lastIndex)
}

func (l *Ledger) price(token common.Address) (*big.Int, error) {
	l.stateMu.RLock()
	prices := l.prices
	l.stateMu.RUnlock()
	if prices == nil {
		return nil, fmt.Errorf("market: price source not configured")
	}
	return prices.LatestPrice(token)
}

// collateralValueUSD sums the USD value of the position's collateral in
// first-deposit order. With excludePaused set, paused assets contribute
// nothing; health and liquidation valuations include everything.
func (l *Ledger) collateralValueUSD(pos *Position, excludePaused bool) (*big.Int, error) {
	total := big.NewInt(0)
	for _, token := range pos.AssetList {
		bal := pos.Collateral[token]
		if bal == nil || bal.Sign() == 0 {
			continue
		}
		if excludePaused {
			l.stateMu.RLock()
			listed, ok := l.collateral[token]
			paused := ok && listed.paused
			l.stateMu.RUnlock()
			if paused {
				continue
			}
		}
		price, err := l.price(token)
		if err != nil {
			return nil, err
		}
		total.Add(total, mulDiv(bal, price, wad))
	}
	return total, nil
}

// borrowingPowerOf is the USD debt ceiling granted by unpaused collateral.
func (l *Ledger) borrowingPowerOf(pos *Position) (*big.Int, error) {
	value, err := l.collateralValueUSD(pos, true)
	if err != nil {
		return nil, err
	}
	return mulDiv(value, new(big.Int).SetUint64(l.params.LLTVBps), big.NewInt(10_000)), nil
}

// healthFactorOf computes collateralUSD * LLTV / (debtUSD * (1 + penalty)).
// A nil result means the position has no debt and is infinitely healthy.
func (l *Ledger) healthFactorOf(pos *Position, debt *big.Int) (*big.Rat, error) {
	if debt == nil || debt.Sign() == 0 {
		return nil, nil
	}
	value, err := l.collateralValueUSD(pos, false)
	if err != nil {
		return nil, err
	}
	loanPrice, err := l.price(l.loanAsset.Token)
	if err != nil {
		return nil, err
	}
	debtUSD := mulDivCeil(debt, loanPrice, wad)
	num := new(big.Int).Mul(value, new(big.Int).SetUint64(l.params.LLTVBps))
	den := new(big.Int).Mul(debtUSD, new(big.Int).SetUint64(10_000+l.params.LiquidationPenaltyBps))
	if den.Sign() == 0 {
		return nil, nil
	}
	return new(big.Rat).SetFrac(num, den), nil
}

// HealthFactor reports the user's current health factor using the debt
// realized against the projected index. Nil means debt-free.
func (l *Ledger) HealthFactor(user common.Address) (*big.Rat, error) {
	stored, err := l.loadPosition(user)
	if err != nil {
		return nil, err
	}
	debt := interest.RealizeDebt(stored.Principal, stored.LastIndex, l.viewIndex())
	return l.healthFactorOf(stored, debt)
}

// GetPosition assembles the read-model for monitoring and UI callers.
func (l *Ledger) GetPosition(user common.Address) (*PositionView, error) {
	stored, err := l.loadPosition(user)
	if err != nil {
		return nil, err
	}
	debt := interest.RealizeDebt(stored.Principal, stored.LastIndex, l.viewIndex())
	value, err := l.collateralValueUSD(stored, false)
	if err != nil {
		return nil, err
	}
	power, err := l.borrowingPowerOf(stored)
	if err != nil {
		return nil, err
	}
	hf, err := l.healthFactorOf(stored, debt)
	if err != nil {
		return nil, err
	}
	healthy := hf == nil || hf.Cmp(big.NewRat(1, 1)) >= 0
	return &PositionView{
		Addr:               user,
		CollateralValueUSD: value,
		TotalDebt:          debt,
		BorrowingPower:     power,
		HealthFactor:       hf,
		Healthy:            healthy,
	}, nil
}

// OutstandingLoans reports principal plus accrued interest owed back to the
// pool. This is the LoanBook side of the pool link.
func (l *Ledger) OutstandingLoans() *big.Int {
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()
	if l.totalScaled.Sign() == 0 {
		return big.NewInt(0)
	}
	owed := new(big.Int).Mul(l.totalScaled, l.index.Index())
	ray := interest.Ray()
	owed.Add(owed, new(big.Int).Rsh(ray, 1))
	return owed.Quo(owed, ray)
}

// UtilizationRate reports borrowed over pool assets under the configured
// denominator mode.
func (l *Ledger) UtilizationRate() *big.Rat {
	borrowed := l.OutstandingLoans()
	l.stateMu.RLock()
	pool := l.pool
	includeLoans := l.utilizationIncludesLoans
	l.stateMu.RUnlock()
	if pool == nil {
		return new(big.Rat)
	}
	assets := pool.TotalAssets()
	if !includeLoans {
		assets = new(big.Int).Sub(assets, borrowed)
		if assets.Sign() < 0 {
			assets = big.NewInt(0)
		}
	}
	return interest.Utilization(borrowed, assets)
}

// BorrowAPR reports the current dynamic borrow rate.
func (l *Ledger) BorrowAPR() *big.Rat {
	util := l.UtilizationRate()
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()
	return l.model.BorrowRate(util)
}

// SupplyAPR reports the supplier yield after the protocol fee cut.
func (l *Ledger) SupplyAPR() *big.Rat {
	util := l.UtilizationRate()
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()
	return l.model.SupplyYield(util, l.params.ProtocolFeeBps)
}

// Index returns the current global borrow index in ray precision.
func (l *Ledger) Index() *big.Int {
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()
	return l.index.Index()
}

// TotalPrincipal returns the realized principal aggregate.
func (l *Ledger) TotalPrincipal() *big.Int {
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()
	return new(big.Int).Set(l.totalPrincipal)
}

// BadDebt reports the principal currently parked on the sink position.
func (l *Ledger) BadDebt() *big.Int {
	pos, err := l.store.GetPosition(BadDebtSink)
	if err != nil || pos == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(pos.Principal)
}

// TreasuryAccrued reports protocol fees collected and not yet swept.
func (l *Ledger) TreasuryAccrued() *big.Int {
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()
	return new(big.Int).Set(l.treasuryAccrued)
}

// BorrowsPaused reports the market-wide borrow switch.
func (l *Ledger) BorrowsPaused() bool {
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()
	return l.borrowsPaused
}

// CollateralAssets lists the registered collateral in registration order.
func (l *Ledger) CollateralAssets() []Asset {
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()
	out := make([]Asset, 0, len(l.collateralOrder))
	for _, token := range l.collateralOrder {
		out = append(out, l.collateral[token].asset)
	}
	return out
}

// IsCollateralPaused reports the pause flag for a collateral token.
func (l *Ledger) IsCollateralPaused(token common.Address) bool {
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()
	listed, ok := l.collateral[token]
	return ok && listed.paused
}

// WorstHealthFactor scans every borrower and returns the lowest health
// factor, or nil when nobody carries debt. The bad-debt sink is skipped; it
// has no collateral by construction and would always dominate.
func (l *Ledger) WorstHealthFactor() (*big.Rat, error) {
	idx := l.viewIndex()
	var worst *big.Rat
	err := l.store.EachPosition(func(pos *Position) error {
		if pos.Addr == BadDebtSink {
			return nil
		}
		debt := interest.RealizeDebt(pos.Principal, pos.LastIndex, idx)
		if debt.Sign() == 0 {
			return nil
		}
		hf, err := l.healthFactorOf(pos, debt)
		if err != nil {
			return err
		}
		if hf != nil && (worst == nil || hf.Cmp(worst) < 0) {
			worst = hf
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return worst, nil
}

// CheckInvariant verifies that the stored principals, bad-debt sink
// included, sum exactly to the tracked aggregate.
func (l *Ledger) CheckInvariant() error {
	sum := big.NewInt(0)
	err := l.store.EachPosition(func(pos *Position) error {
		sum.Add(sum, pos.Principal)
		return nil
	})
	if err != nil {
		return err
	}
	l.stateMu.RLock()
	total := new(big.Int).Set(l.totalPrincipal)
	l.stateMu.RUnlock()
	if sum.Cmp(total) != 0 {
		return fmt.Errorf("market: principal sum %s diverges from total %s", sum, total)
	}
	return nil
}
