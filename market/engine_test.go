package market

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"openlend/interest"
	"openlend/vault"
)

var (
	loanToken = common.HexToAddress("0x0000000000000000000000000000000000000101")
	wethToken = common.HexToAddress("0x0000000000000000000000000000000000000202")
	wbtcToken = common.HexToAddress("0x0000000000000000000000000000000000000303")

	admin    = common.HexToAddress("0x00000000000000000000000000000000000000ad")
	funder   = common.HexToAddress("0x00000000000000000000000000000000000000f0")
	borrower = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	keeper   = common.HexToAddress("0x00000000000000000000000000000000000000e0")
)

// staticPrices is a fixed in-memory price source.
type staticPrices struct {
	prices map[common.Address]*big.Int
}

func (s *staticPrices) LatestPrice(asset common.Address) (*big.Int, error) {
	if price, ok := s.prices[asset]; ok {
		return new(big.Int).Set(price), nil
	}
	return nil, errors.New("no price")
}

func (s *staticPrices) set(asset common.Address, price *big.Int) {
	s.prices[asset] = price
}

type allowAll struct{}

func (allowAll) IsAuthorized(common.Address, string) bool { return true }

type denyAll struct{}

func (denyAll) IsAuthorized(common.Address, string) bool { return false }

type fixture struct {
	ledger *Ledger
	pool   *vault.Pool
	prices *staticPrices
	clock  *time.Time
}

func (f *fixture) advance(d time.Duration) {
	*f.clock = f.clock.Add(d)
}

// flatRateModel charges a constant 5% APR so one year of accrual lands on
// exact numbers.
func flatRateModel() *interest.Model {
	return &interest.Model{
		BaseRate: big.NewRat(1, 20),
		Slope1:   new(big.Rat),
		Slope2:   new(big.Rat),
		Kink:     big.NewRat(1, 1),
	}
}

func usd(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), Wad())
}

func newFixture(t *testing.T, model *interest.Model) *fixture {
	t.Helper()
	start := time.Unix(1_700_000_000, 0).UTC()
	clock := start

	loan := Asset{Token: loanToken, Symbol: "USDX", Decimals: 18}
	params := Params{
		LLTVBps:               8500,
		LiquidationPenaltyBps: 500,
		ProtocolFeeBps:        1000,
		Treasury:              common.HexToAddress("0x00000000000000000000000000000000000000fe"),
	}
	ledger, err := NewLedger(loan, params, model, NewMemoryStore(), start)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	ledger.SetClock(func() time.Time { return clock })
	ledger.SetAuthorization(allowAll{})

	pool, err := vault.NewPool(nil, 0)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	gate, err := pool.BindLedger(ledger)
	if err != nil {
		t.Fatalf("bind ledger: %v", err)
	}
	ledger.LinkPool(pool, gate)

	prices := &staticPrices{prices: map[common.Address]*big.Int{
		loanToken: Wad(),
		wethToken: usd(1000),
	}}
	ledger.SetPriceSource(prices)

	if err := ledger.RegisterCollateral(admin, Asset{Token: wethToken, Symbol: "WETH", Decimals: 18}); err != nil {
		t.Fatalf("register collateral: %v", err)
	}
	if _, err := pool.Deposit(funder, usd(2000)); err != nil {
		t.Fatalf("fund pool: %v", err)
	}
	return &fixture{ledger: ledger, pool: pool, prices: prices, clock: &clock}
}

func mustCheckInvariant(t *testing.T, l *Ledger) {
	t.Helper()
	if err := l.CheckInvariant(); err != nil {
		t.Fatalf("invariant violated: %v", err)
	}
}

func TestDepositAndWithdrawCollateral(t *testing.T) {
	f := newFixture(t, flatRateModel())

	if err := f.ledger.DepositCollateral(borrower, wethToken, Wad()); err != nil {
		t.Fatalf("deposit collateral: %v", err)
	}
	view, err := f.ledger.GetPosition(borrower)
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if view.CollateralValueUSD.Cmp(usd(1000)) != 0 {
		t.Fatalf("unexpected collateral value: %s", view.CollateralValueUSD)
	}
	if view.BorrowingPower.Cmp(usd(850)) != 0 {
		t.Fatalf("unexpected borrowing power: %s", view.BorrowingPower)
	}
	if view.HealthFactor != nil {
		t.Fatalf("debt-free position must report nil health factor")
	}

	released, err := f.ledger.WithdrawCollateral(borrower, wethToken, Wad())
	if err != nil {
		t.Fatalf("withdraw collateral: %v", err)
	}
	if released.Cmp(Wad()) != 0 {
		t.Fatalf("unexpected release: %s", released)
	}
	if _, err := f.ledger.WithdrawCollateral(borrower, wethToken, Wad()); !errors.Is(err, ErrInsufficientCollateral) {
		t.Fatalf("expected ErrInsufficientCollateral, got %v", err)
	}
}

func TestDepositRejectsUnsupportedAndPaused(t *testing.T) {
	f := newFixture(t, flatRateModel())

	if err := f.ledger.DepositCollateral(borrower, wbtcToken, big.NewInt(1)); !errors.Is(err, ErrUnsupportedCollateral) {
		t.Fatalf("expected ErrUnsupportedCollateral, got %v", err)
	}
	if err := f.ledger.SetCollateralPaused(admin, wethToken, true); err != nil {
		t.Fatalf("pause collateral: %v", err)
	}
	if err := f.ledger.DepositCollateral(borrower, wethToken, Wad()); !errors.Is(err, ErrCollateralPaused) {
		t.Fatalf("expected ErrCollateralPaused, got %v", err)
	}
}

func TestNormalizationAtTheEdges(t *testing.T) {
	f := newFixture(t, flatRateModel())
	if err := f.ledger.RegisterCollateral(admin, Asset{Token: wbtcToken, Symbol: "WBTC", Decimals: 8}); err != nil {
		t.Fatalf("register collateral: %v", err)
	}
	f.prices.set(wbtcToken, usd(60_000))

	// 0.5 WBTC in native 8-decimal units.
	if err := f.ledger.DepositCollateral(borrower, wbtcToken, big.NewInt(50_000_000)); err != nil {
		t.Fatalf("deposit collateral: %v", err)
	}
	view, err := f.ledger.GetPosition(borrower)
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if view.CollateralValueUSD.Cmp(usd(30_000)) != 0 {
		t.Fatalf("unexpected collateral value: %s", view.CollateralValueUSD)
	}

	released, err := f.ledger.WithdrawCollateral(borrower, wbtcToken, big.NewInt(50_000_000))
	if err != nil {
		t.Fatalf("withdraw collateral: %v", err)
	}
	if released.Cmp(big.NewInt(50_000_000)) != 0 {
		t.Fatalf("expected native units back, got %s", released)
	}
}

func TestBorrowAgainstCollateral(t *testing.T) {
	f := newFixture(t, flatRateModel())

	if err := f.ledger.DepositCollateral(borrower, wethToken, Wad()); err != nil {
		t.Fatalf("deposit collateral: %v", err)
	}
	if err := f.ledger.Borrow(borrower, usd(900)); !errors.Is(err, ErrInsufficientBorrowingPower) {
		t.Fatalf("expected ErrInsufficientBorrowingPower, got %v", err)
	}
	if err := f.ledger.Borrow(borrower, usd(500)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if got := f.ledger.OutstandingLoans(); got.Cmp(usd(500)) != 0 {
		t.Fatalf("unexpected outstanding loans: %s", got)
	}
	if got := f.pool.AvailableLiquidity(); got.Cmp(usd(1500)) != 0 {
		t.Fatalf("unexpected pool liquidity: %s", got)
	}
	mustCheckInvariant(t, f.ledger)
}

func TestBorrowFailsOnVaultLiquidity(t *testing.T) {
	f := newFixture(t, flatRateModel())

	// Plenty of collateral, not enough pool liquidity.
	if err := f.ledger.DepositCollateral(borrower, wethToken, new(big.Int).Mul(Wad(), big.NewInt(10))); err != nil {
		t.Fatalf("deposit collateral: %v", err)
	}
	if err := f.ledger.Borrow(borrower, usd(5000)); !errors.Is(err, ErrInsufficientVaultLiquidity) {
		t.Fatalf("expected ErrInsufficientVaultLiquidity, got %v", err)
	}
	if got := f.ledger.TotalPrincipal(); got.Sign() != 0 {
		t.Fatalf("failed borrow must not record principal, got %s", got)
	}
	mustCheckInvariant(t, f.ledger)
}

func TestBorrowPaused(t *testing.T) {
	f := newFixture(t, flatRateModel())
	if err := f.ledger.PauseBorrowing(admin, true); err != nil {
		t.Fatalf("pause borrowing: %v", err)
	}
	if err := f.ledger.Borrow(borrower, usd(1)); !errors.Is(err, ErrBorrowingPaused) {
		t.Fatalf("expected ErrBorrowingPaused, got %v", err)
	}
}

func TestConfigurationRequiresAuthorization(t *testing.T) {
	f := newFixture(t, flatRateModel())
	f.ledger.SetAuthorization(denyAll{})

	if err := f.ledger.PauseBorrowing(admin, true); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := f.ledger.SetCollateralPaused(admin, wethToken, true); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := f.ledger.RegisterCollateral(admin, Asset{Token: wbtcToken, Symbol: "WBTC", Decimals: 8}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestRepayMustCoverAccruedInterest(t *testing.T) {
	f := newFixture(t, flatRateModel())

	if err := f.ledger.DepositCollateral(borrower, wethToken, new(big.Int).Mul(Wad(), big.NewInt(2))); err != nil {
		t.Fatalf("deposit collateral: %v", err)
	}
	if err := f.ledger.Borrow(borrower, usd(1000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	// One year at a flat 5% brings the debt to exactly 1050.
	f.advance(365 * 24 * time.Hour)

	if _, err := f.ledger.Repay(borrower, usd(30)); !errors.Is(err, ErrMustCoverInterest) {
		t.Fatalf("expected ErrMustCoverInterest, got %v", err)
	}
	mustCheckInvariant(t, f.ledger)

	paid, err := f.ledger.Repay(borrower, usd(50))
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if paid.Cmp(usd(50)) != 0 {
		t.Fatalf("unexpected paid amount: %s", paid)
	}
	// The payment exactly covered the interest, so the principal survives.
	if got := f.ledger.TotalPrincipal(); got.Cmp(usd(1000)) != 0 {
		t.Fatalf("principal should remain 1000, got %s", got)
	}
	// 10% protocol fee on the 50 interest.
	if got := f.ledger.TreasuryAccrued(); got.Cmp(usd(5)) != 0 {
		t.Fatalf("unexpected treasury accrual: %s", got)
	}
	mustCheckInvariant(t, f.ledger)

	paid, err = f.ledger.Repay(borrower, usd(150))
	if err != nil {
		t.Fatalf("repay principal: %v", err)
	}
	if paid.Cmp(usd(150)) != 0 {
		t.Fatalf("unexpected paid amount: %s", paid)
	}
	if got := f.ledger.TotalPrincipal(); got.Cmp(usd(850)) != 0 {
		t.Fatalf("principal should drop to 850, got %s", got)
	}
	mustCheckInvariant(t, f.ledger)
}

func TestRepayCapsAtTotalOwed(t *testing.T) {
	f := newFixture(t, flatRateModel())

	if err := f.ledger.DepositCollateral(borrower, wethToken, new(big.Int).Mul(Wad(), big.NewInt(2))); err != nil {
		t.Fatalf("deposit collateral: %v", err)
	}
	if err := f.ledger.Borrow(borrower, usd(1000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	f.advance(365 * 24 * time.Hour)

	paid, err := f.ledger.Repay(borrower, usd(5000))
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if paid.Cmp(usd(1050)) != 0 {
		t.Fatalf("payment should cap at 1050, got %s", paid)
	}
	if got := f.ledger.TotalPrincipal(); got.Sign() != 0 {
		t.Fatalf("debt should be cleared, principal %s", got)
	}
	if _, err := f.ledger.Repay(borrower, usd(1)); !errors.Is(err, ErrNoDebt) {
		t.Fatalf("expected ErrNoDebt, got %v", err)
	}
	mustCheckInvariant(t, f.ledger)
}

func TestWithdrawBlockedWhenUnhealthy(t *testing.T) {
	f := newFixture(t, flatRateModel())

	if err := f.ledger.DepositCollateral(borrower, wethToken, Wad()); err != nil {
		t.Fatalf("deposit collateral: %v", err)
	}
	if err := f.ledger.Borrow(borrower, usd(500)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	// Dropping to 0.5 WETH would leave 500 collateral against 500 debt.
	half := new(big.Int).Rsh(Wad(), 1)
	if _, err := f.ledger.WithdrawCollateral(borrower, wethToken, half); !errors.Is(err, ErrWithdrawalUnhealthy) {
		t.Fatalf("expected ErrWithdrawalUnhealthy, got %v", err)
	}
	view, err := f.ledger.GetPosition(borrower)
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if view.CollateralValueUSD.Cmp(usd(1000)) != 0 {
		t.Fatalf("failed withdrawal must not move collateral, value %s", view.CollateralValueUSD)
	}

	// A small withdrawal that keeps the position healthy goes through.
	tenth := new(big.Int).Quo(Wad(), big.NewInt(10))
	if _, err := f.ledger.WithdrawCollateral(borrower, wethToken, tenth); err != nil {
		t.Fatalf("healthy withdrawal: %v", err)
	}
	mustCheckInvariant(t, f.ledger)
}

func TestHealthFactorBands(t *testing.T) {
	f := newFixture(t, flatRateModel())

	if err := f.ledger.DepositCollateral(borrower, wethToken, Wad()); err != nil {
		t.Fatalf("deposit collateral: %v", err)
	}
	if err := f.ledger.Borrow(borrower, usd(800)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	hf, err := f.ledger.HealthFactor(borrower)
	if err != nil {
		t.Fatalf("health factor: %v", err)
	}
	// 1000 * 0.85 / (800 * 1.05)
	if got := hf.FloatString(4); got != "1.0119" {
		t.Fatalf("unexpected health factor: %s", got)
	}
	if _, err := f.ledger.Liquidate(keeper, borrower); !errors.Is(err, ErrPositionHealthy) {
		t.Fatalf("expected ErrPositionHealthy, got %v", err)
	}

	if err := f.ledger.Borrow(borrower, usd(50)); err != nil {
		t.Fatalf("borrow to the limit: %v", err)
	}
	hf, err = f.ledger.HealthFactor(borrower)
	if err != nil {
		t.Fatalf("health factor: %v", err)
	}
	// 1000 * 0.85 / (850 * 1.05): at the LLTV edge the penalty buffer
	// already puts the position below one.
	if got := hf.FloatString(4); got != "0.9524" {
		t.Fatalf("unexpected health factor: %s", got)
	}
}

func TestReadViewsProjectAccrual(t *testing.T) {
	f := newFixture(t, flatRateModel())

	if err := f.ledger.DepositCollateral(borrower, wethToken, Wad()); err != nil {
		t.Fatalf("deposit collateral: %v", err)
	}
	if err := f.ledger.Borrow(borrower, usd(800)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	// A flat-rate year passes with no operation touching the index. The
	// views must still price the accrued interest in, or monitoring would
	// call healthy a position the next liquidation attempt finds under
	// water.
	f.advance(365 * 24 * time.Hour)

	view, err := f.ledger.GetPosition(borrower)
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if view.TotalDebt.Cmp(usd(840)) != 0 {
		t.Fatalf("debt should project to 840, got %s", view.TotalDebt)
	}
	if view.Healthy {
		t.Fatalf("position should be reported unhealthy")
	}

	hf, err := f.ledger.HealthFactor(borrower)
	if err != nil {
		t.Fatalf("health factor: %v", err)
	}
	// 1000 * 0.85 / (840 * 1.05)
	if got := hf.FloatString(4); got != "0.9637" {
		t.Fatalf("unexpected health factor: %s", got)
	}

	// The projection matches the persisted accrual exactly.
	if _, err := f.ledger.AccrueInterest(); err != nil {
		t.Fatalf("accrue: %v", err)
	}
	after, err := f.ledger.HealthFactor(borrower)
	if err != nil {
		t.Fatalf("health factor: %v", err)
	}
	if after.Cmp(hf) != 0 {
		t.Fatalf("projected %s diverges from accrued %s", hf.FloatString(6), after.FloatString(6))
	}
	mustCheckInvariant(t, f.ledger)
}

func TestPausedCollateralAsymmetry(t *testing.T) {
	f := newFixture(t, flatRateModel())
	if err := f.ledger.RegisterCollateral(admin, Asset{Token: wbtcToken, Symbol: "WBTC", Decimals: 8}); err != nil {
		t.Fatalf("register collateral: %v", err)
	}
	f.prices.set(wbtcToken, usd(1000))

	if err := f.ledger.DepositCollateral(borrower, wethToken, Wad()); err != nil {
		t.Fatalf("deposit weth: %v", err)
	}
	// 1 WBTC in native units.
	if err := f.ledger.DepositCollateral(borrower, wbtcToken, big.NewInt(100_000_000)); err != nil {
		t.Fatalf("deposit wbtc: %v", err)
	}
	if err := f.ledger.SetCollateralPaused(admin, wbtcToken, true); err != nil {
		t.Fatalf("pause wbtc: %v", err)
	}

	// Borrowing power comes from WETH alone (850), but health still counts
	// the full 2000 of collateral.
	if err := f.ledger.Borrow(borrower, usd(900)); !errors.Is(err, ErrInsufficientBorrowingPower) {
		t.Fatalf("paused collateral must not add borrowing power, got %v", err)
	}
	if err := f.ledger.Borrow(borrower, usd(850)); err != nil {
		t.Fatalf("borrow within unpaused power: %v", err)
	}
	hf, err := f.ledger.HealthFactor(borrower)
	if err != nil {
		t.Fatalf("health factor: %v", err)
	}
	if hf.Cmp(big.NewRat(1, 1)) < 0 {
		t.Fatalf("position with paused collateral backing should stay healthy, hf %s", hf.FloatString(4))
	}
	mustCheckInvariant(t, f.ledger)
}

func TestUpdateInterestModelValidatesCeiling(t *testing.T) {
	f := newFixture(t, flatRateModel())

	absurd := &interest.Model{
		BaseRate: big.NewRat(50, 1),
		Slope1:   new(big.Rat),
		Slope2:   new(big.Rat),
		Kink:     big.NewRat(1, 1),
	}
	if err := f.ledger.UpdateInterestModel(admin, absurd); err == nil {
		t.Fatalf("expected ceiling rejection")
	}
	if err := f.ledger.UpdateInterestModel(admin, interest.DefaultModel); err != nil {
		t.Fatalf("update model: %v", err)
	}
}
