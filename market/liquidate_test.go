package market

import (
	"errors"
	"math/big"
	"testing"
)

func TestLiquidateSeizesDebtPlusPenalty(t *testing.T) {
	f := newFixture(t, flatRateModel())

	if err := f.ledger.DepositCollateral(borrower, wethToken, Wad()); err != nil {
		t.Fatalf("deposit collateral: %v", err)
	}
	if err := f.ledger.Borrow(borrower, usd(850)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	result, err := f.ledger.Liquidate(keeper, borrower)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if result.RepaidNative.Cmp(usd(850)) != 0 {
		t.Fatalf("liquidator should repay the full debt, got %s", result.RepaidNative)
	}
	// Seize 850 * 1.05 = 892.5 USD of WETH at 1000 USD each.
	wantSeized := new(big.Int).Quo(new(big.Int).Mul(usd(8925), Wad()), usd(10_000))
	if got := result.Seized[wethToken]; got.Cmp(wantSeized) != 0 {
		t.Fatalf("unexpected seizure: got %s want %s", got, wantSeized)
	}
	if result.BadDebt.Sign() != 0 {
		t.Fatalf("fully collateralized liquidation must leave no bad debt, got %s", result.BadDebt)
	}

	view, err := f.ledger.GetPosition(borrower)
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if view.TotalDebt.Sign() != 0 {
		t.Fatalf("debt should be cleared, got %s", view.TotalDebt)
	}
	// 1 - 0.8925 WETH remains with the borrower.
	remaining := new(big.Int).Sub(Wad(), wantSeized)
	wantValue := new(big.Int).Quo(new(big.Int).Mul(remaining, usd(1000)), Wad())
	if view.CollateralValueUSD.Cmp(wantValue) != 0 {
		t.Fatalf("unexpected residual collateral value: got %s want %s", view.CollateralValueUSD, wantValue)
	}
	if got := f.ledger.TotalPrincipal(); got.Sign() != 0 {
		t.Fatalf("principal aggregate should return to zero, got %s", got)
	}
	mustCheckInvariant(t, f.ledger)
}

func TestLiquidateUndercollateralizedRoutesShortfallToSink(t *testing.T) {
	f := newFixture(t, flatRateModel())

	if err := f.ledger.DepositCollateral(borrower, wethToken, Wad()); err != nil {
		t.Fatalf("deposit collateral: %v", err)
	}
	if err := f.ledger.Borrow(borrower, usd(850)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	// The collateral crashes below the debt.
	f.prices.set(wethToken, usd(800))

	result, err := f.ledger.Liquidate(keeper, borrower)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	// All 800 USD of collateral goes to the liquidator, who funds the debt
	// share it supports: 800 / 1.05.
	if got := result.Seized[wethToken]; got.Cmp(Wad()) != 0 {
		t.Fatalf("entire collateral should be seized, got %s", got)
	}
	wantRepaid := new(big.Int).Quo(new(big.Int).Mul(usd(800), big.NewInt(10_000)), big.NewInt(10_500))
	// The repay obligation rounds up in the market's favor.
	if diff := new(big.Int).Sub(result.RepaidNative, wantRepaid); diff.Sign() < 0 || diff.Cmp(big.NewInt(1)) > 0 {
		t.Fatalf("unexpected repaid amount: got %s want ~%s", result.RepaidNative, wantRepaid)
	}

	wantShortfall := new(big.Int).Sub(usd(850), result.RepaidNative)
	if result.BadDebt.Cmp(wantShortfall) != 0 {
		t.Fatalf("unexpected bad debt: got %s want %s", result.BadDebt, wantShortfall)
	}
	if got := f.ledger.BadDebt(); got.Cmp(wantShortfall) != 0 {
		t.Fatalf("sink should hold the shortfall: got %s want %s", got, wantShortfall)
	}
	// The sink principal keeps the aggregate consistent.
	if got := f.ledger.TotalPrincipal(); got.Cmp(wantShortfall) != 0 {
		t.Fatalf("aggregate principal should equal the shortfall, got %s", got)
	}
	mustCheckInvariant(t, f.ledger)

	view, err := f.ledger.GetPosition(borrower)
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if view.TotalDebt.Sign() != 0 || view.CollateralValueUSD.Sign() != 0 {
		t.Fatalf("borrower should be wiped clean, debt %s collateral %s",
			view.TotalDebt, view.CollateralValueUSD)
	}
}

func TestLiquidateSeizesInFirstDepositOrder(t *testing.T) {
	f := newFixture(t, flatRateModel())
	if err := f.ledger.RegisterCollateral(admin, Asset{Token: wbtcToken, Symbol: "WBTC", Decimals: 8}); err != nil {
		t.Fatalf("register collateral: %v", err)
	}
	f.prices.set(wbtcToken, usd(1000))

	// WETH deposited first, WBTC second.
	if err := f.ledger.DepositCollateral(borrower, wethToken, Wad()); err != nil {
		t.Fatalf("deposit weth: %v", err)
	}
	if err := f.ledger.DepositCollateral(borrower, wbtcToken, big.NewInt(100_000_000)); err != nil {
		t.Fatalf("deposit wbtc: %v", err)
	}
	if err := f.ledger.Borrow(borrower, usd(1700)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	// Halving both prices makes the position deeply unhealthy.
	f.prices.set(wethToken, usd(500))
	f.prices.set(wbtcToken, usd(500))

	result, err := f.ledger.Liquidate(keeper, borrower)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	// The first-deposited asset is drained before the second is touched.
	if got := result.Seized[wethToken]; got.Cmp(Wad()) != 0 {
		t.Fatalf("weth should be fully seized first, got %s", got)
	}
	if got, ok := result.Seized[wbtcToken]; !ok || got.Sign() == 0 {
		t.Fatalf("wbtc should cover the remainder, got %v", got)
	}
	mustCheckInvariant(t, f.ledger)
}

func TestLiquidateRejectsDebtFreePosition(t *testing.T) {
	f := newFixture(t, flatRateModel())
	if err := f.ledger.DepositCollateral(borrower, wethToken, Wad()); err != nil {
		t.Fatalf("deposit collateral: %v", err)
	}
	if _, err := f.ledger.Liquidate(keeper, borrower); !errors.Is(err, ErrNoDebt) {
		t.Fatalf("expected ErrNoDebt, got %v", err)
	}
}
