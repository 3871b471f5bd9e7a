package market

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"openlend/interest"
)

// Liquidate closes out an unhealthy position. The liquidator repays the debt
// and receives collateral worth the repaid amount plus the liquidation
// penalty, seized deterministically in the position's first-deposit order.
// When collateral cannot cover debt plus penalty, the liquidator repays only
// the share the seizable collateral supports and the shortfall moves to the
// bad-debt sink.
func (l *Ledger) Liquidate(liquidator, borrower common.Address) (*LiquidationResult, error) {
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

	idx, err := l.accrue()
	if err != nil {
		return nil, err
	}
	stored, err := l.loadPosition(borrower)
	if err != nil {
		return nil, err
	}
	effective := interest.RealizeDebt(stored.Principal, stored.LastIndex, idx)
	if effective.Sign() == 0 {
		return nil, ErrNoDebt
	}
	hf, err := l.healthFactorOf(stored, effective)
	if err != nil {
		return nil, err
	}
	if hf == nil {
		return nil, ErrPositionHealthy
	}
	if hf.Cmp(big.NewRat(1, 1)) >= 0 {
		return nil, fmt.Errorf("%w: health factor %s", ErrPositionHealthy, hf.FloatString(4))
	}

	loanPrice, err := l.price(l.loanAsset.Token)
	if err != nil {
		return nil, err
	}
	collateralUSD, err := l.collateralValueUSD(stored, false)
	if err != nil {
		return nil, err
	}

	penaltyDen := new(big.Int).SetUint64(10_000 + l.params.LiquidationPenaltyBps)
	debtUSD := mulDivCeil(effective, loanPrice, wad)
	seizeUSD := mulDiv(debtUSD, penaltyDen, big.NewInt(10_000))

	coveredUSD := new(big.Int).Set(debtUSD)
	if seizeUSD.Cmp(collateralUSD) > 0 {
		// Under-collateralized: everything is seized and the liquidator only
		// funds the debt share the seized value supports.
		seizeUSD = new(big.Int).Set(collateralUSD)
		coveredUSD = mulDiv(seizeUSD, big.NewInt(10_000), penaltyDen)
	}

	repay := mulDivCeil(coveredUSD, wad, loanPrice)
	if repay.Cmp(effective) > 0 {
		repay = new(big.Int).Set(effective)
	}
	if repay.Sign() == 0 {
		return nil, fmt.Errorf("market: seizable collateral supports no repayment")
	}

	accrued := new(big.Int).Sub(effective, stored.Principal)
	interestCovered := new(big.Int).Set(accrued)
	if interestCovered.Cmp(repay) > 0 {
		interestCovered.Set(repay)
	}
	fee := mulDiv(interestCovered, new(big.Int).SetUint64(l.params.ProtocolFeeBps), big.NewInt(10_000))
	poolShare := new(big.Int).Sub(repay, fee)
	if poolShare.Sign() > 0 {
		if err := gate.Repay(poolShare); err != nil {
			return nil, err
		}
	}

	updated := stored.Clone()
	seized, seizedHeld := l.seizeCollateral(updated, seizeUSD)
	updated.Principal = big.NewInt(0)
	updated.LastIndex = new(big.Int).Set(idx)

	shortfall := new(big.Int).Sub(effective, repay)

	if err := l.commitPosition(stored, updated); err != nil {
		return nil, err
	}
	if shortfall.Sign() > 0 {
		if err := l.assignBadDebt(shortfall, idx); err != nil {
			return nil, err
		}
	}

	l.stateMu.Lock()
	for token, amount := range seizedHeld {
		l.collateralHeld[token] = new(big.Int).Sub(l.collateralHeld[token], amount)
	}
	l.treasuryAccrued = new(big.Int).Add(l.treasuryAccrued, fee)
	l.stateMu.Unlock()

	return &LiquidationResult{
		RepaidNative: DenormalizeCeil(repay, l.loanAsset.Decimals),
		Seized:       seized,
		BadDebt:      shortfall,
	}, nil
}

// seizeCollateral walks the position's assets in first-deposit order and
// takes collateral until the USD target is met or nothing is left. It
// returns the native-precision amounts owed to the liquidator and the
// canonical amounts removed from custody.
func (l *Ledger) seizeCollateral(pos *Position, targetUSD *big.Int) (map[common.Address]*big.Int, map[common.Address]*big.Int) {
	seized := make(map[common.Address]*big.Int)
	held := make(map[common.Address]*big.Int)
	remaining := new(big.Int).Set(targetUSD)
	for _, token := range pos.AssetList {
		if remaining.Sign() <= 0 {
			break
		}
		bal := pos.Collateral[token]
		if bal == nil || bal.Sign() == 0 {
			continue
		}
		price, err := l.price(token)
		if err != nil || price == nil || price.Sign() == 0 {
			// Health and target valuation already priced every asset; a feed
			// dying mid-seizure just skips the asset rather than trapping the
			// liquidation.
			continue
		}
		take := mulDivCeil(remaining, wad, price)
		if take.Cmp(bal) > 0 {
			take = new(big.Int).Set(bal)
		}
		pos.Collateral[token] = new(big.Int).Sub(bal, take)
		remaining.Sub(remaining, mulDiv(take, price, wad))

		l.stateMu.RLock()
		decimals := l.collateral[token].asset.Decimals
		l.stateMu.RUnlock()
		seized[token] = DenormalizeFloor(take, decimals)
		held[token] = take
	}
	return seized, held
}

// assignBadDebt realizes the sink's accrued interest and adds the new
// shortfall, keeping the principal-sum invariant intact.
func (l *Ledger) assignBadDebt(shortfall, idx *big.Int) error {
	stored, err := l.loadPosition(BadDebtSink)
	if err != nil {
		return err
	}
	updated := stored.Clone()
	updated.Principal = interest.RealizeDebt(updated.Principal, updated.LastIndex, idx)
	updated.Principal.Add(updated.Principal, shortfall)
	updated.LastIndex = new(big.Int).Set(idx)
	return l.commitPosition(stored, updated)
}
