package interest

import (
	"fmt"
	"math/big"
)

// Model encapsulates the jump-rate parameters that shape how borrow rates
// react to market utilisation.
type Model struct {
	// BaseRate is the minimum borrow APR applied when utilisation is zero.
	BaseRate *big.Rat
	// Slope1 is the borrow APR increase per unit of utilisation up to the
	// kink point.
	Slope1 *big.Rat
	// Slope2 governs the additional APR increase applied when utilisation
	// exceeds the kink point.
	Slope2 *big.Rat
	// Kink represents the utilisation ratio where the borrow rate slope
	// steepens to encourage liquidity.
	Kink *big.Rat
}

// NewModel constructs an interest model from basis-point inputs, e.g. a 2%
// base rate is expressed as 200 and an 80% kink utilisation as 8000. Basis
// points keep the parameters exact rationals; a float seed would smuggle
// binary rounding error into every rate the curve ever produces.
func NewModel(baseRateBps, slope1Bps, slope2Bps, kinkBps uint64) *Model {
	return &Model{
		BaseRate: bpsToRat(baseRateBps),
		Slope1:   bpsToRat(slope1Bps),
		Slope2:   bpsToRat(slope2Bps),
		Kink:     bpsToRat(kinkBps),
	}
}

func bpsToRat(bps uint64) *big.Rat {
	return new(big.Rat).SetFrac(new(big.Int).SetUint64(bps), new(big.Int).Set(basisPoints))
}

// Clone returns a deep copy of the interest model.
func (m *Model) Clone() *Model {
	if m == nil {
		return nil
	}
	clone := &Model{
		BaseRate: cloneRat(m.BaseRate),
		Slope1:   cloneRat(m.Slope1),
		Slope2:   cloneRat(m.Slope2),
		Kink:     cloneRat(m.Kink),
	}
	return clone
}

// Validate rejects parameter sets that produce an unreasonable borrow rate at
// full utilisation. The ceiling is expressed as a decimal APR, e.g. 10 for
// 1000%. Misconfiguration is a setup-time failure, never a runtime one.
func (m *Model) Validate(maxRate *big.Rat) error {
	if m == nil {
		return fmt.Errorf("interest: model required")
	}
	for name, r := range map[string]*big.Rat{
		"base rate": m.BaseRate,
		"slope1":    m.Slope1,
		"slope2":    m.Slope2,
		"kink":      m.Kink,
	} {
		if r == nil || r.Sign() < 0 {
			return fmt.Errorf("interest: %s must be non-negative", name)
		}
	}
	one := big.NewRat(1, 1)
	if m.Kink.Cmp(one) > 0 {
		return fmt.Errorf("interest: kink %s exceeds 1.0", m.Kink.FloatString(4))
	}
	if maxRate == nil || maxRate.Sign() <= 0 {
		return nil
	}
	atFull := m.BorrowRate(one)
	if atFull.Cmp(maxRate) > 0 {
		return fmt.Errorf("interest: rate at full utilisation %s exceeds ceiling %s",
			atFull.FloatString(4), maxRate.FloatString(4))
	}
	return nil
}

// Utilization computes the pool utilisation ratio U = borrowed / assets. When
// either side is zero the utilisation is defined as zero rather than an error.
func Utilization(borrowed, assets *big.Int) *big.Rat {
	if borrowed == nil || borrowed.Sign() == 0 {
		return new(big.Rat)
	}
	if assets == nil || assets.Sign() == 0 {
		return new(big.Rat)
	}
	return new(big.Rat).SetFrac(borrowed, assets)
}

// BorrowRate derives the dynamic borrow APR for the supplied utilisation.
func (m *Model) BorrowRate(utilization *big.Rat) *big.Rat {
	if m == nil {
		return new(big.Rat)
	}
	rate := cloneRat(m.BaseRate)
	if utilization == nil || utilization.Sign() == 0 {
		return rate
	}
	kink := cloneRat(m.Kink)
	slope1 := cloneRat(m.Slope1)
	slope2 := cloneRat(m.Slope2)
	if kink.Sign() == 0 || utilization.Cmp(kink) <= 0 {
		// Linear region before the kink.
		return rate.Add(rate, new(big.Rat).Mul(slope1, utilization))
	}

	// Rate at the kink using slope1.
	rate.Add(rate, new(big.Rat).Mul(slope1, kink))

	// Additional rate beyond the kink using slope2.
	excess := new(big.Rat).Sub(utilization, kink)
	if excess.Sign() < 0 {
		excess.SetInt64(0)
	}
	return rate.Add(rate, new(big.Rat).Mul(slope2, excess))
}

// SupplyYield derives the supplier APY from the borrow rate, utilisation and
// the protocol reserve factor supplied in basis points.
func (m *Model) SupplyYield(utilization *big.Rat, reserveFactorBps uint64) *big.Rat {
	if m == nil || utilization == nil || utilization.Sign() == 0 {
		return new(big.Rat)
	}
	borrowRate := m.BorrowRate(utilization)
	if borrowRate.Sign() == 0 {
		return new(big.Rat)
	}
	if reserveFactorBps > 10_000 {
		reserveFactorBps = 10_000
	}
	reserve := new(big.Rat).SetFrac(new(big.Int).SetUint64(reserveFactorBps), basisPoints)
	oneMinusReserve := new(big.Rat).Sub(big.NewRat(1, 1), reserve)

	yield := new(big.Rat).Mul(borrowRate, utilization)
	return yield.Mul(yield, oneMinusReserve)
}

func cloneRat(r *big.Rat) *big.Rat {
	if r == nil {
		return new(big.Rat)
	}
	return new(big.Rat).Set(r)
}

// DefaultModel provides a reasonable starting configuration featuring a
// kinked rate curve with a modest base rate.
var DefaultModel = NewModel(200, 400, 6000, 8000)
