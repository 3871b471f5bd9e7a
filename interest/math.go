package interest

import "math/big"

var (
	basisPoints = big.NewInt(10_000)
	ray         = mustBigInt("1000000000000000000000000000") // 1e27 precision
	halfRay     = new(big.Int).Rsh(ray, 1)
)

const secondsPerYear = 31_536_000

// Ray returns a copy of the 1e27 fixed-point unit used for index math.
func Ray() *big.Int {
	return new(big.Int).Set(ray)
}

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

func rayMul(a, b *big.Int) *big.Int {
	if a == nil || b == nil {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, b)
	product.Add(product, halfRay)
	product.Quo(product, ray)
	return product
}

func ratToRay(r *big.Rat) *big.Int {
	if r == nil {
		return new(big.Int).Set(ray)
	}
	scaled := new(big.Rat).Mul(r, new(big.Rat).SetInt(ray))
	num := scaled.Num()
	den := scaled.Denom()
	if den.Sign() == 0 {
		return new(big.Int).Set(ray)
	}
	result := new(big.Int).Quo(new(big.Int).Add(num, halfUp(den)), den)
	if result.Sign() == 0 {
		return new(big.Int).Set(ray)
	}
	return result
}

// growthFactor converts an annualised rate and elapsed seconds into a ray
// multiplier of the form 1 + rate*elapsed/secondsPerYear. The factor is never
// below one so index multiplication cannot move backwards.
func growthFactor(rate *big.Rat, elapsedSeconds uint64) *big.Int {
	if rate == nil || rate.Sign() <= 0 || elapsedSeconds == 0 {
		return new(big.Int).Set(ray)
	}
	slice := new(big.Rat).Set(rate)
	slice.Quo(slice, new(big.Rat).SetUint64(secondsPerYear))
	slice.Mul(slice, new(big.Rat).SetUint64(elapsedSeconds))
	factor := new(big.Rat).Add(big.NewRat(1, 1), slice)
	out := ratToRay(factor)
	if out.Cmp(ray) < 0 {
		return new(big.Int).Set(ray)
	}
	return out
}

// halfUp is the numerator adjustment for half-up division by x. It must be
// floor(x/2): rounding the half itself up would add a spurious unit whenever
// the division is already exact.
func halfUp(x *big.Int) *big.Int {
	if x == nil || x.Sign() <= 0 {
		return big.NewInt(0)
	}
	return new(big.Int).Rsh(x, 1)
}
