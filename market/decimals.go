package market

import (
	"fmt"
	"math/big"
)

// canonicalDecimals is the precision every amount inside the market is
// expressed in. Native token precision exists only at the edges.
const canonicalDecimals = 18

var wad = new(big.Int).Exp(big.NewInt(10), big.NewInt(canonicalDecimals), nil)

// Wad returns a copy of the 1e18 canonical unit.
func Wad() *big.Int {
	return new(big.Int).Set(wad)
}

func scaleFactor(decimals uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(canonicalDecimals-decimals)), nil)
}

// Normalize converts a native-precision amount into canonical 1e18 fixed
// point. Registration already rejected assets above 18 decimals, so the
// conversion is always a widening multiply and never loses value.
func Normalize(amount *big.Int, decimals uint8) (*big.Int, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	if decimals > canonicalDecimals {
		return nil, fmt.Errorf("market: %d decimals exceeds canonical precision", decimals)
	}
	return new(big.Int).Mul(amount, scaleFactor(decimals)), nil
}

// DenormalizeFloor converts a canonical amount back to native precision,
// rounding down. Used for amounts paid out, so the market never overpays.
func DenormalizeFloor(amount *big.Int, decimals uint8) *big.Int {
	if amount == nil || amount.Sign() <= 0 {
		return big.NewInt(0)
	}
	return new(big.Int).Quo(amount, scaleFactor(decimals))
}

// DenormalizeCeil converts a canonical amount back to native precision,
// rounding up. Used for amounts owed to the market, so truncation can never
// shave an obligation.
func DenormalizeCeil(amount *big.Int, decimals uint8) *big.Int {
	if amount == nil || amount.Sign() <= 0 {
		return big.NewInt(0)
	}
	factor := scaleFactor(decimals)
	out := new(big.Int).Add(amount, new(big.Int).Sub(factor, big.NewInt(1)))
	return out.Quo(out, factor)
}

// mulDiv computes a*b/den with floor rounding, guarding nil and zero inputs.
func mulDiv(a, b, den *big.Int) *big.Int {
	if a == nil || b == nil || den == nil || den.Sign() == 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(a, b)
	return out.Quo(out, den)
}

// mulDivCeil computes a*b/den rounded up.
func mulDivCeil(a, b, den *big.Int) *big.Int {
	if a == nil || b == nil || den == nil || den.Sign() == 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(a, b)
	out.Add(out, new(big.Int).Sub(den, big.NewInt(1)))
	return out.Quo(out, den)
}
