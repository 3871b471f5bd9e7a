package oracle

import (
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// PriceFeed resolves the latest USD price for an asset. Prices are expressed
// in 1e18 fixed point together with the upstream observation time.
type PriceFeed interface {
	LatestPrice(asset common.Address) (*big.Int, time.Time, error)
}

type manualQuote struct {
	price *big.Int
	at    time.Time
}

// ManualFeed provides an in-memory feed implementation used for tests and
// manual overrides during incident response.
type ManualFeed struct {
	mu     sync.RWMutex
	quotes map[common.Address]manualQuote
}

// NewManualFeed constructs an empty manual feed instance.
func NewManualFeed() *ManualFeed {
	return &ManualFeed{quotes: make(map[common.Address]manualQuote)}
}

// Set stores the provided price for the asset.
func (f *ManualFeed) Set(asset common.Address, price *big.Int, at time.Time) {
	if f == nil || price == nil {
		return
	}
	f.mu.Lock()
	f.quotes[asset] = manualQuote{price: new(big.Int).Set(price), at: at}
	f.mu.Unlock()
}

// SetDecimal records the supplied decimal USD price using the provided
// timestamp. The string is parsed at full precision and scaled to 1e18.
func (f *ManualFeed) SetDecimal(asset common.Address, price string, at time.Time) error {
	if f == nil {
		return fmt.Errorf("oracle: manual feed not configured")
	}
	trimmed := strings.TrimSpace(price)
	if trimmed == "" {
		return fmt.Errorf("oracle: price required")
	}
	rat, ok := new(big.Rat).SetString(trimmed)
	if !ok {
		return fmt.Errorf("oracle: invalid price %q", price)
	}
	if rat.Sign() <= 0 {
		return fmt.Errorf("oracle: price must be positive")
	}
	scaled := new(big.Rat).Mul(rat, new(big.Rat).SetInt(wad))
	f.Set(asset, new(big.Int).Quo(scaled.Num(), scaled.Denom()), at)
	return nil
}

// Drop removes any stored quote for the asset, simulating a feed outage.
func (f *ManualFeed) Drop(asset common.Address) {
	if f == nil {
		return
	}
	f.mu.Lock()
	delete(f.quotes, asset)
	f.mu.Unlock()
}

// LatestPrice retrieves the stored price for the asset.
func (f *ManualFeed) LatestPrice(asset common.Address) (*big.Int, time.Time, error) {
	if f == nil {
		return nil, time.Time{}, fmt.Errorf("oracle: manual feed not configured")
	}
	f.mu.RLock()
	quote, ok := f.quotes[asset]
	f.mu.RUnlock()
	if !ok {
		return nil, time.Time{}, fmt.Errorf("oracle: quote for %s not found", asset.Hex())
	}
	return new(big.Int).Set(quote.price), quote.at, nil
}
