package oracle

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var wad = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// ErrNoValidPrice indicates that no price with non-zero confidence could be
// resolved for the asset. It is the only hard failure in the resolver; every
// other degradation is reflected in confidence and risk score instead.
var ErrNoValidPrice = errors.New("oracle: no valid price")

// Tier identifies which source level produced an evaluation.
type Tier int

const (
	// TierPrimary means the primary feed answered fresh with no secondary
	// registered for cross-validation.
	TierPrimary Tier = iota
	// TierCrossValidated means the primary answer was checked against a
	// secondary source.
	TierCrossValidated
	// TierFallback means the resolver fell through to the decayed
	// last-known-good price (or a stale primary as last resort).
	TierFallback
)

func (t Tier) String() string {
	switch t {
	case TierPrimary:
		return "primary"
	case TierCrossValidated:
		return "cross-validated"
	case TierFallback:
		return "fallback"
	}
	return "unknown"
}

// Evaluation is the normalized oracle answer consumed by valuation and risk
// scoring. It is recomputed on every call and never persisted.
type Evaluation struct {
	Asset common.Address
	// Price is the resolved USD price in 1e18 fixed point. Nil when nothing
	// usable exists.
	Price *big.Int
	// Confidence is expressed in 1e18 fixed point between zero and one.
	Confidence *big.Int
	Tier       Tier
	Stale      bool
	// DeviationBps reports the primary/secondary relative deviation when
	// cross-validation ran.
	DeviationBps uint64
	// RiskScore is a deterministic 0-100 severity derived from the tier and
	// deviation/decay observed.
	RiskScore int
	Timestamp time.Time
}

// Config captures the resolver freshness and tolerance thresholds.
type Config struct {
	// Freshness bounds how old a primary quote may be before the resolver
	// treats it as stale.
	Freshness time.Duration
	// DeviationToleranceBps is the primary/secondary deviation accepted at
	// full confidence.
	DeviationToleranceBps uint64
	// DeviationCriticalBps is the deviation beyond which confidence is
	// floored at 25%.
	DeviationCriticalBps uint64
	// LKGHalfLife controls the exponential confidence decay of the
	// last-known-good fallback.
	LKGHalfLife time.Duration
	// LKGMaxAge is the age at which the fallback is considered fully decayed
	// regardless of the half-life formula.
	LKGMaxAge time.Duration
}

// Validate rejects threshold combinations that cannot produce a usable
// resolver. These are configuration-time failures only.
func (c Config) Validate() error {
	if c.Freshness <= 0 {
		return fmt.Errorf("oracle: freshness window must be positive")
	}
	if c.DeviationCriticalBps <= c.DeviationToleranceBps {
		return fmt.Errorf("oracle: critical deviation %d must exceed tolerance %d",
			c.DeviationCriticalBps, c.DeviationToleranceBps)
	}
	if c.LKGHalfLife <= 0 {
		return fmt.Errorf("oracle: fallback half-life must be positive")
	}
	if c.LKGMaxAge <= c.LKGHalfLife {
		return fmt.Errorf("oracle: fallback max age must exceed the half-life")
	}
	return nil
}

type lkgEntry struct {
	price *big.Int
	at    time.Time
}

// Resolver prices assets through a hierarchical fallback: primary feed,
// secondary cross-validation, then a decayed last-known-good value. Only the
// last-known-good pair is persisted state; it is written exclusively through
// RecordConfirmedPrice.
type Resolver struct {
	mu        sync.RWMutex
	primary   PriceFeed
	secondary PriceFeed
	cfg       Config
	lkg       map[common.Address]lkgEntry
	now       func() time.Time
}

// NewResolver constructs a resolver over the primary feed. The secondary feed
// is optional; without one primary answers are accepted at full confidence
// with a small residual risk score.
func NewResolver(primary, secondary PriceFeed, cfg Config) (*Resolver, error) {
	if primary == nil {
		return nil, fmt.Errorf("oracle: primary feed required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Resolver{
		primary:   primary,
		secondary: secondary,
		cfg:       cfg,
		lkg:       make(map[common.Address]lkgEntry),
		now:       time.Now,
	}, nil
}

// SetClock overrides the time source, primarily for deterministic tests.
func (r *Resolver) SetClock(now func() time.Time) {
	if r == nil || now == nil {
		return
	}
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

// residualScore reflects the absence of cross-validation when only the
// primary feed is registered.
const residualScore = 5

// Evaluate resolves the asset price through the tier hierarchy and derives
// the confidence and risk score for the answer.
func (r *Resolver) Evaluate(asset common.Address) Evaluation {
	r.mu.RLock()
	cfg := r.cfg
	now := r.now()
	entry, hasLKG := r.lkg[asset]
	secondary := r.secondary
	r.mu.RUnlock()

	eval := Evaluation{Asset: asset, Confidence: big.NewInt(0), Timestamp: now}

	price, updatedAt, err := r.primary.LatestPrice(asset)
	primaryUsable := err == nil && price != nil && price.Sign() > 0
	primaryFresh := primaryUsable && now.Sub(updatedAt) <= cfg.Freshness

	if primaryFresh {
		if secondary == nil {
			eval.Price = new(big.Int).Set(price)
			eval.Confidence = new(big.Int).Set(wad)
			eval.Tier = TierPrimary
			eval.RiskScore = residualScore
			return eval
		}
		secPrice, _, secErr := secondary.LatestPrice(asset)
		if secErr != nil || secPrice == nil || secPrice.Sign() <= 0 {
			// A dead secondary degrades to primary-only semantics rather
			// than failing a perfectly fresh primary answer.
			eval.Price = new(big.Int).Set(price)
			eval.Confidence = new(big.Int).Set(wad)
			eval.Tier = TierPrimary
			eval.RiskScore = residualScore
			return eval
		}
		eval.Price = new(big.Int).Set(price)
		eval.Tier = TierCrossValidated
		eval.DeviationBps = deviationBps(price, secPrice)
		eval.Confidence, eval.RiskScore = scoreDeviation(eval.DeviationBps, cfg)
		return eval
	}

	// Tier 3: decayed last-known-good.
	if hasLKG {
		conf := decayConfidence(now.Sub(entry.at), cfg.LKGHalfLife, cfg.LKGMaxAge)
		eval.Price = new(big.Int).Set(entry.price)
		eval.Confidence = conf
		eval.Tier = TierFallback
		eval.Stale = true
		eval.RiskScore = fallbackScore(conf)
		if conf.Sign() > 0 {
			return eval
		}
	}

	if primaryUsable {
		// Stale primary retained as a last resort when the fallback store
		// has nothing usable.
		eval.Price = new(big.Int).Set(price)
		eval.Confidence = new(big.Int).Quo(wad, big.NewInt(10))
		eval.Tier = TierFallback
		eval.Stale = true
		eval.RiskScore = 90
		return eval
	}

	eval.Confidence = big.NewInt(0)
	eval.Tier = TierFallback
	eval.Stale = true
	eval.RiskScore = 100
	return eval
}

// LatestPrice wraps Evaluate and hard-fails only when confidence is exactly
// zero. Callers valuing collateral or debt must treat that as fatal.
func (r *Resolver) LatestPrice(asset common.Address) (*big.Int, error) {
	eval := r.Evaluate(asset)
	if eval.Confidence == nil || eval.Confidence.Sign() == 0 || eval.Price == nil {
		return nil, fmt.Errorf("%w: asset %s", ErrNoValidPrice, asset.Hex())
	}
	return new(big.Int).Set(eval.Price), nil
}

// RecordConfirmedPrice snapshots the current primary price as the new
// last-known-good value. Freshness is re-derived here rather than trusted
// from the caller, so anyone may invoke it safely.
func (r *Resolver) RecordConfirmedPrice(asset common.Address) error {
	price, updatedAt, err := r.primary.LatestPrice(asset)
	if err != nil {
		return fmt.Errorf("oracle: confirm price: %w", err)
	}
	if price == nil || price.Sign() <= 0 {
		return fmt.Errorf("oracle: confirm price: non-positive primary answer")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.now().Sub(updatedAt) > r.cfg.Freshness {
		return fmt.Errorf("oracle: confirm price: primary quote not fresh")
	}
	r.lkg[asset] = lkgEntry{price: new(big.Int).Set(price), at: updatedAt}
	return nil
}

func deviationBps(primary, secondary *big.Int) uint64 {
	diff := new(big.Int).Sub(primary, secondary)
	diff.Abs(diff)
	diff.Mul(diff, big.NewInt(10_000))
	diff.Quo(diff, primary)
	if !diff.IsUint64() {
		return ^uint64(0)
	}
	return diff.Uint64()
}

// scoreDeviation maps the primary/secondary deviation onto the graded
// confidence and risk bands: full confidence below tolerance, a linear
// 100%->50% slide up to the critical threshold, and a 25% floor beyond it.
func scoreDeviation(dev uint64, cfg Config) (*big.Int, int) {
	tol := cfg.DeviationToleranceBps
	crit := cfg.DeviationCriticalBps
	switch {
	case dev <= tol:
		score := 0
		if tol > 0 {
			score = int(dev * 20 / tol)
		}
		return new(big.Int).Set(wad), score
	case dev < crit:
		span := crit - tol
		excess := dev - tol
		conf := new(big.Int).Mul(wad, new(big.Int).SetUint64(excess))
		conf.Quo(conf, new(big.Int).SetUint64(2*span))
		conf.Sub(new(big.Int).Set(wad), conf)
		return conf, 20 + int(40*excess/span)
	default:
		conf := new(big.Int).Quo(wad, big.NewInt(4))
		score := 100
		if crit > 0 {
			over := dev - crit
			extra := 40 * over / crit
			if extra > 40 {
				extra = 40
			}
			score = 60 + int(extra)
		}
		return conf, score
	}
}

// decayConfidence applies exponential half-life decay without floating point:
// shift by whole half-lives, then linearly interpolate the remainder toward
// the next halving.
func decayConfidence(age, halfLife, maxAge time.Duration) *big.Int {
	if age < 0 {
		age = 0
	}
	if maxAge > 0 && age >= maxAge {
		return big.NewInt(0)
	}
	if halfLife <= 0 {
		return big.NewInt(0)
	}
	whole := uint(age / halfLife)
	if whole > 256 {
		return big.NewInt(0)
	}
	conf := new(big.Int).Rsh(wad, whole)
	rem := age % halfLife
	if rem > 0 {
		step := new(big.Int).Mul(conf, big.NewInt(int64(rem)))
		step.Quo(step, big.NewInt(int64(2*halfLife)))
		conf.Sub(conf, step)
	}
	return conf
}

// fallbackScore derives the 30-100 risk band for fallback answers: a 30
// baseline for relying on a stale value at all, rising as confidence decays.
func fallbackScore(conf *big.Int) int {
	if conf == nil || conf.Sign() == 0 {
		return 100
	}
	lost := new(big.Int).Sub(wad, conf)
	lost.Mul(lost, big.NewInt(70))
	lost.Quo(lost, wad)
	return 30 + int(lost.Int64())
}
