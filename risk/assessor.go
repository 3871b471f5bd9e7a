// Package risk derives bounded severity scores from market, pool and oracle
// state. Assessments are ephemeral read-models for the monitoring layer; the
// core never persists or acts on them.
package risk

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"openlend/oracle"
)

// Severity buckets the worst dimension score into four alert levels.
type Severity int

const (
	SeverityNormal Severity = iota
	SeverityElevated
	SeverityCritical
	SeverityEmergency
)

func (s Severity) String() string {
	switch s {
	case SeverityNormal:
		return "normal"
	case SeverityElevated:
		return "elevated"
	case SeverityCritical:
		return "critical"
	case SeverityEmergency:
		return "emergency"
	}
	return "unknown"
}

// Reason is a bitset of diagnostic trigger conditions. Reasons never change
// the numeric scores; they exist so alerts can say why.
type Reason uint32

const (
	ReasonOracleStale Reason = 1 << iota
	ReasonOracleDeviation
	ReasonOracleFallback
	ReasonUtilizationHigh
	ReasonUtilizationCritical
	ReasonLiquidityLow
	ReasonHealthFactorLow
	ReasonHealthFactorCritical
	ReasonBadDebtHigh
	ReasonStrategyOverallocated
	ReasonStrategyTransition
	ReasonBorrowingPaused
)

// Has reports whether every bit in flag is set.
func (r Reason) Has(flag Reason) bool { return r&flag == flag }

// Assessment is one point-in-time risk reading.
type Assessment struct {
	ID        uuid.UUID
	Oracle    int
	Liquidity int
	Solvency  int
	Strategy  int
	Severity  Severity
	Reasons   Reason
	Timestamp time.Time
}

// Max returns the dominating dimension score.
func (a Assessment) Max() int {
	max := a.Oracle
	for _, s := range []int{a.Liquidity, a.Solvency, a.Strategy} {
		if s > max {
			max = s
		}
	}
	return max
}

// Config holds the assessor thresholds, fractions in basis points.
type Config struct {
	// UtilizationWarningBps and UtilizationCriticalBps bound the liquidity
	// score bands.
	UtilizationWarningBps  uint64
	UtilizationCriticalBps uint64
	// BadDebtThresholdBps is the bad-debt-to-borrows ratio above which
	// solvency risk engages.
	BadDebtThresholdBps uint64
	// AllocationCapBps is the yield-source exposure considered acceptable.
	AllocationCapBps uint64
	// HealthWarning flags positions approaching liquidation. Below 1.0 is
	// always critical.
	HealthWarning *big.Rat
}

// Validate rejects threshold combinations that cannot score.
func (c Config) Validate() error {
	if c.UtilizationWarningBps == 0 || c.UtilizationWarningBps >= c.UtilizationCriticalBps {
		return fmt.Errorf("risk: utilization warning %d must sit below critical %d",
			c.UtilizationWarningBps, c.UtilizationCriticalBps)
	}
	if c.UtilizationCriticalBps > 10_000 {
		return fmt.Errorf("risk: utilization critical %d exceeds 100%%", c.UtilizationCriticalBps)
	}
	if c.BadDebtThresholdBps == 0 || c.BadDebtThresholdBps > 10_000 {
		return fmt.Errorf("risk: bad debt threshold %d bps outside (0,10000]", c.BadDebtThresholdBps)
	}
	if c.AllocationCapBps > 10_000 {
		return fmt.Errorf("risk: allocation cap %d exceeds 100%%", c.AllocationCapBps)
	}
	if c.HealthWarning != nil && c.HealthWarning.Cmp(big.NewRat(1, 1)) < 0 {
		return fmt.Errorf("risk: health warning threshold below 1.0 is meaningless")
	}
	return nil
}

// DefaultConfig mirrors the thresholds used in production deployments.
var DefaultConfig = Config{
	UtilizationWarningBps:  8000,
	UtilizationCriticalBps: 9500,
	BadDebtThresholdBps:    100,
	AllocationCapBps:       8000,
	HealthWarning:          big.NewRat(11, 10),
}

// OracleView is the resolver surface the assessor reads.
type OracleView interface {
	Evaluate(asset common.Address) oracle.Evaluation
}

// MarketView is the ledger surface the assessor reads.
type MarketView interface {
	UtilizationRate() *big.Rat
	OutstandingLoans() *big.Int
	BadDebt() *big.Int
	BorrowsPaused() bool
	WorstHealthFactor() (*big.Rat, error)
}

// PoolView is the liquidity pool surface the assessor reads.
type PoolView interface {
	TotalAssets() *big.Int
	AvailableLiquidity() *big.Int
	DeployedBalance() *big.Int
	InTransition() bool
}

// Assessor aggregates the four risk dimensions. It holds no mutable state
// beyond its configuration and is safe for concurrent use.
type Assessor struct {
	cfg       Config
	oracle    OracleView
	market    MarketView
	pool      PoolView
	loanAsset common.Address
	now       func() time.Time
}

// NewAssessor wires the assessor over its read-only views.
func NewAssessor(cfg Config, ov OracleView, mv MarketView, pv PoolView, loanAsset common.Address) (*Assessor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ov == nil || mv == nil || pv == nil {
		return nil, fmt.Errorf("risk: oracle, market and pool views are all required")
	}
	return &Assessor{
		cfg:       cfg,
		oracle:    ov,
		market:    mv,
		pool:      pv,
		loanAsset: loanAsset,
		now:       time.Now,
	}, nil
}

// SetClock overrides the time source, primarily for deterministic tests.
func (a *Assessor) SetClock(now func() time.Time) {
	if now != nil {
		a.now = now
	}
}

// Assess computes a fresh assessment. Each dimension is scored independently
// and the severity comes from the worst one: a single catastrophic dimension
// must not be averaged away by three calm ones.
func (a *Assessor) Assess() Assessment {
	out := Assessment{ID: uuid.New(), Timestamp: a.now()}

	out.Oracle = a.scoreOracle(&out.Reasons)
	out.Liquidity = a.scoreLiquidity(&out.Reasons)
	out.Solvency = a.scoreSolvency(&out.Reasons)
	out.Strategy = a.scoreStrategy(&out.Reasons)
	a.flagHealth(&out.Reasons)

	out.Severity = bucket(out.Max())
	return out
}

// EvaluateAsset exposes asset-level oracle scoring for per-asset queries.
func (a *Assessor) EvaluateAsset(asset common.Address) oracle.Evaluation {
	return a.oracle.Evaluate(asset)
}

func (a *Assessor) scoreOracle(reasons *Reason) int {
	eval := a.oracle.Evaluate(a.loanAsset)
	score := eval.RiskScore
	if eval.Confidence == nil || eval.Confidence.Sign() == 0 {
		score = 100
	}
	if eval.Stale {
		*reasons |= ReasonOracleStale
	}
	if eval.Tier == oracle.TierFallback {
		*reasons |= ReasonOracleFallback
	}
	if eval.Tier == oracle.TierCrossValidated && eval.RiskScore >= 20 {
		*reasons |= ReasonOracleDeviation
	}
	return score
}

func (a *Assessor) scoreLiquidity(reasons *Reason) int {
	util := ratToBps(a.market.UtilizationRate())
	warn := a.cfg.UtilizationWarningBps
	crit := a.cfg.UtilizationCriticalBps

	var score int
	switch {
	case util < warn:
		score = int(30 * util / warn)
	case util < crit:
		score = 30 + int(40*(util-warn)/(crit-warn))
		*reasons |= ReasonUtilizationHigh
	default:
		score = 70
		*reasons |= ReasonUtilizationHigh | ReasonUtilizationCritical
	}

	total := a.pool.TotalAssets()
	available := a.pool.AvailableLiquidity()
	if total != nil && total.Sign() > 0 && (available == nil || available.Sign() == 0) {
		// No deliverable liquidity at all outranks being near the
		// utilization threshold.
		score += 20
		if score > 100 {
			score = 100
		}
		*reasons |= ReasonLiquidityLow
	}
	return score
}

func (a *Assessor) scoreSolvency(reasons *Reason) int {
	score := 0
	loans := a.market.OutstandingLoans()
	if loans != nil && loans.Sign() > 0 {
		badDebt := a.market.BadDebt()
		ratio := bpsRatio(badDebt, loans)
		threshold := a.cfg.BadDebtThresholdBps
		if ratio > threshold {
			excess := 40 * (ratio - threshold) / threshold
			if excess > 40 {
				excess = 40
			}
			score = 40 + int(excess)
			*reasons |= ReasonBadDebtHigh
		}
	}
	if a.market.BorrowsPaused() {
		if score < 30 {
			score = 30
		}
		*reasons |= ReasonBorrowingPaused
	}
	return score
}

func (a *Assessor) scoreStrategy(reasons *Reason) int {
	if a.pool.InTransition() {
		*reasons |= ReasonStrategyTransition
		return 80
	}
	total := a.pool.TotalAssets()
	if total == nil || total.Sign() == 0 {
		return 0
	}
	frac := bpsRatio(a.pool.DeployedBalance(), total)
	cap := a.cfg.AllocationCapBps
	if frac <= cap {
		if cap == 0 {
			return 0
		}
		return int(20 * frac / cap)
	}
	*reasons |= ReasonStrategyOverallocated
	span := uint64(10_000) - cap
	if span == 0 {
		return 100
	}
	score := 30 + int(70*(frac-cap)/span)
	if score > 100 {
		score = 100
	}
	return score
}

func (a *Assessor) flagHealth(reasons *Reason) {
	worst, err := a.market.WorstHealthFactor()
	if err != nil || worst == nil {
		return
	}
	if worst.Cmp(big.NewRat(1, 1)) < 0 {
		*reasons |= ReasonHealthFactorCritical | ReasonHealthFactorLow
		return
	}
	if a.cfg.HealthWarning != nil && worst.Cmp(a.cfg.HealthWarning) < 0 {
		*reasons |= ReasonHealthFactorLow
	}
}

func bucket(score int) Severity {
	switch {
	case score >= 75:
		return SeverityEmergency
	case score >= 50:
		return SeverityCritical
	case score >= 25:
		return SeverityElevated
	}
	return SeverityNormal
}

func ratToBps(r *big.Rat) uint64 {
	if r == nil || r.Sign() <= 0 {
		return 0
	}
	scaled := new(big.Rat).Mul(r, new(big.Rat).SetInt64(10_000))
	out := new(big.Int).Quo(scaled.Num(), scaled.Denom())
	if !out.IsUint64() {
		return 10_000
	}
	return out.Uint64()
}

func bpsRatio(part, whole *big.Int) uint64 {
	if part == nil || part.Sign() <= 0 || whole == nil || whole.Sign() <= 0 {
		return 0
	}
	out := new(big.Int).Mul(part, big.NewInt(10_000))
	out.Quo(out, whole)
	if !out.IsUint64() {
		return 10_000
	}
	return out.Uint64()
}
