// Package observability holds the prometheus instrumentation shared by the
// gateway and the wiring layer.
package observability

import (
	"math"
	"math/big"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// MarketMetrics tracks market operation outcomes and the headline solvency
// gauges scraped by the monitoring stack.
type MarketMetrics struct {
	operations   *prometheus.CounterVec
	liquidations *prometheus.CounterVec
	utilization  prometheus.Gauge
	borrowAPR    prometheus.Gauge
	badDebt      prometheus.Gauge
	riskSeverity prometheus.Gauge
	riskScores   *prometheus.GaugeVec
}

var (
	marketMetricsOnce sync.Once
	marketRegistry    *MarketMetrics

	gatewayMetricsOnce sync.Once
	gatewayRegistry    *GatewayMetrics
)

// Market returns the lazily-initialised market metrics registry.
func Market() *MarketMetrics {
	marketMetricsOnce.Do(func() {
		marketRegistry = &MarketMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "openlend",
				Subsystem: "market",
				Name:      "operations_total",
				Help:      "Market operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "openlend",
				Subsystem: "market",
				Name:      "liquidations_total",
				Help:      "Liquidations segmented by whether they produced bad debt.",
			}, []string{"outcome"}),
			utilization: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "openlend",
				Subsystem: "market",
				Name:      "utilization_ratio",
				Help:      "Current pool utilization as a fraction of one.",
			}),
			borrowAPR: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "openlend",
				Subsystem: "market",
				Name:      "borrow_apr",
				Help:      "Current dynamic borrow APR as a decimal.",
			}),
			badDebt: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "openlend",
				Subsystem: "market",
				Name:      "bad_debt_wei",
				Help:      "Canonical-precision bad debt held by the sink.",
			}),
			riskSeverity: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "openlend",
				Subsystem: "risk",
				Name:      "severity",
				Help:      "Latest overall risk severity (0 normal to 3 emergency).",
			}),
			riskScores: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "openlend",
				Subsystem: "risk",
				Name:      "dimension_score",
				Help:      "Latest per-dimension risk scores (0-100).",
			}, []string{"dimension"}),
		}
		prometheus.MustRegister(
			marketRegistry.operations,
			marketRegistry.liquidations,
			marketRegistry.utilization,
			marketRegistry.borrowAPR,
			marketRegistry.badDebt,
			marketRegistry.riskSeverity,
			marketRegistry.riskScores,
		)
	})
	return marketRegistry
}

// ObserveOperation records one market operation outcome.
func (m *MarketMetrics) ObserveOperation(operation string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
}

// ObserveLiquidation records a liquidation and whether it left bad debt.
func (m *MarketMetrics) ObserveLiquidation(badDebt bool) {
	if m == nil {
		return
	}
	outcome := "covered"
	if badDebt {
		outcome = "bad_debt"
	}
	m.liquidations.WithLabelValues(outcome).Inc()
}

// SetRates publishes the latest utilization and borrow APR.
func (m *MarketMetrics) SetRates(utilization, borrowAPR *big.Rat) {
	if m == nil {
		return
	}
	m.utilization.Set(ratToFloat(utilization))
	m.borrowAPR.Set(ratToFloat(borrowAPR))
}

// SetBadDebt publishes the sink balance.
func (m *MarketMetrics) SetBadDebt(amount *big.Int) {
	if m == nil || amount == nil {
		return
	}
	value, _ := new(big.Float).SetInt(amount).Float64()
	m.badDebt.Set(value)
}

// SetRiskAssessment publishes the latest assessment.
func (m *MarketMetrics) SetRiskAssessment(severity int, oracleScore, liquidity, solvency, strategy int) {
	if m == nil {
		return
	}
	m.riskSeverity.Set(float64(severity))
	m.riskScores.WithLabelValues("oracle").Set(float64(oracleScore))
	m.riskScores.WithLabelValues("liquidity").Set(float64(liquidity))
	m.riskScores.WithLabelValues("solvency").Set(float64(solvency))
	m.riskScores.WithLabelValues("strategy").Set(float64(strategy))
}

// GatewayMetrics tracks HTTP traffic through the gateway.
type GatewayMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	throttle prometheus.Counter
}

// Gateway returns the lazily-initialised gateway metrics registry.
func Gateway() *GatewayMetrics {
	gatewayMetricsOnce.Do(func() {
		gatewayRegistry = &GatewayMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "openlend",
				Subsystem: "gateway",
				Name:      "requests_total",
				Help:      "HTTP requests segmented by route and status code.",
			}, []string{"route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "openlend",
				Subsystem: "gateway",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for gateway handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
			throttle: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "openlend",
				Subsystem: "gateway",
				Name:      "throttled_total",
				Help:      "Requests rejected by the rate limiter.",
			}),
		}
		prometheus.MustRegister(
			gatewayRegistry.requests,
			gatewayRegistry.latency,
			gatewayRegistry.throttle,
		)
	})
	return gatewayRegistry
}

// ObserveRequest records one handled request.
func (g *GatewayMetrics) ObserveRequest(route string, status int, seconds float64) {
	if g == nil {
		return
	}
	g.requests.WithLabelValues(route, statusLabel(status)).Inc()
	g.latency.WithLabelValues(route).Observe(seconds)
}

// ObserveThrottle records a rate-limited request.
func (g *GatewayMetrics) ObserveThrottle() {
	if g == nil {
		return
	}
	g.throttle.Inc()
}

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

func ratToFloat(r *big.Rat) float64 {
	if r == nil {
		return 0
	}
	value, _ := r.Float64()
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0
	}
	return value
}
