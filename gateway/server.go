// Package gateway exposes the market read-model and the token-gated admin
// switches over HTTP. It is a thin translation layer: all decisions stay in
// the core packages.
package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"openlend/config"
	"openlend/market"
	"openlend/observability"
	"openlend/oracle"
	"openlend/risk"
	"openlend/vault"
)

// Server wires the HTTP surface over the core components.
type Server struct {
	router   chi.Router
	ledger   *market.Ledger
	pool     *vault.Pool
	resolver *oracle.Resolver
	assessor *risk.Assessor
	cfg      config.Service
	log      *slog.Logger
	limiter  *rate.Limiter
	// operator is the address admin operations run as once the bearer token
	// has been verified.
	operator common.Address
}

// NewServer assembles the router. All collaborators are required except the
// logger, which falls back to the default.
func NewServer(cfg config.Service, ledger *market.Ledger, pool *vault.Pool, resolver *oracle.Resolver, assessor *risk.Assessor, operator common.Address, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		router:   chi.NewRouter(),
		ledger:   ledger,
		pool:     pool,
		resolver: resolver,
		assessor: assessor,
		cfg:      cfg,
		log:      log,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RateLimit.RequestsPerSecond), cfg.RateLimit.Burst),
		operator: operator,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(s.instrument)
	s.router.Use(s.throttle)

	s.router.Get("/healthz", s.handleHealth)
	s.router.Method(http.MethodGet, "/metrics", promhttp.Handler())

	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/market", s.handleMarket)
		r.Get("/rates", s.handleRates)
		r.Get("/positions/{address}", s.handlePosition)
		r.Get("/oracle/{asset}", s.handleOracle)
		r.Get("/risk", s.handleRisk)

		r.Group(func(r chi.Router) {
			r.Use(func(next http.Handler) http.Handler {
				return bearerAuth(s.cfg.Auth.AdminTokens, next)
			})
			r.Post("/admin/pause", s.handlePauseBorrowing)
			r.Post("/admin/collateral/pause", s.handlePauseCollateral)
		})
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		observability.Gateway().ObserveRequest(route, ww.status, time.Since(start).Seconds())
		s.log.Info("http request",
			"route", route,
			"method", r.Method,
			"status", ww.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (s *Server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			observability.Gateway().ObserveThrottle()
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type marketResponse struct {
	LoanAsset          string `json:"loanAsset"`
	TotalAssets        string `json:"totalAssets"`
	AvailableLiquidity string `json:"availableLiquidity"`
	OutstandingLoans   string `json:"outstandingLoans"`
	TotalPrincipal     string `json:"totalPrincipal"`
	BadDebt            string `json:"badDebt"`
	BorrowsPaused      bool   `json:"borrowsPaused"`
	Utilization        string `json:"utilization"`
	BorrowAPR          string `json:"borrowApr"`
	SupplyAPR          string `json:"supplyApr"`
}

func (s *Server) handleMarket(w http.ResponseWriter, _ *http.Request) {
	util := s.ledger.UtilizationRate()
	borrowAPR := s.ledger.BorrowAPR()
	observability.Market().SetRates(util, borrowAPR)
	observability.Market().SetBadDebt(s.ledger.BadDebt())

	writeJSON(w, http.StatusOK, marketResponse{
		LoanAsset:          s.ledger.LoanAsset().Symbol,
		TotalAssets:        s.pool.TotalAssets().String(),
		AvailableLiquidity: s.pool.AvailableLiquidity().String(),
		OutstandingLoans:   s.ledger.OutstandingLoans().String(),
		TotalPrincipal:     s.ledger.TotalPrincipal().String(),
		BadDebt:            s.ledger.BadDebt().String(),
		BorrowsPaused:      s.ledger.BorrowsPaused(),
		Utilization:        util.FloatString(6),
		BorrowAPR:          borrowAPR.FloatString(6),
		SupplyAPR:          s.ledger.SupplyAPR().FloatString(6),
	})
}

func (s *Server) handleRates(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"utilization": s.ledger.UtilizationRate().FloatString(6),
		"borrowApr":   s.ledger.BorrowAPR().FloatString(6),
		"supplyApr":   s.ledger.SupplyAPR().FloatString(6),
	})
}

type positionResponse struct {
	Address            string `json:"address"`
	CollateralValueUSD string `json:"collateralValueUsd"`
	TotalDebt          string `json:"totalDebt"`
	BorrowingPower     string `json:"borrowingPower"`
	HealthFactor       string `json:"healthFactor,omitempty"`
	Healthy            bool   `json:"healthy"`
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "address")
	if !common.IsHexAddress(raw) {
		http.Error(w, "invalid address", http.StatusBadRequest)
		return
	}
	view, err := s.ledger.GetPosition(common.HexToAddress(raw))
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := positionResponse{
		Address:            view.Addr.Hex(),
		CollateralValueUSD: view.CollateralValueUSD.String(),
		TotalDebt:          view.TotalDebt.String(),
		BorrowingPower:     view.BorrowingPower.String(),
		Healthy:            view.Healthy,
	}
	if view.HealthFactor != nil {
		resp.HealthFactor = view.HealthFactor.FloatString(6)
	}
	writeJSON(w, http.StatusOK, resp)
}

type oracleResponse struct {
	Asset        string `json:"asset"`
	Price        string `json:"price,omitempty"`
	Confidence   string `json:"confidence"`
	Tier         string `json:"tier"`
	Stale        bool   `json:"stale"`
	DeviationBps uint64 `json:"deviationBps"`
	RiskScore    int    `json:"riskScore"`
}

func (s *Server) handleOracle(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "asset")
	if !common.IsHexAddress(raw) {
		http.Error(w, "invalid asset address", http.StatusBadRequest)
		return
	}
	eval := s.resolver.Evaluate(common.HexToAddress(raw))
	resp := oracleResponse{
		Asset:        eval.Asset.Hex(),
		Confidence:   eval.Confidence.String(),
		Tier:         eval.Tier.String(),
		Stale:        eval.Stale,
		DeviationBps: eval.DeviationBps,
		RiskScore:    eval.RiskScore,
	}
	if eval.Price != nil {
		resp.Price = eval.Price.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

type riskResponse struct {
	ID        string `json:"id"`
	Oracle    int    `json:"oracle"`
	Liquidity int    `json:"liquidity"`
	Solvency  int    `json:"solvency"`
	Strategy  int    `json:"strategy"`
	Severity  string `json:"severity"`
	Reasons   uint32 `json:"reasons"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) handleRisk(w http.ResponseWriter, _ *http.Request) {
	assessment := s.assessor.Assess()
	observability.Market().SetRiskAssessment(int(assessment.Severity),
		assessment.Oracle, assessment.Liquidity, assessment.Solvency, assessment.Strategy)

	writeJSON(w, http.StatusOK, riskResponse{
		ID:        assessment.ID.String(),
		Oracle:    assessment.Oracle,
		Liquidity: assessment.Liquidity,
		Solvency:  assessment.Solvency,
		Strategy:  assessment.Strategy,
		Severity:  assessment.Severity.String(),
		Reasons:   uint32(assessment.Reasons),
		Timestamp: assessment.Timestamp.UTC().Format(time.RFC3339),
	})
}

type pauseRequest struct {
	Paused bool `json:"paused"`
}

func (s *Server) handlePauseBorrowing(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.ledger.PauseBorrowing(s.operator, req.Paused); err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Info("borrowing pause toggled", "paused", req.Paused)
	writeJSON(w, http.StatusOK, map[string]bool{"paused": req.Paused})
}

type collateralPauseRequest struct {
	Token  string `json:"token"`
	Paused bool   `json:"paused"`
}

func (s *Server) handlePauseCollateral(w http.ResponseWriter, r *http.Request) {
	var req collateralPauseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !common.IsHexAddress(req.Token) {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	token := common.HexToAddress(req.Token)
	if err := s.ledger.SetCollateralPaused(s.operator, token, req.Paused); err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Info("collateral pause toggled", "token", token.Hex(), "paused", req.Paused)
	writeJSON(w, http.StatusOK, map[string]bool{"paused": req.Paused})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
