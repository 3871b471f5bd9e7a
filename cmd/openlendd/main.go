package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"openlend/config"
	"openlend/gateway"
	"openlend/market"
	"openlend/observability/logging"
	"openlend/oracle"
	"openlend/risk"
	"openlend/vault"
)

// staticPolicy authorizes exactly one operator address for every
// configuration action. Anything richer lives outside the core.
type staticPolicy struct {
	operator common.Address
}

func (p staticPolicy) IsAuthorized(caller common.Address, _ string) bool {
	return caller == p.operator
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "openlendd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "openlendd.yaml", "path to the service configuration")
	flag.Parse()

	cfg, err := config.LoadService(*configPath)
	if err != nil {
		return err
	}
	log := logging.Setup("openlendd", cfg.Environment)

	protocol := config.DefaultProtocol()
	if cfg.ProtocolPath != "" {
		loaded, err := config.LoadProtocol(cfg.ProtocolPath)
		if err != nil {
			return err
		}
		protocol = *loaded
	} else if err := protocol.Validate(); err != nil {
		return err
	}

	var operator common.Address
	if cfg.Operator != "" {
		if !common.IsHexAddress(cfg.Operator) {
			return fmt.Errorf("operator %q is not a hex address", cfg.Operator)
		}
		operator = common.HexToAddress(cfg.Operator)
	}

	loanAsset, err := protocol.LoanAsset()
	if err != nil {
		return err
	}
	params, err := protocol.MarketParams()
	if err != nil {
		return err
	}
	model, err := protocol.InterestModel()
	if err != nil {
		return err
	}

	// The manual feed doubles as the incident-response override surface;
	// production deployments attach an adapter that mirrors upstream quotes
	// into it.
	primary := oracle.NewManualFeed()
	resolver, err := oracle.NewResolver(primary, nil, protocol.OracleConfig())
	if err != nil {
		return err
	}

	pool, err := vault.NewPool(vault.NewMemorySource(), protocol.Vault.AllocationCapBps)
	if err != nil {
		return err
	}

	ledger, err := market.NewLedger(loanAsset, params, model, market.NewMemoryStore(), time.Now())
	if err != nil {
		return err
	}
	gate, err := pool.BindLedger(ledger)
	if err != nil {
		return err
	}
	ledger.LinkPool(pool, gate)
	ledger.SetPriceSource(resolver)
	ledger.SetAuthorization(staticPolicy{operator: operator})

	collateral, err := protocol.CollateralAssets()
	if err != nil {
		return err
	}
	for _, asset := range collateral {
		if err := ledger.RegisterCollateral(operator, asset); err != nil {
			return fmt.Errorf("register collateral %s: %w", asset.Symbol, err)
		}
		log.Info("collateral registered", "symbol", asset.Symbol, "token", asset.Token.Hex())
	}

	assessor, err := risk.NewAssessor(protocol.RiskConfig(), resolver, ledger, pool, loanAsset.Token)
	if err != nil {
		return err
	}

	handler := gateway.NewServer(cfg, ledger, pool, resolver, assessor, operator, log)
	server := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("gateway listening", "address", cfg.ListenAddress)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown requested")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
