// Package config loads the two configuration surfaces of the lending stack:
// protocol parameters from TOML and service settings from YAML. Everything is
// validated at load time; a running market never sees a bad parameter.
package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"

	"openlend/interest"
	"openlend/market"
	"openlend/oracle"
	"openlend/risk"
)

// Protocol is the on-disk TOML shape of the market parameters.
type Protocol struct {
	Market   MarketSection   `toml:"market"`
	Interest InterestSection `toml:"interest"`
	Oracle   OracleSection   `toml:"oracle"`
	Risk     RiskSection     `toml:"risk"`
	Vault    VaultSection    `toml:"vault"`
}

type MarketSection struct {
	LoanToken             string              `toml:"loan_token"`
	LoanSymbol            string              `toml:"loan_symbol"`
	LoanDecimals          uint8               `toml:"loan_decimals"`
	LLTVBps               uint64              `toml:"lltv_bps"`
	LiquidationPenaltyBps uint64              `toml:"liquidation_penalty_bps"`
	ProtocolFeeBps        uint64              `toml:"protocol_fee_bps"`
	Treasury              string              `toml:"treasury"`
	Collateral            []CollateralSection `toml:"collateral"`
}

type CollateralSection struct {
	Token    string `toml:"token"`
	Symbol   string `toml:"symbol"`
	Decimals uint8  `toml:"decimals"`
}

// InterestSection carries the rate curve in basis points so the file decodes
// to exact rationals; float fields would round every parameter on the way in.
type InterestSection struct {
	BaseRateBps uint64 `toml:"base_rate_bps"`
	Slope1Bps   uint64 `toml:"slope1_bps"`
	Slope2Bps   uint64 `toml:"slope2_bps"`
	KinkBps     uint64 `toml:"kink_bps"`
	// MaxAPRBps caps the borrow rate at full utilization.
	MaxAPRBps uint64 `toml:"max_apr_bps"`
}

type OracleSection struct {
	FreshnessSecs         uint64 `toml:"freshness_seconds"`
	DeviationToleranceBps uint64 `toml:"deviation_tolerance_bps"`
	DeviationCriticalBps  uint64 `toml:"deviation_critical_bps"`
	FallbackHalfLifeSecs  uint64 `toml:"fallback_half_life_seconds"`
	FallbackMaxAgeSecs    uint64 `toml:"fallback_max_age_seconds"`
}

type RiskSection struct {
	UtilizationWarningBps  uint64 `toml:"utilization_warning_bps"`
	UtilizationCriticalBps uint64 `toml:"utilization_critical_bps"`
	BadDebtThresholdBps    uint64 `toml:"bad_debt_threshold_bps"`
	AllocationCapBps       uint64 `toml:"allocation_cap_bps"`
	// HealthWarningBps is the health factor below which positions are
	// flagged, in basis points: 11000 warns under 1.1.
	HealthWarningBps uint64 `toml:"health_warning_bps"`
}

type VaultSection struct {
	AllocationCapBps uint64 `toml:"allocation_cap_bps"`
}

// DefaultProtocol returns the parameter set used when no file is supplied.
func DefaultProtocol() Protocol {
	return Protocol{
		Market: MarketSection{
			LoanSymbol:            "USDX",
			LoanDecimals:          18,
			LLTVBps:               8500,
			LiquidationPenaltyBps: 500,
			ProtocolFeeBps:        1000,
		},
		Interest: InterestSection{
			BaseRateBps: 200,
			Slope1Bps:   400,
			Slope2Bps:   6000,
			KinkBps:     8000,
			MaxAPRBps:   100_000,
		},
		Oracle: OracleSection{
			FreshnessSecs:         300,
			DeviationToleranceBps: 100,
			DeviationCriticalBps:  1000,
			FallbackHalfLifeSecs:  1800,
			FallbackMaxAgeSecs:    86_400,
		},
		Risk: RiskSection{
			UtilizationWarningBps:  8000,
			UtilizationCriticalBps: 9500,
			BadDebtThresholdBps:    100,
			AllocationCapBps:       8000,
			HealthWarningBps:       11_000,
		},
		Vault: VaultSection{AllocationCapBps: 8000},
	}
}

// LoadProtocol reads and validates the protocol parameter file. Unknown keys
// are rejected so typos fail loudly instead of silently running defaults.
func LoadProtocol(path string) (*Protocol, error) {
	cfg := DefaultProtocol()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config: %s contains unknown key %q", path, undecoded[0].String())
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the whole parameter set by building every typed artifact
// the wiring layer will later request.
func (p Protocol) Validate() error {
	if _, err := p.MarketParams(); err != nil {
		return err
	}
	if _, err := p.LoanAsset(); err != nil {
		return err
	}
	if _, err := p.CollateralAssets(); err != nil {
		return err
	}
	if _, err := p.InterestModel(); err != nil {
		return err
	}
	if err := p.OracleConfig().Validate(); err != nil {
		return err
	}
	if err := p.RiskConfig().Validate(); err != nil {
		return err
	}
	if p.Vault.AllocationCapBps > 10_000 {
		return fmt.Errorf("config: vault allocation cap %d exceeds 100%%", p.Vault.AllocationCapBps)
	}
	return nil
}

// MarketParams builds the ledger parameter set.
func (p Protocol) MarketParams() (market.Params, error) {
	params := market.Params{
		LLTVBps:               p.Market.LLTVBps,
		LiquidationPenaltyBps: p.Market.LiquidationPenaltyBps,
		ProtocolFeeBps:        p.Market.ProtocolFeeBps,
	}
	if treasury := strings.TrimSpace(p.Market.Treasury); treasury != "" {
		if !common.IsHexAddress(treasury) {
			return market.Params{}, fmt.Errorf("config: treasury %q is not a hex address", treasury)
		}
		params.Treasury = common.HexToAddress(treasury)
	}
	if err := params.Validate(); err != nil {
		return market.Params{}, err
	}
	return params, nil
}

// LoanAsset builds the loan asset descriptor.
func (p Protocol) LoanAsset() (market.Asset, error) {
	asset := market.Asset{
		Symbol:   strings.TrimSpace(p.Market.LoanSymbol),
		Decimals: p.Market.LoanDecimals,
	}
	if asset.Symbol == "" {
		return market.Asset{}, fmt.Errorf("config: loan symbol required")
	}
	if token := strings.TrimSpace(p.Market.LoanToken); token != "" {
		if !common.IsHexAddress(token) {
			return market.Asset{}, fmt.Errorf("config: loan token %q is not a hex address", token)
		}
		asset.Token = common.HexToAddress(token)
	}
	if err := asset.Validate(); err != nil {
		return market.Asset{}, err
	}
	return asset, nil
}

// CollateralAssets builds the registered collateral list in file order.
func (p Protocol) CollateralAssets() ([]market.Asset, error) {
	out := make([]market.Asset, 0, len(p.Market.Collateral))
	for _, entry := range p.Market.Collateral {
		symbol := strings.TrimSpace(entry.Symbol)
		token := strings.TrimSpace(entry.Token)
		if symbol == "" || !common.IsHexAddress(token) {
			return nil, fmt.Errorf("config: collateral entry %q/%q invalid", entry.Symbol, entry.Token)
		}
		asset := market.Asset{Token: common.HexToAddress(token), Symbol: symbol, Decimals: entry.Decimals}
		if err := asset.Validate(); err != nil {
			return nil, err
		}
		out = append(out, asset)
	}
	return out, nil
}

// InterestModel builds and validates the rate curve.
func (p Protocol) InterestModel() (*interest.Model, error) {
	model := interest.NewModel(p.Interest.BaseRateBps, p.Interest.Slope1Bps, p.Interest.Slope2Bps, p.Interest.KinkBps)
	maxRate := new(big.Rat).SetFrac(new(big.Int).SetUint64(p.Interest.MaxAPRBps), big.NewInt(10_000))
	if err := model.Validate(maxRate); err != nil {
		return nil, err
	}
	return model, nil
}

// OracleConfig builds the resolver thresholds.
func (p Protocol) OracleConfig() oracle.Config {
	return oracle.Config{
		Freshness:             time.Duration(p.Oracle.FreshnessSecs) * time.Second,
		DeviationToleranceBps: p.Oracle.DeviationToleranceBps,
		DeviationCriticalBps:  p.Oracle.DeviationCriticalBps,
		LKGHalfLife:           time.Duration(p.Oracle.FallbackHalfLifeSecs) * time.Second,
		LKGMaxAge:             time.Duration(p.Oracle.FallbackMaxAgeSecs) * time.Second,
	}
}

// RiskConfig builds the assessor thresholds.
func (p Protocol) RiskConfig() risk.Config {
	cfg := risk.Config{
		UtilizationWarningBps:  p.Risk.UtilizationWarningBps,
		UtilizationCriticalBps: p.Risk.UtilizationCriticalBps,
		BadDebtThresholdBps:    p.Risk.BadDebtThresholdBps,
		AllocationCapBps:       p.Risk.AllocationCapBps,
	}
	if p.Risk.HealthWarningBps > 0 {
		cfg.HealthWarning = new(big.Rat).SetFrac(
			new(big.Int).SetUint64(p.Risk.HealthWarningBps), big.NewInt(10_000))
	}
	return cfg
}
