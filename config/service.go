package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Service captures the runtime settings for the lending daemon: where to
// listen, how callers authenticate and where the protocol parameters live.
type Service struct {
	ListenAddress string     `yaml:"listen"`
	Environment   string     `yaml:"environment"`
	ProtocolPath  string     `yaml:"protocol_params"`
	// Operator is the address admin operations are attributed to once a
	// bearer token has been verified.
	Operator  string     `yaml:"operator"`
	Auth      AuthConfig `yaml:"auth"`
	RateLimit RateLimit  `yaml:"rate_limit"`
}

// AuthConfig lists the bearer tokens accepted for admin operations. Values
// are expanded against the environment so secrets can stay out of the file.
type AuthConfig struct {
	AdminTokens []string `yaml:"admin_tokens"`
}

// RateLimit bounds request throughput per client.
type RateLimit struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// LoadService reads the YAML service configuration and validates it.
func LoadService(path string) (Service, error) {
	cfg := Service{
		ListenAddress: ":8440",
		Environment:   "dev",
	}
	if path == "" {
		return cfg, fmt.Errorf("config: service config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Service{}, fmt.Errorf("config: decode %s: %w", path, err)
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Service{}, err
	}
	return cfg, nil
}

func (cfg *Service) normalize() {
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8440"
	}
	cfg.Environment = strings.TrimSpace(cfg.Environment)
	if cfg.Environment == "" {
		cfg.Environment = "dev"
	}
	cfg.ProtocolPath = strings.TrimSpace(cfg.ProtocolPath)
	cfg.Operator = strings.TrimSpace(cfg.Operator)

	tokens := make([]string, 0, len(cfg.Auth.AdminTokens))
	for _, token := range cfg.Auth.AdminTokens {
		expanded := strings.TrimSpace(os.ExpandEnv(token))
		if expanded != "" {
			tokens = append(tokens, expanded)
		}
	}
	cfg.Auth.AdminTokens = tokens

	if cfg.RateLimit.RequestsPerSecond <= 0 {
		cfg.RateLimit.RequestsPerSecond = 25
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 50
	}
}

func (cfg *Service) validate() error {
	if !strings.Contains(cfg.ListenAddress, ":") {
		return fmt.Errorf("config: listen address %q must include a port", cfg.ListenAddress)
	}
	return nil
}

// AdminEnabled reports whether any admin token is configured. Without one,
// every admin endpoint is refused.
func (cfg Service) AdminEnabled() bool {
	return len(cfg.Auth.AdminTokens) > 0
}
