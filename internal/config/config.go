package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/consensus-hq/agent-pulse-sub000/internal/protocol"
)

// Config captures runtime settings for one pulse service node.
type Config struct {
	Server struct {
		Listen                 string `yaml:"listen"`
		ReadTimeoutSeconds     int    `yaml:"read_timeout_seconds"`
		WriteTimeoutSeconds    int    `yaml:"write_timeout_seconds"`
		ShutdownTimeoutSeconds int    `yaml:"shutdown_timeout_seconds"`
	} `yaml:"server"`

	Storage struct {
		Driver      string `yaml:"driver"`
		PostgresDSN string `yaml:"postgres_dsn"`
		SQLitePath  string `yaml:"sqlite_path"`
		MaxConns    int32  `yaml:"max_conns"`
		MinConns    int32  `yaml:"min_conns"`
	} `yaml:"storage"`

	Registry struct {
		Owner          string `yaml:"owner"`
		SignalSink     string `yaml:"signal_sink"`
		TTLSeconds     int64  `yaml:"ttl_seconds"`
		MinPulseTokens int64  `yaml:"min_pulse_tokens"`
	} `yaml:"registry"`

	Signals struct {
		TrailingEvents         int   `yaml:"trailing_events"`
		ObservationWindowDays  int64 `yaml:"observation_window_days"`
		CorrelationIntervalSec int64 `yaml:"correlation_interval_seconds"`
	} `yaml:"signals"`

	Gate struct {
		Asset                 string                `yaml:"asset"`
		Network               string                `yaml:"network"`
		PayTo                 string                `yaml:"pay_to"`
		RequirementTTLSeconds int64                 `yaml:"requirement_ttl_seconds"`
		ComputeTimeoutSeconds int64                 `yaml:"compute_timeout_seconds"`
		AttestationKeyPath    string                `yaml:"attestation_key_path"`
		Prices                map[string]PriceEntry `yaml:"prices"`
	} `yaml:"gate"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		UseTLS   bool   `yaml:"use_tls"`
	} `yaml:"redis"`

	FreeTier struct {
		PerMinute int `yaml:"per_minute"`
		PerDay    int `yaml:"per_day"`
	} `yaml:"free_tier"`

	Settlement struct {
		Mode           string `yaml:"mode"`
		FacilitatorURL string `yaml:"facilitator_url"`
		TimeoutSeconds int64  `yaml:"timeout_seconds"`
	} `yaml:"settlement"`

	Security struct {
		AdminBearerToken string `yaml:"admin_bearer_token"`
	} `yaml:"security"`

	Logging struct {
		Service string `yaml:"service"`
		Version string `yaml:"version"`
		Commit  string `yaml:"commit"`
	} `yaml:"logging"`
}

// PriceEntry prices one signal type. BasePriceAtomic is in atomic units of
// the settlement asset and must be even so the half-price cached tier stays
// exact.
type PriceEntry struct {
	BasePriceAtomic int64 `yaml:"base_price_atomic"`
	CacheTTLSeconds int64 `yaml:"cache_ttl_seconds"`
}

// Load reads and validates config from disk.
func Load(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	cfg.expandEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = "127.0.0.1:8080"
	}
	if c.Server.ReadTimeoutSeconds <= 0 {
		c.Server.ReadTimeoutSeconds = 10
	}
	if c.Server.WriteTimeoutSeconds <= 0 {
		c.Server.WriteTimeoutSeconds = 20
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		c.Server.ShutdownTimeoutSeconds = 15
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "postgres"
	}
	if c.Storage.MaxConns <= 0 {
		c.Storage.MaxConns = 12
	}
	if c.Storage.MinConns < 0 {
		c.Storage.MinConns = 0
	}
	if c.Registry.TTLSeconds <= 0 {
		c.Registry.TTLSeconds = protocol.SecondsPerDay
	}
	if c.Registry.MinPulseTokens <= 0 {
		c.Registry.MinPulseTokens = 1
	}
	if c.Signals.TrailingEvents <= 0 {
		c.Signals.TrailingEvents = 256
	}
	if c.Signals.ObservationWindowDays <= 0 {
		c.Signals.ObservationWindowDays = 30
	}
	if c.Signals.CorrelationIntervalSec <= 0 {
		c.Signals.CorrelationIntervalSec = 3600
	}
	if c.Gate.Asset == "" {
		c.Gate.Asset = "USDC"
	}
	if c.Gate.Network == "" {
		c.Gate.Network = "base-sepolia"
	}
	if c.Gate.RequirementTTLSeconds <= 0 {
		c.Gate.RequirementTTLSeconds = 300
	}
	if c.Gate.ComputeTimeoutSeconds <= 0 {
		c.Gate.ComputeTimeoutSeconds = 15
	}
	if c.Gate.Prices == nil {
		c.Gate.Prices = map[string]PriceEntry{}
	}
	for _, typ := range protocol.SignalTypes() {
		if _, ok := c.Gate.Prices[string(typ)]; !ok {
			c.Gate.Prices[string(typ)] = defaultPrice(typ)
		}
	}
	if c.FreeTier.PerMinute <= 0 {
		c.FreeTier.PerMinute = 10
	}
	if c.FreeTier.PerDay <= 0 {
		c.FreeTier.PerDay = 1000
	}
	if c.Settlement.Mode == "" {
		c.Settlement.Mode = "http"
	}
	if c.Settlement.TimeoutSeconds <= 0 {
		c.Settlement.TimeoutSeconds = 10
	}
	if c.Logging.Service == "" {
		c.Logging.Service = "agent-pulse"
	}
	if c.Logging.Version == "" {
		c.Logging.Version = "dev"
	}
	if c.Logging.Commit == "" {
		c.Logging.Commit = "unknown"
	}
}

// defaultPrice reflects how expensive each signal is to compute and how fast
// it goes stale: hazard decays continuously so it barely caches, while the
// batch-warmed correlation signal is priced for a full history scan.
func defaultPrice(typ protocol.SignalType) PriceEntry {
	switch typ {
	case protocol.SignalHazard:
		return PriceEntry{BasePriceAtomic: 5_000, CacheTTLSeconds: 30}
	case protocol.SignalStreak:
		return PriceEntry{BasePriceAtomic: 5_000, CacheTTLSeconds: 120}
	case protocol.SignalJitter:
		return PriceEntry{BasePriceAtomic: 10_000, CacheTTLSeconds: 300}
	case protocol.SignalUptime:
		return PriceEntry{BasePriceAtomic: 15_000, CacheTTLSeconds: 600}
	case protocol.SignalReliability, protocol.SignalRisk:
		return PriceEntry{BasePriceAtomic: 20_000, CacheTTLSeconds: 300}
	case protocol.SignalNetwork:
		return PriceEntry{BasePriceAtomic: 25_000, CacheTTLSeconds: 900}
	case protocol.SignalCorrelation:
		return PriceEntry{BasePriceAtomic: 50_000, CacheTTLSeconds: 3600}
	default:
		return PriceEntry{BasePriceAtomic: 10_000, CacheTTLSeconds: 60}
	}
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return errors.New("storage.postgres_dsn is required for the postgres driver")
		}
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return errors.New("storage.sqlite_path is required for the sqlite driver")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.driver must be one of postgres|sqlite|memory, got %q", c.Storage.Driver)
	}
	if c.Registry.Owner == "" {
		return errors.New("registry.owner is required")
	}
	if c.Registry.SignalSink == "" {
		return errors.New("registry.signal_sink is required")
	}
	if c.Registry.TTLSeconds > protocol.MaxTTLSeconds {
		return fmt.Errorf("registry.ttl_seconds %d exceeds the maximum %d", c.Registry.TTLSeconds, protocol.MaxTTLSeconds)
	}
	if c.Gate.PayTo == "" {
		return errors.New("gate.pay_to is required")
	}
	for name, entry := range c.Gate.Prices {
		if _, ok := protocol.ParseSignalType(name); !ok {
			return fmt.Errorf("gate.prices has unknown signal type %q", name)
		}
		if entry.BasePriceAtomic <= 0 {
			return fmt.Errorf("gate.prices[%s].base_price_atomic must be positive", name)
		}
		if entry.BasePriceAtomic%2 != 0 {
			return fmt.Errorf("gate.prices[%s].base_price_atomic must be even", name)
		}
		if entry.CacheTTLSeconds <= 0 {
			return fmt.Errorf("gate.prices[%s].cache_ttl_seconds must be positive", name)
		}
	}
	switch c.Settlement.Mode {
	case "http":
		if c.Settlement.FacilitatorURL == "" {
			return errors.New("settlement.facilitator_url is required in http mode")
		}
	case "static":
	default:
		return fmt.Errorf("settlement.mode must be one of http|static, got %q", c.Settlement.Mode)
	}
	if strings.TrimSpace(c.Security.AdminBearerToken) == "" {
		return errors.New("security.admin_bearer_token is required")
	}
	if c.Redis.Enabled && c.Redis.Address == "" {
		return errors.New("redis.address is required when redis is enabled")
	}
	return nil
}

func (c *Config) expandEnv() {
	c.Storage.PostgresDSN = os.ExpandEnv(strings.TrimSpace(c.Storage.PostgresDSN))
	c.Storage.SQLitePath = os.ExpandEnv(strings.TrimSpace(c.Storage.SQLitePath))
	c.Redis.Address = os.ExpandEnv(strings.TrimSpace(c.Redis.Address))
	c.Redis.Password = os.ExpandEnv(strings.TrimSpace(c.Redis.Password))
	c.Settlement.FacilitatorURL = os.ExpandEnv(strings.TrimSpace(c.Settlement.FacilitatorURL))
	c.Security.AdminBearerToken = os.ExpandEnv(strings.TrimSpace(c.Security.AdminBearerToken))
	c.Registry.Owner = os.ExpandEnv(strings.TrimSpace(c.Registry.Owner))
	c.Registry.SignalSink = os.ExpandEnv(strings.TrimSpace(c.Registry.SignalSink))
	c.Gate.PayTo = os.ExpandEnv(strings.TrimSpace(c.Gate.PayTo))
	c.Gate.AttestationKeyPath = os.ExpandEnv(strings.TrimSpace(c.Gate.AttestationKeyPath))
}
