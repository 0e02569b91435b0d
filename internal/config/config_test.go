package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
storage:
  driver: memory
registry:
  owner: "0x00000000000000000000000000000000000000aa"
  signal_sink: "0x00000000000000000000000000000000000000ff"
gate:
  pay_to: "0x00000000000000000000000000000000000000ff"
settlement:
  mode: static
security:
  admin_bearer_token: "token"
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Listen != "127.0.0.1:8080" {
		t.Fatalf("listen = %q", cfg.Server.Listen)
	}
	if cfg.Registry.TTLSeconds != 86400 {
		t.Fatalf("ttl = %d", cfg.Registry.TTLSeconds)
	}
	if cfg.Registry.MinPulseTokens != 1 {
		t.Fatalf("min pulse = %d", cfg.Registry.MinPulseTokens)
	}
	if len(cfg.Gate.Prices) != 8 {
		t.Fatalf("price table has %d entries, want one per signal", len(cfg.Gate.Prices))
	}
	for name, entry := range cfg.Gate.Prices {
		if entry.BasePriceAtomic <= 0 || entry.CacheTTLSeconds <= 0 {
			t.Fatalf("default price for %s incomplete: %+v", name, entry)
		}
	}
	if cfg.FreeTier.PerMinute != 10 || cfg.FreeTier.PerDay != 1000 {
		t.Fatalf("free tier defaults = %+v", cfg.FreeTier)
	}
}

func TestLoadRejectsUnknownSignalPrice(t *testing.T) {
	body := strings.Replace(minimalConfig, `gate:
  pay_to: "0x00000000000000000000000000000000000000ff"`, `gate:
  pay_to: "0x00000000000000000000000000000000000000ff"
  prices:
    bogus:
      base_price_atomic: 100
      cache_ttl_seconds: 60`, 1)
	_, err := Load(writeConfig(t, body))
	if err == nil || !strings.Contains(err.Error(), "unknown signal type") {
		t.Fatalf("err = %v, want unknown signal type", err)
	}
}

func TestLoadRejectsOddBasePrice(t *testing.T) {
	body := strings.Replace(minimalConfig, `gate:
  pay_to: "0x00000000000000000000000000000000000000ff"`, `gate:
  pay_to: "0x00000000000000000000000000000000000000ff"
  prices:
    reliability:
      base_price_atomic: 10001
      cache_ttl_seconds: 60
`, 1)
	_, err := Load(writeConfig(t, body))
	if err == nil || !strings.Contains(err.Error(), "must be even") {
		t.Fatalf("err = %v, want must be even", err)
	}
}

func TestLoadRejectsTTLPastMaximum(t *testing.T) {
	body := strings.Replace(minimalConfig, `registry:
  owner: "0x00000000000000000000000000000000000000aa"`, `registry:
  ttl_seconds: 2592001
  owner: "0x00000000000000000000000000000000000000aa"`, 1)
	_, err := Load(writeConfig(t, body))
	if err == nil || !strings.Contains(err.Error(), "exceeds the maximum") {
		t.Fatalf("err = %v, want ttl bound error", err)
	}
}

func TestLoadRequiresDriverSettings(t *testing.T) {
	body := strings.Replace(minimalConfig, "driver: memory", "driver: sqlite", 1)
	if _, err := Load(writeConfig(t, body)); err == nil {
		t.Fatalf("sqlite driver without path accepted")
	}
	body = strings.Replace(minimalConfig, "driver: memory", "driver: postgres", 1)
	if _, err := Load(writeConfig(t, body)); err == nil {
		t.Fatalf("postgres driver without dsn accepted")
	}
	body = strings.Replace(minimalConfig, "driver: memory", "driver: bolt", 1)
	if _, err := Load(writeConfig(t, body)); err == nil {
		t.Fatalf("unknown driver accepted")
	}
}

func TestLoadRequiresFacilitatorInHTTPMode(t *testing.T) {
	body := strings.Replace(minimalConfig, "mode: static", "mode: http", 1)
	_, err := Load(writeConfig(t, body))
	if err == nil || !strings.Contains(err.Error(), "facilitator_url") {
		t.Fatalf("err = %v, want facilitator_url error", err)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("PULSE_ADMIN_TOKEN", "secret-token")
	body := strings.Replace(minimalConfig, `admin_bearer_token: "token"`, `admin_bearer_token: "${PULSE_ADMIN_TOKEN}"`, 1)
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Security.AdminBearerToken != "secret-token" {
		t.Fatalf("token = %q", cfg.Security.AdminBearerToken)
	}
}
