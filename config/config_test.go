package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"lendchain/crypto"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func testPauser() string {
	buf := make([]byte, 20)
	buf[0] = 0x42
	return crypto.NewAddress(crypto.AccountPrefix, buf).String()
}

func TestLoadParsesFullConfig(t *testing.T) {
	path := writeConfig(t, `ListenAddress = "0.0.0.0:9090"
Environment = "staging"
LendingToken = "usdc"
Pausers = ["`+testPauser()+`"]

[platform]
RequiredSubmissions = 3
MaximumToleranceBps = 700
ResponseExpirySeconds = 120
SafetyIntervalSeconds = 60
TermsExpirySeconds = 86400
LiquidateEthPriceBps = 9200
MaxLoanDurationSeconds = 604800
TermsRateLimitSeconds = 30
CollateralBufferBps = 1000

[[feed]]
Base = "USDC"
Quote = "ETH"
CollateralDecimals = 6
ResponseDecimals = 18
InitialAnswer = "350000000000000"

[[asset]]
Token = "USDC"
MaxLoanAmount = "250000000000"
YieldToken = "CUSDC"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddress != "0.0.0.0:9090" {
		t.Fatalf("unexpected listen address %q", cfg.ListenAddress)
	}
	if cfg.Platform.RequiredSubmissions != 3 {
		t.Fatalf("unexpected submissions %d", cfg.Platform.RequiredSubmissions)
	}
	if len(cfg.Feeds) != 1 || cfg.Feeds[0].Base != "USDC" {
		t.Fatalf("unexpected feeds %+v", cfg.Feeds)
	}
	if len(cfg.Assets) != 1 || cfg.Assets[0].YieldToken != "CUSDC" {
		t.Fatalf("unexpected assets %+v", cfg.Assets)
	}
	seed := cfg.PlatformSettings()
	if seed.MaximumToleranceBps != 700 || seed.TermsExpirySeconds != 86400 {
		t.Fatalf("unexpected settings seed %+v", seed)
	}
	pausers, err := cfg.PauserAddresses()
	if err != nil {
		t.Fatalf("decode pausers: %v", err)
	}
	if len(pausers) != 1 {
		t.Fatalf("expected one pauser, got %d", len(pausers))
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `ListenAddress = ""
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddress != "0.0.0.0:8080" {
		t.Fatalf("expected default listen address, got %q", cfg.ListenAddress)
	}
	if cfg.LendingToken != "DAI" || cfg.CollateralToken != "ETH" {
		t.Fatalf("expected default tokens, got %q/%q", cfg.LendingToken, cfg.CollateralToken)
	}
	if cfg.Platform.RequiredSubmissions == 0 {
		t.Fatalf("expected default platform settings")
	}
}

func TestLoadCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddress == "" {
		t.Fatalf("expected populated default config")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected default file written: %v", err)
	}
	if !strings.Contains(string(raw), "ListenAddress") {
		t.Fatalf("default file missing expected keys:\n%s", raw)
	}
}

func TestLoadRejectsBadFeed(t *testing.T) {
	path := writeConfig(t, `[[feed]]
Base = ""
Quote = "ETH"
`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error for empty feed base")
	}
}

func TestLoadRejectsBadPauser(t *testing.T) {
	path := writeConfig(t, `Pausers = ["not-an-address"]
`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error for bad pauser")
	}
}

func TestLoadRejectsBadAnswer(t *testing.T) {
	path := writeConfig(t, `[[feed]]
Base = "DAI"
Quote = "ETH"
InitialAnswer = "ten"
`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error for non-numeric answer")
	}
}

func TestLoadRejectsNegativeDuration(t *testing.T) {
	path := writeConfig(t, `[platform]
RequiredSubmissions = 2
MaximumToleranceBps = 500
ResponseExpirySeconds = -300
SafetyIntervalSeconds = 300
TermsExpirySeconds = 86400
LiquidateEthPriceBps = 9500
MaxLoanDurationSeconds = 604800
TermsRateLimitSeconds = 120
CollateralBufferBps = 1500
`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error for negative duration")
	}
}
