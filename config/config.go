package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"lendchain/crypto"
	"lendchain/native/settings"
)

// Config is the daemon configuration loaded from TOML.
type Config struct {
	ListenAddress   string       `toml:"ListenAddress"`
	Environment     string       `toml:"Environment"`
	LendingToken    string       `toml:"LendingToken"`
	CollateralToken string       `toml:"CollateralToken"`
	VaultAddress    string       `toml:"VaultAddress"`
	Pausers         []string     `toml:"Pausers"`
	PausedModules   []string     `toml:"PausedModules"`
	Platform        Platform     `toml:"platform"`
	Feeds           []Feed       `toml:"feed"`
	Assets          []AssetLimit `toml:"asset"`
}

// Platform mirrors the seeded platform settings. Durations are seconds and
// percentages basis points.
type Platform struct {
	RequiredSubmissions    uint64 `toml:"RequiredSubmissions"`
	MaximumToleranceBps    uint64 `toml:"MaximumToleranceBps"`
	ResponseExpirySeconds  int64  `toml:"ResponseExpirySeconds"`
	SafetyIntervalSeconds  int64  `toml:"SafetyIntervalSeconds"`
	TermsExpirySeconds     int64  `toml:"TermsExpirySeconds"`
	LiquidateEthPriceBps   uint64 `toml:"LiquidateEthPriceBps"`
	MaxLoanDurationSeconds int64  `toml:"MaxLoanDurationSeconds"`
	TermsRateLimitSeconds  int64  `toml:"TermsRateLimitSeconds"`
	CollateralBufferBps    uint64 `toml:"CollateralBufferBps"`
}

// Feed configures one oracle price feed.
type Feed struct {
	Base               string `toml:"Base"`
	Quote              string `toml:"Quote"`
	Inverted           bool   `toml:"Inverted"`
	CollateralDecimals uint   `toml:"CollateralDecimals"`
	ResponseDecimals   uint   `toml:"ResponseDecimals"`
	InitialAnswer      string `toml:"InitialAnswer"`
}

// AssetLimit caps the lending exposure for one asset.
type AssetLimit struct {
	Token         string `toml:"Token"`
	MaxLoanAmount string `toml:"MaxLoanAmount"`
	YieldToken    string `toml:"YieldToken"`
}

// Load reads the configuration from the given path, writing a default file
// when none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = "0.0.0.0:8080"
	}
	if strings.TrimSpace(c.Environment) == "" {
		c.Environment = "local"
	}
	if strings.TrimSpace(c.LendingToken) == "" {
		c.LendingToken = "DAI"
	}
	if strings.TrimSpace(c.CollateralToken) == "" {
		c.CollateralToken = "ETH"
	}
	if c.Platform == (Platform{}) {
		c.Platform = defaultPlatform()
	}
	if c.Pausers == nil {
		c.Pausers = []string{}
	}
	if c.PausedModules == nil {
		c.PausedModules = []string{}
	}
}

// Validate rejects configurations that cannot be wired into the engines.
func (c *Config) Validate() error {
	if c.Platform.RequiredSubmissions == 0 {
		return fmt.Errorf("platform: RequiredSubmissions must be positive")
	}
	if c.Platform.MaxLoanDurationSeconds <= 0 {
		return fmt.Errorf("platform: MaxLoanDurationSeconds must be positive")
	}
	if err := c.PlatformSettings().Validate(); err != nil {
		return fmt.Errorf("platform: %w", err)
	}
	if strings.TrimSpace(c.VaultAddress) != "" {
		if _, err := crypto.DecodeAddress(c.VaultAddress); err != nil {
			return fmt.Errorf("invalid VaultAddress: %w", err)
		}
	}
	for _, pauser := range c.Pausers {
		if _, err := crypto.DecodeAddress(pauser); err != nil {
			return fmt.Errorf("invalid pauser %q: %w", pauser, err)
		}
	}
	for i, feed := range c.Feeds {
		if strings.TrimSpace(feed.Base) == "" || strings.TrimSpace(feed.Quote) == "" {
			return fmt.Errorf("feed %d: Base and Quote are required", i)
		}
		if feed.InitialAnswer != "" {
			if _, ok := new(big.Int).SetString(feed.InitialAnswer, 10); !ok {
				return fmt.Errorf("feed %d: invalid InitialAnswer %q", i, feed.InitialAnswer)
			}
		}
	}
	for i, asset := range c.Assets {
		if strings.TrimSpace(asset.Token) == "" {
			return fmt.Errorf("asset %d: Token is required", i)
		}
		if asset.MaxLoanAmount != "" {
			if _, ok := new(big.Int).SetString(asset.MaxLoanAmount, 10); !ok {
				return fmt.Errorf("asset %d: invalid MaxLoanAmount %q", i, asset.MaxLoanAmount)
			}
		}
	}
	return nil
}

// PlatformSettings converts the configured platform section into the settings
// seed.
func (c *Config) PlatformSettings() settings.Platform {
	return settings.Platform{
		RequiredSubmissions:    c.Platform.RequiredSubmissions,
		MaximumToleranceBps:    c.Platform.MaximumToleranceBps,
		ResponseExpirySeconds:  c.Platform.ResponseExpirySeconds,
		SafetyIntervalSeconds:  c.Platform.SafetyIntervalSeconds,
		TermsExpirySeconds:     c.Platform.TermsExpirySeconds,
		LiquidateEthPriceBps:   c.Platform.LiquidateEthPriceBps,
		MaxLoanDurationSeconds: c.Platform.MaxLoanDurationSeconds,
		TermsRateLimitSeconds:  c.Platform.TermsRateLimitSeconds,
		CollateralBufferBps:    c.Platform.CollateralBufferBps,
	}
}

// PauserAddresses decodes the configured pauser list.
func (c *Config) PauserAddresses() ([]crypto.Address, error) {
	out := make([]crypto.Address, 0, len(c.Pausers))
	for _, raw := range c.Pausers {
		addr, err := crypto.DecodeAddress(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, nil
}

func defaultPlatform() Platform {
	d := settings.DefaultPlatform()
	return Platform{
		RequiredSubmissions:    d.RequiredSubmissions,
		MaximumToleranceBps:    d.MaximumToleranceBps,
		ResponseExpirySeconds:  d.ResponseExpirySeconds,
		SafetyIntervalSeconds:  d.SafetyIntervalSeconds,
		TermsExpirySeconds:     d.TermsExpirySeconds,
		LiquidateEthPriceBps:   d.LiquidateEthPriceBps,
		MaxLoanDurationSeconds: d.MaxLoanDurationSeconds,
		TermsRateLimitSeconds:  d.TermsRateLimitSeconds,
		CollateralBufferBps:    d.CollateralBufferBps,
	}
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{
		ListenAddress:   "0.0.0.0:8080",
		Environment:     "local",
		LendingToken:    "DAI",
		CollateralToken: "ETH",
		Pausers:         []string{},
		PausedModules:   []string{},
		Platform:        defaultPlatform(),
		Feeds: []Feed{
			{
				Base:               "DAI",
				Quote:              "ETH",
				CollateralDecimals: 18,
				ResponseDecimals:   18,
				InitialAnswer:      "1000000000000000",
			},
		},
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
