package settings

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
)

// Platform setting names. The names double as the parameter store keys so
// operators can address them directly through governance tooling.
const (
	NameRequiredSubmissions       = "RequiredSubmissions"
	NameMaximumTolerance          = "MaximumTolerance"
	NameResponseExpiryLength      = "ResponseExpiryLength"
	NameSafetyInterval            = "SafetyInterval"
	NameTermsExpiryTime           = "TermsExpiryTime"
	NameLiquidateEthPrice         = "LiquidateEthPrice"
	NameMaximumLoanDuration       = "MaximumLoanDuration"
	NameRequestLoanTermsRateLimit = "RequestLoanTermsRateLimit"
	NameCollateralBuffer          = "CollateralBuffer"
)

var (
	ErrNotFound      = errors.New("settings: value not found")
	ErrAssetExists   = errors.New("settings: asset setting already exists")
	ErrAssetNotFound = errors.New("settings: asset setting not found")
)

// StoreState captures the subset of state manager capabilities required by the
// settings helpers.
type StoreState interface {
	ParamSet(name string, value []byte) error
	ParamGet(name string) ([]byte, bool, error)
}

// Platform groups the global platform parameters consumed by the consensus,
// loan and escrow engines. Durations are expressed in seconds and percentages
// in basis points for deterministic integer math.
type Platform struct {
	RequiredSubmissions    uint64 `json:"requiredSubmissions"`
	MaximumToleranceBps    uint64 `json:"maximumToleranceBps"`
	ResponseExpirySeconds  int64  `json:"responseExpirySeconds"`
	SafetyIntervalSeconds  int64  `json:"safetyIntervalSeconds"`
	TermsExpirySeconds     int64  `json:"termsExpirySeconds"`
	LiquidateEthPriceBps   uint64 `json:"liquidateEthPriceBps"`
	MaxLoanDurationSeconds int64  `json:"maxLoanDurationSeconds"`
	TermsRateLimitSeconds  int64  `json:"termsRateLimitSeconds"`
	CollateralBufferBps    uint64 `json:"collateralBufferBps"`
}

// DefaultPlatform returns the platform defaults applied when a parameter has
// never been seeded.
func DefaultPlatform() Platform {
	return Platform{
		RequiredSubmissions:    2,
		MaximumToleranceBps:    500,
		ResponseExpirySeconds:  300,
		SafetyIntervalSeconds:  300,
		TermsExpirySeconds:     30 * 24 * 60 * 60,
		LiquidateEthPriceBps:   9500,
		MaxLoanDurationSeconds: 60 * 24 * 60 * 60,
		TermsRateLimitSeconds:  120,
		CollateralBufferBps:    1500,
	}
}

// AssetSetting captures the per-asset lending limits: the maximum loan amount
// denominated in the asset and the paired yield-bearing token the pool routes
// idle liquidity into.
type AssetSetting struct {
	MaxLoanAmount *big.Int `json:"maxLoanAmount"`
	YieldToken    string   `json:"yieldToken,omitempty"`
}

// Store provides typed accessors for the governance-controlled platform and
// asset parameters.
type Store struct {
	state StoreState
}

// NewStore constructs a settings store wrapper using the supplied state
// backend.
func NewStore(state StoreState) *Store {
	return &Store{state: state}
}

func (s *Store) withState() (StoreState, error) {
	if s == nil || s.state == nil {
		return nil, fmt.Errorf("settings: state not configured")
	}
	return s.state, nil
}

func (s *Store) setUint(name string, value uint64) error {
	state, err := s.withState()
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("settings: encode %s: %w", name, err)
	}
	return state.ParamSet(name, encoded)
}

func (s *Store) getUint(name string, fallback uint64) (uint64, error) {
	state, err := s.withState()
	if err != nil {
		return 0, err
	}
	raw, ok, err := state.ParamGet(name)
	if err != nil {
		return 0, err
	}
	if !ok || len(bytes.TrimSpace(raw)) == 0 {
		return fallback, nil
	}
	var value uint64
	if err := json.Unmarshal(raw, &value); err != nil {
		return 0, fmt.Errorf("settings: decode %s: %w", name, err)
	}
	return value, nil
}

// Validate rejects snapshots whose duration fields are negative. A negative
// duration would alias to a huge unsigned window once persisted.
func (p Platform) Validate() error {
	durations := []struct {
		name  string
		value int64
	}{
		{NameResponseExpiryLength, p.ResponseExpirySeconds},
		{NameSafetyInterval, p.SafetyIntervalSeconds},
		{NameTermsExpiryTime, p.TermsExpirySeconds},
		{NameMaximumLoanDuration, p.MaxLoanDurationSeconds},
		{NameRequestLoanTermsRateLimit, p.TermsRateLimitSeconds},
	}
	for _, d := range durations {
		if d.value < 0 {
			return fmt.Errorf("settings: %s must not be negative", d.name)
		}
	}
	return nil
}

// Seed persists every platform parameter from the supplied snapshot. Existing
// values are overwritten.
func (s *Store) Seed(p Platform) error {
	if err := p.Validate(); err != nil {
		return err
	}
	entries := []struct {
		name  string
		value uint64
	}{
		{NameRequiredSubmissions, p.RequiredSubmissions},
		{NameMaximumTolerance, p.MaximumToleranceBps},
		{NameResponseExpiryLength, uint64(p.ResponseExpirySeconds)},
		{NameSafetyInterval, uint64(p.SafetyIntervalSeconds)},
		{NameTermsExpiryTime, uint64(p.TermsExpirySeconds)},
		{NameLiquidateEthPrice, p.LiquidateEthPriceBps},
		{NameMaximumLoanDuration, uint64(p.MaxLoanDurationSeconds)},
		{NameRequestLoanTermsRateLimit, uint64(p.TermsRateLimitSeconds)},
		{NameCollateralBuffer, p.CollateralBufferBps},
	}
	for _, entry := range entries {
		if err := s.setUint(entry.name, entry.value); err != nil {
			return err
		}
	}
	return nil
}

// Set stores a single named platform parameter.
func (s *Store) Set(name string, value uint64) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return fmt.Errorf("settings: name required")
	}
	return s.setUint(trimmed, value)
}

// RequiredSubmissions returns the minimum number of signed term responses a
// consensus round must collect.
func (s *Store) RequiredSubmissions() (uint64, error) {
	return s.getUint(NameRequiredSubmissions, DefaultPlatform().RequiredSubmissions)
}

// MaximumTolerance returns the permitted response deviation in basis points.
func (s *Store) MaximumTolerance() (uint64, error) {
	return s.getUint(NameMaximumTolerance, DefaultPlatform().MaximumToleranceBps)
}

// ResponseExpiryLength returns the freshness window for term responses in
// seconds.
func (s *Store) ResponseExpiryLength() (int64, error) {
	v, err := s.getUint(NameResponseExpiryLength, uint64(DefaultPlatform().ResponseExpirySeconds))
	return int64(v), err
}

// SafetyInterval returns the minimum delay between a collateral deposit and a
// loan draw, in seconds.
func (s *Store) SafetyInterval() (int64, error) {
	v, err := s.getUint(NameSafetyInterval, uint64(DefaultPlatform().SafetyIntervalSeconds))
	return int64(v), err
}

// TermsExpiryTime returns how long agreed terms stay valid before the first
// draw, in seconds.
func (s *Store) TermsExpiryTime() (int64, error) {
	v, err := s.getUint(NameTermsExpiryTime, uint64(DefaultPlatform().TermsExpirySeconds))
	return int64(v), err
}

// LiquidateEthPrice returns the collateral pricing applied during liquidation,
// in basis points of face value.
func (s *Store) LiquidateEthPrice() (uint64, error) {
	return s.getUint(NameLiquidateEthPrice, DefaultPlatform().LiquidateEthPriceBps)
}

// MaximumLoanDuration returns the longest permitted loan duration in seconds.
func (s *Store) MaximumLoanDuration() (int64, error) {
	v, err := s.getUint(NameMaximumLoanDuration, uint64(DefaultPlatform().MaxLoanDurationSeconds))
	return int64(v), err
}

// RequestLoanTermsRateLimit returns the per-signer submission window in
// seconds.
func (s *Store) RequestLoanTermsRateLimit() (int64, error) {
	v, err := s.getUint(NameRequestLoanTermsRateLimit, uint64(DefaultPlatform().TermsRateLimitSeconds))
	return int64(v), err
}

// CollateralBuffer returns the haircut applied to non-base-currency collateral
// in basis points.
func (s *Store) CollateralBuffer() (uint64, error) {
	return s.getUint(NameCollateralBuffer, DefaultPlatform().CollateralBufferBps)
}

func assetKey(token string) string {
	return "asset/" + strings.ToUpper(strings.TrimSpace(token))
}

// CreateAssetSetting registers the lending limits for a token. Registering the
// same token twice fails with ErrAssetExists.
func (s *Store) CreateAssetSetting(token string, setting AssetSetting) error {
	state, err := s.withState()
	if err != nil {
		return err
	}
	trimmed := strings.ToUpper(strings.TrimSpace(token))
	if trimmed == "" {
		return fmt.Errorf("settings: token symbol required")
	}
	if setting.MaxLoanAmount == nil || setting.MaxLoanAmount.Sign() <= 0 {
		return fmt.Errorf("settings: max loan amount must be positive")
	}
	if _, ok, err := state.ParamGet(assetKey(trimmed)); err != nil {
		return err
	} else if ok {
		return ErrAssetExists
	}
	encoded, err := json.Marshal(setting)
	if err != nil {
		return fmt.Errorf("settings: encode asset %s: %w", trimmed, err)
	}
	return state.ParamSet(assetKey(trimmed), encoded)
}

// AssetSetting loads the lending limits for a token, failing with
// ErrAssetNotFound when the token has never been registered.
func (s *Store) AssetSetting(token string) (AssetSetting, error) {
	state, err := s.withState()
	if err != nil {
		return AssetSetting{}, err
	}
	raw, ok, err := state.ParamGet(assetKey(token))
	if err != nil {
		return AssetSetting{}, err
	}
	if !ok || len(bytes.TrimSpace(raw)) == 0 {
		return AssetSetting{}, ErrAssetNotFound
	}
	var setting AssetSetting
	if err := json.Unmarshal(raw, &setting); err != nil {
		return AssetSetting{}, fmt.Errorf("settings: decode asset %s: %w", token, err)
	}
	if setting.MaxLoanAmount == nil {
		setting.MaxLoanAmount = big.NewInt(0)
	}
	return setting, nil
}

// MemoryState is an in-memory StoreState used by tests and single-process
// deployments that do not persist parameters.
type MemoryState struct {
	mu     sync.RWMutex
	params map[string][]byte
}

// NewMemoryState constructs an empty in-memory parameter store.
func NewMemoryState() *MemoryState {
	return &MemoryState{params: make(map[string][]byte)}
}

// ParamSet implements StoreState.
func (m *MemoryState) ParamSet(name string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.params == nil {
		m.params = make(map[string][]byte)
	}
	m.params[name] = append([]byte(nil), value...)
	return nil
}

// ParamGet implements StoreState.
func (m *MemoryState) ParamGet(name string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	raw, ok := m.params[name]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), raw...), true, nil
}
