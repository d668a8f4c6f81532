package config

import (
	"hash/fnv"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// FeatureFlags manages feature toggles with gradual rollout.
// A wallet is assigned to a rollout bucket by hashing its address, so it
// stays in or out of a partial rollout across restarts.
type FeatureFlags struct {
	mu sync.RWMutex

	features map[string]*Feature

	// Override rules (for testing/debugging)
	walletOverrides map[string]map[string]bool // wallet -> feature -> enabled

	now func() time.Time
}

// Feature represents a single feature flag.
type Feature struct {
	Name        string
	Description string
	Enabled     bool

	// Rollout percentage (0-100)
	RolloutPercent int

	// Time-based activation
	EnabledFrom  *time.Time
	EnabledUntil *time.Time
}

// FeatureContext provides context for feature flag evaluation.
type FeatureContext struct {
	Wallet  string // base58 wallet address, empty when anonymous
	IsAdmin bool
}

// ForWallet returns a context for a wallet address.
func ForWallet(wallet string) *FeatureContext {
	return &FeatureContext{Wallet: wallet}
}

// Predefined feature flag names.
const (
	// Reject advances that do not raise the level.
	FeatureStrictMonotonic = "progress.strict_monotonic"

	// Mint a badge when a lesson completion is claimed.
	FeatureBadgeMinting = "badges.minting"

	// Answer tutor chat requests.
	FeatureTutorChat = "tutor.chat"

	// Require a signed-in wallet to read lesson content.
	FeatureWalletGate = "content.wallet_gate"
)

// LoadFeatureFlags builds the registry with defaults and applies overrides
// resolved through lookup (FEATURE_<NAME> keys). A nil lookup reads the
// environment.
func LoadFeatureFlags(lookup func(string) string) *FeatureFlags {
	if lookup == nil {
		lookup = os.Getenv
	}
	ff := NewFeatureFlags()
	ff.loadOverrides(lookup)
	return ff
}

// NewFeatureFlags returns the registry with default values only.
func NewFeatureFlags() *FeatureFlags {
	ff := &FeatureFlags{
		features:        make(map[string]*Feature),
		walletOverrides: make(map[string]map[string]bool),
		now:             time.Now,
	}
	ff.initializeDefaults()
	return ff
}

// initializeDefaults sets up all features with default values.
func (ff *FeatureFlags) initializeDefaults() {
	ff.features[FeatureStrictMonotonic] = &Feature{
		Name:           FeatureStrictMonotonic,
		Description:    "Reject progress updates that do not increase the level",
		Enabled:        true,
		RolloutPercent: 100,
	}

	ff.features[FeatureBadgeMinting] = &Feature{
		Name:           FeatureBadgeMinting,
		Description:    "Mint lesson badges on completion",
		Enabled:        true,
		RolloutPercent: 100,
	}

	ff.features[FeatureTutorChat] = &Feature{
		Name:           FeatureTutorChat,
		Description:    "AI tutor chat",
		Enabled:        true,
		RolloutPercent: 100,
	}

	ff.features[FeatureWalletGate] = &Feature{
		Name:           FeatureWalletGate,
		Description:    "Lesson content requires a signed-in wallet",
		Enabled:        true,
		RolloutPercent: 100,
	}
}

// loadOverrides applies FEATURE_* values.
// Example: FEATURE_TUTOR_CHAT=false
// Example: FEATURE_BADGES_MINTING=25 (25% of wallets)
func (ff *FeatureFlags) loadOverrides(lookup func(string) string) {
	for name, feature := range ff.features {
		val := lookup(featureNameToEnvKey(name))
		if val == "" {
			continue
		}
		if b, err := strconv.ParseBool(val); err == nil {
			feature.Enabled = b
			if b {
				feature.RolloutPercent = 100
			} else {
				feature.RolloutPercent = 0
			}
			continue
		}
		if p, err := strconv.Atoi(val); err == nil && p >= 0 && p <= 100 {
			feature.Enabled = p > 0
			feature.RolloutPercent = p
		}
	}
}

// featureNameToEnvKey converts feature name to environment variable key.
// "content.wallet_gate" -> "FEATURE_CONTENT_WALLET_GATE"
func featureNameToEnvKey(name string) string {
	key := strings.ToUpper(name)
	key = strings.ReplaceAll(key, ".", "_")
	return "FEATURE_" + key
}

// IsEnabled checks if a feature is enabled for the given context.
func (ff *FeatureFlags) IsEnabled(featureName string, ctx *FeatureContext) bool {
	ff.mu.RLock()
	defer ff.mu.RUnlock()

	if ctx != nil && ctx.Wallet != "" {
		if overrides, ok := ff.walletOverrides[ctx.Wallet]; ok {
			if enabled, ok := overrides[featureName]; ok {
				return enabled
			}
		}
	}

	feature, ok := ff.features[featureName]
	if !ok {
		return false
	}

	if ctx != nil && ctx.IsAdmin {
		return true
	}

	if !feature.Enabled {
		return false
	}

	now := ff.now()
	if feature.EnabledFrom != nil && now.Before(*feature.EnabledFrom) {
		return false
	}
	if feature.EnabledUntil != nil && now.After(*feature.EnabledUntil) {
		return false
	}

	// Partial rollouts need a wallet to bucket; anonymous callers are out.
	if feature.RolloutPercent < 100 {
		if ctx == nil || ctx.Wallet == "" {
			return false
		}
		return isInRollout(ctx.Wallet, featureName, feature.RolloutPercent)
	}
	return true
}

// isInRollout determines if a wallet is in the rollout percentage.
func isInRollout(wallet, featureName string, percent int) bool {
	h := fnv.New32a()
	h.Write([]byte(featureName))
	h.Write([]byte(wallet))
	return int(h.Sum32()%100) < percent
}

// SetWalletOverride sets a feature override for a specific wallet.
func (ff *FeatureFlags) SetWalletOverride(wallet, featureName string, enabled bool) {
	ff.mu.Lock()
	defer ff.mu.Unlock()

	if _, ok := ff.walletOverrides[wallet]; !ok {
		ff.walletOverrides[wallet] = make(map[string]bool)
	}
	ff.walletOverrides[wallet][featureName] = enabled
}

// ClearWalletOverrides removes all overrides for a wallet.
func (ff *FeatureFlags) ClearWalletOverrides(wallet string) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	delete(ff.walletOverrides, wallet)
}

// SetRolloutPercent updates the rollout percentage for a feature.
func (ff *FeatureFlags) SetRolloutPercent(featureName string, percent int) error {
	ff.mu.Lock()
	defer ff.mu.Unlock()

	feature, ok := ff.features[featureName]
	if !ok {
		return ErrFeatureNotFound
	}
	if percent < 0 || percent > 100 {
		return ErrInvalidRolloutPercent
	}

	feature.RolloutPercent = percent
	feature.Enabled = percent > 0
	return nil
}

// SetWindow restricts a feature to [from, until]; nil bounds are open.
func (ff *FeatureFlags) SetWindow(featureName string, from, until *time.Time) error {
	ff.mu.Lock()
	defer ff.mu.Unlock()

	feature, ok := ff.features[featureName]
	if !ok {
		return ErrFeatureNotFound
	}
	feature.EnabledFrom = from
	feature.EnabledUntil = until
	return nil
}

// EnableFeature enables a feature at 100% rollout.
func (ff *FeatureFlags) EnableFeature(featureName string) error {
	return ff.SetRolloutPercent(featureName, 100)
}

// DisableFeature disables a feature completely.
func (ff *FeatureFlags) DisableFeature(featureName string) error {
	return ff.SetRolloutPercent(featureName, 0)
}

// GetAllFeatures returns copies of all features sorted by name.
func (ff *FeatureFlags) GetAllFeatures() []Feature {
	ff.mu.RLock()
	defer ff.mu.RUnlock()

	result := make([]Feature, 0, len(ff.features))
	for _, f := range ff.features {
		result = append(result, *f)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// --- Convenience methods for common checks ---

// StrictMonotonic reports whether advances must raise the level. It is a
// node-wide setting, so rollout buckets do not apply.
func (ff *FeatureFlags) StrictMonotonic() bool {
	return ff.IsEnabled(FeatureStrictMonotonic, nil)
}

// MintingEnabled reports whether badges are minted for wallet.
func (ff *FeatureFlags) MintingEnabled(wallet string) bool {
	return ff.IsEnabled(FeatureBadgeMinting, ForWallet(wallet))
}

// ChatEnabled reports whether wallet may use the tutor chat.
func (ff *FeatureFlags) ChatEnabled(wallet string) bool {
	return ff.IsEnabled(FeatureTutorChat, ForWallet(wallet))
}

// WalletGate reports whether lesson content requires a wallet.
func (ff *FeatureFlags) WalletGate() bool {
	return ff.IsEnabled(FeatureWalletGate, nil)
}

// --- Errors ---

var (
	ErrFeatureNotFound       = &FeatureFlagError{Message: "feature not found"}
	ErrInvalidRolloutPercent = &FeatureFlagError{Message: "rollout percent must be 0-100"}
)

// FeatureFlagError represents a feature flag error.
type FeatureFlagError struct {
	Message string
}

func (e *FeatureFlagError) Error() string {
	return e.Message
}
