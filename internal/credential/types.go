package credential

import (
	"time"
)

// Provider identifies an upstream family.
type Provider string

const (
	ProviderKiro      Provider = "kiro"
	ProviderGemini    Provider = "gemini"
	ProviderOrchids   Provider = "orchids"
	ProviderWarp      Provider = "warp"
	ProviderVertex    Provider = "vertex"
	ProviderBedrock   Provider = "bedrock"
	ProviderAnthropic Provider = "anthropic"
)

// KnownProviders lists the supported provider enum.
var KnownProviders = []Provider{
	ProviderKiro, ProviderGemini, ProviderOrchids, ProviderWarp,
	ProviderVertex, ProviderBedrock, ProviderAnthropic,
}

// AuthMethod selects the refresh protocol for a credential.
type AuthMethod string

const (
	AuthSocial      AuthMethod = "social"
	AuthBuilderID   AuthMethod = "builder-id"
	AuthIdC         AuthMethod = "idc"
	AuthAntigravity AuthMethod = "gemini-antigravity"
	AuthWarp        AuthMethod = "warp"
)

// ModelQuota is the provider-reported remaining fraction for one model.
type ModelQuota struct {
	RemainingFraction float64   `json:"remaining_fraction"`
	ResetTime         time.Time `json:"reset_time"`
}

// Credential is one OAuth identity against an upstream provider. Rows are
// owned by the Store; runtime components mutate only through it.
type Credential struct {
	ID           int64
	Provider     Provider
	AccessToken  string
	RefreshToken string
	// ExpiresAt is nil for tokens that never expire; the sweep skips those.
	ExpiresAt    *time.Time
	ProjectID    string
	Region       string
	AuthMethod   AuthMethod
	ClientID     string
	ClientSecret string

	UseCount   int64
	ErrorCount int
	LastError  string
	LastUsedAt time.Time
	IsActive   bool

	QuotaData map[string]ModelQuota
	UpdatedAt time.Time
}

// Clone returns a deep copy safe to hand outside the store.
func (c *Credential) Clone() *Credential {
	if c == nil {
		return nil
	}
	out := *c
	if c.ExpiresAt != nil {
		t := *c.ExpiresAt
		out.ExpiresAt = &t
	}
	if len(c.QuotaData) > 0 {
		out.QuotaData = make(map[string]ModelQuota, len(c.QuotaData))
		for k, v := range c.QuotaData {
			out.QuotaData[k] = v
		}
	}
	return &out
}

// NeedsRefresh reports whether the token is inside the refresh threshold.
// A nil ExpiresAt never refreshes.
func (c *Credential) NeedsRefresh(now time.Time, threshold time.Duration) bool {
	if c.ExpiresAt == nil {
		return false
	}
	return !c.ExpiresAt.After(now.Add(threshold))
}

// TokenUpdate is the result of a successful refresh.
type TokenUpdate struct {
	AccessToken  string
	RefreshToken string // empty when the provider did not rotate it
	ExpiresAt    *time.Time
	ProjectID    string // discovery side effect, when applicable
}
