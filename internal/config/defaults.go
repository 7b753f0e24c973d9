package config

// Default returns the built-in configuration. File and environment values
// layer on top of it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:          ":8317",
			DefaultProvider: "kiro",
			RateLimitRPS:    20,
			RateLimitBurst:  40,
		},
		Storage: StorageConfig{
			Backend: "memory",
		},
		Redis: RedisConfig{
			Prefix: "poly2api",
		},
		Pool: PoolConfig{
			MaxAttempts:     3,
			QuarantineAfter: 2,
		},
		Refresh: RefreshConfig{
			SweepIntervalMin: 30,
			ThresholdMin:     10,
			TimeoutSec:       30,
		},
		Selection: SelectionConfig{
			Strategy:        "hybrid",
			StickyTTLMin:    30,
			WeightHealth:    2,
			WeightBucket:    5,
			WeightQuota:     3,
			WeightLRU:       0.1,
			QuotaSweepMin:   5,
			QuotaStaleAfter: 5,
		},
		Limits: LimitsConfig{
			UpstreamTimeoutSec:  300,
			AncillaryTimeoutSec: 3,
			LogTTLDays:          30,
		},
		Pricing: PricingConfig{
			SyncHourly:    true,
			CacheWriteMul: 1.25,
			CacheReadMul:  0.1,
		},
		Upstream: UpstreamConfig{
			KiroRefreshURL:   "https://prod.%s.auth.desktop.kiro.dev/refreshToken",
			KiroAPIURL:       "https://codewhisperer.%s.amazonaws.com",
			IDCTokenURL:      "https://oidc.%s.amazonaws.com/token",
			AntigravityURL:   "https://cloudcode-pa.googleapis.com",
			GoogleTokenURL:   "https://oauth2.googleapis.com/token",
			AnthropicBaseURL: "https://api.anthropic.com",
			WarpRefreshURL:   "https://app.warp.dev/proxy/token",
		},
	}
}
