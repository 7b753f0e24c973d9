package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML file at path (when present) over the defaults, then
// applies environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// defaults + env only
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv maps POLY2API_* variables onto the snapshot. Only operationally
// relevant knobs are exposed; everything else stays file-driven.
func applyEnv(cfg *Config) {
	if v := os.Getenv("POLY2API_LISTEN"); v != "" {
		cfg.Server.Listen = v
	}
	if v := os.Getenv("POLY2API_DEFAULT_PROVIDER"); v != "" {
		cfg.Server.DefaultProvider = v
	}
	if v := os.Getenv("POLY2API_STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := os.Getenv("POLY2API_POSTGRES_DSN"); v != "" {
		cfg.Storage.PostgresDSN = v
	}
	if v := os.Getenv("POLY2API_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("POLY2API_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("POLY2API_SELECTION_STRATEGY"); v != "" {
		cfg.Selection.Strategy = v
	}
	if v := os.Getenv("POLY2API_ANTHROPIC_BASE_URL"); v != "" {
		cfg.Upstream.AnthropicBaseURL = v
	}
	if v := os.Getenv("POLY2API_PROXY_URL"); v != "" {
		cfg.Upstream.ProxyURL = v
	}
	if v, ok := envBool("POLY2API_DEBUG"); ok {
		cfg.Security.Debug = v
	}
	if v, ok := envBool("POLY2API_DISABLE_CREDENTIAL_LOCK"); ok {
		cfg.Pool.DisableCredentialLock = v
	}
	if v, ok := envInt("POLY2API_RATE_LIMIT_RPS"); ok {
		cfg.Server.RateLimitRPS = v
	}
}

func envBool(key string) (bool, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}

func envInt(key string) (int, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}
