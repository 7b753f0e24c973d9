package main

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"poly2api-go/internal/config"
	"poly2api-go/internal/credential"
	"poly2api-go/internal/storage"
	"poly2api-go/internal/translator"
	"poly2api-go/internal/upstream"
	"poly2api-go/internal/upstream/anthropic"
	"poly2api-go/internal/upstream/antigravity"
	"poly2api-go/internal/upstream/kiro"
	"poly2api-go/internal/usage"
)

const kiroDefaultRegion = "us-east-1"

// runtime bundles the pool components built from one config snapshot.
type runtime struct {
	backend     storage.Backend
	health      *credential.HealthTracker
	quota       *credential.QuotaTracker
	sessions    credential.SessionStore
	memSessions *credential.MemorySessions
	selector    *credential.Selector
	refresher   *credential.Refresher
	locks       *credential.LockManager
	guard       *credential.ConcurrencyGuard
	window      *credential.SlidingWindow
	dispatchers map[credential.Provider]upstream.Dispatcher
	executor    *deadlineExecutor
	poller      *credential.QuotaPoller
	pricing     *usage.Pricing
	meter       *usage.Meter
}

func buildRuntime(mgr *config.Manager, backend storage.Backend) *runtime {
	cfg := mgr.Current()
	httpClient := upstream.NewHTTPClient(cfg.Upstream.ProxyURL)
	creds := backend.Credentials()

	health := credential.NewHealthTracker()
	quota := credential.NewQuotaTracker()
	sessions, memSessions := buildSessions(cfg)
	selector := credential.NewSelector(cfg.Selection.Strategy, selectionWeights(cfg),
		health, quota, sessions)
	refresher := credential.NewRefresher(creds, buildProtocols(cfg, httpClient),
		cfg.RefreshThreshold(), cfg.RefreshTimeout())
	locks := credential.NewLockManager(cfg.Pool.DisableCredentialLock)

	kiroClient := kiro.New(httpClient, cfg.Upstream.KiroAPIURL, kiroDefaultRegion)
	dispatchers := map[credential.Provider]upstream.Dispatcher{
		credential.ProviderKiro: kiroClient,
		credential.ProviderGemini: antigravity.New(httpClient, cfg.Upstream.AntigravityURL,
			creds, upstream.NewSignatureCache(time.Hour)),
		credential.ProviderAnthropic: anthropic.New(httpClient, cfg.Upstream.AnthropicBaseURL),
	}

	executor := upstream.NewExecutor(creds, selector, health, refresher, locks,
		dispatchers, cfg.Pool.MaxAttempts, cfg.Pool.QuarantineAfter)

	pricing := usage.NewPricing(backend.Prices(), cfg.Pricing.RemoteURL,
		&http.Client{Timeout: 30 * time.Second})
	if cfg.Pricing.CacheWriteMul > 0 {
		pricing.CacheWriteMul = cfg.Pricing.CacheWriteMul
	}
	if cfg.Pricing.CacheReadMul > 0 {
		pricing.CacheReadMul = cfg.Pricing.CacheReadMul
	}

	return &runtime{
		backend:     backend,
		health:      health,
		quota:       quota,
		sessions:    sessions,
		memSessions: memSessions,
		selector:    selector,
		refresher:   refresher,
		locks:       locks,
		guard:       credential.NewConcurrencyGuard(),
		window:      credential.NewSlidingWindow(time.Minute),
		dispatchers: dispatchers,
		executor: &deadlineExecutor{
			inner:   executor,
			timeout: func() time.Duration { return mgr.Current().UpstreamTimeout() },
		},
		poller: &credential.QuotaPoller{
			Store:    creds,
			Tracker:  quota,
			Fetchers: map[credential.Provider]credential.QuotaFetcher{credential.ProviderKiro: kiroClient},
			Interval: quotaSweepInterval(cfg),
		},
		pricing: pricing,
		meter:   usage.NewMeter(backend.Logs(), pricing),
	}
}

// buildSessions prefers redis so multiple instances share sticky mappings;
// the in-process store is the fallback. The second return is non-nil only
// for the memory store, whose sweeper the caller must run.
func buildSessions(cfg *config.Config) (credential.SessionStore, *credential.MemorySessions) {
	ttl := cfg.StickyTTL()
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return credential.NewRedisSessions(client, ttl), nil
	}
	mem := credential.NewMemorySessions(ttl)
	return mem, mem
}

func buildProtocols(cfg *config.Config, httpClient *http.Client) map[credential.AuthMethod]credential.RefreshProtocol {
	social := &upstream.SocialProtocol{
		Client:        httpClient,
		RefreshURL:    cfg.Upstream.KiroRefreshURL,
		DefaultRegion: kiroDefaultRegion,
	}
	oidc := &upstream.OIDCProtocol{
		Client:        httpClient,
		TokenURL:      cfg.Upstream.IDCTokenURL,
		DefaultRegion: kiroDefaultRegion,
	}
	google := &upstream.GoogleProtocol{
		Client:   httpClient,
		TokenURL: cfg.Upstream.GoogleTokenURL,
	}
	return map[credential.AuthMethod]credential.RefreshProtocol{
		credential.AuthSocial:      social,
		credential.AuthBuilderID:   oidc,
		credential.AuthIdC:         oidc,
		credential.AuthAntigravity: google,
		credential.AuthWarp: &upstream.WarpProtocol{
			Client:     httpClient,
			RefreshURL: cfg.Upstream.WarpRefreshURL,
		},
	}
}

func selectionWeights(cfg *config.Config) credential.Weights {
	w := credential.Weights{
		Health: cfg.Selection.WeightHealth,
		Bucket: cfg.Selection.WeightBucket,
		Quota:  cfg.Selection.WeightQuota,
		LRU:    cfg.Selection.WeightLRU,
	}
	if w.Health <= 0 && w.Bucket <= 0 && w.Quota <= 0 && w.LRU <= 0 {
		return credential.DefaultWeights()
	}
	return w
}

func quotaSweepInterval(cfg *config.Config) time.Duration {
	if cfg.Selection.QuotaSweepMin > 0 {
		return time.Duration(cfg.Selection.QuotaSweepMin) * time.Minute
	}
	return 5 * time.Minute
}

// deadlineExecutor bounds one upstream exchange, reading the limit from the
// live config snapshot so reloads take effect. For streams the deadline
// covers the whole body, so cancellation is chained onto Stream.Cancel
// instead of firing when Execute returns.
type deadlineExecutor struct {
	inner   executor
	timeout func() time.Duration
}

type executor interface {
	Execute(ctx context.Context, provider credential.Provider, req *translator.Request) (*upstream.Result, error)
}

func (e *deadlineExecutor) Execute(ctx context.Context, provider credential.Provider, req *translator.Request) (*upstream.Result, error) {
	limit := e.timeout()
	if limit <= 0 {
		return e.inner.Execute(ctx, provider, req)
	}
	ctx, cancel := context.WithTimeout(ctx, limit)
	res, err := e.inner.Execute(ctx, provider, req)
	if err != nil || res.Stream == nil {
		cancel()
		return res, err
	}
	prev := res.Stream.Cancel
	res.Stream.Cancel = func() {
		prev()
		cancel()
	}
	return res, nil
}
