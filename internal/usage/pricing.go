package usage

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"poly2api-go/internal/translator"
)

// Price is USD per million tokens.
type Price struct {
	InputPerM  float64 `json:"input"`
	OutputPerM float64 `json:"output"`
}

// ErrNoPrice is returned by PriceStore when no override row exists.
var ErrNoPrice = errors.New("no price override")

// PriceStore reads per-model price overrides from the database.
type PriceStore interface {
	GetPrice(ctx context.Context, model string) (*Price, error)
}

// staticPrices is the last cascade level. Keys are matched by prefix after
// exact lookup fails.
var staticPrices = map[string]Price{
	"claude-opus":    {InputPerM: 15, OutputPerM: 75},
	"claude-sonnet":  {InputPerM: 3, OutputPerM: 15},
	"claude-haiku":   {InputPerM: 0.8, OutputPerM: 4},
	"gemini-3-pro":   {InputPerM: 2, OutputPerM: 12},
	"gemini-3-flash": {InputPerM: 0.3, OutputPerM: 2.5},
	"gpt-5":          {InputPerM: 1.25, OutputPerM: 10},
}

// defaultPrice covers models missing from every cascade level.
var defaultPrice = Price{InputPerM: 3, OutputPerM: 15}

// Pricing resolves model prices through a three-level cascade: DB override,
// remote-sync cache, static defaults. Cache token multipliers apply on top.
type Pricing struct {
	store     PriceStore // nil disables the first level
	remoteURL string
	http      *http.Client

	CacheWriteMul float64
	CacheReadMul  float64

	mu     sync.RWMutex
	remote map[string]Price
}

// NewPricing wires the cascade. httpClient is used only for remote sync.
func NewPricing(store PriceStore, remoteURL string, httpClient *http.Client) *Pricing {
	return &Pricing{
		store:         store,
		remoteURL:     remoteURL,
		http:          httpClient,
		CacheWriteMul: 1.25,
		CacheReadMul:  0.1,
		remote:        make(map[string]Price),
	}
}

// Resolve returns the effective price for a model.
func (p *Pricing) Resolve(ctx context.Context, model string) Price {
	if p.store != nil {
		if price, err := p.store.GetPrice(ctx, model); err == nil {
			return *price
		} else if !errors.Is(err, ErrNoPrice) {
			log.WithError(err).Warnf("price override lookup for %q failed", model)
		}
	}

	p.mu.RLock()
	price, ok := p.remote[model]
	p.mu.RUnlock()
	if ok {
		return price
	}

	if price, ok := staticPrices[model]; ok {
		return price
	}
	// longest prefix wins so e.g. "gemini-3-pro" never loses to "gemini-3"
	best := ""
	for prefix := range staticPrices {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best != "" {
		return staticPrices[best]
	}
	return defaultPrice
}

// Cost computes the charge for one request.
func (p *Pricing) Cost(price Price, u translator.Usage) float64 {
	cost := float64(u.InputTokens)/1e6*price.InputPerM +
		float64(u.OutputTokens)/1e6*price.OutputPerM
	cost += float64(u.CacheWriteTokens) / 1e6 * price.InputPerM * p.CacheWriteMul
	cost += float64(u.CacheReadTokens) / 1e6 * price.InputPerM * p.CacheReadMul
	return cost
}

// SyncRemote replaces the remote cache from the public price list. The old
// cache survives any failure.
func (p *Pricing) SyncRemote(ctx context.Context) error {
	if p.remoteURL == "" || p.http == nil {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.remoteURL, nil)
	if err != nil {
		return err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.New("price list fetch status " + resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	var fetched map[string]Price
	if err := json.Unmarshal(body, &fetched); err != nil {
		return err
	}
	p.mu.Lock()
	p.remote = fetched
	p.mu.Unlock()
	log.Debugf("price list synced, %d models", len(fetched))
	return nil
}

// Run syncs hourly until ctx is done.
func (p *Pricing) Run(ctx context.Context) {
	if err := p.SyncRemote(ctx); err != nil {
		log.WithError(err).Warn("initial price sync failed")
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.SyncRemote(ctx); err != nil {
				log.WithError(err).Warn("price sync failed")
			}
		}
	}
}
