package handlers

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"poly2api-go/internal/credential"
	"poly2api-go/internal/upstream"
)

// staticModels is the fallback table when a provider has no live credential
// to ask or the listing call fails.
var staticModels = map[credential.Provider][]string{
	credential.ProviderKiro: {
		"claude-sonnet-4-5",
		"claude-haiku-4-5",
		"amazonq-claude-sonnet-4-5",
	},
	credential.ProviderGemini: {
		"gemini-3-pro-preview",
		"gemini-3-flash",
		"gemini-2.5-pro",
		"gemini-2.5-flash",
	},
	credential.ProviderAnthropic: {
		"claude-opus-4-1",
		"claude-sonnet-4-5",
		"claude-haiku-4-5",
	},
}

const modelCacheTTL = 10 * time.Minute

// modelCatalog merges each provider's model list, preferring a live listing
// over the static table and caching the merge.
type modelCatalog struct {
	dispatchers map[credential.Provider]upstream.Dispatcher
	store       credential.Store

	mu      sync.Mutex
	cached  []modelEntry
	expires time.Time
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

func newModelCatalog(dispatchers map[credential.Provider]upstream.Dispatcher, store credential.Store) *modelCatalog {
	return &modelCatalog{dispatchers: dispatchers, store: store}
}

func (m *modelCatalog) list(ctx context.Context) []modelEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if time.Now().Before(m.expires) {
		return m.cached
	}

	seen := make(map[string]bool)
	var out []modelEntry
	add := func(provider credential.Provider, ids []string) {
		for _, id := range ids {
			if seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, modelEntry{ID: id, Object: "model", OwnedBy: string(provider)})
		}
	}

	for provider, ids := range staticModels {
		if live := m.liveModels(ctx, provider); len(live) > 0 {
			add(provider, live)
			continue
		}
		add(provider, ids)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	m.cached = out
	m.expires = time.Now().Add(modelCacheTTL)
	return out
}

func (m *modelCatalog) liveModels(ctx context.Context, provider credential.Provider) []string {
	dispatcher, ok := m.dispatchers[provider]
	if !ok || m.store == nil {
		return nil
	}
	pool, err := m.store.ListPool(ctx, provider)
	if err != nil || len(pool) == 0 {
		return nil
	}
	lctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	ids, err := dispatcher.Models(lctx, pool[0])
	if err != nil {
		log.WithError(err).Debugf("live model listing for %s failed, using static table", provider)
		return nil
	}
	return ids
}

// Models serves GET /v1/models.
func (h *Handlers) Models(c *gin.Context) {
	entries := h.models.list(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data":   entries,
	})
}
