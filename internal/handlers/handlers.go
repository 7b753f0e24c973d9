package handlers

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"poly2api-go/internal/apikey"
	"poly2api-go/internal/credential"
	apperrors "poly2api-go/internal/errors"
	"poly2api-go/internal/middleware"
	"poly2api-go/internal/translator"
	"poly2api-go/internal/upstream"
	"poly2api-go/internal/usage"
)

const maxBodyBytes = 10 << 20

// Executor runs the failover loop for one request.
type Executor interface {
	Execute(ctx context.Context, provider credential.Provider, req *translator.Request) (*upstream.Result, error)
}

// Options wires the public-surface handlers.
type Options struct {
	Executor        Executor
	Meter           *usage.Meter
	Guard           *credential.ConcurrencyGuard
	Window          *credential.SlidingWindow
	Quota           *credential.QuotaTracker
	Dispatchers     map[credential.Provider]upstream.Dispatcher
	Store           credential.Store
	DefaultProvider credential.Provider
}

// Handlers serves the inference endpoints. Each handler does key lookup,
// limit pre-checks, provider routing, the failover call, and rendering;
// everything else lives below it.
type Handlers struct {
	exec       Executor
	meter      *usage.Meter
	guard      *credential.ConcurrencyGuard
	window     *credential.SlidingWindow
	quota      *credential.QuotaTracker
	models     *modelCatalog
	defaultPrv credential.Provider
}

// New builds the handler set.
func New(opts Options) *Handlers {
	prv := opts.DefaultProvider
	if prv == "" {
		prv = credential.ProviderKiro
	}
	return &Handlers{
		exec:       opts.Executor,
		meter:      opts.Meter,
		guard:      opts.Guard,
		window:     opts.Window,
		quota:      opts.Quota,
		models:     newModelCatalog(opts.Dispatchers, opts.Store),
		defaultPrv: prv,
	}
}

// resolveProvider routes a request: explicit header wins, then model-name
// prefix, then the configured default.
func (h *Handlers) resolveProvider(c *gin.Context, model string) (credential.Provider, error) {
	if header := strings.TrimSpace(c.GetHeader("Model-Provider")); header != "" {
		p := credential.Provider(strings.ToLower(header))
		for _, known := range credential.KnownProviders {
			if p == known {
				return p, nil
			}
		}
		return "", apperrors.Newf(apperrors.KindBadRequest, "unknown provider %q", header)
	}
	name := strings.ToLower(strings.TrimPrefix(model, "models/"))
	if strings.HasPrefix(name, "gemini") {
		return credential.ProviderGemini, nil
	}
	return h.defaultPrv, nil
}

// admit runs the per-key pre-checks: usage ceilings, rpm window, concurrent
// slots. On success the returned release frees the concurrency slot and must
// run on every exit path.
func (h *Handlers) admit(c *gin.Context, dialect apperrors.Dialect, key *apikey.APIKey) (func(), bool) {
	if key == nil {
		h.renderError(c, dialect, apperrors.New(apperrors.KindAuth, "missing API key"))
		return nil, false
	}

	if err := h.meter.PreCheck(c.Request.Context(), key); err != nil {
		h.renderError(c, dialect, err)
		return nil, false
	}

	if !h.window.Allow(strconv.FormatInt(key.ID, 10), key.RPMLimit) {
		h.renderError(c, dialect, apperrors.Newf(apperrors.KindLimitExceeded,
			"Rate limit per minute reached (%d)", key.RPMLimit))
		return nil, false
	}

	slotKey := fmt.Sprintf("%d:%s", key.ID, c.ClientIP())
	release, ok := h.guard.TryAcquire(slotKey, key.ConcurrencyLimit)
	if !ok {
		h.renderError(c, dialect, apperrors.Newf(apperrors.KindLimitExceeded,
			"Concurrent request limit reached (%d)", key.ConcurrencyLimit))
		return nil, false
	}
	if release == nil {
		release = func() {}
	}
	return release, true
}

func (h *Handlers) renderError(c *gin.Context, dialect apperrors.Dialect, err error) {
	c.Data(apperrors.HTTPStatus(err), "application/json", apperrors.Envelope(dialect, err))
	c.Abort()
}

// warnLowQuota surfaces a low quota estimate without blocking the request.
func (h *Handlers) warnLowQuota(credID int64, model string) {
	if h.quota != nil && h.quota.Low(credID, model) {
		log.Warnf("credential %d is low on quota for model %s", credID, model)
	}
}

func keyFrom(c *gin.Context) *apikey.APIKey {
	return middleware.KeyFromContext(c)
}
