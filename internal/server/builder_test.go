package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"poly2api-go/internal/apikey"
	"poly2api-go/internal/config"
	"poly2api-go/internal/credential"
	"poly2api-go/internal/handlers"
	"poly2api-go/internal/usage"
)

type emptyKeyStore struct{}

func (emptyKeyStore) GetByHash(_ context.Context, _ string) (*apikey.APIKey, error) {
	return nil, apikey.ErrNotFound
}
func (emptyKeyStore) Create(_ context.Context, _ *apikey.APIKey) (int64, error) { return 0, nil }
func (emptyKeyStore) List(_ context.Context) ([]*apikey.APIKey, error)          { return nil, nil }
func (emptyKeyStore) SetActive(_ context.Context, _ int64, _ bool) error        { return nil }
func (emptyKeyStore) Delete(_ context.Context, _ int64) error                   { return nil }

type nullLogs struct{}

func (nullLogs) Insert(_ context.Context, _ *usage.RequestLog) (int64, error)   { return 1, nil }
func (nullLogs) Complete(_ context.Context, _ int64, _ *usage.Completion) error { return nil }
func (nullLogs) WindowStats(_ context.Context, _ int64, _ time.Time) (usage.Stats, error) {
	return usage.Stats{}, nil
}
func (nullLogs) TotalStats(_ context.Context, _ int64) (usage.Stats, error) {
	return usage.Stats{}, nil
}
func (nullLogs) Purge(_ context.Context, _ time.Time) (int64, error) { return 0, nil }

func testEngine(cfg *config.Config) http.Handler {
	h := handlers.New(handlers.Options{
		Meter:  usage.NewMeter(nullLogs{}, usage.NewPricing(nil, "", nil)),
		Guard:  credential.NewConcurrencyGuard(),
		Window: credential.NewSlidingWindow(time.Minute),
	})
	return BuildEngine(cfg, h, apikey.NewAuthenticator(emptyKeyStore{}))
}

func TestEngineServesOperationalRoutes(t *testing.T) {
	cfg := &config.Config{}
	cfg.Security.Debug = true
	engine := testEngine(cfg)

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
}

func TestInferenceRoutesRequireAuth(t *testing.T) {
	cfg := &config.Config{}
	cfg.Security.Debug = true
	engine := testEngine(cfg)

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/messages", nil))
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPprofToggle(t *testing.T) {
	cfg := &config.Config{}
	cfg.Security.Debug = true
	engine := testEngine(cfg)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	require.Equal(t, http.StatusNotFound, w.Code)

	cfg.Server.PprofEnabled = true
	engine = testEngine(cfg)
	w = httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	require.Equal(t, http.StatusOK, w.Code)
}
