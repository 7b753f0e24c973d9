package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"poly2api-go/internal/apikey"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func perform(r *gin.Engine, method, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRequestIDGeneratedAndEchoed(t *testing.T) {
	r := gin.New()
	r.Use(RequestID())
	r.GET("/", func(c *gin.Context) { c.Status(200) })

	w := perform(r, http.MethodGet, "/", nil)
	require.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = perform(r, http.MethodGet, "/", map[string]string{"X-Request-ID": "fixed-id"})
	require.Equal(t, "fixed-id", w.Header().Get("X-Request-ID"))
}

func TestRecoveryTurnsPanicInto500(t *testing.T) {
	r := gin.New()
	r.Use(Recovery())
	r.GET("/boom", func(c *gin.Context) { panic("boom") })

	w := perform(r, http.MethodGet, "/boom", nil)
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.Contains(t, w.Body.String(), "internal_error")
}

func TestCORSPreflight(t *testing.T) {
	r := gin.New()
	r.Use(CORS())
	r.POST("/v1/messages", func(c *gin.Context) { c.Status(200) })

	w := perform(r, http.MethodOptions, "/v1/messages", nil)
	require.Equal(t, 204, w.Code)
	require.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimiterRejectsBurstOverflow(t *testing.T) {
	r := gin.New()
	r.Use(RateLimiter(1, 2))
	r.GET("/", func(c *gin.Context) { c.Status(200) })

	codes := make(map[int]int)
	for i := 0; i < 5; i++ {
		w := perform(r, http.MethodGet, "/", nil)
		codes[w.Code]++
	}
	require.NotZero(t, codes[http.StatusOK])
	require.NotZero(t, codes[http.StatusTooManyRequests])
}

func TestRateLimiterDisabled(t *testing.T) {
	r := gin.New()
	r.Use(RateLimiter(0, 0))
	r.GET("/", func(c *gin.Context) { c.Status(200) })

	for i := 0; i < 20; i++ {
		require.Equal(t, 200, perform(r, http.MethodGet, "/", nil).Code)
	}
}

type oneKeyStore struct{ key *apikey.APIKey }

func (s *oneKeyStore) GetByHash(_ context.Context, hash string) (*apikey.APIKey, error) {
	if s.key != nil && s.key.KeyHash == hash {
		return s.key.Clone(), nil
	}
	return nil, apikey.ErrNotFound
}
func (s *oneKeyStore) Create(_ context.Context, k *apikey.APIKey) (int64, error) { return 0, nil }
func (s *oneKeyStore) List(_ context.Context) ([]*apikey.APIKey, error)          { return nil, nil }
func (s *oneKeyStore) SetActive(_ context.Context, id int64, active bool) error  { return nil }
func (s *oneKeyStore) Delete(_ context.Context, id int64) error                  { return nil }

func TestAuthAcceptsBearerAndXAPIKey(t *testing.T) {
	raw := "pk-test-123"
	store := &oneKeyStore{key: &apikey.APIKey{ID: 7, KeyHash: apikey.HashKey(raw), IsActive: true}}
	r := gin.New()
	r.Use(Auth(apikey.NewAuthenticator(store), "claude"))
	r.GET("/", func(c *gin.Context) {
		key := KeyFromContext(c)
		require.NotNil(t, key)
		c.JSON(200, gin.H{"id": key.ID})
	})

	w := perform(r, http.MethodGet, "/", map[string]string{"Authorization": "Bearer " + raw})
	require.Equal(t, 200, w.Code)

	w = perform(r, http.MethodGet, "/", map[string]string{"x-api-key": raw})
	require.Equal(t, 200, w.Code)
}

func TestAuthRejectsUnknownKeyWithDialectEnvelope(t *testing.T) {
	r := gin.New()
	r.Use(Auth(apikey.NewAuthenticator(&oneKeyStore{}), "claude"))
	r.GET("/", func(c *gin.Context) { c.Status(200) })

	w := perform(r, http.MethodGet, "/", map[string]string{"x-api-key": "nope"})
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Contains(t, w.Body.String(), "authentication_error")
}
