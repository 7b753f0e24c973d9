package server

import (
	pp "net/http/pprof"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"poly2api-go/internal/apikey"
	"poly2api-go/internal/config"
	apperrors "poly2api-go/internal/errors"
	"poly2api-go/internal/handlers"
	mw "poly2api-go/internal/middleware"
)

// BuildEngine assembles the gin engine: middleware chain, authenticated
// inference routes, and the operational endpoints.
func BuildEngine(cfg *config.Config, h *handlers.Handlers, auth *apikey.Authenticator) *gin.Engine {
	if !cfg.Security.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(
		mw.RequestID(),
		mw.Recovery(),
		mw.RequestLogger(),
		mw.Metrics(),
		mw.CORS(),
		mw.RateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst),
	)

	r.POST("/v1/messages", mw.Auth(auth, apperrors.DialectClaude), h.ClaudeMessages)
	r.POST("/v1/chat/completions", mw.Auth(auth, apperrors.DialectOpenAI), h.ChatCompletions)
	r.POST("/gemini-antigravity/v1/messages", mw.Auth(auth, apperrors.DialectClaude), h.AntigravityMessages)
	r.GET("/v1/models", mw.Auth(auth, apperrors.DialectOpenAI), h.Models)

	r.GET("/health", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if cfg.Server.PprofEnabled {
		registerPprof(r)
	}
	return r
}

func registerPprof(r *gin.Engine) {
	g := r.Group("/debug/pprof")
	g.GET("/", gin.WrapF(pp.Index))
	g.GET("/cmdline", gin.WrapF(pp.Cmdline))
	g.GET("/profile", gin.WrapF(pp.Profile))
	g.GET("/symbol", gin.WrapF(pp.Symbol))
	g.GET("/trace", gin.WrapF(pp.Trace))
	g.GET("/allocs", gin.WrapF(pp.Handler("allocs").ServeHTTP))
	g.GET("/goroutine", gin.WrapF(pp.Handler("goroutine").ServeHTTP))
	g.GET("/heap", gin.WrapF(pp.Handler("heap").ServeHTTP))
	g.GET("/mutex", gin.WrapF(pp.Handler("mutex").ServeHTTP))
}
