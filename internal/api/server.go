// Package api implements the Proxy Front Door (spec §4.9): the gin HTTP
// surface that wires C1/C2/C5 through C8 together for the two request
// families of spec §6 — dialect-A chat completions and account/settings
// management.
//
// Grounded on the teacher's internal/api/modules pattern (a Context struct
// carrying the shared dependencies into route registration) and
// sdk/api/handlers' receiver-per-handler style, generalized from the
// teacher's multi-dialect handler set down to the single dialect-A surface
// this spec names.
package api

import (
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/antigravity-bridge/proxy/internal/accounts"
	"github.com/antigravity-bridge/proxy/internal/config"
	"github.com/antigravity-bridge/proxy/internal/credstore"
	"github.com/antigravity-bridge/proxy/internal/dispatch"
	"github.com/antigravity-bridge/proxy/internal/sigcache"
	"github.com/antigravity-bridge/proxy/internal/transform"
)

// Deps bundles every component the front door orchestrates. ConfigPath, if
// non-empty, is where PUT /v1/settings persists the updated Config.
type Deps struct {
	Config     *config.Config
	ConfigPath string
	DataDir    string

	Pool       *accounts.Pool
	Cred       *credstore.Store
	SigStore   *sigcache.Store
	Dispatcher *dispatch.Dispatcher
	Poller     *accounts.Poller
	Router     transform.ModelRouter

	// Onboarders maps a provider name (provider.ProviderInfo.Name or the
	// Account.Provider field) to the OAuth client used both to exchange an
	// authorization code on POST /v1/accounts and to refresh an expired
	// access token before dispatch.
	Onboarders map[string]*accounts.Onboarder
}

// Server owns the gin engine and the Deps it was built from.
type Server struct {
	engine *gin.Engine
	deps   Deps
}

// New builds a Server and registers every route in spec §6.
func New(deps Deps) *Server {
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())

	s := &Server{engine: engine, deps: deps}
	s.registerRoutes()
	return s
}

// Engine exposes the underlying gin.Engine, e.g. for http.Server.Handler.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerRoutes() {
	v1 := s.engine.Group("/v1")
	v1.POST("/messages", s.handleMessages)
	v1.GET("/accounts", s.handleListAccounts)
	v1.POST("/accounts", s.handleAddAccount)
	v1.DELETE("/accounts/:id", s.handleDeleteAccount)
	v1.POST("/accounts/:id/switch", s.handleSwitchAccount)
	v1.POST("/accounts/:id/refresh", s.handleRefreshAccount)
	v1.POST("/accounts/sync-local", s.handleSyncLocalAccount)
	v1.GET("/settings", s.handleGetSettings)
	v1.PUT("/settings", s.handlePutSettings)
}

// requestLogger mirrors the teacher's structured-logging middleware
// (internal/api/middleware.RequestLoggingMiddleware) without its full
// body-capture machinery: one logrus line per request, method/path/status/
// latency, which is all the front door needs since C8 and C9 already log
// their own failure detail.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()

		log.WithFields(log.Fields{
			"method":   c.Request.Method,
			"path":     path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
		}).Info("request handled")
	}
}

