package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/SaleFeed/internal/app"
	"github.com/dkeye/SaleFeed/internal/config"
	"github.com/dkeye/SaleFeed/internal/core"
)

// Registry is the part of app.Registry the HTTP layer needs.
type Registry interface {
	core.Hub
	Rooms(ctx context.Context) ([]core.RoomInfo, error)
}

type Deps struct {
	Registry   Registry
	Authorizer core.Authorizer
	Metrics    *app.Metrics

	// Gatherer backs /metrics; the route is skipped when nil.
	Gatherer prometheus.Gatherer
	Clock    clockwork.Clock
	Version  string
}

// SetupRouter wires the REST and WebSocket routes. Sessions started by the
// feed endpoint live until ctx is done, not until the request ends.
func SetupRouter(ctx context.Context, cfg *config.Config, deps Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Version == "" {
		deps.Version = "dev"
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(VersionMiddleware(deps.Version))
	r.Use(RequestIDMiddleware())

	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(cookieOptions(cfg))
	r.Use(sessions.Sessions(sessionName, store))

	limiter := NewConnectLimiter(cfg.ConnectRateLimit, cfg.ConnectRateWindow, deps.Clock)
	if cfg.ConnectRateLimit > 0 && cfg.ConnectRateWindow > 0 {
		go sweepLoop(ctx, deps.Clock, limiter, cfg.ConnectRateWindow)
	}

	h := newSalesHandler(ctx, cfg, deps, limiter)

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	if deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api")
	api.GET("/games/:id/sales/ws", h.subscribe)
	api.POST("/games/:id/sales", h.publish)
	api.GET("/rooms", h.rooms)
	if cfg.Mode == "debug" {
		api.POST("/login", login)
		api.POST("/logout", logout)
	}

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}

// cookieOptions overrides the gorilla defaults (Secure, SameSite=None), which
// would keep the identity cookie from ever coming back over plain HTTP.
func cookieOptions(cfg *config.Config) sessions.Options {
	return sessions.Options{
		Path:     "/",
		MaxAge:   sessionMaxAge,
		HttpOnly: true,
		Secure:   cfg.Mode == "release",
		SameSite: http.SameSiteLaxMode,
	}
}

func sweepLoop(ctx context.Context, clock clockwork.Clock, l *ConnectLimiter, every time.Duration) {
	t := clock.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.Chan():
			l.Sweep()
		}
	}
}

type loginRequest struct {
	UserID int64 `json:"user_id" binding:"required,gt=0"`
}

// login binds a user id to the cookie session. Identity proper belongs to
// whatever fronts this service; this route only exists in debug mode.
func login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s := sessions.Default(c)
	s.Set(userIDKey, req.UserID)
	if err := s.Save(); err != nil {
		log.Error().Str("module", "adapters.http").Err(err).Msg("save session")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": req.UserID})
}

func logout(c *gin.Context) {
	s := sessions.Default(c)
	s.Clear()
	_ = s.Save()
	c.Status(http.StatusNoContent)
}
