package http

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/SaleFeed/internal/adapters/feed"
	"github.com/dkeye/SaleFeed/internal/config"
	"github.com/dkeye/SaleFeed/internal/core"
	"github.com/dkeye/SaleFeed/internal/domain"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type salesHandler struct {
	ctx      context.Context
	cfg      *config.Config
	registry Registry
	auth     core.Authorizer
	limiter  *ConnectLimiter
	clock    clockwork.Clock
	opts     []feed.Option
}

func newSalesHandler(ctx context.Context, cfg *config.Config, deps Deps, limiter *ConnectLimiter) *salesHandler {
	opts := []feed.Option{
		feed.WithHeartbeat(cfg.HeartbeatInterval, cfg.ClientTimeout),
		feed.WithConnectTimeout(cfg.ConnectTimeout),
		feed.WithSendBuffer(cfg.SendBuffer),
	}
	if deps.Metrics != nil {
		opts = append(opts, feed.WithTimeoutCounter(deps.Metrics.HeartbeatTimeouts))
	}
	return &salesHandler{
		ctx:      ctx,
		cfg:      cfg,
		registry: deps.Registry,
		auth:     deps.Authorizer,
		limiter:  limiter,
		clock:    deps.Clock,
		opts:     opts,
	}
}

func (h *salesHandler) logger(c *gin.Context) *zerolog.Logger {
	l := log.With().
		Str("module", "adapters.http").
		Str("request_id", c.GetString(requestIDKey)).
		Str("game", c.Param("id")).
		Logger()
	return &l
}

// authorize answers the request itself unless the caller may act on the game.
func (h *salesHandler) authorize(c *gin.Context, limit bool) (domain.GameID, domain.UserID, bool) {
	game, err := domain.ParseGameID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid game id"})
		return 0, 0, false
	}
	uid, ok := currentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not logged in"})
		return 0, 0, false
	}
	if limit && !h.limiter.Allow(uid) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connection attempts"})
		return 0, 0, false
	}
	allowed, err := h.auth.IsParticipant(c.Request.Context(), game, uid)
	if err != nil {
		h.logger(c).Error().Err(err).Int64("user", int64(uid)).Msg("participant check failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "authorization unavailable"})
		return 0, 0, false
	}
	if !allowed {
		h.logger(c).Warn().Int64("user", int64(uid)).Msg("not a participant")
		c.JSON(http.StatusForbidden, gin.H{"error": "not a participant of this game"})
		return 0, 0, false
	}
	return game, uid, true
}

// subscribe upgrades an authorized request and hands the socket to a new session.
func (h *salesHandler) subscribe(c *gin.Context) {
	game, uid, ok := h.authorize(c, true)
	if !ok {
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader has already written the error response.
		h.logger(c).Warn().Err(err).Msg("upgrade failed")
		return
	}
	conn := feed.NewWSConn(ws, h.cfg.ReadLimit, h.cfg.WriteWait)
	sess := feed.NewSession(game, conn, h.registry, h.opts...)
	h.logger(c).Info().Int64("user", int64(uid)).Msg("feed connected")

	go func() {
		// Run logs its own failures.
		_ = sess.Run(h.ctx)
	}()
}

type publishSaleRequest struct {
	Item     string        `json:"item" binding:"required"`
	Quantity int64         `json:"quantity" binding:"gte=0"`
	Price    int64         `json:"price" binding:"gte=0"`
	BuyerID  domain.UserID `json:"buyer_id" binding:"gte=0"`
}

func (h *salesHandler) publish(c *gin.Context) {
	game, uid, ok := h.authorize(c, false)
	if !ok {
		return
	}
	var req publishSaleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sale := domain.NewSale(game, req.Item, h.clock.Now().UTC())
	sale.Quantity = req.Quantity
	sale.Price = req.Price
	sale.SellerID = uid
	sale.BuyerID = req.BuyerID
	h.registry.Broadcast(game, sale)

	c.JSON(http.StatusAccepted, gin.H{"sale": sale})
}

func (h *salesHandler) rooms(c *gin.Context) {
	rooms, err := h.registry.Rooms(c.Request.Context())
	if err != nil {
		log.Error().Str("module", "adapters.http").Err(err).Msg("rooms snapshot")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "registry unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}
