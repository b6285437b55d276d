package admin

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"munchkin/internal/game"
	"munchkin/internal/metrics"
	"munchkin/internal/microservices/tcp"
)

// RosterReader is the part of the roster the admin API reads.
type RosterReader interface {
	Players() []game.Player
	Player(id int64) (game.Player, bool)
}

type PeerLister interface {
	Peers() []tcp.PeerInfo
}

// Handler serves the read-only admin API.
type Handler struct {
	roster  RosterReader
	peers   PeerLister
	version string
	started time.Time
}

func NewHandler(roster RosterReader, peers PeerLister, version string) *Handler {
	return &Handler{
		roster:  roster,
		peers:   peers,
		version: version,
		started: time.Now(),
	}
}

func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.GET("/healthz", h.Health)

	api := r.Group("/api")
	{
		api.GET("/players", h.ListPlayers)
		api.GET("/players/:id", h.GetPlayer)
		api.GET("/peers", h.ListPeers)
	}
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"uptime":  time.Since(h.started).String(),
		"version": h.version,
	})
}

func (h *Handler) ListPlayers(c *gin.Context) {
	c.JSON(http.StatusOK, h.roster.Players())
}

// GetPlayer handles GET /api/players/:id
func (h *Handler) GetPlayer(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid player id"})
		return
	}
	player, ok := h.roster.Player(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": game.ErrPlayerNotFound.Error()})
		return
	}
	c.JSON(http.StatusOK, player)
}

func (h *Handler) ListPeers(c *gin.Context) {
	peers := h.peers.Peers()
	c.JSON(http.StatusOK, gin.H{
		"count": len(peers),
		"peers": peers,
	})
}

// NewRouter builds the gin engine with the admin routes and /metrics.
func NewRouter(h *Handler, m *metrics.Metrics, logger *slog.Logger) *gin.Engine {
	if logger == nil {
		logger = slog.Default()
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(logger))

	h.RegisterRoutes(r)
	r.GET("/metrics", gin.WrapH(m.Handler()))
	return r
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("admin_request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

// Server wraps the admin router in an http.Server.
type Server struct {
	http   *http.Server
	logger *slog.Logger
}

func NewServer(addr string, router http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		http: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Start serves until Shutdown; a clean shutdown returns nil.
func (s *Server) Start() error {
	s.logger.Info("admin_server_started", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
