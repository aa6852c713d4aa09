// Package api exposes the HTTP surface: tracking ingest, the pixel
// endpoint, health, and the internal tick trigger.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sitebeacon/beacon/pkg/config"
	"github.com/sitebeacon/beacon/pkg/database"
	"github.com/sitebeacon/beacon/pkg/kv"
	"github.com/sitebeacon/beacon/pkg/ratelimit"
	"github.com/sitebeacon/beacon/pkg/tracking"
)

// Ticker triggers one scheduler pass; the internal endpoint lets platform
// cron drive ticks in deployments without a resident timer.
type Ticker interface {
	Tick(ctx context.Context) error
}

// Server is the HTTP front end.
type Server struct {
	cfg     *config.Config
	ingest  *tracking.Service
	limiter *ratelimit.Limiter
	ticker  Ticker
	db      *database.Client
	kvs     *kv.Store
	tasks   *TaskRegistry
	logger  *slog.Logger

	httpServer *http.Server
}

// NewServer wires routes and middleware.
func NewServer(cfg *config.Config, ingest *tracking.Service, limiter *ratelimit.Limiter,
	ticker Ticker, db *database.Client, kvs *kv.Store, tasks *TaskRegistry,
	logger *slog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		ingest:  ingest,
		limiter: limiter,
		ticker:  ticker,
		db:      db,
		kvs:     kvs,
		tasks:   tasks,
		logger:  logger.With("component", "api"),
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLogger(), securityHeaders(), bodySizeLimit())

	engine.POST("/track",
		s.rateLimit("tracking", cfg.RateLimit.TrackingPerMin, 60),
		s.handleTrack)
	engine.GET("/pixel.gif",
		s.rateLimit("tracking", cfg.RateLimit.TrackingPerMin, 60),
		s.handlePixel)
	engine.GET("/healthz",
		s.rateLimit("public", cfg.RateLimit.PublicPerHour, 3600),
		s.handleHealth)
	if cfg.TickSecret != "" {
		engine.POST("/internal/tick",
			s.rateLimit("admin", cfg.RateLimit.AdminPerHour, 3600),
			s.handleTick)
	}

	s.httpServer = &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// clientGeo reads the edge-provided geographic hints. Absent headers leave
// the fields empty.
func clientGeo(c *gin.Context) (country, region, city string) {
	return c.GetHeader("CF-IPCountry"), c.GetHeader("CF-Region"), c.GetHeader("CF-IPCity")
}
