package api

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sitebeacon/beacon/pkg/database"
)

// handleHealth is GET /healthz: liveness plus dependency status.
func (s *Server) handleHealth(c *gin.Context) {
	ctx := c.Request.Context()
	components := make(map[string]any, 2)
	healthy := true

	dbStatus, err := database.Health(ctx, s.db.DB.DB)
	components["database"] = dbStatus
	if err != nil {
		healthy = false
	}

	if err := s.kvs.Ping(ctx); err != nil {
		components["kv"] = map[string]any{"healthy": false, "error": err.Error()}
		healthy = false
	} else {
		components["kv"] = map[string]any{"healthy": true}
	}

	status := http.StatusOK
	body := healthResponse{Status: "ok", Components: components}
	if !healthy {
		status = http.StatusServiceUnavailable
		body.Status = "degraded"
	}
	c.JSON(status, body)
}

// handleTick is POST /internal/tick: lets platform cron trigger a scheduler
// pass. Guarded by a shared secret; the route is not registered when the
// secret is unset.
func (s *Server) handleTick(c *gin.Context) {
	secret := c.GetHeader("X-Tick-Secret")
	if subtle.ConstantTimeCompare([]byte(secret), []byte(s.cfg.TickSecret)) != 1 {
		c.JSON(http.StatusUnauthorized, errorResponse{Success: false, Error: "unauthorized"})
		return
	}

	if err := s.ticker.Tick(c.Request.Context()); err != nil {
		s.logger.Error("Manual tick failed", "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Success: false, Error: "tick failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
