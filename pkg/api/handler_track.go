package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sitebeacon/beacon/pkg/tracking"
)

// handleTrack is POST /track: the JSON ingest endpoint.
func (s *Server) handleTrack(c *gin.Context) {
	start := time.Now()

	if IsBot(c.Request.UserAgent()) {
		c.JSON(http.StatusForbidden, errorResponse{
			Success:          false,
			Error:            "automated traffic is not tracked",
			ProcessingTimeMs: time.Since(start).Milliseconds(),
		})
		return
	}

	var req tracking.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{
			Success:          false,
			Error:            "invalid JSON body",
			ProcessingTimeMs: time.Since(start).Milliseconds(),
		})
		return
	}

	req.IP = c.ClientIP()
	req.UserAgent = c.Request.UserAgent()
	req.Country, req.Region, req.City = clientGeo(c)

	res, err := s.ingest.Process(c.Request.Context(), &req)
	if err != nil {
		status, msg := mapServiceError(err, s.cfg.IsProduction())
		if status >= 500 {
			s.logger.Error("Ingest failed", "pixel_id", req.PixelID, "error", err)
		}
		c.JSON(status, errorResponse{
			Success:          false,
			Error:            msg,
			ProcessingTimeMs: time.Since(start).Milliseconds(),
		})
		return
	}

	setVisitorCookie(c, res.VisitorCookie)
	c.JSON(http.StatusOK, trackResponse{
		Success:            true,
		VisitorCookie:      res.VisitorCookie,
		VisitorID:          res.VisitorID,
		SessionID:          res.SessionID,
		EventID:            res.EventID,
		AttributionSummary: res.AttributionSummary,
		ProcessingTimeMs:   time.Since(start).Milliseconds(),
	})
}

// visitorCookieMaxAge keeps the visitor identity for two years.
const visitorCookieMaxAge = 2 * 365 * 24 * 60 * 60

func setVisitorCookie(c *gin.Context, cookie string) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     "_beacon_vid",
		Value:    cookie,
		Path:     "/",
		MaxAge:   visitorCookieMaxAge,
		Secure:   true,
		HttpOnly: false,
		SameSite: http.SameSiteNoneMode,
	})
}
