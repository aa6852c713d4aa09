package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// maxBodyBytes caps tracking request bodies. Legitimate payloads are a few
// kilobytes; anything near the cap is abuse.
const maxBodyBytes = 64 << 10

// securityHeaders sets the response headers every endpoint carries.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}

// bodySizeLimit rejects oversized request bodies before they are read.
func bodySizeLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
		c.Next()
	}
}

// requestLogger logs one line per request with timing.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("Request handled",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"elapsed", time.Since(start).Round(time.Millisecond))
	}
}

// rateLimit enforces the fixed-window budget for one route class.
func (s *Server) rateLimit(class string, limit, windowSecs int) gin.HandlerFunc {
	return func(c *gin.Context) {
		res := s.limiter.Allow(c.Request.Context(), class, c.ClientIP(), limit, windowSecs)
		if !res.Allowed {
			c.Header("Retry-After", res.ResetAt.UTC().Format(http.TimeFormat))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse{
				Success: false,
				Error:   "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
