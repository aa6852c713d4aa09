package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/sitebeacon/beacon/pkg/attribution"
	"github.com/sitebeacon/beacon/pkg/tracking"
)

// transparentGIF is a 1x1 transparent image, the classic pixel response.
var transparentGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00,
	0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
	0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

// handlePixel is GET /pixel.gif: image-tag tracking for environments where
// script execution is unavailable. The GIF is returned no matter what;
// tracking failures are logged and swallowed so a broken pixel never breaks
// the embedding page.
func (s *Server) handlePixel(c *gin.Context) {
	req := &tracking.Request{
		PixelID:          c.Query("pixel_id"),
		PageURL:          c.Query("page_url"),
		ReferrerURL:      c.Query("referrer_url"),
		PageTitle:        c.Query("page_title"),
		EventType:        c.Query("event_type"),
		ScreenResolution: c.Query("screen_resolution"),
		VisitorCookie:    visitorCookieFromRequest(c),
		Params:           trackingQueryParams(c),
		IP:               c.ClientIP(),
		UserAgent:        c.Request.UserAgent(),
	}
	req.Country, req.Region, req.City = clientGeo(c)
	if fd := c.Query("form_data"); fd != "" {
		req.FormData = json.RawMessage(fd)
	}

	if !IsBot(req.UserAgent) {
		if res, err := s.ingest.Process(c.Request.Context(), req); err != nil {
			s.logger.Warn("Pixel tracking failed", "pixel_id", req.PixelID, "error", err)
		} else {
			setVisitorCookie(c, res.VisitorCookie)
		}
	}

	c.Header("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
	c.Data(http.StatusOK, "image/gif", transparentGIF)
}

// trackingQueryParams collects the recognized tracking parameters (UTMs and
// click-IDs) from the query string, the pixel-tag equivalent of the JSON
// body's top-level attribution fields.
func trackingQueryParams(c *gin.Context) map[string]string {
	var params map[string]string
	for name, vs := range c.Request.URL.Query() {
		if !attribution.IsTrackingParam(name) || len(vs) == 0 || vs[0] == "" {
			continue
		}
		if params == nil {
			params = make(map[string]string)
		}
		params[strings.ToLower(name)] = vs[0]
	}
	return params
}

// visitorCookieFromRequest prefers the browser cookie, falling back to the
// query parameter used by cookieless embeds.
func visitorCookieFromRequest(c *gin.Context) string {
	if ck, err := c.Cookie("_beacon_vid"); err == nil && ck != "" {
		return ck
	}
	return c.Query("visitor_cookie")
}
