package api

import "github.com/sitebeacon/beacon/pkg/attribution"

// trackResponse is the success body of POST /track.
type trackResponse struct {
	Success            bool                `json:"success"`
	VisitorCookie      string              `json:"visitor_cookie"`
	VisitorID          string              `json:"visitor_id"`
	SessionID          string              `json:"session_id"`
	EventID            int64               `json:"event_id"`
	AttributionSummary attribution.Summary `json:"attribution_summary"`
	ProcessingTimeMs   int64               `json:"processing_time_ms"`
}

// errorResponse is the failure body for every endpoint.
type errorResponse struct {
	Success          bool   `json:"success"`
	Error            string `json:"error"`
	ProcessingTimeMs int64  `json:"processing_time_ms"`
}

// healthResponse is the body of GET /healthz.
type healthResponse struct {
	Status     string         `json:"status"`
	Components map[string]any `json:"components"`
}
