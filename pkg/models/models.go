// Package models contains the domain entities persisted by the tracking store.
package models

import (
	"database/sql"
	"time"
)

// SyncStatus is the CRM reconciliation state of a form-submit event.
// NULL in the database means "not yet reconciled".
type SyncStatus string

// Sync status values.
const (
	SyncSynced   SyncStatus = "synced"
	SyncNotFound SyncStatus = "not_found"
	SyncError    SyncStatus = "error"
)

// EventTypePageview and EventTypeFormSubmit are the two recognized event types.
const (
	EventTypePageview   = "pageview"
	EventTypeFormSubmit = "form_submit"
)

// Project is the tenant scope for a set of pixels.
type Project struct {
	ID               string       `db:"id"`
	Name             string       `db:"name"`
	PipedriveEnabled bool         `db:"pipedrive_enabled"`
	RetentionDays    int          `db:"retention_days"`
	Active           bool         `db:"active"`
	DeletedAt        sql.NullTime `db:"deleted_at"`
	CreatedAt        time.Time    `db:"created_at"`
}

// Pixel is a tracking endpoint belonging to a project.
type Pixel struct {
	ID        string    `db:"id"`
	ProjectID string    `db:"project_id"`
	Active    bool      `db:"active"`
	CreatedAt time.Time `db:"created_at"`
}

// Visitor is an identity bound to a browser cookie.
type Visitor struct {
	ID            string    `db:"id"`
	VisitorCookie string    `db:"visitor_cookie"`
	FirstSeen     time.Time `db:"first_seen"`
	LastSeen      time.Time `db:"last_seen"`
	VisitCount    int       `db:"visit_count"`
	UserAgent     string    `db:"user_agent"`
	IP            string    `db:"ip"`
}

// Session is an activity window for a visitor on a pixel.
// A session is active while last_activity is within the 30-minute window.
type Session struct {
	ID             string    `db:"id"`
	VisitorID      string    `db:"visitor_id"`
	PixelID        string    `db:"pixel_id"`
	SessionCookie  string    `db:"session_cookie"`
	StartedAt      time.Time `db:"started_at"`
	LastActivity   time.Time `db:"last_activity"`
	PageViews      int       `db:"page_views"`
	UTMSource      string    `db:"utm_source"`
	UTMMedium      string    `db:"utm_medium"`
	UTMCampaign    string    `db:"utm_campaign"`
	UTMContent     string    `db:"utm_content"`
	UTMTerm        string    `db:"utm_term"`
	CampaignRegion string    `db:"campaign_region"`
	AdGroup        string    `db:"ad_group"`
	AdID           string    `db:"ad_id"`
	SearchQuery    string    `db:"search_query"`
}

// Event is one tracking observation. The pipedrive_* columns are owned by
// the deferred scheduler; the ingest path writes the row exactly once and
// never reads them back.
type Event struct {
	ID               int64          `db:"id"`
	ProjectID        string         `db:"project_id"`
	PixelID          string         `db:"pixel_id"`
	VisitorID        string         `db:"visitor_id"`
	SessionID        string         `db:"session_id"`
	EventType        string         `db:"event_type"`
	PageURL          string         `db:"page_url"`
	ReferrerURL      string         `db:"referrer_url"`
	PageTitle        string         `db:"page_title"`
	UserAgent        string         `db:"user_agent"`
	IP               string         `db:"ip"`
	Country          string         `db:"country"`
	Region           string         `db:"region"`
	City             string         `db:"city"`
	UTMSource        string         `db:"utm_source"`
	UTMMedium        string         `db:"utm_medium"`
	UTMCampaign      string         `db:"utm_campaign"`
	UTMContent       string         `db:"utm_content"`
	UTMTerm          string         `db:"utm_term"`
	GCLID            string         `db:"gclid"`
	FBCLID           string         `db:"fbclid"`
	MSCLKID          string         `db:"msclkid"`
	TTCLID           string         `db:"ttclid"`
	TWCLID           string         `db:"twclid"`
	LiFatID          string         `db:"li_fat_id"`
	ScClickID        string         `db:"sc_click_id"`
	CampaignRegion   string         `db:"campaign_region"`
	AdGroup          string         `db:"ad_group"`
	AdID             string         `db:"ad_id"`
	SearchQuery      string         `db:"search_query"`
	ScreenResolution string         `db:"screen_resolution"`
	DeviceType       string         `db:"device_type"`
	OperatingSystem  string         `db:"operating_system"`
	FormData         sql.NullString `db:"form_data"`
	SyncStatus       sql.NullString `db:"pipedrive_sync_status"`
	SyncAt           sql.NullTime   `db:"pipedrive_sync_at"`
	PersonID         sql.NullInt64  `db:"pipedrive_person_id"`
	RetryCount       int            `db:"pipedrive_retry_count"`
	LastRetryAt      sql.NullTime   `db:"pipedrive_last_retry_at"`
	Archived         bool           `db:"archived"`
	CreatedAt        time.Time      `db:"created_at"`
}
