// Package pipedrive reconciles form submissions with existing Pipedrive
// contacts, updating their marketing-attribution custom fields. Contacts are
// never created: search hits are updated, misses are reported as not_found.
package pipedrive

// Payload is the full tracking payload carried by a deferred sync job. It is
// assembled at enqueue time by joining the event with its visitor and
// session rows, so a retried job never loses attribution.
type Payload struct {
	EventID   int64  `json:"event_id"`
	VisitorID string `json:"visitor_id"`
	SessionID string `json:"session_id"`
	PixelID   string `json:"pixel_id"`
	ProjectID string `json:"project_id"`

	// Identity fields are search-only; they are never written to the CRM.
	Email     string `json:"email"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`

	UTMSource   string `json:"utm_source,omitempty"`
	UTMMedium   string `json:"utm_medium,omitempty"`
	UTMCampaign string `json:"utm_campaign,omitempty"`
	UTMContent  string `json:"utm_content,omitempty"`
	UTMTerm     string `json:"utm_term,omitempty"`

	GCLID     string `json:"gclid,omitempty"`
	FBCLID    string `json:"fbclid,omitempty"`
	MSCLKID   string `json:"msclkid,omitempty"`
	TTCLID    string `json:"ttclid,omitempty"`
	TWCLID    string `json:"twclid,omitempty"`
	LiFatID   string `json:"li_fat_id,omitempty"`
	ScClickID string `json:"sc_click_id,omitempty"`

	PageURL     string `json:"page_url,omitempty"`
	PageTitle   string `json:"page_title,omitempty"`
	ReferrerURL string `json:"referrer_url,omitempty"`

	Country string `json:"country,omitempty"`
	Region  string `json:"region,omitempty"`
	City    string `json:"city,omitempty"`

	CampaignRegion string `json:"campaign_region,omitempty"`
	AdGroup        string `json:"ad_group,omitempty"`
	AdID           string `json:"ad_id,omitempty"`
	SearchQuery    string `json:"search_query,omitempty"`

	UserAgent        string `json:"user_agent,omitempty"`
	ScreenResolution string `json:"screen_resolution,omitempty"`
	DeviceType       string `json:"device_type,omitempty"`
	OperatingSystem  string `json:"operating_system,omitempty"`
	EventType        string `json:"event_type,omitempty"`
	IPAddress        string `json:"ip_address,omitempty"`

	// Aggregates over the visitor's history, rendered at enqueue time.
	LastVisitedOn   string `json:"last_visited_on,omitempty"`
	VisitedPages    string `json:"visited_pages,omitempty"`
	SessionDuration string `json:"session_duration,omitempty"`
}
