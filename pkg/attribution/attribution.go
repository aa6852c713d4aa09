// Package attribution extracts marketing attribution (UTM parameters and
// advertising click-IDs) from tracking requests and derives the attribution
// summary reported back to the pixel.
package attribution

import (
	"net/url"
	"strings"
)

// UTMData is the canonical attribution record for one request. Empty string
// means the parameter was absent.
type UTMData struct {
	Source         string `json:"utm_source,omitempty"`
	Medium         string `json:"utm_medium,omitempty"`
	Campaign       string `json:"utm_campaign,omitempty"`
	Content        string `json:"utm_content,omitempty"`
	Term           string `json:"utm_term,omitempty"`
	GCLID          string `json:"gclid,omitempty"`
	FBCLID         string `json:"fbclid,omitempty"`
	MSCLKID        string `json:"msclkid,omitempty"`
	TTCLID         string `json:"ttclid,omitempty"`
	TWCLID         string `json:"twclid,omitempty"`
	LiFatID        string `json:"li_fat_id,omitempty"`
	ScClickID      string `json:"sc_click_id,omitempty"`
	CampaignRegion string `json:"campaign_region,omitempty"`
	AdGroup        string `json:"ad_group,omitempty"`
	AdID           string `json:"ad_id,omitempty"`
	SearchQuery    string `json:"search_query,omitempty"`
}

// Summary is the source/medium/campaign fallback view of an attribution
// record, used in ingest responses.
type Summary struct {
	Source   string `json:"source"`
	Medium   string `json:"medium"`
	Campaign string `json:"campaign"`
}

// trackingParams is the recognized tracking parameter set. Any other URL
// parameter is treated as potential form data by the event writer.
var trackingParams = map[string]bool{
	"utm_source":      true,
	"utm_medium":      true,
	"utm_campaign":    true,
	"utm_content":     true,
	"utm_term":        true,
	"gclid":           true,
	"fbclid":          true,
	"msclkid":         true,
	"ttclid":          true,
	"twclid":          true,
	"li_fat_id":       true,
	"sc_click_id":     true,
	"campaign_region": true,
	"ad_group":        true,
	"ad_id":           true,
	"search_query":    true,
}

// IsTrackingParam reports whether name (case-insensitive) belongs to the
// recognized tracking parameter set.
func IsTrackingParam(name string) bool {
	return trackingParams[strings.ToLower(name)]
}

// Extract builds the attribution record for a request. Parameters present
// in the body win; missing fields are filled from the page URL query, then
// from the referrer URL query. Keys are case-insensitive, values are
// percent-decoded, and empty strings count as missing.
func Extract(body map[string]string, pageURL, referrerURL string) UTMData {
	merged := make(map[string]string, len(trackingParams))

	// Lowest priority first so later layers overwrite.
	mergeParams(merged, queryParams(referrerURL))
	mergeParams(merged, queryParams(pageURL))
	mergeParams(merged, body)

	return UTMData{
		Source:         merged["utm_source"],
		Medium:         merged["utm_medium"],
		Campaign:       merged["utm_campaign"],
		Content:        merged["utm_content"],
		Term:           merged["utm_term"],
		GCLID:          merged["gclid"],
		FBCLID:         merged["fbclid"],
		MSCLKID:        merged["msclkid"],
		TTCLID:         merged["ttclid"],
		TWCLID:         merged["twclid"],
		LiFatID:        merged["li_fat_id"],
		ScClickID:      merged["sc_click_id"],
		CampaignRegion: merged["campaign_region"],
		AdGroup:        merged["ad_group"],
		AdID:           merged["ad_id"],
		SearchQuery:    merged["search_query"],
	}
}

func mergeParams(dst map[string]string, src map[string]string) {
	for k, v := range src {
		key := strings.ToLower(k)
		if !trackingParams[key] || v == "" {
			continue
		}
		dst[key] = v
	}
}

// queryParams parses the query string of rawURL into a map. An unparseable
// URL yields no parameters; attribution must never fail an ingest.
func queryParams(rawURL string) map[string]string {
	if rawURL == "" {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	values, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return nil
	}
	out := make(map[string]string, len(values))
	for k, vs := range values {
		if len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out
}

// clickIDPlatforms maps each click-ID, in precedence order, to the platform
// it implies for summary fallbacks.
var clickIDPlatforms = []struct {
	id       func(UTMData) string
	platform string
	medium   string
}{
	{func(u UTMData) string { return u.GCLID }, "google", "cpc"},
	{func(u UTMData) string { return u.FBCLID }, "facebook", "social"},
	{func(u UTMData) string { return u.MSCLKID }, "microsoft", "unknown"},
	{func(u UTMData) string { return u.TTCLID }, "tiktok", "unknown"},
	{func(u UTMData) string { return u.TWCLID }, "twitter", "unknown"},
}

// Summarize derives the source/medium/campaign summary. Missing values fall
// back to the platform implied by the first non-empty click-ID, then to
// "direct"/"unknown"/"none". Pure function of its input.
func Summarize(u UTMData) Summary {
	s := Summary{
		Source:   u.Source,
		Medium:   u.Medium,
		Campaign: u.Campaign,
	}

	if s.Source == "" || s.Medium == "" {
		for _, p := range clickIDPlatforms {
			if p.id(u) == "" {
				continue
			}
			if s.Source == "" {
				s.Source = p.platform
			}
			if s.Medium == "" {
				s.Medium = p.medium
			}
			break
		}
	}

	if s.Source == "" {
		s.Source = "direct"
	}
	if s.Medium == "" {
		s.Medium = "unknown"
	}
	if s.Campaign == "" {
		if u.AdGroup != "" {
			s.Campaign = u.AdGroup
		} else {
			s.Campaign = "none"
		}
	}
	return s
}

// HasAny reports whether the record carries any attribution at all.
func (u UTMData) HasAny() bool {
	return u != UTMData{}
}

// FirstClickID returns the first non-empty click-ID in precedence order,
// or the empty string.
func (u UTMData) FirstClickID() string {
	for _, p := range clickIDPlatforms {
		if id := p.id(u); id != "" {
			return id
		}
	}
	return ""
}
