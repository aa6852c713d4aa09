package pipedrive

import (
	"strconv"
	"strings"
)

// personFieldKeys maps logical field names to the opaque Pipedrive custom
// field keys. This table is the interoperability contract with the CRM
// schema; call sites never inline keys. VerifyFieldKeys checks the table
// against the live schema on startup.
var personFieldKeys = map[string]string{
	// Attribution
	"utm_source":   "a3f2b91c4d8e5f6071829304a5b6c7d8e9f00112",
	"utm_medium":   "b4e3ca2d5e9f60718293a4b5c6d7e8f901122334",
	"utm_campaign": "c5f4db3e6fa071829304b5c6d7e8f90112233445",
	"utm_content":  "d605ec4f70b1829304a5c6d7e8f9011223344556",
	"utm_term":     "e716fd5081c29304a5b6d7e8f901122334455667",

	// Click-IDs, one per platform
	"gclid":       "f8270e6192d304a5b6c7e8f90112233445566778",
	"fbclid":      "093820729304a5b6c7d8f9011223344556677889",
	"msclkid":     "1a4931830415b6c7d8e9011223344556677889a0",
	"ttclid":      "2b5a42941526c7d8e9f0122334455667788990b1",
	"twclid":      "3c6b53a52637d8e9f001233445566778899aa1c2",
	"li_fat_id":   "4d7c64b63748e9f00112344556677889900bb2d3",
	"sc_click_id": "5e8d75c74859f001122345566778899a011cc3e4",

	// Tracking IDs
	"event_id":   "6f9e86d8596a011223345667788990ab122dd4f5",
	"visitor_id": "70af97e96a7b122334456778899a0bc1233ee506",
	"session_id": "81b0a8fa7b8c233445567889900ab1cd2344ff61",
	"pixel_id":   "92c1b90b8c9d3445566789900ab1bcde34550072",
	"project_id": "a3d2ca1c9dae455667789a0ab1bccdef45661183",

	// Context
	"page_url":     "b4e3db2daebf56677890ab1bccddef0156772294",
	"page_title":   "c5f4ec3ebfc067788901bc1ccddeef01267883a5",
	"referrer_url": "d605fd4fc0d1788990a2cd2ddeeff0123789a4b6",
	"ip_address":   "e7170e50d1e2899aa1b3de3eeff00123489ab5c7",

	// Geo
	"country":  "f8281f61e2f39aabb2c4ef4ff0001234590bc6d8",
	"region":   "09392072f304abbcc3d5f0500112345601cd7e09",
	"city":     "1a4a3183041accddee6016011223456712de8f1a",
	"location": "2b5b42941526ddeeff7127122334567823ef902b",

	// Ad
	"campaign_region": "3c6c53a52637eeff008238233445678934f0a13c",
	"ad_group":        "4d7d64b63748ff0011934934455678a045012b4d",
	"ad_id":           "5e8e75c74859001122a45a455667890b5612c35e",
	"search_query":    "6f9f86d8596a112233b56b56677890ac67234d6f",

	// Device
	"user_agent":        "70a097e96a7b223344c67c6778890abd78345e70",
	"screen_resolution": "81b1a8fa7b8c334455d78d78890abcde89456f81",
	"device_type":       "92c2b90b8c9d445566e89e890abbcdef9a567092",
	"operating_system":  "a3d3ca1c9dae556677f9af90abbccdf0ab6781a3",
	"event_type":        "b4e4db2daebf6677890ab0a1bccddef1bc7892b4",

	// Aggregates
	"last_visited_on":  "c5f5ec3ebfc0778899b1c1b2cddeef02cd89a3c5",
	"visited_pages":    "d606fd4fc0d18899aac2d2c3deeff013de9ab4d6",
	"session_duration": "e7070e50d1e299aabbd3e3d4eff00124ef0bc5e7",
}

// excludedValues are dropped from update payloads. "none", "unknown", and
// "direct" are NOT excluded: they are semantically valid attribution
// values.
func includeFieldValue(v string) bool {
	t := strings.TrimSpace(v)
	return t != "" && t != "null" && t != "undefined"
}

// BuildPersonFields maps a payload onto the CRM custom-field keys. Identity
// fields (name/email) are never included: they are search-only. Attribution
// fields carry the actual parameter values, not the summary fallbacks.
func BuildPersonFields(p Payload) map[string]string {
	logical := map[string]string{
		"utm_source":   p.UTMSource,
		"utm_medium":   p.UTMMedium,
		"utm_campaign": p.UTMCampaign,
		"utm_content":  p.UTMContent,
		"utm_term":     p.UTMTerm,

		"gclid":       p.GCLID,
		"fbclid":      p.FBCLID,
		"msclkid":     p.MSCLKID,
		"ttclid":      p.TTCLID,
		"twclid":      p.TWCLID,
		"li_fat_id":   p.LiFatID,
		"sc_click_id": p.ScClickID,

		"event_id":   formatEventID(p.EventID),
		"visitor_id": p.VisitorID,
		"session_id": p.SessionID,
		"pixel_id":   p.PixelID,
		"project_id": p.ProjectID,

		"page_url":     p.PageURL,
		"page_title":   p.PageTitle,
		"referrer_url": p.ReferrerURL,
		"ip_address":   p.IPAddress,

		"country":  p.Country,
		"region":   p.Region,
		"city":     p.City,
		"location": joinLocation(p.City, p.Region, p.Country),

		"campaign_region": p.CampaignRegion,
		"ad_group":        p.AdGroup,
		"ad_id":           p.AdID,
		"search_query":    p.SearchQuery,

		"user_agent":        p.UserAgent,
		"screen_resolution": p.ScreenResolution,
		"device_type":       p.DeviceType,
		"operating_system":  p.OperatingSystem,
		"event_type":        p.EventType,

		"last_visited_on":  p.LastVisitedOn,
		"visited_pages":    p.VisitedPages,
		"session_duration": p.SessionDuration,
	}

	out := make(map[string]string, len(logical))
	for name, value := range logical {
		if !includeFieldValue(value) {
			continue
		}
		key, ok := personFieldKeys[name]
		if !ok {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}

// joinLocation joins the non-empty geo parts as "city, region, country".
func joinLocation(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			kept = append(kept, strings.TrimSpace(p))
		}
	}
	return strings.Join(kept, ", ")
}

func formatEventID(id int64) string {
	if id <= 0 {
		return ""
	}
	return strconv.FormatInt(id, 10)
}
