package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sitebeacon/beacon/pkg/models"
	"github.com/sitebeacon/beacon/pkg/pipedrive"
	"github.com/sitebeacon/beacon/pkg/tracking"
)

// visitedPagesLimit bounds the visited-pages aggregate sent to the CRM.
const visitedPagesLimit = 50

// buildPayload joins an event with its visitor and session rows and the
// visitor's page history into the full CRM payload. Missing visitor or
// session rows degrade the aggregates, never the sync itself.
func (s *Scheduler) buildPayload(ctx context.Context, ev *models.Event) (pipedrive.Payload, error) {
	form, err := tracking.ParseFormData(rawFormData(ev))
	if err != nil {
		return pipedrive.Payload{}, fmt.Errorf("event %d form data: %w", ev.ID, err)
	}

	p := pipedrive.Payload{
		EventID:   ev.ID,
		VisitorID: ev.VisitorID,
		SessionID: ev.SessionID,
		PixelID:   ev.PixelID,
		ProjectID: ev.ProjectID,

		Email:     form["email"],
		FirstName: form["first_name"],
		LastName:  form["last_name"],

		UTMSource:   ev.UTMSource,
		UTMMedium:   ev.UTMMedium,
		UTMCampaign: ev.UTMCampaign,
		UTMContent:  ev.UTMContent,
		UTMTerm:     ev.UTMTerm,

		GCLID:     ev.GCLID,
		FBCLID:    ev.FBCLID,
		MSCLKID:   ev.MSCLKID,
		TTCLID:    ev.TTCLID,
		TWCLID:    ev.TWCLID,
		LiFatID:   ev.LiFatID,
		ScClickID: ev.ScClickID,

		PageURL:     ev.PageURL,
		PageTitle:   ev.PageTitle,
		ReferrerURL: ev.ReferrerURL,

		Country: ev.Country,
		Region:  ev.Region,
		City:    ev.City,

		CampaignRegion: ev.CampaignRegion,
		AdGroup:        ev.AdGroup,
		AdID:           ev.AdID,
		SearchQuery:    ev.SearchQuery,

		UserAgent:        ev.UserAgent,
		ScreenResolution: ev.ScreenResolution,
		DeviceType:       ev.DeviceType,
		OperatingSystem:  ev.OperatingSystem,
		EventType:        ev.EventType,
		IPAddress:        ev.IP,
	}

	if visitor, err := s.visitors.GetByID(ctx, ev.VisitorID); err == nil {
		p.LastVisitedOn = formatLastVisited(visitor.LastSeen)
	} else {
		s.logger.Warn("Visitor lookup failed while building sync payload",
			"event_id", ev.ID, "visitor_id", ev.VisitorID, "error", err)
	}

	if sess, err := s.sessions.GetByID(ctx, ev.SessionID); err == nil {
		p.SessionDuration = formatSessionDuration(sess.LastActivity.Sub(sess.StartedAt))
	} else {
		s.logger.Warn("Session lookup failed while building sync payload",
			"event_id", ev.ID, "session_id", ev.SessionID, "error", err)
	}

	if pages, err := s.events.DistinctRecentPages(ctx, ev.VisitorID, visitedPagesLimit); err == nil {
		p.VisitedPages = strings.Join(pages, ", ")
	} else {
		s.logger.Warn("Page history lookup failed while building sync payload",
			"event_id", ev.ID, "visitor_id", ev.VisitorID, "error", err)
	}

	return p, nil
}

func rawFormData(ev *models.Event) []byte {
	if !ev.FormData.Valid || ev.FormData.String == "" {
		return nil
	}
	return []byte(ev.FormData.String)
}

// formatLastVisited renders the CRM-facing "last visited" timestamp, e.g.
// "January 2, 2006 at 3:04 PM".
func formatLastVisited(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("January 2, 2006 at 3:04 PM")
}

// formatSessionDuration renders a human-readable duration: "N minutes" under
// an hour, "Hh Mm" above it.
func formatSessionDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	mins := int(d.Minutes())
	if mins < 60 {
		return fmt.Sprintf("%d minutes", mins)
	}
	return fmt.Sprintf("%dh %dm", mins/60, mins%60)
}
