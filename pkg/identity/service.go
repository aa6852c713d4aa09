// Package identity maps tracking requests to stable visitors and live
// sessions, carrying attribution across a visitor's history.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sitebeacon/beacon/pkg/attribution"
	"github.com/sitebeacon/beacon/pkg/clock"
	"github.com/sitebeacon/beacon/pkg/models"
	"github.com/sitebeacon/beacon/pkg/store"
)

// SessionWindow is the inactivity gap that ends a session.
const SessionWindow = 30 * time.Minute

// Service implements visitor and session find-or-create.
type Service struct {
	visitors *store.VisitorStore
	sessions *store.SessionStore
	clock    clock.Clock
	ids      clock.IDSource
}

// NewService creates an identity service.
func NewService(visitors *store.VisitorStore, sessions *store.SessionStore, clk clock.Clock, ids clock.IDSource) *Service {
	return &Service{
		visitors: visitors,
		sessions: sessions,
		clock:    clk,
		ids:      ids,
	}
}

// FindOrCreateVisitor returns the visitor for the cookie, bumping last_seen
// and visit_count, or creates one. Two concurrent first requests may both
// attempt the insert; the loser of the unique-constraint race recovers by
// re-running the update path.
func (s *Service) FindOrCreateVisitor(ctx context.Context, cookie, ip, userAgent string) (*models.Visitor, error) {
	now := s.clock.Now()

	v, err := s.visitors.Touch(ctx, cookie, now)
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	fresh := &models.Visitor{
		ID:            s.ids.NewID(),
		VisitorCookie: cookie,
		FirstSeen:     now,
		LastSeen:      now,
		VisitCount:    1,
		UserAgent:     userAgent,
		IP:            ip,
	}
	err = s.visitors.Insert(ctx, fresh)
	if err == nil {
		return fresh, nil
	}
	if !store.IsUniqueViolation(err) {
		return nil, err
	}

	// Lost the insert race: the row exists now, so the update must succeed.
	v, err = s.visitors.Touch(ctx, cookie, now)
	if err != nil {
		return nil, fmt.Errorf("visitor insert race recovery failed: %w", err)
	}
	return v, nil
}

// FindOrCreateSession returns the visitor's active session on the pixel,
// updated with the request's attribution, or starts a new one. A new
// session with no utm_source inherits the visitor's first-visit
// attribution from their earliest attributed session on this pixel.
//
// The returned session reflects the post-write state; it is built in
// memory rather than re-read from the store.
func (s *Service) FindOrCreateSession(ctx context.Context, visitorID, pixelID string, utm attribution.UTMData) (*models.Session, error) {
	now := s.clock.Now()

	sess, err := s.sessions.LatestActive(ctx, visitorID, pixelID, now.Add(-SessionWindow))
	if err == nil {
		sess.LastActivity = now
		sess.PageViews++
		overwriteAttribution(sess, utm)
		if err := s.sessions.Touch(ctx, sess); err != nil {
			return nil, err
		}
		return sess, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if utm.Source == "" {
		utm = s.inheritFirstVisit(ctx, visitorID, pixelID, utm)
	}

	sess = &models.Session{
		ID:             s.ids.NewID(),
		VisitorID:      visitorID,
		PixelID:        pixelID,
		SessionCookie:  s.ids.NewSessionCookie(),
		StartedAt:      now,
		LastActivity:   now,
		PageViews:      1,
		UTMSource:      utm.Source,
		UTMMedium:      utm.Medium,
		UTMCampaign:    utm.Campaign,
		UTMContent:     utm.Content,
		UTMTerm:        utm.Term,
		CampaignRegion: utm.CampaignRegion,
		AdGroup:        utm.AdGroup,
		AdID:           utm.AdID,
		SearchQuery:    utm.SearchQuery,
	}

	err = s.sessions.Insert(ctx, sess)
	if store.IsUniqueViolation(err) {
		// Cookie collision: regenerate once and retry.
		sess.SessionCookie = s.ids.NewSessionCookie()
		err = s.sessions.Insert(ctx, sess)
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// inheritFirstVisit copies the attribution of the visitor's earliest
// UTM-bearing session on this pixel into utm. Content and term are copied
// only when the current request lacks them.
func (s *Service) inheritFirstVisit(ctx context.Context, visitorID, pixelID string, utm attribution.UTMData) attribution.UTMData {
	first, err := s.sessions.EarliestAttributed(ctx, visitorID, pixelID)
	if err != nil {
		// No donor session (or lookup failed): proceed unattributed.
		return utm
	}

	utm.Source = first.UTMSource
	utm.Medium = first.UTMMedium
	utm.Campaign = first.UTMCampaign
	if utm.Content == "" {
		utm.Content = first.UTMContent
	}
	if utm.Term == "" {
		utm.Term = first.UTMTerm
	}
	if utm.CampaignRegion == "" {
		utm.CampaignRegion = first.CampaignRegion
	}
	if utm.AdGroup == "" {
		utm.AdGroup = first.AdGroup
	}
	if utm.AdID == "" {
		utm.AdID = first.AdID
	}
	if utm.SearchQuery == "" {
		utm.SearchQuery = first.SearchQuery
	}
	return utm
}

// overwriteAttribution writes the non-empty attribution fields of the
// current request onto an existing session.
func overwriteAttribution(sess *models.Session, utm attribution.UTMData) {
	if utm.Source != "" {
		sess.UTMSource = utm.Source
	}
	if utm.Medium != "" {
		sess.UTMMedium = utm.Medium
	}
	if utm.Campaign != "" {
		sess.UTMCampaign = utm.Campaign
	}
	if utm.Content != "" {
		sess.UTMContent = utm.Content
	}
	if utm.Term != "" {
		sess.UTMTerm = utm.Term
	}
	if utm.CampaignRegion != "" {
		sess.CampaignRegion = utm.CampaignRegion
	}
	if utm.AdGroup != "" {
		sess.AdGroup = utm.AdGroup
	}
	if utm.AdID != "" {
		sess.AdID = utm.AdID
	}
	if utm.SearchQuery != "" {
		sess.SearchQuery = utm.SearchQuery
	}
}
