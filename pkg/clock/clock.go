// Package clock provides the time and identifier sources used across the
// service. Both are injectable so tests can pin time and make cookies
// deterministic.
package clock

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Cookie format: prefix + 32 lowercase hex characters.
const (
	VisitorCookiePrefix = "bv_"
	SessionCookiePrefix = "bs_"
	cookieHexLen        = 32
)

// Clock is the time source. The real implementation delegates to time.Now;
// tests substitute a fixed or advancing clock.
type Clock interface {
	Now() time.Time
}

// SystemClock returns UTC wall-clock time.
type SystemClock struct{}

// Now returns the current time in UTC.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// IDSource generates entity IDs and browser cookies.
type IDSource interface {
	NewID() string
	NewVisitorCookie() string
	NewSessionCookie() string
}

// RandomIDs is the production IDSource: UUID v4 entity IDs and
// crypto/rand hex cookie bodies.
type RandomIDs struct{}

// NewID returns a fresh UUID v4 string.
func (RandomIDs) NewID() string { return uuid.New().String() }

// NewVisitorCookie returns a fresh visitor cookie.
func (RandomIDs) NewVisitorCookie() string { return VisitorCookiePrefix + randomHex() }

// NewSessionCookie returns a fresh session cookie.
func (RandomIDs) NewSessionCookie() string { return SessionCookiePrefix + randomHex() }

func randomHex() string {
	buf := make([]byte, cookieHexLen/2)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failure means the process is in a bad state;
		// fall back to a UUID-derived body rather than panic in the
		// request path.
		return strings.ReplaceAll(uuid.New().String(), "-", "")
	}
	return hex.EncodeToString(buf)
}

// ValidVisitorCookie reports whether s has the expected visitor cookie
// shape: the "bv_" prefix followed by exactly 32 hex characters.
func ValidVisitorCookie(s string) bool {
	return validCookie(s, VisitorCookiePrefix)
}

// ValidSessionCookie reports whether s has the expected session cookie shape.
func ValidSessionCookie(s string) bool {
	return validCookie(s, SessionCookiePrefix)
}

func validCookie(s, prefix string) bool {
	if !strings.HasPrefix(s, prefix) {
		return false
	}
	body := s[len(prefix):]
	if len(body) != cookieHexLen {
		return false
	}
	for _, c := range body {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
