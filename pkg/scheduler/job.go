// Package scheduler runs the deferred CRM reconciliation queue: form-submit
// events are enqueued as delayed jobs in the key/value store and processed by
// a periodic tick, well after the CRM's own form intake has landed.
package scheduler

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/sitebeacon/beacon/pkg/pipedrive"
)

// Key prefixes in the key/value store.
const (
	jobKeyPrefix         = "pipedrive_sync:"
	idempotencyKeyPrefix = "idempotency:"
)

// Job is one deferred CRM sync, stored as the value of a
// "pipedrive_sync:{event_id}:{scheduled_at_ms}" key. The full tracking
// payload is captured at enqueue time so a job never depends on re-reading
// rows that retention may have pruned.
type Job struct {
	pipedrive.Payload

	ScheduledAt    int64  `json:"scheduled_at"`
	CreatedAt      int64  `json:"created_at"`
	IdempotencyKey string `json:"idempotency_key"`
	ProcessedAt    int64  `json:"processed_at,omitempty"`
}

// Key returns the job's store key.
func (j Job) Key() string {
	return fmt.Sprintf("%s%d:%d", jobKeyPrefix, j.EventID, j.ScheduledAt)
}

// Encode renders the job as its stored JSON value.
func (j Job) Encode() (string, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return "", fmt.Errorf("encode job for event %d: %w", j.EventID, err)
	}
	return string(b), nil
}

// DecodeJob parses a stored job value.
func DecodeJob(value string) (Job, error) {
	var j Job
	if err := json.Unmarshal([]byte(value), &j); err != nil {
		return Job{}, fmt.Errorf("decode job: %w", err)
	}
	return j, nil
}

// parseJobKey extracts (event_id, scheduled_at_ms) from a job key. The
// scheduled time lives in the key so due-ness is decided without fetching
// the value.
func parseJobKey(key string) (eventID, scheduledAt int64, err error) {
	rest, ok := strings.CutPrefix(key, jobKeyPrefix)
	if !ok {
		return 0, 0, fmt.Errorf("not a job key: %s", key)
	}
	parts := strings.Split(rest, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed job key: %s", key)
	}
	eventID, err = strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed job key %s: %w", key, err)
	}
	scheduledAt, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed job key %s: %w", key, err)
	}
	return eventID, scheduledAt, nil
}

// idempotencyKeyFor derives the marker key guarding duplicate enqueues of
// the same submission. The hash covers the event, the submitted email, and
// the enqueue instant.
func idempotencyKeyFor(eventID int64, email string, nowMillis int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d:%s:%d", eventID, email, nowMillis)))
	return idempotencyKeyPrefix + hex.EncodeToString(sum[:])
}
