// Package store persists templates, contracts, signing records and the
// notification outbox. Store is the Postgres implementation; Memory backs
// tests and local runs.
package store

import (
	"errors"
	"time"

	"github.com/accordsai/esign/pkg/domain"
)

// ErrVersionConflict means another writer committed first; reload and retry.
var ErrVersionConflict = errors.New("contract version conflict")

// OutboxEntry is a queued notification and its delivery bookkeeping.
type OutboxEntry struct {
	Notification  domain.Notification `json:"notification"`
	Attempts      int                 `json:"attempts"`
	LastError     string              `json:"last_error,omitempty"`
	NextAttemptAt time.Time           `json:"next_attempt_at"`
	DeliveredAt   *time.Time          `json:"delivered_at,omitempty"`
	// DeadAt is set once delivery is abandoned; dead entries are never due.
	DeadAt *time.Time `json:"dead_at,omitempty"`
}
