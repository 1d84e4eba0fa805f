// Package state persists the mailbox watch record: history cursor, watch
// expiry and the label filter the subscription was registered with.
package state

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Load when no watch record exists yet.
var ErrNotFound = errors.New("watch state not found")

// ErrUnavailable wraps failures to reach the backing store. Callers abort the
// current pass without touching their in-memory cursor.
var ErrUnavailable = errors.New("state store unavailable")

// WatchState is the single durable document per mailbox.
type WatchState struct {
	HistoryID   uint64    `json:"last_history_id"`
	WatchExpiry time.Time `json:"watch_expiration"`
	LabelIDs    []string  `json:"label_ids"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store is a point read/write document store with last-write-wins semantics.
// A single writer is assumed; see the operation mutex in the server.
type Store interface {
	Load(ctx context.Context) (*WatchState, error)
	Save(ctx context.Context, ws *WatchState) error
}
