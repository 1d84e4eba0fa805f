package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/facturador/mailtrigger/internal/mailbox"
	"github.com/facturador/mailtrigger/internal/state"
)

// Registrar (re-)establishes the push subscription. Subscriptions lapse
// after a provider-fixed TTL, so an external scheduler calls this well
// inside that window.
type Registrar struct {
	State   state.Store
	Mailbox mailbox.Mailbox
	Poller  *Poller

	Topic    string
	LabelIDs []string
	// SyncAfterStart runs a drain right after registration to pick up
	// anything that arrived while the watch was lapsed.
	SyncAfterStart bool
	MaxSyncCycles  int
}

// WatchSummary reports the registration outcome.
type WatchSummary struct {
	HistoryID    uint64    `json:"history_id"`
	Expiry       time.Time `json:"expiration"`
	CursorBefore uint64    `json:"cursor_before"`
	CursorAfter  uint64    `json:"cursor_after"`
	Sync         *Summary  `json:"sync,omitempty"`
}

// StartWatch registers the subscription and persists the result. The expiry
// is always overwritten; the cursor is adopted from the watch response only
// when none is stored, so renewals never skip history. A registration
// failure leaves the stored state untouched.
func (r *Registrar) StartWatch(ctx context.Context) (*WatchSummary, error) {
	if r.Topic == "" {
		return nil, fmt.Errorf("watch topic not configured")
	}

	wr, err := r.Mailbox.Watch(ctx, r.Topic, r.LabelIDs)
	if err != nil {
		return nil, fmt.Errorf("register watch: %w", err)
	}

	ws, err := r.State.Load(ctx)
	if errors.Is(err, state.ErrNotFound) {
		ws = &state.WatchState{}
	} else if err != nil {
		return nil, err
	}

	before := ws.HistoryID
	ws.WatchExpiry = wr.Expiry
	ws.LabelIDs = r.LabelIDs
	if ws.HistoryID == 0 {
		ws.HistoryID = wr.HistoryID
	}
	if err := r.State.Save(ctx, ws); err != nil {
		return nil, err
	}

	summary := &WatchSummary{
		HistoryID:    wr.HistoryID,
		Expiry:       wr.Expiry,
		CursorBefore: before,
		CursorAfter:  ws.HistoryID,
	}
	if r.SyncAfterStart {
		sync, err := r.Poller.FullSync(ctx, r.MaxSyncCycles)
		if err != nil {
			return summary, fmt.Errorf("post-watch drain: %w", err)
		}
		summary.Sync = sync
	}
	return summary, nil
}
