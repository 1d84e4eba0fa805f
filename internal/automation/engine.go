package automation

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/facturador/mailtrigger/internal/mailbox"
	"github.com/facturador/mailtrigger/internal/state"
)

// PushMode labels how a push notification was handled.
type PushMode string

const (
	// ModeDuplicate: the marker was not newer than the stored cursor.
	ModeDuplicate PushMode = "duplicate"
	// ModeBootstrap: no cursor existed yet; a full drain ran and the pushed
	// marker was adopted as the initial cursor.
	ModeBootstrap PushMode = "bootstrap_sync"
	// ModeHistoryGap: the stored cursor was too old for an incremental
	// fetch; a full drain ran instead.
	ModeHistoryGap PushMode = "history_gap_full_sync"
	// ModeIncremental: the change log since the cursor was fetched and
	// processed.
	ModeIncremental PushMode = "history_incremental"
)

// PushResult summarizes one handled notification.
type PushResult struct {
	Mode         PushMode `json:"mode"`
	CursorBefore uint64   `json:"cursor_before"`
	CursorAfter  uint64   `json:"cursor_after"`
	MessageIDs   int      `json:"message_ids,omitempty"`
	Summary      *Summary `json:"summary,omitempty"`
}

// Engine reconciles incoming history markers against the stored cursor and
// runs the delta through the pipeline. The cursor only ever moves forward
// and is persisted only after candidates were handed off, so a crash between
// fetch and processing re-fetches the same range rather than skipping it.
type Engine struct {
	State    state.Store
	Mailbox  mailbox.Mailbox
	Pipeline *Pipeline
	Poller   *Poller

	// MaxSyncCycles bounds the full drains the engine falls back to.
	MaxSyncCycles int
}

// HandlePush processes one decoded notification marker. Duplicate or stale
// markers are acknowledged as no-ops without touching the mailbox.
func (e *Engine) HandlePush(ctx context.Context, marker uint64) (*PushResult, error) {
	ws, err := e.State.Load(ctx)
	if errors.Is(err, state.ErrNotFound) {
		return e.bootstrap(ctx, marker)
	}
	if err != nil {
		return nil, err
	}

	if marker <= ws.HistoryID {
		log.Printf("stale push marker %d (cursor %d), acknowledging as no-op", marker, ws.HistoryID)
		return &PushResult{
			Mode:         ModeDuplicate,
			CursorBefore: ws.HistoryID,
			CursorAfter:  ws.HistoryID,
		}, nil
	}

	ids, maxID, err := e.Mailbox.ListHistory(ctx, ws.HistoryID)
	if errors.Is(err, mailbox.ErrHistoryExpired) {
		return e.historyGap(ctx, ws, marker)
	}
	if err != nil {
		return nil, fmt.Errorf("incremental fetch from %d: %w", ws.HistoryID, err)
	}

	summary := &Summary{}
	for _, id := range ids {
		summary.Add(e.Pipeline.Process(ctx, id))
	}

	// Advance the cursor only now that every candidate has been handed off.
	newCursor := maxID
	if marker > newCursor {
		newCursor = marker
	}
	result := &PushResult{
		Mode:         ModeIncremental,
		CursorBefore: ws.HistoryID,
		CursorAfter:  ws.HistoryID,
		MessageIDs:   len(ids),
		Summary:      summary,
	}
	if newCursor > ws.HistoryID {
		ws.HistoryID = newCursor
		if err := e.State.Save(ctx, ws); err != nil {
			// The pass re-fetches the same range next time; the processed
			// label keeps that from repeating side effects.
			return result, fmt.Errorf("persist cursor %d: %w", newCursor, err)
		}
		result.CursorAfter = newCursor
	}
	return result, nil
}

// bootstrap handles the very first notification: no cursor exists, so the
// engine drains by direct search and adopts the pushed marker.
func (e *Engine) bootstrap(ctx context.Context, marker uint64) (*PushResult, error) {
	summary, err := e.Poller.FullSync(ctx, e.MaxSyncCycles)
	if err != nil {
		return nil, fmt.Errorf("bootstrap drain: %w", err)
	}

	ws := &state.WatchState{HistoryID: marker}
	if err := e.State.Save(ctx, ws); err != nil {
		return nil, fmt.Errorf("persist bootstrap cursor %d: %w", marker, err)
	}
	return &PushResult{
		Mode:        ModeBootstrap,
		CursorAfter: marker,
		Summary:     summary,
	}, nil
}

// historyGap handles an expired cursor: the change log is gone upstream, so
// a full drain recovers the backlog and the pushed marker becomes the new
// cursor.
func (e *Engine) historyGap(ctx context.Context, ws *state.WatchState, marker uint64) (*PushResult, error) {
	log.Printf("history expired at cursor %d, falling back to full sync", ws.HistoryID)
	summary, err := e.Poller.FullSync(ctx, e.MaxSyncCycles)
	if err != nil {
		return nil, fmt.Errorf("history-gap drain: %w", err)
	}

	before := ws.HistoryID
	ws.HistoryID = marker
	if err := e.State.Save(ctx, ws); err != nil {
		return nil, fmt.Errorf("persist cursor %d after history gap: %w", marker, err)
	}
	return &PushResult{
		Mode:         ModeHistoryGap,
		CursorBefore: before,
		CursorAfter:  marker,
		Summary:      summary,
	}, nil
}
