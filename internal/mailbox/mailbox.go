// Package mailbox defines the mail-provider capability the sync engine and
// processing pipeline run against.
package mailbox

import (
	"context"
	"errors"
	"time"
)

// ErrHistoryExpired signals that the requested start cursor is too old for an
// incremental fetch. Callers fall back to a full sync instead of retrying.
var ErrHistoryExpired = errors.New("mailbox history expired")

// Candidate is a message eligible for processing.
type Candidate struct {
	ID       string
	ThreadID string
	LabelIDs []string
}

// HasLabel reports whether the candidate currently carries labelID.
func (c *Candidate) HasLabel(labelID string) bool {
	for _, id := range c.LabelIDs {
		if id == labelID {
			return true
		}
	}
	return false
}

// Attachment is one downloaded attachment of a message.
type Attachment struct {
	Name string
	Data []byte
}

// WatchResult is the outcome of (re-)registering a push subscription.
type WatchResult struct {
	HistoryID uint64
	Expiry    time.Time
}

// Mailbox is the provider capability. All calls are potentially slow I/O and
// honor the context deadline.
type Mailbox interface {
	// ListHistory returns the ids of messages added since startHistoryID,
	// deduplicated, plus the highest history marker observed across all
	// fetched pages. Returns ErrHistoryExpired when the cursor is too old.
	ListHistory(ctx context.Context, startHistoryID uint64) (ids []string, maxID uint64, err error)

	// Search runs a direct query and returns up to max candidates.
	Search(ctx context.Context, query string, max int64) ([]Candidate, error)

	// GetCandidate fetches a message's current labels.
	GetCandidate(ctx context.Context, id string) (*Candidate, error)

	// GetAttachments downloads the zip attachments of a message.
	GetAttachments(ctx context.Context, id string) ([]Attachment, error)

	// ModifyLabels adds and removes labels on a message.
	ModifyLabels(ctx context.Context, id string, add, remove []string) error

	// Watch registers or renews the push subscription for the label filter.
	Watch(ctx context.Context, topic string, labelIDs []string) (*WatchResult, error)

	// EnsureLabel returns the id of the named label, creating it if missing.
	EnsureLabel(ctx context.Context, name string) (string, error)
}
