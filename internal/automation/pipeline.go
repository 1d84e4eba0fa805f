// Package automation is the synchronization core: the incremental sync
// engine driven by push markers, the cursor-independent full-sync poller,
// the watch registrar and the idempotent per-message processing pipeline.
package automation

import (
	"context"
	"log"

	"github.com/facturador/mailtrigger/internal/events"
	"github.com/facturador/mailtrigger/internal/invoice"
	"github.com/facturador/mailtrigger/internal/mailbox"
	"github.com/facturador/mailtrigger/internal/storage"
)

// Outcome classifies one pipeline run.
type Outcome int

const (
	// OutcomeProcessed: at least one attachment was converted and uploaded,
	// and the processed label was applied.
	OutcomeProcessed Outcome = iota
	// OutcomeSkipped: nothing to do: already labeled, already in the
	// ledger, or no zip attachment (labeled so it is not revisited).
	OutcomeSkipped
	// OutcomeFailed: some step failed; no label was applied, so the message
	// stays visible to future syncs.
	OutcomeFailed
)

// Result is the outcome of processing one message.
type Result struct {
	Outcome     Outcome
	Attachments int
}

// Pipeline turns one candidate message into a completed, recorded upload.
// The processed label is the durable de-duplication marker: it is checked
// before any remote write and applied only after the upload succeeds.
type Pipeline struct {
	Mailbox   mailbox.Mailbox
	Uploader  storage.Uploader
	Converter invoice.Converter
	// Ledger is optional; when present it is consulted before the label as
	// a stronger local idempotency gate and updated after each upload.
	Ledger *events.Ledger

	ProcessedLabelID string
	ParentFolderID   string
	MarkAsRead       bool
}

// Process runs the pipeline for messageID. A failure affects only this
// message; callers continue with the next candidate.
func (p *Pipeline) Process(ctx context.Context, messageID string) Result {
	if p.Ledger != nil {
		done, err := p.Ledger.IsProcessed(ctx, messageID)
		if err != nil {
			log.Printf("ledger lookup for %s failed, falling through to label check: %v", messageID, err)
		} else if done {
			return Result{Outcome: OutcomeSkipped}
		}
	}

	cand, err := p.Mailbox.GetCandidate(ctx, messageID)
	if err != nil {
		log.Printf("fetch candidate %s: %v", messageID, err)
		return Result{Outcome: OutcomeFailed}
	}
	if cand.HasLabel(p.ProcessedLabelID) {
		return Result{Outcome: OutcomeSkipped}
	}

	attachments, err := p.Mailbox.GetAttachments(ctx, messageID)
	if err != nil {
		log.Printf("fetch attachments of %s: %v", messageID, err)
		return Result{Outcome: OutcomeFailed}
	}
	if len(attachments) == 0 {
		// No zip will ever appear on this message; label it so full syncs
		// stop returning it.
		if err := p.markProcessed(ctx, messageID); err != nil {
			log.Printf("label no-attachment message %s: %v", messageID, err)
			return Result{Outcome: OutcomeFailed}
		}
		return Result{Outcome: OutcomeSkipped}
	}

	ok := 0
	failed := false
	for _, att := range attachments {
		if err := p.processAttachment(ctx, messageID, att); err != nil {
			failed = true
			log.Printf("process attachment %s of %s: %v", att.Name, messageID, err)
			continue
		}
		ok++
	}
	if failed {
		return Result{Outcome: OutcomeFailed, Attachments: ok}
	}

	if err := p.markProcessed(ctx, messageID); err != nil {
		// Upload succeeded but the marker did not stick. Re-running is safe:
		// the deterministic folder name makes the retried upload converge.
		log.Printf("label processed message %s: %v", messageID, err)
		return Result{Outcome: OutcomeFailed, Attachments: ok}
	}
	return Result{Outcome: OutcomeProcessed, Attachments: ok}
}

// processAttachment extracts, converts and uploads one archive. The upload
// targets a folder named after the invoice reference, so retries reuse the
// same folder instead of duplicating it.
func (p *Pipeline) processAttachment(ctx context.Context, messageID string, att mailbox.Attachment) error {
	doc, err := invoice.ExtractArchive(att.Data)
	if err != nil {
		return err
	}

	outputs, err := p.Converter.Convert(ctx, doc.InvoiceXML)
	if err != nil {
		return err
	}

	files := make([]storage.File, 0, len(outputs)+1)
	for _, out := range outputs {
		files = append(files, storage.File{Name: out.Name, Data: out.Data, MIMEType: out.MIMEType})
	}
	if len(doc.PDF) > 0 {
		files = append(files, storage.File{Name: doc.PDFName, Data: doc.PDF, MIMEType: "application/pdf"})
	}

	folderID, err := p.Uploader.UploadFolder(ctx, files, p.ParentFolderID, doc.Reference)
	if err != nil {
		return err
	}

	if p.Ledger != nil {
		if err := p.Ledger.RecordProcessed(ctx, messageID, doc.Reference, folderID); err != nil {
			// The label remains the authoritative marker; a missing ledger
			// row only loses the observability record.
			log.Printf("record processed %s in ledger: %v", messageID, err)
		}
	}
	return nil
}

func (p *Pipeline) markProcessed(ctx context.Context, messageID string) error {
	var remove []string
	if p.MarkAsRead {
		remove = []string{"UNREAD"}
	}
	return p.Mailbox.ModifyLabels(ctx, messageID, []string{p.ProcessedLabelID}, remove)
}
