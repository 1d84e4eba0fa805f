package automation

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/facturador/mailtrigger/internal/invoice"
	"github.com/facturador/mailtrigger/internal/mailbox"
	"github.com/facturador/mailtrigger/internal/state"
	"github.com/facturador/mailtrigger/internal/storage"
)

const testProcessedLabel = "Label_processed"

// fakeMessage is one message in the fake mailbox.
type fakeMessage struct {
	id          string
	labels      []string
	attachments []mailbox.Attachment
}

type historyEntry struct {
	marker    uint64
	messageID string
}

// fakeMailbox implements mailbox.Mailbox in memory and counts calls so tests
// can assert that stale markers cause zero fetches.
type fakeMailbox struct {
	mu       sync.Mutex
	messages map[string]*fakeMessage
	order    []string
	history  []historyEntry

	// expireBelow makes ListHistory fail with ErrHistoryExpired for start
	// cursors below this value.
	expireBelow uint64

	listHistoryCalls int
	searchCalls      int

	watchResult *mailbox.WatchResult
	watchErr    error
}

func newFakeMailbox() *fakeMailbox {
	return &fakeMailbox{messages: make(map[string]*fakeMessage)}
}

func (f *fakeMailbox) addMessage(id string, attachments ...mailbox.Attachment) {
	f.messages[id] = &fakeMessage{id: id, attachments: attachments}
	f.order = append(f.order, id)
}

func (f *fakeMailbox) addHistory(marker uint64, messageID string) {
	f.history = append(f.history, historyEntry{marker: marker, messageID: messageID})
}

func (f *fakeMailbox) hasLabel(id, label string) bool {
	msg := f.messages[id]
	if msg == nil {
		return false
	}
	for _, l := range msg.labels {
		if l == label {
			return true
		}
	}
	return false
}

func (f *fakeMailbox) ListHistory(_ context.Context, start uint64) ([]string, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listHistoryCalls++

	if start < f.expireBelow {
		return nil, 0, mailbox.ErrHistoryExpired
	}

	seen := make(map[string]bool)
	var ids []string
	maxID := start
	for _, entry := range f.history {
		if entry.marker <= start {
			continue
		}
		if entry.marker > maxID {
			maxID = entry.marker
		}
		if !seen[entry.messageID] {
			seen[entry.messageID] = true
			ids = append(ids, entry.messageID)
		}
	}
	return ids, maxID, nil
}

func (f *fakeMailbox) Search(_ context.Context, _ string, max int64) ([]mailbox.Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searchCalls++

	var out []mailbox.Candidate
	for _, id := range f.order {
		if int64(len(out)) >= max {
			break
		}
		msg := f.messages[id]
		labeled := false
		for _, l := range msg.labels {
			if l == testProcessedLabel {
				labeled = true
				break
			}
		}
		if labeled {
			continue
		}
		out = append(out, mailbox.Candidate{ID: id})
	}
	return out, nil
}

func (f *fakeMailbox) GetCandidate(_ context.Context, id string) (*mailbox.Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.messages[id]
	if !ok {
		return nil, fmt.Errorf("no such message %s", id)
	}
	labels := append([]string(nil), msg.labels...)
	return &mailbox.Candidate{ID: id, LabelIDs: labels}, nil
}

func (f *fakeMailbox) GetAttachments(_ context.Context, id string) ([]mailbox.Attachment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.messages[id]
	if !ok {
		return nil, fmt.Errorf("no such message %s", id)
	}
	return msg.attachments, nil
}

func (f *fakeMailbox) ModifyLabels(_ context.Context, id string, add, remove []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.messages[id]
	if !ok {
		return fmt.Errorf("no such message %s", id)
	}
	for _, a := range add {
		msg.labels = append(msg.labels, a)
	}
	for _, r := range remove {
		kept := msg.labels[:0]
		for _, l := range msg.labels {
			if l != r {
				kept = append(kept, l)
			}
		}
		msg.labels = kept
	}
	return nil
}

func (f *fakeMailbox) Watch(_ context.Context, _ string, _ []string) (*mailbox.WatchResult, error) {
	if f.watchErr != nil {
		return nil, f.watchErr
	}
	return f.watchResult, nil
}

func (f *fakeMailbox) EnsureLabel(_ context.Context, _ string) (string, error) {
	return testProcessedLabel, nil
}

// fakeUploader records folder uploads and can fail on demand.
type fakeUploader struct {
	mu      sync.Mutex
	folders map[string][]string
	calls   int
	failErr error
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{folders: make(map[string][]string)}
}

func (u *fakeUploader) UploadFolder(_ context.Context, files []storage.File, _, folderName string) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls++
	if u.failErr != nil {
		return "", u.failErr
	}
	for _, f := range files {
		u.folders[folderName] = append(u.folders[folderName], f.Name)
	}
	return "folder-" + folderName, nil
}

func (u *fakeUploader) folderNames() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	var names []string
	for name := range u.folders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// fakeConverter returns a single spreadsheet artifact.
type fakeConverter struct {
	failErr error
}

func (c *fakeConverter) Convert(_ context.Context, _ []byte) ([]invoice.OutputFile, error) {
	if c.failErr != nil {
		return nil, c.failErr
	}
	return []invoice.OutputFile{{Name: "prices.xlsx", Data: []byte("xlsx"), MIMEType: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"}}, nil
}

// memStore is an in-memory state.Store with injectable failures.
type memStore struct {
	mu      sync.Mutex
	ws      *state.WatchState
	loadErr error
	saveErr error
	saves   int
}

func (s *memStore) Load(_ context.Context) (*state.WatchState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	if s.ws == nil {
		return nil, state.ErrNotFound
	}
	copied := *s.ws
	return &copied, nil
}

func (s *memStore) Save(_ context.Context, ws *state.WatchState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	copied := *ws
	s.ws = &copied
	s.saves++
	return nil
}

func (s *memStore) cursor() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ws == nil {
		return 0
	}
	return s.ws.HistoryID
}

// invoiceZip builds a zip holding a UBL AttachedDocument with the invoice
// embedded in cbc:Description, the way electronic invoices actually arrive.
func invoiceZip(t *testing.T, invoiceID string) []byte {
	t.Helper()
	attached := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<AttachedDocument xmlns:cac="urn:oasis:names:specification:ubl:schema:xsd:CommonAggregateComponents-2" xmlns:cbc="urn:oasis:names:specification:ubl:schema:xsd:CommonBasicComponents-2">
  <cac:Attachment>
    <cac:ExternalReference>
      <cbc:Description><![CDATA[<?xml version="1.0" encoding="UTF-8"?><Invoice xmlns:cbc="urn:oasis:names:specification:ubl:schema:xsd:CommonBasicComponents-2"><cbc:ID>%s</cbc:ID></Invoice>]]></cbc:Description>
    </cac:ExternalReference>
  </cac:Attachment>
</AttachedDocument>`, invoiceID)

	return buildZip(t, map[string][]byte{
		"factura.xml": []byte(attached),
		"factura.pdf": []byte("%PDF-1.4 fake"),
	})
}

// attachment wraps an invoice zip as a mailbox attachment.
func attachment(t *testing.T, invoiceID string) mailbox.Attachment {
	t.Helper()
	return mailbox.Attachment{Name: "adjunto.zip", Data: invoiceZip(t, invoiceID)}
}

func buildZip(t *testing.T, entries map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("create zip entry %s: %v", name, err)
		}
		if _, err := w.Write(entries[name]); err != nil {
			t.Fatalf("write zip entry %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

// newTestRig assembles a pipeline, poller and engine over the fakes.
func newTestRig(mbox *fakeMailbox, store *memStore) (*Pipeline, *Poller, *Engine, *fakeUploader) {
	uploader := newFakeUploader()
	pipeline := &Pipeline{
		Mailbox:          mbox,
		Uploader:         uploader,
		Converter:        &fakeConverter{},
		ProcessedLabelID: testProcessedLabel,
		ParentFolderID:   "parent",
		MarkAsRead:       true,
	}
	poller := &Poller{
		Mailbox:            mbox,
		Pipeline:           pipeline,
		Query:              "has:attachment filename:zip in:inbox",
		ProcessedLabelName: "facturador-procesado",
		PerCycleLimit:      10,
	}
	engine := &Engine{
		State:         store,
		Mailbox:       mbox,
		Pipeline:      pipeline,
		Poller:        poller,
		MaxSyncCycles: 5,
	}
	return pipeline, poller, engine, uploader
}
