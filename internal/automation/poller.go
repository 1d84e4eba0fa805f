package automation

import (
	"context"
	"fmt"

	"github.com/facturador/mailtrigger/internal/mailbox"
)

// Poller is the cursor-independent backstop: it searches the mailbox
// directly for unprocessed candidates and feeds them through the same
// pipeline as the incremental path. Safe to re-run on a schedule; the
// processed label keeps repeated passes from redoing work.
type Poller struct {
	Mailbox  mailbox.Mailbox
	Pipeline *Pipeline

	// Query is the configured candidate query; the processed label is
	// excluded on top of it.
	Query              string
	ProcessedLabelName string
	// PerCycleLimit caps how many candidates one cycle fetches.
	PerCycleLimit int64
}

// FullSync drains unprocessed candidates in up to maxCycles bounded cycles.
// Each cycle's label effects are durable before the next cycle starts, so a
// budget cut-off leaves no partial state behind.
func (p *Poller) FullSync(ctx context.Context, maxCycles int) (*Summary, error) {
	merged := &Summary{}
	query := fmt.Sprintf("(%s) -label:%s", p.Query, p.ProcessedLabelName)

	for cycle := 0; cycle < maxCycles; cycle++ {
		candidates, err := p.Mailbox.Search(ctx, query, p.PerCycleLimit)
		if err != nil {
			return merged, fmt.Errorf("search cycle %d: %w", cycle+1, err)
		}
		if len(candidates) == 0 {
			break
		}
		for _, c := range candidates {
			merged.Add(p.Pipeline.Process(ctx, c.ID))
		}
	}
	return merged, nil
}
