package automation

// Summary aggregates the outcome of a sync pass.
type Summary struct {
	Checked     int `json:"checked_messages"`
	Processed   int `json:"processed_messages"`
	Attachments int `json:"processed_attachments"`
	Skipped     int `json:"skipped_messages"`
	Failed      int `json:"failed_messages"`
}

// Add folds one pipeline result into the summary.
func (s *Summary) Add(r Result) {
	s.Checked++
	switch r.Outcome {
	case OutcomeProcessed:
		s.Processed++
		s.Attachments += r.Attachments
	case OutcomeSkipped:
		s.Skipped++
	case OutcomeFailed:
		s.Failed++
	}
}

// Merge folds another summary into the receiver.
func (s *Summary) Merge(other Summary) {
	s.Checked += other.Checked
	s.Processed += other.Processed
	s.Attachments += other.Attachments
	s.Skipped += other.Skipped
	s.Failed += other.Failed
}
