package batch

import (
	"sync"

	"cnascan/internal/models"
)

// RunState accumulates the results and errors of one batch run. It is
// append-only: records are never rewritten in place, so the interrupt
// handler can flush a snapshot while the driver loop is mid-record.
type RunState struct {
	mu      sync.Mutex
	results []*models.LawyerRecord
	errors  []string
}

func NewRunState() *RunState {
	return &RunState{}
}

// AppendResult adds one output record, preserving input order.
func (s *RunState) AppendResult(record *models.LawyerRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, record)
}

// AppendError adds one line to the run's error log.
func (s *RunState) AppendError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, msg)
}

// Snapshot returns copies of the accumulated results and errors.
func (s *RunState) Snapshot() ([]*models.LawyerRecord, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	results := make([]*models.LawyerRecord, len(s.results))
	copy(results, s.results)
	errors := make([]string, len(s.errors))
	copy(errors, s.errors)
	return results, errors
}

// ResultCount reports how many records have been appended.
func (s *RunState) ResultCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}
