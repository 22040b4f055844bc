package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/catalog-harvester/internal/harvest"
)

// Ledger keeps item records and job summaries per job ID.
type Ledger struct {
	mu    sync.RWMutex
	items map[string][]harvest.ItemRecord
	jobs  map[string]harvest.Summary
}

var _ harvest.Ledger = (*Ledger)(nil)

// NewLedger returns an empty Ledger.
func NewLedger() *Ledger {
	return &Ledger{
		items: make(map[string][]harvest.ItemRecord),
		jobs:  make(map[string]harvest.Summary),
	}
}

// RecordItem appends rec to the job's records. A record for an already
// recorded directory replaces the earlier one.
func (l *Ledger) RecordItem(_ context.Context, jobID string, rec harvest.ItemRecord) error {
	if jobID == "" {
		return fmt.Errorf("job id is required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	records := l.items[jobID]
	for i := range records {
		if records[i].Dir == rec.Dir {
			records[i] = rec
			return nil
		}
	}
	l.items[jobID] = append(records, rec)
	return nil
}

// RecordJob stores the job summary.
func (l *Ledger) RecordJob(_ context.Context, summary harvest.Summary) error {
	if summary.JobID == "" {
		return fmt.Errorf("job id is required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.jobs[summary.JobID] = summary
	return nil
}

// Records returns a copy of the job's item records in recording order.
func (l *Ledger) Records(jobID string) []harvest.ItemRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]harvest.ItemRecord, len(l.items[jobID]))
	copy(out, l.items[jobID])
	return out
}

// Job returns the stored summary for jobID.
func (l *Ledger) Job(jobID string) (harvest.Summary, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.jobs[jobID]
	return s, ok
}
