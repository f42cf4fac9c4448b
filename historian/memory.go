package historian

import (
	"context"
	"sync"

	"github.com/rbaliyan/scadaflow/envelope"
)

// MemoryRepository is an in-memory Repository for tests and local runs.
type MemoryRepository struct {
	mu     sync.RWMutex
	tables map[envelope.Category]map[string]envelope.Envelope
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	tables := make(map[envelope.Category]map[string]envelope.Envelope, 3)
	for _, c := range envelope.Categories() {
		tables[c] = make(map[string]envelope.Envelope)
	}
	return &MemoryRepository{tables: tables}
}

// InsertAll stores envelopes whose event id is not yet in their table.
func (r *MemoryRepository) InsertAll(ctx context.Context, envs []envelope.Envelope) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range envs {
		if _, err := TableFor(e.Category); err != nil {
			return 0, err
		}
	}

	var n int64
	for _, e := range envs {
		table := r.tables[e.Category]
		if _, exists := table[e.EventID]; exists {
			continue
		}
		if e.Category == envelope.CategoryAlarm {
			e.Severity = e.AlarmSeverity()
		}
		table[e.EventID] = e
		n++
	}
	return n, nil
}

// Get returns the stored envelope for id.
func (r *MemoryRepository) Get(cat envelope.Category, id string) (envelope.Envelope, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tables[cat][id]
	return e, ok
}

// Count returns the number of rows stored for cat.
func (r *MemoryRepository) Count(cat envelope.Category) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tables[cat])
}

var _ Repository = (*MemoryRepository)(nil)
