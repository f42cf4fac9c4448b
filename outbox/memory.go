package outbox

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and single-process runs.
//
// The q argument of Insert is ignored and rows become visible immediately,
// so MemoryStore offers no atomicity with other local writes.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]*Row
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]*Row)}
}

// Insert stores copies of rows, skipping known ids.
func (s *MemoryStore) Insert(ctx context.Context, _ DBTX, rows ...*Row) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var inserted int64
	for _, row := range rows {
		if _, ok := s.rows[row.ID]; ok {
			continue
		}
		r := row.clone()
		r.Status = StatusPending
		r.LockedBy = ""
		r.LockedAt = nil
		r.SentAt = nil
		s.rows[r.ID] = r
		inserted++
	}
	return inserted, nil
}

// Claim locks due PENDING rows for owner, oldest first.
func (s *MemoryStore) Claim(ctx context.Context, owner string, limit int, now time.Time) ([]*Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*Row
	for _, r := range s.rows {
		if r.Status == StatusPending && !r.AvailableAt.After(now) {
			due = append(due, r)
		}
	}
	sortRows(due)
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*Row, 0, len(due))
	for _, r := range due {
		lockedAt := now
		r.Status = StatusInProgress
		r.LockedBy = owner
		r.LockedAt = &lockedAt
		claimed = append(claimed, r.clone())
	}
	return claimed, nil
}

// MarkSent records a broker acknowledgement.
func (s *MemoryStore) MarkSent(ctx context.Context, id, owner string, now time.Time) error {
	return s.owned(id, owner, func(r *Row) {
		sentAt := now
		r.Status = StatusSent
		r.SentAt = &sentAt
		r.LastError = ""
	})
}

// MarkRetry schedules the row for another attempt.
func (s *MemoryStore) MarkRetry(ctx context.Context, id, owner string, retryCount int, availableAt time.Time, lastErr string) error {
	return s.owned(id, owner, func(r *Row) {
		r.Status = StatusPending
		r.RetryCount = retryCount
		r.AvailableAt = availableAt
		r.LastError = lastErr
	})
}

// MarkFailed parks the row as FAILED.
func (s *MemoryStore) MarkFailed(ctx context.Context, id, owner string, retryCount int, lastErr string) error {
	return s.owned(id, owner, func(r *Row) {
		r.Status = StatusFailed
		r.RetryCount = retryCount
		r.LastError = lastErr
	})
}

func (s *MemoryStore) owned(id, owner string, fn func(r *Row)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rows[id]
	if !ok || r.Status != StatusInProgress || r.LockedBy != owner {
		return ErrLockLost
	}
	fn(r)
	r.LockedBy = ""
	r.LockedAt = nil
	return nil
}

// Release returns claimed rows to PENDING without counting a retry.
func (s *MemoryStore) Release(ctx context.Context, owner string, ids ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, id := range ids {
		r, ok := s.rows[id]
		if !ok || r.Status != StatusInProgress || r.LockedBy != owner {
			continue
		}
		r.Status = StatusPending
		r.LockedBy = ""
		r.LockedAt = nil
		n++
	}
	return n, nil
}

// RecoverStale returns expired claims to PENDING.
func (s *MemoryStore) RecoverStale(ctx context.Context, lockedBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, r := range s.rows {
		if r.Status == StatusInProgress && r.LockedAt != nil && r.LockedAt.Before(lockedBefore) {
			r.Status = StatusPending
			r.LockedBy = ""
			r.LockedAt = nil
			n++
		}
	}
	return n, nil
}

// DeleteSent removes SENT rows acknowledged before sentBefore.
func (s *MemoryStore) DeleteSent(ctx context.Context, sentBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, r := range s.rows {
		if r.Status == StatusSent && r.SentAt != nil && r.SentAt.Before(sentBefore) {
			delete(s.rows, id)
			n++
		}
	}
	return n, nil
}

// Requeue moves FAILED rows back to PENDING.
func (s *MemoryStore) Requeue(ctx context.Context, now time.Time, ids ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	requeue := func(r *Row) bool {
		if r.Status != StatusFailed {
			return false
		}
		r.Status = StatusPending
		r.RetryCount = 0
		r.AvailableAt = now
		r.LastError = ""
		return true
	}

	var n int64
	if len(ids) == 0 {
		for _, r := range s.rows {
			if requeue(r) {
				n++
			}
		}
		return n, nil
	}
	for _, id := range ids {
		if r, ok := s.rows[id]; ok && requeue(r) {
			n++
		}
	}
	return n, nil
}

// Stats counts rows per status.
func (s *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats Stats
	for _, r := range s.rows {
		switch r.Status {
		case StatusPending:
			stats.Pending++
			if stats.OldestPending.IsZero() || r.CreatedAt.Before(stats.OldestPending) {
				stats.OldestPending = r.CreatedAt
			}
		case StatusInProgress:
			stats.InProgress++
		case StatusSent:
			stats.Sent++
		case StatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

// Get returns a copy of the row with id.
func (s *MemoryStore) Get(id string) (*Row, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rows[id]
	if !ok {
		return nil, false
	}
	return r.clone(), true
}

// Len returns the number of stored rows.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

func (r *Row) clone() *Row {
	c := *r
	if r.LockedAt != nil {
		t := *r.LockedAt
		c.LockedAt = &t
	}
	if r.SentAt != nil {
		t := *r.SentAt
		c.SentAt = &t
	}
	return &c
}

var _ Store = (*MemoryStore)(nil)
