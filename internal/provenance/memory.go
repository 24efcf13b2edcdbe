package provenance

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory, thread-safe Store implementation.
// It is primarily useful for testing and for single-process deployments
// that do not require durable persistence across restarts.
type MemoryStore struct {
	mu       sync.RWMutex
	chains   map[string][]*Record
	claimed  map[string]struct{} // subject + "|" + previous hash
	lastSeen map[string]time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chains:   make(map[string][]*Record),
		claimed:  make(map[string]struct{}),
		lastSeen: make(map[string]time.Time),
	}
}

// Append implements Store. The record is copied before it is stored, so a
// concurrent reader never observes a partially written record.
func (s *MemoryStore) Append(_ context.Context, rec *Record) (uuid.UUID, error) {
	if rec == nil {
		return uuid.Nil, fmt.Errorf("%w: nil record", ErrInvalidRecord)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := rec.SubjectID + "|" + rec.PreviousHash
	if _, taken := s.claimed[key]; taken {
		return uuid.Nil, fmt.Errorf("%w: subject %s already links to %s", ErrChainConflict, rec.SubjectID, rec.PreviousHash)
	}

	cp := rec.Clone()
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}

	chain := append(s.chains[rec.SubjectID], cp)
	sort.SliceStable(chain, func(i, j int) bool {
		return chain[i].Timestamp.Before(chain[j].Timestamp)
	})
	s.chains[rec.SubjectID] = chain
	s.claimed[key] = struct{}{}
	s.lastSeen[rec.SubjectID] = cp.Timestamp
	return cp.ID, nil
}

// ListBySubject implements Store.
func (s *MemoryStore) ListBySubject(_ context.Context, subjectID string) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.chains[subjectID]
	out := make([]*Record, 0, len(chain))
	for _, r := range chain {
		out = append(out, r.Clone())
	}
	return out, nil
}

// LatestForSubject implements Store.
func (s *MemoryStore) LatestForSubject(_ context.Context, subjectID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.chains[subjectID]
	if len(chain) == 0 {
		return nil, nil
	}
	return chain[len(chain)-1].Clone(), nil
}

// ListSubjects implements SubjectLister, most recently active first.
func (s *MemoryStore) ListSubjects(_ context.Context, since time.Time, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var subjects []string
	for id, ts := range s.lastSeen {
		if !ts.Before(since) {
			subjects = append(subjects, id)
		}
	}
	sort.Slice(subjects, func(i, j int) bool {
		return s.lastSeen[subjects[i]].After(s.lastSeen[subjects[j]])
	})
	if limit > 0 && len(subjects) > limit {
		subjects = subjects[:limit]
	}
	return subjects, nil
}

// ListRecent implements RecentLister, newest first.
func (s *MemoryStore) ListRecent(_ context.Context, limit int) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []*Record
	for _, chain := range s.chains {
		all = append(all, chain...)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].Timestamp.After(all[j].Timestamp)
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	out := make([]*Record, 0, len(all))
	for _, r := range all {
		out = append(out, r.Clone())
	}
	return out, nil
}
