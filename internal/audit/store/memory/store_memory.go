// Package memory provides an in-memory chain store for tests and local
// development. It honors the same linearizability contract as the Postgres
// store by checking the chain head under the store lock.
package memory

import (
	"context"
	"slices"
	"sync"

	"chainlog/internal/audit"
)

type Store struct {
	mu      sync.RWMutex
	entries map[string][]*audit.Entry // tenantID -> entries in insertion order
	latest  map[string]string         // tenantID -> current chain head hash
}

func New() *Store {
	return &Store{
		entries: make(map[string][]*audit.Entry),
		latest:  make(map[string]string),
	}
}

func (s *Store) LatestHash(_ context.Context, tenantID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest[tenantID], nil
}

func (s *Store) Append(_ context.Context, entry *audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.latest[entry.TenantID] != entry.PreviousHash {
		return audit.ErrChainConflict
	}

	copied := *entry
	s.entries[entry.TenantID] = append(s.entries[entry.TenantID], &copied)
	s.latest[entry.TenantID] = entry.CurrentHash
	return nil
}

func (s *Store) Query(_ context.Context, q audit.Query) ([]*audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*audit.Entry
	for _, e := range s.entries[q.TenantID] {
		if matches(e, q) {
			matched = append(matched, e)
		}
	}

	// Entries are held in insertion order, which is oldest-first.
	if !q.OldestFirst {
		slices.Reverse(matched)
	}

	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[q.Offset:]
	}
	if q.Limit > 0 && q.Limit < len(matched) {
		matched = matched[:q.Limit]
	}

	out := make([]*audit.Entry, len(matched))
	for i, e := range matched {
		copied := *e
		out[i] = &copied
	}
	return out, nil
}

// Tamper mutates a stored entry in place, bypassing the append path. It
// exists so integrity verification tests can corrupt a chain the way a
// direct database edit would.
func (s *Store) Tamper(tenantID string, index int, mutate func(*audit.Entry)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	chain := s.entries[tenantID]
	if index < 0 || index >= len(chain) {
		return false
	}
	mutate(chain[index])
	return true
}

func matches(e *audit.Entry, q audit.Query) bool {
	f := q.Filter
	if f.ActorUserID != "" && e.Actor.UserID != f.ActorUserID {
		return false
	}
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if f.EventName != "" && e.EventName != f.EventName {
		return false
	}
	if f.ResourceType != "" && e.ResourceType != f.ResourceType {
		return false
	}
	if f.ResourceID != "" && e.ResourceID != f.ResourceID {
		return false
	}
	if f.ComplianceTag != "" && !slices.Contains(e.ComplianceTags, f.ComplianceTag) {
		return false
	}
	if !q.From.IsZero() && e.CreatedAt.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && e.CreatedAt.After(q.To) {
		return false
	}
	return true
}
