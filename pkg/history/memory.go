package history

import (
	"context"
	"sort"
	"sync"

	"github.com/freitascorp/cumin/pkg/cuminerrors"
)

// MemoryStore is a process-lifetime history store: the default, used
// when history.driver is unset or "memory". Nothing survives restart.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*ExecutionRecord
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*ExecutionRecord)}
}

func (s *MemoryStore) RecordExecution(_ context.Context, rec *ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec
	return nil
}

func (s *MemoryStore) GetExecution(_ context.Context, id string) (*ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, cuminerrors.New(cuminerrors.WorkerError, "execution %s not found", id)
	}
	return rec, nil
}

func (s *MemoryStore) ListExecutions(_ context.Context, opts ListOptions) ([]*ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ExecutionRecord
	for _, rec := range s.records {
		if opts.Requester != "" && rec.Requester != opts.Requester {
			continue
		}
		if !opts.Since.IsZero() && rec.StartedAt.Before(opts.Since) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })

	if opts.Offset > 0 && opts.Offset < len(out) {
		out = out[opts.Offset:]
	} else if opts.Offset >= len(out) {
		out = nil
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
