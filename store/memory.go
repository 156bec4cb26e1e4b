package store

import (
	"sort"
	"sync"

	"github.com/binwatch/binwatch/schema"
)

// MemoryStore is an in-memory history and checkpoint store for tests and
// throwaway runs. Records are kept in position order.
type MemoryStore struct {
	mu          sync.Mutex
	records     []schema.HistoryRecord
	checkpoints map[string][]byte

	// FailAppends makes Append return an error, for exercising the fatal
	// history-write path.
	FailAppends bool
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{checkpoints: make(map[string][]byte)}
}

// Append stores a record, keeping position order.
func (s *MemoryStore) Append(rec schema.HistoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailAppends {
		return errAppendFailed
	}

	rec.Snapshot = rec.Snapshot.Snapshot()
	s.records = append(s.records, rec)
	sort.SliceStable(s.records, func(i, j int) bool {
		return s.records[i].Position.Compare(s.records[j].Position) < 0
	})
	return nil
}

// Replay iterates records in position order.
func (s *MemoryStore) Replay(fn func(rec schema.HistoryRecord) (bool, error)) error {
	s.mu.Lock()
	records := make([]schema.HistoryRecord, len(s.records))
	copy(records, s.records)
	s.mu.Unlock()

	for _, rec := range records {
		cont, err := fn(rec)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Load returns the checkpoint for name, or (nil, nil) when absent.
func (s *MemoryStore) Load(name string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[name]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(cp))
	copy(out, cp)
	return out, nil
}

// Save stores the checkpoint for name.
func (s *MemoryStore) Save(name string, checkpoint []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(checkpoint))
	copy(cp, checkpoint)
	s.checkpoints[name] = cp
	return nil
}
