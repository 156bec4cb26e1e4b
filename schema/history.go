package schema

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/binwatch/binwatch/common"
)

// HistoryRecord is one entry of the append-only schema history: the position
// of the DDL in the source log, the database it ran against (may be empty),
// the raw DDL text, and a snapshot of the catalog taken immediately after the
// DDL was applied. Records are ordered by Position and never rewritten.
type HistoryRecord struct {
	Position common.Position
	Database string
	DDL      string
	Snapshot *Catalog
}

// HistoryStore persists history records in position order. Implementations
// are append-only and written only by the pipeline worker; Replay must not
// run concurrently with Append on the same store.
type HistoryStore interface {
	Append(rec HistoryRecord) error
	// Replay calls fn for each record in position order until fn returns
	// false or an error.
	Replay(fn func(rec HistoryRecord) (bool, error)) error
}

// HistoryWriteError reports a durability failure while appending to the
// history store. It breaks resumability, so the pipeline treats it as fatal.
type HistoryWriteError struct {
	Position common.Position
	Err      error
}

func (e *HistoryWriteError) Error() string {
	return fmt.Sprintf("history write at %s failed: %v", e.Position, e.Err)
}

func (e *HistoryWriteError) Unwrap() error { return e.Err }

// History wraps a HistoryStore with the record/recover contract used by the
// capture pipeline.
type History struct {
	store HistoryStore
}

// NewHistory builds a History over the given store.
func NewHistory(store HistoryStore) *History {
	return &History{store: store}
}

// Record appends a history entry capturing the catalog state right after the
// mutations derived from ddl were applied.
func (h *History) Record(pos common.Position, database, ddl string, catalog *Catalog) error {
	rec := HistoryRecord{
		Position: pos,
		Database: database,
		DDL:      ddl,
		Snapshot: catalog.Snapshot(),
	}
	if err := h.store.Append(rec); err != nil {
		return &HistoryWriteError{Position: pos, Err: err}
	}

	log.Debug().
		Str("pos", pos.String()).
		Str("db", database).
		Int("tables", rec.Snapshot.Len()).
		Msg("Recorded schema history entry")

	return nil
}

// Recover rebuilds the catalog as of target by replaying history records in
// position order. Records at positions up to and including target are
// applied; replay stops as soon as a record at or past target is seen. A
// target past the last record yields the latest known schema; a target
// before the first record yields an empty catalog. Recovery is a pure fold
// over the store: two runs with the same target return identical catalogs.
func (h *History) Recover(target common.Position) (*Catalog, error) {
	catalog := NewCatalog()
	replayed := 0

	err := h.store.Replay(func(rec HistoryRecord) (bool, error) {
		cmp := rec.Position.Compare(target)
		if cmp <= 0 {
			catalog = rec.Snapshot.Snapshot()
			replayed++
		}
		return cmp < 0, nil
	})
	if err != nil {
		return nil, fmt.Errorf("history replay: %w", err)
	}

	log.Info().
		Str("target", target.String()).
		Int("records", replayed).
		Int("tables", catalog.Len()).
		Msg("Recovered schema catalog from history")

	return catalog, nil
}
