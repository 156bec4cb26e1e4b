// Package store provides the durable backends behind the schema history log
// and the pipeline checkpoint: a Pebble-backed store for production and an
// in-memory store for tests.
package store

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"

	"github.com/binwatch/binwatch/common"
	"github.com/binwatch/binwatch/encoding"
	"github.com/binwatch/binwatch/schema"
)

// Key prefixes for Pebble storage
const (
	prefixHistory    = "/history/"    // /history/{position-key}
	prefixCheckpoint = "/checkpoint/" // /checkpoint/{pipelineName}
)

// Pebble configuration constants
const (
	memTableSize                = 16 << 20 // 16MB
	memTableStopWritesThreshold = 4
	l0CompactionThreshold       = 2
	l0StopWritesThreshold       = 12
)

// historyEntry is the serialized form of a schema.HistoryRecord. The catalog
// snapshot travels as a sorted table list so encoding is deterministic.
type historyEntry struct {
	Position common.Position `msgpack:"pos"`
	Database string          `msgpack:"db"`
	DDL      string          `msgpack:"ddl"`
	Tables   []*schema.Table `msgpack:"tables"`
}

// PebbleStore persists history records and checkpoints in a single Pebble
// database. It implements schema.HistoryStore and capture.OffsetStore. The
// history keyspace is append-only and written only by the pipeline worker.
type PebbleStore struct {
	db     *pebble.DB
	path   string
	closed atomic.Bool

	// Appends and replay must not interleave on the same region, so writes
	// take the mutex for the duration of the batch.
	writeMu sync.Mutex

	zstdEnc *zstd.Encoder
	zstdDec *zstd.Decoder
}

// NewPebbleStore creates or opens the store under dataDir.
func NewPebbleStore(dataDir string) (*PebbleStore, error) {
	path := filepath.Join(dataDir, "capture_state")

	opts := &pebble.Options{
		MemTableSize:                memTableSize,
		MemTableStopWritesThreshold: memTableStopWritesThreshold,
		L0CompactionThreshold:       l0CompactionThreshold,
		L0StopWritesThreshold:       l0StopWritesThreshold,
		DisableWAL:                  false,
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture state store at %s: %w", path, err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &PebbleStore{db: db, path: path, zstdEnc: enc, zstdDec: dec}, nil
}

// Append writes one history record keyed by its position. Catalog snapshots
// repeat most of their content between records, so entries are
// zstd-compressed before hitting Pebble.
func (s *PebbleStore) Append(rec schema.HistoryRecord) error {
	if s.closed.Load() {
		return fmt.Errorf("store is closed")
	}

	entry := historyEntry{
		Position: rec.Position,
		Database: rec.Database,
		DDL:      rec.DDL,
		Tables:   rec.Snapshot.Tables(),
	}
	raw, err := encoding.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("failed to marshal history entry: %w", err)
	}
	compressed := s.zstdEnc.EncodeAll(raw, nil)

	key := prefixHistory + rec.Position.Key()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.db.Set([]byte(key), compressed, pebble.Sync); err != nil {
		return fmt.Errorf("failed to write history entry: %w", err)
	}
	return nil
}

// Replay iterates history records in position order.
func (s *PebbleStore) Replay(fn func(rec schema.HistoryRecord) (bool, error)) error {
	if s.closed.Load() {
		return fmt.Errorf("store is closed")
	}

	prefix := []byte(prefixHistory)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return err
		}

		raw, err := s.zstdDec.DecodeAll(val, nil)
		if err != nil {
			return fmt.Errorf("corrupted history entry at %s: %w", iter.Key(), err)
		}
		var entry historyEntry
		if err := encoding.Unmarshal(raw, &entry); err != nil {
			return fmt.Errorf("corrupted history entry at %s: %w", iter.Key(), err)
		}

		rec := schema.HistoryRecord{
			Position: entry.Position,
			Database: entry.Database,
			DDL:      entry.DDL,
			Snapshot: schema.CatalogFromTables(entry.Tables),
		}
		cont, err := fn(rec)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}

	return iter.Error()
}

// Load returns the checkpoint saved under name, or (nil, nil) when absent.
func (s *PebbleStore) Load(name string) ([]byte, error) {
	if s.closed.Load() {
		return nil, fmt.Errorf("store is closed")
	}

	val, closer, err := s.db.Get([]byte(prefixCheckpoint + name))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

// Save persists the checkpoint under name.
func (s *PebbleStore) Save(name string, checkpoint []byte) error {
	if s.closed.Load() {
		return fmt.Errorf("store is closed")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.db.Set([]byte(prefixCheckpoint+name), checkpoint, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Close closes the Pebble database.
func (s *PebbleStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("store already closed")
	}

	s.zstdEnc.Close()
	s.zstdDec.Close()

	log.Debug().Str("path", s.path).Msg("Closing capture state store")
	return s.db.Close()
}

// prefixUpperBound returns the upper bound for a prefix scan
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil // Prefix is all 0xff
}
