// Package event materializes raw row mutations into ordered change events.
package event

import (
	"fmt"

	"github.com/binwatch/binwatch/common"
	"github.com/binwatch/binwatch/schema"
)

// Op tags the kind of change an event describes.
type Op uint8

const (
	OpCreate Op = iota
	OpUpdate
	OpDelete
	// OpTombstone is a key-only event telling compacting consumers that the
	// prior state for the key is gone.
	OpTombstone
)

func (o Op) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	case OpTombstone:
		return "tombstone"
	default:
		return fmt.Sprintf("unknown(%d)", o)
	}
}

// Row is a raw column-name to value mapping as read from the source log.
type Row map[string]any

// MutationKind tags a raw row mutation from the source stream.
type MutationKind uint8

const (
	RowInsert MutationKind = iota
	RowUpdate
	RowDelete
)

func (k MutationKind) String() string {
	switch k {
	case RowInsert:
		return "insert"
	case RowUpdate:
		return "update"
	case RowDelete:
		return "delete"
	default:
		return fmt.Sprintf("unknown(%d)", k)
	}
}

// RowMutation is one raw row change handed in by the source reader.
type RowMutation struct {
	Table  schema.TableId
	Kind   MutationKind
	Before Row
	After  Row
	Pos    common.Position
}

// ChangeEvent is one materialized change notification. Key always carries the
// projected primary key values; Before/After carry projected and masked value
// fields and are nil where the operation has no such side (e.g. Before on
// CREATE). Each event is consumed exactly once by the sink.
type ChangeEvent struct {
	Op     Op              `msgpack:"op"`
	Table  schema.TableId  `msgpack:"table"`
	Key    Row             `msgpack:"key"`
	Before Row             `msgpack:"before"`
	After  Row             `msgpack:"after"`
	Pos    common.Position `msgpack:"pos"`
	// Rev is the fingerprint of the table schema the projection was derived
	// from, so consumers can detect schema changes between events.
	Rev uint64 `msgpack:"rev"`
}
