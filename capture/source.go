// Package capture owns the pipeline that drives change capture: it reads
// tagged items from the source log reader, applies DDL to the schema catalog,
// records history, materializes change events and hands them to a bounded
// queue consumed by a sink.
package capture

import (
	"context"

	"github.com/binwatch/binwatch/common"
	"github.com/binwatch/binwatch/event"
)

// ItemKind tags an item read from the source log.
type ItemKind uint8

const (
	// ItemDDL is a schema change statement.
	ItemDDL ItemKind = iota
	// ItemRows is a raw row mutation.
	ItemRows
)

// Item is one tagged entry from the source stream. DDL items carry Text and
// Database; row items carry Rows. Pos is the item's position in the log.
type Item struct {
	Kind     ItemKind
	Pos      common.Position
	Text     string
	Database string
	Rows     *event.RowMutation
}

// Source reads the ordered stream of change items from the database's
// replication log. The binary protocol behind it is not binwatch's concern.
// Next returns io.EOF at end of stream.
type Source interface {
	Open(ctx context.Context, from common.Position) error
	Next(ctx context.Context) (Item, error)
	Close() error
}

// OffsetStore persists named pipeline checkpoints. Load returns (nil, nil)
// when no checkpoint exists for the name.
type OffsetStore interface {
	Load(name string) ([]byte, error)
	Save(name string, checkpoint []byte) error
}
