// Package common holds types shared across the capture, schema and store
// packages.
package common

import (
	"fmt"

	"github.com/binwatch/binwatch/encoding"
)

// Position marks a point in the source change log: the log segment (binlog
// file), the byte offset of the event within it, and the row index inside a
// multi-row event. Positions order lexicographically by (File, Offset, Row).
//
// The capture pipeline exclusively owns and advances its Position; everyone
// else sees checkpoint copies.
type Position struct {
	File   string `msgpack:"file"`
	Offset uint64 `msgpack:"pos"`
	Row    uint32 `msgpack:"row"`
}

// OffsetFormatError reports a checkpoint that cannot be decoded. Resuming
// from a corrupt checkpoint is fatal; the pipeline surfaces this before it
// finishes starting.
type OffsetFormatError struct {
	Reason string
	Err    error
}

func (e *OffsetFormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed checkpoint: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed checkpoint: %s", e.Reason)
}

func (e *OffsetFormatError) Unwrap() error { return e.Err }

// Compare returns -1, 0, or 1 ordering p against other.
func (p Position) Compare(other Position) int {
	if p.File != other.File {
		if p.File < other.File {
			return -1
		}
		return 1
	}
	if p.Offset != other.Offset {
		if p.Offset < other.Offset {
			return -1
		}
		return 1
	}
	if p.Row != other.Row {
		if p.Row < other.Row {
			return -1
		}
		return 1
	}
	return 0
}

// IsZero reports whether p is the fresh-start marker.
func (p Position) IsZero() bool {
	return p.File == "" && p.Offset == 0 && p.Row == 0
}

func (p Position) String() string {
	return fmt.Sprintf("%s:%d:%d", p.File, p.Offset, p.Row)
}

// Key renders the position as a fixed-width sortable key for ordered stores.
// Binlog segment names carry a zero-padded sequence suffix, so plain string
// order on File matches log order.
func (p Position) Key() string {
	return fmt.Sprintf("%s:%016x:%08x", p.File, p.Offset, p.Row)
}

// Encode serializes the position as a checkpoint record.
func (p Position) Encode() ([]byte, error) {
	data, err := encoding.Marshal(p)
	if err != nil {
		return nil, &OffsetFormatError{Reason: "encode failed", Err: err}
	}
	return data, nil
}

// DecodePosition parses a checkpoint record written by Encode.
func DecodePosition(data []byte) (Position, error) {
	if len(data) == 0 {
		return Position{}, &OffsetFormatError{Reason: "empty checkpoint record"}
	}
	var p Position
	if err := encoding.Unmarshal(data, &p); err != nil {
		return Position{}, &OffsetFormatError{Reason: "decode failed", Err: err}
	}
	return p, nil
}
