package event

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/binwatch/binwatch/filter"
	"github.com/binwatch/binwatch/schema"
)

// MaskMarker is the character repeated to replace masked values.
const MaskMarker = "*"

// ProjectionMismatchError reports a row mutation for a table that has no
// current projection (excluded by filters or unknown to the catalog). The
// materializer never drops these silently; the caller decides skip vs halt.
type ProjectionMismatchError struct {
	Table schema.TableId
	Kind  MutationKind
}

func (e *ProjectionMismatchError) Error() string {
	return fmt.Sprintf("no projection for table %s (%s mutation)", e.Table, e.Kind)
}

// Materializer converts raw row mutations into ordered change events using
// the table's projected schema.
//
// MaskAbsent controls the open policy point for masked columns whose source
// value is absent: when false (the default) the field is omitted, when true
// the mask string is emitted anyway.
type Materializer struct {
	MaskAbsent bool
}

// Materialize turns one raw mutation into its change events. Inserts and
// deletes yield one event. Updates yield one event when the projected primary
// key is unchanged, and exactly three (CREATE on the new key, DELETE on the
// old key, TOMBSTONE on the old key, in that order) when the key changed.
// Consumers with compaction semantics rely on that ordering: the new row
// must become visible before the old key is retired.
func (m *Materializer) Materialize(mut RowMutation, proj *filter.Projection) ([]ChangeEvent, error) {
	if proj == nil {
		return nil, &ProjectionMismatchError{Table: mut.Table, Kind: mut.Kind}
	}

	events, err := m.materialize(mut, proj)
	if err != nil {
		return nil, err
	}
	for i := range events {
		events[i].Rev = proj.Fingerprint
	}
	return events, nil
}

func (m *Materializer) materialize(mut RowMutation, proj *filter.Projection) ([]ChangeEvent, error) {
	switch mut.Kind {
	case RowInsert:
		return []ChangeEvent{{
			Op:    OpCreate,
			Table: mut.Table,
			Key:   projectKey(proj, mut.After),
			After: m.projectValues(proj, mut.After),
			Pos:   mut.Pos,
		}}, nil

	case RowDelete:
		return []ChangeEvent{{
			Op:     OpDelete,
			Table:  mut.Table,
			Key:    projectKey(proj, mut.Before),
			Before: m.projectValues(proj, mut.Before),
			Pos:    mut.Pos,
		}}, nil

	case RowUpdate:
		oldKey := projectKey(proj, mut.Before)
		newKey := projectKey(proj, mut.After)
		if keysEqual(oldKey, newKey) {
			return []ChangeEvent{{
				Op:     OpUpdate,
				Table:  mut.Table,
				Key:    newKey,
				Before: m.projectValues(proj, mut.Before),
				After:  m.projectValues(proj, mut.After),
				Pos:    mut.Pos,
			}}, nil
		}

		// Key change: rewrite as create + delete + tombstone so compacting
		// consumers never transiently lose the new row.
		return []ChangeEvent{
			{
				Op:    OpCreate,
				Table: mut.Table,
				Key:   newKey,
				After: m.projectValues(proj, mut.After),
				Pos:   mut.Pos,
			},
			{
				Op:     OpDelete,
				Table:  mut.Table,
				Key:    oldKey,
				Before: m.projectValues(proj, mut.Before),
				Pos:    mut.Pos,
			},
			{
				Op:    OpTombstone,
				Table: mut.Table,
				Key:   oldKey,
				Pos:   mut.Pos,
			},
		}, nil

	default:
		return nil, fmt.Errorf("unknown row mutation kind %d for table %s", mut.Kind, mut.Table)
	}
}

// projectKey extracts the primary key fields from a raw row. Key fields are
// never masked or excluded.
func projectKey(proj *filter.Projection, row Row) Row {
	if row == nil {
		return nil
	}
	key := make(Row, len(proj.Key))
	for _, field := range proj.Key {
		if v, ok := row[field.Name]; ok {
			key[field.Name] = v
		}
	}
	return key
}

// projectValues extracts the value fields from a raw row, applying masking
// after exclusion. Absent columns stay absent regardless of masking unless
// MaskAbsent is set.
func (m *Materializer) projectValues(proj *filter.Projection, row Row) Row {
	if row == nil {
		return nil
	}
	values := make(Row, len(proj.Value))
	for _, field := range proj.Value {
		v, ok := row[field.Name]
		if !ok || v == nil {
			if field.MaskLen > 0 && m.MaskAbsent {
				values[field.Name] = strings.Repeat(MaskMarker, field.MaskLen)
			}
			continue
		}
		if field.MaskLen > 0 {
			values[field.Name] = strings.Repeat(MaskMarker, field.MaskLen)
			continue
		}
		values[field.Name] = v
	}
	return values
}

// keysEqual compares projected key rows value for value. Values compare by
// type as well as content, so a decoded type change counts as a key change.
func keysEqual(a, b Row) bool {
	if len(a) != len(b) {
		return false
	}
	for name, av := range a {
		bv, ok := b[name]
		if !ok || !reflect.DeepEqual(av, bv) {
			return false
		}
	}
	return true
}
