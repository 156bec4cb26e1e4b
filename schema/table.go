// Package schema holds the relational catalog tracked by the capture
// pipeline: table definitions, the mutation operations derived from DDL, and
// the replayable history log used to rebuild the catalog at any position.
package schema

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// TableId identifies a table by schema and name. Comparison is
// case-normalized; construct through NewTableId so map lookups stay
// consistent regardless of how the source quotes identifiers.
type TableId struct {
	Schema string
	Name   string
}

// NewTableId builds a case-normalized table identifier.
func NewTableId(schemaName, tableName string) TableId {
	return TableId{
		Schema: strings.ToLower(schemaName),
		Name:   strings.ToLower(tableName),
	}
}

// String returns the qualified "schema.name" form used by filters and topics.
func (id TableId) String() string {
	return id.Schema + "." + id.Name
}

// Column describes one column of a table. Columns are immutable once
// constructed; altering a column replaces the table's column list wholesale.
type Column struct {
	Name       string
	Position   int // 1-based ordinal in the source table
	Type       string
	Length     int
	Scale      int
	Nullable   bool
	HasDefault bool
}

// Table is an immutable table definition: identifier, ordered columns and
// the ordered list of primary key column names.
type Table struct {
	Id         TableId
	Columns    []Column
	PrimaryKey []string
}

// NewTable validates and builds a table definition. Every primary key name
// must reference a declared column, and column names must be unique.
func NewTable(id TableId, columns []Column, primaryKey []string) (*Table, error) {
	seen := make(map[string]struct{}, len(columns))
	for _, col := range columns {
		if _, dup := seen[col.Name]; dup {
			return nil, fmt.Errorf("duplicate column %q in table %s", col.Name, id)
		}
		seen[col.Name] = struct{}{}
	}
	for _, pk := range primaryKey {
		if _, ok := seen[pk]; !ok {
			return nil, fmt.Errorf("primary key column %q not defined in table %s", pk, id)
		}
	}

	return &Table{Id: id, Columns: columns, PrimaryKey: primaryKey}, nil
}

// Column returns the column with the given name, or nil.
func (t *Table) Column(name string) *Column {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i]
		}
	}
	return nil
}

// IsPrimaryKey reports whether the named column is part of the primary key.
func (t *Table) IsPrimaryKey(name string) bool {
	for _, pk := range t.PrimaryKey {
		if pk == name {
			return true
		}
	}
	return false
}

// ColumnNames returns the column names in ordinal order.
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, col := range t.Columns {
		names[i] = col.Name
	}
	return names
}

// clone deep-copies the table so catalog snapshots never alias live state.
func (t *Table) clone() *Table {
	cols := make([]Column, len(t.Columns))
	copy(cols, t.Columns)
	pks := make([]string, len(t.PrimaryKey))
	copy(pks, t.PrimaryKey)
	return &Table{Id: t.Id, Columns: cols, PrimaryKey: pks}
}

// Fingerprint returns a stable hash of the table structure. All nodes reading
// the same history arrive at the same fingerprint, so it doubles as a cheap
// schema-version check for projections and sink envelope caches.
func (t *Table) Fingerprint() uint64 {
	h := xxhash.New()
	h.WriteString(t.Id.String())
	h.WriteString("|")
	for _, col := range t.Columns {
		h.WriteString(fmt.Sprintf("%s:%s:%d:%d:%t:%t,", col.Name, col.Type, col.Length, col.Scale, col.Nullable, col.HasDefault))
	}
	h.WriteString("|")
	sorted := make([]string, len(t.PrimaryKey))
	copy(sorted, t.PrimaryKey)
	sort.Strings(sorted)
	for _, pk := range sorted {
		h.WriteString(pk)
		h.WriteString(",")
	}
	return h.Sum64()
}
