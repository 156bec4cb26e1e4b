package schema

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"
)

// MutationKind tags the kind of catalog mutation a DDL statement produced.
type MutationKind uint8

const (
	MutationCreateTable MutationKind = iota
	MutationDropTable
	MutationRenameTable
	MutationAddColumn
	MutationDropColumn
	MutationModifyColumn
)

func (k MutationKind) String() string {
	switch k {
	case MutationCreateTable:
		return "create-table"
	case MutationDropTable:
		return "drop-table"
	case MutationRenameTable:
		return "rename-table"
	case MutationAddColumn:
		return "add-column"
	case MutationDropColumn:
		return "drop-column"
	case MutationModifyColumn:
		return "modify-column"
	default:
		return fmt.Sprintf("unknown(%d)", k)
	}
}

// Mutation is one catalog change derived from a DDL statement. Exactly the
// fields relevant to the Kind are populated:
//
//	CreateTable:  Table
//	DropTable:    Id
//	RenameTable:  Id, NewId
//	AddColumn:    Id, Column
//	DropColumn:   Id, ColumnName
//	ModifyColumn: Id, Column
type Mutation struct {
	Kind       MutationKind
	Id         TableId
	NewId      TableId
	Table      *Table
	Column     *Column
	ColumnName string
}

// MutationError reports a mutation that cannot be satisfied against the
// current catalog (unknown table, duplicate name, unknown column). A failed
// mutation never leaves the catalog partially applied.
type MutationError struct {
	Kind    MutationKind
	Id      TableId
	Details string
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("schema mutation %s on %s failed: %s", e.Kind, e.Id, e.Details)
}

// Catalog is the in-memory relational schema: a map of table identifiers to
// immutable table definitions. One Catalog instance is exclusively owned by
// the capture pipeline worker; nothing else mutates it. External readers go
// through Snapshot.
type Catalog struct {
	tables map[TableId]*Table
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{tables: make(map[TableId]*Table)}
}

// Table returns the definition for id, or nil if unknown.
func (c *Catalog) Table(id TableId) *Table {
	return c.tables[id]
}

// Len returns the number of tables tracked.
func (c *Catalog) Len() int {
	return len(c.tables)
}

// TableIds returns the identifiers of all tracked tables.
func (c *Catalog) TableIds() []TableId {
	ids := make([]TableId, 0, len(c.tables))
	for id := range c.tables {
		ids = append(ids, id)
	}
	return ids
}

// Tables returns deep copies of all table definitions sorted by identifier.
// Stores use this to serialize snapshots deterministically.
func (c *Catalog) Tables() []*Table {
	out := make([]*Table, 0, len(c.tables))
	for _, tbl := range c.tables {
		out = append(out, tbl.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Id.String() < out[j].Id.String()
	})
	return out
}

// CatalogFromTables rebuilds a catalog from serialized table definitions.
func CatalogFromTables(tables []*Table) *Catalog {
	c := NewCatalog()
	for _, tbl := range tables {
		c.tables[tbl.Id] = tbl.clone()
	}
	return c
}

// Snapshot deep-copies the catalog. History records hold snapshots, and
// any reader outside the pipeline worker gets a snapshot, never the live map.
func (c *Catalog) Snapshot() *Catalog {
	out := NewCatalog()
	for id, tbl := range c.tables {
		out.tables[id] = tbl.clone()
	}
	return out
}

// Apply mutates the catalog with one DDL-derived operation. On error the
// catalog is left exactly as it was.
func (c *Catalog) Apply(m Mutation) error {
	switch m.Kind {
	case MutationCreateTable:
		if m.Table == nil {
			return &MutationError{Kind: m.Kind, Id: m.Id, Details: "missing table definition"}
		}
		if _, exists := c.tables[m.Table.Id]; exists {
			return &MutationError{Kind: m.Kind, Id: m.Table.Id, Details: "table already exists"}
		}
		c.tables[m.Table.Id] = m.Table.clone()

	case MutationDropTable:
		if _, exists := c.tables[m.Id]; !exists {
			return &MutationError{Kind: m.Kind, Id: m.Id, Details: "table does not exist"}
		}
		delete(c.tables, m.Id)

	case MutationRenameTable:
		tbl, exists := c.tables[m.Id]
		if !exists {
			return &MutationError{Kind: m.Kind, Id: m.Id, Details: "table does not exist"}
		}
		if _, taken := c.tables[m.NewId]; taken {
			return &MutationError{Kind: m.Kind, Id: m.NewId, Details: "target name already exists"}
		}
		renamed := tbl.clone()
		renamed.Id = m.NewId
		delete(c.tables, m.Id)
		c.tables[m.NewId] = renamed

	case MutationAddColumn:
		tbl, exists := c.tables[m.Id]
		if !exists {
			return &MutationError{Kind: m.Kind, Id: m.Id, Details: "table does not exist"}
		}
		if m.Column == nil {
			return &MutationError{Kind: m.Kind, Id: m.Id, Details: "missing column definition"}
		}
		if tbl.Column(m.Column.Name) != nil {
			return &MutationError{Kind: m.Kind, Id: m.Id, Details: fmt.Sprintf("column %q already exists", m.Column.Name)}
		}
		next := tbl.clone()
		col := *m.Column
		if col.Position == 0 {
			col.Position = len(next.Columns) + 1
		}
		next.Columns = append(next.Columns, col)
		c.tables[m.Id] = next

	case MutationDropColumn:
		tbl, exists := c.tables[m.Id]
		if !exists {
			return &MutationError{Kind: m.Kind, Id: m.Id, Details: "table does not exist"}
		}
		if tbl.Column(m.ColumnName) == nil {
			return &MutationError{Kind: m.Kind, Id: m.Id, Details: fmt.Sprintf("column %q does not exist", m.ColumnName)}
		}
		if tbl.IsPrimaryKey(m.ColumnName) {
			return &MutationError{Kind: m.Kind, Id: m.Id, Details: fmt.Sprintf("column %q is part of the primary key", m.ColumnName)}
		}
		next := tbl.clone()
		cols := next.Columns[:0]
		for _, col := range next.Columns {
			if col.Name != m.ColumnName {
				cols = append(cols, col)
			}
		}
		next.Columns = cols
		c.tables[m.Id] = next

	case MutationModifyColumn:
		tbl, exists := c.tables[m.Id]
		if !exists {
			return &MutationError{Kind: m.Kind, Id: m.Id, Details: "table does not exist"}
		}
		if m.Column == nil {
			return &MutationError{Kind: m.Kind, Id: m.Id, Details: "missing column definition"}
		}
		if tbl.Column(m.Column.Name) == nil {
			return &MutationError{Kind: m.Kind, Id: m.Id, Details: fmt.Sprintf("column %q does not exist", m.Column.Name)}
		}
		next := tbl.clone()
		for i := range next.Columns {
			if next.Columns[i].Name == m.Column.Name {
				col := *m.Column
				if col.Position == 0 {
					col.Position = next.Columns[i].Position
				}
				next.Columns[i] = col
				break
			}
		}
		c.tables[m.Id] = next

	default:
		return &MutationError{Kind: m.Kind, Id: m.Id, Details: "unknown mutation kind"}
	}

	log.Debug().
		Str("op", m.Kind.String()).
		Str("table", m.Id.String()).
		Int("tables", len(c.tables)).
		Msg("Catalog mutated")

	return nil
}
