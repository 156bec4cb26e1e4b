package source

import (
	"encoding/json"
	"fmt"

	"github.com/binwatch/binwatch/schema"
)

// OpsParser decodes pre-structured DDL operations. The replay stream carries
// schema changes as a JSON operation list instead of raw SQL, which keeps the
// SQL grammar out of the capture core; a live deployment swaps in a
// dialect-specific schema.Parser.
type OpsParser struct{}

type opColumn struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Length     int    `json:"length,omitempty"`
	Scale      int    `json:"scale,omitempty"`
	Nullable   bool   `json:"nullable,omitempty"`
	HasDefault bool   `json:"has_default,omitempty"`
}

type op struct {
	Op       string     `json:"op"`
	Schema   string     `json:"schema,omitempty"`
	Table    string     `json:"table"`
	NewTable string     `json:"new_table,omitempty"`
	Columns  []opColumn `json:"columns,omitempty"`
	Column   *opColumn  `json:"column,omitempty"`
	Name     string     `json:"name,omitempty"` // Column name for drop-column
	Pk       []string   `json:"pk,omitempty"`
}

// Parse decodes the operation list. Operations without an explicit schema
// fall back to the default database.
func (p *OpsParser) Parse(ddl string, defaultDatabase string, catalog *schema.Catalog) ([]schema.Mutation, error) {
	var ops []op
	if err := json.Unmarshal([]byte(ddl), &ops); err != nil {
		return nil, fmt.Errorf("decode ddl operations: %w", err)
	}

	mutations := make([]schema.Mutation, 0, len(ops))
	for _, o := range ops {
		schemaName := o.Schema
		if schemaName == "" {
			schemaName = defaultDatabase
		}
		id := schema.NewTableId(schemaName, o.Table)

		switch o.Op {
		case "create-table":
			cols := make([]schema.Column, 0, len(o.Columns))
			for i, c := range o.Columns {
				cols = append(cols, toColumn(c, i+1))
			}
			tbl, err := schema.NewTable(id, cols, o.Pk)
			if err != nil {
				return nil, err
			}
			mutations = append(mutations, schema.Mutation{Kind: schema.MutationCreateTable, Id: id, Table: tbl})

		case "drop-table":
			mutations = append(mutations, schema.Mutation{Kind: schema.MutationDropTable, Id: id})

		case "rename-table":
			if o.NewTable == "" {
				return nil, fmt.Errorf("rename-table for %s missing new_table", id)
			}
			mutations = append(mutations, schema.Mutation{
				Kind:  schema.MutationRenameTable,
				Id:    id,
				NewId: schema.NewTableId(schemaName, o.NewTable),
			})

		case "add-column":
			if o.Column == nil {
				return nil, fmt.Errorf("add-column for %s missing column", id)
			}
			col := toColumn(*o.Column, 0)
			mutations = append(mutations, schema.Mutation{Kind: schema.MutationAddColumn, Id: id, Column: &col})

		case "drop-column":
			if o.Name == "" {
				return nil, fmt.Errorf("drop-column for %s missing name", id)
			}
			mutations = append(mutations, schema.Mutation{Kind: schema.MutationDropColumn, Id: id, ColumnName: o.Name})

		case "modify-column":
			if o.Column == nil {
				return nil, fmt.Errorf("modify-column for %s missing column", id)
			}
			col := toColumn(*o.Column, 0)
			mutations = append(mutations, schema.Mutation{Kind: schema.MutationModifyColumn, Id: id, Column: &col})

		default:
			return nil, fmt.Errorf("unknown ddl operation %q", o.Op)
		}
	}

	return mutations, nil
}

func toColumn(c opColumn, position int) schema.Column {
	return schema.Column{
		Name:       c.Name,
		Position:   position,
		Type:       c.Type,
		Length:     c.Length,
		Scale:      c.Scale,
		Nullable:   c.Nullable,
		HasDefault: c.HasDefault,
	}
}
