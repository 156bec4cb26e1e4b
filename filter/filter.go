// Package filter decides which tables are captured and derives the projected
// key/value field layout used to materialize change events.
package filter

import (
	"fmt"

	"github.com/gobwas/glob"

	"github.com/binwatch/binwatch/schema"
)

// Rules is the pattern configuration for table filtering and column
// projection. Schema patterns match the bare schema name; table patterns
// match the qualified "schema.table" name; column patterns and mask keys
// match the fully qualified "schema.table.column" name.
type Rules struct {
	SchemaInclude []string
	SchemaExclude []string
	TableInclude  []string
	TableExclude  []string
	ColumnExclude []string
	// MaskColumns maps a column pattern to the mask length applied to
	// matching value fields.
	MaskColumns map[string]int
}

// TableFilter answers whether a table is captured. Exclusion always wins over
// inclusion; empty include lists match everything.
type TableFilter struct {
	schemaInclude []glob.Glob
	schemaExclude []glob.Glob
	tableInclude  []glob.Glob
	tableExclude  []glob.Glob
}

// NewTableFilter compiles the schema/table patterns of rules.
func NewTableFilter(rules Rules) (*TableFilter, error) {
	f := &TableFilter{}
	var err error
	if f.schemaInclude, err = compileAll(rules.SchemaInclude); err != nil {
		return nil, err
	}
	if f.schemaExclude, err = compileAll(rules.SchemaExclude); err != nil {
		return nil, err
	}
	if f.tableInclude, err = compileAll(rules.TableInclude); err != nil {
		return nil, err
	}
	if f.tableExclude, err = compileAll(rules.TableExclude); err != nil {
		return nil, err
	}
	return f, nil
}

// Includes reports whether the table passes the schema and table rules.
func (f *TableFilter) Includes(id schema.TableId) bool {
	if matchAny(f.schemaExclude, id.Schema) {
		return false
	}
	if len(f.schemaInclude) > 0 && !matchAny(f.schemaInclude, id.Schema) {
		return false
	}
	qualified := id.String()
	if matchAny(f.tableExclude, qualified) {
		return false
	}
	if len(f.tableInclude) > 0 && !matchAny(f.tableInclude, qualified) {
		return false
	}
	return true
}

func compileAll(patterns []string) ([]glob.Glob, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid filter pattern %q: %w", pattern, err)
		}
		globs = append(globs, g)
	}
	return globs, nil
}

func matchAny(globs []glob.Glob, s string) bool {
	for _, g := range globs {
		if g.Match(s) {
			return true
		}
	}
	return false
}
