package filter

import (
	"fmt"

	"github.com/gobwas/glob"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/binwatch/binwatch/schema"
)

// Field is one projected column: the column definition plus the mask length
// applied to its value (0 means unmasked).
type Field struct {
	Name    string
	Column  schema.Column
	MaskLen int
}

// Projection is the derived per-table field layout. Key fields are exactly
// the table's primary key columns in key order; column exclusion never
// touches the key, since that would break key-based identity. Value fields
// are all columns minus the excluded ones.
type Projection struct {
	Table       schema.TableId
	Fingerprint uint64
	Key         []Field
	Value       []Field
}

type maskRule struct {
	pattern glob.Glob
	length  int
}

// Projector computes and caches projections. The cache is read-mostly and
// shared between the pipeline worker and read-side consumers, hence the
// concurrent map; invalidation happens on catalog or rules changes.
type Projector struct {
	filter        *TableFilter
	columnExclude []glob.Glob
	masks         []maskRule
	cache         *xsync.MapOf[schema.TableId, *Projection]
}

// NewProjector compiles rules into a projector.
func NewProjector(rules Rules) (*Projector, error) {
	tableFilter, err := NewTableFilter(rules)
	if err != nil {
		return nil, err
	}

	columnExclude, err := compileAll(rules.ColumnExclude)
	if err != nil {
		return nil, err
	}

	masks := make([]maskRule, 0, len(rules.MaskColumns))
	for pattern, length := range rules.MaskColumns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid mask pattern %q: %w", pattern, err)
		}
		if length <= 0 {
			return nil, fmt.Errorf("mask pattern %q has non-positive length %d", pattern, length)
		}
		masks = append(masks, maskRule{pattern: g, length: length})
	}

	return &Projector{
		filter:        tableFilter,
		columnExclude: columnExclude,
		masks:         masks,
		cache:         xsync.NewMapOf[schema.TableId, *Projection](),
	}, nil
}

// Filter exposes the table-level inclusion decision.
func (p *Projector) Filter() *TableFilter {
	return p.filter
}

// ProjectionFor returns the projection for table, or nil when the table is
// excluded by the filter rules. Results are cached per table id; a changed
// table fingerprint recomputes in place.
func (p *Projector) ProjectionFor(table *schema.Table) *Projection {
	if table == nil || !p.filter.Includes(table.Id) {
		return nil
	}

	fingerprint := table.Fingerprint()
	if cached, ok := p.cache.Load(table.Id); ok && cached.Fingerprint == fingerprint {
		return cached
	}

	proj := p.compute(table, fingerprint)
	p.cache.Store(table.Id, proj)
	return proj
}

// Invalidate drops the cached projection for id.
func (p *Projector) Invalidate(id schema.TableId) {
	p.cache.Delete(id)
}

// InvalidateAll clears the whole cache, e.g. after catalog recovery.
func (p *Projector) InvalidateAll() {
	p.cache.Clear()
}

func (p *Projector) compute(table *schema.Table, fingerprint uint64) *Projection {
	proj := &Projection{
		Table:       table.Id,
		Fingerprint: fingerprint,
		Key:         make([]Field, 0, len(table.PrimaryKey)),
		Value:       make([]Field, 0, len(table.Columns)),
	}

	for _, pk := range table.PrimaryKey {
		col := table.Column(pk)
		if col == nil {
			continue
		}
		proj.Key = append(proj.Key, Field{Name: col.Name, Column: *col})
	}

	for _, col := range table.Columns {
		qualified := table.Id.String() + "." + col.Name
		if matchAny(p.columnExclude, qualified) {
			continue
		}
		field := Field{Name: col.Name, Column: col}
		for _, mask := range p.masks {
			if mask.pattern.Match(qualified) {
				field.MaskLen = mask.length
				break
			}
		}
		proj.Value = append(proj.Value, field)
	}

	log.Debug().
		Str("table", table.Id.String()).
		Int("key_fields", len(proj.Key)).
		Int("value_fields", len(proj.Value)).
		Msg("Computed table projection")

	return proj
}
