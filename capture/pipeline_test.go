package capture

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/binwatch/binwatch/common"
	"github.com/binwatch/binwatch/event"
	"github.com/binwatch/binwatch/filter"
	"github.com/binwatch/binwatch/schema"
	"github.com/binwatch/binwatch/store"
)

// scriptedSource hands out a fixed list of items, or generates them when a
// generator is set.
type scriptedSource struct {
	items    []Item
	generate func(n int) Item

	mu         sync.Mutex
	idx        int
	openedFrom common.Position
	opened     bool
	closed     bool
}

func (s *scriptedSource) Open(ctx context.Context, from common.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = true
	s.openedFrom = from
	return nil
}

func (s *scriptedSource) Next(ctx context.Context) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generate != nil {
		item := s.generate(s.idx)
		s.idx++
		return item, nil
	}
	if s.idx >= len(s.items) {
		return Item{}, io.EOF
	}
	item := s.items[s.idx]
	s.idx++
	return item, nil
}

func (s *scriptedSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// scriptedParser maps DDL text to pre-built mutations.
type scriptedParser struct {
	mutations map[string][]schema.Mutation
}

func (p *scriptedParser) Parse(ddl string, defaultDatabase string, catalog *schema.Catalog) ([]schema.Mutation, error) {
	muts, ok := p.mutations[ddl]
	if !ok {
		return nil, errors.New("unknown ddl statement")
	}
	return muts, nil
}

// countingOffsets wraps an OffsetStore and counts Save calls.
type countingOffsets struct {
	OffsetStore
	mu    sync.Mutex
	saves int
}

func (c *countingOffsets) Save(name string, checkpoint []byte) error {
	c.mu.Lock()
	c.saves++
	c.mu.Unlock()
	return c.OffsetStore.Save(name, checkpoint)
}

func (c *countingOffsets) saveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saves
}

func usersTable(t *testing.T) *schema.Table {
	t.Helper()
	tbl, err := schema.NewTable(
		schema.NewTableId("app", "users"),
		[]schema.Column{
			{Name: "id", Position: 1, Type: "int"},
			{Name: "email", Position: 2, Type: "varchar", Length: 255},
		},
		[]string{"id"},
	)
	require.NoError(t, err)
	return tbl
}

func binPos(offset uint64) common.Position {
	return common.Position{File: "bin.000001", Offset: offset}
}

func newTestProjector(t *testing.T, rules filter.Rules) *filter.Projector {
	t.Helper()
	p, err := filter.NewProjector(rules)
	require.NoError(t, err)
	return p
}

func newTestPipeline(t *testing.T, cfg Config) *Pipeline {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "test"
	}
	if cfg.Projector == nil {
		cfg.Projector = newTestProjector(t, filter.Rules{})
	}
	p, err := NewPipeline(cfg)
	require.NoError(t, err)
	return p
}

func createUsersDDL(t *testing.T, pos common.Position) (Item, *scriptedParser) {
	t.Helper()
	tbl := usersTable(t)
	parser := &scriptedParser{mutations: map[string][]schema.Mutation{
		"CREATE TABLE users": {{Kind: schema.MutationCreateTable, Id: tbl.Id, Table: tbl}},
	}}
	return Item{Kind: ItemDDL, Pos: pos, Text: "CREATE TABLE users", Database: "app"}, parser
}

func rowItem(pos common.Position, kind event.MutationKind, before, after event.Row) Item {
	return Item{
		Kind: ItemRows,
		Pos:  pos,
		Rows: &event.RowMutation{
			Table:  schema.NewTableId("app", "users"),
			Kind:   kind,
			Before: before,
			After:  after,
		},
	}
}

func awaitDone(t *testing.T, p *Pipeline) {
	t.Helper()
	require.True(t, p.Await(5*time.Second), "pipeline did not terminate")
}

func drain(q *Queue) []event.ChangeEvent {
	var out []event.ChangeEvent
	for {
		ev, ok := q.Poll(10 * time.Millisecond)
		if !ok {
			return out
		}
		out = append(out, ev)
	}
}

func TestPipelineProcessesStream(t *testing.T) {
	memStore := store.NewMemoryStore()
	ddl, parser := createUsersDDL(t, binPos(100))

	src := &scriptedSource{items: []Item{
		ddl,
		rowItem(binPos(200), event.RowInsert, nil, event.Row{"id": 1001, "email": "a@b.c"}),
		rowItem(binPos(300), event.RowUpdate,
			event.Row{"id": 1001, "email": "a@b.c"},
			event.Row{"id": 2001, "email": "a@b.c"}),
		rowItem(binPos(400), event.RowDelete, event.Row{"id": 2001, "email": "a@b.c"}, nil),
	}}

	p := newTestPipeline(t, Config{
		Source:    src,
		Parser:    parser,
		History:   schema.NewHistory(memStore),
		Offsets:   memStore,
		QueueSize: 16,
	})

	require.NoError(t, p.Start())
	awaitDone(t, p)
	require.NoError(t, p.Err())
	assert.Equal(t, StateStopped, p.State())
	assert.True(t, src.closed)

	// 1 insert + 3 for the key-changing update + 1 delete
	events := drain(p.Events())
	require.Len(t, events, 5)
	assert.Equal(t, event.OpCreate, events[0].Op)
	assert.Equal(t, event.OpCreate, events[1].Op)
	assert.Equal(t, event.OpDelete, events[2].Op)
	assert.Equal(t, event.OpTombstone, events[3].Op)
	assert.Equal(t, event.OpDelete, events[4].Op)

	// Positions never regress across the stream
	for i := 1; i < len(events); i++ {
		assert.LessOrEqual(t, events[i-1].Pos.Compare(events[i].Pos), 0)
	}

	// One DDL, one history record
	assert.Equal(t, 1, memStore.Len())

	// The checkpoint landed at the final position
	data, err := memStore.Load("test")
	require.NoError(t, err)
	require.NotNil(t, data)
	saved, err := common.DecodePosition(data)
	require.NoError(t, err)
	assert.Equal(t, binPos(400), saved)
	assert.Equal(t, binPos(400), p.Position())

	// The catalog snapshot tracks the created table
	assert.NotNil(t, p.CatalogSnapshot().Table(schema.NewTableId("app", "users")))
}

func TestPipelineResumesFromCheckpoint(t *testing.T) {
	memStore := store.NewMemoryStore()

	// Simulate a previous run: history up to position 100, checkpoint at 250
	catalog := schema.NewCatalog()
	tbl := usersTable(t)
	require.NoError(t, catalog.Apply(schema.Mutation{Kind: schema.MutationCreateTable, Id: tbl.Id, Table: tbl}))
	history := schema.NewHistory(memStore)
	require.NoError(t, history.Record(binPos(100), "app", "CREATE TABLE users", catalog))

	checkpoint, err := binPos(250).Encode()
	require.NoError(t, err)
	require.NoError(t, memStore.Save("test", checkpoint))

	src := &scriptedSource{items: []Item{
		rowItem(binPos(300), event.RowInsert, nil, event.Row{"id": 1001, "email": "a@b.c"}),
	}}

	p := newTestPipeline(t, Config{
		Source:  src,
		Parser:  &scriptedParser{},
		History: history,
		Offsets: memStore,
	})

	require.NoError(t, p.Start())
	awaitDone(t, p)
	require.NoError(t, p.Err())

	// The source was asked to resume past the checkpoint
	assert.Equal(t, binPos(250), src.openedFrom)

	// The catalog came back from history, so the insert materialized
	events := drain(p.Events())
	require.Len(t, events, 1)
	assert.Equal(t, event.OpCreate, events[0].Op)
	assert.Equal(t, binPos(300), p.Position())
}

func TestPipelineFreshStartSkipsRecovery(t *testing.T) {
	memStore := store.NewMemoryStore()
	ddl, parser := createUsersDDL(t, binPos(100))
	src := &scriptedSource{items: []Item{ddl}}

	p := newTestPipeline(t, Config{
		Source:  src,
		Parser:  parser,
		History: schema.NewHistory(memStore),
		Offsets: memStore,
	})

	require.NoError(t, p.Start())
	awaitDone(t, p)
	require.NoError(t, p.Err())

	assert.True(t, src.openedFrom.IsZero())
}

func TestPipelineCorruptCheckpointIsFatal(t *testing.T) {
	memStore := store.NewMemoryStore()
	require.NoError(t, memStore.Save("test", []byte{0xc1, 0x00}))

	p := newTestPipeline(t, Config{
		Source:  &scriptedSource{},
		Parser:  &scriptedParser{},
		History: schema.NewHistory(memStore),
		Offsets: memStore,
	})

	require.NoError(t, p.Start())
	awaitDone(t, p)

	err := p.Err()
	require.Error(t, err)
	var formatErr *common.OffsetFormatError
	assert.True(t, errors.As(err, &formatErr))
	assert.Equal(t, StateFailed, p.State())
}

func TestPipelineHistoryWriteFailureIsFatal(t *testing.T) {
	memStore := store.NewMemoryStore()
	memStore.FailAppends = true
	ddl, parser := createUsersDDL(t, binPos(100))

	p := newTestPipeline(t, Config{
		Source:  &scriptedSource{items: []Item{ddl}},
		Parser:  parser,
		History: schema.NewHistory(memStore),
		Offsets: memStore,
	})

	require.NoError(t, p.Start())
	awaitDone(t, p)

	err := p.Err()
	require.Error(t, err)
	var writeErr *schema.HistoryWriteError
	assert.True(t, errors.As(err, &writeErr))
	assert.Equal(t, StateFailed, p.State())
}

func TestPipelineSkipsUnknownTableByDefault(t *testing.T) {
	memStore := store.NewMemoryStore()

	src := &scriptedSource{items: []Item{
		rowItem(binPos(100), event.RowInsert, nil, event.Row{"id": 1}),
	}}

	p := newTestPipeline(t, Config{
		Source:  src,
		Parser:  &scriptedParser{},
		History: schema.NewHistory(memStore),
		Offsets: memStore,
	})

	require.NoError(t, p.Start())
	awaitDone(t, p)
	require.NoError(t, p.Err())

	assert.Empty(t, drain(p.Events()))
	// The position still advances past the skipped item
	assert.Equal(t, binPos(100), p.Position())
}

func TestPipelineHaltsOnUnknownTableWhenConfigured(t *testing.T) {
	memStore := store.NewMemoryStore()

	src := &scriptedSource{items: []Item{
		rowItem(binPos(100), event.RowInsert, nil, event.Row{"id": 1}),
	}}

	p := newTestPipeline(t, Config{
		Source:             src,
		Parser:             &scriptedParser{},
		History:            schema.NewHistory(memStore),
		Offsets:            memStore,
		HaltOnUnknownTable: true,
	})

	require.NoError(t, p.Start())
	awaitDone(t, p)

	err := p.Err()
	require.Error(t, err)
	var mismatch *event.ProjectionMismatchError
	assert.True(t, errors.As(err, &mismatch))
	assert.Equal(t, StateFailed, p.State())
}

func TestPipelineSkipsUnsatisfiableMutationByDefault(t *testing.T) {
	memStore := store.NewMemoryStore()

	parser := &scriptedParser{mutations: map[string][]schema.Mutation{
		"DROP TABLE ghost": {{Kind: schema.MutationDropTable, Id: schema.NewTableId("app", "ghost")}},
	}}
	src := &scriptedSource{items: []Item{
		{Kind: ItemDDL, Pos: binPos(100), Text: "DROP TABLE ghost", Database: "app"},
	}}

	p := newTestPipeline(t, Config{
		Source:  src,
		Parser:  parser,
		History: schema.NewHistory(memStore),
		Offsets: memStore,
	})

	require.NoError(t, p.Start())
	awaitDone(t, p)
	require.NoError(t, p.Err())

	// Nothing applied, nothing recorded
	assert.Equal(t, 0, memStore.Len())
	assert.Equal(t, binPos(100), p.Position())
}

func TestPipelineHaltsOnMutationErrorWhenConfigured(t *testing.T) {
	memStore := store.NewMemoryStore()

	parser := &scriptedParser{mutations: map[string][]schema.Mutation{
		"DROP TABLE ghost": {{Kind: schema.MutationDropTable, Id: schema.NewTableId("app", "ghost")}},
	}}
	src := &scriptedSource{items: []Item{
		{Kind: ItemDDL, Pos: binPos(100), Text: "DROP TABLE ghost", Database: "app"},
	}}

	p := newTestPipeline(t, Config{
		Source:              src,
		Parser:              parser,
		History:             schema.NewHistory(memStore),
		Offsets:             memStore,
		HaltOnMutationError: true,
	})

	require.NoError(t, p.Start())
	awaitDone(t, p)

	err := p.Err()
	require.Error(t, err)
	var mutErr *schema.MutationError
	assert.True(t, errors.As(err, &mutErr))
	assert.Equal(t, StateFailed, p.State())
}

func TestPipelineCheckpointInterval(t *testing.T) {
	memStore := store.NewMemoryStore()
	offsets := &countingOffsets{OffsetStore: memStore}

	items := make([]Item, 0, 4)
	ddl, parser := createUsersDDL(t, binPos(100))
	items = append(items, ddl)
	for i := 0; i < 3; i++ {
		items = append(items, rowItem(binPos(uint64(200+i*100)), event.RowInsert, nil,
			event.Row{"id": i, "email": "x@y.z"}))
	}

	p := newTestPipeline(t, Config{
		Source:           &scriptedSource{items: items},
		Parser:           parser,
		History:          schema.NewHistory(memStore),
		Offsets:          offsets,
		QueueSize:        16,
		CheckpointEveryN: 2,
	})

	require.NoError(t, p.Start())
	awaitDone(t, p)
	require.NoError(t, p.Err())

	// 4 items at every-2 gives two interval saves, plus the final save at
	// end of stream
	assert.Equal(t, 3, offsets.saveCount())
}

func TestPipelineCooperativeStopKeepsSequencesWhole(t *testing.T) {
	memStore := store.NewMemoryStore()
	ddl, parser := createUsersDDL(t, binPos(4))

	// After the DDL, an endless stream of key-changing updates. Each one
	// materializes a create/delete/tombstone triple.
	src := &scriptedSource{generate: func(n int) Item {
		if n == 0 {
			return ddl
		}
		return rowItem(binPos(uint64(n*10)), event.RowUpdate,
			event.Row{"id": n, "email": "x@y.z"},
			event.Row{"id": n + 1000000, "email": "x@y.z"})
	}}

	p := newTestPipeline(t, Config{
		Source:    src,
		Parser:    parser,
		History:   schema.NewHistory(memStore),
		Offsets:   memStore,
		QueueSize: 64,
	})

	var mu sync.Mutex
	var consumed []event.ChangeEvent
	stopConsumer := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stopConsumer:
				return
			default:
			}
			if ev, ok := p.Events().Poll(10 * time.Millisecond); ok {
				mu.Lock()
				consumed = append(consumed, ev)
				mu.Unlock()
			}
		}
	}()

	require.NoError(t, p.Start())
	time.Sleep(50 * time.Millisecond)
	p.Stop()
	awaitDone(t, p)
	require.NoError(t, p.Err())
	assert.Equal(t, StateStopped, p.State())

	close(stopConsumer)
	wg.Wait()

	mu.Lock()
	events := append(consumed, drain(p.Events())...)
	mu.Unlock()

	// The stop never lands inside a triple
	require.NotEmpty(t, events)
	require.Zero(t, len(events)%3, "stop split a create/delete/tombstone sequence")
	for i := 0; i < len(events); i += 3 {
		assert.Equal(t, event.OpCreate, events[i].Op)
		assert.Equal(t, event.OpDelete, events[i+1].Op)
		assert.Equal(t, event.OpTombstone, events[i+2].Op)
	}
}

func TestPipelineRestartAfterStop(t *testing.T) {
	memStore := store.NewMemoryStore()
	ddl, parser := createUsersDDL(t, binPos(100))

	src := &scriptedSource{items: []Item{
		ddl,
		rowItem(binPos(200), event.RowInsert, nil, event.Row{"id": 1, "email": "a@b.c"}),
	}}

	p := newTestPipeline(t, Config{
		Source:    src,
		Parser:    parser,
		History:   schema.NewHistory(memStore),
		Offsets:   memStore,
		QueueSize: 16,
	})

	require.NoError(t, p.Start())
	awaitDone(t, p)
	require.NoError(t, p.Err())
	assert.Len(t, drain(p.Events()), 2)

	// A stop request against the stopped pipeline must not poison the next run
	p.Stop()

	src.mu.Lock()
	src.items = append(src.items, rowItem(binPos(300), event.RowInsert, nil,
		event.Row{"id": 2, "email": "d@e.f"}))
	src.mu.Unlock()

	require.NoError(t, p.Start())
	awaitDone(t, p)
	require.NoError(t, p.Err())
	assert.Equal(t, StateStopped, p.State())

	// The second run resumed from the first run's checkpoint and recovered
	// the catalog, so the new insert materialized
	assert.Equal(t, binPos(200), src.openedFrom)
	events := drain(p.Events())
	require.Len(t, events, 1)
	assert.Equal(t, event.OpCreate, events[0].Op)
	assert.Equal(t, binPos(300), p.Position())
}

func TestPipelineStartFromRunningFails(t *testing.T) {
	memStore := store.NewMemoryStore()

	src := &scriptedSource{generate: func(n int) Item {
		return Item{Kind: ItemDDL, Pos: binPos(uint64(n + 1)), Text: "noop"}
	}}
	parser := &scriptedParser{mutations: map[string][]schema.Mutation{"noop": {}}}

	p := newTestPipeline(t, Config{
		Source:  src,
		Parser:  parser,
		History: schema.NewHistory(memStore),
		Offsets: memStore,
	})

	require.NoError(t, p.Start())
	assert.Error(t, p.Start())

	p.Stop()
	awaitDone(t, p)
	require.NoError(t, p.Err())
}

func TestNewPipelineValidation(t *testing.T) {
	memStore := store.NewMemoryStore()
	projector := newTestProjector(t, filter.Rules{})

	valid := Config{
		Name:      "test",
		Source:    &scriptedSource{},
		Parser:    &scriptedParser{},
		History:   schema.NewHistory(memStore),
		Projector: projector,
		Offsets:   memStore,
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"missing name", func(c *Config) { c.Name = "" }},
		{"missing source", func(c *Config) { c.Source = nil }},
		{"missing parser", func(c *Config) { c.Parser = nil }},
		{"missing history", func(c *Config) { c.History = nil }},
		{"missing projector", func(c *Config) { c.Projector = nil }},
		{"missing offsets", func(c *Config) { c.Offsets = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			_, err := NewPipeline(cfg)
			assert.Error(t, err)
		})
	}

	p, err := NewPipeline(valid)
	require.NoError(t, err)
	assert.Equal(t, StateStopped, p.State())
	assert.Equal(t, 2048, p.Events().Cap(), "queue size defaults")
}
