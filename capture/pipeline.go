package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/rs/zerolog/log"

	"github.com/binwatch/binwatch/common"
	"github.com/binwatch/binwatch/event"
	"github.com/binwatch/binwatch/filter"
	"github.com/binwatch/binwatch/schema"
	"github.com/binwatch/binwatch/telemetry"
)

// State is the pipeline lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	// StateFailed is terminal; the completion error carries the cause.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// Config wires a pipeline's collaborators together.
type Config struct {
	Name      string          // Checkpoint name in the offset store
	Source    Source          // Raw log reader
	Parser    schema.Parser   // DDL grammar
	History   *schema.History // Schema history log
	Projector *filter.Projector
	Offsets   OffsetStore

	QueueSize int

	// HaltOnMutationError stops the pipeline on unsatisfiable DDL instead of
	// skipping the statement with a warning. HaltOnUnknownTable does the same
	// for row mutations against excluded or unknown tables.
	HaltOnMutationError bool
	HaltOnUnknownTable  bool

	// CheckpointEveryN saves the position checkpoint every N processed items.
	CheckpointEveryN int

	// MaskAbsentValues emits the mask string for masked columns whose source
	// value is absent instead of omitting the field.
	MaskAbsentValues bool
}

// Pipeline is the single-worker capture loop. The worker goroutine
// exclusively owns the Position and the Catalog; the only cross-goroutine
// interaction is the bounded event queue and read-only snapshots.
type Pipeline struct {
	cfg   Config
	queue *Queue

	state atomic.Int32

	// Owned by the worker goroutine. snapMu guards the snapshot copies read
	// by Position() and CatalogSnapshot().
	pos     common.Position
	catalog *schema.Catalog
	snapMu  sync.Mutex

	stopRequested atomic.Bool

	// Per-run plumbing, re-made by Start so the pipeline can cycle back
	// through stopped and start again. Guarded by lifecycleMu.
	hardCtx    context.Context
	hardCancel context.CancelFunc
	promise    *future.Promise[error]
	doneCh     chan struct{}

	lifecycleMu sync.Mutex
}

// NewPipeline validates cfg and builds a stopped pipeline.
func NewPipeline(cfg Config) (*Pipeline, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("pipeline name is required")
	}
	if cfg.Source == nil {
		return nil, fmt.Errorf("source is required")
	}
	if cfg.Parser == nil {
		return nil, fmt.Errorf("ddl parser is required")
	}
	if cfg.History == nil {
		return nil, fmt.Errorf("schema history is required")
	}
	if cfg.Projector == nil {
		return nil, fmt.Errorf("projector is required")
	}
	if cfg.Offsets == nil {
		return nil, fmt.Errorf("offset store is required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 2048
	}
	if cfg.CheckpointEveryN <= 0 {
		cfg.CheckpointEveryN = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		cfg:        cfg,
		queue:      NewQueue(cfg.QueueSize),
		catalog:    schema.NewCatalog(),
		hardCtx:    ctx,
		hardCancel: cancel,
		promise:    future.NewPromise[error](),
		doneCh:     make(chan struct{}),
	}
	p.state.Store(int32(StateStopped))
	return p, nil
}

// State returns the current lifecycle state.
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

// Events returns the bounded queue the sink consumer drains.
func (p *Pipeline) Events() *Queue {
	return p.queue
}

// Position returns a checkpoint snapshot of the current position.
func (p *Pipeline) Position() common.Position {
	p.snapMu.Lock()
	defer p.snapMu.Unlock()
	return p.pos
}

// CatalogSnapshot returns a deep copy of the current catalog. Outside readers
// never see the live catalog.
func (p *Pipeline) CatalogSnapshot() *schema.Catalog {
	p.snapMu.Lock()
	defer p.snapMu.Unlock()
	return p.catalog.Snapshot()
}

// Start launches the worker. Initialization errors are reported through the
// completion signal, not returned here; Start only fails when the pipeline
// is not in the stopped state.
func (p *Pipeline) Start() error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return fmt.Errorf("pipeline %s cannot start from state %s", p.cfg.Name, p.State())
	}

	// Fresh completion signal and hard-cancel context for this run; the
	// previous run's are already satisfied and cancelled.
	p.hardCtx, p.hardCancel = context.WithCancel(context.Background())
	p.promise = future.NewPromise[error]()
	p.doneCh = make(chan struct{})
	p.stopRequested.Store(false)

	log.Info().Str("pipeline", p.cfg.Name).Msg("Starting capture pipeline")
	go p.run()
	return nil
}

// Stop requests a cooperative stop. The worker observes the flag between raw
// items only, so an in-flight multi-event sequence is never split.
func (p *Pipeline) Stop() {
	if p.stopRequested.CompareAndSwap(false, true) {
		if p.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
			log.Info().Str("pipeline", p.cfg.Name).Msg("Stop requested")
		}
	}
}

// Await blocks until the pipeline terminates or timeout elapses. It returns
// true once terminated and may be polled repeatedly.
func (p *Pipeline) Await(timeout time.Duration) bool {
	p.lifecycleMu.Lock()
	done := p.doneCh
	p.lifecycleMu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

// Err returns the terminal error after the pipeline has completed, or nil on
// a clean stop. Calling it before termination blocks until the pipeline is
// done.
func (p *Pipeline) Err() error {
	p.lifecycleMu.Lock()
	f := p.promise.Future()
	p.lifecycleMu.Unlock()

	err, _ := f.Get()
	return err
}

// run is the worker goroutine: initialization, the item loop, and exactly
// one completion signal.
func (p *Pipeline) run() {
	if err := p.initialize(); err != nil {
		p.complete(err)
		return
	}

	p.state.Store(int32(StateRunning))
	log.Info().
		Str("pipeline", p.cfg.Name).
		Str("pos", p.Position().String()).
		Msg("Capture pipeline running")

	p.complete(p.loop())
}

// complete transitions to the terminal state and fires the completion signal
// exactly once.
func (p *Pipeline) complete(err error) {
	p.cfg.Source.Close()
	p.hardCancel()

	// The terminal state store and the completion signal happen under
	// lifecycleMu together, so a racing Start cannot observe the stopped
	// state and re-make the plumbing before this run's doneCh is closed.
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if err != nil {
		p.state.Store(int32(StateFailed))
		log.Error().Err(err).Str("pipeline", p.cfg.Name).Msg("Capture pipeline failed")
	} else {
		p.state.Store(int32(StateStopped))
		log.Info().Str("pipeline", p.cfg.Name).Msg("Capture pipeline stopped")
	}

	p.promise.Set(err, nil)
	close(p.doneCh)
}

// initialize loads the checkpoint, recovers the catalog when resuming, and
// opens the source.
func (p *Pipeline) initialize() error {
	data, err := p.cfg.Offsets.Load(p.cfg.Name)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}

	var pos common.Position
	if data != nil {
		pos, err = common.DecodePosition(data)
		if err != nil {
			return err
		}
	}

	catalog := schema.NewCatalog()
	if !pos.IsZero() {
		catalog, err = p.cfg.History.Recover(pos)
		if err != nil {
			return fmt.Errorf("recover catalog: %w", err)
		}
		p.cfg.Projector.InvalidateAll()
	}

	p.snapMu.Lock()
	p.pos = pos
	p.catalog = catalog
	p.snapMu.Unlock()

	if err := p.cfg.Source.Open(p.hardCtx, pos); err != nil {
		return fmt.Errorf("open source: %w", err)
	}

	return nil
}

// loop consumes raw items until end of stream, a stop request, or a fatal
// error. The stop flag is only checked here, at item boundaries.
func (p *Pipeline) loop() error {
	itemsSinceCheckpoint := 0

	for {
		if p.stopRequested.Load() {
			p.state.Store(int32(StateStopping))
			return p.saveCheckpoint()
		}

		item, err := p.cfg.Source.Next(p.hardCtx)
		if errors.Is(err, io.EOF) {
			return p.saveCheckpoint()
		}
		if err != nil {
			return fmt.Errorf("source read: %w", err)
		}

		switch item.Kind {
		case ItemDDL:
			telemetry.ItemsTotal.With("ddl").Inc()
			if err := p.processDDL(item); err != nil {
				return err
			}
		case ItemRows:
			telemetry.ItemsTotal.With("rows").Inc()
			if err := p.processRows(item); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown item kind %d at %s", item.Kind, item.Pos)
		}

		p.advance(item.Pos)

		itemsSinceCheckpoint++
		if itemsSinceCheckpoint >= p.cfg.CheckpointEveryN {
			if err := p.saveCheckpoint(); err != nil {
				return err
			}
			itemsSinceCheckpoint = 0
		}
	}
}

// processDDL parses the statement, applies the resulting mutations and
// records the history entry. Unsatisfiable mutations are skipped or fatal
// per policy; a history write failure is always fatal because it breaks
// resumability.
func (p *Pipeline) processDDL(item Item) error {
	mutations, err := p.cfg.Parser.Parse(item.Text, item.Database, p.catalog)
	if err != nil {
		if p.cfg.HaltOnMutationError {
			return fmt.Errorf("parse ddl at %s: %w", item.Pos, err)
		}
		telemetry.ItemsSkippedTotal.With("mutation_error").Inc()
		log.Warn().Err(err).Str("pos", item.Pos.String()).Msg("Skipping unparseable DDL")
		return nil
	}

	applied := 0
	for _, m := range mutations {
		p.snapMu.Lock()
		err := p.catalog.Apply(m)
		p.snapMu.Unlock()
		if err != nil {
			var mutErr *schema.MutationError
			if errors.As(err, &mutErr) && !p.cfg.HaltOnMutationError {
				telemetry.ItemsSkippedTotal.With("mutation_error").Inc()
				log.Warn().Err(err).Str("pos", item.Pos.String()).Msg("Skipping unsatisfiable schema mutation")
				continue
			}
			return fmt.Errorf("apply mutation at %s: %w", item.Pos, err)
		}
		applied++

		p.cfg.Projector.Invalidate(m.Id)
		if m.Kind == schema.MutationRenameTable {
			p.cfg.Projector.Invalidate(m.NewId)
		}
		if m.Kind == schema.MutationCreateTable && m.Table != nil {
			p.cfg.Projector.Invalidate(m.Table.Id)
		}
	}

	if applied == 0 {
		return nil
	}

	if err := p.cfg.History.Record(item.Pos, item.Database, item.Text, p.catalog); err != nil {
		return err
	}
	telemetry.HistoryRecordsTotal.Inc()
	return nil
}

// processRows materializes one raw row mutation and enqueues every derived
// event before the position may advance.
func (p *Pipeline) processRows(item Item) error {
	mut := *item.Rows
	mut.Pos = item.Pos

	table := p.catalog.Table(mut.Table)
	proj := p.cfg.Projector.ProjectionFor(table)

	materializer := event.Materializer{MaskAbsent: p.cfg.MaskAbsentValues}
	events, err := materializer.Materialize(mut, proj)
	if err != nil {
		var mismatch *event.ProjectionMismatchError
		if errors.As(err, &mismatch) {
			if p.cfg.HaltOnUnknownTable {
				return err
			}
			telemetry.ItemsSkippedTotal.With("unknown_table").Inc()
			log.Warn().
				Str("table", mut.Table.String()).
				Str("pos", item.Pos.String()).
				Msg("Skipping mutation for excluded or unknown table")
			return nil
		}
		return err
	}

	for _, ev := range events {
		if err := p.queue.Put(p.hardCtx, ev); err != nil {
			return fmt.Errorf("enqueue event: %w", err)
		}
		telemetry.EventsTotal.With(ev.Op.String()).Inc()
		telemetry.QueueDepth.Set(float64(p.queue.Len()))
	}

	return nil
}

// advance moves the position forward. Positions never regress within a
// running session.
func (p *Pipeline) advance(pos common.Position) {
	p.snapMu.Lock()
	defer p.snapMu.Unlock()
	if pos.Compare(p.pos) > 0 {
		p.pos = pos
	}
}

func (p *Pipeline) saveCheckpoint() error {
	pos := p.Position()
	if pos.IsZero() {
		return nil
	}
	data, err := pos.Encode()
	if err != nil {
		return err
	}
	if err := p.cfg.Offsets.Save(p.cfg.Name, data); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	telemetry.CheckpointSavesTotal.Inc()
	return nil
}
