package sink

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/binwatch/binwatch/capture"
	"github.com/binwatch/binwatch/encoding"
	"github.com/binwatch/binwatch/event"
	"github.com/binwatch/binwatch/schema"
	"github.com/binwatch/binwatch/telemetry"
)

const (
	DefaultPollTimeout    = 100 * time.Millisecond
	DefaultRetryInitial   = 100 * time.Millisecond
	DefaultRetryMax       = 30 * time.Second
	DefaultMaxRetries     = 100
	descriptorCacheSize   = 1024
	descriptorTopicSuffix = "schema"
)

// SchemaLookup resolves a table definition for descriptor messages. Wired to
// the pipeline's catalog snapshot; may return nil for unknown tables.
type SchemaLookup func(id schema.TableId) *schema.Table

// DrainerConfig configures a queue drainer.
type DrainerConfig struct {
	Name        string
	Queue       *capture.Queue
	Sink        Sink
	TopicPrefix string
	Schemas     SchemaLookup

	PollTimeout  time.Duration
	RetryInitial time.Duration
	RetryMax     time.Duration
	MaxRetries   int
}

// Drainer is the reference consumer of the capture queue: it polls events,
// encodes them, and publishes to a sink with retry. The first event carrying
// an unseen schema revision also publishes a table descriptor message; an LRU
// of seen revisions keeps that a one-time cost per schema version.
type Drainer struct {
	config DrainerConfig
	seen   *lru.Cache[uint64, struct{}]

	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex
}

// wireEvent is the reference payload shape shipped to sinks.
type wireEvent struct {
	Op     string         `msgpack:"op"`
	Table  string         `msgpack:"table"`
	Key    event.Row      `msgpack:"key"`
	Before event.Row      `msgpack:"before,omitempty"`
	After  event.Row      `msgpack:"after,omitempty"`
	File   string         `msgpack:"file"`
	Offset uint64         `msgpack:"pos"`
	RowIdx uint32         `msgpack:"row"`
	Rev    uint64         `msgpack:"rev"`
}

// wireDescriptor describes a table schema revision for consumers.
type wireDescriptor struct {
	Table      string   `msgpack:"table"`
	Rev        uint64   `msgpack:"rev"`
	Columns    []string `msgpack:"columns"`
	PrimaryKey []string `msgpack:"pk"`
}

// NewDrainer validates config and builds a drainer.
func NewDrainer(config DrainerConfig) (*Drainer, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("drainer name is required")
	}
	if config.Queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.PollTimeout <= 0 {
		config.PollTimeout = DefaultPollTimeout
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}

	seen, err := lru.New[uint64, struct{}](descriptorCacheSize)
	if err != nil {
		return nil, err
	}

	return &Drainer{
		config: config,
		seen:   seen,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// Start launches the drain loop.
func (d *Drainer) Start() {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()

	if d.running.Load() {
		return
	}
	d.running.Store(true)
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})

	log.Info().Str("drainer", d.config.Name).Msg("Starting sink drainer")
	go d.drainLoop()
}

// Stop stops the drainer after the in-flight event, leaving the rest of the
// queue for the next run.
func (d *Drainer) Stop() {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()

	if !d.running.Load() {
		return
	}

	close(d.stopCh)
	<-d.doneCh
	d.running.Store(false)

	log.Info().Str("drainer", d.config.Name).Msg("Sink drainer stopped")
}

// drainLoop runs until stopped or until a publish exhausts its retries. The
// running flag clears on the way out so a drainer that gave up can be
// restarted once the sink recovers.
func (d *Drainer) drainLoop() {
	defer close(d.doneCh)
	defer d.running.Store(false)

	for {
		select {
		case <-d.stopCh:
			return
		default:
		}

		ev, ok := d.config.Queue.Poll(d.config.PollTimeout)
		if !ok {
			continue
		}

		if err := d.publishEvent(ev); err != nil {
			log.Error().
				Err(err).
				Str("drainer", d.config.Name).
				Str("table", ev.Table.String()).
				Msg("Giving up on event publish")
			telemetry.SinkPublishTotal.With(d.config.Name, "failed").Inc()
			return
		}
		telemetry.SinkPublishTotal.With(d.config.Name, "success").Inc()
	}
}

func (d *Drainer) publishEvent(ev event.ChangeEvent) error {
	topic := d.buildTopic(ev.Table)
	key := eventKey(ev)

	if ev.Rev != 0 && !d.seen.Contains(ev.Rev) {
		if err := d.publishDescriptor(ev); err != nil {
			return err
		}
		d.seen.Add(ev.Rev, struct{}{})
	}

	// Tombstones ship a nil payload for compacted-topic semantics.
	if ev.Op == event.OpTombstone {
		return d.publishWithRetry(topic, key, nil)
	}

	data, err := encoding.Marshal(wireEvent{
		Op:     ev.Op.String(),
		Table:  ev.Table.String(),
		Key:    ev.Key,
		Before: ev.Before,
		After:  ev.After,
		File:   ev.Pos.File,
		Offset: ev.Pos.Offset,
		RowIdx: ev.Pos.Row,
		Rev:    ev.Rev,
	})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	return d.publishWithRetry(topic, key, data)
}

func (d *Drainer) publishDescriptor(ev event.ChangeEvent) error {
	if d.config.Schemas == nil {
		return nil
	}
	table := d.config.Schemas(ev.Table)
	if table == nil {
		return nil
	}

	data, err := encoding.Marshal(wireDescriptor{
		Table:      table.Id.String(),
		Rev:        ev.Rev,
		Columns:    table.ColumnNames(),
		PrimaryKey: table.PrimaryKey,
	})
	if err != nil {
		return fmt.Errorf("encode descriptor: %w", err)
	}

	topic := d.buildTopic(ev.Table) + "." + descriptorTopicSuffix
	return d.publishWithRetry(topic, table.Id.String(), data)
}

func (d *Drainer) buildTopic(id schema.TableId) string {
	if d.config.TopicPrefix == "" {
		return id.String()
	}
	return d.config.TopicPrefix + "." + id.String()
}

// eventKey renders the projected primary key deterministically so the same
// row always maps to the same partition.
func eventKey(ev event.ChangeEvent) string {
	if len(ev.Key) == 0 {
		return ev.Table.String()
	}
	names := make([]string, 0, len(ev.Key))
	for name := range ev.Key {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for i, name := range names {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, "%s=%v", name, ev.Key[name])
	}
	return b.String()
}

// publishWithRetry publishes with exponential backoff, bailing out when the
// drainer is stopped or retries are exhausted.
func (d *Drainer) publishWithRetry(topic, key string, data []byte) error {
	delay := d.config.RetryInitial
	attempts := 0

	for {
		err := d.config.Sink.Publish(topic, key, data)
		if err == nil {
			return nil
		}

		attempts++
		if attempts >= d.config.MaxRetries {
			return fmt.Errorf("exhausted %d retries for topic %s: %w", d.config.MaxRetries, topic, err)
		}

		log.Warn().
			Err(err).
			Str("drainer", d.config.Name).
			Str("topic", topic).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Failed to publish event, retrying")

		if !d.sleep(delay) {
			return fmt.Errorf("drainer stopped during retry")
		}

		delay *= 2
		if delay > d.config.RetryMax {
			delay = d.config.RetryMax
		}
	}
}

func (d *Drainer) sleep(duration time.Duration) bool {
	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-d.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
