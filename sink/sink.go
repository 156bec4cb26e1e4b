// Package sink carries change events from the capture queue to downstream
// systems. The wire shape here is a reference encoding; the capture core only
// promises ordered delivery of events into the queue.
package sink

import (
	"fmt"
	"sync"

	"github.com/binwatch/binwatch/cfg"
)

// Sink is a destination for change events.
type Sink interface {
	// Publish sends a payload. A nil value is a tombstone marker.
	Publish(topic string, key string, value []byte) error
	// Close releases any resources held by the sink
	Close() error
}

// SinkFactory creates a sink from configuration.
type SinkFactory func(config cfg.SinkConfiguration) (Sink, error)

var (
	sinkFactoriesMu sync.RWMutex
	sinkFactories   = make(map[string]SinkFactory)
)

// RegisterSink registers a sink factory under a type name. Called from init
// functions of the concrete sink files.
func RegisterSink(sinkType string, factory SinkFactory) {
	sinkFactoriesMu.Lock()
	defer sinkFactoriesMu.Unlock()
	sinkFactories[sinkType] = factory
}

// NewSink builds a sink from configuration.
func NewSink(config cfg.SinkConfiguration) (Sink, error) {
	sinkFactoriesMu.RLock()
	factory, ok := sinkFactories[config.Type]
	sinkFactoriesMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown sink type %q", config.Type)
	}
	return factory(config)
}
