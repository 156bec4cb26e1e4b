package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/binwatch/binwatch/admin"
	"github.com/binwatch/binwatch/capture"
	"github.com/binwatch/binwatch/cfg"
	"github.com/binwatch/binwatch/filter"
	"github.com/binwatch/binwatch/schema"
	"github.com/binwatch/binwatch/sink"
	"github.com/binwatch/binwatch/source"
	"github.com/binwatch/binwatch/store"
	"github.com/binwatch/binwatch/telemetry"
)

func main() {
	flag.Parse()

	// Load configuration
	if err := cfg.Load(*cfg.ConfigPathFlag); err != nil {
		panic(err)
	}
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("capture_id", cfg.Config.CaptureID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("binwatch - change capture for binary replication logs")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	if cfg.Config.Source.Path == "" {
		log.Fatal().Msg("No source path configured")
		return
	}

	// Durable history + checkpoint store
	stateStore, err := store.NewPebbleStore(cfg.Config.DataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open capture state store")
		return
	}
	defer stateStore.Close()

	// Filter and projection rules
	projector, err := filter.NewProjector(filter.Rules{
		SchemaInclude: cfg.Config.Filter.SchemaInclude,
		SchemaExclude: cfg.Config.Filter.SchemaExclude,
		TableInclude:  cfg.Config.Filter.TableInclude,
		TableExclude:  cfg.Config.Filter.TableExclude,
		ColumnExclude: cfg.Config.Filter.ColumnExclude,
		MaskColumns:   cfg.Config.Filter.MaskColumns,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid filter configuration")
		return
	}

	pipeline, err := capture.NewPipeline(capture.Config{
		Name:                cfg.Config.Source.Name,
		Source:              source.NewJSONLSource(cfg.Config.Source.Path),
		Parser:              &source.OpsParser{},
		History:             schema.NewHistory(stateStore),
		Projector:           projector,
		Offsets:             stateStore,
		QueueSize:           cfg.Config.Pipeline.QueueSize,
		HaltOnMutationError: cfg.Config.Pipeline.HaltOnMutationError,
		HaltOnUnknownTable:  cfg.Config.Pipeline.HaltOnUnknownTable,
		MaskAbsentValues:    cfg.Config.Pipeline.MaskAbsentValues,
		CheckpointEveryN:    cfg.Config.Pipeline.CheckpointEveryN,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build capture pipeline")
		return
	}

	// Sinks drain the event queue
	drainers, err := buildDrainers(pipeline)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build sinks")
		return
	}
	for _, d := range drainers {
		d.Start()
	}

	// Admin status surface
	var adminSrv *admin.Server
	if cfg.Config.Admin.Enabled {
		adminSrv = admin.NewServer(pipeline)
		adminSrv.Start()
	}

	if err := pipeline.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start pipeline")
		return
	}

	// Run until the pipeline terminates or a signal arrives
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for !pipeline.Await(time.Second) {
		select {
		case sig := <-sigCh:
			log.Info().Str("signal", sig.String()).Msg("Shutting down")
			pipeline.Stop()
		default:
		}
	}

	if err := pipeline.Err(); err != nil {
		log.Error().Err(err).Msg("Pipeline terminated with error")
	}

	// Let the drainers flush what is left in the queue, then stop them.
	deadline := time.Now().Add(10 * time.Second)
	for pipeline.Events().Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	for _, d := range drainers {
		d.Stop()
	}
	if adminSrv != nil {
		adminSrv.Stop()
	}
}

// buildDrainers wires one drainer per configured sink, all sharing the
// pipeline's event queue and catalog snapshots.
func buildDrainers(pipeline *capture.Pipeline) ([]*sink.Drainer, error) {
	lookup := func(id schema.TableId) *schema.Table {
		return pipeline.CatalogSnapshot().Table(id)
	}

	drainers := make([]*sink.Drainer, 0, len(cfg.Config.Sinks))
	for _, sinkCfg := range cfg.Config.Sinks {
		snk, err := sink.NewSink(sinkCfg)
		if err != nil {
			return nil, fmt.Errorf("sink %q: %w", sinkCfg.Name, err)
		}
		d, err := sink.NewDrainer(sink.DrainerConfig{
			Name:        sinkCfg.Name,
			Queue:       pipeline.Events(),
			Sink:        snk,
			TopicPrefix: sinkCfg.TopicPrefix,
			Schemas:     lookup,
			PollTimeout: time.Duration(cfg.Config.Pipeline.PollTimeoutMS) * time.Millisecond,
		})
		if err != nil {
			snk.Close()
			return nil, fmt.Errorf("drainer %q: %w", sinkCfg.Name, err)
		}
		drainers = append(drainers, d)
	}
	return drainers, nil
}
