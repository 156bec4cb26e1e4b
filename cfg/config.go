package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// SourceConfiguration describes the upstream database whose log is captured.
type SourceConfiguration struct {
	Name     string `toml:"name"`     // Logical server name, used in checkpoint keys
	Database string `toml:"database"` // Default database for unqualified DDL
	Path     string `toml:"path"`     // Change stream file for the replay source
}

// FilterConfiguration carries the table/column filtering patterns.
// Schema patterns match the bare schema name, table patterns the qualified
// "schema.table" name, column patterns the "schema.table.column" name.
type FilterConfiguration struct {
	SchemaInclude []string       `toml:"schema_include"`
	SchemaExclude []string       `toml:"schema_exclude"`
	TableInclude  []string       `toml:"table_include"`
	TableExclude  []string       `toml:"table_exclude"`
	ColumnExclude []string       `toml:"column_exclude"`
	MaskColumns   map[string]int `toml:"mask_columns"`
}

// PipelineConfiguration controls the capture worker.
type PipelineConfiguration struct {
	QueueSize           int  `toml:"queue_size"`
	PollTimeoutMS       int  `toml:"poll_timeout_ms"`
	HaltOnMutationError bool `toml:"halt_on_mutation_error"`
	HaltOnUnknownTable  bool `toml:"halt_on_unknown_table"`
	MaskAbsentValues    bool `toml:"mask_absent_values"` // Emit mask strings for columns absent from the row image
	CheckpointEveryN    int  `toml:"checkpoint_every_n"` // Items between checkpoint saves
}

// SinkConfiguration configures one downstream consumer of the event queue.
type SinkConfiguration struct {
	Name        string   `toml:"name"`
	Type        string   `toml:"type"` // "kafka", "nats" or "mock"
	TopicPrefix string   `toml:"topic_prefix"`
	Brokers     []string `toml:"brokers"` // Kafka bootstrap brokers
	URL         string   `toml:"url"`     // NATS server URL
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// AdminConfiguration for the read-only status HTTP surface
type AdminConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// Configuration is the main configuration structure
type Configuration struct {
	CaptureID uint64 `toml:"capture_id"`
	DataDir   string `toml:"data_dir"`

	Source     SourceConfiguration     `toml:"source"`
	Filter     FilterConfiguration     `toml:"filter"`
	Pipeline   PipelineConfiguration   `toml:"pipeline"`
	Sinks      []SinkConfiguration     `toml:"sinks"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
	Admin      AdminConfiguration      `toml:"admin"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	CaptureIDFlag  = flag.Uint64("capture-id", 0, "Capture instance ID (overrides config, 0=auto)")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin HTTP port (overrides config)")
)

// Default configuration
var Config = &Configuration{
	CaptureID: 0, // Auto-generate
	DataDir:   "./binwatch-data",

	Source: SourceConfiguration{
		Name: "binwatch",
	},

	Pipeline: PipelineConfiguration{
		QueueSize:           2048,
		PollTimeoutMS:       100,
		HaltOnMutationError: false,
		HaltOnUnknownTable:  false,
		CheckpointEveryN:    1,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
		Address: "0.0.0.0",
		Port:    9090,
	},

	Admin: AdminConfiguration{
		Enabled: true,
		Address: "127.0.0.1",
		Port:    8981,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *CaptureIDFlag != 0 {
		Config.CaptureID = *CaptureIDFlag
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}

	// Auto-generate capture ID if not set
	if Config.CaptureID == 0 {
		var err error
		Config.CaptureID, err = generateCaptureID()
		if err != nil {
			return fmt.Errorf("failed to generate capture ID: %w", err)
		}
		log.Info().Uint64("capture_id", Config.CaptureID).Msg("Auto-generated capture ID")
	}

	// Ensure data directory exists
	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateCaptureID creates a stable instance ID based on machine ID
func generateCaptureID() (uint64, error) {
	id, err := machineid.ProtectedID("binwatch")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	if Config.Source.Name == "" {
		return fmt.Errorf("source name is required")
	}

	if Config.Pipeline.QueueSize < 1 {
		return fmt.Errorf("pipeline queue size must be >= 1")
	}

	if Config.Pipeline.PollTimeoutMS < 1 {
		return fmt.Errorf("pipeline poll timeout must be >= 1ms")
	}

	if Config.Pipeline.CheckpointEveryN < 1 {
		return fmt.Errorf("checkpoint interval must be >= 1 item")
	}

	if Config.Prometheus.Enabled && (Config.Prometheus.Port < 1 || Config.Prometheus.Port > 65535) {
		return fmt.Errorf("invalid prometheus port: %d", Config.Prometheus.Port)
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	for i, sink := range Config.Sinks {
		if sink.Name == "" {
			return fmt.Errorf("sink %d has no name", i)
		}
		switch sink.Type {
		case "kafka":
			if len(sink.Brokers) == 0 {
				return fmt.Errorf("kafka sink %q needs at least one broker", sink.Name)
			}
		case "nats":
			if sink.URL == "" {
				return fmt.Errorf("nats sink %q needs a url", sink.Name)
			}
		case "mock":
		default:
			return fmt.Errorf("sink %q has unknown type %q", sink.Name, sink.Type)
		}
	}

	return nil
}
