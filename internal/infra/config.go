package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the daemon. Values are loaded from an
// optional yaml file, then overridden by environment variables, then
// validated. A missing config file is not an error: the defaults plus the
// environment fully describe a working process.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Feed struct {
		Source    string `yaml:"source"`     // file | tcp | ws | nats | kafka
		InputPath string `yaml:"input_path"` // file source: framed capture file
		Addr      string `yaml:"addr"`       // tcp host:port, ws/nats URL, kafka broker
		Topic     string `yaml:"topic"`      // kafka topic / nats subject
	} `yaml:"feed"`

	// Instruments maps feed instrument ids to display symbols. Ids not
	// listed here fall back to Symbol, then to a generated label.
	Instruments map[uint32]string `yaml:"instruments"`
	Symbol      string            `yaml:"symbol"`

	Engine struct {
		Shards                      int  `yaml:"shards"`
		QueueCapacity               int  `yaml:"queue_capacity"`
		SnapshotDepth               int  `yaml:"snapshot_depth"`
		ModifyIncreaseKeepsPriority bool `yaml:"modify_increase_keeps_priority"`
	} `yaml:"engine"`

	Storage struct {
		DatabaseURL string `yaml:"database_url"` // sqlite path or postgres:// URL
		BatchSize   int    `yaml:"batch_size"`
		FlushMS     int    `yaml:"flush_ms"`
		MaxRetries  int    `yaml:"max_retries"`
		BulkLoad    bool   `yaml:"bulk_load"` // drop indexes before loading, recreate at shutdown
	} `yaml:"storage"`

	SnapshotFile struct {
		Path       string `yaml:"path"`
		IntervalMS int    `yaml:"interval_ms"`
		Policy     string `yaml:"policy"` // block | drop_oldest
		PriceScale int32  `yaml:"price_scale"`
	} `yaml:"snapshot_file"`

	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	Metrics struct {
		ReportIntervalMS int `yaml:"report_interval_ms"`
	} `yaml:"metrics"`

	Logging struct {
		Level string `yaml:"level"`
		Dir   string `yaml:"dir"`
	} `yaml:"logging"`
}

// DefaultConfig returns the documented defaults. They describe a
// single-instrument file replay against a local sqlite database.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.App.Name = "bookpipe"
	cfg.Feed.Source = "file"
	cfg.Feed.InputPath = "data/capture.mbo"
	cfg.Engine.Shards = 1
	cfg.Engine.QueueCapacity = 1_000_000
	cfg.Engine.SnapshotDepth = 10
	cfg.Storage.DatabaseURL = "data/bookpipe.db"
	cfg.Storage.BatchSize = 5_000
	cfg.Storage.FlushMS = 10
	cfg.Storage.MaxRetries = 5
	cfg.SnapshotFile.Path = "data/mbp.jsonl"
	cfg.SnapshotFile.IntervalMS = 100
	cfg.SnapshotFile.Policy = "block"
	cfg.SnapshotFile.PriceScale = 9
	cfg.Server.Addr = "127.0.0.1:8080"
	cfg.Metrics.ReportIntervalMS = 10_000
	cfg.Logging.Level = "info"
	cfg.Logging.Dir = "logs"
	return cfg
}

// LoadConfig reads and parses the configuration file, applies environment
// overrides and validates the result. A nonexistent file falls back to
// DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		// Missing file: run on defaults + environment.
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	overrideWithEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	switch c.Feed.Source {
	case "file":
		if c.Feed.InputPath == "" {
			return fmt.Errorf("file source requires feed.input_path")
		}
	case "tcp", "nats", "kafka":
		if c.Feed.Addr == "" {
			return fmt.Errorf("%s source requires feed.addr", c.Feed.Source)
		}
	case "ws":
		if !strings.HasPrefix(c.Feed.Addr, "ws://") && !strings.HasPrefix(c.Feed.Addr, "wss://") {
			return fmt.Errorf("invalid ws feed URL: %s", c.Feed.Addr)
		}
	default:
		return fmt.Errorf("unknown feed source: %s", c.Feed.Source)
	}

	if c.Engine.Shards <= 0 {
		return fmt.Errorf("engine shards must be positive")
	}
	if c.Engine.QueueCapacity <= 0 {
		return fmt.Errorf("queue capacity must be positive")
	}
	if c.Engine.SnapshotDepth <= 0 {
		return fmt.Errorf("snapshot depth must be positive")
	}

	if c.Storage.BatchSize <= 0 {
		return fmt.Errorf("storage batch size must be positive")
	}
	if c.Storage.FlushMS <= 0 {
		return fmt.Errorf("storage flush interval must be positive")
	}
	if c.Storage.MaxRetries < 0 {
		return fmt.Errorf("storage max retries must not be negative")
	}

	if p := c.SnapshotFile.Policy; p != "block" && p != "drop_oldest" {
		return fmt.Errorf("unknown snapshot file policy: %s", p)
	}
	if c.SnapshotFile.IntervalMS <= 0 {
		return fmt.Errorf("snapshot file interval must be positive")
	}
	if s := c.SnapshotFile.PriceScale; s < 0 || s > 18 {
		return fmt.Errorf("price scale out of range: %d", s)
	}

	if c.Server.Addr == "" {
		return fmt.Errorf("server addr must not be empty")
	}
	if c.Metrics.ReportIntervalMS <= 0 {
		return fmt.Errorf("metrics report interval must be positive")
	}

	return nil
}

// SymbolFor resolves an instrument id to its display symbol.
func (c *Config) SymbolFor(instrument uint32) string {
	if sym, ok := c.Instruments[instrument]; ok {
		return sym
	}
	if c.Symbol != "" {
		return c.Symbol
	}
	return fmt.Sprintf("INST-%d", instrument)
}

// overrideWithEnv applies environment variables over the loaded values.
// Malformed numeric values keep the previous setting; Validate is the
// backstop for anything that matters.
func overrideWithEnv(cfg *Config) {
	envString("FEED_SOURCE", &cfg.Feed.Source)
	envString("INPUT_PATH", &cfg.Feed.InputPath)
	envString("FEED_ADDR", &cfg.Feed.Addr)
	envString("FEED_TOPIC", &cfg.Feed.Topic)
	envString("SYMBOL", &cfg.Symbol)

	envInt("ENGINE_SHARDS", &cfg.Engine.Shards)
	envInt("QUEUE_CAPACITY", &cfg.Engine.QueueCapacity)
	envInt("SNAPSHOT_DEPTH", &cfg.Engine.SnapshotDepth)

	envString("DATABASE_URL", &cfg.Storage.DatabaseURL)
	envInt("SNAPSHOT_BATCH_SIZE", &cfg.Storage.BatchSize)
	envInt("SNAPSHOT_FLUSH_MS", &cfg.Storage.FlushMS)
	envInt("STORAGE_MAX_RETRIES", &cfg.Storage.MaxRetries)
	envBool("STORAGE_BULK_LOAD", &cfg.Storage.BulkLoad)

	envString("SNAPSHOT_FILE_PATH", &cfg.SnapshotFile.Path)
	envInt("SNAPSHOT_FILE_INTERVAL_MS", &cfg.SnapshotFile.IntervalMS)
	envString("FILE_SINK_POLICY", &cfg.SnapshotFile.Policy)
	envInt32("PRICE_SCALE", &cfg.SnapshotFile.PriceScale)

	envString("SERVER_ADDR", &cfg.Server.Addr)
	envInt("METRICS_INTERVAL_MS", &cfg.Metrics.ReportIntervalMS)
	envString("LOG_LEVEL", &cfg.Logging.Level)
	envString("LOG_DIR", &cfg.Logging.Dir)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt32(key string, dst *int32) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
