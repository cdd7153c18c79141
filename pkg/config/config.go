// Package config parses the CLI surface into a single immutable Config,
// validated once at start-up.
package config

import (
	"flag"
	"fmt"
	"os"
)

// SinkKind selects the event sink backend.
type SinkKind string

const (
	SinkNone       SinkKind = ""
	SinkS3         SinkKind = "s3"
	SinkDatabricks SinkKind = "databricks"
)

// Config is the fully parsed, validated process configuration. It is
// constructed once at start-up and passed by pointer to component
// constructors rather than read from package globals.
type Config struct {
	Bind             string
	Upstream         string
	Exporter         string
	Block            string
	ForwardLocalZone bool
	CacheSize        int
	OTLPEndpoint     string

	Sink     SinkKind
	S3Bucket string
	S3Prefix string

	DatabricksHost         string
	DatabricksClientID     string
	DatabricksClientSecret string
	DatabricksVolumePath   string

	SinkInterval  int
	SinkBatchSize int

	LogLevel  string
	LogFormat string
}

// Parse parses args (typically os.Args[1:]) into a Config, applying
// environment-variable overrides for credential-bearing flags, and
// validates the result. A non-nil error is fatal to the caller.
func Parse(args []string) (*Config, error) {
	fs := flag.NewFlagSet("advoid", flag.ContinueOnError)

	cfg := &Config{}
	fs.StringVar(&cfg.Bind, "bind", "", "DNS listener address (required)")
	fs.StringVar(&cfg.Upstream, "upstream", "", "upstream resolver address (required)")
	fs.StringVar(&cfg.Exporter, "exporter", "", "Prometheus endpoint address (required)")
	fs.StringVar(&cfg.Block, "block", "", "blocklist source: local path or http(s) URL (required)")
	fs.BoolVar(&cfg.ForwardLocalZone, "forward-local-zone", false, "disable the RFC 6303 local-zone gate")
	fs.IntVar(&cfg.CacheSize, "cache-size", 10000, "decision cache capacity per partition")
	fs.StringVar(&cfg.OTLPEndpoint, "otel", "", "OTLP/HTTP collector endpoint for trace export")
	sinkFlag := fs.String("sink", "", "event sink backend: s3 or databricks (absent = null sink)")
	fs.StringVar(&cfg.S3Bucket, "s3-bucket", "", "S3 sink bucket name")
	fs.StringVar(&cfg.S3Prefix, "s3-prefix", "", "S3 sink key prefix")
	fs.StringVar(&cfg.DatabricksHost, "databricks-host", "", "Databricks workspace host")
	fs.StringVar(&cfg.DatabricksClientID, "databricks-client-id", "", "Databricks OAuth client id")
	fs.StringVar(&cfg.DatabricksClientSecret, "databricks-client-secret", "", "Databricks OAuth client secret")
	fs.StringVar(&cfg.DatabricksVolumePath, "databricks-volume-path", "", "Databricks Unity Catalog volume path")
	fs.IntVar(&cfg.SinkInterval, "sink-interval", 1, "sink flush interval in seconds")
	fs.IntVar(&cfg.SinkBatchSize, "sink-batch-size", 1000, "sink flush batch size")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "log level: debug, info, warn, error")
	fs.StringVar(&cfg.LogFormat, "log-format", "text", "log format: text or json")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.Sink = SinkKind(*sinkFlag)
	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets each Databricks flag be supplied via an environment
// variable of the same name uppercased, so secrets need not appear on a
// command line visible in ps. A non-empty variable wins over the flag.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATABRICKS_CLIENT_SECRET"); v != "" {
		cfg.DatabricksClientSecret = v
	}
	if v := os.Getenv("DATABRICKS_CLIENT_ID"); v != "" {
		cfg.DatabricksClientID = v
	}
	if v := os.Getenv("DATABRICKS_HOST"); v != "" {
		cfg.DatabricksHost = v
	}
	if v := os.Getenv("DATABRICKS_VOLUME_PATH"); v != "" {
		cfg.DatabricksVolumePath = v
	}
}

func (c *Config) validate() error {
	if c.Bind == "" {
		return fmt.Errorf("config: --bind is required")
	}
	if c.Upstream == "" {
		return fmt.Errorf("config: --upstream is required")
	}
	if c.Exporter == "" {
		return fmt.Errorf("config: --exporter is required")
	}
	if c.Block == "" {
		return fmt.Errorf("config: --block is required")
	}
	if c.CacheSize <= 0 {
		return fmt.Errorf("config: --cache-size must be positive, got %d", c.CacheSize)
	}

	switch c.Sink {
	case SinkNone:
	case SinkS3:
		if c.S3Bucket == "" {
			return fmt.Errorf("config: --s3-bucket is required when --sink=s3")
		}
	case SinkDatabricks:
		if c.DatabricksHost == "" || c.DatabricksClientID == "" || c.DatabricksClientSecret == "" || c.DatabricksVolumePath == "" {
			return fmt.Errorf("config: --databricks-host, --databricks-client-id, --databricks-client-secret, and --databricks-volume-path are all required when --sink=databricks")
		}
	default:
		return fmt.Errorf("config: unknown --sink %q, want s3 or databricks", c.Sink)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown --log-level %q", c.LogLevel)
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown --log-format %q", c.LogFormat)
	}

	return nil
}
