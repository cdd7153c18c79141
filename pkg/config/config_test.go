package config

import "testing"

func baseArgs() []string {
	return []string{
		"--bind", "127.0.0.1:5353",
		"--upstream", "1.1.1.1:53",
		"--exporter", "127.0.0.1:9090",
		"--block", "/tmp/block.txt",
	}
}

func TestParse_RequiredFlagsOnly(t *testing.T) {
	cfg, err := Parse(baseArgs())
	if err != nil {
		t.Fatalf("Parse() = %v, want nil", err)
	}
	if cfg.CacheSize != 10000 {
		t.Errorf("CacheSize = %d, want default 10000", cfg.CacheSize)
	}
	if cfg.Sink != SinkNone {
		t.Errorf("Sink = %q, want empty (null sink)", cfg.Sink)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "text" {
		t.Errorf("unexpected log defaults: %q/%q", cfg.LogLevel, cfg.LogFormat)
	}
}

func TestParse_MissingRequiredFlag(t *testing.T) {
	_, err := Parse([]string{"--upstream", "1.1.1.1:53", "--exporter", "127.0.0.1:9090", "--block", "/tmp/block.txt"})
	if err == nil {
		t.Fatal("expected an error when --bind is missing")
	}
}

func TestParse_S3SinkRequiresBucket(t *testing.T) {
	args := append(baseArgs(), "--sink", "s3")
	if _, err := Parse(args); err == nil {
		t.Fatal("expected an error when --sink=s3 is missing --s3-bucket")
	}

	args = append(baseArgs(), "--sink", "s3", "--s3-bucket", "my-bucket")
	if _, err := Parse(args); err != nil {
		t.Errorf("Parse() = %v, want nil once --s3-bucket is supplied", err)
	}
}

func TestParse_DatabricksSinkRequiresAllFields(t *testing.T) {
	args := append(baseArgs(), "--sink", "databricks")
	if _, err := Parse(args); err == nil {
		t.Fatal("expected an error when --sink=databricks is missing its fields")
	}
}

func TestParse_UnknownSink(t *testing.T) {
	args := append(baseArgs(), "--sink", "carrier-pigeon")
	if _, err := Parse(args); err == nil {
		t.Fatal("expected an error for an unrecognised --sink value")
	}
}

func TestParse_EnvOverridesDatabricksSecret(t *testing.T) {
	t.Setenv("DATABRICKS_CLIENT_SECRET", "from-env")

	args := append(baseArgs(),
		"--sink", "databricks",
		"--databricks-host", "x.cloud.databricks.com",
		"--databricks-client-id", "id",
		"--databricks-client-secret", "from-flag",
		"--databricks-volume-path", "/Volumes/main/default/events",
	)
	cfg, err := Parse(args)
	if err != nil {
		t.Fatalf("Parse() = %v, want nil", err)
	}
	if cfg.DatabricksClientSecret != "from-env" {
		t.Errorf("DatabricksClientSecret = %q, want env override to win", cfg.DatabricksClientSecret)
	}
}
