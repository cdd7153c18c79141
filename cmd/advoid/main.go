// Command advoid runs the DNS stub resolver: classify, synthesize or
// forward, respond.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jyuch/advoid/pkg/blocklist"
	"github.com/jyuch/advoid/pkg/config"
	"github.com/jyuch/advoid/pkg/decisioncache"
	"github.com/jyuch/advoid/pkg/handler"
	"github.com/jyuch/advoid/pkg/logging"
	"github.com/jyuch/advoid/pkg/resolver"
	"github.com/jyuch/advoid/pkg/server"
	"github.com/jyuch/advoid/pkg/sink"
	"github.com/jyuch/advoid/pkg/telemetry"
	"github.com/jyuch/advoid/pkg/upstream"
)

var (
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "advoid: %v\n", err)
		return 1
	}

	logger := logging.New(os.Stdout, logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	logger.Info("starting advoid", "version", version, "commit", gitCommit)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	telem, err := telemetry.New(ctx, telemetry.Options{
		ServiceName:    "advoid",
		ServiceVersion: version,
		ExporterAddr:   cfg.Exporter,
		OTLPEndpoint:   cfg.OTLPEndpoint,
	}, logger)
	if err != nil {
		logger.Error("failed to initialize telemetry", "error", err)
		return 1
	}

	metrics, err := telem.InitMetrics()
	if err != nil {
		logger.Error("failed to initialize metrics", "error", err)
		return 1
	}

	dnsResolver := resolver.New(cfg.Upstream, logger)

	blocklistSet, err := blocklist.Load(ctx, cfg.Block, dnsResolver.NewHTTPClient(60*time.Second), logger)
	if err != nil {
		logger.Error("failed to load blocklist", "source", cfg.Block, "error", err)
		return 1
	}

	decisionCache, err := decisioncache.New(cfg.CacheSize)
	if err != nil {
		logger.Error("failed to initialize decision cache", "error", err)
		return 1
	}

	upstreamClient := upstream.New(cfg.Upstream, 5*time.Second, logger)

	if err := telem.RegisterCircuitBreakerGauge(func() int64 {
		if upstreamClient.BreakerState() == upstream.StateOpen {
			return 1
		}
		return 0
	}); err != nil {
		logger.Warn("circuit breaker gauge unavailable", "error", err)
	}

	sinkHTTPClient := dnsResolver.NewHTTPClient(15 * time.Second)

	eventSink, err := buildSink(ctx, cfg, logger, metrics, sinkHTTPClient)
	if err != nil {
		logger.Error("failed to initialize event sink", "error", err)
		return 1
	}

	h := &handler.Handler{
		Blocklist:     blocklistSet,
		DecisionCache: decisionCache,
		Upstream:      upstreamClient,
		Sink:          eventSink,
		Metrics: &handler.Metrics{
			RequestsTotal:   metrics.DNSRequestsTotal,
			RequestsBlock:   metrics.DNSRequestsBlock,
			RequestsForward: metrics.DNSRequestsForward,
		},
		Logger:           logger,
		Tracer:           telem.TracerProvider().Tracer("advoid"),
		ForwardLocalZone: cfg.ForwardLocalZone,
	}

	srv := server.New(cfg.Bind, h, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	case err := <-errCh:
		if err != nil {
			logger.Error("server exited with an error", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := eventSink.Close(shutdownCtx); err != nil {
		logger.Error("error flushing event sink during shutdown", "error", err)
	}
	if err := telem.Shutdown(shutdownCtx); err != nil {
		logger.Error("error during telemetry shutdown", "error", err)
	}

	logger.Info("advoid shut down cleanly")
	return 0
}

// buildSink selects the configured event sink backend, defaulting to the
// null sink when --sink is absent.
func buildSink(ctx context.Context, cfg *config.Config, logger *logging.Logger, metrics *telemetry.Metrics, httpClient *http.Client) (sink.Sink, error) {
	dropped := func() { metrics.SinkDropped.Add(ctx, 1) }

	var uploader sink.Uploader
	switch cfg.Sink {
	case config.SinkNone:
		return sink.NullSink{}, nil

	case config.SinkS3:
		s3up, err := sink.NewS3Uploader(ctx, cfg.S3Bucket, cfg.S3Prefix, httpClient)
		if err != nil {
			return nil, fmt.Errorf("build s3 uploader: %w", err)
		}
		uploader = s3up

	case config.SinkDatabricks:
		uploader = sink.NewDatabricksUploader(cfg.DatabricksHost, cfg.DatabricksClientID, cfg.DatabricksClientSecret, cfg.DatabricksVolumePath, httpClient)

	default:
		return nil, fmt.Errorf("unknown sink kind %q", cfg.Sink)
	}

	// ctx is cancelled at shutdown before the sink is closed; the workers'
	// final flush must not inherit that cancellation.
	return sink.New(context.WithoutCancel(ctx), sink.Options{
		BatchSize:     cfg.SinkBatchSize,
		FlushInterval: time.Duration(cfg.SinkInterval) * time.Second,
	}, uploader, logger, dropped), nil
}
