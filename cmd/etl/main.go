package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	bqadapter "github.com/couchcryptid/hazard-data-etl/internal/adapter/bigquery"
	"github.com/couchcryptid/hazard-data-etl/internal/adapter/httpadapter"
	"github.com/couchcryptid/hazard-data-etl/internal/adapter/ignition"
	kafkaadapter "github.com/couchcryptid/hazard-data-etl/internal/adapter/kafka"
	"github.com/couchcryptid/hazard-data-etl/internal/adapter/postgres"
	"github.com/couchcryptid/hazard-data-etl/internal/config"
	"github.com/couchcryptid/hazard-data-etl/internal/observability"
	"github.com/couchcryptid/hazard-data-etl/internal/pipeline"
)

// sink is a SinkWriter that owns a connection.
type sink interface {
	pipeline.SinkWriter
	Close() error
}

func main() {
	os.Exit(run())
}

// run wires the service and returns the process exit code.
func run() int {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return 1
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	policy, regions, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		logger.Error("failed to load partition policy", "error", err)
		return 1
	}
	if len(cfg.Regions) > 0 {
		regions = cfg.Regions
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sinks, err := openSinks(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open sinks", "error", err)
		return 1
	}
	defer closeSinks(sinks, logger)

	client := ignition.NewClient(ignition.Options{
		BaseURL:        cfg.IgnitionBaseURL,
		RequestTimeout: cfg.RequestTimeout,
		PollInterval:   cfg.PollInterval,
		JobTimeout:     cfg.JobTimeout,
		Retry: ignition.RetryPolicy{
			MaxRetries:      cfg.MaxRetries,
			InitialInterval: cfg.RetryInitial,
			MaxInterval:     cfg.RetryMax,
		},
		RatePerSecond:      cfg.RatePerSecond,
		Burst:              cfg.RateBurst,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}, metrics, logger)

	writers := make([]pipeline.SinkWriter, len(sinks))
	for i, s := range sinks {
		writers[i] = s
	}
	p := pipeline.New(client, tokenProvider(cfg), policy, writers, pipeline.Config{
		ProjectID:         cfg.IgnitionProjectID,
		MaxResults:        cfg.MaxResults,
		Workers:           cfg.Workers,
		TokenRefreshAfter: cfg.TokenRefreshAfter,
	}, logger, metrics)

	srv := httpadapter.NewServer(cfg.HTTPAddr, p, p, logger)

	// Start HTTP server.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	ok := runLoop(ctx, p, regions, cfg.RunInterval, logger)

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	logger.Info("shutdown complete")

	if !ok {
		return 1
	}
	return 0
}

// runLoop runs once, or every interval until ctx is cancelled. It reports
// whether the last run finished without an error or failed partition.
func runLoop(ctx context.Context, p *pipeline.Pipeline, regions []string, interval time.Duration, logger *slog.Logger) bool {
	for {
		ok := runOnce(ctx, p, regions, logger)
		if interval <= 0 {
			return ok
		}
		select {
		case <-ctx.Done():
			return ok
		case <-time.After(interval):
		}
	}
}

func runOnce(ctx context.Context, p *pipeline.Pipeline, regions []string, logger *slog.Logger) bool {
	res, err := p.Run(ctx, regions)
	if err != nil {
		logger.Error("run failed", "run_id", res.RunID, "error", err)
		return false
	}
	for _, f := range res.Failed {
		logger.Warn("partition failed", "run_id", res.RunID, "partition", f.Partition.Label(), "error", f.Err)
	}
	for _, t := range res.Truncated {
		logger.Warn("partition possibly truncated", "run_id", res.RunID, "partition", t.Label())
	}
	return len(res.Failed) == 0
}

func tokenProvider(cfg *config.Config) pipeline.TokenProvider {
	if cfg.IgnitionTokenFile != "" {
		return ignition.FileToken{Path: cfg.IgnitionTokenFile}
	}
	return ignition.StaticToken(cfg.IgnitionToken)
}

func openSinks(ctx context.Context, cfg *config.Config, logger *slog.Logger) ([]sink, error) {
	var sinks []sink
	for _, name := range cfg.Sinks {
		switch name {
		case config.SinkPostgres:
			pg, err := postgres.Open(ctx, cfg.PostgresDSN, cfg.PostgresTable, logger)
			if err != nil {
				closeSinks(sinks, logger)
				return nil, err
			}
			sinks = append(sinks, pg)
			if err := pg.EnsureTable(ctx); err != nil {
				closeSinks(sinks, logger)
				return nil, err
			}
		case config.SinkKafka:
			sinks = append(sinks, kafkaadapter.NewWriter(cfg.KafkaBrokers, cfg.KafkaSinkTopic, logger))
		case config.SinkBigQuery:
			bq, err := bqadapter.NewSink(ctx, cfg.BigQueryProject, cfg.BigQueryDataset, cfg.BigQueryTable, logger)
			if err != nil {
				closeSinks(sinks, logger)
				return nil, err
			}
			sinks = append(sinks, bq)
			if err := bq.EnsureTable(ctx); err != nil {
				closeSinks(sinks, logger)
				return nil, err
			}
		}
		logger.Info("sink enabled", "sink", name)
	}
	return sinks, nil
}

func closeSinks(sinks []sink, logger *slog.Logger) {
	for _, s := range sinks {
		if err := s.Close(); err != nil {
			logger.Error("sink close error", "sink", s.Name(), "error", err)
		}
	}
}
