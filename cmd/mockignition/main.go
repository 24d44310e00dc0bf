// Command mockignition serves the Ignition job endpoints from a JSON fixture
// so the ETL can run locally without a captured session.
//
// Usage:
//
//	go run ./cmd/mockignition \
//	  -fixture data/mock/hazard_areas.json \
//	  -token local-dev
//
// Then run the ETL with IGNITION_BASE_URL=http://localhost:8081 and
// IGNITION_TOKEN=token=local-dev.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/couchcryptid/hazard-data-etl/internal/adapter/ignition/ignitiontest"
	"github.com/couchcryptid/hazard-data-etl/internal/config"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if err := run(logger); err != nil {
		logger.Error("mockignition failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	addr := flag.String("addr", ":8081", "listen address")
	fixturePath := flag.String("fixture", "data/mock/hazard_areas.json", "path to the JSON fixture")
	token := flag.String("token", "local-dev", "accepted token, without the token= prefix")
	policyPath := flag.String("policy", "", "partition policy YAML used to build query texts (default: built-in)")
	flag.Parse()

	policy, _, err := config.LoadPolicy(*policyPath)
	if err != nil {
		return err
	}
	fixture, err := ignitiontest.LoadFixture(*fixturePath)
	if err != nil {
		return err
	}

	api := ignitiontest.New(*token)
	api.Register(policy, fixture)

	srv := &http.Server{
		Addr:              *addr,
		Handler:           api,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("mock ignition listening", "addr", *addr, "regions", len(fixture.Regions))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
