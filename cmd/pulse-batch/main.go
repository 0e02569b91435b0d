package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/consensus-hq/agent-pulse-sub000/internal/app"
	"github.com/consensus-hq/agent-pulse-sub000/internal/config"
	"github.com/consensus-hq/agent-pulse-sub000/internal/logging"
	"github.com/consensus-hq/agent-pulse-sub000/internal/service"
)

// pulse-batch recomputes the cross-agent correlation signal and warms its
// cache entry, then exits. Run it from cron or a scheduler at the cadence
// the cache TTL expects.
func main() {
	configPath := flag.String("config", "configs/pulse.yaml", "path to service config")
	timeout := flag.Duration("timeout", 5*time.Minute, "overall job timeout")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewJSONLogger()
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	batch, err := app.NewBatch(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer batch.Close()

	if at, ok, err := batch.Gate.LastCorrelationRefresh(ctx); err != nil {
		logger.Warn("could not read last refresh", slog.String("error", err.Error()))
	} else if ok {
		logger.Info("last refresh", slog.Time("at", time.Unix(at, 0).UTC()))
	}

	start := time.Now()
	if err := batch.Gate.RefreshCorrelation(ctx); err != nil {
		if service.IsCode(err, "INSUFFICIENT_DATA") {
			logger.Info("correlation skipped, not enough pulse history")
			return
		}
		logger.Error("correlation refresh failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("correlation refreshed", slog.Duration("elapsed", time.Since(start)))
}
