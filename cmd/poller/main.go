// Command poller runs the CRM polling sweep on a fixed interval, for
// deployments without an external scheduler calling /cron/poll-triggers.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"

	"github.com/wolfman30/crm-trigger-engine/cmd/mainconfig"
	"github.com/wolfman30/crm-trigger-engine/internal/app/bootstrap"
	appconfig "github.com/wolfman30/crm-trigger-engine/internal/config"
	"github.com/wolfman30/crm-trigger-engine/internal/ingest"
	"github.com/wolfman30/crm-trigger-engine/pkg/logging"
)

// sweeper runs one polling pass over all triggers.
type sweeper interface {
	PollAll(ctx context.Context) (ingest.PollReport, error)
}

func main() {
	cfg := appconfig.Load()
	logger := logging.NewWithOptions(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("poller failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) error {
	pool, err := bootstrap.ConnectPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	redisClient := bootstrap.BuildRedisClient(ctx, cfg, logger, true)
	if redisClient == nil {
		return errors.New("redis is required")
	}
	defer redisClient.Close()

	var awsCfg *aws.Config
	if mainconfig.NeedsAWS(cfg) {
		loaded, err := mainconfig.LoadAWSConfig(ctx, cfg)
		if err != nil {
			return fmt.Errorf("load AWS config: %w", err)
		}
		awsCfg = &loaded
	}

	svc, err := bootstrap.Build(ctx, cfg, bootstrap.Infra{Pool: pool, Redis: redisClient, AWS: awsCfg}, logger)
	if err != nil {
		return err
	}

	logger.Info("poller started", "interval", cfg.PollInterval.String())
	loop(ctx, svc.Poller, cfg.PollInterval, logger)
	logger.Info("poller stopped")
	return nil
}

// loop sweeps immediately and then on every tick until ctx ends. A sweep
// never overlaps the next one.
func loop(ctx context.Context, s sweeper, interval time.Duration, logger *logging.Logger) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		sweep(ctx, s, logger)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func sweep(ctx context.Context, s sweeper, logger *logging.Logger) {
	report, err := s.PollAll(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logger.Error("poll sweep failed", "error", err)
		}
		return
	}
	logger.Info("poll sweep finished",
		"triggers", report.Triggers,
		"failed", report.Failed,
		"duration_ms", report.FinishedAt.Sub(report.StartedAt).Milliseconds(),
	)
}
