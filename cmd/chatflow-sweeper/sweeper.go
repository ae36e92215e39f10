// Package main provides the sweeper that abandons idle conversations and
// purges expired idempotency records on a schedule.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

type janitor interface {
	AbandonIdle(ctx context.Context, idleFor time.Duration, limit int) (int, error)
	PurgeIdempotency(ctx context.Context) (int, error)
}

type SweeperConfig struct {
	Schedule    string
	IdleTimeout time.Duration
	BatchSize   int
}

type Sweeper struct {
	logger  *slog.Logger
	janitor janitor
	config  SweeperConfig
	cron    *cron.Cron
}

func NewSweeper(logger *slog.Logger, janitor janitor, config SweeperConfig) (*Sweeper, error) {
	if _, err := cron.ParseStandard(config.Schedule); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule '%s': %w", config.Schedule, err)
	}

	if config.IdleTimeout <= 0 {
		return nil, fmt.Errorf("session idle timeout must be positive, got %s", config.IdleTimeout)
	}

	return &Sweeper{
		logger:  logger.With("module", "sweeper"),
		janitor: janitor,
		config:  config,
	}, nil
}

// Sweep runs one pass. Errors are logged so the next tick retries.
func (s *Sweeper) Sweep(ctx context.Context) {
	abandoned, err := s.janitor.AbandonIdle(ctx, s.config.IdleTimeout, s.config.BatchSize)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to abandon idle sessions", "error", err)
	}

	purged, err := s.janitor.PurgeIdempotency(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to purge idempotency records", "error", err)
	}

	s.logger.InfoContext(ctx, "Sweep finished", "abandoned", abandoned, "purged", purged)
}

// Start schedules Sweep and returns immediately.
func (s *Sweeper) Start(ctx context.Context) error {
	s.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	entryID, err := s.cron.AddFunc(s.config.Schedule, func() { s.Sweep(ctx) })
	if err != nil {
		return fmt.Errorf("failed to add sweep job: %w", err)
	}

	s.cron.Start()
	s.logger.InfoContext(ctx, "Sweeper started", "schedule", s.config.Schedule, "entry_id", entryID)

	return nil
}

// Stop waits for a running sweep to finish.
func (s *Sweeper) Stop(ctx context.Context) {
	if s.cron == nil {
		return
	}

	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		s.logger.WarnContext(ctx, "Sweep still running at shutdown")
	}
}
