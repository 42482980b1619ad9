package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sakif/civic-reports/internal/repository"
	"github.com/sakif/civic-reports/internal/storage"
)

const (
	DefaultSweepSchedule = "@every 10m"

	sweepBatchSize = 100
	sweepTimeout   = 2 * time.Minute
)

// SweepResult summarises one pass over the orphan table.
type SweepResult struct {
	Deleted int
	Failed  int
}

// Janitor retries deletes of uploaded objects whose report was never
// written (see ReportService.Create). It runs on a cron schedule inside the
// server, or once from the "sweep" command.
type Janitor struct {
	orphans repository.OrphanRepository
	objects storage.ObjectStore
	logger  *slog.Logger
	cron    *cron.Cron
}

func NewJanitor(orphans repository.OrphanRepository, objects storage.ObjectStore, logger *slog.Logger) *Janitor {
	return &Janitor{orphans: orphans, objects: objects, logger: logger}
}

// Start schedules Sweep. An empty schedule means DefaultSweepSchedule.
func (j *Janitor) Start(schedule string) error {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(schedule, j.runScheduled); err != nil {
		return fmt.Errorf("janitor: invalid schedule %q: %w", schedule, err)
	}
	c.Start()
	j.cron = c

	j.logger.Info("orphan sweeper started", slog.String("schedule", schedule))
	return nil
}

// Stop halts the schedule and waits for a running sweep, up to ctx.
func (j *Janitor) Stop(ctx context.Context) {
	if j.cron == nil {
		return
	}
	select {
	case <-j.cron.Stop().Done():
	case <-ctx.Done():
		j.logger.Warn("orphan sweeper did not stop in time")
	}
}

func (j *Janitor) runScheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	if _, err := j.Sweep(ctx); err != nil {
		j.logger.Error("orphan sweep failed", slog.String("error", err.Error()))
	}
}

// Sweep deletes up to one batch of orphaned objects. A row is removed once
// its object is gone (deleted now, or already missing); otherwise its
// attempt counter goes up and it is retried on the next pass.
func (j *Janitor) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	if j.objects == nil {
		return res, nil
	}

	orphans, err := j.orphans.ListOrphans(ctx, sweepBatchSize)
	if err != nil {
		return res, fmt.Errorf("janitor: listing orphans: %w", err)
	}

	for _, o := range orphans {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		derr := j.objects.Delete(ctx, o.Key)
		if derr != nil && !errors.Is(derr, storage.ErrObjectNotFound) {
			res.Failed++
			j.logger.Warn("orphan delete failed",
				slog.String("key", o.Key),
				slog.Int("attempts", o.Attempts+1),
				slog.String("error", derr.Error()),
			)
			if err := j.orphans.TouchOrphan(ctx, o.ID); err != nil {
				return res, fmt.Errorf("janitor: updating orphan %d: %w", o.ID, err)
			}
			continue
		}

		if err := j.orphans.DeleteOrphan(ctx, o.ID); err != nil {
			return res, fmt.Errorf("janitor: removing orphan %d: %w", o.ID, err)
		}
		res.Deleted++
	}

	if len(orphans) > 0 {
		j.logger.Info("orphan sweep finished",
			slog.Int("deleted", res.Deleted),
			slog.Int("failed", res.Failed),
		)
	}
	return res, nil
}
