package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"trase-agent/pkg/logger"
)

// DefaultCleanupSchedule runs at the top of every hour.
const DefaultCleanupSchedule = "0 0 * * * *"

// RevocationCleaner periodically removes revoked tokens that have expired.
type RevocationCleaner struct {
	store    RevocationStore
	schedule string
	now      func() time.Time
	log      *slog.Logger
}

// NewRevocationCleaner validates the schedule and returns a cleaner.
func NewRevocationCleaner(store RevocationStore, schedule string) (*RevocationCleaner, error) {
	if schedule == "" {
		schedule = DefaultCleanupSchedule
	}
	if _, err := cron.NewParser(cronFields).Parse(schedule); err != nil {
		return nil, fmt.Errorf("parse revocation cleanup schedule %q: %w", schedule, err)
	}
	return &RevocationCleaner{
		store:    store,
		schedule: schedule,
		now:      time.Now,
		log:      logger.Named("revocation-cleanup"),
	}, nil
}

const cronFields = cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor

// RunOnce purges every entry that expired before now.
func (c *RevocationCleaner) RunOnce(ctx context.Context) (int64, error) {
	removed, err := c.store.PurgeExpiredTokens(ctx, c.now())
	if err != nil {
		c.log.Error("purge expired tokens failed", slog.Any("error", err))
		return 0, err
	}
	if removed > 0 {
		c.log.Info("purged expired revoked tokens", slog.Int64("removed", removed))
	}
	return removed, nil
}

// Run blocks until ctx is cancelled, purging on every schedule tick.
func (c *RevocationCleaner) Run(ctx context.Context) error {
	scheduler := cron.New(
		cron.WithParser(cron.NewParser(cronFields)),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := scheduler.AddFunc(c.schedule, func() {
		_, _ = c.RunOnce(ctx)
	}); err != nil {
		return fmt.Errorf("schedule revocation cleanup: %w", err)
	}
	scheduler.Start()
	c.log.Info("revocation cleanup scheduled", slog.String("schedule", c.schedule))
	<-ctx.Done()
	<-scheduler.Stop().Done()
	return nil
}
