package license

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/technosupport/ts-edge/internal/data"
)

const (
	DefaultRevalidateInterval = time.Hour
	DefaultSweepInterval      = 6 * time.Hour
	DefaultExpiryHorizon      = 48 * time.Hour
	DefaultStaleEntitlement   = 7 * 24 * time.Hour
	DefaultUsageRetention     = 30 * 24 * time.Hour
	DefaultTaskRetention      = time.Hour
	sweepBatchSize            = 500
)

// TaskCleaner prunes terminal task records. Satisfied by the task
// executor; nil disables the sweep.
type TaskCleaner interface {
	CleanupOldTasks(maxAge time.Duration) int
}

// Scheduler drives the background maintenance of the license plane:
// refreshing licenses before they expire and sweeping stale rows so the
// edge store stays bounded.
type Scheduler struct {
	validator *Validator
	licenses  data.CameraLicenseModel
	usage     data.UsageModel
	tasks     TaskCleaner
	log       zerolog.Logger

	revalidateEvery time.Duration
	sweepEvery      time.Duration
	expiryHorizon   time.Duration

	wg sync.WaitGroup
}

func NewScheduler(v *Validator, licenses data.CameraLicenseModel, usage data.UsageModel, tasks TaskCleaner, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		validator:       v,
		licenses:        licenses,
		usage:           usage,
		tasks:           tasks,
		log:             logger,
		revalidateEvery: DefaultRevalidateInterval,
		sweepEvery:      DefaultSweepInterval,
		expiryHorizon:   DefaultExpiryHorizon,
	}
}

// Start runs one immediate pass, then ticks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(2)

	go func() {
		defer s.wg.Done()
		s.revalidate(ctx)
		ticker := time.NewTicker(s.revalidateEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.revalidate(ctx)
			}
		}
	}()

	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep(ctx)
			}
		}
	}()
}

// Wait blocks until both loops have exited after ctx cancellation.
func (s *Scheduler) Wait() { s.wg.Wait() }

// revalidate force-refreshes every license expiring within the horizon.
// Billing failures are absorbed by the validator's degraded path.
func (s *Scheduler) revalidate(ctx context.Context) {
	rows, err := s.licenses.FindExpiringSoon(ctx, s.expiryHorizon)
	if err != nil {
		s.log.Warn().Err(err).Msg("expiring license scan failed")
		return
	}
	for _, l := range rows {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.validator.ValidateCameraLicense(ctx, l.CameraID, l.TenantID, true); err != nil {
			s.log.Warn().Err(err).Str("camera_id", l.CameraID).Msg("license refresh failed")
		}
	}
	if n := len(rows); n > 0 {
		s.log.Info().Int("count", n).Msg("refreshed expiring licenses")
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	if n, err := s.validator.entitlements.ClearStale(ctx, DefaultStaleEntitlement, sweepBatchSize); err != nil {
		s.log.Warn().Err(err).Msg("stale entitlement sweep failed")
	} else if n > 0 {
		s.log.Info().Int64("rows", n).Msg("cleared stale entitlements")
	}

	if n, err := s.usage.DeleteOld(ctx, DefaultUsageRetention, sweepBatchSize); err != nil {
		s.log.Warn().Err(err).Msg("synced usage sweep failed")
	} else if n > 0 {
		s.log.Info().Int64("rows", n).Msg("pruned synced usage events")
	}

	if s.tasks != nil {
		if n := s.tasks.CleanupOldTasks(DefaultTaskRetention); n > 0 {
			s.log.Info().Int("records", n).Msg("pruned terminal task records")
		}
	}
}
