package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/tokenvault/server/internal/idempotency"
	"github.com/tokenvault/server/internal/metrics"
)

// Archiver receives rows before retention deletes them.
type Archiver interface {
	ArchiveIdempotencyRecords(ctx context.Context, batch []idempotency.Record) error
	ArchiveWebhookEvents(ctx context.Context, batch []WebhookMarker) error
}

// RetentionConfig controls pruning of idempotency records and webhook markers.
// Ledger transactions are never pruned.
type RetentionConfig struct {
	Enabled     bool
	Schedule    string        // cron expression, e.g. "@daily"
	RetryWindow time.Duration // rows younger than this are kept
	BatchSize   int
}

// RetentionService prunes expired rows on a cron schedule.
type RetentionService struct {
	store    Store
	archiver Archiver
	config   RetentionConfig
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	cron     *cron.Cron
	now      func() time.Time
}

// NewRetentionService creates a retention service. archiver may be nil.
func NewRetentionService(store Store, archiver Archiver, cfg RetentionConfig, metricsCollector *metrics.Metrics, logger zerolog.Logger) *RetentionService {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@daily"
	}
	return &RetentionService{
		store:    store,
		archiver: archiver,
		config:   cfg,
		logger:   logger,
		metrics:  metricsCollector,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Start registers the pruning job and starts the scheduler.
func (s *RetentionService) Start() error {
	if !s.config.Enabled {
		s.logger.Info().Msg("retention: service disabled")
		return nil
	}

	s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := s.cron.AddFunc(s.config.Schedule, s.runScheduled); err != nil {
		return fmt.Errorf("retention: schedule %q: %w", s.config.Schedule, err)
	}
	s.cron.Start()

	s.logger.Info().
		Str("schedule", s.config.Schedule).
		Dur("retryWindow", s.config.RetryWindow).
		Bool("archive", s.archiver != nil).
		Msg("retention: service started")
	return nil
}

// Stop waits for a running pass to finish and stops the scheduler.
func (s *RetentionService) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.logger.Info().Msg("retention: service stopped")
}

func (s *RetentionService) runScheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	if _, err := s.RunNow(ctx); err != nil {
		s.logger.Error().Err(err).Msg("retention: pass failed")
	}
}

// RunNow performs a single pruning pass and returns deleted counts per table.
func (s *RetentionService) RunNow(ctx context.Context) (map[string]int64, error) {
	if !s.config.Enabled {
		return nil, errors.New("retention service is disabled")
	}
	cutoff := s.now().Add(-s.config.RetryWindow)

	s.logger.Info().Time("cutoffTime", cutoff).Msg("retention: starting pass")

	deleted := map[string]int64{}

	var recordSink func([]idempotency.Record) error
	var markerSink func([]WebhookMarker) error
	if s.archiver != nil {
		recordSink = func(batch []idempotency.Record) error { return s.archiver.ArchiveIdempotencyRecords(ctx, batch) }
		markerSink = func(batch []WebhookMarker) error { return s.archiver.ArchiveWebhookEvents(ctx, batch) }
	}

	n, err := s.drain(ctx, func() (int64, error) {
		return s.store.PruneIdempotency(ctx, cutoff, s.config.BatchSize, recordSink)
	})
	deleted["idempotency_records"] = n
	if err != nil {
		s.metrics.ObserveRetention(deleted)
		return deleted, fmt.Errorf("prune idempotency records: %w", err)
	}

	n, err = s.drain(ctx, func() (int64, error) {
		return s.store.PruneWebhookEvents(ctx, cutoff, s.config.BatchSize, markerSink)
	})
	deleted["webhook_events"] = n
	s.metrics.ObserveRetention(deleted)
	if err != nil {
		return deleted, fmt.Errorf("prune webhook events: %w", err)
	}

	s.logger.Info().
		Int64("idempotencyRecords", deleted["idempotency_records"]).
		Int64("webhookEvents", deleted["webhook_events"]).
		Msg("retention: pass completed")
	return deleted, nil
}

// drain repeats a batch prune until a short batch signals the table is clean.
func (s *RetentionService) drain(ctx context.Context, prune func() (int64, error)) (int64, error) {
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := prune()
		total += n
		if err != nil {
			return total, err
		}
		if n < int64(s.config.BatchSize) {
			return total, nil
		}
	}
}
