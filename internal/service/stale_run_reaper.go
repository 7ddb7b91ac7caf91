package service

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/wa-dispatcher/internal/observability"
	"github.com/kursadbilgin/wa-dispatcher/internal/repository"
	"go.uber.org/zap"
)

const (
	DefaultStaleRunTimeout = 2 * time.Hour
	defaultStaleScanEvery  = time.Minute
	defaultStaleScanLimit  = 100

	interruptedMessage = "campaign run interrupted"
)

// StaleRunReaper fails campaigns left in sending by a process that died
// mid-run. A campaign is stale once it has not been written to for timeout;
// live runs write progress after every batch.
type StaleRunReaper struct {
	campaigns repository.CampaignRepository
	logger    *zap.Logger
	metrics   *observability.Metrics
	interval  time.Duration
	timeout   time.Duration
	limit     int
	now       func() time.Time
}

func NewStaleRunReaper(
	campaigns repository.CampaignRepository,
	interval time.Duration,
	timeout time.Duration,
	logger *zap.Logger,
) (*StaleRunReaper, error) {
	if campaigns == nil {
		return nil, fmt.Errorf("campaign repository is required")
	}
	if interval <= 0 {
		interval = defaultStaleScanEvery
	}
	if timeout <= 0 {
		timeout = DefaultStaleRunTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &StaleRunReaper{
		campaigns: campaigns,
		logger:    logger,
		interval:  interval,
		timeout:   timeout,
		limit:     defaultStaleScanLimit,
		now:       time.Now,
	}, nil
}

func (r *StaleRunReaper) SetMetrics(metrics *observability.Metrics) {
	if r == nil {
		return
	}
	r.metrics = metrics
}

func (r *StaleRunReaper) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := r.scan(ctx); err != nil && ctx.Err() == nil {
		r.logger.Error("stale run initial scan failed", zap.Error(err))
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.scan(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				r.logger.Error("stale run scan failed", zap.Error(err))
			}
		}
	}
}

func (r *StaleRunReaper) scan(ctx context.Context) error {
	now := r.now().UTC()
	stale, err := r.campaigns.ListStaleSending(ctx, now.Add(-r.timeout), r.limit)
	if err != nil {
		return fmt.Errorf("failed to list stale campaigns: %w", err)
	}

	for i := range stale {
		c := stale[i]
		failure := repository.CampaignFailure{
			SentCount:          c.SentCount,
			FailedCount:        c.FailedCount,
			ProgressPercentage: c.ProgressPercentage,
			CompletedAt:        now,
			ErrorMessage:       interruptedMessage,
		}
		if c.StartedAt != nil {
			minutes := round2(now.Sub(*c.StartedAt).Minutes())
			failure.ProcessingTimeMinutes = &minutes
		}

		if err := r.campaigns.MarkFailed(ctx, c.ID, failure); err != nil {
			r.logger.Error("failed to mark stale campaign failed",
				zap.String("campaignId", c.ID),
				zap.Error(err),
			)
			continue
		}

		r.metrics.CampaignFinished("interrupted")
		r.logger.Warn("stale campaign marked failed",
			zap.String("campaignId", c.ID),
			zap.Time("lastUpdate", c.UpdatedAt),
		)
	}

	return nil
}
