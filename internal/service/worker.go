package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kursadbilgin/wa-dispatcher/internal/domain"
	"github.com/kursadbilgin/wa-dispatcher/internal/observability"
	"github.com/kursadbilgin/wa-dispatcher/internal/queue"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const DefaultWorkerConcurrency = 2

// Worker consumes campaign run requests from the broker and runs them.
type Worker struct {
	consumer    queue.Consumer
	runner      CampaignRunner
	queueName   string
	concurrency int
	logger      *zap.Logger
}

func NewWorker(consumer queue.Consumer, runner CampaignRunner, concurrency int, logger *zap.Logger) (*Worker, error) {
	if consumer == nil {
		return nil, fmt.Errorf("consumer is required")
	}
	if runner == nil {
		return nil, fmt.Errorf("campaign runner is required")
	}
	if concurrency < 1 {
		concurrency = DefaultWorkerConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Worker{
		consumer:    consumer,
		runner:      runner,
		queueName:   queue.CampaignRunsQueue,
		concurrency: concurrency,
		logger:      logger,
	}, nil
}

// Start runs concurrency consumers until ctx is done or one of them fails.
func (w *Worker) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < w.concurrency; i++ {
		consumerID := i + 1
		g.Go(func() error {
			w.logger.Info("campaign consumer started",
				zap.String("queue", w.queueName),
				zap.Int("consumer", consumerID),
			)
			err := w.consumer.Consume(gctx, w.queueName, w.handle)
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("consumer %d: %w", consumerID, err)
			}
			return nil
		})
	}

	return g.Wait()
}

// handle runs one campaign. Only failures that happened before the campaign
// moved into sending, and that are not caused by its state, are requeued.
func (w *Worker) handle(ctx context.Context, msg queue.CampaignRunMessage) error {
	if id := strings.TrimSpace(msg.CorrelationID); id != "" {
		ctx = observability.WithCorrelationID(ctx, id)
	}
	logger := observability.CampaignLogger(w.logger, ctx, msg.CampaignID)

	stats, err := w.runner.Run(ctx, msg.CampaignID)
	switch {
	case err == nil:
		logger.Info("campaign run finished",
			zap.Int("sent", stats.Sent),
			zap.Int("failed", stats.Failed),
			zap.Int("batches", stats.Batches),
		)
		return nil
	case errors.Is(err, ErrRunAborted):
		logger.Warn("campaign run aborted", zap.Error(err))
		return nil
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrValidation):
		logger.Warn("campaign run skipped", zap.Error(err))
		return nil
	case ctx.Err() != nil:
		return fmt.Errorf("campaign run interrupted: %w: %w", queue.ErrRequeue, err)
	default:
		return fmt.Errorf("campaign run could not start: %w: %w", queue.ErrRequeue, err)
	}
}
