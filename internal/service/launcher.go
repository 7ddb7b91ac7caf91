package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kursadbilgin/wa-dispatcher/internal/domain"
	"github.com/kursadbilgin/wa-dispatcher/internal/observability"
	"github.com/kursadbilgin/wa-dispatcher/internal/queue"
	"go.uber.org/zap"
)

// Launcher starts a campaign run without waiting for it to finish.
type Launcher interface {
	Launch(ctx context.Context, campaignID string) error
}

// Canceler is implemented by launchers that can stop a run they own.
type Canceler interface {
	Cancel(campaignID string) bool
}

// RunningCampaign describes a run owned by a LocalLauncher.
type RunningCampaign struct {
	CampaignID string
	StartedAt  time.Time
}

type localRun struct {
	cancel    context.CancelFunc
	startedAt time.Time
}

// LocalLauncher runs campaigns in background goroutines of this process. Runs
// outlive the request that launched them and stop when the base context is
// done or Cancel is called.
type LocalLauncher struct {
	base   context.Context
	runner CampaignRunner
	logger *zap.Logger
	now    func() time.Time

	mu   sync.Mutex
	runs map[string]*localRun
	wg   sync.WaitGroup
}

var (
	_ Launcher = (*LocalLauncher)(nil)
	_ Canceler = (*LocalLauncher)(nil)
)

func NewLocalLauncher(base context.Context, runner CampaignRunner, logger *zap.Logger) (*LocalLauncher, error) {
	if runner == nil {
		return nil, fmt.Errorf("campaign runner is required")
	}
	if base == nil {
		base = context.Background()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &LocalLauncher{
		base:   base,
		runner: runner,
		logger: logger,
		now:    time.Now,
		runs:   make(map[string]*localRun),
	}, nil
}

func (l *LocalLauncher) Launch(ctx context.Context, campaignID string) error {
	if err := l.base.Err(); err != nil {
		return fmt.Errorf("launcher is shutting down: %w", err)
	}

	l.mu.Lock()
	if _, ok := l.runs[campaignID]; ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: campaign %s is already running", domain.ErrConflict, campaignID)
	}

	// Keep request values such as the correlation id, drop its deadline.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(l.base, cancel)
	l.runs[campaignID] = &localRun{cancel: cancel, startedAt: l.now().UTC()}
	l.wg.Add(1)
	l.mu.Unlock()

	go func() {
		defer l.wg.Done()
		defer stop()
		defer cancel()
		defer l.forget(campaignID)

		logger := observability.CampaignLogger(l.logger, runCtx, campaignID)
		stats, err := l.runner.Run(runCtx, campaignID)
		if err != nil {
			logger.Error("campaign run failed", zap.Error(err))
			return
		}
		logger.Info("campaign run finished",
			zap.Int("sent", stats.Sent),
			zap.Int("failed", stats.Failed),
			zap.Duration("elapsed", stats.Elapsed),
		)
	}()

	return nil
}

// Cancel stops a run owned by this launcher. It reports whether one existed.
func (l *LocalLauncher) Cancel(campaignID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	run, ok := l.runs[campaignID]
	if !ok {
		return false
	}
	run.cancel()
	return true
}

func (l *LocalLauncher) Running() []RunningCampaign {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]RunningCampaign, 0, len(l.runs))
	for id, run := range l.runs {
		out = append(out, RunningCampaign{CampaignID: id, StartedAt: run.startedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CampaignID < out[j].CampaignID })
	return out
}

// Wait blocks until every launched run has returned.
func (l *LocalLauncher) Wait() {
	l.wg.Wait()
}

func (l *LocalLauncher) forget(campaignID string) {
	l.mu.Lock()
	delete(l.runs, campaignID)
	l.mu.Unlock()
}

// QueueLauncher hands runs to worker processes through the broker.
type QueueLauncher struct {
	publisher queue.Publisher
	queueName string
	now       func() time.Time
}

var _ Launcher = (*QueueLauncher)(nil)

func NewQueueLauncher(publisher queue.Publisher) (*QueueLauncher, error) {
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	return &QueueLauncher{
		publisher: publisher,
		queueName: queue.CampaignRunsQueue,
		now:       time.Now,
	}, nil
}

func (l *QueueLauncher) Launch(ctx context.Context, campaignID string) error {
	correlationID, _ := observability.CorrelationIDFromContext(ctx)
	msg := queue.CampaignRunMessage{
		CampaignID:    campaignID,
		CorrelationID: correlationID,
		RequestedAt:   l.now().UTC(),
	}
	if err := l.publisher.Publish(ctx, l.queueName, msg); err != nil {
		return fmt.Errorf("publish campaign run: %w", err)
	}
	return nil
}
