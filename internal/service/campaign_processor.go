package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/wa-dispatcher/internal/domain"
	"github.com/kursadbilgin/wa-dispatcher/internal/observability"
	"github.com/kursadbilgin/wa-dispatcher/internal/phone"
	"github.com/kursadbilgin/wa-dispatcher/internal/provider"
	"github.com/kursadbilgin/wa-dispatcher/internal/ratelimit"
	"github.com/kursadbilgin/wa-dispatcher/internal/repository"
	"go.uber.org/zap"
)

const (
	DefaultBatchDelay     = 60 * time.Second
	DefaultRateLimitPause = 30 * time.Second

	canceledMessage = "campaign canceled"
)

// ErrRunAborted marks a run that had already moved the campaign into sending
// and then stopped early. The campaign has been persisted as failed.
var ErrRunAborted = errors.New("campaign run aborted")

type ProcessorConfig struct {
	BatchSize      int
	BatchDelay     time.Duration
	RateLimitPause time.Duration
	// DefaultTemplateName is sent for campaigns without a template of their own.
	DefaultTemplateName string
}

func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		BatchSize:      DefaultBatchSize,
		BatchDelay:     DefaultBatchDelay,
		RateLimitPause: DefaultRateLimitPause,
	}
}

// BatchResult summarises a manual batch over explicit recipient ids.
type BatchResult struct {
	CampaignID string
	Requested  int
	Processed  int
	Success    int
	Failed     int
}

// CampaignRunner is what launchers and the worker need from a processor.
type CampaignRunner interface {
	Run(ctx context.Context, campaignID string) (*domain.CampaignStats, error)
}

// CampaignProcessor drives one campaign from pending to a terminal state,
// pacing sends through the rate limiter and the adaptive delay.
type CampaignProcessor struct {
	campaigns  repository.CampaignRepository
	recipients repository.RecipientRepository
	sender     Sender
	limiter    ratelimit.RateLimiter
	delay      ratelimit.AdaptiveDelay
	cfg        ProcessorConfig
	logger     *zap.Logger
	metrics    *observability.Metrics
	now        func() time.Time
	sleep      sleepFunc
}

var _ CampaignRunner = (*CampaignProcessor)(nil)

func NewCampaignProcessor(
	campaigns repository.CampaignRepository,
	recipients repository.RecipientRepository,
	sender Sender,
	limiter ratelimit.RateLimiter,
	delay ratelimit.AdaptiveDelay,
	cfg ProcessorConfig,
	logger *zap.Logger,
) (*CampaignProcessor, error) {
	if campaigns == nil {
		return nil, fmt.Errorf("campaign repository is required")
	}
	if recipients == nil {
		return nil, fmt.Errorf("recipient repository is required")
	}
	if sender == nil {
		return nil, fmt.Errorf("sender is required")
	}
	if limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchDelay < 0 {
		cfg.BatchDelay = DefaultBatchDelay
	}
	if cfg.RateLimitPause < 0 {
		cfg.RateLimitPause = DefaultRateLimitPause
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &CampaignProcessor{
		campaigns:  campaigns,
		recipients: recipients,
		sender:     sender,
		limiter:    limiter,
		delay:      delay,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
		sleep:      sleepWithContext,
	}, nil
}

func (p *CampaignProcessor) SetMetrics(metrics *observability.Metrics) {
	if p == nil {
		return
	}
	p.metrics = metrics
}

type sendOutcome int

const (
	outcomeSent sendOutcome = iota + 1
	outcomeFailed
)

// campaignRun is the mutable state of one pass over a campaign.
type campaignRun struct {
	campaign  *domain.Campaign
	template  string
	logger    *zap.Logger
	startedAt time.Time
	sent      int
	failed    int
	progress  float64
	sendCount int
}

// Run processes every pending recipient of the campaign in batches. The
// campaign ends completed, or failed when the run is canceled or an
// orchestration error occurs; per-recipient send failures never fail the run.
func (p *CampaignProcessor) Run(ctx context.Context, campaignID string) (*domain.CampaignStats, error) {
	logger := observability.CampaignLogger(p.logger, ctx, campaignID)

	campaign, err := p.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("load campaign %s: %w", campaignID, err)
	}
	if err := campaign.CanStart(); err != nil {
		return nil, err
	}

	startedAt := p.now().UTC()
	if err := p.campaigns.MarkSending(ctx, campaignID, startedAt); err != nil {
		return nil, fmt.Errorf("mark campaign %s sending: %w", campaignID, err)
	}
	p.metrics.CampaignStarted()

	run := &campaignRun{
		campaign:  campaign,
		template:  p.templateFor(campaign),
		logger:    logger,
		startedAt: startedAt,
		sent:      campaign.SentCount,
		failed:    campaign.FailedCount,
	}
	logger.Info("campaign started", zap.String("template", run.template))

	stats, err := p.execute(ctx, run)
	if err != nil {
		p.fail(ctx, run, err)
		return stats, fmt.Errorf("%w: %w", ErrRunAborted, err)
	}

	return stats, nil
}

func (p *CampaignProcessor) execute(ctx context.Context, run *campaignRun) (*domain.CampaignStats, error) {
	campaignID := run.campaign.ID
	stats := &domain.CampaignStats{CampaignID: campaignID}

	pending, err := p.recipients.ListPendingByCampaign(ctx, campaignID)
	if err != nil {
		return stats, fmt.Errorf("list pending recipients: %w", err)
	}
	stats.Total = len(pending)

	queue := NewBatchQueue[domain.Recipient](p.cfg.BatchSize)
	queue.AddRecipients(pending)
	run.logger.Info("campaign recipients loaded",
		zap.Int("pending", stats.Total),
		zap.Int("batches", queue.TotalBatches()),
		zap.Int("batchSize", queue.Size()),
	)

	processed := 0
	for queue.HasNext() {
		batch, _ := queue.GetNext()
		batchStart := p.now()
		batchSent, batchFailed := 0, 0

		for _, rec := range batch.Batch {
			if err := p.checkCanceled(ctx, campaignID); err != nil {
				return stats, err
			}

			progress := float64(processed) / float64(stats.Total) * 100
			outcome, err := p.processRecipient(ctx, run, rec, progress)
			if err != nil {
				return stats, err
			}

			processed++
			switch outcome {
			case outcomeSent:
				run.sent++
				batchSent++
				stats.Sent++
			case outcomeFailed:
				run.failed++
				batchFailed++
				stats.Failed++
			}
		}

		stats.Batches++
		run.progress = batch.ProgressPercent
		run.logger.Info("batch finished",
			zap.Int("batch", batch.BatchNumber),
			zap.Int("totalBatches", batch.TotalBatches),
			zap.Int("sent", batchSent),
			zap.Int("failed", batchFailed),
			zap.Float64("progress", batch.ProgressPercent),
			zap.Duration("duration", p.now().Sub(batchStart)),
		)

		if !queue.HasNext() {
			break
		}

		err := p.campaigns.UpdateProgress(ctx, campaignID, repository.CampaignProgress{
			SentCount:          run.sent,
			FailedCount:        run.failed,
			ProgressPercentage: batch.ProgressPercent,
		})
		if err != nil {
			return stats, fmt.Errorf("update campaign progress: %w", err)
		}

		if err := p.sleep(ctx, p.cfg.BatchDelay); err != nil {
			return stats, canceledError(err)
		}
	}

	completedAt := p.now().UTC()
	elapsed := completedAt.Sub(run.startedAt)
	minutes := round2(elapsed.Minutes())
	stats.Elapsed = elapsed
	if elapsed.Minutes() > 0 {
		stats.MessagesPerMinute = round2(float64(processed) / elapsed.Minutes())
	}

	err = p.campaigns.MarkCompleted(ctx, campaignID, repository.CampaignCompletion{
		SentCount:             run.sent,
		FailedCount:           run.failed,
		CompletedAt:           completedAt,
		ProcessingTimeMinutes: minutes,
	})
	if err != nil {
		return stats, fmt.Errorf("mark campaign completed: %w", err)
	}

	p.metrics.CampaignFinished(string(domain.CampaignStatusCompleted))
	run.logger.Info("campaign completed",
		zap.Int("sent", run.sent),
		zap.Int("failed", run.failed),
		zap.Float64("processingTimeMinutes", minutes),
		zap.Float64("messagesPerMinute", stats.MessagesPerMinute),
	)

	return stats, nil
}

// processRecipient gates, validates and sends one message, then persists the
// recipient outcome. A returned error aborts the whole run.
func (p *CampaignProcessor) processRecipient(ctx context.Context, run *campaignRun, rec domain.Recipient, progress float64) (sendOutcome, error) {
	key := limiterKey(rec.PhoneNumber)
	logger := run.logger.With(zap.String("recipientId", rec.ID))

	if p.isLimited(ctx, logger, key) {
		wait := p.adaptiveDelay(ctx, logger, progress)
		logger.Info("rate limited, waiting", zap.Duration("delay", wait))
		if err := p.sleep(ctx, wait); err != nil {
			return 0, canceledError(err)
		}
	}

	if err := phone.Validate(rec.PhoneNumber); err != nil {
		reason := fmt.Sprintf("invalid phone number format: %s", rec.PhoneNumber)
		logger.Warn("recipient skipped", zap.String("reason", reason))
		if err := p.recipients.MarkFailed(ctx, rec.ID, reason, p.now().UTC()); err != nil {
			return 0, fmt.Errorf("mark recipient %s failed: %w", rec.ID, err)
		}
		p.metrics.IncMessageFailed(run.template, "invalid_phone")
		return outcomeFailed, nil
	}

	if run.sendCount > 0 {
		if err := p.sleep(ctx, p.adaptiveDelay(ctx, logger, progress)); err != nil {
			return 0, canceledError(err)
		}
	}
	run.sendCount++

	params := run.campaign.ParamsFor(rec.Name)
	result, sendErr := p.sender.Send(ctx, rec.PhoneNumber, run.template, params)
	if sendErr == nil {
		p.record(ctx, logger, key, true)
		if err := p.recipients.MarkSent(ctx, rec.ID, result.MessageID, p.now().UTC()); err != nil {
			return 0, fmt.Errorf("mark recipient %s sent: %w", rec.ID, err)
		}
		p.metrics.IncMessageSent(run.template)
		logger.Debug("message sent", zap.String("messageId", result.MessageID), zap.Int("attempts", result.Attempts))
		return outcomeSent, nil
	}

	if ctx.Err() != nil {
		return 0, canceledError(ctx.Err())
	}

	p.record(ctx, logger, key, false)
	reason := failureReason(sendErr)
	if err := p.recipients.MarkFailed(ctx, rec.ID, reason, p.now().UTC()); err != nil {
		return 0, fmt.Errorf("mark recipient %s failed: %w", rec.ID, err)
	}
	p.metrics.IncMessageFailed(run.template, failureLabel(sendErr))
	logger.Warn("message failed", zap.Error(sendErr))

	if provider.IsRateLimited(sendErr) {
		logger.Warn("messaging api rate limit hit, cooling down", zap.Duration("pause", p.cfg.RateLimitPause))
		if err := p.sleep(ctx, p.cfg.RateLimitPause); err != nil {
			return 0, canceledError(err)
		}
	}

	return outcomeFailed, nil
}

// RunManualBatch re-processes the given recipients of a campaign regardless
// of their current status, in request order. Campaign status is untouched;
// counters move by the status transitions the batch caused. A campaign that
// is currently sending is rejected with domain.ErrConflict.
func (p *CampaignProcessor) RunManualBatch(ctx context.Context, campaignID string, recipientIDs []string, batchSize int) (*BatchResult, error) {
	if len(recipientIDs) == 0 {
		return nil, fmt.Errorf("%w: recipients are required", domain.ErrValidation)
	}

	campaign, err := p.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("load campaign %s: %w", campaignID, err)
	}
	if err := campaign.CanRunBatch(); err != nil {
		return nil, err
	}

	ids := recipientIDs
	if batchSize > 0 && len(ids) > batchSize {
		ids = ids[:batchSize]
	}

	recipients, err := p.recipients.ListByIDs(ctx, campaignID, ids)
	if err != nil {
		return nil, fmt.Errorf("list recipients: %w", err)
	}

	logger := observability.CampaignLogger(p.logger, ctx, campaignID)
	run := &campaignRun{
		campaign:  campaign,
		template:  p.templateFor(campaign),
		logger:    logger,
		startedAt: p.now().UTC(),
	}
	result := &BatchResult{CampaignID: campaignID, Requested: len(ids)}

	sentDelta, failedDelta := 0, 0
	var runErr error
	for i, rec := range recipients {
		if err := ctx.Err(); err != nil {
			runErr = canceledError(err)
			break
		}

		progress := float64(i) / float64(len(recipients)) * 100
		outcome, err := p.processRecipient(ctx, run, rec, progress)
		if err != nil {
			runErr = err
			break
		}

		result.Processed++
		ds, df := transitionDelta(rec.Status, outcome)
		sentDelta += ds
		failedDelta += df
		if outcome == outcomeSent {
			result.Success++
		} else {
			result.Failed++
		}
	}

	// Counters are persisted even when the batch stopped early so they keep
	// matching the recipient rows already written.
	if err := p.campaigns.IncrementCounters(context.WithoutCancel(ctx), campaignID, sentDelta, failedDelta); err != nil {
		logger.Error("failed to update campaign counters", zap.Error(err))
		if runErr == nil {
			runErr = fmt.Errorf("update campaign counters: %w", err)
		}
	}

	logger.Info("manual batch finished",
		zap.Int("requested", result.Requested),
		zap.Int("processed", result.Processed),
		zap.Int("success", result.Success),
		zap.Int("failed", result.Failed),
	)

	return result, runErr
}

func (p *CampaignProcessor) templateFor(campaign *domain.Campaign) string {
	if name := strings.TrimSpace(campaign.TemplateName); name != "" {
		return name
	}
	return p.cfg.DefaultTemplateName
}

// transitionDelta returns how campaign counters change when a recipient moves
// from prev to the given outcome.
func transitionDelta(prev domain.RecipientStatus, outcome sendOutcome) (sentDelta, failedDelta int) {
	switch outcome {
	case outcomeSent:
		if prev == domain.RecipientStatusSent {
			return 0, 0
		}
		if prev == domain.RecipientStatusFailed {
			return 1, -1
		}
		return 1, 0
	case outcomeFailed:
		if prev == domain.RecipientStatusFailed {
			return 0, 0
		}
		if prev == domain.RecipientStatusSent {
			return -1, 1
		}
		return 0, 1
	}
	return 0, 0
}

func (p *CampaignProcessor) checkCanceled(ctx context.Context, campaignID string) error {
	if err := ctx.Err(); err != nil {
		return canceledError(err)
	}

	requested, err := p.campaigns.IsCancelRequested(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("check cancellation: %w", err)
	}
	if requested {
		return domain.ErrCanceled
	}
	return nil
}

// isLimited checks both the recipient key and the global key. Limiter errors
// are treated as limited so an unavailable store slows the run down instead
// of lifting the ceilings.
func (p *CampaignProcessor) isLimited(ctx context.Context, logger *zap.Logger, key string) bool {
	for _, k := range []string{key, ratelimit.GlobalKey} {
		limited, err := p.limiter.IsRateLimited(ctx, k)
		if err != nil {
			logger.Warn("rate limiter check failed", zap.String("key", k), zap.Error(err))
			return true
		}
		if limited {
			return true
		}
	}
	return false
}

func (p *CampaignProcessor) record(ctx context.Context, logger *zap.Logger, key string, success bool) {
	for _, k := range []string{key, ratelimit.GlobalKey} {
		if err := p.limiter.RecordMessage(ctx, k, success); err != nil {
			logger.Warn("rate limiter record failed", zap.String("key", k), zap.Error(err))
		}
	}
}

func (p *CampaignProcessor) adaptiveDelay(ctx context.Context, logger *zap.Logger, progress float64) time.Duration {
	errorCount, err := p.limiter.ErrorCount(ctx, ratelimit.GlobalKey)
	if err != nil {
		logger.Warn("rate limiter error count failed", zap.Error(err))
		errorCount = 0
	}
	return p.delay.Delay(errorCount, progress)
}

// fail persists the campaign as failed with the counters reached so far. It
// runs detached from ctx so a canceled run is still recorded.
func (p *CampaignProcessor) fail(ctx context.Context, run *campaignRun, cause error) {
	persistCtx := context.WithoutCancel(ctx)
	failedAt := p.now().UTC()
	minutes := round2(failedAt.Sub(run.startedAt).Minutes())

	message := cause.Error()
	status := string(domain.CampaignStatusFailed)
	if errors.Is(cause, domain.ErrCanceled) {
		message = canceledMessage
		status = "canceled"
	}

	err := p.campaigns.MarkFailed(persistCtx, run.campaign.ID, repository.CampaignFailure{
		SentCount:             run.sent,
		FailedCount:           run.failed,
		ProgressPercentage:    run.progress,
		CompletedAt:           failedAt,
		ProcessingTimeMinutes: &minutes,
		ErrorMessage:          message,
	})
	if err != nil {
		run.logger.Error("failed to mark campaign failed", zap.Error(err))
	}

	p.metrics.CampaignFinished(status)
	run.logger.Warn("campaign failed",
		zap.String("reason", message),
		zap.Int("sent", run.sent),
		zap.Int("failed", run.failed),
	)
}

func canceledError(err error) error {
	if errors.Is(err, domain.ErrCanceled) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrCanceled, err)
}

func limiterKey(raw string) string {
	if formatted, err := phone.Format(raw); err == nil {
		return formatted
	}
	return ratelimit.NormalizeKey(phone.Normalize(raw))
}

func failureReason(err error) string {
	var sendErr *SendError
	if errors.As(err, &sendErr) {
		if reason := sendErr.Reason(); reason != "" {
			return reason
		}
	}
	return err.Error()
}

func failureLabel(err error) string {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return "validation"
	case provider.IsRateLimited(err):
		return "rate_limited"
	case provider.IsTransient(err):
		return "transient"
	default:
		return "provider"
	}
}
