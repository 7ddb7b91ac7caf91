package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/wa-dispatcher/internal/domain"
	"github.com/kursadbilgin/wa-dispatcher/internal/observability"
	"github.com/kursadbilgin/wa-dispatcher/internal/ratelimit"
	"github.com/kursadbilgin/wa-dispatcher/internal/repository"
	"go.uber.org/zap"
)

// ErrNotConfigured is returned for actions that need messaging API
// credentials when none are set.
var ErrNotConfigured = errors.New("messaging api credentials are not configured")

type Action string

const (
	ActionCreate Action = "create"
	ActionStart  Action = "start"
	ActionBatch  Action = "batch"
	ActionDebug  Action = "debug"
)

func ParseAction(s string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	switch a {
	case ActionCreate, ActionStart, ActionBatch, ActionDebug:
		return a, nil
	case "":
		return "", fmt.Errorf("%w: action is required", domain.ErrValidation)
	}
	return "", fmt.Errorf("%w: unknown action %q", domain.ErrValidation, s)
}

// Command is one dispatch request.
type Command struct {
	CampaignID string
	Action     string
	Recipients []string
	BatchSize  int
}

// DispatchResult is the outcome of a dispatch command. Batch and Debug are
// set only for their actions.
type DispatchResult struct {
	CampaignID string
	Action     Action
	Message    string
	Batch      *BatchResult
	Debug      *DebugInfo
}

// DebugInfo reports the effective runtime configuration, without secrets.
type DebugInfo struct {
	CampaignID           string
	CredentialsPresent   bool
	TemplateName         string
	LanguageCode         string
	RateLimits           ratelimit.Config
	BatchSize            int
	BatchDelay           time.Duration
	RateLimitPause       time.Duration
	BaseDelay            time.Duration
	MaxDelay             time.Duration
	RecipientsByStatus   map[domain.RecipientStatus]int
	CampaignStatus       domain.CampaignStatus
	RunningLocalCampaign bool
}

// CampaignStatusView is the read model behind the campaign status endpoint.
type CampaignStatusView struct {
	Campaign           *domain.Campaign
	RecipientsByStatus map[domain.RecipientStatus]int
	TotalRecipients    int
}

// DispatcherConfig is the settings snapshot the dispatcher validates against
// and reports through the debug action.
type DispatcherConfig struct {
	CredentialsConfigured bool
	TemplateName          string
	LanguageCode          string
	RateLimits            ratelimit.Config
	Processor             ProcessorConfig
	BaseDelay             time.Duration
	MaxDelay              time.Duration
}

type batchRunner interface {
	RunManualBatch(ctx context.Context, campaignID string, recipientIDs []string, batchSize int) (*BatchResult, error)
}

// Dispatcher validates commands and routes them to the launcher or the
// processor.
type Dispatcher struct {
	campaigns  repository.CampaignRepository
	recipients repository.RecipientRepository
	batches    batchRunner
	launcher   Launcher
	cfg        DispatcherConfig
	logger     *zap.Logger
}

func NewDispatcher(
	campaigns repository.CampaignRepository,
	recipients repository.RecipientRepository,
	batches batchRunner,
	launcher Launcher,
	cfg DispatcherConfig,
	logger *zap.Logger,
) (*Dispatcher, error) {
	if campaigns == nil {
		return nil, fmt.Errorf("campaign repository is required")
	}
	if recipients == nil {
		return nil, fmt.Errorf("recipient repository is required")
	}
	if batches == nil {
		return nil, fmt.Errorf("batch runner is required")
	}
	if launcher == nil {
		return nil, fmt.Errorf("launcher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Dispatcher{
		campaigns:  campaigns,
		recipients: recipients,
		batches:    batches,
		launcher:   launcher,
		cfg:        cfg,
		logger:     logger,
	}, nil
}

func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) (*DispatchResult, error) {
	campaignID, err := validateCampaignID(cmd.CampaignID)
	if err != nil {
		return nil, err
	}
	action, err := ParseAction(cmd.Action)
	if err != nil {
		return nil, err
	}

	logger := observability.CampaignLogger(d.logger, ctx, campaignID).With(zap.String("action", string(action)))
	logger.Info("dispatch received")

	switch action {
	case ActionCreate:
		return &DispatchResult{
			CampaignID: campaignID,
			Action:     action,
			Message:    "campaign acknowledged",
		}, nil
	case ActionStart:
		return d.start(ctx, campaignID)
	case ActionBatch:
		return d.batch(ctx, campaignID, cmd)
	case ActionDebug:
		return d.debug(ctx, campaignID)
	}

	return nil, fmt.Errorf("%w: unknown action %q", domain.ErrValidation, cmd.Action)
}

func (d *Dispatcher) start(ctx context.Context, campaignID string) (*DispatchResult, error) {
	if !d.cfg.CredentialsConfigured {
		return nil, ErrNotConfigured
	}

	campaign, err := d.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if err := campaign.CanStart(); err != nil {
		return nil, err
	}

	if err := d.launcher.Launch(ctx, campaignID); err != nil {
		return nil, err
	}

	return &DispatchResult{
		CampaignID: campaignID,
		Action:     ActionStart,
		Message:    "campaign processing started",
	}, nil
}

func (d *Dispatcher) batch(ctx context.Context, campaignID string, cmd Command) (*DispatchResult, error) {
	if len(cmd.Recipients) == 0 {
		return nil, fmt.Errorf("%w: recipients are required for batch", domain.ErrValidation)
	}
	if cmd.BatchSize < 0 {
		return nil, fmt.Errorf("%w: batch_size must not be negative", domain.ErrValidation)
	}
	if !d.cfg.CredentialsConfigured {
		return nil, ErrNotConfigured
	}

	campaign, err := d.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if err := campaign.CanRunBatch(); err != nil {
		return nil, err
	}

	result, err := d.batches.RunManualBatch(ctx, campaignID, cmd.Recipients, cmd.BatchSize)
	if err != nil {
		return nil, err
	}

	return &DispatchResult{
		CampaignID: campaignID,
		Action:     ActionBatch,
		Message:    fmt.Sprintf("processed %d recipient(s)", result.Processed),
		Batch:      result,
	}, nil
}

func (d *Dispatcher) debug(ctx context.Context, campaignID string) (*DispatchResult, error) {
	info := &DebugInfo{
		CampaignID:         campaignID,
		CredentialsPresent: d.cfg.CredentialsConfigured,
		TemplateName:       d.cfg.TemplateName,
		LanguageCode:       d.cfg.LanguageCode,
		RateLimits:         d.cfg.RateLimits,
		BatchSize:          d.cfg.Processor.BatchSize,
		BatchDelay:         d.cfg.Processor.BatchDelay,
		RateLimitPause:     d.cfg.Processor.RateLimitPause,
		BaseDelay:          d.cfg.BaseDelay,
		MaxDelay:           d.cfg.MaxDelay,
	}

	campaign, err := d.campaigns.GetByID(ctx, campaignID)
	switch {
	case err == nil:
		info.CampaignStatus = campaign.Status
		counts, err := d.recipients.CountByStatus(ctx, campaignID)
		if err != nil {
			return nil, err
		}
		info.RecipientsByStatus = counts
	case !errors.Is(err, domain.ErrNotFound):
		return nil, err
	}

	if l, ok := d.launcher.(*LocalLauncher); ok {
		for _, run := range l.Running() {
			if run.CampaignID == campaignID {
				info.RunningLocalCampaign = true
			}
		}
	}

	return &DispatchResult{
		CampaignID: campaignID,
		Action:     ActionDebug,
		Message:    "debug information",
		Debug:      info,
	}, nil
}

// Cancel requests cooperative cancellation. The run stops before its next
// recipient and the campaign ends failed.
func (d *Dispatcher) Cancel(ctx context.Context, campaignID string) error {
	campaignID, err := validateCampaignID(campaignID)
	if err != nil {
		return err
	}

	if err := d.campaigns.RequestCancel(ctx, campaignID); err != nil {
		return err
	}

	if c, ok := d.launcher.(Canceler); ok {
		c.Cancel(campaignID)
	}

	observability.CampaignLogger(d.logger, ctx, campaignID).Info("campaign cancellation requested")
	return nil
}

func (d *Dispatcher) Status(ctx context.Context, campaignID string) (*CampaignStatusView, error) {
	campaignID, err := validateCampaignID(campaignID)
	if err != nil {
		return nil, err
	}

	campaign, err := d.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	counts, err := d.recipients.CountByStatus(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	total, err := d.recipients.CountByCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	return &CampaignStatusView{
		Campaign:           campaign,
		RecipientsByStatus: counts,
		TotalRecipients:    total,
	}, nil
}

func validateCampaignID(raw string) (string, error) {
	id := strings.TrimSpace(raw)
	if id == "" {
		return "", fmt.Errorf("%w: campaign_id is required", domain.ErrValidation)
	}
	if _, err := uuid.Parse(id); err != nil {
		return "", fmt.Errorf("%w: campaign_id must be a valid uuid", domain.ErrValidation)
	}
	return id, nil
}
