package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/wa-dispatcher/internal/domain"
	"github.com/kursadbilgin/wa-dispatcher/internal/observability"
	"github.com/kursadbilgin/wa-dispatcher/internal/service"
)

type CampaignDispatcher interface {
	Dispatch(ctx context.Context, cmd service.Command) (*service.DispatchResult, error)
	Cancel(ctx context.Context, campaignID string) error
	Status(ctx context.Context, campaignID string) (*service.CampaignStatusView, error)
}

type DispatchHandler struct {
	dispatcher CampaignDispatcher
}

func NewDispatchHandler(dispatcher CampaignDispatcher) (*DispatchHandler, error) {
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	return &DispatchHandler{dispatcher: dispatcher}, nil
}

// RegisterDispatchRoutes mounts the /v1 routes behind the given middlewares.
func RegisterDispatchRoutes(router fiber.Router, dispatcher CampaignDispatcher, middlewares ...fiber.Handler) error {
	h, err := NewDispatchHandler(dispatcher)
	if err != nil {
		return err
	}

	handlers := make([]fiber.Handler, 0, len(middlewares))
	handlers = append(handlers, middlewares...)
	v1 := router.Group("/v1", handlers...)
	v1.Post("/dispatch", h.Dispatch)
	v1.Get("/campaigns/:id", h.GetCampaign)
	v1.Post("/campaigns/:id/cancel", h.CancelCampaign)

	return nil
}

type dispatchRequest struct {
	CampaignID string   `json:"campaign_id"`
	Action     string   `json:"action"`
	Recipients []string `json:"recipients"`
	BatchSize  int      `json:"batch_size"`
}

type dispatchResponse struct {
	Success    bool               `json:"success"`
	Message    string             `json:"message"`
	CampaignID string             `json:"campaign_id"`
	Action     string             `json:"action"`
	Results    *batchResults      `json:"results,omitempty"`
	DebugInfo  *debugInfoResponse `json:"debug_info,omitempty"`
}

type batchResults struct {
	Requested int `json:"requested"`
	Processed int `json:"processed"`
	Success   int `json:"success"`
	Failed    int `json:"failed"`
}

type debugInfoResponse struct {
	CredentialsPresent bool                 `json:"credentials_present"`
	TemplateName       string               `json:"template_name"`
	LanguageCode       string               `json:"language_code"`
	RateLimits         rateLimitsResponse   `json:"rate_limits"`
	Batch              batchConfigResponse  `json:"batch"`
	CampaignStatus     string               `json:"campaign_status,omitempty"`
	Recipients         *recipientCounts     `json:"recipients,omitempty"`
	RunningLocally     bool                 `json:"running_locally"`
	Pacing             pacingConfigResponse `json:"pacing"`
}

type rateLimitsResponse struct {
	PerSecond       int     `json:"per_second"`
	PerMinute       int     `json:"per_minute"`
	PerHour         int     `json:"per_hour"`
	CooldownSeconds float64 `json:"cooldown_seconds"`
}

type batchConfigResponse struct {
	Size                  int     `json:"size"`
	DelaySeconds          float64 `json:"delay_seconds"`
	RateLimitPauseSeconds float64 `json:"rate_limit_pause_seconds"`
}

type pacingConfigResponse struct {
	BaseDelayMs int64 `json:"base_delay_ms"`
	MaxDelayMs  int64 `json:"max_delay_ms"`
}

type recipientCounts struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
}

type campaignResponse struct {
	ID                    string     `json:"id"`
	Name                  string     `json:"name"`
	TemplateName          string     `json:"template_name"`
	Status                string     `json:"status"`
	SentCount             int        `json:"sent_count"`
	FailedCount           int        `json:"failed_count"`
	ProgressPercentage    float64    `json:"progress_percentage"`
	StartedAt             *time.Time `json:"started_at,omitempty"`
	CompletedAt           *time.Time `json:"completed_at,omitempty"`
	ErrorMessage          *string    `json:"error_message,omitempty"`
	ProcessingTimeMinutes *float64   `json:"processing_time_minutes,omitempty"`
	CancelRequested       bool       `json:"cancel_requested"`
}

type campaignStatusResponse struct {
	Success    bool             `json:"success"`
	Campaign   campaignResponse `json:"campaign"`
	Recipients recipientCounts  `json:"recipients"`
}

func (h *DispatchHandler) Dispatch(c *fiber.Ctx) error {
	var req dispatchRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	result, err := h.dispatcher.Dispatch(requestContext(c), service.Command{
		CampaignID: req.CampaignID,
		Action:     req.Action,
		Recipients: req.Recipients,
		BatchSize:  req.BatchSize,
	})
	if err != nil {
		return toHTTPError(err)
	}

	resp := dispatchResponse{
		Success:    true,
		Message:    result.Message,
		CampaignID: result.CampaignID,
		Action:     string(result.Action),
	}
	if result.Batch != nil {
		resp.Results = &batchResults{
			Requested: result.Batch.Requested,
			Processed: result.Batch.Processed,
			Success:   result.Batch.Success,
			Failed:    result.Batch.Failed,
		}
	}
	if result.Debug != nil {
		resp.DebugInfo = toDebugInfoResponse(result.Debug)
	}

	return c.Status(fiber.StatusOK).JSON(resp)
}

func (h *DispatchHandler) GetCampaign(c *fiber.Ctx) error {
	view, err := h.dispatcher.Status(requestContext(c), c.Params("id"))
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(campaignStatusResponse{
		Success:    true,
		Campaign:   toCampaignResponse(view.Campaign),
		Recipients: toRecipientCounts(view.RecipientsByStatus),
	})
}

func (h *DispatchHandler) CancelCampaign(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := h.dispatcher.Cancel(requestContext(c), id); err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"success":     true,
		"message":     "campaign cancellation requested",
		"campaign_id": id,
	})
}

// requestContext carries the request id on a context that stays valid after
// the handler returns, which background runs rely on.
func requestContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if id := requestCorrelationID(c); id != "" {
		ctx = observability.WithCorrelationID(ctx, id)
	}
	return ctx
}

func requestCorrelationID(c *fiber.Ctx) string {
	if value := strings.TrimSpace(c.Get(fiber.HeaderXRequestID)); value != "" {
		return value
	}
	if value, ok := c.Locals("requestid").(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

func toCampaignResponse(c *domain.Campaign) campaignResponse {
	return campaignResponse{
		ID:                    c.ID,
		Name:                  c.Name,
		TemplateName:          c.TemplateName,
		Status:                c.Status.String(),
		SentCount:             c.SentCount,
		FailedCount:           c.FailedCount,
		ProgressPercentage:    c.ProgressPercentage,
		StartedAt:             c.StartedAt,
		CompletedAt:           c.CompletedAt,
		ErrorMessage:          c.ErrorMessage,
		ProcessingTimeMinutes: c.ProcessingTimeMinutes,
		CancelRequested:       c.CancelRequested,
	}
}

func toRecipientCounts(counts map[domain.RecipientStatus]int) recipientCounts {
	rc := recipientCounts{
		Pending: counts[domain.RecipientStatusPending],
		Sent:    counts[domain.RecipientStatusSent],
		Failed:  counts[domain.RecipientStatusFailed],
	}
	rc.Total = rc.Pending + rc.Sent + rc.Failed
	return rc
}

func toDebugInfoResponse(info *service.DebugInfo) *debugInfoResponse {
	resp := &debugInfoResponse{
		CredentialsPresent: info.CredentialsPresent,
		TemplateName:       info.TemplateName,
		LanguageCode:       info.LanguageCode,
		RateLimits: rateLimitsResponse{
			PerSecond:       info.RateLimits.PerSecond,
			PerMinute:       info.RateLimits.PerMinute,
			PerHour:         info.RateLimits.PerHour,
			CooldownSeconds: info.RateLimits.Cooldown.Seconds(),
		},
		Batch: batchConfigResponse{
			Size:                  info.BatchSize,
			DelaySeconds:          info.BatchDelay.Seconds(),
			RateLimitPauseSeconds: info.RateLimitPause.Seconds(),
		},
		Pacing: pacingConfigResponse{
			BaseDelayMs: info.BaseDelay.Milliseconds(),
			MaxDelayMs:  info.MaxDelay.Milliseconds(),
		},
		CampaignStatus: info.CampaignStatus.String(),
		RunningLocally: info.RunningLocalCampaign,
	}
	if info.RecipientsByStatus != nil {
		counts := toRecipientCounts(info.RecipientsByStatus)
		resp.Recipients = &counts
	}
	return resp
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	default:
		return err
	}
}
