package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/wa-dispatcher/internal/domain"
	"gorm.io/gorm"
)

// CampaignProgress is the between-batch checkpoint of a running campaign.
type CampaignProgress struct {
	SentCount          int
	FailedCount        int
	ProgressPercentage float64
}

type CampaignCompletion struct {
	SentCount             int
	FailedCount           int
	CompletedAt           time.Time
	ProcessingTimeMinutes float64
}

// CampaignFailure carries the counters as of the failure so partial work is
// not lost.
type CampaignFailure struct {
	SentCount             int
	FailedCount           int
	ProgressPercentage    float64
	CompletedAt           time.Time
	ProcessingTimeMinutes *float64
	ErrorMessage          string
}

type CampaignRepository interface {
	Create(ctx context.Context, c *domain.Campaign) error
	GetByID(ctx context.Context, id string) (*domain.Campaign, error)
	MarkSending(ctx context.Context, id string, startedAt time.Time) error
	UpdateProgress(ctx context.Context, id string, progress CampaignProgress) error
	MarkCompleted(ctx context.Context, id string, completion CampaignCompletion) error
	MarkFailed(ctx context.Context, id string, failure CampaignFailure) error
	IncrementCounters(ctx context.Context, id string, sentDelta, failedDelta int) error
	RequestCancel(ctx context.Context, id string) error
	IsCancelRequested(ctx context.Context, id string) (bool, error)
	ListStaleSending(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.Campaign, error)
}

var (
	startableStatuses = []domain.CampaignStatus{domain.CampaignStatusDraft, domain.CampaignStatusPending}
	openStatuses      = []domain.CampaignStatus{domain.CampaignStatusDraft, domain.CampaignStatusPending, domain.CampaignStatusSending}
)

type GormCampaignRepo struct {
	db *gorm.DB
}

func NewGormCampaignRepo(db *gorm.DB) *GormCampaignRepo {
	return &GormCampaignRepo{db: db}
}

func (r *GormCampaignRepo) Create(ctx context.Context, c *domain.Campaign) error {
	model, err := campaignModelFromDomain(c)
	if err != nil {
		return err
	}
	if model == nil {
		return fmt.Errorf("%w: campaign is required", domain.ErrValidation)
	}
	if model.Status == "" {
		model.Status = domain.CampaignStatusDraft
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}

	created, err := campaignModelToDomain(model)
	if err != nil {
		return err
	}
	*c = *created
	return nil
}

func (r *GormCampaignRepo) GetByID(ctx context.Context, id string) (*domain.Campaign, error) {
	var model CampaignModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return campaignModelToDomain(&model)
}

// MarkSending moves a draft or pending campaign into sending and clears any
// stale cancellation request.
func (r *GormCampaignRepo) MarkSending(ctx context.Context, id string, startedAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&CampaignModel{}).
		Where("id = ? AND status IN ?", id, startableStatuses).
		Updates(map[string]any{
			"status":           domain.CampaignStatusSending,
			"started_at":       startedAt,
			"error_message":    nil,
			"cancel_requested": false,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return r.missingOrConflict(ctx, id)
	}
	return nil
}

func (r *GormCampaignRepo) UpdateProgress(ctx context.Context, id string, progress CampaignProgress) error {
	result := r.db.WithContext(ctx).
		Model(&CampaignModel{}).
		Where("id = ? AND status = ?", id, domain.CampaignStatusSending).
		Updates(map[string]any{
			"sent_count":          progress.SentCount,
			"failed_count":        progress.FailedCount,
			"progress_percentage": progress.ProgressPercentage,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return r.missingOrConflict(ctx, id)
	}
	return nil
}

func (r *GormCampaignRepo) MarkCompleted(ctx context.Context, id string, completion CampaignCompletion) error {
	result := r.db.WithContext(ctx).
		Model(&CampaignModel{}).
		Where("id = ? AND status = ?", id, domain.CampaignStatusSending).
		Updates(map[string]any{
			"status":                  domain.CampaignStatusCompleted,
			"sent_count":              completion.SentCount,
			"failed_count":            completion.FailedCount,
			"progress_percentage":     100,
			"completed_at":            completion.CompletedAt,
			"processing_time_minutes": completion.ProcessingTimeMinutes,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return r.missingOrConflict(ctx, id)
	}
	return nil
}

func (r *GormCampaignRepo) MarkFailed(ctx context.Context, id string, failure CampaignFailure) error {
	result := r.db.WithContext(ctx).
		Model(&CampaignModel{}).
		Where("id = ? AND status IN ?", id, openStatuses).
		Updates(map[string]any{
			"status":                  domain.CampaignStatusFailed,
			"sent_count":              failure.SentCount,
			"failed_count":            failure.FailedCount,
			"progress_percentage":     failure.ProgressPercentage,
			"completed_at":            failure.CompletedAt,
			"processing_time_minutes": failure.ProcessingTimeMinutes,
			"error_message":           failure.ErrorMessage,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return r.missingOrConflict(ctx, id)
	}
	return nil
}

// IncrementCounters applies signed deltas; counters never drop below zero.
func (r *GormCampaignRepo) IncrementCounters(ctx context.Context, id string, sentDelta, failedDelta int) error {
	if sentDelta == 0 && failedDelta == 0 {
		return nil
	}

	result := r.db.WithContext(ctx).
		Model(&CampaignModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"sent_count":   gorm.Expr("CASE WHEN sent_count + ? < 0 THEN 0 ELSE sent_count + ? END", sentDelta, sentDelta),
			"failed_count": gorm.Expr("CASE WHEN failed_count + ? < 0 THEN 0 ELSE failed_count + ? END", failedDelta, failedDelta),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormCampaignRepo) RequestCancel(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).
		Model(&CampaignModel{}).
		Where("id = ? AND status IN ?", id, openStatuses).
		Update("cancel_requested", true)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return r.missingOrConflict(ctx, id)
	}
	return nil
}

func (r *GormCampaignRepo) IsCancelRequested(ctx context.Context, id string) (bool, error) {
	var model CampaignModel
	err := r.db.WithContext(ctx).
		Select("cancel_requested").
		First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, domain.ErrNotFound
	}
	if err != nil {
		return false, err
	}
	return model.CancelRequested, nil
}

// ListStaleSending returns sending campaigns whose last write is older than
// updatedBefore, oldest first.
func (r *GormCampaignRepo) ListStaleSending(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.Campaign, error) {
	query := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", domain.CampaignStatusSending, updatedBefore).
		Order("updated_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var models []CampaignModel
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}

	campaigns := make([]domain.Campaign, 0, len(models))
	for i := range models {
		c, err := campaignModelToDomain(&models[i])
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, *c)
	}
	return campaigns, nil
}

func (r *GormCampaignRepo) missingOrConflict(ctx context.Context, id string) error {
	var model CampaignModel
	err := r.db.WithContext(ctx).Select("id", "status").First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: campaign %s is %s", domain.ErrConflict, id, model.Status)
}
