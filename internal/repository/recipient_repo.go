package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/wa-dispatcher/internal/domain"
	"gorm.io/gorm"
)

type RecipientRepository interface {
	CreateBatch(ctx context.Context, recipients []*domain.Recipient) error
	ListPendingByCampaign(ctx context.Context, campaignID string) ([]domain.Recipient, error)
	ListByIDs(ctx context.Context, campaignID string, ids []string) ([]domain.Recipient, error)
	CountByCampaign(ctx context.Context, campaignID string) (int, error)
	CountByStatus(ctx context.Context, campaignID string) (map[domain.RecipientStatus]int, error)
	MarkSent(ctx context.Context, id string, messageID string, sentAt time.Time) error
	MarkFailed(ctx context.Context, id string, errorMessage string, failedAt time.Time) error
}

type GormRecipientRepo struct {
	db *gorm.DB
}

func NewGormRecipientRepo(db *gorm.DB) *GormRecipientRepo {
	return &GormRecipientRepo{db: db}
}

func (r *GormRecipientRepo) CreateBatch(ctx context.Context, recipients []*domain.Recipient) error {
	models := make([]RecipientModel, 0, len(recipients))
	modelIndexes := make([]int, 0, len(recipients))
	for i, rec := range recipients {
		model := recipientModelFromDomain(rec)
		if model == nil {
			continue
		}
		if model.Status == "" {
			model.Status = domain.RecipientStatusPending
		}
		models = append(models, *model)
		modelIndexes = append(modelIndexes, i)
	}

	if len(models) == 0 {
		return nil
	}

	if err := r.db.WithContext(ctx).CreateInBatches(&models, 100).Error; err != nil {
		return err
	}

	for i := range models {
		idx := modelIndexes[i]
		*recipients[idx] = *recipientModelToDomain(&models[i])
	}

	return nil
}

// ListPendingByCampaign returns pending recipients in creation order.
func (r *GormRecipientRepo) ListPendingByCampaign(ctx context.Context, campaignID string) ([]domain.Recipient, error) {
	var models []RecipientModel
	err := r.db.WithContext(ctx).
		Where("campaign_id = ? AND status = ?", campaignID, domain.RecipientStatusPending).
		Order("created_at ASC").
		Order("id ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	return recipientsToDomain(models), nil
}

// ListByIDs returns the campaign's recipients among ids, in the order the ids
// were given. Unknown ids are skipped.
func (r *GormRecipientRepo) ListByIDs(ctx context.Context, campaignID string, ids []string) ([]domain.Recipient, error) {
	if len(ids) == 0 {
		return []domain.Recipient{}, nil
	}

	var models []RecipientModel
	err := r.db.WithContext(ctx).
		Where("campaign_id = ? AND id IN ?", campaignID, ids).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*RecipientModel, len(models))
	for i := range models {
		byID[models[i].ID] = &models[i]
	}

	recipients := make([]domain.Recipient, 0, len(models))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		model, ok := byID[id]
		if !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		recipients = append(recipients, *recipientModelToDomain(model))
	}

	return recipients, nil
}

func (r *GormRecipientRepo) CountByCampaign(ctx context.Context, campaignID string) (int, error) {
	var total int64
	err := r.db.WithContext(ctx).
		Model(&RecipientModel{}).
		Where("campaign_id = ?", campaignID).
		Count(&total).Error
	if err != nil {
		return 0, err
	}
	return int(total), nil
}

func (r *GormRecipientRepo) MarkSent(ctx context.Context, id string, messageID string, sentAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&RecipientModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":        domain.RecipientStatusSent,
			"message_id":    messageID,
			"sent_at":       sentAt,
			"error_message": nil,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("recipient %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (r *GormRecipientRepo) MarkFailed(ctx context.Context, id string, errorMessage string, failedAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&RecipientModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":        domain.RecipientStatusFailed,
			"error_message": errorMessage,
			"failed_at":     failedAt,
			"retry_count":   gorm.Expr("retry_count + 1"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("recipient %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

type StatusCount struct {
	Status domain.RecipientStatus `gorm:"column:status"`
	Count  int                    `gorm:"column:count"`
}

// CountByStatus returns how many of the campaign's recipients are in each
// status. Statuses with no recipients are reported as zero.
func (r *GormRecipientRepo) CountByStatus(ctx context.Context, campaignID string) (map[domain.RecipientStatus]int, error) {
	var rows []StatusCount
	err := r.db.WithContext(ctx).
		Model(&RecipientModel{}).
		Select("status, COUNT(*) as count").
		Where("campaign_id = ?", campaignID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	return statusCounts(rows), nil
}

func statusCounts(rows []StatusCount) map[domain.RecipientStatus]int {
	counts := map[domain.RecipientStatus]int{
		domain.RecipientStatusPending: 0,
		domain.RecipientStatusSent:    0,
		domain.RecipientStatusFailed:  0,
	}
	for _, row := range rows {
		counts[row.Status] += row.Count
	}
	return counts
}

func recipientsToDomain(models []RecipientModel) []domain.Recipient {
	recipients := make([]domain.Recipient, 0, len(models))
	for i := range models {
		recipients = append(recipients, *recipientModelToDomain(&models[i]))
	}
	return recipients
}
