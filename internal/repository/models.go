package repository

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kursadbilgin/wa-dispatcher/internal/domain"
)

// CampaignModel is the persistence model for the campaigns table.
type CampaignModel struct {
	ID                    string                `gorm:"type:uuid;primaryKey"`
	Name                  string                `gorm:"type:varchar(255);not null"`
	TemplateName          string                `gorm:"type:varchar(255);not null"`
	TemplateParams        string                `gorm:"type:text;not null;default:'{}'"`
	Status                domain.CampaignStatus `gorm:"type:varchar(20);not null"`
	SentCount             int                   `gorm:"not null;default:0"`
	FailedCount           int                   `gorm:"not null;default:0"`
	ProgressPercentage    float64               `gorm:"not null;default:0"`
	StartedAt             *time.Time
	CompletedAt           *time.Time
	ErrorMessage          *string `gorm:"type:text"`
	ProcessingTimeMinutes *float64
	CancelRequested       bool `gorm:"not null;default:false"`
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

func (CampaignModel) TableName() string {
	return "campaigns"
}

// RecipientModel is the persistence model for the recipients table.
type RecipientModel struct {
	ID           string                 `gorm:"type:uuid;primaryKey"`
	CampaignID   string                 `gorm:"type:uuid;not null"`
	PhoneNumber  string                 `gorm:"type:varchar(32);not null"`
	Name         string                 `gorm:"type:varchar(255);not null;default:''"`
	Status       domain.RecipientStatus `gorm:"type:varchar(20);not null"`
	MessageID    *string                `gorm:"type:varchar(255)"`
	SentAt       *time.Time
	FailedAt     *time.Time
	ErrorMessage *string `gorm:"type:text"`
	RetryCount   int     `gorm:"not null;default:0"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (RecipientModel) TableName() string {
	return "recipients"
}

func campaignModelFromDomain(c *domain.Campaign) (*CampaignModel, error) {
	if c == nil {
		return nil, nil
	}

	params, err := encodeTemplateParams(c.TemplateParams)
	if err != nil {
		return nil, err
	}

	return &CampaignModel{
		ID:                    c.ID,
		Name:                  c.Name,
		TemplateName:          c.TemplateName,
		TemplateParams:        params,
		Status:                c.Status,
		SentCount:             c.SentCount,
		FailedCount:           c.FailedCount,
		ProgressPercentage:    c.ProgressPercentage,
		StartedAt:             c.StartedAt,
		CompletedAt:           c.CompletedAt,
		ErrorMessage:          c.ErrorMessage,
		ProcessingTimeMinutes: c.ProcessingTimeMinutes,
		CancelRequested:       c.CancelRequested,
		CreatedAt:             c.CreatedAt,
		UpdatedAt:             c.UpdatedAt,
	}, nil
}

func campaignModelToDomain(m *CampaignModel) (*domain.Campaign, error) {
	if m == nil {
		return nil, nil
	}

	params, err := decodeTemplateParams(m.TemplateParams)
	if err != nil {
		return nil, fmt.Errorf("campaign %s: %w", m.ID, err)
	}

	return &domain.Campaign{
		ID:                    m.ID,
		Name:                  m.Name,
		TemplateName:          m.TemplateName,
		TemplateParams:        params,
		Status:                m.Status,
		SentCount:             m.SentCount,
		FailedCount:           m.FailedCount,
		ProgressPercentage:    m.ProgressPercentage,
		StartedAt:             m.StartedAt,
		CompletedAt:           m.CompletedAt,
		ErrorMessage:          m.ErrorMessage,
		ProcessingTimeMinutes: m.ProcessingTimeMinutes,
		CancelRequested:       m.CancelRequested,
		CreatedAt:             m.CreatedAt,
		UpdatedAt:             m.UpdatedAt,
	}, nil
}

func recipientModelFromDomain(r *domain.Recipient) *RecipientModel {
	if r == nil {
		return nil
	}

	return &RecipientModel{
		ID:           r.ID,
		CampaignID:   r.CampaignID,
		PhoneNumber:  r.PhoneNumber,
		Name:         r.Name,
		Status:       r.Status,
		MessageID:    r.MessageID,
		SentAt:       r.SentAt,
		FailedAt:     r.FailedAt,
		ErrorMessage: r.ErrorMessage,
		RetryCount:   r.RetryCount,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

func recipientModelToDomain(m *RecipientModel) *domain.Recipient {
	if m == nil {
		return nil
	}

	return &domain.Recipient{
		ID:           m.ID,
		CampaignID:   m.CampaignID,
		PhoneNumber:  m.PhoneNumber,
		Name:         m.Name,
		Status:       m.Status,
		MessageID:    m.MessageID,
		SentAt:       m.SentAt,
		FailedAt:     m.FailedAt,
		ErrorMessage: m.ErrorMessage,
		RetryCount:   m.RetryCount,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func encodeTemplateParams(params map[string]string) (string, error) {
	if len(params) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("failed to encode template params: %w", err)
	}
	return string(raw), nil
}

func decodeTemplateParams(raw string) (map[string]string, error) {
	params := map[string]string{}
	if raw == "" {
		return params, nil
	}
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, fmt.Errorf("failed to decode template params: %w", err)
	}
	return params, nil
}
