package mongodb

import (
	"fmt"
	"time"

	"github.com/kursadbilgin/wa-dispatcher/internal/domain"
)

const (
	campaignsCollection  = "campaigns"
	recipientsCollection = "recipients"
)

type campaignDocument struct {
	ID                    string            `bson:"_id"`
	Name                  string            `bson:"name"`
	TemplateName          string            `bson:"template_name"`
	TemplateParams        map[string]string `bson:"template_params"`
	Status                string            `bson:"status"`
	SentCount             int               `bson:"sent_count"`
	FailedCount           int               `bson:"failed_count"`
	ProgressPercentage    float64           `bson:"progress_percentage"`
	StartedAt             *time.Time        `bson:"started_at"`
	CompletedAt           *time.Time        `bson:"completed_at"`
	ErrorMessage          *string           `bson:"error_message"`
	ProcessingTimeMinutes *float64          `bson:"processing_time_minutes"`
	CancelRequested       bool              `bson:"cancel_requested"`
	CreatedAt             time.Time         `bson:"created_at"`
	UpdatedAt             time.Time         `bson:"updated_at"`
}

type recipientDocument struct {
	ID           string     `bson:"_id"`
	CampaignID   string     `bson:"campaign_id"`
	PhoneNumber  string     `bson:"phone_number"`
	Name         string     `bson:"name"`
	Status       string     `bson:"status"`
	MessageID    *string    `bson:"message_id"`
	SentAt       *time.Time `bson:"sent_at"`
	FailedAt     *time.Time `bson:"failed_at"`
	ErrorMessage *string    `bson:"error_message"`
	RetryCount   int        `bson:"retry_count"`
	CreatedAt    time.Time  `bson:"created_at"`
	UpdatedAt    time.Time  `bson:"updated_at"`
}

func campaignDocumentFromDomain(c *domain.Campaign) *campaignDocument {
	if c == nil {
		return nil
	}

	params := c.TemplateParams
	if params == nil {
		params = map[string]string{}
	}

	return &campaignDocument{
		ID:                    c.ID,
		Name:                  c.Name,
		TemplateName:          c.TemplateName,
		TemplateParams:        params,
		Status:                c.Status.String(),
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
	}
}

func campaignDocumentToDomain(d *campaignDocument) (*domain.Campaign, error) {
	if d == nil {
		return nil, nil
	}

	status, err := domain.ParseCampaignStatusFromString(d.Status)
	if err != nil {
		return nil, fmt.Errorf("decode campaign %s: %w", d.ID, err)
	}

	params := d.TemplateParams
	if params == nil {
		params = map[string]string{}
	}

	return &domain.Campaign{
		ID:                    d.ID,
		Name:                  d.Name,
		TemplateName:          d.TemplateName,
		TemplateParams:        params,
		Status:                status,
		SentCount:             d.SentCount,
		FailedCount:           d.FailedCount,
		ProgressPercentage:    d.ProgressPercentage,
		StartedAt:             d.StartedAt,
		CompletedAt:           d.CompletedAt,
		ErrorMessage:          d.ErrorMessage,
		ProcessingTimeMinutes: d.ProcessingTimeMinutes,
		CancelRequested:       d.CancelRequested,
		CreatedAt:             d.CreatedAt,
		UpdatedAt:             d.UpdatedAt,
	}, nil
}

func recipientDocumentFromDomain(r *domain.Recipient) *recipientDocument {
	if r == nil {
		return nil
	}

	return &recipientDocument{
		ID:           r.ID,
		CampaignID:   r.CampaignID,
		PhoneNumber:  r.PhoneNumber,
		Name:         r.Name,
		Status:       r.Status.String(),
		MessageID:    r.MessageID,
		SentAt:       r.SentAt,
		FailedAt:     r.FailedAt,
		ErrorMessage: r.ErrorMessage,
		RetryCount:   r.RetryCount,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

func recipientDocumentToDomain(d *recipientDocument) (*domain.Recipient, error) {
	if d == nil {
		return nil, nil
	}

	status, err := domain.ParseRecipientStatusFromString(d.Status)
	if err != nil {
		return nil, fmt.Errorf("decode recipient %s: %w", d.ID, err)
	}

	return &domain.Recipient{
		ID:           d.ID,
		CampaignID:   d.CampaignID,
		PhoneNumber:  d.PhoneNumber,
		Name:         d.Name,
		Status:       status,
		MessageID:    d.MessageID,
		SentAt:       d.SentAt,
		FailedAt:     d.FailedAt,
		ErrorMessage: d.ErrorMessage,
		RetryCount:   d.RetryCount,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}, nil
}
