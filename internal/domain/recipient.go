package domain

import (
	"fmt"
	"strings"
	"time"
)

// RecipientStatus represents the delivery state of one recipient.
type RecipientStatus string

const (
	RecipientStatusPending RecipientStatus = "pending"
	RecipientStatusSent    RecipientStatus = "sent"
	RecipientStatusFailed  RecipientStatus = "failed"
)

func (s RecipientStatus) String() string { return string(s) }

func (s RecipientStatus) IsValid() bool {
	switch s {
	case RecipientStatusPending, RecipientStatusSent, RecipientStatusFailed:
		return true
	}
	return false
}

func ParseRecipientStatusFromString(s string) (RecipientStatus, error) {
	st := RecipientStatus(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid recipient status %q", ErrValidation, s)
	}
	return st, nil
}

// Recipient is one addressee of a campaign.
type Recipient struct {
	ID           string
	CampaignID   string
	PhoneNumber  string
	Name         string
	Status       RecipientStatus
	MessageID    *string
	SentAt       *time.Time
	FailedAt     *time.Time
	ErrorMessage *string
	RetryCount   int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CampaignStats summarises a finished processor run.
type CampaignStats struct {
	CampaignID        string
	Total             int
	Sent              int
	Failed            int
	Batches           int
	Elapsed           time.Duration
	MessagesPerMinute float64
}
