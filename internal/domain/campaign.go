package domain

import (
	"fmt"
	"strings"
	"time"
)

// CampaignStatus represents the lifecycle state of a campaign.
type CampaignStatus string

const (
	CampaignStatusDraft     CampaignStatus = "draft"
	CampaignStatusPending   CampaignStatus = "pending"
	CampaignStatusSending   CampaignStatus = "sending"
	CampaignStatusCompleted CampaignStatus = "completed"
	CampaignStatusFailed    CampaignStatus = "failed"
)

func (s CampaignStatus) String() string { return string(s) }

func (s CampaignStatus) IsValid() bool {
	switch s {
	case CampaignStatusDraft, CampaignStatusPending, CampaignStatusSending, CampaignStatusCompleted, CampaignStatusFailed:
		return true
	}
	return false
}

func (s CampaignStatus) IsTerminal() bool {
	return s == CampaignStatusCompleted || s == CampaignStatusFailed
}

// CanTransitionTo reports whether the lifecycle allows moving from s to next.
// Transitions only move forward: draft|pending -> sending -> completed|failed.
func (s CampaignStatus) CanTransitionTo(next CampaignStatus) bool {
	switch s {
	case CampaignStatusDraft, CampaignStatusPending:
		return next == CampaignStatusSending || next == CampaignStatusFailed
	case CampaignStatusSending:
		return next == CampaignStatusCompleted || next == CampaignStatusFailed
	}
	return false
}

func ParseCampaignStatusFromString(s string) (CampaignStatus, error) {
	st := CampaignStatus(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid campaign status %q", ErrValidation, s)
	}
	return st, nil
}

// Template parameter keys with a fixed position in the message body.
const (
	ParamParticipantName = "participant_name"
	ParamEventName       = "event_name"
	ParamEventDate       = "event_date"
	ParamEventTime       = "event_time"
	ParamEventLocation   = "event_location"
)

// Campaign is a templated bulk message blast to a fixed set of recipients.
type Campaign struct {
	ID                    string
	Name                  string
	TemplateName          string
	TemplateParams        map[string]string
	Status                CampaignStatus
	SentCount             int
	FailedCount           int
	ProgressPercentage    float64
	StartedAt             *time.Time
	CompletedAt           *time.Time
	ErrorMessage          *string
	ProcessingTimeMinutes *float64
	CancelRequested       bool
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// ParamsFor merges the campaign template parameters with a recipient's display
// name. A non-empty name replaces the campaign default participant_name.
func (c *Campaign) ParamsFor(recipientName string) map[string]string {
	params := make(map[string]string, len(c.TemplateParams)+1)
	for k, v := range c.TemplateParams {
		params[k] = v
	}
	if name := strings.TrimSpace(recipientName); name != "" {
		params[ParamParticipantName] = name
	}
	return params
}

// CanStart reports whether a processor run may move the campaign into sending.
func (c *Campaign) CanStart() error {
	if !c.Status.CanTransitionTo(CampaignStatusSending) {
		return fmt.Errorf("%w: campaign %s is already %s", ErrConflict, c.ID, c.Status)
	}
	return nil
}

// CanRunBatch reports whether a manual batch may touch the campaign. A run
// owns the counters while the campaign is sending.
func (c *Campaign) CanRunBatch() error {
	if c.Status == CampaignStatusSending {
		return fmt.Errorf("%w: campaign %s is sending", ErrConflict, c.ID)
	}
	return nil
}
