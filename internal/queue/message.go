package queue

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CampaignRunMessage is the broker payload asking a worker to run a campaign.
type CampaignRunMessage struct {
	CampaignID    string    `json:"campaignId"`
	CorrelationID string    `json:"correlationId,omitempty"`
	RequestedAt   time.Time `json:"requestedAt"`
}

func (m CampaignRunMessage) Validate() error {
	if strings.TrimSpace(m.CampaignID) == "" {
		return fmt.Errorf("campaignId is required")
	}
	if _, err := uuid.Parse(m.CampaignID); err != nil {
		return fmt.Errorf("campaignId must be a uuid: %w", err)
	}
	return nil
}
