package provider

import (
	"context"
	"errors"
)

// ErrNotConfigured is returned by Unconfigured for every send.
var ErrNotConfigured = errors.New("whatsapp provider is not configured")

// Provider is the outbound templated-message delivery port.
type Provider interface {
	Send(ctx context.Context, payload TemplatePayload) (*ProviderResponse, error)
}

// ProviderResponse stores provider call metadata for audit and persistence.
type ProviderResponse struct {
	StatusCode int
	Body       string
	MessageID  string
}

// Unconfigured stands in when no credentials are set so the process can still
// serve status and debug requests.
type Unconfigured struct{}

func (Unconfigured) Send(context.Context, TemplatePayload) (*ProviderResponse, error) {
	return nil, ErrNotConfigured
}
