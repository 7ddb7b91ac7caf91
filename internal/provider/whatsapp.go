package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	DefaultBaseURL         = "https://graph.facebook.com/v19.0"
	defaultWhatsAppTimeout = 15 * time.Second
)

// WhatsAppConfig holds Cloud API credentials.
type WhatsAppConfig struct {
	BaseURL       string
	AccessToken   string
	PhoneNumberID string
	Timeout       time.Duration
}

func (c WhatsAppConfig) Configured() bool {
	return strings.TrimSpace(c.AccessToken) != "" && strings.TrimSpace(c.PhoneNumberID) != ""
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type errorResponse struct {
	Error struct {
		Message      string `json:"message"`
		Type         string `json:"type"`
		Code         int    `json:"code"`
		ErrorSubcode int    `json:"error_subcode"`
		ErrorData    struct {
			Details string `json:"details"`
		} `json:"error_data"`
	} `json:"error"`
}

// WhatsAppProvider sends template messages through the WhatsApp Cloud API.
type WhatsAppProvider struct {
	client   *resty.Client
	endpoint string
	token    string
}

func NewWhatsAppProvider(cfg WhatsAppConfig) (*WhatsAppProvider, error) {
	client := resty.New()
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultWhatsAppTimeout
	}
	client.SetTimeout(timeout)
	client.SetRetryCount(0)

	return NewWhatsAppProviderWithClient(cfg, client)
}

func NewWhatsAppProviderWithClient(cfg WhatsAppConfig, client *resty.Client) (*WhatsAppProvider, error) {
	if !cfg.Configured() {
		return nil, fmt.Errorf("whatsapp access token and phone number id are required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid whatsapp base url: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultWhatsAppTimeout)
	}
	// Retries are owned by the message sender.
	client.SetRetryCount(0)

	return &WhatsAppProvider{
		client:   client,
		endpoint: fmt.Sprintf("%s/%s/messages", baseURL, strings.TrimSpace(cfg.PhoneNumberID)),
		token:    strings.TrimSpace(cfg.AccessToken),
	}, nil
}

func (p *WhatsAppProvider) Send(ctx context.Context, payload TemplatePayload) (*ProviderResponse, error) {
	if p == nil || p.client == nil {
		return nil, fmt.Errorf("provider is not initialized")
	}
	if strings.TrimSpace(payload.To) == "" {
		return nil, fmt.Errorf("payload recipient is required")
	}
	if strings.TrimSpace(payload.Template.Name) == "" {
		return nil, fmt.Errorf("payload template name is required")
	}

	response, err := p.client.R().
		SetContext(ctx).
		SetAuthToken(p.token).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		Post(p.endpoint)
	if err != nil {
		return nil, &ProviderError{
			Message:   "provider request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}
	if response == nil {
		return nil, &ProviderError{
			Message:   "provider returned empty response",
			Transient: true,
		}
	}

	statusCode := response.StatusCode()
	body := strings.TrimSpace(response.String())

	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		messageID, err := parseMessageID(response.Body())
		if err != nil {
			return nil, &ProviderError{
				StatusCode: statusCode,
				Message:    "provider response did not contain a message id",
				Cause:      err,
			}
		}
		return &ProviderResponse{
			StatusCode: statusCode,
			Body:       body,
			MessageID:  messageID,
		}, nil
	}

	return nil, parseErrorResponse(statusCode, response.Body())
}

func parseMessageID(body []byte) (string, error) {
	var parsed sendResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", err
	}
	if len(parsed.Messages) == 0 || strings.TrimSpace(parsed.Messages[0].ID) == "" {
		return "", fmt.Errorf("messages array is empty")
	}
	return parsed.Messages[0].ID, nil
}

func parseErrorResponse(statusCode int, body []byte) *ProviderError {
	providerErr := &ProviderError{
		StatusCode: statusCode,
		Transient:  isTransientHTTPStatus(statusCode),
	}

	var parsed errorResponse
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		providerErr.Code = parsed.Error.Code
		providerErr.Message = parsed.Error.Message
		if details := strings.TrimSpace(parsed.Error.ErrorData.Details); details != "" {
			providerErr.Message = fmt.Sprintf("%s (%s)", providerErr.Message, details)
		}
	} else {
		providerErr.Message = providerErrorMessage(statusCode, strings.TrimSpace(string(body)))
	}

	providerErr.RateLimited = isRateLimitResponse(statusCode, providerErr.Code)
	return providerErr
}

func providerErrorMessage(statusCode int, body string) string {
	base := fmt.Sprintf("provider returned status %d", statusCode)
	if body == "" {
		return base
	}
	return fmt.Sprintf("%s: %s", base, body)
}
