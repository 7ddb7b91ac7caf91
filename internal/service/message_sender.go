package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/wa-dispatcher/internal/domain"
	"github.com/kursadbilgin/wa-dispatcher/internal/observability"
	"github.com/kursadbilgin/wa-dispatcher/internal/phone"
	"github.com/kursadbilgin/wa-dispatcher/internal/provider"
	"go.uber.org/zap"
)

const (
	DefaultSendMaxRetries  = 3
	DefaultSendBaseBackoff = time.Second
)

// Sender delivers one templated message to one recipient.
type Sender interface {
	Send(ctx context.Context, phoneNumber, templateName string, params map[string]string) (*MessageResult, error)
}

// MessageResult is the outcome of a successful send.
type MessageResult struct {
	MessageID string
	Phone     string
	Attempts  int
}

// SendError is returned when a message could not be delivered, either
// because the input was invalid or because every attempt failed.
type SendError struct {
	Phone    string
	Attempts int
	Err      error
}

func (e *SendError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Attempts == 0 {
		return fmt.Sprintf("send to %s rejected: %v", e.Phone, e.Err)
	}
	return fmt.Sprintf("send to %s failed after %d attempt(s): %v", e.Phone, e.Attempts, e.Err)
}

func (e *SendError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Reason is the last underlying error message, without the attempt prefix.
func (e *SendError) Reason() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

type SenderConfig struct {
	MaxRetries     int
	BaseBackoff    time.Duration
	LanguageCode   string
	HeaderImageURL string
}

// MessageSender formats the recipient, builds the template payload and calls
// the provider. Only rate-limit responses are retried, with exponential
// backoff; every other failure is returned immediately.
type MessageSender struct {
	provider    provider.Provider
	builder     provider.PayloadBuilder
	maxRetries  int
	baseBackoff time.Duration
	logger      *zap.Logger
	metrics     *observability.Metrics
	now         func() time.Time
	sleep       sleepFunc
}

var _ Sender = (*MessageSender)(nil)

func NewMessageSender(p provider.Provider, cfg SenderConfig, logger *zap.Logger) (*MessageSender, error) {
	if p == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = DefaultSendMaxRetries
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = DefaultSendBaseBackoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &MessageSender{
		provider: p,
		builder: provider.PayloadBuilder{
			LanguageCode:   cfg.LanguageCode,
			HeaderImageURL: cfg.HeaderImageURL,
		},
		maxRetries:  cfg.MaxRetries,
		baseBackoff: cfg.BaseBackoff,
		logger:      logger,
		now:         time.Now,
		sleep:       sleepWithContext,
	}, nil
}

func (s *MessageSender) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

func (s *MessageSender) Send(ctx context.Context, phoneNumber, templateName string, params map[string]string) (*MessageResult, error) {
	formatted, err := phone.Format(phoneNumber)
	if err != nil {
		return nil, &SendError{
			Phone: phoneNumber,
			Err:   fmt.Errorf("%w: %w", domain.ErrValidation, err),
		}
	}
	if strings.TrimSpace(templateName) == "" {
		return nil, &SendError{
			Phone: formatted,
			Err:   fmt.Errorf("%w: template name is required", domain.ErrValidation),
		}
	}

	payload := s.builder.Build(formatted, templateName, params)

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			delay := s.backoff(attempt)
			s.logger.Info("retry scheduled",
				zap.String("phone", formatted),
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", delay),
				zap.Error(lastErr),
			)
			s.metrics.IncSendRetry(templateName)
			if err := s.sleep(ctx, delay); err != nil {
				return nil, &SendError{Phone: formatted, Attempts: attempts, Err: err}
			}
		}

		attempts++
		start := s.now()
		resp, sendErr := s.provider.Send(ctx, payload)
		s.metrics.ObserveSendDuration(templateName, s.now().Sub(start))

		if sendErr == nil && resp != nil {
			return &MessageResult{
				MessageID: resp.MessageID,
				Phone:     formatted,
				Attempts:  attempts,
			}, nil
		}
		if sendErr == nil {
			sendErr = errors.New("provider returned no response")
		}

		lastErr = sendErr
		if !provider.IsRateLimited(sendErr) || ctx.Err() != nil {
			break
		}
	}

	return nil, &SendError{Phone: formatted, Attempts: attempts, Err: lastErr}
}

// backoff returns the wait before retry number attempt: base, 2*base, 4*base...
func (s *MessageSender) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return s.baseBackoff << (attempt - 1)
}
