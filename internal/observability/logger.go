package observability

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type correlationIDKey struct{}

// NewLogger builds the JSON production logger for one process. Every entry
// carries the service name so api and worker output can share a sink.
func NewLogger(level string, service string) (*zap.Logger, error) {
	name := strings.TrimSpace(level)
	if name == "" {
		name = zapcore.InfoLevel.String()
	}
	lvl, err := zapcore.ParseLevel(strings.ToLower(name))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	encoder := zap.NewProductionEncoderConfig()
	encoder.TimeKey = "timestamp"
	encoder.EncodeTime = zapcore.ISO8601TimeEncoder

	cfg := zap.Config{
		Level:             zap.NewAtomicLevelAt(lvl),
		Encoding:          "json",
		EncoderConfig:     encoder,
		OutputPaths:       []string{"stderr"},
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: true,
		Sampling:          &zap.SamplingConfig{Initial: 100, Thereafter: 100},
	}
	if service != "" {
		cfg.InitialFields = map[string]any{"service": service}
	}

	logger, err := cfg.Build(zap.AddCaller())
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, correlationIDKey{}, correlationID)
}

func CorrelationIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, _ := ctx.Value(correlationIDKey{}).(string)
	return id, id != ""
}

// WithContextLogger adds the request correlation id, when ctx has one.
func WithContextLogger(logger *zap.Logger, ctx context.Context) *zap.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(contextFields(ctx)...)
}

// CampaignLogger scopes logger to one campaign run, carrying the correlation
// id from ctx when present.
func CampaignLogger(logger *zap.Logger, ctx context.Context, campaignID string) *zap.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	fields := append(contextFields(ctx), zap.String("campaignId", campaignID))
	return logger.With(fields...)
}

func contextFields(ctx context.Context) []zap.Field {
	id, ok := CorrelationIDFromContext(ctx)
	if !ok {
		return nil
	}
	return []zap.Field{zap.String("correlationId", id)}
}
