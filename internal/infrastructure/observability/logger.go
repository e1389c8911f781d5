package observability

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
)

// Log field names shared by the HTTP layer and the pipeline
const (
	FieldTenantID       = "tenant_id"
	FieldUserID         = "user_id"
	FieldTaskID         = "task_id"
	FieldIdempotencyKey = "idempotency_key"
)

// InitLogger initializes the global zerolog logger
func InitLogger(serviceName, env string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.DurationFieldUnit = time.Millisecond

	if env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}).With().
			Str("service", serviceName).
			Logger()
		return
	}
	log.Logger = zerolog.New(os.Stdout).
		With().
		Timestamp().
		Caller().
		Str("service", serviceName).
		Str("env", env).
		Logger()
}

type scopeKey struct{}

// logScope is an immutable list of fields; each WithLogField call copies it
type logScope []logField

type logField struct {
	key, value string
}

// WithLogField returns a context whose loggers carry key=value. Empty values
// are skipped and a repeated key replaces the earlier value.
func WithLogField(ctx context.Context, key, value string) context.Context {
	if value == "" {
		return ctx
	}
	prev, _ := ctx.Value(scopeKey{}).(logScope)
	next := make(logScope, 0, len(prev)+1)
	for _, f := range prev {
		if f.key != key {
			next = append(next, f)
		}
	}
	next = append(next, logField{key: key, value: value})
	return context.WithValue(ctx, scopeKey{}, next)
}

// WithTask tags ctx with the task being worked on
func WithTask(ctx context.Context, taskID string) context.Context {
	return WithLogField(ctx, FieldTaskID, taskID)
}

// LoggerFromContext returns the global logger enriched with the trace
// context and any fields attached with WithLogField
func LoggerFromContext(ctx context.Context) *zerolog.Logger {
	lc := log.With()

	if scope, ok := ctx.Value(scopeKey{}).(logScope); ok {
		for _, f := range scope {
			lc = lc.Str(f.key, f.value)
		}
	}

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		lc = lc.
			Str("trace_id", span.SpanContext().TraceID().String()).
			Str("span_id", span.SpanContext().SpanID().String())
	}

	logger := lc.Logger()
	return &logger
}

// GetLogger returns the global logger
func GetLogger() *zerolog.Logger {
	return &log.Logger
}

// SetLevel applies a zerolog level name globally; unknown names keep info
func SetLevel(level string) {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
}
