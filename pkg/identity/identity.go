package identity

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/agentgate/pkg/auth"
	"github.com/platinummonkey/agentgate/pkg/observability"
)

// Options carries the collaborators shared by every service in this package
type Options struct {
	Tokens  *auth.TokenGenerator
	Metrics *observability.Metrics
	Logger  *observability.Logger
	// Clock overrides time.Now, for tests
	Clock func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Tokens == nil {
		o.Tokens = auth.NewTokenGenerator(auth.DefaultHashCost)
	}
	if o.Logger == nil {
		o.Logger = observability.NewNopLogger()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

func (o Options) now() time.Time {
	return o.Clock().UTC()
}

// storeFailure records and wraps a persistence error as INTERNAL
func (o Options) storeFailure(ctx context.Context, operation string, err error) *auth.Error {
	if o.Metrics != nil {
		o.Metrics.StoreErrorsTotal.WithLabelValues(operation).Inc()
	}
	observability.WithTraceContext(ctx, observability.FromContextOr(ctx, o.Logger)).
		WithError(err).WithField("operation", operation).Error("store operation failed")
	return auth.Internal(err)
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return observability.Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// endSpan marks the span failed with the error code when err is non-nil
func endSpan(span trace.Span, err error) {
	if err != nil {
		code := string(auth.CodeOf(err))
		span.SetAttributes(attribute.String("agentgate.error_code", code))
		span.SetStatus(codes.Error, code)
	}
	span.End()
}
