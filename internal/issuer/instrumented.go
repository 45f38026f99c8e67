package issuer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/evolution-openai/evolution-bridge/internal/credential"
	"github.com/evolution-openai/evolution-bridge/internal/token"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce      sync.Once
	issuanceCount    metric.Int64Counter
	issuanceDuration metric.Float64Histogram
	tracer           = otel.Tracer("github.com/evolution-openai/evolution-bridge/internal/issuer")
)

func initMetrics() {
	metricsOnce.Do(func() {
		meter := otel.Meter("github.com/evolution-openai/evolution-bridge/internal/issuer")

		var err error
		issuanceCount, err = meter.Int64Counter(
			"token.issuance",
			metric.WithDescription("Total token issuance attempts"),
		)
		if err != nil {
			otel.Handle(err)
		}

		issuanceDuration, err = meter.Float64Histogram(
			"token.issuance.duration",
			metric.WithDescription("Token issuance duration"),
			metric.WithUnit("s"),
		)
		if err != nil {
			otel.Handle(err)
		}
	})
}

// Instrumented wraps an issuer with a span and issuance metrics.
type Instrumented struct {
	wrapped token.Issuer
}

func NewInstrumented(wrapped token.Issuer) *Instrumented {
	initMetrics()
	return &Instrumented{wrapped: wrapped}
}

func (i *Instrumented) Issue(ctx context.Context, cred credential.Credential) (token.Token, error) {
	ctx, span := tracer.Start(ctx, "token.issue")
	defer span.End()

	start := time.Now()
	t, err := i.wrapped.Issue(ctx, cred)
	duration := time.Since(start)

	status := issuanceStatus(err)

	attrs := metric.WithAttributes(attribute.String("token.issuance.status", status))
	if issuanceCount != nil {
		issuanceCount.Add(ctx, 1, attrs)
	}
	if issuanceDuration != nil {
		issuanceDuration.Record(ctx, duration.Seconds(), attrs)
	}

	span.SetAttributes(
		attribute.String("token.issuance.status", status),
		attribute.Float64("token.issuance.duration", duration.Seconds()),
	)
	if err != nil {
		span.RecordError(err)
	} else {
		span.SetAttributes(attribute.String("token.expires_at", t.ExpiresAt.UTC().Format(time.RFC3339)))
	}

	return t, err
}

func issuanceStatus(err error) string {
	if err == nil {
		return "success"
	}

	var issueErr *Error
	if errors.As(err, &issueErr) {
		return issueErr.Kind.String()
	}

	return "error"
}

