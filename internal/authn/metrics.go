package authn

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce     sync.Once
	forcedRefreshes metric.Int64Counter
)

func initMetrics() {
	metricsOnce.Do(func() {
		meter := otel.Meter("github.com/evolution-openai/evolution-bridge/internal/authn")

		var err error
		forcedRefreshes, err = meter.Int64Counter(
			"token.forced_refresh",
			metric.WithDescription("Token refreshes forced by an authorization failure"),
		)
		if err != nil {
			otel.Handle(err)
		}
	})
}

func recordForcedRefresh(ctx context.Context, status int) {
	initMetrics()

	if forcedRefreshes != nil {
		forcedRefreshes.Add(ctx, 1, metric.WithAttributes(attribute.Int("http.response.status_code", status)))
	}
}
