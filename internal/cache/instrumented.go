package cache

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	metricsOnce     sync.Once
	cacheOperations metric.Int64Counter
	cacheDuration   metric.Float64Histogram
)

func initMetrics() {
	metricsOnce.Do(func() {
		meter := otel.Meter("github.com/evolution-openai/evolution-bridge/internal/cache")

		var err error
		cacheOperations, err = meter.Int64Counter(
			"cache.operations",
			metric.WithDescription("Total cache operations"),
		)
		if err != nil {
			otel.Handle(err)
		}

		cacheDuration, err = meter.Float64Histogram(
			"cache.operation.duration",
			metric.WithDescription("Cache operation duration"),
			metric.WithUnit("s"),
		)
		if err != nil {
			otel.Handle(err)
		}
	})
}

// Instrumented wraps a Store with metrics and span attributes. The name
// distinguishes caches in the recorded attributes.
type Instrumented[V any] struct {
	wrapped Store[V]
	name    string
}

func NewInstrumented[V any](store Store[V], name string) *Instrumented[V] {
	initMetrics()
	return &Instrumented[V]{
		wrapped: store,
		name:    name,
	}
}

func (i *Instrumented[V]) Get(ctx context.Context, key string) (V, bool, error) {
	start := time.Now()

	value, found, err := i.wrapped.Get(ctx, key)

	status := "miss"
	if err != nil {
		status = "error"
	} else if found {
		status = "hit"
	}
	i.record(ctx, "get", status, time.Since(start))

	return value, found, err
}

// Load records "hit" when the value was cached, "load" when this call
// created it and "error" when loading failed.
func (i *Instrumented[V]) Load(ctx context.Context, key string, load LoadFunc[V]) (V, error) {
	start := time.Now()

	loaded := false
	value, err := i.wrapped.Load(ctx, key, func(ctx context.Context, key string) (V, error) {
		loaded = true
		return load(ctx, key)
	})

	status := "hit"
	if err != nil {
		status = "error"
	} else if loaded {
		status = "load"
	}
	i.record(ctx, "load", status, time.Since(start))

	return value, err
}

func (i *Instrumented[V]) Set(ctx context.Context, key string, value V) error {
	start := time.Now()
	err := i.wrapped.Set(ctx, key, value)
	i.record(ctx, "set", resultStatus(err), time.Since(start))
	return err
}

func (i *Instrumented[V]) Invalidate(ctx context.Context, key string) error {
	start := time.Now()
	err := i.wrapped.Invalidate(ctx, key)
	i.record(ctx, "invalidate", resultStatus(err), time.Since(start))
	return err
}

func (i *Instrumented[V]) Close() error {
	return i.wrapped.Close()
}

func resultStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (i *Instrumented[V]) record(ctx context.Context, operation, status string, duration time.Duration) {
	if cacheOperations != nil {
		cacheOperations.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("cache.name", i.name),
				attribute.String("cache.operation", operation),
				attribute.String("cache.status", status),
			),
		)
	}

	if cacheDuration != nil {
		cacheDuration.Record(ctx, duration.Seconds(),
			metric.WithAttributes(
				attribute.String("cache.name", i.name),
				attribute.String("cache.operation", operation),
			),
		)
	}

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("cache.name", i.name),
		attribute.String("cache."+operation+".status", status),
		attribute.Float64("cache."+operation+".duration", duration.Seconds()),
	)
}
