package cache

import (
	"context"
	"time"

	"github.com/maypok86/otter/v2"
	"github.com/maypok86/otter/v2/stats"
)

// Expiry selects how a Memory cache ages out entries.
type Expiry int

const (
	// ExpireAfterCreate drops an entry a fixed time after it was stored.
	ExpireAfterCreate Expiry = iota
	// ExpireAfterAccess drops an entry that has not been read or written
	// for the configured time.
	ExpireAfterAccess
)

// MemoryOptions configures a Memory cache.
type MemoryOptions[V any] struct {
	MaxSize int
	TTL     time.Duration
	Expiry  Expiry

	// OnRemove is called after a value leaves the cache for any reason
	// other than being replaced, so that resources it holds can be released.
	OnRemove func(key string, value V)
}

// Memory is an in-memory cache implementation using otter.
type Memory[V any] struct {
	cache   *otter.Cache[string, V]
	counter *stats.Counter
}

// NewMemory creates an in-memory cache.
func NewMemory[V any](opts MemoryOptions[V]) (*Memory[V], error) {
	counter := stats.NewCounter()

	o := &otter.Options[string, V]{
		MaximumSize:   opts.MaxSize,
		StatsRecorder: counter,
	}

	if opts.TTL > 0 {
		switch opts.Expiry {
		case ExpireAfterAccess:
			o.ExpiryCalculator = otter.ExpiryAccessing[string, V](opts.TTL)
		default:
			o.ExpiryCalculator = otter.ExpiryCreating[string, V](opts.TTL)
		}
	}

	if opts.OnRemove != nil {
		onRemove := opts.OnRemove
		o.OnDeletion = func(e otter.DeletionEvent[string, V]) {
			if e.Cause == otter.CauseReplacement {
				return
			}
			onRemove(e.Key, e.Value)
		}
	}

	cache, err := otter.New(o)
	if err != nil {
		return nil, err
	}

	return &Memory[V]{
		cache:   cache,
		counter: counter,
	}, nil
}

func (m *Memory[V]) Get(_ context.Context, key string) (V, bool, error) {
	value, ok := m.cache.GetIfPresent(key)
	return value, ok, nil
}

func (m *Memory[V]) Load(ctx context.Context, key string, load LoadFunc[V]) (V, error) {
	return m.cache.Get(ctx, key, otter.LoaderFunc[string, V](load))
}

func (m *Memory[V]) Set(_ context.Context, key string, value V) error {
	m.cache.Set(key, value)
	return nil
}

func (m *Memory[V]) Invalidate(_ context.Context, key string) error {
	m.cache.Invalidate(key)
	return nil
}

func (m *Memory[V]) Close() error {
	m.cache.InvalidateAll()
	return nil
}

// Len returns the number of cached values.
func (m *Memory[V]) Len() int {
	return m.cache.EstimatedSize()
}

// Stats returns hit, miss and eviction counts since creation.
func (m *Memory[V]) Stats() stats.Stats {
	return m.counter.Snapshot()
}
