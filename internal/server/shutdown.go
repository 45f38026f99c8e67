package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

type hook struct {
	name string
	fn   func(context.Context) error
}

// ShutdownHooks collects cleanup steps for a server or client. Hooks run in
// registration order; a failing or panicking hook is logged and the
// remaining hooks still run. The zero value is ready to use.
type ShutdownHooks struct {
	mu    sync.Mutex
	hooks []hook
}

// AddContext registers a hook that receives the shutdown context, which may
// carry a deadline. Nil hooks are ignored.
func (s *ShutdownHooks) AddContext(name string, fn func(context.Context) error) {
	if fn == nil {
		log.Warn().Str("hook", name).Msg("ignoring nil shutdown hook")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	log.Debug().Str("hook", name).Msg("shutdown hook registered")
	s.hooks = append(s.hooks, hook{name: name, fn: fn})
}

// Add registers a hook that does not need the shutdown context.
func (s *ShutdownHooks) Add(name string, fn func() error) {
	if fn == nil {
		log.Warn().Str("hook", name).Msg("ignoring nil shutdown hook")
		return
	}

	s.AddContext(name, func(context.Context) error {
		return fn()
	})
}

// AddClose registers a resource's Close method as a hook.
func (s *ShutdownHooks) AddClose(name string, closer interface{ Close() }) {
	if closer == nil {
		log.Warn().Str("hook", name).Msg("ignoring nil shutdown hook")
		return
	}

	s.AddContext(name, func(context.Context) error {
		closer.Close()
		return nil
	})
}

// Len returns the number of registered hooks.
func (s *ShutdownHooks) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.hooks)
}

// Execute runs every registered hook. Failures are logged, never returned.
func (s *ShutdownHooks) Execute(ctx context.Context) {
	s.mu.Lock()
	hooks := append([]hook(nil), s.hooks...)
	s.mu.Unlock()

	l := log.Ctx(ctx)
	for _, h := range hooks {
		hookLog := l.With().Str("hook", h.name).Logger()

		if err := run(ctx, h); err != nil {
			hookLog.Warn().Err(err).Msg("shutdown hook failed")
			continue
		}
		hookLog.Debug().Msg("shutdown hook complete")
	}
}

func run(ctx context.Context, h hook) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	return h.fn(ctx)
}
