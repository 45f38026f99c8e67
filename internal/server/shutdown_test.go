package server

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type closerFunc func()

func (f closerFunc) Close() { f() }

func TestShutdownHooks_Register(t *testing.T) {
	hooks := &ShutdownHooks{}

	hooks.AddContext("context", func(context.Context) error { return nil })
	hooks.Add("simple", func() error { return nil })
	hooks.AddClose("closer", closerFunc(func() {}))

	assert.Equal(t, 3, hooks.Len())
}

func TestShutdownHooks_IgnoresNil(t *testing.T) {
	hooks := &ShutdownHooks{}

	hooks.AddContext("nil-context", nil)
	hooks.Add("nil-simple", nil)
	hooks.AddClose("nil-closer", nil)

	assert.Equal(t, 0, hooks.Len())
}

func TestShutdownHooks_ExecuteInOrder(t *testing.T) {
	hooks := &ShutdownHooks{}
	var order []string

	hooks.AddContext("context", func(context.Context) error {
		order = append(order, "context")
		return nil
	})
	hooks.Add("simple", func() error {
		order = append(order, "simple")
		return nil
	})
	hooks.AddClose("closer", closerFunc(func() {
		order = append(order, "closer")
	}))

	hooks.Execute(context.Background())

	assert.Equal(t, []string{"context", "simple", "closer"}, order)
}

func TestShutdownHooks_ContinuesAfterFailures(t *testing.T) {
	hooks := &ShutdownHooks{}
	var executed []string

	hooks.Add("error", func() error {
		executed = append(executed, "error")
		return errors.New("close failed")
	})
	hooks.Add("panic", func() error {
		executed = append(executed, "panic")
		panic("boom")
	})
	hooks.Add("last", func() error {
		executed = append(executed, "last")
		return nil
	})

	assert.NotPanics(t, func() { hooks.Execute(context.Background()) })
	assert.Equal(t, []string{"error", "panic", "last"}, executed)
}

func TestShutdownHooks_PassesContext(t *testing.T) {
	type ctxKey struct{}
	hooks := &ShutdownHooks{}

	var received any
	hooks.AddContext("ctx", func(ctx context.Context) error {
		received = ctx.Value(ctxKey{})
		return nil
	})

	hooks.Execute(context.WithValue(context.Background(), ctxKey{}, "value"))

	assert.Equal(t, "value", received)
}

func TestShutdownHooks_ZeroValue(t *testing.T) {
	var hooks ShutdownHooks
	assert.NotPanics(t, func() { hooks.Execute(context.Background()) })
}
