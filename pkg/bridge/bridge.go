// Package bridge runs session work from any call site. A call made outside
// bridged work is driven on the caller's goroutine; a call made from inside
// bridged work is handed to a fresh worker goroutine and the caller blocks
// until it finishes.
package bridge

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

type scopeKey struct{}

type Stats struct {
	Direct    int64 `json:"direct"`
	Offloaded int64 `json:"offloaded"`
}

type Bridge struct {
	timeout   time.Duration
	logger    *logrus.Logger
	direct    atomic.Int64
	offloaded atomic.Int64
}

// New returns a bridge that bounds every operation by timeout. Zero means
// no bound beyond the caller's context.
func New(timeout time.Duration, logger *logrus.Logger) *Bridge {
	return &Bridge{timeout: timeout, logger: logger}
}

// InScope reports whether ctx belongs to work already running on a bridge.
func InScope(ctx context.Context) bool {
	_, ok := ctx.Value(scopeKey{}).(*Bridge)
	return ok
}

func (b *Bridge) Stats() Stats {
	return Stats{Direct: b.direct.Load(), Offloaded: b.offloaded.Load()}
}

func (b *Bridge) scoped(parent context.Context) (context.Context, context.CancelFunc) {
	ctx := context.WithValue(parent, scopeKey{}, b)
	if b.timeout > 0 {
		return context.WithTimeout(ctx, b.timeout)
	}
	return context.WithCancel(ctx)
}

type outcome[T any] struct {
	val T
	err error
}

// call runs op, converting a panic into an error with a zero value.
func call[T any](ctx context.Context, op func(ctx context.Context) (T, error)) (val T, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			val, err = zero, fmt.Errorf("bridged operation panicked: %v", r)
		}
	}()
	return op(ctx)
}

// Run executes op and returns its result. Both paths return the same result
// for the same op, a recovered panic included.
func Run[T any](ctx context.Context, b *Bridge, op func(ctx context.Context) (T, error)) (T, error) {
	if !InScope(ctx) {
		b.direct.Add(1)
		scoped, cancel := b.scoped(ctx)
		defer cancel()
		return call(scoped, op)
	}

	b.offloaded.Add(1)
	b.logger.Debug("Nested bridge call, offloading to worker")

	// The worker does not inherit the caller's cancellation: once a
	// submission starts it runs to completion so the session is released.
	scoped, cancel := b.scoped(context.WithoutCancel(ctx))
	defer cancel()

	done := make(chan outcome[T], 1)
	go func() {
		var out outcome[T]
		out.val, out.err = call(scoped, op)
		done <- out
	}()

	out := <-done
	return out.val, out.err
}
