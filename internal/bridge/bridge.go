// Package bridge turns a callback-based external operation into a single
// blocking call.
//
// The operation is started by an Initiator that is handed a Completion before
// anything runs, so there is no window in which it can finish unobserved.
// Whichever callback reaches the Completion first decides the Outcome; later
// calls are ignored.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrInterrupted is reported when the wait ends before any callback fired.
	ErrInterrupted = errors.New("interrupted while waiting for sign-in")
	// ErrNoCause replaces a nil error passed to Failure.
	ErrNoCause = errors.New("operation failed without a cause")
)

// Outcome holds either a value or a failure cause, never both.
type Outcome[T any] struct {
	value T
	err   error
}

// Success wraps v.
func Success[T any](v T) Outcome[T] {
	return Outcome[T]{value: v}
}

// Failure wraps err. A nil err becomes ErrNoCause.
func Failure[T any](err error) Outcome[T] {
	if err == nil {
		err = ErrNoCause
	}
	return Outcome[T]{err: err}
}

// Get returns the value or the failure cause.
func (o Outcome[T]) Get() (T, error) {
	return o.value, o.err
}

// Err returns the failure cause, or nil on success.
func (o Outcome[T]) Err() error {
	return o.err
}

// Succeeded reports whether the outcome carries a value.
func (o Outcome[T]) Succeeded() bool {
	return o.err == nil
}

// Completion is a single-assignment result cell that callbacks write into.
// It is safe to use from any goroutine.
type Completion[T any] struct {
	once sync.Once
	done chan Outcome[T]
}

// NewCompletion returns an unresolved Completion.
func NewCompletion[T any]() *Completion[T] {
	return &Completion[T]{done: make(chan Outcome[T], 1)}
}

// Succeed resolves the completion with v. It returns false if already resolved.
func (c *Completion[T]) Succeed(v T) bool {
	return c.resolve(Success(v))
}

// Fail resolves the completion with err. It returns false if already resolved.
func (c *Completion[T]) Fail(err error) bool {
	return c.resolve(Failure[T](err))
}

func (c *Completion[T]) resolve(o Outcome[T]) bool {
	won := false
	c.once.Do(func() {
		c.done <- o
		won = true
	})
	return won
}

// Initiator starts one external operation that will report through c.
// A returned error means the operation never started.
type Initiator[T any] func(ctx context.Context, c *Completion[T]) error

// Await runs start and blocks until the operation reports or ctx ends.
func Await[T any](ctx context.Context, start Initiator[T]) Outcome[T] {
	c := NewCompletion[T]()
	if err := start(ctx, c); err != nil {
		c.Fail(err)
	}

	select {
	case o := <-c.done:
		return o
	case <-ctx.Done():
		interrupted := Failure[T](fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err()))
		if c.resolve(interrupted) {
			<-c.done
			return interrupted
		}
		// A callback got there first.
		return <-c.done
	}
}
