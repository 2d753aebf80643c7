package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/xkilldash9x/tabpilot/internal/events"
)

// Result is one handler's outcome.
type Result struct {
	Handler string
	Value   any
	Err     error
	Elapsed time.Duration
}

// Handle is returned by Dispatch and resolves once every handler has run.
type Handle struct {
	Event events.Event

	bus     *Bus
	claimed atomic.Bool
	done    chan struct{}
	results []Result
	err     error
}

func (h *Handle) finish(results []Result, err error) {
	h.results = results
	h.err = err
	close(h.done)
}

// Done is closed when the event has been fully handled.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until every handler has run and returns their joined errors.
// Called from inside a handler on the same bus, it runs a still-queued event
// inline so nested request/response cannot deadlock the dispatcher.
func (h *Handle) Wait(ctx context.Context) error {
	if f := frameFrom(ctx); f != nil && f.bus == h.bus {
		h.bus.process(ctx, h)
	}
	select {
	case <-h.done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for %s: %w", h.Event.EventType(), ctx.Err())
	}
	if h.err != nil {
		return h.err
	}
	var errs []error
	for _, r := range h.results {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	default:
		return errors.Join(errs...)
	}
}

// Results returns every handler result in execution order. It is only
// meaningful after Done is closed.
func (h *Handle) Results() []Result {
	select {
	case <-h.done:
		return h.results
	default:
		return nil
	}
}

// Result waits and returns the first non-nil handler value. Any handler error
// is returned instead of a value.
func (h *Handle) Result(ctx context.Context) (any, error) {
	if err := h.Wait(ctx); err != nil {
		return nil, err
	}
	for _, r := range h.results {
		if r.Value != nil {
			return r.Value, nil
		}
	}
	return nil, fmt.Errorf("%w for %s", ErrNoResult, h.Event.EventType())
}

// ResultOf waits for h and returns its first result as T.
func ResultOf[T any](ctx context.Context, h *Handle) (T, error) {
	var zero T
	v, err := h.Result(ctx)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("result of %s has type %T, want %T", h.Event.EventType(), v, zero)
	}
	return t, nil
}
