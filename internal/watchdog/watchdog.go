// Package watchdog binds reactive components to the event bus.
//
// A watchdog declares the event types it consumes and produces, and handles an
// event by implementing the matching XxxHandler interface from handlers.go.
// Attach checks the declaration against the implemented interfaces once, then
// registers every handler behind a wrapper that logs, times and, on an
// unexpected failure, recovers the focused session before returning the
// original error.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/tabpilot/internal/browsererr"
	"github.com/xkilldash9x/tabpilot/internal/eventbus"
	"github.com/xkilldash9x/tabpilot/internal/events"
)

// Watchdog is a component attached to one browser for its whole lifetime.
type Watchdog interface {
	Name() string
	ListensTo() []events.Type
	Emits() []events.Type
}

// Recoverer re-creates the protocol session of the focused target.
type Recoverer interface {
	RecoverFocus(ctx context.Context, timeout time.Duration) error
}

// Framework attaches watchdogs to one bus.
type Framework struct {
	bus             *eventbus.Bus
	recoverer       Recoverer
	logger          *zap.Logger
	recoveryTimeout time.Duration

	attached []Watchdog
}

// New returns a Framework. recoverer may be nil, in which case failures are
// only logged.
func New(bus *eventbus.Bus, recoverer Recoverer, logger *zap.Logger, recoveryTimeout time.Duration) *Framework {
	if recoveryTimeout <= 0 {
		recoveryTimeout = 5 * time.Second
	}
	return &Framework{
		bus:             bus,
		recoverer:       recoverer,
		logger:          logger.Named("watchdog"),
		recoveryTimeout: recoveryTimeout,
	}
}

// Attach registers w's handlers. It fails, registering nothing, when w
// implements a handler for a type it does not declare or when one of its
// handlers is already on the bus. Declared types without a handler only warn.
func (f *Framework) Attach(w Watchdog) error {
	name := w.Name()
	logger := f.logger.With(zap.String("watchdog", name))
	declared := w.ListensTo()

	var undeclared []string
	for _, t := range sortedTypes() {
		if _, ok := binders[t](w); ok && !slices.Contains(declared, t) {
			undeclared = append(undeclared, string(t))
		}
	}
	if len(undeclared) > 0 {
		return fmt.Errorf("%w: %s handles %v", browsererr.ErrUndeclaredHandler, name, undeclared)
	}

	type pending struct {
		t  events.Type
		fn eventbus.HandlerFunc
	}
	var regs []pending
	for _, t := range declared {
		b, known := binders[t]
		if !known {
			logger.Warn("Declared event type has no handler interface", zap.String("event", string(t)))
			continue
		}
		fn, ok := b(w)
		if !ok {
			logger.Warn("Declared event type is not handled", zap.String("event", string(t)))
			continue
		}
		if slices.Contains(f.bus.HandlerNames(t), name) {
			return fmt.Errorf("%w: %s on %s", browsererr.ErrDuplicateHandler, name, t)
		}
		regs = append(regs, pending{t: t, fn: f.wrap(name, t, fn)})
	}

	for _, r := range regs {
		if err := f.bus.On(r.t, name, r.fn); err != nil {
			return err
		}
	}
	f.attached = append(f.attached, w)
	logger.Debug("Watchdog attached", zap.Int("handlers", len(regs)))
	return nil
}

// Attached returns the watchdogs attached so far, in order.
func (f *Framework) Attached() []Watchdog { return slices.Clone(f.attached) }

func (f *Framework) wrap(name string, t events.Type, fn eventbus.HandlerFunc) eventbus.HandlerFunc {
	logger := f.logger.With(zap.String("watchdog", name), zap.String("event", string(t)))
	return func(ctx context.Context, ev events.Event) (any, error) {
		start := time.Now()
		logger.Debug("Handler started", zap.String("event_id", ev.EventHeader().ID))

		v, err := fn(ctx, ev)
		elapsed := time.Since(start)
		if err == nil {
			logger.Debug("Handler finished", zap.Duration("elapsed", elapsed))
			return v, nil
		}
		if !recoverable(err) {
			logger.Debug("Handler returned error", zap.Duration("elapsed", elapsed), zap.Error(err))
			return v, err
		}

		logger.Error("Handler failed, recovering focused session",
			zap.Duration("elapsed", elapsed), zap.Error(err))
		if f.recoverer == nil {
			return nil, err
		}
		// The handler's own deadline may already be spent.
		rerr := f.recoverer.RecoverFocus(context.WithoutCancel(ctx), f.recoveryTimeout)
		switch {
		case rerr == nil:
		case errors.Is(rerr, context.DeadlineExceeded):
			logger.Error("Session recovery timed out", zap.Error(rerr))
			return nil, fmt.Errorf("%w after %s failed: %w (recovery: %v)", browsererr.ErrRecoveryFailed, name, err, rerr)
		default:
			logger.Warn("Session recovery failed", zap.Error(rerr))
		}
		return nil, err
	}
}

// recoverable reports whether err is unexpected enough to warrant recovery.
// Typed errors were already converted by the watchdog and fatal ones are final.
func recoverable(err error) bool {
	switch {
	case browsererr.IsTyped(err), browsererr.IsFatal(err):
		return false
	case errors.Is(err, context.Canceled):
		return false
	}
	return true
}

func sortedTypes() []events.Type {
	out := make([]events.Type, 0, len(binders))
	for t := range binders {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}
