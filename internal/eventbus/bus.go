// internal/eventbus/bus.go
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xkilldash9x/tabpilot/internal/browsererr"
	"github.com/xkilldash9x/tabpilot/internal/events"
	"go.uber.org/zap"
)

// ErrBusClosed is returned for events dispatched after Shutdown.
var ErrBusClosed = errors.New("event bus is shut down")

// ErrNoResult is returned by Result when every handler returned a nil value.
var ErrNoResult = errors.New("no handler returned a result")

// ErrStopPropagation, wrapped into a handler's error, skips the handlers
// registered after it for that event.
var ErrStopPropagation = errors.New("event propagation stopped")

// HandlerFunc handles one event. The returned value is collected on the Handle.
type HandlerFunc func(ctx context.Context, ev events.Event) (any, error)

type registration struct {
	name string
	fn   HandlerFunc
}

// Bus is an ordered publish/subscribe dispatcher. A single goroutine runs every
// handler; handlers for one event type run in registration order.
type Bus struct {
	logger         *zap.Logger
	handlerTimeout time.Duration
	historySize    int

	mu       sync.Mutex
	handlers map[events.Type][]registration
	queue    []*Handle
	history  []*Handle
	closed   bool

	notify       chan struct{}
	shutdownChan chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
	rootCtx      context.Context
}

// Options tunes a Bus. Zero values select the defaults.
type Options struct {
	HandlerTimeout time.Duration
	HistorySize    int
}

// New creates a Bus. Call Start before dispatching.
func New(logger *zap.Logger, opts Options) *Bus {
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = 30 * time.Second
	}
	if opts.HistorySize < 0 {
		opts.HistorySize = 0
	}
	return &Bus{
		logger:         logger.Named("eventbus"),
		handlerTimeout: opts.HandlerTimeout,
		historySize:    opts.HistorySize,
		handlers:       make(map[events.Type][]registration),
		notify:         make(chan struct{}, 1),
		shutdownChan:   make(chan struct{}),
		rootCtx:        context.Background(),
	}
}

// On registers fn under name for event type t. A second registration of the
// same name for the same type fails with browsererr.ErrDuplicateHandler.
func (b *Bus) On(t events.Type, name string, fn HandlerFunc) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range b.handlers[t] {
		if r.name == name {
			return fmt.Errorf("%w: %s on %s", browsererr.ErrDuplicateHandler, name, t)
		}
	}
	b.handlers[t] = append(b.handlers[t], registration{name: name, fn: fn})
	return nil
}

// HandlerNames lists the handlers registered for t in execution order.
func (b *Bus) HandlerNames(t events.Type) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.handlers[t]))
	for _, r := range b.handlers[t] {
		names = append(names, r.name)
	}
	return names
}

// Start launches the dispatcher goroutine. Handlers run with contexts derived
// from ctx; cancelling ctx has the same effect as Shutdown.
func (b *Bus) Start(ctx context.Context) {
	b.rootCtx = ctx
	b.wg.Add(1)
	go b.loop(ctx)
}

func (b *Bus) loop(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			b.Shutdown()
			return
		case <-b.shutdownChan:
			return
		case <-b.notify:
		}
		for {
			h := b.pop()
			if h == nil {
				break
			}
			b.process(b.rootCtx, h)
		}
	}
}

func (b *Bus) pop() *Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return nil
	}
	h := b.queue[0]
	b.queue[0] = nil
	b.queue = b.queue[1:]
	return h
}

// Dispatch stamps ev with an id and its causal parents and queues it. When ctx
// belongs to a running handler, that handler's event becomes the parent.
func (b *Bus) Dispatch(ctx context.Context, ev events.Event) *Handle {
	hdr := ev.EventHeader()
	if hdr.ID == "" {
		hdr.ID = uuid.New().String()
	}
	hdr.CreatedAt = time.Now().UTC()
	if f := frameFrom(ctx); f != nil {
		parent := f.handle.Event.EventHeader()
		hdr.ParentID = parent.ID
		hdr.GrandparentID = parent.ParentID
	}

	h := &Handle{Event: ev, bus: b, done: make(chan struct{})}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		h.claimed.Store(true)
		h.finish(nil, ErrBusClosed)
		return h
	}
	b.queue = append(b.queue, h)
	b.mu.Unlock()

	b.logger.Debug("Dispatching event",
		zap.String("event", string(ev.EventType())),
		zap.String("id", hdr.ID),
		zap.String("parent_id", hdr.ParentID))

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return h
}

// process runs every handler for h's event type, in order, on the calling goroutine.
func (b *Bus) process(base context.Context, h *Handle) {
	if !h.claimed.CompareAndSwap(false, true) {
		return
	}
	ev := h.Event

	b.mu.Lock()
	regs := append([]registration(nil), b.handlers[ev.EventType()]...)
	b.mu.Unlock()

	results := make([]Result, 0, len(regs))
	for _, r := range regs {
		res := b.invoke(base, h, r)
		results = append(results, res)
		if errors.Is(res.Err, ErrStopPropagation) {
			b.logger.Debug("Handler stopped propagation",
				zap.String("handler", r.name),
				zap.String("event", string(ev.EventType())))
			break
		}
	}

	var err error
	if len(regs) == 0 {
		err = fmt.Errorf("%w: %s", browsererr.ErrNoHandler, ev.EventType())
	}
	b.record(h)
	h.finish(results, err)
}

func (b *Bus) invoke(base context.Context, h *Handle, r registration) (res Result) {
	ctx, cancel := context.WithTimeout(withFrame(base, &frame{bus: b, handle: h}), b.handlerTimeout)
	defer cancel()

	start := time.Now()
	res.Handler = r.name
	defer func() {
		if p := recover(); p != nil {
			b.logger.Error("Handler panicked",
				zap.String("handler", r.name),
				zap.String("event", string(h.Event.EventType())),
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()))
			res.Err = fmt.Errorf("handler %s panicked: %v", r.name, p)
		}
		res.Elapsed = time.Since(start)
	}()

	res.Value, res.Err = r.fn(ctx, h.Event)
	return res
}

func (b *Bus) record(h *Handle) {
	if b.historySize == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = append(b.history, h)
	if len(b.history) > b.historySize {
		b.history = b.history[len(b.history)-b.historySize:]
	}
}

// Recent returns up to n processed events, newest first.
func (b *Bus) Recent(n int) []events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 || n > len(b.history) {
		n = len(b.history)
	}
	out := make([]events.Event, 0, n)
	for i := len(b.history) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, b.history[i].Event)
	}
	return out
}

// Shutdown stops the dispatcher. Queued events complete with ErrBusClosed.
func (b *Bus) Shutdown() {
	b.shutdownOnce.Do(func() {
		b.logger.Debug("Shutting down event bus")
		b.mu.Lock()
		b.closed = true
		pending := b.queue
		b.queue = nil
		b.mu.Unlock()

		close(b.shutdownChan)
		for _, h := range pending {
			if h.claimed.CompareAndSwap(false, true) {
				h.finish(nil, ErrBusClosed)
			}
		}
	})
}

// Wait blocks until the dispatcher goroutine has exited.
func (b *Bus) Wait() { b.wg.Wait() }

// -- Handler context --

type frameKey struct{}

type frame struct {
	bus    *Bus
	handle *Handle
}

func withFrame(ctx context.Context, f *frame) context.Context {
	return context.WithValue(ctx, frameKey{}, f)
}

func frameFrom(ctx context.Context) *frame {
	if ctx == nil {
		return nil
	}
	f, _ := ctx.Value(frameKey{}).(*frame)
	return f
}

// Detached returns a context for work that outlives the handler owning ctx.
// It keeps ctx's values but drops its cancellation and its handler frame, so
// events dispatched from it have no parent and waiting on them never runs
// them inline.
func Detached(ctx context.Context) context.Context {
	return withFrame(context.WithoutCancel(ctx), nil)
}

// Current returns the event whose handler owns ctx, or nil.
func Current(ctx context.Context) events.Event {
	if f := frameFrom(ctx); f != nil {
		return f.handle.Event
	}
	return nil
}
