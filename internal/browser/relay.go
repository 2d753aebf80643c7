package browser

import (
	"context"
	"errors"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"

	"github.com/xkilldash9x/tabpilot/internal/browser/session"
)

// ErrNotConnected is returned for protocol calls made while no browser is
// connected.
var ErrNotConnected = errors.New("browser is not connected")

// relay is the Connector handed to the session pool. It forwards to the
// connection of the current run, so the pool and the watchdogs built on it
// outlive a reconnect.
type relay struct {
	mu        sync.Mutex
	conn      session.Connector
	gen       int
	listeners []func(ev any)
}

var _ session.Connector = (*relay)(nil)

// set installs c as the current connection, nil detaching. Events from a
// previous connection are dropped.
func (r *relay) set(c session.Connector) {
	r.mu.Lock()
	r.conn = c
	r.gen++
	gen := r.gen
	r.mu.Unlock()
	if c != nil {
		c.ListenBrowser(func(ev any) { r.emit(gen, ev) })
	}
}

func (r *relay) current() session.Connector {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn
}

func (r *relay) emit(gen int, ev any) {
	r.mu.Lock()
	if gen != r.gen {
		r.mu.Unlock()
		return
	}
	fns := append([]func(ev any){}, r.listeners...)
	r.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (r *relay) Browser() cdp.Executor { return relayExecutor{r} }

func (r *relay) ListenBrowser(fn func(ev any)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

func (r *relay) Attach(ctx context.Context, id target.ID) (*session.Attachment, error) {
	c := r.current()
	if c == nil {
		return nil, ErrNotConnected
	}
	return c.Attach(ctx, id)
}

// Close detaches the current connection and closes it.
func (r *relay) Close() error {
	r.mu.Lock()
	c := r.conn
	r.conn = nil
	r.gen++
	r.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Close()
}

type relayExecutor struct{ r *relay }

func (e relayExecutor) Execute(ctx context.Context, method string, params, res any) error {
	c := e.r.current()
	if c == nil {
		return ErrNotConnected
	}
	return c.Browser().Execute(ctx, method, params, res)
}
