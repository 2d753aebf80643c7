package cdptest

import (
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/xkilldash9x/tabpilot/internal/browser/session"
)

// PageInfo builds a page target description.
func PageInfo(id target.ID, url string) *target.Info {
	return &target.Info{TargetID: id, Type: "page", URL: url, Title: url}
}

// Browser is an in-memory session.Connector. Browser-level Target.* commands
// are answered from its target list; every attached target gets its own
// recording Executor.
type Browser struct {
	*Executor

	mu         sync.Mutex
	targets    []*target.Info
	pages      map[target.ID]*Executor
	browserFns []func(ev any)
	targetFns  map[target.ID][]func(ev any)
	released   map[target.ID][]bool
	attachErr  error
	seq        int
	closed     bool
}

var _ session.Connector = (*Browser)(nil)

// NewBrowser returns a Browser that already has the given targets open.
func NewBrowser(targets ...*target.Info) *Browser {
	b := &Browser{
		Executor:  NewExecutor(),
		targets:   targets,
		pages:     make(map[target.ID]*Executor),
		targetFns: make(map[target.ID][]func(ev any)),
		released:  make(map[target.ID][]bool),
	}
	b.On(target.CommandGetTargets, func(context.Context, any) (any, error) {
		return map[string]any{"targetInfos": b.Targets()}, nil
	})
	b.On(target.CommandGetTargetInfo, func(_ context.Context, params any) (any, error) {
		id := params.(*target.GetTargetInfoParams).TargetID
		if info := b.lookup(id); info != nil {
			return map[string]any{"targetInfo": info}, nil
		}
		return nil, fmt.Errorf("no target with given id found: %s", id)
	})
	b.On(target.CommandCreateTarget, func(_ context.Context, params any) (any, error) {
		p := params.(*target.CreateTargetParams)
		b.mu.Lock()
		b.seq++
		info := PageInfo(target.ID(fmt.Sprintf("NEW-%d", b.seq)), p.URL)
		b.targets = append(b.targets, info)
		b.mu.Unlock()
		b.EmitBrowser(&target.EventTargetCreated{TargetInfo: info})
		return map[string]any{"targetId": info.TargetID}, nil
	})
	b.On(target.CommandCloseTarget, func(_ context.Context, params any) (any, error) {
		id := params.(*target.CloseTargetParams).TargetID
		if !b.RemoveTarget(id) {
			return nil, fmt.Errorf("no target with given id found: %s", id)
		}
		b.EmitBrowser(&target.EventTargetDestroyed{TargetID: id})
		return map[string]any{"success": true}, nil
	})
	return b
}

func (b *Browser) lookup(id target.ID) *target.Info {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range b.targets {
		if t.TargetID == id {
			c := *t
			return &c
		}
	}
	return nil
}

// Targets returns a copy of the open targets.
func (b *Browser) Targets() []*target.Info {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*target.Info, len(b.targets))
	for i, t := range b.targets {
		c := *t
		out[i] = &c
	}
	return out
}

// AddTarget opens info without emitting any event.
func (b *Browser) AddTarget(info *target.Info) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.targets = append(b.targets, info)
}

// RemoveTarget drops id without emitting any event.
func (b *Browser) RemoveTarget(id target.ID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, t := range b.targets {
		if t.TargetID == id {
			b.targets = append(b.targets[:i], b.targets[i+1:]...)
			return true
		}
	}
	return false
}

// Page returns the executor used for sessions attached to id.
func (b *Browser) Page(id target.ID) *Executor {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.pages[id]
	if !ok {
		e = NewExecutor()
		b.pages[id] = e
	}
	return e
}

// FailAttach makes every following Attach return err; nil restores success.
func (b *Browser) FailAttach(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attachErr = err
}

// Released returns the targetGone flag of every release of id, in order.
func (b *Browser) Released(id target.ID) []bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]bool(nil), b.released[id]...)
}

func (b *Browser) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// EmitBrowser delivers ev to every browser-level listener synchronously.
func (b *Browser) EmitBrowser(ev any) {
	b.mu.Lock()
	fns := append([]func(any){}, b.browserFns...)
	b.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// EmitTarget delivers ev to the listeners of sessions attached to id.
func (b *Browser) EmitTarget(id target.ID, ev any) {
	b.mu.Lock()
	fns := append([]func(any){}, b.targetFns[id]...)
	b.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Browser implements session.Connector.
func (b *Browser) Browser() cdp.Executor { return b.Executor }

// ListenBrowser implements session.Connector.
func (b *Browser) ListenBrowser(fn func(ev any)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.browserFns = append(b.browserFns, fn)
}

// Attach implements session.Connector.
func (b *Browser) Attach(ctx context.Context, id target.ID) (*session.Attachment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	err := b.attachErr
	b.seq++
	sid := target.SessionID(fmt.Sprintf("S-%s-%d", id, b.seq))
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	exec := b.Page(id)
	return &session.Attachment{
		Executor:  exec,
		SessionID: sid,
		Listen: func(fn func(ev any)) {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.targetFns[id] = append(b.targetFns[id], fn)
		},
		Release: func(targetGone bool) {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.released[id] = append(b.released[id], targetGone)
		},
	}, nil
}

// Close implements session.Connector.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
