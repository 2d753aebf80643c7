// internal/browser/session/pool.go
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const blankURL = "about:blank"

// Pool owns one Session per target and the agent focus pointer.
//
// Every field is guarded by mu; watchdog handlers, the health loop and the
// recovery path all go through these methods rather than touching the maps.
type Pool struct {
	conn   Connector
	logger *zap.Logger
	group  singleflight.Group

	mu       sync.Mutex
	sessions map[target.ID]*Session
	focus    *Session
	onFocus  []func(s *Session)
	closed   bool
}

// NewPool creates an empty pool over conn.
func NewPool(conn Connector, logger *zap.Logger) *Pool {
	return &Pool{
		conn:     conn,
		logger:   logger.Named("session_pool"),
		sessions: make(map[target.ID]*Session),
	}
}

// OnFocusChange registers fn to run after the agent focus moves to a new
// session. fn runs outside the pool lock.
func (p *Pool) OnFocusChange(fn func(s *Session)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onFocus = append(p.onFocus, fn)
}

// BrowserContext returns ctx bound to the browser-level executor.
func (p *Pool) BrowserContext(ctx context.Context) context.Context {
	return cdp.WithExecutor(ctx, p.conn.Browser())
}

// ListenBrowser subscribes fn to browser-level events.
func (p *Pool) ListenBrowser(fn func(ev any)) { p.conn.ListenBrowser(fn) }

// GetOrCreate returns the pooled session for id, attaching one if needed.
// An empty id resolves to the focused target, then to the first page, and
// finally to a freshly opened about:blank tab. When focus is set the session
// becomes the agent focus.
func (p *Pool) GetOrCreate(ctx context.Context, id target.ID, focus bool) (*Session, error) {
	if id == "" {
		resolved, err := p.resolveTarget(ctx)
		if err != nil {
			return nil, err
		}
		id = resolved
	}

	if s := p.Get(id); s != nil {
		if focus {
			p.SetFocus(s)
		}
		return s, nil
	}

	v, err, _ := p.group.Do(string(id), func() (any, error) {
		if s := p.Get(id); s != nil {
			return s, nil
		}
		return p.attach(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	s := v.(*Session)
	if focus {
		p.SetFocus(s)
	}
	return s, nil
}

func (p *Pool) attach(ctx context.Context, id target.ID) (*Session, error) {
	info, err := target.GetTargetInfo().WithTargetID(id).Do(p.BrowserContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to get info for target %s: %w", id, err)
	}
	a, err := p.conn.Attach(ctx, id)
	if err != nil {
		return nil, err
	}
	s := newSession(info, a)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		s.close(false)
		return nil, errors.New("session pool is closed")
	}
	p.sessions[id] = s
	count := len(p.sessions)
	p.mu.Unlock()

	p.logger.Debug("Attached session",
		zap.String("target_id", string(id)),
		zap.String("session_id", string(s.SessionID)),
		zap.String("type", s.Type),
		zap.Int("pool_size", count))
	return s, nil
}

func (p *Pool) resolveTarget(ctx context.Context) (target.ID, error) {
	if id := p.FocusTargetID(); id != "" {
		return id, nil
	}
	pages, err := p.Pages(ctx)
	if err != nil {
		return "", err
	}
	if len(pages) > 0 {
		return pages[0].TargetID, nil
	}
	p.logger.Info("No page targets left, opening a blank tab")
	return p.NewTab(ctx, blankURL)
}

// Get returns the pooled session for id, or nil.
func (p *Pool) Get(id target.ID) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[id]
}

// Sessions returns every pooled session.
func (p *Pool) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, s)
	}
	return out
}

// Focused returns the agent focus, or nil when none is set.
func (p *Pool) Focused() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.focus
}

// FocusTargetID returns the focused target id, or "".
func (p *Pool) FocusTargetID() target.ID {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.focus == nil {
		return ""
	}
	return p.focus.TargetID
}

// SetFocus moves the agent focus to s.
func (p *Pool) SetFocus(s *Session) {
	p.mu.Lock()
	changed := p.focus != s
	p.focus = s
	hooks := append([]func(*Session){}, p.onFocus...)
	p.mu.Unlock()

	if !changed {
		return
	}
	p.logger.Debug("Agent focus changed", zap.String("target_id", string(s.TargetID)))
	for _, fn := range hooks {
		fn(s)
	}
}

// ClearFocus drops the agent focus without touching the pooled sessions.
func (p *Pool) ClearFocus() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.focus = nil
}

// Remove drops the session for id. targetGone is passed on to the connector.
// It reports whether the removed session held the agent focus, in which case
// focus is cleared.
func (p *Pool) Remove(id target.ID, targetGone bool) (wasFocused bool) {
	p.mu.Lock()
	s, ok := p.sessions[id]
	delete(p.sessions, id)
	if p.focus != nil && p.focus.TargetID == id {
		p.focus = nil
		wasFocused = true
	}
	p.mu.Unlock()

	if ok {
		s.close(targetGone)
		p.logger.Debug("Removed session",
			zap.String("target_id", string(id)),
			zap.Bool("target_gone", targetGone),
			zap.Bool("was_focused", wasFocused))
	}
	return wasFocused
}

// Clear drops every session and the focus. Used when the browser process is gone.
func (p *Pool) Clear() {
	p.mu.Lock()
	sessions := p.sessions
	p.sessions = make(map[target.ID]*Session)
	p.focus = nil
	p.mu.Unlock()

	for _, s := range sessions {
		s.close(true)
	}
	p.logger.Debug("Cleared session pool", zap.Int("sessions", len(sessions)))
}

// Targets lists every target known to the browser.
func (p *Pool) Targets(ctx context.Context) ([]*target.Info, error) {
	infos, err := target.GetTargets().Do(p.BrowserContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to list targets: %w", err)
	}
	return infos, nil
}

// Pages lists page targets in browser order.
func (p *Pool) Pages(ctx context.Context) ([]*target.Info, error) {
	infos, err := p.Targets(ctx)
	if err != nil {
		return nil, err
	}
	pages := infos[:0]
	for _, info := range infos {
		if info.Type == "page" || info.Type == "tab" {
			pages = append(pages, info)
		}
	}
	return pages, nil
}

// NewTab opens url in a new page target.
func (p *Pool) NewTab(ctx context.Context, url string) (target.ID, error) {
	if url == "" {
		url = blankURL
	}
	id, err := target.CreateTarget(url).Do(p.BrowserContext(ctx))
	if err != nil {
		return "", fmt.Errorf("failed to create tab for %s: %w", url, err)
	}
	return id, nil
}

// Activate brings id to the front of the browser window.
func (p *Pool) Activate(ctx context.Context, id target.ID) error {
	if err := target.ActivateTarget(id).Do(p.BrowserContext(ctx)); err != nil {
		return fmt.Errorf("failed to activate target %s: %w", id, err)
	}
	return nil
}

// CloseTab closes the target and drops its session.
func (p *Pool) CloseTab(ctx context.Context, id target.ID) error {
	err := target.CloseTarget(id).Do(p.BrowserContext(ctx))
	p.Remove(id, true)
	if err != nil {
		return fmt.Errorf("failed to close target %s: %w", id, err)
	}
	return nil
}

// RecoverFocus re-creates the session for the focused target and activates
// it. Without a focused target it falls back to GetOrCreate's resolution.
func (p *Pool) RecoverFocus(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	id := p.FocusTargetID()
	if id != "" {
		p.Remove(id, false)
	}
	s, err := p.GetOrCreate(ctx, id, true)
	if err != nil {
		return fmt.Errorf("failed to recover session: %w", err)
	}
	if err := p.Activate(ctx, s.TargetID); err != nil {
		return fmt.Errorf("failed to recover session: %w", err)
	}
	p.logger.Info("Recovered agent focus", zap.String("target_id", string(s.TargetID)))
	return nil
}

// Close releases every session and the connector.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	sessions := p.sessions
	p.sessions = make(map[target.ID]*Session)
	p.focus = nil
	p.mu.Unlock()

	for _, s := range sessions {
		s.close(false)
	}
	return p.conn.Close()
}
