// internal/browser/session/session.go
package session

import (
	"context"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
)

// Session is one protocol session attached to a browser target.
type Session struct {
	TargetID  target.ID
	SessionID target.SessionID
	Type      string
	// ParentID is set for popups and out-of-process frames.
	ParentID target.ID

	exec    cdp.Executor
	listen  func(fn func(ev any))
	release func(targetGone bool)

	mu        sync.Mutex
	url       string
	title     string
	listeners map[string]struct{}
}

func newSession(info *target.Info, a *Attachment) *Session {
	s := &Session{
		TargetID:  info.TargetID,
		SessionID: a.SessionID,
		Type:      info.Type,
		ParentID:  info.OpenerID,
		exec:      a.Executor,
		listen:    a.Listen,
		release:   a.Release,
		url:       info.URL,
		title:     info.Title,
		listeners: make(map[string]struct{}),
	}
	return s
}

// Context returns ctx carrying this session's executor, so cdproto commands
// run with X.Do(s.Context(ctx)) are sent on this session.
func (s *Session) Context(ctx context.Context) context.Context {
	return cdp.WithExecutor(ctx, s.exec)
}

func (s *Session) Executor() cdp.Executor { return s.exec }

// Listen subscribes fn to every event delivered on the session.
func (s *Session) Listen(fn func(ev any)) {
	if s.listen != nil {
		s.listen(fn)
	}
}

// ListenOnce subscribes fn unless a listener was already installed under
// key. It reports whether fn was installed.
func (s *Session) ListenOnce(key string, fn func(ev any)) bool {
	s.mu.Lock()
	if _, ok := s.listeners[key]; ok {
		s.mu.Unlock()
		return false
	}
	s.listeners[key] = struct{}{}
	s.mu.Unlock()
	s.Listen(fn)
	return true
}

func (s *Session) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

func (s *Session) Title() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.title
}

// SetInfo records the latest url and title reported for the target. Empty
// values leave the current ones untouched.
func (s *Session) SetInfo(url, title string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if url != "" {
		s.url = url
	}
	if title != "" {
		s.title = title
	}
}

func (s *Session) close(targetGone bool) {
	if s.release != nil {
		s.release(targetGone)
	}
}
