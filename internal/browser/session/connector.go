// internal/browser/session/connector.go
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// Attachment is a live protocol session on one target.
type Attachment struct {
	Executor  cdp.Executor
	SessionID target.SessionID
	// Listen subscribes to events delivered on this session.
	Listen func(fn func(ev any))
	// Release gives the session back. targetGone reports that the target no
	// longer exists, so the underlying connection may be torn down.
	Release func(targetGone bool)
}

// Connector is the duplex command/event channel to one browser.
type Connector interface {
	// Browser executes browser-level commands (Target.*, Browser.*, Storage.*).
	Browser() cdp.Executor
	// Attach opens a session on an existing target.
	Attach(ctx context.Context, id target.ID) (*Attachment, error)
	// ListenBrowser subscribes to browser-level events.
	ListenBrowser(fn func(ev any))
	Close() error
}

// ChromedpConnector implements Connector on top of chromedp contexts.
type ChromedpConnector struct {
	logger *zap.Logger

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	mu      sync.Mutex
	parked  []context.CancelFunc
	closed  bool
	timeout time.Duration
}

var _ Connector = (*ChromedpConnector)(nil)

// DialChromedp connects to an already running browser at cdpURL, either a
// ws:// endpoint or an http://host:port DevTools address.
func DialChromedp(ctx context.Context, cdpURL string, logger *zap.Logger) (*ChromedpConnector, error) {
	if cdpURL == "" {
		return nil, errors.New("cdp url is empty")
	}
	allocCtx, allocCancel := chromedp.NewRemoteAllocator(context.WithoutCancel(ctx), cdpURL)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(logger.Sugar().Debugf),
		chromedp.WithErrorf(logger.Sugar().Warnf),
	)

	// Run with no actions establishes the connection and the first target.
	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- chromedp.Run(browserCtx) }()
	select {
	case err := <-done:
		if err != nil {
			browserCancel()
			allocCancel()
			return nil, fmt.Errorf("failed to connect to browser at %s: %w", cdpURL, err)
		}
	case <-dialCtx.Done():
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("timed out connecting to browser at %s: %w", cdpURL, dialCtx.Err())
	}

	// Target lifecycle events must reach the browser-level listeners.
	browser := chromedp.FromContext(browserCtx).Browser
	if err := target.SetDiscoverTargets(true).Do(cdp.WithExecutor(dialCtx, browser)); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to enable target discovery: %w", err)
	}

	return &ChromedpConnector{
		logger:        logger.Named("connector"),
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		timeout:       10 * time.Second,
	}, nil
}

func (c *ChromedpConnector) Browser() cdp.Executor {
	return chromedp.FromContext(c.browserCtx).Browser
}

func (c *ChromedpConnector) ListenBrowser(fn func(ev any)) {
	chromedp.ListenBrowser(c.browserCtx, fn)
}

// Attach creates a chromedp context bound to id.
func (c *ChromedpConnector) Attach(ctx context.Context, id target.ID) (*Attachment, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New("connector is closed")
	}
	c.mu.Unlock()

	tabCtx, tabCancel := chromedp.NewContext(c.browserCtx, chromedp.WithTargetID(id))

	attachCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- chromedp.Run(tabCtx) }()
	select {
	case err := <-done:
		if err != nil {
			tabCancel()
			return nil, fmt.Errorf("failed to attach to target %s: %w", id, err)
		}
	case <-attachCtx.Done():
		tabCancel()
		return nil, fmt.Errorf("timed out attaching to target %s: %w", id, attachCtx.Err())
	}

	t := chromedp.FromContext(tabCtx).Target
	var once sync.Once
	return &Attachment{
		Executor:  t,
		SessionID: t.SessionID,
		Listen:    func(fn func(ev any)) { chromedp.ListenTarget(tabCtx, fn) },
		Release: func(targetGone bool) {
			once.Do(func() {
				// Cancelling a chromedp tab context closes the tab, so a
				// session for a live target is parked until Close.
				if targetGone {
					tabCancel()
					return
				}
				c.mu.Lock()
				c.parked = append(c.parked, tabCancel)
				c.mu.Unlock()
			})
		},
	}, nil
}

// Close drops the connection along with every parked session.
func (c *ChromedpConnector) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	parked := c.parked
	c.parked = nil
	c.mu.Unlock()

	for _, cancel := range parked {
		cancel()
	}
	c.browserCancel()
	c.allocCancel()
	c.logger.Debug("Connector closed", zap.Int("parked_sessions", len(parked)))
	return nil
}
