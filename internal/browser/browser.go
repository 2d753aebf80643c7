// Package browser wires one browser: the event bus, the session pool and
// every watchdog. Callers drive it by dispatching events or through the
// convenience methods on Browser.
package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"
	"go.uber.org/zap"

	"github.com/xkilldash9x/tabpilot/internal/actions"
	"github.com/xkilldash9x/tabpilot/internal/browser/session"
	"github.com/xkilldash9x/tabpilot/internal/browsererr"
	"github.com/xkilldash9x/tabpilot/internal/browserstate"
	"github.com/xkilldash9x/tabpilot/internal/config"
	"github.com/xkilldash9x/tabpilot/internal/dom"
	"github.com/xkilldash9x/tabpilot/internal/eventbus"
	"github.com/xkilldash9x/tabpilot/internal/events"
	"github.com/xkilldash9x/tabpilot/internal/watchdog"
	"github.com/xkilldash9x/tabpilot/internal/watchdogs"
)

const name = "browser_session"

// Dialer opens the protocol connection to the browser at cdpURL.
type Dialer func(ctx context.Context, cdpURL string, logger *zap.Logger) (session.Connector, error)

// DialChromedp is the default Dialer.
func DialChromedp(ctx context.Context, cdpURL string, logger *zap.Logger) (session.Connector, error) {
	c, err := session.DialChromedp(ctx, cdpURL, logger)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Option customises a Browser.
type Option func(*Browser)

// WithDialer replaces the connection dialer.
func WithDialer(d Dialer) Option {
	return func(b *Browser) { b.dial = d }
}

// Browser owns the bus, the session pool and the watchdogs of one browser.
// It can be started again after a stop.
type Browser struct {
	cfg    *config.Config
	logger *zap.Logger
	dial   Dialer

	bus       *eventbus.Bus
	cancel    context.CancelFunc
	conn      *relay
	pool      *session.Pool
	framework *watchdog.Framework

	local   *watchdogs.LocalBrowser
	crash   *watchdogs.Crash
	storage *watchdogs.Storage
	dialogs *watchdogs.Dialogs
	focus   *watchdogs.HumanFocus
	dom     *watchdogs.DOM

	mu        sync.Mutex
	connected bool
	cdpURL    string
	pages     map[target.ID]bool
	closeOnce sync.Once
}

// New builds the browser and attaches every watchdog. Nothing connects until
// Start.
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Browser, error) {
	b := &Browser{
		cfg:    cfg,
		logger: logger.Named(name),
		dial:   DialChromedp,
		conn:   &relay{},
		pages:  make(map[target.ID]bool),
	}
	for _, o := range opts {
		o(b)
	}

	busCfg := cfg.EventBus()
	b.bus = eventbus.New(logger, eventbus.Options{
		HandlerTimeout: busCfg.HandlerTimeout,
		HistorySize:    busCfg.HistorySize,
	})
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.bus.Start(ctx)

	b.pool = session.NewPool(b.conn, logger)
	b.pool.OnFocusChange(b.focusChanged)
	b.conn.ListenBrowser(b.onTargetEvent)
	b.framework = watchdog.New(b.bus, b, logger, cfg.Session().RecoveryTimeout)

	b.local = watchdogs.NewLocalBrowser(b.bus, watchdogs.LaunchOptionsFromConfig(cfg.Browser()), logger)
	b.crash = watchdogs.NewCrash(b.pool, b.bus, watchdogs.CrashOptionsFromConfig(cfg.Session()), logger)
	b.storage = watchdogs.NewStorage(b.pool, b.bus, watchdogs.StorageStateOptionsFromConfig(cfg.StorageState()), logger)
	b.dialogs = watchdogs.NewDialogs(b.pool, logger)
	b.focus = watchdogs.NewHumanFocus(b.pool, b.bus, logger)
	b.dom = watchdogs.NewDOM(b.pool, b.bus, dom.NewService(logger, dom.OptionsFromConfig(cfg.DOM())), b.dialogs, logger)
	security, err := watchdogs.NewSecurity(b.pool, b.bus, cfg.Security().AllowedDomains, logger)
	if err != nil {
		b.shutdownBus()
		return nil, fmt.Errorf("failed to set up security policy: %w", err)
	}

	// Order matters: the session watchdog sees lifecycle events first, so the
	// pool is up to date before the others react, and the security policy
	// vets navigation before the action executor performs it.
	all := []watchdog.Watchdog{
		b,
		b.local,
		security,
		actions.New(b.pool, b.bus, actions.OptionsFromConfig(cfg.Actions()), logger),
		b.crash,
		watchdogs.NewAboutBlank(b.pool, b.bus, logger),
		watchdogs.NewDownloads(b.pool, b.bus, watchdogs.DownloadsOptionsFromConfig(cfg.Downloads()), logger),
		b.storage,
		b.dialogs,
		watchdogs.NewScreenshot(b.pool, logger),
		watchdogs.NewPermissions(b.pool, cfg.Permissions().Grant, logger),
		b.focus,
		b.dom,
	}
	for _, w := range all {
		if err := b.framework.Attach(w); err != nil {
			b.shutdownBus()
			return nil, fmt.Errorf("failed to attach %s: %w", w.Name(), err)
		}
	}
	return b, nil
}

func (b *Browser) Name() string { return name }

func (b *Browser) ListensTo() []events.Type {
	return []events.Type{
		events.TypeBrowserStart,
		events.TypeBrowserStop,
		events.TypeBrowserProcessCrashed,
		events.TypeTabClosed,
	}
}

func (b *Browser) Emits() []events.Type {
	return []events.Type{
		events.TypeBrowserLaunch,
		events.TypeBrowserKill,
		events.TypeBrowserConnected,
		events.TypeBrowserStopped,
		events.TypeTabCreated,
		events.TypeTabClosed,
		events.TypeTargetCrashed,
		events.TypeAgentFocusChanged,
	}
}

// Bus returns the event bus.
func (b *Browser) Bus() *eventbus.Bus { return b.bus }

// Pool returns the session pool.
func (b *Browser) Pool() *session.Pool { return b.pool }

// DOM returns the DOM watchdog, for index and hash lookups in the last snapshot.
func (b *Browser) DOM() *watchdogs.DOM { return b.dom }

// HumanFocus returns the tab the person at the browser looks at.
func (b *Browser) HumanFocus() target.ID { return b.focus.Visible() }

// Connected reports whether a browser is attached.
func (b *Browser) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// CDPURL is the DevTools endpoint of the connected browser.
func (b *Browser) CDPURL() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cdpURL
}

// Dispatch queues ev on the bus.
func (b *Browser) Dispatch(ctx context.Context, ev events.Event) *eventbus.Handle {
	return b.bus.Dispatch(ctx, ev)
}

// Start connects to cdpURL, or to the configured url, or launches a local
// browser when neither is set.
func (b *Browser) Start(ctx context.Context, cdpURL string) error {
	return b.bus.Dispatch(ctx, &events.BrowserStart{CDPURL: cdpURL}).Wait(ctx)
}

// Stop disconnects. A locally launched browser is killed unless keep_alive is
// set and force is false.
func (b *Browser) Stop(ctx context.Context, force bool) error {
	return b.bus.Dispatch(ctx, &events.BrowserStop{Force: force}).Wait(ctx)
}

// State requests a snapshot of the focused page.
func (b *Browser) State(ctx context.Context, req *events.BrowserStateRequest) (*browserstate.Snapshot, error) {
	return eventbus.ResultOf[*browserstate.Snapshot](ctx, b.bus.Dispatch(ctx, req))
}

// ClickIndex clicks the element with the given index. Indices refer to the
// last state; the page is extracted first when none was requested yet.
func (b *Browser) ClickIndex(ctx context.Context, index int) error {
	n, err := b.dom.ElementByIndex(ctx, index)
	if err != nil {
		return err
	}
	return b.bus.Dispatch(ctx, &events.ClickElement{Node: n}).Wait(ctx)
}

// SaveStorageState writes cookies and web storage to path, or to the
// configured file when path is empty.
func (b *Browser) SaveStorageState(ctx context.Context, path string) error {
	return b.bus.Dispatch(ctx, &events.SaveStorageState{Path: path}).Wait(ctx)
}

// LoadStorageState restores cookies and web storage from path, or from the
// configured file when path is empty.
func (b *Browser) LoadStorageState(ctx context.Context, path string) error {
	return b.bus.Dispatch(ctx, &events.LoadStorageState{Path: path}).Wait(ctx)
}

// RecoverFocus implements watchdog.Recoverer.
func (b *Browser) RecoverFocus(ctx context.Context, timeout time.Duration) error {
	if !b.Connected() {
		return ErrNotConnected
	}
	return b.pool.RecoverFocus(ctx, timeout)
}

func (b *Browser) OnBrowserStart(ctx context.Context, ev *events.BrowserStart) error {
	if b.Connected() {
		b.logger.Debug("Browser already connected", zap.String("cdp_url", b.CDPURL()))
		return nil
	}

	url := ev.CDPURL
	if url == "" {
		url = b.cfg.Browser().CDPURL
	}
	launched := url == ""
	if launched {
		var err error
		url, err = eventbus.ResultOf[string](ctx, b.bus.Dispatch(ctx, &events.BrowserLaunch{}))
		if err != nil {
			return err
		}
	}

	conn, err := b.dial(ctx, url, b.logger)
	if err != nil {
		if launched {
			_ = b.bus.Dispatch(ctx, &events.BrowserKill{}).Wait(ctx)
		}
		return browsererr.Wrap(browsererr.KindLaunchFailed, "connect_browser", err).WithURL(url)
	}
	if launched {
		b.crash.SetProcess(b.local)
	} else {
		b.crash.SetProcess(nil)
	}
	b.conn.set(conn)

	b.mu.Lock()
	b.connected = true
	b.cdpURL = url
	b.mu.Unlock()
	b.logger.Info("Connected to browser", zap.String("cdp_url", url), zap.Bool("launched", launched))

	if err := b.bus.Dispatch(ctx, &events.BrowserConnected{CDPURL: url}).Wait(ctx); err != nil {
		if browsererr.IsFatal(err) {
			b.logger.Error("Connect handlers failed, disconnecting", zap.Error(err))
			_ = b.bus.Dispatch(ctx, &events.BrowserStopped{Reason: "startup failed"}).Wait(ctx)
			b.disconnect()
			if launched {
				_ = b.bus.Dispatch(ctx, &events.BrowserKill{}).Wait(ctx)
			}
			return err
		}
		b.logger.Warn("Connect handlers reported errors", zap.Error(err))
	}
	b.announceTabs(ctx)

	if _, err := b.pool.GetOrCreate(ctx, "", true); err != nil {
		b.logger.Warn("Failed to focus an initial tab", zap.Error(err))
	}
	return nil
}

// announceTabs reports the pages that were open before the connection.
func (b *Browser) announceTabs(ctx context.Context) {
	pages, err := b.pool.Pages(ctx)
	if err != nil {
		b.logger.Warn("Failed to list open tabs", zap.Error(err))
		return
	}
	for _, p := range pages {
		if !b.trackPage(p.TargetID) {
			continue
		}
		if err := b.bus.Dispatch(ctx, &events.TabCreated{TargetID: p.TargetID, URL: p.URL}).Wait(ctx); err != nil {
			b.logger.Debug("Tab setup reported errors", zap.String("target_id", string(p.TargetID)), zap.Error(err))
		}
	}
}

func (b *Browser) OnBrowserStop(ctx context.Context, ev *events.BrowserStop) error {
	if !b.Connected() {
		return nil
	}
	if err := b.bus.Dispatch(ctx, &events.BrowserStopped{Reason: "stop requested"}).Wait(ctx); err != nil {
		b.logger.Warn("Stop handlers reported errors", zap.Error(err))
	}
	b.disconnect()
	b.logger.Info("Disconnected from browser", zap.Bool("force", ev.Force))
	return nil
}

func (b *Browser) OnBrowserProcessCrashed(ctx context.Context, ev *events.BrowserProcessCrashed) error {
	if !b.Connected() {
		return nil
	}
	b.logger.Error("Browser process is gone", zap.String("reason", ev.Reason))
	b.bus.Dispatch(ctx, &events.BrowserStopped{Reason: ev.Reason})
	b.disconnect()
	return nil
}

func (b *Browser) OnTabClosed(_ context.Context, ev *events.TabClosed) error {
	b.mu.Lock()
	delete(b.pages, ev.TargetID)
	b.mu.Unlock()
	b.pool.Remove(ev.TargetID, true)
	return nil
}

// disconnect releases sessions without closing their tabs and drops the
// connection.
func (b *Browser) disconnect() {
	for _, s := range b.pool.Sessions() {
		b.pool.Remove(s.TargetID, false)
	}
	b.pool.ClearFocus()
	if err := b.conn.Close(); err != nil {
		b.logger.Debug("Closing connection failed", zap.Error(err))
	}

	b.mu.Lock()
	b.connected = false
	b.cdpURL = ""
	clear(b.pages)
	b.mu.Unlock()
}

// trackPage records id as an open page, reporting whether it was new.
func (b *Browser) trackPage(id target.ID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pages[id] {
		return false
	}
	b.pages[id] = true
	return true
}

func (b *Browser) knownPage(id target.ID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pages[id]
}

// onTargetEvent turns browser-level target events into bus events. It runs
// on the connection's event goroutine and must not block.
func (b *Browser) onTargetEvent(ev any) {
	ctx := context.Background()
	switch e := ev.(type) {
	case *target.EventTargetCreated:
		info := e.TargetInfo
		if info == nil || (info.Type != "page" && info.Type != "tab") {
			return
		}
		if b.trackPage(info.TargetID) {
			b.bus.Dispatch(ctx, &events.TabCreated{TargetID: info.TargetID, URL: info.URL})
		}
	case *target.EventTargetDestroyed:
		if b.knownPage(e.TargetID) {
			b.bus.Dispatch(ctx, &events.TabClosed{TargetID: e.TargetID})
		}
	case *target.EventTargetCrashed:
		b.bus.Dispatch(ctx, &events.TargetCrashed{
			TargetID: e.TargetID,
			Error:    fmt.Sprintf("%s (code %d)", e.Status, e.ErrorCode),
		})
	case *target.EventTargetInfoChanged:
		if e.TargetInfo == nil {
			return
		}
		if s := b.pool.Get(e.TargetInfo.TargetID); s != nil {
			s.SetInfo(e.TargetInfo.URL, e.TargetInfo.Title)
		}
	}
}

func (b *Browser) focusChanged(s *session.Session) {
	b.logger.Debug("Agent focus changed", zap.String("target_id", string(s.TargetID)), zap.String("url", s.URL()))
	b.bus.Dispatch(context.Background(), &events.AgentFocusChanged{TargetID: s.TargetID, URL: s.URL()})
}

// Close stops the browser, kills a launched process unless keep_alive is
// set, and shuts the bus down.
func (b *Browser) Close(ctx context.Context) error {
	var err error
	b.closeOnce.Do(func() {
		if b.Connected() {
			err = b.Stop(ctx, false)
		}
		if !b.cfg.Browser().KeepAlive {
			if kerr := b.bus.Dispatch(ctx, &events.BrowserKill{}).Wait(ctx); kerr != nil && err == nil {
				err = kerr
			}
		}
		b.crash.Close()
		b.storage.Close()
		b.dialogs.Wait()
		b.shutdownBus()
		if cerr := b.pool.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}

func (b *Browser) shutdownBus() {
	b.cancel()
	b.bus.Shutdown()
	b.bus.Wait()
}
