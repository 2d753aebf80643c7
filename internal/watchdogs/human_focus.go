package watchdogs

import (
	"context"
	"sync"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"go.uber.org/zap"

	"github.com/xkilldash9x/tabpilot/internal/browser/session"
	"github.com/xkilldash9x/tabpilot/internal/eventbus"
	"github.com/xkilldash9x/tabpilot/internal/events"
)

const visibilityBinding = "__tabpilotVisibility"

const jsVisibilityHook = `(() => {
	if (window.__tabpilotVisibilityHooked) return;
	window.__tabpilotVisibilityHooked = true;
	document.addEventListener('visibilitychange', () => {
		if (document.visibilityState === 'visible' && typeof window.` + visibilityBinding + ` === 'function') {
			window.` + visibilityBinding + `('visible');
		}
	});
})()`

// HumanFocus follows which tab the person at the browser is looking at.
type HumanFocus struct {
	pool   *session.Pool
	bus    *eventbus.Bus
	logger *zap.Logger

	mu      sync.Mutex
	ctx     context.Context
	visible target.ID
}

func NewHumanFocus(pool *session.Pool, bus *eventbus.Bus, logger *zap.Logger) *HumanFocus {
	return &HumanFocus{
		pool:   pool,
		bus:    bus,
		logger: logger.Named("human_focus_watchdog"),
		ctx:    context.Background(),
	}
}

func (w *HumanFocus) Name() string { return "human_focus_watchdog" }

func (w *HumanFocus) ListensTo() []events.Type {
	return []events.Type{events.TypeTabCreated, events.TypeBrowserStopped}
}

func (w *HumanFocus) Emits() []events.Type {
	return []events.Type{events.TypeHumanFocusChanged}
}

// Visible returns the tab that last became visible, empty when unknown.
func (w *HumanFocus) Visible() target.ID {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.visible
}

func (w *HumanFocus) OnBrowserStopped(context.Context, *events.BrowserStopped) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.visible = ""
	return nil
}

// OnTabCreated installs the visibility hook in the new tab, for the current
// document and every later one.
func (w *HumanFocus) OnTabCreated(ctx context.Context, ev *events.TabCreated) error {
	s, err := w.pool.GetOrCreate(ctx, ev.TargetID, false)
	if err != nil {
		return nil
	}
	w.mu.Lock()
	w.ctx = eventbus.Detached(ctx)
	w.mu.Unlock()

	if !s.ListenOnce("human_focus", func(ev any) {
		if e, ok := ev.(*runtime.EventBindingCalled); ok && e.Name == visibilityBinding {
			w.becameVisible(s)
		}
	}) {
		return nil
	}

	pctx := s.Context(ctx)
	if err := runtime.AddBinding(visibilityBinding).Do(pctx); err != nil {
		w.logger.Debug("Failed to add visibility binding", zap.String("target_id", string(s.TargetID)), zap.Error(err))
		return nil
	}
	if _, err := page.AddScriptToEvaluateOnNewDocument(jsVisibilityHook).Do(pctx); err != nil {
		w.logger.Debug("Failed to install visibility hook", zap.String("target_id", string(s.TargetID)), zap.Error(err))
	}
	if _, _, err := runtime.Evaluate(jsVisibilityHook).Do(pctx); err != nil {
		w.logger.Debug("Failed to hook current document", zap.String("target_id", string(s.TargetID)), zap.Error(err))
	}
	return nil
}

func (w *HumanFocus) becameVisible(s *session.Session) {
	w.mu.Lock()
	changed := w.visible != s.TargetID
	w.visible = s.TargetID
	ctx := w.ctx
	w.mu.Unlock()
	if !changed {
		return
	}
	w.logger.Debug("Tab became visible", zap.String("target_id", string(s.TargetID)), zap.String("url", s.URL()))
	w.bus.Dispatch(ctx, &events.HumanFocusChanged{TargetID: s.TargetID, URL: s.URL()})
}
