package watchdogs

import (
	"context"
	"sync"

	"github.com/chromedp/cdproto/target"
	"go.uber.org/zap"

	"github.com/xkilldash9x/tabpilot/internal/browser/session"
	"github.com/xkilldash9x/tabpilot/internal/eventbus"
	"github.com/xkilldash9x/tabpilot/internal/events"
)

// AboutBlank keeps exactly one idle blank tab around: it opens one when the
// last page closes and closes surplus blank tabs, keeping the oldest.
type AboutBlank struct {
	pool   *session.Pool
	bus    *eventbus.Bus
	logger *zap.Logger

	mu   sync.Mutex
	seq  int
	seen map[target.ID]int
}

func NewAboutBlank(pool *session.Pool, bus *eventbus.Bus, logger *zap.Logger) *AboutBlank {
	return &AboutBlank{
		pool:   pool,
		bus:    bus,
		logger: logger.Named("aboutblank_watchdog"),
		seen:   make(map[target.ID]int),
	}
}

func (w *AboutBlank) Name() string { return "aboutblank_watchdog" }

func (w *AboutBlank) ListensTo() []events.Type {
	return []events.Type{
		events.TypeBrowserConnected,
		events.TypeBrowserStopped,
		events.TypeTabCreated,
		events.TypeTabClosed,
	}
}

func (w *AboutBlank) Emits() []events.Type {
	return []events.Type{events.TypeNavigateToURL, events.TypeCloseTab}
}

func (w *AboutBlank) OnBrowserConnected(ctx context.Context, _ *events.BrowserConnected) error {
	w.ensure(ctx)
	return nil
}

func (w *AboutBlank) OnBrowserStopped(context.Context, *events.BrowserStopped) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	clear(w.seen)
	w.seq = 0
	return nil
}

func (w *AboutBlank) OnTabCreated(ctx context.Context, ev *events.TabCreated) error {
	w.order(ev.TargetID)
	w.ensure(ctx)
	return nil
}

func (w *AboutBlank) OnTabClosed(ctx context.Context, ev *events.TabClosed) error {
	w.mu.Lock()
	delete(w.seen, ev.TargetID)
	w.mu.Unlock()
	w.ensure(ctx)
	return nil
}

// order records the first time a target is observed.
func (w *AboutBlank) order(id target.ID) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if n, ok := w.seen[id]; ok {
		return n
	}
	w.seq++
	w.seen[id] = w.seq
	return w.seq
}

func (w *AboutBlank) ensure(ctx context.Context) {
	pages, err := w.pool.Pages(ctx)
	if err != nil {
		w.logger.Warn("Failed to list tabs", zap.Error(err))
		return
	}
	if len(pages) == 0 {
		w.logger.Info("No tabs left, opening a placeholder tab")
		err := w.bus.Dispatch(ctx, &events.NavigateToURL{
			URL:       events.BlankURL,
			NewTab:    true,
			WaitUntil: "commit",
		}).Wait(ctx)
		if err != nil {
			w.logger.Error("Failed to open placeholder tab", zap.Error(err))
		}
		return
	}

	var (
		keep   target.ID
		oldest int
		blanks []target.ID
	)
	for _, p := range pages {
		if !events.IsBlankURL(p.URL) {
			continue
		}
		blanks = append(blanks, p.TargetID)
		if n := w.order(p.TargetID); keep == "" || n < oldest {
			keep, oldest = p.TargetID, n
		}
	}
	if len(blanks) < 2 {
		return
	}

	focused := w.pool.FocusTargetID()
	for _, id := range blanks {
		// The focused tab may be a fresh blank tab about to be navigated.
		if id == keep || id == focused {
			continue
		}
		w.logger.Debug("Closing duplicate blank tab", zap.String("target_id", string(id)))
		if err := w.bus.Dispatch(ctx, &events.CloseTab{TargetID: id}).Wait(ctx); err != nil {
			w.logger.Warn("Failed to close duplicate blank tab", zap.String("target_id", string(id)), zap.Error(err))
		}
	}
}
