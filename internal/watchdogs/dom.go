package watchdogs

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/tabpilot/internal/browser/session"
	"github.com/xkilldash9x/tabpilot/internal/browsererr"
	"github.com/xkilldash9x/tabpilot/internal/browserstate"
	"github.com/xkilldash9x/tabpilot/internal/dom"
	"github.com/xkilldash9x/tabpilot/internal/eventbus"
	"github.com/xkilldash9x/tabpilot/internal/events"
)

// PopupSource yields texts of dialogs handled since the last call.
type PopupSource interface {
	Messages() []string
}

// DOM answers BrowserStateRequest with a full snapshot of the focused page
// and keeps the last one for diffing and index lookups.
type DOM struct {
	pool    *session.Pool
	bus     *eventbus.Bus
	service *dom.Service
	popups  PopupSource
	logger  *zap.Logger
	cache   browserstate.Cache
}

// NewDOM creates the DOM watchdog. popups may be nil.
func NewDOM(pool *session.Pool, bus *eventbus.Bus, service *dom.Service, popups PopupSource, logger *zap.Logger) *DOM {
	return &DOM{
		pool:    pool,
		bus:     bus,
		service: service,
		popups:  popups,
		logger:  logger.Named("dom_watchdog"),
	}
}

func (w *DOM) Name() string { return "dom_watchdog" }

func (w *DOM) ListensTo() []events.Type {
	return []events.Type{events.TypeBrowserStateRequest, events.TypeBrowserStopped}
}

func (w *DOM) Emits() []events.Type { return []events.Type{events.TypeScreenshot} }

func (w *DOM) OnBrowserStopped(context.Context, *events.BrowserStopped) error {
	w.ClearCache()
	return nil
}

// OnBrowserStateRequest builds the snapshot. DOM extraction and the
// screenshot run concurrently; either failing degrades the snapshot rather
// than failing the request.
func (w *DOM) OnBrowserStateRequest(ctx context.Context, ev *events.BrowserStateRequest) (*browserstate.Snapshot, error) {
	s, err := w.pool.GetOrCreate(ctx, "", true)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve focused page: %w", err)
	}
	pctx := s.Context(ctx)

	snap := &browserstate.Snapshot{}
	snap.Tabs = w.tabs(ctx, s)
	snap.URL, snap.Title = s.URL(), s.Title()
	if ev.IncludeRecentEvents {
		snap.RecentEvents = browserstate.RecentEvents(w.bus.Recent(browserstate.RecentEventLimit))
	}
	if w.popups != nil {
		snap.ClosedPopupMessages = w.popups.Messages()
	}

	// Internal pages carry nothing worth extracting.
	if !browserstate.IsHTTP(snap.URL) {
		snap.DOM = dom.EmptyState()
		snap.PageInfo = browserstate.FallbackPageInfo()
		return snap, nil
	}

	var mu sync.Mutex
	degrade := func(msg string, err error) {
		w.logger.Warn(msg, zap.String("url", snap.URL), zap.Error(err))
		mu.Lock()
		snap.BrowserErrors = append(snap.BrowserErrors, fmt.Sprintf("%s: %v", msg, err))
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	if !ev.SkipDOM {
		prev := w.cache.PreviousSelectorMap()
		g.Go(func() error {
			st, err := w.service.Extract(s.Context(gctx), prev)
			if err != nil {
				degrade("DOM extraction failed", err)
				return nil
			}
			snap.DOM = st
			return nil
		})
	}
	if ev.IncludeScreenshot {
		g.Go(func() error {
			shot, err := eventbus.ResultOf[string](gctx, w.bus.Dispatch(gctx, &events.Screenshot{}))
			if err != nil {
				degrade("Screenshot failed", err)
				return nil
			}
			snap.Screenshot = shot
			return nil
		})
	}
	_ = g.Wait()

	info, err := browserstate.FetchPageInfo(pctx)
	if err != nil {
		w.logger.Debug("Using fallback page geometry", zap.Error(err))
		info = browserstate.FallbackPageInfo()
	}
	snap.PageInfo = info
	snap.IsPDFViewer = browserstate.IsPDFViewer(snap.URL)

	if snap.DOM == nil {
		snap.DOM = dom.EmptyState()
	} else {
		w.cache.Set(snap)
	}
	return snap, nil
}

// tabs lists open pages and refreshes s's url and title from the browser.
func (w *DOM) tabs(ctx context.Context, s *session.Session) []browserstate.TabInfo {
	pages, err := w.pool.Pages(ctx)
	if err != nil {
		w.logger.Debug("Failed to list tabs", zap.Error(err))
		return nil
	}
	tabs := make([]browserstate.TabInfo, 0, len(pages))
	for _, p := range pages {
		if p.TargetID == s.TargetID {
			s.SetInfo(p.URL, p.Title)
		}
		tabs = append(tabs, browserstate.TabInfo{
			TargetID:       p.TargetID,
			URL:            p.URL,
			Title:          p.Title,
			ParentTargetID: p.OpenerID,
		})
	}
	return tabs
}

// ElementByIndex looks index up in the last snapshot. With no snapshot cached
// yet the focused page is extracted first, so an index from a caller that
// never asked for the state still resolves.
func (w *DOM) ElementByIndex(ctx context.Context, index int) (*dom.Node, error) {
	if len(w.cache.PreviousSelectorMap()) == 0 {
		w.logger.Debug("No cached selector map, extracting page", zap.Int("index", index))
		if err := w.bus.Dispatch(ctx, &events.BrowserStateRequest{}).Wait(ctx); err != nil {
			return nil, fmt.Errorf("failed to extract page elements: %w", err)
		}
	}
	if n := w.cache.PreviousSelectorMap()[index]; n != nil {
		return n, nil
	}
	return nil, browsererr.New(browsererr.KindElementNotFound, "element_by_index",
		fmt.Sprintf("element with index %d does not exist", index)).
		WithIndex(index).
		WithRemediation("Request the browser state again to refresh element indices")
}

// ElementByHash finds an element of the last snapshot by its identity hash.
func (w *DOM) ElementByHash(hash string) *dom.Node {
	snap := w.cache.Get()
	if snap == nil || snap.DOM == nil {
		return nil
	}
	return snap.DOM.FindByHash(hash)
}

// IsFileInput reports whether the element at index is an <input type=file>.
func (w *DOM) IsFileInput(ctx context.Context, index int) bool {
	n, err := w.ElementByIndex(ctx, index)
	return err == nil && n.IsFileInput()
}

// ClearCache forgets the last snapshot; the next one marks no node as new.
func (w *DOM) ClearCache() { w.cache.Clear() }
