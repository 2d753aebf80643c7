package actions

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	cdpdom "github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/go-json-experiment/json"
	"go.uber.org/zap"

	"github.com/xkilldash9x/tabpilot/internal/browser/session"
	"github.com/xkilldash9x/tabpilot/internal/browsererr"
	"github.com/xkilldash9x/tabpilot/internal/events"
)

const defaultNavigationTimeout = 30 * time.Second

// Lifecycle phases a navigation can wait for.
const (
	waitCommit           = "commit"
	waitDOMContentLoaded = "domcontentloaded"
	waitLoad             = "load"
	waitNetworkIdle      = "networkidle"
)

// loadWaiter fans page lifecycle events out to pending navigations, keyed
// by target.
type loadWaiter struct {
	mu      sync.Mutex
	pending map[target.ID][]*loadWait
}

type loadWait struct {
	phase string
	done  chan struct{}
}

func newLoadWaiter() *loadWaiter {
	return &loadWaiter{pending: make(map[target.ID][]*loadWait)}
}

// register must be called before the command that triggers the load. The
// returned func drops the registration.
func (l *loadWaiter) register(id target.ID, phase string) (<-chan struct{}, func()) {
	wt := &loadWait{phase: phase, done: make(chan struct{})}
	l.mu.Lock()
	l.pending[id] = append(l.pending[id], wt)
	l.mu.Unlock()
	return wt.done, func() { l.drop(id, wt) }
}

func (l *loadWaiter) drop(id target.ID, wt *loadWait) {
	l.mu.Lock()
	defer l.mu.Unlock()
	list := l.pending[id]
	for i, p := range list {
		if p == wt {
			l.pending[id] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(l.pending[id]) == 0 {
		delete(l.pending, id)
	}
}

// notify releases waiters satisfied by phase. The load event also satisfies
// DOMContentLoaded waiters.
func (l *loadWaiter) notify(id target.ID, phase string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	keep := l.pending[id][:0]
	for _, wt := range l.pending[id] {
		if wt.phase == phase || (phase == waitLoad && wt.phase == waitDOMContentLoaded) {
			close(wt.done)
			continue
		}
		keep = append(keep, wt)
	}
	if len(keep) == 0 {
		delete(l.pending, id)
		return
	}
	l.pending[id] = keep
}

// watchLifecycle installs the lifecycle listener once per session.
func (w *Watchdog) watchLifecycle(s *session.Session) {
	id := s.TargetID
	s.ListenOnce("actions.lifecycle", func(ev any) {
		switch ev.(type) {
		case *page.EventLoadEventFired:
			w.loads.notify(id, waitLoad)
		case *page.EventDomContentEventFired:
			w.loads.notify(id, waitDOMContentLoaded)
		}
	})
}

func normalizeWaitUntil(v string) string {
	switch strings.ToLower(v) {
	case waitCommit:
		return waitCommit
	case waitDOMContentLoaded:
		return waitDOMContentLoaded
	case "", waitLoad, waitNetworkIdle:
		// Network idle is not tracked; the load event is the closest signal.
		return waitLoad
	}
	return waitLoad
}

// OnNavigateToURL loads ev.URL in the focused tab, or in a fresh tab that
// becomes the focus when ev.NewTab is set.
func (w *Watchdog) OnNavigateToURL(ctx context.Context, ev *events.NavigateToURL) error {
	var s *session.Session
	if ev.NewTab {
		id, err := w.pool.NewTab(ctx, events.BlankURL)
		if err != nil {
			return browsererr.Wrap(browsererr.KindNavigationFailed, "navigate", err).WithURL(ev.URL)
		}
		if s, err = w.pool.GetOrCreate(ctx, id, true); err != nil {
			return browsererr.Wrap(browsererr.KindNavigationFailed, "navigate", err).WithURL(ev.URL)
		}
		if err := w.pool.Activate(ctx, id); err != nil {
			w.logger.Debug("Could not activate new tab", zap.Error(err))
		}
	} else {
		var err error
		if s, err = w.focused(ctx); err != nil {
			return err
		}
	}

	phase := normalizeWaitUntil(ev.WaitUntil)
	timeout := ev.Timeout
	if timeout <= 0 {
		timeout = defaultNavigationTimeout
	}
	logger := w.logger.With(zap.String("target_id", string(s.TargetID)), zap.String("url", ev.URL))

	w.bus.Dispatch(ctx, &events.NavigationStarted{TargetID: s.TargetID, URL: ev.URL})

	var loaded <-chan struct{}
	if phase != waitCommit {
		w.watchLifecycle(s)
		var cancel func()
		loaded, cancel = w.loads.register(s.TargetID, phase)
		defer cancel()
	}

	_, _, errText, _, err := page.Navigate(ev.URL).Do(s.Context(ctx))
	if err == nil && errText != "" {
		err = fmt.Errorf("navigation error: %s", errText)
	}
	if err != nil {
		logger.Error("Navigation failed", zap.Error(err))
		w.bus.Dispatch(ctx, &events.NavigationComplete{TargetID: s.TargetID, URL: ev.URL, Error: err.Error()})
		return browsererr.Wrap(browsererr.KindNavigationFailed, "navigate", err).WithURL(ev.URL)
	}
	s.SetInfo(ev.URL, "")

	if loaded != nil {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-loaded:
		case <-timer.C:
			logger.Warn("Page did not reach the requested load state in time, continuing",
				zap.String("wait_until", phase), zap.Duration("timeout", timeout))
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	logger.Info("Navigated", zap.Bool("new_tab", ev.NewTab))
	w.bus.Dispatch(ctx, &events.NavigationComplete{TargetID: s.TargetID, URL: ev.URL})
	return nil
}

// OnGoBack moves one step back in the focused tab's history.
func (w *Watchdog) OnGoBack(ctx context.Context, _ *events.GoBack) error {
	return w.history(ctx, -1)
}

// OnGoForward moves one step forward in the focused tab's history.
func (w *Watchdog) OnGoForward(ctx context.Context, _ *events.GoForward) error {
	return w.history(ctx, 1)
}

func (w *Watchdog) history(ctx context.Context, step int64) error {
	op := "go_back"
	if step > 0 {
		op = "go_forward"
	}
	s, err := w.focused(ctx)
	if err != nil {
		return err
	}
	pctx := s.Context(ctx)
	current, entries, err := page.GetNavigationHistory().Do(pctx)
	if err != nil {
		return browsererr.Wrap(browsererr.KindNavigationFailed, op, err)
	}
	next := current + step
	if next < 0 || next >= int64(len(entries)) {
		w.logger.Warn("No history entry in that direction", zap.String("op", op), zap.Int64("index", current))
		return nil
	}
	entry := entries[next]
	if err := page.NavigateToHistoryEntry(entry.ID).Do(pctx); err != nil {
		return browsererr.Wrap(browsererr.KindNavigationFailed, op, err).WithURL(entry.URL)
	}
	s.SetInfo(entry.URL, entry.Title)
	w.logger.Info("Navigated through history", zap.String("op", op), zap.String("url", entry.URL))
	return sleep(ctx, w.opts.ClickSettle)
}

// OnRefresh reloads the focused tab.
func (w *Watchdog) OnRefresh(ctx context.Context, _ *events.Refresh) error {
	s, err := w.focused(ctx)
	if err != nil {
		return err
	}
	if err := page.Reload().Do(s.Context(ctx)); err != nil {
		return browsererr.Wrap(browsererr.KindNavigationFailed, "refresh", err).WithURL(s.URL())
	}
	w.logger.Info("Reloaded page", zap.String("url", s.URL()))
	return sleep(ctx, w.opts.ReloadSettle)
}

// WaitDuration clamps a requested wait into [0, max]. maxSeconds <= 0 uses
// fallback.
func WaitDuration(seconds, maxSeconds float64, fallback time.Duration) time.Duration {
	limit := fallback
	if maxSeconds > 0 {
		limit = time.Duration(maxSeconds * float64(time.Second))
	}
	d := time.Duration(max(seconds, 0) * float64(time.Second))
	return min(d, limit)
}

// OnWait sleeps without touching the browser.
func (w *Watchdog) OnWait(ctx context.Context, ev *events.Wait) error {
	d := WaitDuration(ev.Seconds, ev.MaxSeconds, w.opts.MaxWait)
	w.logger.Debug("Waiting", zap.Duration("duration", d))
	return sleep(ctx, d)
}

// OnSwitchTab moves the agent focus to ev.TargetID, or to the most recently
// opened page when it is empty.
func (w *Watchdog) OnSwitchTab(ctx context.Context, ev *events.SwitchTab) error {
	id := ev.TargetID
	if id == "" {
		pages, err := w.pool.Pages(ctx)
		if err != nil {
			return err
		}
		if len(pages) == 0 {
			return browsererr.New(browsererr.KindElementNotFound, "switch_tab", "no open tabs")
		}
		id = pages[len(pages)-1].TargetID
	}
	s, err := w.pool.GetOrCreate(ctx, id, true)
	if err != nil {
		return fmt.Errorf("failed to switch to tab %s: %w", id, err)
	}
	if err := w.pool.Activate(ctx, s.TargetID); err != nil {
		w.logger.Warn("Could not bring tab to front", zap.String("target_id", string(id)), zap.Error(err))
	}
	w.logger.Info("Switched tab", zap.String("target_id", string(id)), zap.String("url", s.URL()))
	return nil
}

// OnCloseTab closes the target. The browser reports the destruction, which
// is what moves the focus elsewhere.
func (w *Watchdog) OnCloseTab(ctx context.Context, ev *events.CloseTab) error {
	if err := w.pool.CloseTab(ctx, ev.TargetID); err != nil {
		return err
	}
	w.logger.Info("Closed tab", zap.String("target_id", string(ev.TargetID)))
	return nil
}

// TextSearchQueries returns the DOM search queries tried in order for text.
// XPath forms are skipped when text contains a double quote, which XPath 1.0
// string literals cannot escape.
func TextSearchQueries(text string) []string {
	if strings.Contains(text, `"`) {
		return []string{text}
	}
	return []string{
		text,
		fmt.Sprintf(`//*[contains(text(), "%s")]`, text),
		fmt.Sprintf(`//*[contains(., "%s")]`, text),
	}
}

const jsScrollToText = `(() => {
	const needle = %s.toLowerCase();
	const walker = document.createTreeWalker(document.body, NodeFilter.SHOW_TEXT);
	let node;
	while ((node = walker.nextNode())) {
		if (node.textContent.toLowerCase().includes(needle)) {
			const el = node.parentElement;
			if (!el) continue;
			el.scrollIntoView({behavior: 'auto', block: 'center', inline: 'nearest'});
			return true;
		}
	}
	return false;
})()`

// OnScrollToText scrolls the first element containing ev.Text into view,
// trying the DOM search before a script walk of the text nodes.
func (w *Watchdog) OnScrollToText(ctx context.Context, ev *events.ScrollToText) error {
	s, err := w.focused(ctx)
	if err != nil {
		return err
	}
	pctx := s.Context(ctx)

	// Search requires the DOM agent to have the full document.
	if _, err := cdpdom.GetDocument().WithDepth(-1).Do(pctx); err != nil {
		w.logger.Debug("Could not load document for search", zap.Error(err))
	}
	for _, q := range TextSearchQueries(ev.Text) {
		if w.scrollToSearchResult(pctx, q) {
			w.logger.Debug("Scrolled to text", zap.String("text", ev.Text), zap.String("query", q))
			return nil
		}
	}

	needle, err := json.Marshal(ev.Text)
	if err != nil {
		return browsererr.Wrap(browsererr.KindScrollFailed, "scroll_to_text", err)
	}
	var found bool
	if err := evaluate(pctx, fmt.Sprintf(jsScrollToText, needle), &found); err != nil {
		w.logger.Debug("Script text search failed", zap.Error(err))
	}
	if found {
		w.logger.Debug("Scrolled to text via script", zap.String("text", ev.Text))
		return nil
	}
	return browsererr.New(browsererr.KindElementNotFound, "scroll_to_text",
		fmt.Sprintf("text %q not found on page", ev.Text))
}

func (w *Watchdog) scrollToSearchResult(ctx context.Context, query string) bool {
	searchID, count, err := cdpdom.PerformSearch(query).Do(ctx)
	if err != nil {
		w.logger.Debug("DOM search failed", zap.String("query", query), zap.Error(err))
		return false
	}
	defer func() {
		if err := cdpdom.DiscardSearchResults(searchID).Do(ctx); err != nil {
			w.logger.Debug("Failed to discard search results", zap.Error(err))
		}
	}()
	if count == 0 {
		return false
	}
	ids, err := cdpdom.GetSearchResults(searchID, 0, 1).Do(ctx)
	if err != nil || len(ids) == 0 {
		return false
	}
	if err := cdpdom.ScrollIntoViewIfNeeded().WithNodeID(ids[0]).Do(ctx); err != nil {
		w.logger.Debug("Failed to scroll search result into view", zap.Error(err))
		return false
	}
	return true
}

// OnUploadFile sets the file of an <input type=file>.
func (w *Watchdog) OnUploadFile(ctx context.Context, ev *events.UploadFile) error {
	s, err := w.sessionFor(ctx, ev.Node, "upload_file")
	if err != nil {
		return err
	}
	if !ev.Node.IsFileInput() {
		return browsererr.New(browsererr.KindFileInputMisuse, "upload_file", "element is not a file input").
			WithIndex(ev.Node.Index).
			WithRemediation("Use click_element_by_index for non-file input elements")
	}
	err = cdpdom.SetFileInputFiles([]string{ev.FilePath}).WithBackendNodeID(ev.Node.BackendNodeID).Do(s.Context(ctx))
	if err != nil {
		return browsererr.Wrap(browsererr.KindUploadFailed, "upload_file", err).
			WithIndex(ev.Node.Index).WithPath(ev.FilePath)
	}
	w.logger.Info("Uploaded file", zap.Int("index", ev.Node.Index), zap.String("path", ev.FilePath))
	return nil
}
