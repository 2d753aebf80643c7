package watchdogs

import (
	"context"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"go.uber.org/zap"

	"github.com/xkilldash9x/tabpilot/internal/browser/session"
	"github.com/xkilldash9x/tabpilot/internal/events"
)

const dialogTimeout = 250 * time.Millisecond

// Dialogs accepts every JavaScript dialog so pages never stall on alert,
// confirm, prompt or beforeunload. The dialog texts are kept until the next
// browser state snapshot drains them.
type Dialogs struct {
	pool   *session.Pool
	logger *zap.Logger
	ctx    context.Context

	mu       sync.Mutex
	messages []string
	wg       sync.WaitGroup
}

func NewDialogs(pool *session.Pool, logger *zap.Logger) *Dialogs {
	return &Dialogs{
		pool:   pool,
		logger: logger.Named("popups_watchdog"),
		ctx:    context.Background(),
	}
}

func (w *Dialogs) Name() string { return "popups_watchdog" }

func (w *Dialogs) ListensTo() []events.Type {
	return []events.Type{events.TypeTabCreated, events.TypeBrowserStopped}
}

func (w *Dialogs) Emits() []events.Type { return nil }

func (w *Dialogs) OnTabCreated(ctx context.Context, ev *events.TabCreated) error {
	s, err := w.pool.GetOrCreate(ctx, ev.TargetID, false)
	if err != nil {
		w.logger.Debug("Failed to attach dialog handler", zap.String("target_id", string(ev.TargetID)), zap.Error(err))
		return nil
	}
	s.ListenOnce("dialogs", func(ev any) {
		if e, ok := ev.(*page.EventJavascriptDialogOpening); ok {
			// Listeners run on the event loop; answering inline would deadlock.
			w.wg.Add(1)
			go func() {
				defer w.wg.Done()
				w.accept(s, e)
			}()
		}
	})
	return nil
}

func (w *Dialogs) OnBrowserStopped(context.Context, *events.BrowserStopped) error {
	w.wg.Wait()
	w.mu.Lock()
	defer w.mu.Unlock()
	w.messages = nil
	return nil
}

// Messages returns and forgets the texts of dialogs handled so far.
func (w *Dialogs) Messages() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	msgs := w.messages
	w.messages = nil
	return msgs
}

// Wait blocks until in-flight dialog answers finish.
func (w *Dialogs) Wait() { w.wg.Wait() }

func (w *Dialogs) accept(s *session.Session, e *page.EventJavascriptDialogOpening) {
	w.logger.Info("Auto-accepting dialog",
		zap.String("type", string(e.Type)), zap.String("message", e.Message), zap.String("target_id", string(s.TargetID)))
	if e.Message != "" {
		w.mu.Lock()
		w.messages = append(w.messages, "["+string(e.Type)+"] "+e.Message)
		w.mu.Unlock()
	}

	handle := page.HandleJavaScriptDialog(true)
	if e.Type == page.DialogTypePrompt {
		handle = handle.WithPromptText(e.DefaultPrompt)
	}

	candidates := []*session.Session{s}
	if f := w.pool.Focused(); f != nil && f != s {
		candidates = append(candidates, f)
	}
	for _, c := range candidates {
		ctx, cancel := context.WithTimeout(c.Context(w.ctx), dialogTimeout)
		err := handle.Do(ctx)
		cancel()
		if err == nil {
			return
		}
		w.logger.Debug("Dialog answer failed", zap.String("target_id", string(c.TargetID)), zap.Error(err))
	}
	w.logger.Warn("Could not answer dialog", zap.String("target_id", string(s.TargetID)))
}
