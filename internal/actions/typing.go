package actions

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/cdp"
	cdpdom "github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/runtime"
	"go.uber.org/zap"

	"github.com/xkilldash9x/tabpilot/internal/browser/session"
	"github.com/xkilldash9x/tabpilot/internal/browsererr"
	"github.com/xkilldash9x/tabpilot/internal/dom"
	"github.com/xkilldash9x/tabpilot/internal/events"
)

const (
	jsClear      = `function() { if (this.value !== undefined) this.value = ""; if (this.textContent !== undefined) this.textContent = ""; }`
	jsFocus      = `function() { this.focus(); }`
	jsClickFocus = `function() { this.click(); this.focus(); }`
)

// OnTypeText types into the element, or into whatever has focus when the
// event carries no indexed element. A failure on the element falls back to
// a click followed by page-level typing.
func (w *Watchdog) OnTypeText(ctx context.Context, ev *events.TypeText) error {
	s, err := w.focused(ctx)
	if err != nil {
		return err
	}
	if ev.Node == nil || ev.Node.Index == 0 {
		if err := w.typeToPage(ctx, s, ev.Text); err != nil {
			return browsererr.Wrap(browsererr.KindTypeFailed, "type_text", err)
		}
		w.logger.Info("Typed text into the page", zap.Int("chars", len([]rune(ev.Text))))
		return nil
	}

	err = w.typeInto(ctx, s, ev.Node, ev.Text, ev.Clear || ev.Text == "")
	if err == nil {
		w.logger.Info("Typed text into element", zap.Int("index", ev.Node.Index))
		return nil
	}
	w.logger.Warn("Failed to type into element, falling back to page typing",
		zap.Int("index", ev.Node.Index), zap.Error(err))

	clickCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	if cerr := w.click(clickCtx, s, ev.Node, false); cerr != nil {
		w.logger.Debug("Fallback click failed", zap.Error(cerr))
	}
	cancel()
	if err := w.typeToPage(ctx, s, ev.Text); err != nil {
		return browsererr.Wrap(browsererr.KindTypeFailed, "type_text", err).WithIndex(ev.Node.Index)
	}
	return nil
}

func (w *Watchdog) typeToPage(ctx context.Context, s *session.Session, text string) error {
	if err := w.pool.Activate(ctx, s.TargetID); err != nil {
		w.logger.Debug("Activate before typing failed", zap.Error(err))
	}
	return typeChars(s.Context(ctx), text, false, w.opts.PageTypeDelay)
}

// typeInto focuses n through the first strategy that works and types text.
// Typing goes ahead even when every focus strategy fails.
func (w *Watchdog) typeInto(ctx context.Context, s *session.Session, n *dom.Node, text string, clear bool) error {
	ctx = s.Context(ctx)
	id := n.BackendNodeID

	if err := cdpdom.ScrollIntoViewIfNeeded().WithBackendNodeID(id).Do(ctx); err != nil {
		w.logger.Warn("Failed to scroll element into view before typing", zap.Error(err))
	}
	obj, err := resolve(ctx, id)
	if err != nil {
		return err
	}
	if clear {
		if err := callOn(ctx, obj, jsClear, nil); err != nil {
			return fmt.Errorf("failed to clear element: %w", err)
		}
	}
	if !w.focus(ctx, id, obj) {
		w.logger.Warn("All focus strategies failed, typing without explicit focus", zap.Int("index", n.Index))
	}
	return typeChars(ctx, text, true, w.opts.TypeDelay)
}

func (w *Watchdog) focus(ctx context.Context, id cdp.BackendNodeID, obj runtime.RemoteObjectID) bool {
	err := cdpdom.Focus().WithBackendNodeID(id).Do(ctx)
	if err == nil {
		return true
	}
	w.logger.Debug("Native focus failed", zap.Error(err))

	if err = callOn(ctx, obj, jsFocus, nil); err == nil {
		return true
	}
	w.logger.Debug("Script focus failed", zap.Error(err))

	if err = callOn(ctx, obj, jsClickFocus, nil); err == nil {
		return true
	}
	w.logger.Debug("Click and focus failed", zap.Error(err))

	var r dom.Rect
	if err = callOn(ctx, obj, jsBoundingRect, &r); err != nil || r.Area() <= 0 {
		w.logger.Debug("Element bounds not available for mouse focus", zap.Error(err))
		return false
	}
	x, y := r.Center()
	if err = mouse(ctx, input.MousePressed, x, y, 0); err == nil {
		err = mouse(ctx, input.MouseReleased, x, y, 0)
	}
	if err != nil {
		w.logger.Debug("Mouse focus failed", zap.Error(err))
		return false
	}
	return true
}

// typeChars sends keyDown, char and keyUp for every rune. withKey also sets
// the key on the char event, which element typing needs and page typing does not.
func typeChars(ctx context.Context, text string, withKey bool, delay time.Duration) error {
	for _, r := range text {
		ch := string(r)
		if err := key(ctx, input.DispatchKeyEvent(input.KeyDown).WithKey(ch)); err != nil {
			return err
		}
		char := input.DispatchKeyEvent(input.KeyChar).WithText(ch)
		if withKey {
			char = char.WithKey(ch)
		}
		if err := key(ctx, char); err != nil {
			return err
		}
		if err := key(ctx, input.DispatchKeyEvent(input.KeyUp).WithKey(ch)); err != nil {
			return err
		}
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
	return nil
}
