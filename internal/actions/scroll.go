package actions

import (
	"context"
	"errors"
	"fmt"

	cdpdom "github.com/chromedp/cdproto/dom"
	"go.uber.org/zap"

	"github.com/xkilldash9x/tabpilot/internal/browser/session"
	"github.com/xkilldash9x/tabpilot/internal/browsererr"
	"github.com/xkilldash9x/tabpilot/internal/dom"
	"github.com/xkilldash9x/tabpilot/internal/events"
)

// Wheel events do not reach the scroll state of iframe content, so frames
// are scrolled through their document element.
const jsScrollFrame = `function(dx, dy) {
	try {
		const doc = this.contentDocument || this.contentWindow.document;
		const el = doc && (doc.documentElement || doc.body);
		if (!el) return {success: false, error: 'Could not access iframe content'};
		const before = el.scrollTop;
		el.scrollLeft += dx;
		el.scrollTop += dy;
		return {success: true, scrolled: el.scrollTop - before};
	} catch (e) {
		return {success: false, error: e.toString()};
	}
}`

// ScrollDelta encodes direction as the sign of a wheel delta: down and right
// are positive, up and left negative.
func ScrollDelta(direction string, amount int) (dx, dy float64, err error) {
	a := float64(amount)
	switch direction {
	case "down", "":
		return 0, a, nil
	case "up":
		return 0, -a, nil
	case "right":
		return a, 0, nil
	case "left":
		return -a, 0, nil
	}
	return 0, 0, fmt.Errorf("unknown scroll direction %q", direction)
}

// OnScroll scrolls the element's own container when one is given and that
// works, the page otherwise.
func (w *Watchdog) OnScroll(ctx context.Context, ev *events.Scroll) error {
	dx, dy, err := ScrollDelta(ev.Direction, ev.Amount)
	if err != nil {
		return browsererr.Wrap(browsererr.KindScrollFailed, "scroll", err)
	}
	s, err := w.focused(ctx)
	if err != nil {
		return err
	}
	// Commands on an inactive target can stall until it is brought forward.
	if err := w.pool.Activate(ctx, s.TargetID); err != nil {
		w.logger.Debug("Activate before scroll failed", zap.Error(err))
	}

	if ev.Node != nil {
		if w.scrollContainer(ctx, s, ev.Node, dx, dy) {
			w.logger.Debug("Scrolled element container",
				zap.Int64("backend_node_id", int64(ev.Node.BackendNodeID)),
				zap.String("direction", ev.Direction), zap.Int("amount", ev.Amount))
			if ev.Node.Tag() == "iframe" {
				return sleep(ctx, w.opts.ClickSettle)
			}
			return nil
		}
	}

	pctx := s.Context(ctx)
	vw, vh, err := viewportSize(pctx)
	if err != nil {
		return browsererr.Wrap(browsererr.KindScrollFailed, "scroll", err)
	}
	if err := wheel(pctx, vw/2, vh/2, dx, dy); err != nil {
		return browsererr.Wrap(browsererr.KindScrollFailed, "scroll", err)
	}
	w.logger.Debug("Scrolled page", zap.String("direction", ev.Direction), zap.Int("amount", ev.Amount))
	return nil
}

func (w *Watchdog) scrollContainer(ctx context.Context, s *session.Session, n *dom.Node, dx, dy float64) bool {
	ctx = s.Context(ctx)
	logger := w.logger.With(zap.Int64("backend_node_id", int64(n.BackendNodeID)))

	if n.Tag() == "iframe" {
		obj, err := resolve(ctx, n.BackendNodeID)
		if err == nil {
			var res struct {
				Success  bool    `json:"success"`
				Scrolled float64 `json:"scrolled"`
				Error    string  `json:"error"`
			}
			err = callOn(ctx, obj, jsScrollFrame, &res, dx, dy)
			if err == nil && res.Success {
				logger.Debug("Scrolled iframe content", zap.Float64("scrolled", res.Scrolled))
				return true
			}
			if err == nil {
				err = errors.New(res.Error)
			}
		}
		logger.Debug("Failed to scroll iframe content", zap.Error(err))
	}

	model, err := cdpdom.GetBoxModel().WithBackendNodeID(n.BackendNodeID).Do(ctx)
	if err != nil || model == nil || len(model.Content) < 8 {
		logger.Debug("Failed to get container geometry", zap.Error(err))
		return false
	}
	q := model.Content
	x := (q[0] + q[2] + q[4] + q[6]) / 4
	y := (q[1] + q[3] + q[5] + q[7]) / 4
	if err := wheel(ctx, x, y, dx, dy); err != nil {
		logger.Debug("Failed to scroll element container", zap.Error(err))
		return false
	}
	return true
}
