package actions

import (
	"context"
	"errors"
	"fmt"

	"github.com/chromedp/cdproto/cdp"
	cdpdom "github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/target"
	"go.uber.org/zap"

	"github.com/xkilldash9x/tabpilot/internal/browser/session"
	"github.com/xkilldash9x/tabpilot/internal/browsererr"
	"github.com/xkilldash9x/tabpilot/internal/dom"
	"github.com/xkilldash9x/tabpilot/internal/events"
)

const (
	jsBoundingRect = `function() {
	const r = this.getBoundingClientRect();
	return {x: r.left, y: r.top, width: r.width, height: r.height};
}`
	jsClick = `function() { this.click(); }`
)

// Quad is four corner points x1,y1 through x4,y4 in CSS pixels.
type Quad = cdpdom.Quad

// BestQuad picks the quad with the largest area inside a vw×vh viewport,
// keeping the first one seen on ties. When no quad is visible it returns the
// first well-formed quad and ok=false.
func BestQuad(quads []Quad, vw, vh float64) (best Quad, ok bool) {
	viewport := dom.Rect{Width: vw, Height: vh}
	bestArea := 0.0
	for _, q := range quads {
		if len(q) < 8 {
			continue
		}
		area := quadBounds(q).Intersect(viewport).Area()
		if area > bestArea {
			best, bestArea = q, area
		}
	}
	if best != nil {
		return best, true
	}
	for _, q := range quads {
		if len(q) >= 8 {
			return q, false
		}
	}
	return nil, false
}

func quadBounds(q Quad) dom.Rect {
	minX, maxX, minY, maxY := q[0], q[0], q[1], q[1]
	for i := 2; i < 8; i += 2 {
		minX, maxX = min(minX, q[i]), max(maxX, q[i])
		minY, maxY = min(minY, q[i+1]), max(maxY, q[i+1])
	}
	return dom.Rect{X: minX, Y: minY, Width: maxX - minX, Height: maxY - minY}
}

// ClickPoint is the centroid of q clamped into the viewport.
func ClickPoint(q Quad, vw, vh float64) (x, y float64) {
	for i := 0; i < 8; i += 2 {
		x += q[i]
		y += q[i+1]
	}
	x, y = x/4, y/4
	x = max(0, min(vw-1, x))
	y = max(0, min(vh-1, y))
	return x, y
}

// BackgroundTabModifier is the modifier that opens links in a background tab.
func BackgroundTabModifier(goos string) input.Modifier {
	if goos == "darwin" {
		return input.ModifierMeta
	}
	return input.ModifierCtrl
}

// rejectClick refuses elements a synthetic click cannot operate.
func rejectClick(n *dom.Node) error {
	switch {
	case n.Tag() == "select":
		return browsererr.New(browsererr.KindClickFailed, "click", "cannot click on <select> elements").
			WithIndex(n.Index).
			WithRemediation(fmt.Sprintf("Use get_dropdown_options(index=%d) action instead", n.Index))
	case n.IsFileInput():
		return browsererr.New(browsererr.KindFileInputMisuse, "click", "cannot click on a file input element").
			WithIndex(n.Index).
			WithRemediation("File uploads must be handled using upload_file_to_element action")
	}
	return nil
}

// OnClickElement clicks the element and, when the click unexpectedly opened a
// tab, switches the agent focus to it.
func (w *Watchdog) OnClickElement(ctx context.Context, ev *events.ClickElement) error {
	s, err := w.sessionFor(ctx, ev.Node, "click")
	if err != nil {
		return err
	}
	if err := rejectClick(ev.Node); err != nil {
		return err
	}
	startID := s.TargetID
	before, err := w.pool.Pages(ctx)
	if err != nil {
		w.logger.Debug("Could not list pages before click", zap.Error(err))
	}

	if err := w.click(ctx, s, ev.Node, ev.NewTab); err != nil {
		return browsererr.Wrap(browsererr.KindClickFailed, "click", err).
			WithIndex(ev.Node.Index).
			WithRemediation(fmt.Sprintf("Element %s may not be interactable or visible", nodeLabel(ev.Node)))
	}
	w.logger.Debug("Clicked element", zap.Int("index", ev.Node.Index), zap.String("tag", ev.Node.Tag()))

	// Tab creation is asynchronous.
	if err := sleep(ctx, w.opts.ClickSettle); err != nil {
		return err
	}
	if _, err := w.pool.GetOrCreate(ctx, startID, true); err != nil {
		w.logger.Warn("Could not restore focus after click", zap.String("target_id", string(startID)), zap.Error(err))
	}
	if before == nil {
		return nil
	}
	after, err := w.pool.Pages(ctx)
	if err != nil {
		return nil
	}
	opened := newPages(before, after)
	if len(opened) == 0 {
		return nil
	}
	w.logger.Info("New tab opened by click", zap.String("target_id", string(opened[0])), zap.Bool("background", ev.NewTab))
	if ev.NewTab {
		return nil
	}
	return w.bus.Dispatch(ctx, &events.SwitchTab{TargetID: opened[0]}).Wait(ctx)
}

func newPages(before, after []*target.Info) []target.ID {
	seen := make(map[target.ID]bool, len(before))
	for _, t := range before {
		seen[t.TargetID] = true
	}
	var out []target.ID
	for _, t := range after {
		if !seen[t.TargetID] {
			out = append(out, t.TargetID)
		}
	}
	return out
}

// click resolves geometry through content quads, then the box model, then a
// bounding-rect script, and synthesizes the mouse gesture. Without any
// geometry, or when the gesture fails, it falls back to a script click.
func (w *Watchdog) click(ctx context.Context, s *session.Session, n *dom.Node, newTab bool) error {
	ctx = s.Context(ctx)
	logger := w.logger.With(zap.Int64("backend_node_id", int64(n.BackendNodeID)))

	vw, vh, err := viewportSize(ctx)
	if err != nil {
		return err
	}
	quads := w.geometry(ctx, n.BackendNodeID, logger)
	if len(quads) == 0 {
		logger.Warn("Could not get element geometry, falling back to script click")
		return w.scriptClick(ctx, n.BackendNodeID)
	}

	q, visible := BestQuad(quads, vw, vh)
	if q == nil {
		return w.scriptClick(ctx, n.BackendNodeID)
	}
	if !visible {
		logger.Warn("No visible quad found, using first quad")
	}
	x, y := ClickPoint(q, vw, vh)

	if err := cdpdom.ScrollIntoViewIfNeeded().WithBackendNodeID(n.BackendNodeID).Do(ctx); err != nil {
		logger.Debug("Failed to scroll element into view", zap.Error(err))
	}

	var mods input.Modifier
	if newTab {
		mods = BackgroundTabModifier(w.opts.GOOS)
	}
	if err := w.press(ctx, x, y, mods); err != nil {
		logger.Warn("Mouse click failed, falling back to script click", zap.Error(err))
		return w.scriptClick(ctx, n.BackendNodeID)
	}
	return nil
}

func (w *Watchdog) press(ctx context.Context, x, y float64, mods input.Modifier) error {
	if err := mouse(ctx, input.MouseMoved, x, y, 0); err != nil {
		return err
	}
	if err := sleep(ctx, w.opts.ClickPress); err != nil {
		return err
	}
	// A dialog opened by mousedown blocks the event; the release still goes out.
	if err := mouse(ctx, input.MousePressed, x, y, mods); err != nil {
		if !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		w.logger.Debug("Mouse down timed out, continuing")
	} else if err := sleep(ctx, w.opts.ClickRelease); err != nil {
		return err
	}
	if err := mouse(ctx, input.MouseReleased, x, y, mods); err != nil {
		if !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		w.logger.Debug("Mouse up timed out, continuing")
	}
	return nil
}

func (w *Watchdog) geometry(ctx context.Context, id cdp.BackendNodeID, logger *zap.Logger) []Quad {
	quads, err := cdpdom.GetContentQuads().WithBackendNodeID(id).Do(ctx)
	if err == nil && len(quads) > 0 {
		return quads
	}
	logger.Debug("Content quads unavailable", zap.Error(err))

	model, err := cdpdom.GetBoxModel().WithBackendNodeID(id).Do(ctx)
	if err == nil && model != nil && len(model.Content) >= 8 {
		return []Quad{model.Content}
	}
	logger.Debug("Box model unavailable", zap.Error(err))

	r, err := boundingRect(ctx, id)
	if err == nil && r.Area() > 0 {
		return []Quad{{r.X, r.Y, r.Right(), r.Y, r.Right(), r.Bottom(), r.X, r.Bottom()}}
	}
	logger.Debug("Bounding rect unavailable", zap.Error(err))
	return nil
}

func boundingRect(ctx context.Context, id cdp.BackendNodeID) (dom.Rect, error) {
	obj, err := resolve(ctx, id)
	if err != nil {
		return dom.Rect{}, err
	}
	var r dom.Rect
	err = callOn(ctx, obj, jsBoundingRect, &r)
	return r, err
}

func (w *Watchdog) scriptClick(ctx context.Context, id cdp.BackendNodeID) error {
	obj, err := resolve(ctx, id)
	if err != nil {
		return err
	}
	if err := callOn(ctx, obj, jsClick, nil); err != nil {
		return fmt.Errorf("script click failed: %w", err)
	}
	return sleep(ctx, w.opts.ClickSettle)
}
