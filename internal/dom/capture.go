package dom

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/accessibility"
	"github.com/chromedp/cdproto/cdp"
	cdpdom "github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/domsnapshot"
	"github.com/chromedp/cdproto/page"
	"golang.org/x/sync/errgroup"
)

// SnapshotStyles are the computed styles requested from the layout snapshot,
// in the order the snapshot reports them.
var SnapshotStyles = []string{
	"display", "visibility", "opacity", "position", "z-index",
	"pointer-events", "cursor", "overflow",
}

// Viewport describes the visible area of the top-level document.
type Viewport struct {
	Width   float64
	Height  float64
	ScrollX float64
	ScrollY float64
	// DPR is the device pixel ratio; snapshot bounds are divided by it.
	DPR float64
}

// Rect returns the visible area in document space.
func (v Viewport) Rect() Rect {
	return Rect{X: v.ScrollX, Y: v.ScrollY, Width: v.Width, Height: v.Height}
}

// Capture holds the raw protocol data of one extraction.
type Capture struct {
	Root      *cdp.Node
	AX        []*accessibility.Node
	Documents []*domsnapshot.DocumentSnapshot
	Strings   []string
	Viewport  Viewport
}

// CaptureDocument issues the three extraction calls and the layout metrics
// call concurrently. ctx must carry the executor of the focused session.
func CaptureDocument(ctx context.Context) (*Capture, error) {
	var c Capture
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		root, err := cdpdom.GetDocument().WithDepth(-1).WithPierce(true).Do(gctx)
		if err != nil {
			return fmt.Errorf("get document: %w", err)
		}
		c.Root = root
		return nil
	})
	g.Go(func() error {
		ax, err := accessibility.GetFullAXTree().Do(gctx)
		if err != nil {
			return fmt.Errorf("get accessibility tree: %w", err)
		}
		c.AX = ax
		return nil
	})
	g.Go(func() error {
		docs, strs, err := domsnapshot.CaptureSnapshot(SnapshotStyles).
			WithIncludeDOMRects(true).
			WithIncludePaintOrder(true).
			Do(gctx)
		if err != nil {
			return fmt.Errorf("capture snapshot: %w", err)
		}
		c.Documents, c.Strings = docs, strs
		return nil
	})
	g.Go(func() error {
		vp, err := GetViewport(gctx)
		if err != nil {
			return err
		}
		c.Viewport = vp
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &c, nil
}

// GetViewport reads the layout metrics of the page.
func GetViewport(ctx context.Context) (Viewport, error) {
	_, visual, _, _, cssVisual, _, err := page.GetLayoutMetrics().Do(ctx)
	if err != nil {
		return Viewport{}, fmt.Errorf("get layout metrics: %w", err)
	}
	vp := Viewport{DPR: 1}
	if cssVisual != nil {
		vp.Width, vp.Height = cssVisual.ClientWidth, cssVisual.ClientHeight
		vp.ScrollX, vp.ScrollY = cssVisual.PageX, cssVisual.PageY
		if visual != nil && cssVisual.ClientWidth > 0 && visual.ClientWidth > 0 {
			vp.DPR = visual.ClientWidth / cssVisual.ClientWidth
		}
	}
	return vp, nil
}
