package dom

import (
	"strconv"
	"strings"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/domsnapshot"
)

// snapshotRow is what the layout snapshot knows about one backend node.
type snapshotRow struct {
	clickable bool
	// layout is nil when the node has no layout object or was outside the
	// early-filter window.
	layout *Layout
	// origin is the top-level document position of the frame document the
	// row belongs to. Layout bounds are relative to that document.
	origin offset
}

type offset struct{ X, Y float64 }

// snapshotIndex maps backend node ids to their snapshot rows.
type snapshotIndex struct {
	rows     map[cdp.BackendNodeID]snapshotRow
	viewport Viewport
	window   Rect
	filtered int
}

// filterWindow is the document-space area whose nodes get layout data. It
// spans the full width and extends the viewport vertically by tolerance.
func filterWindow(vp Viewport, tolerance float64) Rect {
	if tolerance < 0 {
		tolerance = 0
	}
	return Rect{
		X:      -1e9,
		Y:      vp.ScrollY - tolerance,
		Width:  2e9,
		Height: vp.Height + 2*tolerance,
	}
}

// indexSnapshot walks every snapshot document once. The layout-row lookup is
// built per document before any node is visited, so each node costs one map
// read. Rows outside the filter window keep their clickability hint but skip
// style and geometry extraction. Frame documents are tested at their position
// in the top-level document.
func indexSnapshot(c *Capture, tolerance float64) *snapshotIndex {
	idx := &snapshotIndex{
		rows:     make(map[cdp.BackendNodeID]snapshotRow),
		viewport: c.Viewport,
		window:   filterWindow(c.Viewport, tolerance),
	}
	dpr := c.Viewport.DPR
	if dpr <= 0 {
		dpr = 1
	}

	layoutRows := make([]map[int64]int, len(c.Documents))
	for di, doc := range c.Documents {
		layoutRow := make(map[int64]int)
		if doc != nil && doc.Layout != nil {
			for row, nodeIndex := range doc.Layout.NodeIndex {
				if _, dup := layoutRow[nodeIndex]; !dup {
					layoutRow[nodeIndex] = row
				}
			}
		}
		layoutRows[di] = layoutRow
	}
	origins := frameOrigins(c.Documents, layoutRows, dpr)

	for di, doc := range c.Documents {
		if doc == nil || doc.Nodes == nil {
			continue
		}
		nodes := doc.Nodes
		layoutRow := layoutRows[di]
		origin := origins[di]

		clickable := make(map[int64]struct{})
		if nodes.IsClickable != nil {
			for _, i := range nodes.IsClickable.Index {
				clickable[i] = struct{}{}
			}
		}

		for i, backendID := range nodes.BackendNodeID {
			r := snapshotRow{origin: origin}
			_, r.clickable = clickable[int64(i)]
			if row, ok := layoutRow[int64(i)]; ok {
				if l := readLayout(doc.Layout, row, c.Strings, dpr); l != nil {
					if l.Bounds.Area() > 0 && !l.Bounds.Translate(origin.X, origin.Y).Intersects(idx.window) {
						idx.filtered++
					} else {
						r.layout = l
					}
				}
			}
			idx.rows[backendID] = r
		}
	}
	return idx
}

// frameOrigins places every snapshot document in top-level document space.
// A frame document sits at its host element's origin, less its own scroll
// offset. Documents whose host cannot be found are placed at 0,0.
func frameOrigins(docs []*domsnapshot.DocumentSnapshot, layoutRows []map[int64]int, dpr float64) []offset {
	type host struct {
		doc  int
		node int64
	}
	hosts := make(map[int]host)
	for di, doc := range docs {
		if doc == nil || doc.Nodes == nil || doc.Nodes.ContentDocumentIndex == nil {
			continue
		}
		cdi := doc.Nodes.ContentDocumentIndex
		for k, node := range cdi.Index {
			if k < len(cdi.Value) {
				hosts[int(cdi.Value[k])] = host{doc: di, node: node}
			}
		}
	}

	out := make([]offset, len(docs))
	done := make([]bool, len(docs))
	var resolve func(di, depth int) offset
	resolve = func(di, depth int) offset {
		if done[di] {
			return out[di]
		}
		h, ok := hosts[di]
		if !ok || h.doc == di || h.doc < 0 || h.doc >= len(docs) || depth > len(docs) {
			done[di] = true
			return out[di]
		}
		o := resolve(h.doc, depth+1)
		if row, ok := layoutRows[h.doc][h.node]; ok && row < len(docs[h.doc].Layout.Bounds) {
			if b, ok := toRect(docs[h.doc].Layout.Bounds[row], dpr); ok {
				o.X += b.X
				o.Y += b.Y
			}
		}
		if d := docs[di]; d != nil {
			o.X -= d.ScrollOffsetX / dpr
			o.Y -= d.ScrollOffsetY / dpr
		}
		out[di], done[di] = o, true
		return o
	}
	for di := range docs {
		resolve(di, 0)
	}
	return out
}

func readLayout(lt *domsnapshot.LayoutTreeSnapshot, row int, strs []string, dpr float64) *Layout {
	if row >= len(lt.Bounds) {
		return nil
	}
	bounds, ok := toRect(lt.Bounds[row], dpr)
	if !ok {
		return nil
	}
	l := &Layout{Bounds: bounds, Styles: make(map[string]string, len(SnapshotStyles))}
	if row < len(lt.Styles) {
		for i, si := range lt.Styles[row] {
			if i >= len(SnapshotStyles) {
				break
			}
			l.Styles[SnapshotStyles[i]] = lookup(strs, si)
		}
	}
	if row < len(lt.ClientRects) {
		if r, ok := toRect(lt.ClientRects[row], dpr); ok {
			l.ClientRect = &r
		}
	}
	if row < len(lt.ScrollRects) {
		if r, ok := toRect(lt.ScrollRects[row], dpr); ok {
			l.ScrollRect = &r
		}
	}
	if row < len(lt.PaintOrders) {
		l.PaintOrder = lt.PaintOrders[row]
	}
	return l
}

func toRect(r domsnapshot.Rectangle, dpr float64) (Rect, bool) {
	if len(r) < 4 {
		return Rect{}, false
	}
	return Rect{X: r[0] / dpr, Y: r[1] / dpr, Width: r[2] / dpr, Height: r[3] / dpr}, true
}

func lookup(strs []string, i int64) string {
	if i < 0 || int(i) >= len(strs) {
		return ""
	}
	return strs[i]
}

// isVisible applies the CSS visibility rules and the window intersection test.
// origin places l's frame document in top-level document space.
func isVisible(l *Layout, origin offset, window Rect) bool {
	if l == nil {
		return false
	}
	if l.Style("display") == "none" || l.Style("visibility") == "hidden" {
		return false
	}
	if op := l.Style("opacity"); op != "" {
		if v, err := strconv.ParseFloat(op, 64); err == nil && v <= 0 {
			return false
		}
	}
	return l.Bounds.Area() > 0 && l.Bounds.Translate(origin.X, origin.Y).Intersects(window)
}

// isScrollable combines the protocol's own flag with an overflow check on the
// snapshot rects.
func isScrollable(protocolFlag bool, l *Layout) bool {
	if protocolFlag {
		return true
	}
	if l == nil || l.ScrollRect == nil || l.ClientRect == nil {
		return false
	}
	overflow := l.Style("overflow")
	if !strings.Contains(overflow, "auto") && !strings.Contains(overflow, "scroll") && !strings.Contains(overflow, "overlay") {
		return false
	}
	return l.ScrollRect.Width > l.ClientRect.Width+1 || l.ScrollRect.Height > l.ClientRect.Height+1
}
