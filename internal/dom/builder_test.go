package dom_test

import (
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/accessibility"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/domsnapshot"
	"github.com/go-json-experiment/json/jsontext"

	"github.com/xkilldash9x/tabpilot/internal/dom"
)

// pageBuilder assembles the three protocol payloads of a synthetic page so
// that structural nodes, snapshot rows and accessibility nodes agree on ids.
type pageBuilder struct {
	next    int64
	strs    []string
	strIdx  map[string]int64
	nodes   domsnapshot.NodeTreeSnapshot
	layout  domsnapshot.LayoutTreeSnapshot
	ax      []*accessibility.Node
	frames  []*domsnapshot.DocumentSnapshot
	scrollY float64
}

func newPage() *pageBuilder {
	return &pageBuilder{strIdx: make(map[string]int64)}
}

// box is x, y, width, height in CSS px. A nil box means no layout object.
type box []float64

func (b *pageBuilder) str(s string) int64 {
	if i, ok := b.strIdx[s]; ok {
		return i
	}
	b.strs = append(b.strs, s)
	b.strIdx[s] = int64(len(b.strs) - 1)
	return b.strIdx[s]
}

func (b *pageBuilder) row(n *cdp.Node, bx box, styles map[string]string) {
	i := int64(len(b.nodes.BackendNodeID))
	b.nodes.BackendNodeID = append(b.nodes.BackendNodeID, n.BackendNodeID)
	b.nodes.NodeType = append(b.nodes.NodeType, int64(n.NodeType))
	if bx == nil {
		return
	}
	var st domsnapshot.ArrayOfStrings
	for _, name := range dom.SnapshotStyles {
		v, ok := styles[name]
		if !ok {
			v = map[string]string{"display": "block", "visibility": "visible", "opacity": "1", "cursor": "auto", "overflow": "visible"}[name]
		}
		st = append(st, b.str(v))
	}
	b.layout.NodeIndex = append(b.layout.NodeIndex, i)
	b.layout.Bounds = append(b.layout.Bounds, domsnapshot.Rectangle(bx))
	b.layout.Styles = append(b.layout.Styles, st)
	b.layout.PaintOrders = append(b.layout.PaintOrders, int64(len(b.layout.PaintOrders)))
	b.layout.ClientRects = append(b.layout.ClientRects, domsnapshot.Rectangle{})
	b.layout.ScrollRects = append(b.layout.ScrollRects, domsnapshot.Rectangle{})
}

func (b *pageBuilder) id() int64 {
	b.next++
	return b.next
}

// el creates an element with default styles. attrs is a flat name/value list.
func (b *pageBuilder) el(tag string, bx box, attrs ...string) *cdp.Node {
	return b.styled(tag, bx, nil, attrs...)
}

func (b *pageBuilder) styled(tag string, bx box, styles map[string]string, attrs ...string) *cdp.Node {
	id := b.id()
	n := &cdp.Node{
		NodeID:        cdp.NodeID(id),
		BackendNodeID: cdp.BackendNodeID(id),
		NodeType:      cdp.NodeTypeElement,
		NodeName:      strings.ToUpper(tag),
		LocalName:     tag,
		Attributes:    attrs,
	}
	b.row(n, bx, styles)
	return n
}

func (b *pageBuilder) text(s string, bx box) *cdp.Node {
	id := b.id()
	n := &cdp.Node{
		NodeID:        cdp.NodeID(id),
		BackendNodeID: cdp.BackendNodeID(id),
		NodeType:      cdp.NodeTypeText,
		NodeName:      "#text",
		NodeValue:     s,
	}
	b.row(n, bx, nil)
	return n
}

// scrollRect marks n as overflowing its client area.
func (b *pageBuilder) scrollRect(n *cdp.Node, client, scroll box) {
	for i, backend := range b.nodes.BackendNodeID {
		if backend != n.BackendNodeID {
			continue
		}
		for row, ni := range b.layout.NodeIndex {
			if ni == int64(i) {
				b.layout.ClientRects[row] = domsnapshot.Rectangle(client)
				b.layout.ScrollRects[row] = domsnapshot.Rectangle(scroll)
			}
		}
	}
}

func (b *pageBuilder) axProp(n *cdp.Node, role string, props ...string) {
	ax := &accessibility.Node{
		NodeID:           accessibility.NodeID(fmt.Sprintf("ax-%d", len(b.ax))),
		BackendDOMNodeID: n.BackendNodeID,
	}
	if role != "" {
		ax.Role = &accessibility.Value{Type: accessibility.ValueTypeRole, Value: jsontext.Value(`"` + role + `"`)}
	}
	for _, p := range props {
		ax.Properties = append(ax.Properties, &accessibility.Property{
			Name:  accessibility.PropertyName(p),
			Value: &accessibility.Value{Type: accessibility.ValueTypeBooleanOrUndefined, Value: jsontext.Value("true")},
		})
	}
	b.ax = append(b.ax, ax)
}

// frame builds the content document of host as a separate snapshot document,
// the way frames are reported. Bounds inside it are relative to the frame.
func (b *pageBuilder) frame(host *cdp.Node, body func() []*cdp.Node) {
	mainNodes, mainLayout := b.nodes, b.layout
	b.nodes, b.layout = domsnapshot.NodeTreeSnapshot{}, domsnapshot.LayoutTreeSnapshot{}
	html := kids(b.el("html", box{0, 0, 400, 300}), kids(b.el("body", box{0, 0, 400, 300}), body()...))
	id := b.id()
	doc := &cdp.Node{NodeID: cdp.NodeID(id), BackendNodeID: cdp.BackendNodeID(id), NodeType: cdp.NodeTypeDocument, NodeName: "#document",
		Children: []*cdp.Node{html}}
	nodes, layout := b.nodes, b.layout
	b.nodes, b.layout = mainNodes, mainLayout

	b.frames = append(b.frames, &domsnapshot.DocumentSnapshot{Nodes: &nodes, Layout: &layout})
	if b.nodes.ContentDocumentIndex == nil {
		b.nodes.ContentDocumentIndex = &domsnapshot.RareIntegerData{}
	}
	for i, backend := range b.nodes.BackendNodeID {
		if backend == host.BackendNodeID {
			cdi := b.nodes.ContentDocumentIndex
			cdi.Index = append(cdi.Index, int64(i))
			cdi.Value = append(cdi.Value, int64(len(b.frames)))
		}
	}
	host.ContentDocument = doc
}

func kids(parent *cdp.Node, children ...*cdp.Node) *cdp.Node {
	parent.Children = append(parent.Children, children...)
	return parent
}

// capture wraps body in html and a document node and returns the payloads.
func (b *pageBuilder) capture(body ...*cdp.Node) *dom.Capture {
	html := kids(b.el("html", box{0, 0, 1280, 2000}), kids(b.el("body", box{0, 0, 1280, 2000}), body...))
	doc := &cdp.Node{NodeID: 1000, BackendNodeID: 1000, NodeType: cdp.NodeTypeDocument, NodeName: "#document"}
	doc.Children = []*cdp.Node{html}
	return &dom.Capture{
		Root: doc,
		AX:   b.ax,
		Documents: append([]*domsnapshot.DocumentSnapshot{{
			Nodes:  &b.nodes,
			Layout: &b.layout,
		}}, b.frames...),
		Strings:  b.strs,
		Viewport: dom.Viewport{Width: 1280, Height: 720, ScrollY: b.scrollY, DPR: 1},
	}
}

func mustBuild(c *dom.Capture) *dom.Tree {
	t, err := dom.Build(c, 0)
	if err != nil {
		panic(err)
	}
	return t
}
