// Package dom turns the protocol's structural DOM, accessibility tree and
// layout snapshot into one enhanced tree, prunes it to what an agent can act
// on, and renders it as an indexed outline.
//
// Nodes live in an arena (Tree) and reference each other by NodeID. A Tree is
// built once per extraction and never shared between extractions.
package dom

import (
	"math"
	"strings"

	"github.com/chromedp/cdproto/cdp"
)

// NodeType mirrors the DOM nodeType constants.
type NodeType int

const (
	ElementNode  NodeType = NodeType(cdp.NodeTypeElement)
	TextNode     NodeType = NodeType(cdp.NodeTypeText)
	DocumentNode NodeType = NodeType(cdp.NodeTypeDocument)
	FragmentNode NodeType = NodeType(cdp.NodeTypeDocumentFragment)
)

// NodeID addresses a node inside its Tree.
type NodeID int

// NoNode is the zero link.
const NoNode NodeID = -1

// Rect is an axis-aligned box in CSS pixels.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

func (r Rect) Area() float64 {
	if r.Width <= 0 || r.Height <= 0 {
		return 0
	}
	return r.Width * r.Height
}

func (r Rect) Right() float64  { return r.X + r.Width }
func (r Rect) Bottom() float64 { return r.Y + r.Height }

// Intersect returns the overlap of r and o, which is empty when they are disjoint.
func (r Rect) Intersect(o Rect) Rect {
	x1, y1 := math.Max(r.X, o.X), math.Max(r.Y, o.Y)
	x2, y2 := math.Min(r.Right(), o.Right()), math.Min(r.Bottom(), o.Bottom())
	if x2 <= x1 || y2 <= y1 {
		return Rect{}
	}
	return Rect{X: x1, Y: y1, Width: x2 - x1, Height: y2 - y1}
}

// Intersects reports whether r and o overlap with a non-empty area.
func (r Rect) Intersects(o Rect) bool { return r.Intersect(o).Area() > 0 }

// Translate returns r moved by dx, dy.
func (r Rect) Translate(dx, dy float64) Rect {
	r.X += dx
	r.Y += dy
	return r
}

// Center returns the midpoint of r.
func (r Rect) Center() (x, y float64) { return r.X + r.Width/2, r.Y + r.Height/2 }

// AXProperty is one accessibility property with its value rendered as text.
// Booleans are "true" or "false".
type AXProperty struct {
	Name  string
	Value string
}

// AXNode is the accessibility data attached to a DOM node.
type AXNode struct {
	ID          string
	Ignored     bool
	Role        string
	Name        string
	Description string
	Properties  []AXProperty
}

// Property returns the value of the named property.
func (a *AXNode) Property(name string) (string, bool) {
	if a == nil {
		return "", false
	}
	for _, p := range a.Properties {
		if p.Name == name {
			return p.Value, true
		}
	}
	return "", false
}

// Flag reports whether the named property is present and true.
func (a *AXNode) Flag(name string) bool {
	v, ok := a.Property(name)
	return ok && v == "true"
}

// Layout is the snapshot data of a node that survived the early filter.
// All geometry is in CSS pixels in document space.
type Layout struct {
	Bounds     Rect
	ClientRect *Rect
	ScrollRect *Rect
	Styles     map[string]string
	PaintOrder int64
}

// Style returns a computed style value, "" when not captured.
func (l *Layout) Style(name string) string {
	if l == nil {
		return ""
	}
	return l.Styles[name]
}

// Node is one enhanced DOM node.
type Node struct {
	ID            NodeID            `json:"-"`
	NodeID        cdp.NodeID        `json:"node_id"`
	BackendNodeID cdp.BackendNodeID `json:"backend_node_id"`
	Type          NodeType          `json:"node_type"`
	// Name is the protocol nodeName, upper case for HTML elements.
	Name       string            `json:"node_name"`
	Value      string            `json:"node_value,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	FrameID    cdp.FrameID       `json:"frame_id,omitempty"`
	// ShadowRootType is set on shadow root fragments: "open", "closed" or "user-agent".
	ShadowRootType string `json:"shadow_root_type,omitempty"`

	Parent          NodeID   `json:"-"`
	Children        []NodeID `json:"-"`
	ShadowRoots     []NodeID `json:"-"`
	ContentDocument NodeID   `json:"-"`

	AX     *AXNode `json:"-"`
	Layout *Layout `json:"-"`
	// Clickable is the snapshot's own clickability hint.
	Clickable  bool `json:"-"`
	Scrollable bool `json:"is_scrollable"`
	Visible    bool `json:"is_visible"`
	// ViewportBounds is Layout.Bounds relative to the top-left of the viewport,
	// including the offset of the frame the node lives in.
	ViewportBounds *Rect `json:"viewport_bounds,omitempty"`

	Hash string `json:"hash"`
	// Interactive is set for nodes that were indexed for their own sake
	// rather than only for being scrollable.
	Interactive bool `json:"is_interactive"`
	Index       int  `json:"index,omitempty"`
	IsNew       bool `json:"is_new,omitempty"`
}

// Tag returns the lower-case tag name of an element, "" for other nodes.
func (n *Node) Tag() string {
	if n.Type != ElementNode {
		return ""
	}
	return strings.ToLower(n.Name)
}

// Attr returns an attribute value.
func (n *Node) Attr(name string) (string, bool) {
	v, ok := n.Attributes[name]
	return v, ok
}

// IsFileInput reports whether n is an <input type=file>.
func (n *Node) IsFileInput() bool {
	return n != nil && n.Tag() == "input" && strings.EqualFold(strings.TrimSpace(n.Attributes["type"]), "file")
}

// Bounds returns the document-space bounds, if the node has layout.
func (n *Node) Bounds() (Rect, bool) {
	if n.Layout == nil {
		return Rect{}, false
	}
	return n.Layout.Bounds, true
}

// Tree is the arena of one extraction.
type Tree struct {
	nodes []*Node
	Root  NodeID
}

func newTree() *Tree { return &Tree{Root: NoNode} }

func (t *Tree) add(n *Node) *Node {
	n.ID = NodeID(len(t.nodes))
	t.nodes = append(t.nodes, n)
	return n
}

// Node returns the node with id, nil for NoNode or an out-of-range id.
func (t *Tree) Node(id NodeID) *Node {
	if id < 0 || int(id) >= len(t.nodes) {
		return nil
	}
	return t.nodes[id]
}

// Len returns the number of nodes in the arena.
func (t *Tree) Len() int { return len(t.nodes) }

// ChildrenAndShadowRoots returns the light children followed by shadow roots.
func (t *Tree) ChildrenAndShadowRoots(n *Node) []*Node {
	out := make([]*Node, 0, len(n.Children)+len(n.ShadowRoots))
	for _, id := range n.Children {
		out = append(out, t.nodes[id])
	}
	for _, id := range n.ShadowRoots {
		out = append(out, t.nodes[id])
	}
	return out
}

// Walk visits the tree in document order, descending into shadow roots and
// content documents. Returning false from fn skips the node's subtree.
func (t *Tree) Walk(fn func(n *Node) bool) {
	if root := t.Node(t.Root); root != nil {
		t.walk(root, fn)
	}
}

func (t *Tree) walk(n *Node, fn func(n *Node) bool) {
	if !fn(n) {
		return
	}
	for _, c := range t.ChildrenAndShadowRoots(n) {
		t.walk(c, fn)
	}
	if doc := t.Node(n.ContentDocument); doc != nil {
		t.walk(doc, fn)
	}
}

// AncestorTags returns the element tag names from the root down to, but not
// including, n.
func (t *Tree) AncestorTags(n *Node) []string {
	var tags []string
	for p := t.Node(n.Parent); p != nil; p = t.Node(p.Parent) {
		if p.Type == ElementNode {
			tags = append(tags, p.Tag())
		}
	}
	for i, j := 0, len(tags)-1; i < j; i, j = i+1, j-1 {
		tags[i], tags[j] = tags[j], tags[i]
	}
	return tags
}

// SelectorMap resolves an ordinal index to its node.
type SelectorMap map[int]*Node

// BackendIDs returns the set of backend node ids present in m.
func (m SelectorMap) BackendIDs() map[cdp.BackendNodeID]struct{} {
	out := make(map[cdp.BackendNodeID]struct{}, len(m))
	for _, n := range m {
		out[n.BackendNodeID] = struct{}{}
	}
	return out
}
