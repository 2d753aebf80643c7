package dom

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/chromedp/cdproto/cdp"

	"github.com/xkilldash9x/tabpilot/internal/config"
)

// Options tune the pruning and rendering stages.
type Options struct {
	InteractiveThreshold int
	// ViewportTolerance widens the early-filter and visibility window, in CSS px.
	ViewportTolerance float64
	// ContainmentThreshold is the share of a child's area that must lie inside
	// a propagating ancestor for the child to be folded into it.
	ContainmentThreshold float64
	// PaintOrderFiltering enables folding of contained children.
	PaintOrderFiltering bool
	IncludeAttributes   []string
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		InteractiveThreshold: DefaultInteractiveThreshold,
		ViewportTolerance:    0,
		ContainmentThreshold: 0.99,
		PaintOrderFiltering:  true,
		IncludeAttributes:    config.DefaultIncludeAttributes,
	}
}

// OptionsFromConfig maps the dom config section onto Options.
func OptionsFromConfig(c config.DOMConfig) Options {
	o := Options{
		InteractiveThreshold: c.InteractiveThreshold,
		ViewportTolerance:    c.ViewportTolerance,
		ContainmentThreshold: c.ContainmentThreshold,
		PaintOrderFiltering:  c.PaintOrderFiltering,
		IncludeAttributes:    c.IncludeAttributes,
	}
	return o.withDefaults()
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.InteractiveThreshold <= 0 {
		o.InteractiveThreshold = d.InteractiveThreshold
	}
	if o.ContainmentThreshold <= 0 || o.ContainmentThreshold > 1 {
		o.ContainmentThreshold = d.ContainmentThreshold
	}
	if o.IncludeAttributes == nil {
		o.IncludeAttributes = d.IncludeAttributes
	}
	return o
}

// State is one immutable serialized extraction.
type State struct {
	Root        *SimplifiedNode
	SelectorMap SelectorMap
	Tree        *Tree

	include []string
	once    sync.Once
	outline string
}

// EmptyState is the state of a page without a document worth extracting.
func EmptyState() *State {
	return &State{SelectorMap: SelectorMap{}}
}

// Outline renders the pruned tree on first use.
func (s *State) Outline() string {
	s.once.Do(func() {
		if s.Root == nil {
			return
		}
		var b strings.Builder
		render(&b, s.Root, s.include, 0)
		s.outline = strings.TrimRight(b.String(), "\n")
	})
	return s.outline
}

// FindByHash returns the indexed node with identity hash h.
func (s *State) FindByHash(h string) *Node {
	for _, n := range s.SelectorMap {
		if n.Hash == h {
			return n
		}
	}
	return nil
}

// Serialize prunes t, indexes the result and marks nodes absent from prev as
// new. A nil prev marks nothing.
func Serialize(t *Tree, prev SelectorMap, opts Options) *State {
	opts = opts.withDefaults()
	st := &State{Tree: t, SelectorMap: SelectorMap{}, include: opts.IncludeAttributes}
	root := t.Node(t.Root)
	if root == nil {
		return st
	}

	s := newSimplifier(t, opts.InteractiveThreshold)
	st.Root = s.optimize(s.simplify(root))
	if st.Root == nil {
		return st
	}
	if opts.PaintOrderFiltering {
		filterContained(st.Root, nil, opts.ContainmentThreshold)
	}

	var previous map[cdp.BackendNodeID]struct{}
	if prev != nil {
		previous = prev.BackendIDs()
	}
	idx := indexer{s: s, selectors: st.SelectorMap, previous: previous}
	idx.assign(st.Root)
	return st
}

// -- Containment filter --

// propagates reports whether n's bounds claim its descendants: links, buttons
// and elements standing in for them.
func propagates(n *Node) bool {
	role := strings.ToLower(n.Attributes["role"])
	switch n.Tag() {
	case "a", "button":
		return true
	case "div", "span":
		return role == "button" || role == "combobox"
	case "input":
		return role == "combobox"
	}
	return false
}

var keepInsideTags = map[string]bool{"input": true, "select": true, "textarea": true, "label": true}

var keepInsideRoles = map[string]bool{
	"button": true, "link": true, "checkbox": true, "radio": true, "tab": true, "menuitem": true,
}

// foldable reports whether n lies inside bounds and carries nothing that makes
// it a separate target.
func foldable(n *Node, bounds Rect, threshold float64) bool {
	if n.Type == TextNode || n.Layout == nil {
		return false
	}
	area := n.Layout.Bounds.Area()
	if area == 0 || n.Layout.Bounds.Intersect(bounds).Area()/area < threshold {
		return false
	}
	switch {
	case keepInsideTags[n.Tag()], propagates(n):
		return false
	case n.Attributes["onclick"] != "":
		return false
	case strings.TrimSpace(n.Attributes["aria-label"]) != "":
		return false
	case keepInsideRoles[strings.ToLower(n.Attributes["role"])]:
		return false
	}
	return true
}

// filterContained marks descendants of propagating elements as excluded. The
// nearest propagating ancestor with layout supplies the bounds.
func filterContained(sn *SimplifiedNode, active *Rect, threshold float64) {
	if active != nil && foldable(sn.Node, *active, threshold) {
		sn.Excluded = true
	}
	next := active
	if propagates(sn.Node) && sn.Node.Layout != nil {
		b := sn.Node.Layout.Bounds
		next = &b
	}
	for _, c := range sn.Children {
		filterContained(c, next, threshold)
	}
}

// -- Indexing --

type indexer struct {
	s         *simplifier
	selectors SelectorMap
	previous  map[cdp.BackendNodeID]struct{}
	next      int
}

// assign walks in document order; interactive and scrollable nodes each take
// the next ordinal, starting at 1.
func (x *indexer) assign(sn *SimplifiedNode) {
	n := sn.Node
	if sn.Excluded || n.Type != ElementNode {
		for _, c := range sn.Children {
			x.assign(c)
		}
		return
	}
	n.Interactive = x.s.actionable(n)
	if n.Interactive || n.Scrollable {
		x.next++
		n.Index = x.next
		x.selectors[x.next] = n
		if x.previous != nil {
			_, seen := x.previous[n.BackendNodeID]
			n.IsNew = !seen
		}
	}
	for _, c := range sn.Children {
		x.assign(c)
	}
}

// -- Rendering --

func render(b *strings.Builder, sn *SimplifiedNode, include []string, depth int) {
	n := sn.Node
	if sn.Excluded {
		for _, c := range sn.Children {
			render(b, c, include, depth)
		}
		return
	}

	indent := strings.Repeat("\t", depth)
	next := depth
	switch n.Type {
	case ElementNode:
		isFrame := n.Tag() == "iframe" || n.Tag() == "frame"
		if n.Index > 0 || isFrame {
			next++
			b.WriteString(indent)
			b.WriteString(linePrefix(n, isFrame))
			b.WriteByte('<')
			b.WriteString(n.Tag())
			if attrs := attributeString(n, include, directText(sn)); attrs != "" {
				b.WriteByte(' ')
				b.WriteString(attrs)
			}
			b.WriteString(" />")
			if n.Scrollable {
				if info := scrollInfo(n); info != "" {
					b.WriteString(" (")
					b.WriteString(info)
					b.WriteByte(')')
				}
			}
			b.WriteByte('\n')
		}
	case TextNode:
		if meaningfulText(n.Value) {
			b.WriteString(indent)
			b.WriteString(strings.TrimSpace(n.Value))
			b.WriteByte('\n')
		}
	}
	for _, c := range sn.Children {
		render(b, c, include, next)
	}
}

// linePrefix encodes the node's role in the outline:
//
//	[3]<button />        interactive
//	*[3]<button />       interactive, absent from the previous extraction
//	|SCROLL+3]<div />    interactive and scrollable
//	|SCROLL|[3]<div />   scrollable only
//	|IFRAME|<iframe />   frame without an index
func linePrefix(n *Node, isFrame bool) string {
	if n.Index == 0 {
		if isFrame {
			return "|IFRAME|"
		}
		return ""
	}
	var p strings.Builder
	if n.IsNew {
		p.WriteByte('*')
	}
	i := strconv.Itoa(n.Index)
	switch {
	case n.Scrollable && n.Interactive:
		p.WriteString("|SCROLL+" + i + "]")
	case n.Scrollable:
		p.WriteString("|SCROLL|[" + i + "]")
	default:
		p.WriteString("[" + i + "]")
	}
	return p.String()
}

// attributeString renders the allow-listed attributes of n in allow-list
// order. Accessibility properties fill in for attributes of the same name.
// Long values repeated under a second key, a role equal to the tag, and labels
// equal to the visible text are dropped.
func attributeString(n *Node, include []string, text string) string {
	values := make(map[string]string, len(include))
	for _, key := range include {
		if v := strings.TrimSpace(n.Attributes[key]); v != "" {
			values[key] = v
		}
		if v, ok := n.AX.Property(key); ok && v != "" {
			values[key] = strings.TrimSpace(v)
		}
	}
	if len(values) == 0 {
		return ""
	}

	seen := make(map[string]bool)
	for _, key := range include {
		v, ok := values[key]
		if !ok || len(v) <= 5 {
			continue
		}
		if seen[v] {
			delete(values, key)
			continue
		}
		seen[v] = true
	}

	if role, ok := values["role"]; ok {
		if strings.EqualFold(role, n.Tag()) || (n.AX != nil && strings.EqualFold(n.AX.Role, n.Tag())) {
			delete(values, "role")
		}
	}
	if t := strings.ToLower(strings.TrimSpace(text)); t != "" {
		for _, key := range []string{"aria-label", "placeholder", "title"} {
			if v, ok := values[key]; ok && strings.ToLower(v) == t {
				delete(values, key)
			}
		}
	}

	parts := make([]string, 0, len(values))
	for _, key := range include {
		if v, ok := values[key]; ok {
			parts = append(parts, key+"="+capText(v, 100))
		}
	}
	return strings.Join(parts, " ")
}

// directText joins the visible text of sn's immediate text children.
func directText(sn *SimplifiedNode) string {
	var parts []string
	for _, c := range sn.Children {
		if c.Node.Type == TextNode && meaningfulText(c.Node.Value) {
			parts = append(parts, strings.TrimSpace(c.Node.Value))
		}
	}
	return strings.Join(parts, " ")
}

// scrollInfo describes how far a scroll container can move, in client heights.
func scrollInfo(n *Node) string {
	l := n.Layout
	if l == nil || l.ScrollRect == nil || l.ClientRect == nil || l.ClientRect.Height <= 0 {
		return ""
	}
	page := l.ClientRect.Height
	above := l.ScrollRect.Y
	below := l.ScrollRect.Height - l.ClientRect.Height - l.ScrollRect.Y
	if below < 0 {
		below = 0
	}
	return fmt.Sprintf("%.1f pages above, %.1f pages below", above/page, below/page)
}

func meaningfulText(s string) bool { return len(strings.TrimSpace(s)) > 1 }

func capText(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
