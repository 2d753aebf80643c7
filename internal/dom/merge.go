package dom

import (
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/accessibility"
	"github.com/chromedp/cdproto/cdp"
	"github.com/go-json-experiment/json"
)

// merger builds one Tree from a Capture. Construction is memoized by
// protocol node id, so a node reported twice (for example a shadow host seen
// through a distributed slot) is only built once.
type merger struct {
	tree *Tree
	snap *snapshotIndex
	ax   map[cdp.BackendNodeID]*AXNode
	memo map[cdp.NodeID]NodeID
}

// Build merges the structural tree, accessibility tree and layout snapshot of
// c into a Tree. tolerance widens the early-filter window in CSS pixels.
func Build(c *Capture, tolerance float64) (*Tree, error) {
	if c == nil || c.Root == nil {
		return nil, fmt.Errorf("capture has no document")
	}
	m := &merger{
		tree: newTree(),
		snap: indexSnapshot(c, tolerance),
		ax:   indexAX(c.AX),
		memo: make(map[cdp.NodeID]NodeID),
	}
	root, _ := m.build(c.Root, NoNode)
	m.tree.Root = root.ID
	assignHashes(m.tree)
	return m.tree, nil
}

// build returns the node for src and whether it was created by this call.
// A node already built under another parent keeps its first parent and is not
// linked again.
func (m *merger) build(src *cdp.Node, parent NodeID) (*Node, bool) {
	if id, ok := m.memo[src.NodeID]; ok {
		return m.tree.Node(id), false
	}

	n := m.tree.add(&Node{
		NodeID:          src.NodeID,
		BackendNodeID:   src.BackendNodeID,
		Type:            NodeType(src.NodeType),
		Name:            src.NodeName,
		Value:           src.NodeValue,
		Attributes:      attributeMap(src.Attributes),
		FrameID:         src.FrameID,
		ShadowRootType:  string(src.ShadowRootType),
		Parent:          parent,
		ContentDocument: NoNode,
		AX:              m.ax[src.BackendNodeID],
	})
	m.memo[src.NodeID] = n.ID

	row := m.snap.rows[src.BackendNodeID]
	n.Clickable = row.clickable
	n.Layout = row.layout
	n.Visible = isVisible(n.Layout, row.origin, m.snap.window)
	n.Scrollable = n.Type == ElementNode && isScrollable(src.IsScrollable, n.Layout)
	if n.Layout != nil {
		vb := n.Layout.Bounds.Translate(row.origin.X-m.snap.viewport.ScrollX, row.origin.Y-m.snap.viewport.ScrollY)
		n.ViewportBounds = &vb
	}

	for _, child := range src.Children {
		if c, fresh := m.build(child, n.ID); fresh {
			n.Children = append(n.Children, c.ID)
		}
	}
	for _, sr := range src.ShadowRoots {
		if c, fresh := m.build(sr, n.ID); fresh {
			n.ShadowRoots = append(n.ShadowRoots, c.ID)
		}
	}
	if src.ContentDocument != nil {
		if c, fresh := m.build(src.ContentDocument, n.ID); fresh {
			n.ContentDocument = c.ID
		}
	}
	return n, true
}

func attributeMap(flat []string) map[string]string {
	if len(flat) == 0 {
		return nil
	}
	out := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		out[flat[i]] = flat[i+1]
	}
	return out
}

func indexAX(nodes []*accessibility.Node) map[cdp.BackendNodeID]*AXNode {
	out := make(map[cdp.BackendNodeID]*AXNode, len(nodes))
	for _, src := range nodes {
		if src == nil || src.BackendDOMNodeID == 0 {
			continue
		}
		n := &AXNode{
			ID:          string(src.NodeID),
			Ignored:     src.Ignored,
			Role:        axString(src.Role),
			Name:        axString(src.Name),
			Description: axString(src.Description),
		}
		for _, p := range src.Properties {
			if p == nil {
				continue
			}
			n.Properties = append(n.Properties, AXProperty{Name: string(p.Name), Value: axString(p.Value)})
		}
		out[src.BackendDOMNodeID] = n
	}
	return out
}

// axString renders an accessibility value as plain text.
func axString(v *accessibility.Value) string {
	if v == nil || len(v.Value) == 0 {
		return ""
	}
	var decoded any
	if err := json.Unmarshal(v.Value, &decoded); err != nil {
		return strings.Trim(string(v.Value), `"`)
	}
	switch x := decoded.(type) {
	case string:
		return x
	case bool:
		if x {
			return "true"
		}
		return "false"
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(x))
	}
}
