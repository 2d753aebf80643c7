package dom

// skippedTags never carry content an agent can act on.
var skippedTags = map[string]bool{
	"style": true, "script": true, "head": true, "meta": true, "link": true, "title": true,
}

// SimplifiedNode is one node of the pruned tree.
type SimplifiedNode struct {
	Node     *Node
	Children []*SimplifiedNode
	// Excluded nodes sit fully inside a propagating ancestor; they are not
	// indexed or rendered but their children are.
	Excluded bool
}

// simplifier prunes a Tree, caching the interactivity verdict per node.
type simplifier struct {
	tree        *Tree
	threshold   int
	interactive map[NodeID]bool
}

func newSimplifier(t *Tree, threshold int) *simplifier {
	return &simplifier{tree: t, threshold: threshold, interactive: make(map[NodeID]bool)}
}

// isInteractive is cached because simplify, optimize and index all ask.
func (s *simplifier) isInteractive(n *Node) bool {
	v, ok := s.interactive[n.ID]
	if !ok {
		v = Interactive(s.tree.FeaturesOf(n), s.threshold)
		s.interactive[n.ID] = v
	}
	return v
}

// actionable reports whether n gets an index of its own.
func (s *simplifier) actionable(n *Node) bool {
	return s.isInteractive(n) && n.Visible
}

// simplify builds the pruned tree rooted at n. Document nodes collapse into
// their first meaningful child; fragments pass through; frames adopt the
// children of their content document.
func (s *simplifier) simplify(n *Node) *SimplifiedNode {
	switch n.Type {
	case DocumentNode:
		for _, c := range s.tree.ChildrenAndShadowRoots(n) {
			if sc := s.simplify(c); sc != nil {
				return sc
			}
		}
		return nil

	case FragmentNode:
		out := &SimplifiedNode{Node: n}
		for _, c := range s.tree.ChildrenAndShadowRoots(n) {
			if sc := s.simplify(c); sc != nil {
				out.Children = append(out.Children, sc)
			}
		}
		return out

	case ElementNode:
		if skippedTags[n.Tag()] {
			return nil
		}
		if doc := s.tree.Node(n.ContentDocument); doc != nil && (n.Tag() == "iframe" || n.Tag() == "frame") {
			out := &SimplifiedNode{Node: n}
			for _, c := range s.tree.ChildrenAndShadowRoots(doc) {
				if sc := s.simplify(c); sc != nil {
					out.Children = append(out.Children, sc)
				}
			}
			return out
		}

		kids := s.tree.ChildrenAndShadowRoots(n)
		if !s.actionable(n) && !n.Scrollable && len(kids) == 0 {
			return nil
		}
		out := &SimplifiedNode{Node: n}
		for _, c := range kids {
			if sc := s.simplify(c); sc != nil {
				out.Children = append(out.Children, sc)
			}
		}
		if s.actionable(n) || n.Scrollable || len(out.Children) > 0 {
			return out
		}
		return nil

	case TextNode:
		if n.Visible && meaningfulText(n.Value) {
			return &SimplifiedNode{Node: n}
		}
	}
	return nil
}

// optimize drops nodes left without meaning after their children were pruned.
func (s *simplifier) optimize(sn *SimplifiedNode) *SimplifiedNode {
	if sn == nil {
		return nil
	}
	kept := sn.Children[:0]
	for _, c := range sn.Children {
		if oc := s.optimize(c); oc != nil {
			kept = append(kept, oc)
		}
	}
	sn.Children = kept

	n := sn.Node
	if s.actionable(n) || n.Scrollable || n.Type == TextNode || len(sn.Children) > 0 {
		return sn
	}
	return nil
}
