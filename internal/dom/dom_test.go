package dom_test

import (
	"testing"

	"github.com/chromedp/cdproto/cdp"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/tabpilot/internal/dom"
)

// scoringPage is a button, a div with an onclick handler and a plain span.
func scoringPage(b *pageBuilder) *dom.Capture {
	return b.capture(
		kids(b.el("button", box{10, 10, 100, 30}), b.text("Submit", box{12, 12, 50, 20})),
		kids(b.el("div", box{10, 50, 200, 30}, "onclick", "go()"), b.text("Go there", box{12, 52, 80, 20})),
		kids(b.el("span", box{10, 90, 100, 20}), b.text("plain words", box{10, 90, 90, 20})),
	)
}

func TestScore_Scenario(t *testing.T) {
	button, tier := dom.Score(dom.Features{Tag: "button"})
	assert.GreaterOrEqual(t, button, dom.BandDefinite)
	assert.Equal(t, dom.TierNative, tier)

	div, tier := dom.Score(dom.Features{Tag: "div", HasClickHandler: true})
	assert.GreaterOrEqual(t, div, dom.BandLikely)
	assert.Less(t, div, dom.BandDefinite)
	assert.Equal(t, dom.TierLink, tier)

	span, tier := dom.Score(dom.Features{Tag: "span"})
	assert.Less(t, span, dom.DefaultInteractiveThreshold)
	assert.Equal(t, dom.TierNone, tier)

	st := dom.Serialize(mustBuild(scoringPage(newPage())), nil, dom.DefaultOptions())
	require.Len(t, st.SelectorMap, 2)
	assert.Equal(t, "button", st.SelectorMap[1].Tag())
	assert.Equal(t, "div", st.SelectorMap[2].Tag())
	for _, n := range st.SelectorMap {
		assert.NotEqual(t, "span", n.Tag(), "a plain span receives no index")
	}
}

func TestScore(t *testing.T) {
	tests := []struct {
		name        string
		f           dom.Features
		interactive bool
		tier        dom.Tier
	}{
		{"anchor with href", dom.Features{Tag: "a", HasHref: true}, true, dom.TierLink},
		{"anchor without href", dom.Features{Tag: "a"}, false, dom.TierNone},
		{"own pointer cursor", dom.Features{Tag: "span", Cursor: "pointer", ParentCursor: "auto"}, true, dom.TierPointer},
		{"inherited pointer cursor", dom.Features{Tag: "span", Cursor: "pointer", ParentCursor: "pointer"}, false, dom.TierNone},
		{"aria role", dom.Features{Tag: "div", Role: "tab"}, true, dom.TierARIARole},
		{"accessibility role", dom.Features{Tag: "div", AXRole: "checkbox"}, true, dom.TierARIARole},
		{"class convention only", dom.Features{Tag: "span", Classes: []string{"nav-btn"}}, false, dom.TierConvention},
		{"convention plus tabindex", dom.Features{Tag: "span", Classes: []string{"btn"}, HasTabIndex: true}, false, dom.TierConvention},
		{"negative tabindex gets no bonus", dom.Features{Tag: "div", Role: "tab", HasTabIndex: true, TabIndex: -1}, true, dom.TierARIARole},
		{"focusable in the accessibility tree", dom.Features{Tag: "span", AXFocusable: true}, true, dom.TierNone},
		{"disabled control", dom.Features{Tag: "button", Disabled: true}, false, dom.TierNone},
		{"hidden input", dom.Features{Tag: "input", InputType: "hidden"}, false, dom.TierNone},
		{"contenteditable", dom.Features{Tag: "div", ContentEditable: true}, true, dom.TierNative},
		{"body", dom.Features{Tag: "body", AXFocusable: true}, false, dom.TierNone},
		{"hidden", dom.Features{Tag: "button", Hidden: true}, false, dom.TierNone},
		{"hidden but focusable", dom.Features{Tag: "div", Hidden: true, AXFocusable: true}, true, dom.TierNone},
		{"disabled but focusable", dom.Features{Tag: "button", Disabled: true, AXFocusable: true}, false, dom.TierNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, tier := dom.Score(tt.f)
			assert.Equal(t, tt.tier, tier)
			assert.Equal(t, tt.interactive, dom.Interactive(tt.f, dom.DefaultInteractiveThreshold))
		})
	}
}

func findNode(tr *dom.Tree, backend cdp.BackendNodeID) *dom.Node {
	var out *dom.Node
	tr.Walk(func(n *dom.Node) bool {
		if n.BackendNodeID == backend {
			out = n
		}
		return true
	})
	return out
}

func TestFeaturesOf_ParentCursorSkipsLayoutlessWrappers(t *testing.T) {
	b := newPage()
	inner := b.styled("span", box{10, 10, 80, 20}, map[string]string{"cursor": "pointer"})
	wrapper := kids(b.el("span", nil), inner)
	outer := kids(b.styled("div", box{0, 0, 200, 40}, map[string]string{"cursor": "pointer"}), wrapper)
	tr := mustBuild(b.capture(outer))

	n := findNode(tr, inner.BackendNodeID)
	require.NotNil(t, n)
	require.Nil(t, findNode(tr, wrapper.BackendNodeID).Layout)

	f := tr.FeaturesOf(n)
	assert.Equal(t, "pointer", f.ParentCursor, "the wrapper without a layout object is skipped")
	assert.False(t, dom.Interactive(f, dom.DefaultInteractiveThreshold))
}

func TestSerialize_HiddenButFocusableGetsIndex(t *testing.T) {
	b := newPage()
	widget := b.el("div", box{10, 10, 100, 30})
	b.axProp(widget, "generic", "hidden", "focusable")
	plain := b.el("div", box{10, 50, 100, 30})
	b.axProp(plain, "generic", "hidden")

	st := dom.Serialize(mustBuild(b.capture(widget, plain)), nil, dom.DefaultOptions())
	require.Len(t, st.SelectorMap, 1)
	assert.Equal(t, widget.BackendNodeID, st.SelectorMap[1].BackendNodeID)
}

func TestSerialize_Outline(t *testing.T) {
	st := dom.Serialize(mustBuild(scoringPage(newPage())), nil, dom.DefaultOptions())
	want := "[1]<button />\n" +
		"\tSubmit\n" +
		"[2]<div />\n" +
		"\tGo there\n" +
		"plain words"
	assert.Empty(t, cmp.Diff(want, st.Outline()))
}

func TestSerialize_Attributes(t *testing.T) {
	b := newPage()
	c := b.capture(
		b.el("input", box{10, 10, 200, 30},
			"type", "text", "name", "email-address", "placeholder", "email-address", "aria-label", "Email", "id", "ignored"),
		kids(b.el("button", box{10, 50, 100, 30}, "role", "button", "title", "Save"), b.text("Save", box{12, 52, 40, 20})),
	)
	st := dom.Serialize(mustBuild(c), nil, dom.DefaultOptions())
	want := "[1]<input type=text name=email-address aria-label=Email />\n" +
		"[2]<button />\n" +
		"\tSave"
	assert.Empty(t, cmp.Diff(want, st.Outline()))
}

func TestSerialize_ContainedChildrenFold(t *testing.T) {
	build := func() (*pageBuilder, *dom.Capture) {
		b := newPage()
		inner := b.el("div", box{10, 5, 50, 30})
		labelled := b.el("div", box{60, 5, 50, 30}, "aria-label", "Close")
		b.axProp(inner, "", "focusable")
		b.axProp(labelled, "", "focusable")
		link := kids(b.el("a", box{0, 0, 200, 40}, "href", "/x"), inner, labelled)
		return b, b.capture(link)
	}

	_, c := build()
	st := dom.Serialize(mustBuild(c), nil, dom.DefaultOptions())
	want := "[1]<a />\n" +
		"\t[2]<div aria-label=Close />"
	assert.Empty(t, cmp.Diff(want, st.Outline()))

	_, c = build()
	opts := dom.DefaultOptions()
	opts.PaintOrderFiltering = false
	st = dom.Serialize(mustBuild(c), nil, opts)
	assert.Len(t, st.SelectorMap, 3)
}

func TestSerialize_ScrollableContainer(t *testing.T) {
	b := newPage()
	list := b.styled("div", box{0, 100, 300, 200}, map[string]string{"overflow": "auto"})
	b.scrollRect(list, box{0, 100, 300, 200}, box{0, 0, 300, 800})
	c := b.capture(kids(list, b.text("row one", box{0, 100, 300, 20})))

	st := dom.Serialize(mustBuild(c), nil, dom.DefaultOptions())
	want := "|SCROLL|[1]<div /> (0.0 pages above, 3.0 pages below)\n" +
		"\trow one"
	assert.Empty(t, cmp.Diff(want, st.Outline()))
	assert.True(t, st.SelectorMap[1].Scrollable)
	assert.False(t, st.SelectorMap[1].Interactive)
}

func TestSerialize_IFrame(t *testing.T) {
	b := newPage()
	pay := kids(b.el("button", box{20, 20, 80, 30}), b.text("Pay", box{22, 22, 30, 20}))
	frameHTML := kids(b.el("html", box{0, 0, 400, 300}), kids(b.el("body", box{0, 0, 400, 300}), pay))
	frameDoc := &cdp.Node{NodeID: 2000, BackendNodeID: 2000, NodeType: cdp.NodeTypeDocument, NodeName: "#document",
		Children: []*cdp.Node{frameHTML}}
	frame := b.el("iframe", box{0, 0, 400, 300})
	frame.ContentDocument = frameDoc

	st := dom.Serialize(mustBuild(b.capture(frame)), nil, dom.DefaultOptions())
	want := "|IFRAME|<iframe />\n" +
		"\t[1]<button />\n" +
		"\t\tPay"
	assert.Empty(t, cmp.Diff(want, st.Outline()))
}

func TestBuild_FrameDocumentsUseTheirOffset(t *testing.T) {
	page := func(scrollY float64) (*dom.Tree, cdp.BackendNodeID) {
		b := newPage()
		b.scrollY = scrollY
		frame := b.el("iframe", box{0, 1500, 400, 300})
		var pay *cdp.Node
		b.frame(frame, func() []*cdp.Node {
			pay = b.el("button", box{20, 20, 80, 30})
			return []*cdp.Node{pay}
		})
		return mustBuild(b.capture(frame)), pay.BackendNodeID
	}

	top, id := page(0)
	n := findNode(top, id)
	require.NotNil(t, n)
	assert.Nil(t, n.Layout, "a frame low on the page is outside the top window")
	assert.False(t, n.Visible)
	assert.Empty(t, dom.Serialize(top, nil, dom.DefaultOptions()).SelectorMap)

	scrolled, id := page(1400)
	n = findNode(scrolled, id)
	require.NotNil(t, n)
	require.NotNil(t, n.Layout)
	assert.True(t, n.Visible)
	assert.Equal(t, dom.Rect{X: 20, Y: 20, Width: 80, Height: 30}, n.Layout.Bounds, "layout bounds stay frame relative")
	require.NotNil(t, n.ViewportBounds)
	assert.Equal(t, dom.Rect{X: 20, Y: 120, Width: 80, Height: 30}, *n.ViewportBounds)
	assert.Len(t, dom.Serialize(scrolled, nil, dom.DefaultOptions()).SelectorMap, 1)
}

func TestBuild_NodeReportedTwiceIsLinkedOnce(t *testing.T) {
	b := newPage()
	shared := b.el("span", box{10, 10, 50, 20})
	first := kids(b.el("div", box{0, 0, 200, 40}), shared)
	second := kids(b.el("div", box{0, 50, 200, 40}), shared)
	tr := mustBuild(b.capture(first, second))

	seen := 0
	tr.Walk(func(n *dom.Node) bool {
		if n.BackendNodeID == shared.BackendNodeID {
			seen++
		}
		return true
	})
	assert.Equal(t, 1, seen)

	n := findNode(tr, shared.BackendNodeID)
	firstNode := findNode(tr, first.BackendNodeID)
	assert.Equal(t, firstNode.ID, n.Parent)
	assert.Equal(t, []dom.NodeID{n.ID}, firstNode.Children)
	assert.Empty(t, findNode(tr, second.BackendNodeID).Children)
}

func TestSerialize_HiddenElementsGetNoIndex(t *testing.T) {
	b := newPage()
	c := b.capture(
		b.styled("button", box{10, 10, 100, 30}, map[string]string{"display": "none"}),
		b.styled("button", box{10, 50, 100, 30}, map[string]string{"opacity": "0"}),
		b.el("button", box{10, 90, 0, 0}),
		b.el("button", box{10, 130, 100, 30}),
	)
	st := dom.Serialize(mustBuild(c), nil, dom.DefaultOptions())
	require.Len(t, st.SelectorMap, 1)
	assert.Equal(t, float64(130), st.SelectorMap[1].Layout.Bounds.Y)
}

func TestBuild_EarlyFilterKeepsStructure(t *testing.T) {
	page := func() *dom.Capture {
		b := newPage()
		return b.capture(
			b.el("button", box{10, 10, 100, 30}),
			b.el("button", box{10, 5000, 100, 30}),
		)
	}

	near, err := dom.Build(page(), 0)
	require.NoError(t, err)
	wide, err := dom.Build(page(), 5000)
	require.NoError(t, err)
	assert.Equal(t, near.Len(), wide.Len(), "filtering never removes nodes")

	far := func(tr *dom.Tree) *dom.Node {
		var out *dom.Node
		tr.Walk(func(n *dom.Node) bool {
			if n.Tag() == "button" && n.BackendNodeID == 2 {
				out = n
			}
			return true
		})
		return out
	}
	require.NotNil(t, far(near))
	assert.Nil(t, far(near).Layout, "rows outside the window are not enriched")
	assert.False(t, far(near).Visible)
	require.NotNil(t, far(wide).Layout)
	assert.True(t, far(wide).Visible)

	assert.Len(t, dom.Serialize(near, nil, dom.DefaultOptions()).SelectorMap, 1)
	assert.Len(t, dom.Serialize(wide, nil, dom.DefaultOptions()).SelectorMap, 2)
}

func TestBuild_DevicePixelRatio(t *testing.T) {
	b := newPage()
	c := b.capture(b.el("button", box{20, 40, 200, 60}))
	c.Viewport.DPR = 2
	tr := mustBuild(c)
	st := dom.Serialize(tr, nil, dom.DefaultOptions())
	require.Len(t, st.SelectorMap, 1)
	assert.Equal(t, dom.Rect{X: 10, Y: 20, Width: 100, Height: 30}, st.SelectorMap[1].Layout.Bounds)
}

func hashes(st *dom.State) map[string]bool {
	out := make(map[string]bool, len(st.SelectorMap))
	for _, n := range st.SelectorMap {
		out[n.Hash] = true
	}
	return out
}

func TestExtraction_Idempotent(t *testing.T) {
	first := dom.Serialize(mustBuild(scoringPage(newPage())), nil, dom.DefaultOptions())
	second := dom.Serialize(mustBuild(scoringPage(newPage())), first.SelectorMap, dom.DefaultOptions())

	assert.Empty(t, cmp.Diff(hashes(first), hashes(second)))
	assert.Equal(t, first.Outline(), second.Outline(), "nothing is new on an unchanged page")
}

func TestExtraction_IdentityAndNewMarker(t *testing.T) {
	first := dom.Serialize(mustBuild(scoringPage(newPage())), nil, dom.DefaultOptions())

	// Same page plus a trailing link; earlier nodes keep their backend ids.
	b := newPage()
	c := b.capture(
		kids(b.el("button", box{10, 10, 100, 30}), b.text("Submit", box{12, 12, 50, 20})),
		kids(b.el("div", box{10, 50, 200, 30}, "onclick", "go()"), b.text("Go there", box{12, 52, 80, 20})),
		kids(b.el("span", box{10, 90, 100, 20}), b.text("plain words", box{10, 90, 90, 20})),
		kids(b.el("a", box{10, 120, 100, 20}, "href", "/next"), b.text("Next", box{10, 120, 40, 20})),
	)
	second := dom.Serialize(mustBuild(c), first.SelectorMap, dom.DefaultOptions())

	require.Len(t, second.SelectorMap, 3)
	assert.Equal(t, first.SelectorMap[1].Hash, second.SelectorMap[1].Hash)
	assert.Equal(t, first.SelectorMap[2].Hash, second.SelectorMap[2].Hash)
	assert.False(t, second.SelectorMap[1].IsNew)
	assert.True(t, second.SelectorMap[3].IsNew)
	assert.Contains(t, second.Outline(), "*[3]<a />")
	assert.Same(t, second.SelectorMap[3], second.FindByHash(second.SelectorMap[3].Hash))
}

func TestExtraction_NewMarkerFollowsBackendIDs(t *testing.T) {
	first := dom.Serialize(mustBuild(scoringPage(newPage())), nil, dom.DefaultOptions())

	// A reload hands out fresh backend ids for an identical page.
	b := newPage()
	b.next = 700
	second := dom.Serialize(mustBuild(scoringPage(b)), first.SelectorMap, dom.DefaultOptions())

	assert.Empty(t, cmp.Diff(hashes(first), hashes(second)), "identity does not depend on backend ids")
	for i, n := range second.SelectorMap {
		assert.True(t, n.IsNew, "index %d", i)
	}
}

func TestIdentityHash(t *testing.T) {
	a := dom.IdentityHash([]string{"html", "body", "form"}, "input", map[string]string{"name": "q", "type": "text"})
	b := dom.IdentityHash([]string{"html", "body", "form"}, "input", map[string]string{"type": "text", "name": "q"})
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	moved := dom.IdentityHash([]string{"html", "body", "div", "form"}, "input", map[string]string{"name": "q", "type": "text"})
	assert.NotEqual(t, a, moved)
	changed := dom.IdentityHash([]string{"html", "body", "form"}, "input", map[string]string{"name": "q", "type": "search"})
	assert.NotEqual(t, a, changed)
}

func TestRect(t *testing.T) {
	r := dom.Rect{X: 0, Y: 0, Width: 100, Height: 100}
	assert.Equal(t, dom.Rect{X: 50, Y: 50, Width: 50, Height: 50}, r.Intersect(dom.Rect{X: 50, Y: 50, Width: 100, Height: 100}))
	assert.False(t, r.Intersects(dom.Rect{X: 100, Y: 0, Width: 10, Height: 10}), "touching edges do not overlap")
	x, y := r.Center()
	assert.Equal(t, []float64{50, 50}, []float64{x, y})
}
