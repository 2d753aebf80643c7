package dom

import (
	"strconv"
	"strings"
)

// Tier is the strongest interactivity signal found on a node.
type Tier int

const (
	TierNone Tier = iota
	TierConvention
	TierARIARole
	TierLink
	TierPointer
	TierNative
)

func (t Tier) String() string {
	switch t {
	case TierNative:
		return "native"
	case TierPointer:
		return "pointer"
	case TierLink:
		return "link"
	case TierARIARole:
		return "aria-role"
	case TierConvention:
		return "convention"
	}
	return "none"
}

// Tier floors and bonuses. A node is interactive when its score reaches the
// configured threshold, DefaultInteractiveThreshold unless overridden.
const (
	ScoreNative     = 100
	ScorePointer    = 75
	ScoreLink       = 60
	ScoreARIARole   = 50
	ScoreConvention = 25

	BonusTabIndex    = 15
	BonusAXFocusable = 100

	DefaultInteractiveThreshold = 50
)

// Score bands used when reporting how sure the detector is.
const (
	BandDefinite = 80
	BandLikely   = 50
	BandPossible = 20
)

var nativeControls = map[string]bool{
	"button": true, "input": true, "select": true, "textarea": true,
	"option": true, "details": true, "summary": true, "label": true,
}

var interactiveRoles = map[string]bool{
	"button": true, "link": true, "menuitem": true, "menuitemcheckbox": true,
	"menuitemradio": true, "option": true, "radio": true, "checkbox": true,
	"tab": true, "textbox": true, "combobox": true, "slider": true,
	"spinbutton": true, "searchbox": true, "switch": true, "listbox": true,
}

var handlerAttributes = []string{"onclick", "onmousedown", "onmouseup", "onkeydown", "onkeyup"}

var ariaStateAttributes = []string{"aria-expanded", "aria-pressed", "aria-checked", "aria-selected", "aria-haspopup"}

var axStateProperties = []string{"checked", "expanded", "pressed", "selected"}

var conventionClasses = []string{
	"btn", "button", "clickable", "link", "dropdown", "toggle",
	"menu-item", "tab", "search", "close", "icon",
}

// Features are the scoring inputs extracted from one element.
type Features struct {
	Tag       string
	InputType string
	Role      string
	AXRole    string
	Cursor    string
	// ParentCursor is the cursor of the nearest element ancestor with a layout
	// object; an inherited pointer is not a signal of its own.
	ParentCursor    string
	HasHref         bool
	HasClickHandler bool
	HasTabIndex     bool
	TabIndex        int
	ContentEditable bool
	Classes         []string
	ARIAState       bool
	AXFocusable     bool
	Disabled        bool
	Hidden          bool
}

// FeaturesOf reads the scoring inputs of n from the tree.
func (t *Tree) FeaturesOf(n *Node) Features {
	f := Features{Tag: n.Tag()}
	if n.Type != ElementNode {
		return f
	}
	f.InputType = strings.ToLower(n.Attributes["type"])
	f.Role = strings.ToLower(strings.TrimSpace(n.Attributes["role"]))
	f.Cursor = n.Layout.Style("cursor")
	for p := t.Node(n.Parent); p != nil; p = t.Node(p.Parent) {
		if p.Type == ElementNode && p.Layout != nil {
			f.ParentCursor = p.Layout.Style("cursor")
			break
		}
	}
	_, f.HasHref = n.Attributes["href"]
	for _, a := range handlerAttributes {
		if _, ok := n.Attributes[a]; ok {
			f.HasClickHandler = true
			break
		}
	}
	if v, ok := n.Attributes["tabindex"]; ok {
		if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			f.HasTabIndex, f.TabIndex = true, i
		}
	}
	if v, ok := n.Attributes["contenteditable"]; ok {
		v = strings.ToLower(strings.TrimSpace(v))
		f.ContentEditable = v == "" || v == "true" || v == "plaintext-only"
	}
	f.Classes = strings.Fields(strings.ToLower(n.Attributes["class"]))
	for _, a := range ariaStateAttributes {
		if _, ok := n.Attributes[a]; ok {
			f.ARIAState = true
			break
		}
	}
	if n.AX != nil {
		f.AXRole = strings.ToLower(n.AX.Role)
		f.AXFocusable = n.AX.Flag("focusable")
		f.Disabled = n.AX.Flag("disabled")
		f.Hidden = n.AX.Flag("hidden")
		for _, p := range axStateProperties {
			if _, ok := n.AX.Property(p); ok {
				f.ARIAState = true
				break
			}
		}
	}
	return f
}

// Score rates how likely an element is to accept user input. The score is the
// floor of the strongest tier plus the tabindex and accessibility-focusable
// bonuses. The focusable bonus alone reaches any sane threshold, so an element
// the accessibility tree calls focusable is never missed, even when it is
// also reported hidden.
func Score(f Features) (int, Tier) {
	switch {
	case f.Tag == "" || f.Tag == "html" || f.Tag == "body":
		return 0, TierNone
	case f.Disabled:
		return 0, TierNone
	case f.Hidden && !f.AXFocusable:
		return 0, TierNone
	case f.Tag == "input" && f.InputType == "hidden":
		return 0, TierNone
	}

	score, tier := 0, TierNone
	switch {
	case nativeControls[f.Tag] || f.ContentEditable:
		score, tier = ScoreNative, TierNative
	case f.Cursor == "pointer" && f.ParentCursor != "pointer":
		score, tier = ScorePointer, TierPointer
	case (f.Tag == "a" && f.HasHref) || f.HasClickHandler:
		score, tier = ScoreLink, TierLink
	case interactiveRoles[f.Role] || interactiveRoles[f.AXRole]:
		score, tier = ScoreARIARole, TierARIARole
	case f.ARIAState || hasConventionClass(f.Classes):
		score, tier = ScoreConvention, TierConvention
	}

	if f.HasTabIndex && f.TabIndex >= 0 {
		score += BonusTabIndex
	}
	if f.AXFocusable {
		score += BonusAXFocusable
	}
	return score, tier
}

// Interactive reports whether f meets threshold.
func Interactive(f Features, threshold int) bool {
	if threshold <= 0 {
		threshold = DefaultInteractiveThreshold
	}
	score, _ := Score(f)
	return score >= threshold
}

func hasConventionClass(classes []string) bool {
	for _, c := range classes {
		for _, conv := range conventionClasses {
			if c == conv || strings.HasPrefix(c, conv+"-") || strings.HasSuffix(c, "-"+conv) {
				return true
			}
		}
	}
	return false
}
