// Package browserstate assembles the snapshot of the focused page handed to
// the decision loop: url, title, tabs, serialized DOM, screenshot and
// scroll geometry.
package browserstate

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"

	"github.com/xkilldash9x/tabpilot/internal/dom"
)

// Fallback geometry used when the page cannot report its own.
const (
	FallbackWidth  = 1280
	FallbackHeight = 720
)

// TabInfo describes one open page.
type TabInfo struct {
	TargetID       target.ID `json:"target_id"`
	URL            string    `json:"url"`
	Title          string    `json:"title"`
	ParentTargetID target.ID `json:"parent_target_id,omitempty"`
}

// PageInfo is the viewport and scroll geometry of a page in CSS pixels.
type PageInfo struct {
	ViewportWidth  int `json:"viewport_width"`
	ViewportHeight int `json:"viewport_height"`
	PageWidth      int `json:"page_width"`
	PageHeight     int `json:"page_height"`
	ScrollX        int `json:"scroll_x"`
	ScrollY        int `json:"scroll_y"`
	PixelsAbove    int `json:"pixels_above"`
	PixelsBelow    int `json:"pixels_below"`
	PixelsLeft     int `json:"pixels_left"`
	PixelsRight    int `json:"pixels_right"`
}

// RecentEvent is the diagnostic view of one processed bus event.
type RecentEvent struct {
	EventType    string    `json:"event_type"`
	Timestamp    time.Time `json:"timestamp"`
	URL          string    `json:"url,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	TargetID     string    `json:"target_id,omitempty"`
}

// Snapshot is the complete state of the focused page at one point in time.
type Snapshot struct {
	URL           string        `json:"url"`
	Title         string        `json:"title"`
	Tabs          []TabInfo     `json:"tabs"`
	DOM           *dom.State    `json:"-"`
	Screenshot    string        `json:"screenshot,omitempty"`
	PageInfo      PageInfo      `json:"page_info"`
	IsPDFViewer   bool          `json:"is_pdf_viewer"`
	RecentEvents  []RecentEvent `json:"recent_events,omitempty"`
	BrowserErrors []string      `json:"browser_errors,omitempty"`
	// ClosedPopupMessages are the texts of JavaScript dialogs dismissed
	// automatically since the previous snapshot.
	ClosedPopupMessages []string `json:"closed_popup_messages,omitempty"`
}

// SelectorMap returns the index lookup of the snapshot, nil without a DOM.
func (s *Snapshot) SelectorMap() dom.SelectorMap {
	if s == nil || s.DOM == nil {
		return nil
	}
	return s.DOM.SelectorMap
}

// NewPageInfo derives page geometry from viewport size, page size and scroll
// offsets. Remaining distances never go negative.
func NewPageInfo(vw, vh, pw, ph, sx, sy int) PageInfo {
	return PageInfo{
		ViewportWidth:  vw,
		ViewportHeight: vh,
		PageWidth:      pw,
		PageHeight:     ph,
		ScrollX:        sx,
		ScrollY:        sy,
		PixelsAbove:    sy,
		PixelsBelow:    max(0, ph-vh-sy),
		PixelsLeft:     sx,
		PixelsRight:    max(0, pw-vw-sx),
	}
}

// FallbackPageInfo is used when layout metrics are unavailable.
func FallbackPageInfo() PageInfo {
	return NewPageInfo(FallbackWidth, FallbackHeight, FallbackWidth, FallbackHeight, 0, 0)
}

// FetchPageInfo reads the layout metrics of the page behind ctx's executor.
func FetchPageInfo(ctx context.Context) (PageInfo, error) {
	layout, visual, content, cssLayout, cssVisual, cssContent, err := page.GetLayoutMetrics().Do(ctx)
	if err != nil {
		return PageInfo{}, fmt.Errorf("get layout metrics: %w", err)
	}
	if cssVisual == nil || cssLayout == nil {
		return PageInfo{}, fmt.Errorf("layout metrics are incomplete")
	}

	dpr := 1.0
	if visual != nil && cssVisual.ClientWidth > 0 && visual.ClientWidth > 0 {
		dpr = visual.ClientWidth / cssVisual.ClientWidth
	}
	var pw, ph float64
	switch {
	case cssContent != nil:
		pw, ph = cssContent.Width, cssContent.Height
	case content != nil:
		pw, ph = content.Width/dpr, content.Height/dpr
	}
	vw, vh := float64(cssLayout.ClientWidth), float64(cssLayout.ClientHeight)
	if vw == 0 && layout != nil {
		vw, vh = float64(layout.ClientWidth)/dpr, float64(layout.ClientHeight)/dpr
	}

	return NewPageInfo(
		round(vw), round(vh), round(pw), round(ph),
		round(cssVisual.PageX), round(cssVisual.PageY),
	), nil
}

func round(f float64) int { return int(math.Round(f)) }

// IsPDFViewer reports whether url is served by the built-in PDF viewer.
func IsPDFViewer(url string) bool {
	u := strings.ToLower(url)
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	return strings.HasSuffix(u, ".pdf") || strings.Contains(u, "/pdf/")
}

// IsHTTP reports whether url is an http or https page.
func IsHTTP(url string) bool {
	return strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://")
}

// Cache holds the last snapshot so the next extraction can diff against it.
type Cache struct {
	mu   sync.RWMutex
	last *Snapshot
}

func (c *Cache) Get() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

func (c *Cache) Set(s *Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = s
}

// Clear drops the cached snapshot; the next extraction marks nothing as new.
func (c *Cache) Clear() { c.Set(nil) }

// PreviousSelectorMap returns the selector map of the cached snapshot.
func (c *Cache) PreviousSelectorMap() dom.SelectorMap {
	return c.Get().SelectorMap()
}
