package watchdogs_test

import (
	"errors"
	"testing"

	"github.com/chromedp/cdproto/accessibility"
	cdpdom "github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/domsnapshot"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/tabpilot/internal/browsererr"
	"github.com/xkilldash9x/tabpilot/internal/browserstate"
	"github.com/xkilldash9x/tabpilot/internal/cdptest"
	"github.com/xkilldash9x/tabpilot/internal/dom"
	"github.com/xkilldash9x/tabpilot/internal/eventbus"
	"github.com/xkilldash9x/tabpilot/internal/events"
	"github.com/xkilldash9x/tabpilot/internal/watchdog"
	"github.com/xkilldash9x/tabpilot/internal/watchdogs"
)

const emptyDocument = `{"root":{
	"nodeId":1,"backendNodeId":1,"nodeType":9,"nodeName":"#document","localName":"","nodeValue":"",
	"children":[{"nodeId":2,"backendNodeId":2,"nodeType":1,"nodeName":"HTML","localName":"html","nodeValue":"","attributes":[]}]
}}`

type fakePopups []string

func (p *fakePopups) Messages() []string {
	msgs := *p
	*p = nil
	return msgs
}

// attachStateWatchdogs wires the DOM and screenshot watchdogs to e's bus.
func attachStateWatchdogs(t *testing.T, e *env, popups watchdogs.PopupSource) *watchdogs.DOM {
	t.Helper()
	fw := watchdog.New(e.bus, nil, e.logger, 0)
	w := watchdogs.NewDOM(e.pool, e.bus, dom.NewService(e.logger, dom.Options{}), popups, e.logger)
	require.NoError(t, fw.Attach(w))
	require.NoError(t, fw.Attach(watchdogs.NewScreenshot(e.pool, e.logger)))
	return w
}

func requestState(t *testing.T, e *env, req *events.BrowserStateRequest) *browserstate.Snapshot {
	t.Helper()
	ctx := testCtx(t)
	snap, err := eventbus.ResultOf[*browserstate.Snapshot](ctx, e.bus.Dispatch(ctx, req))
	require.NoError(t, err)
	require.NotNil(t, snap)
	return snap
}

func TestDOM_InternalPageSkipsExtraction(t *testing.T) {
	e := newEnv(t,
		cdptest.PageInfo("B1", events.BlankURL),
		&target.Info{TargetID: "P2", Type: "page", URL: "https://example.com", Title: "Example", OpenerID: "B1"},
	)
	popups := &fakePopups{"[alert] hello"}
	attachStateWatchdogs(t, e, popups)
	_, err := e.pool.GetOrCreate(testCtx(t), "B1", true)
	require.NoError(t, err)

	snap := requestState(t, e, &events.BrowserStateRequest{IncludeScreenshot: true})

	assert.Equal(t, events.BlankURL, snap.URL)
	require.NotNil(t, snap.DOM)
	assert.Empty(t, snap.DOM.SelectorMap)
	assert.Empty(t, snap.Screenshot)
	assert.Equal(t, browserstate.FallbackPageInfo(), snap.PageInfo)
	assert.Equal(t, 1280, snap.PageInfo.ViewportWidth)
	assert.Equal(t, 720, snap.PageInfo.ViewportHeight)
	assert.Equal(t, []string{"[alert] hello"}, snap.ClosedPopupMessages)
	assert.Empty(t, snap.BrowserErrors)

	require.Len(t, snap.Tabs, 2)
	assert.Equal(t, target.ID("P2"), snap.Tabs[1].TargetID)
	assert.Equal(t, target.ID("B1"), snap.Tabs[1].ParentTargetID)

	assert.Zero(t, e.browser.Page("B1").Count(page.CommandCaptureScreenshot))
	assert.Zero(t, e.browser.Page("B1").Count(cdpdom.CommandGetDocument))
}

func TestDOM_ExtractsAndCaptures(t *testing.T) {
	e := newEnv(t, cdptest.PageInfo("P1", "https://example.com"))
	w := attachStateWatchdogs(t, e, nil)

	pg := e.browser.Page("P1")
	pg.Respond(cdpdom.CommandGetDocument, emptyDocument)
	pg.Respond(accessibility.CommandGetFullAXTree, `{"nodes":[]}`)
	pg.Respond(domsnapshot.CommandCaptureSnapshot, `{"documents":[],"strings":[]}`)
	pg.Respond(page.CommandGetLayoutMetrics, cdptest.LayoutMetrics)
	pg.Respond(page.CommandCaptureScreenshot, `{"data":"aGVsbG8="}`)

	snap := requestState(t, e, &events.BrowserStateRequest{
		IncludeScreenshot:   true,
		IncludeRecentEvents: true,
	})

	assert.Empty(t, snap.BrowserErrors)
	require.NotNil(t, snap.DOM)
	assert.NotNil(t, snap.DOM.Tree)
	assert.Equal(t, "aGVsbG8=", snap.Screenshot)
	assert.Equal(t, 1024, snap.PageInfo.ViewportWidth)
	assert.Equal(t, 2000, snap.PageInfo.PageHeight)
	assert.Equal(t, 1232, snap.PageInfo.PixelsBelow)
	assert.False(t, snap.IsPDFViewer)
	assert.NotEmpty(t, snap.RecentEvents)
	assert.Equal(t, "P1", string(e.pool.FocusTargetID()))

	// An empty page has nothing under index 1 even after a fresh extraction.
	ctx := testCtx(t)
	n, err := w.ElementByIndex(ctx, 1)
	assert.Nil(t, n)
	assert.Equal(t, browsererr.KindElementNotFound, kindOf(err))
	assert.False(t, w.IsFileInput(ctx, 1))
}

func TestDOM_ElementByIndexExtractsOnColdCache(t *testing.T) {
	e := newEnv(t, cdptest.PageInfo("P1", "https://example.com"))
	w := attachStateWatchdogs(t, e, nil)
	pg := cdptest.ServeButtonPage(e.browser.Page("P1"))
	ctx := testCtx(t)

	n, err := w.ElementByIndex(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, n)
	assert.Equal(t, "button", n.Tag())
	assert.Equal(t, "submit", n.Attributes["id"])
	assert.Equal(t, 1, pg.Count(cdpdom.CommandGetDocument))

	// The cached map answers later lookups without another extraction.
	_, err = w.ElementByIndex(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, pg.Count(cdpdom.CommandGetDocument))

	_, err = w.ElementByIndex(ctx, 9)
	assert.Equal(t, browsererr.KindElementNotFound, kindOf(err))
	assert.False(t, w.IsFileInput(ctx, 1))

	w.ClearCache()
	_, err = w.ElementByIndex(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, pg.Count(cdpdom.CommandGetDocument))
}

func TestDOM_DegradesOnFailures(t *testing.T) {
	e := newEnv(t, cdptest.PageInfo("P1", "https://example.com/report.pdf"))
	attachStateWatchdogs(t, e, nil)

	pg := e.browser.Page("P1")
	pg.Fail(cdpdom.CommandGetDocument, errors.New("document detached"))
	pg.Respond(page.CommandCaptureScreenshot, `{"data":""}`)
	// Layout metrics come back empty, so geometry falls back.

	snap := requestState(t, e, &events.BrowserStateRequest{IncludeScreenshot: true})

	require.Len(t, snap.BrowserErrors, 2)
	assert.Contains(t, snap.BrowserErrors, "DOM extraction failed: get document: document detached")
	var shotErr string
	for _, msg := range snap.BrowserErrors {
		if msg != "DOM extraction failed: get document: document detached" {
			shotErr = msg
		}
	}
	assert.Contains(t, shotErr, "Screenshot failed:")
	assert.Contains(t, shotErr, "no image data returned")

	require.NotNil(t, snap.DOM, "a failed extraction still yields an empty DOM")
	assert.Empty(t, snap.DOM.SelectorMap)
	assert.Empty(t, snap.Screenshot)
	assert.Equal(t, browserstate.FallbackPageInfo(), snap.PageInfo)
	assert.True(t, snap.IsPDFViewer)
}

func TestDOM_ScreenshotNotRequested(t *testing.T) {
	e := newEnv(t, cdptest.PageInfo("P1", "https://example.com"))
	attachStateWatchdogs(t, e, nil)
	pg := e.browser.Page("P1")
	pg.Respond(page.CommandGetLayoutMetrics, cdptest.LayoutMetrics)

	snap := requestState(t, e, &events.BrowserStateRequest{SkipDOM: true})

	assert.Empty(t, snap.BrowserErrors)
	assert.Empty(t, snap.Screenshot)
	assert.Zero(t, pg.Count(page.CommandCaptureScreenshot))
	assert.Zero(t, pg.Count(cdpdom.CommandGetDocument))
	assert.Nil(t, snap.RecentEvents)
}
