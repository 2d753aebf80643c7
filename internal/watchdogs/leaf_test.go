package watchdogs_test

import (
	"errors"
	"testing"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/tabpilot/internal/browsererr"
	"github.com/xkilldash9x/tabpilot/internal/cdptest"
	"github.com/xkilldash9x/tabpilot/internal/dom"
	"github.com/xkilldash9x/tabpilot/internal/events"
	"github.com/xkilldash9x/tabpilot/internal/watchdogs"
)

func TestDialogs_AcceptsOnDetectingTab(t *testing.T) {
	e := newEnv(t, cdptest.PageInfo("P1", "https://example.com"))
	ctx := testCtx(t)
	w := watchdogs.NewDialogs(e.pool, e.logger)

	require.NoError(t, w.OnTabCreated(ctx, &events.TabCreated{TargetID: "P1"}))
	e.browser.EmitTarget("P1", &page.EventJavascriptDialogOpening{
		Type:          page.DialogTypePrompt,
		Message:       "Your name?",
		DefaultPrompt: "anon",
	})
	w.Wait()

	calls := e.browser.Page("P1").CallsTo(page.CommandHandleJavaScriptDialog)
	require.Len(t, calls, 1)
	p := calls[0].Params.(*page.HandleJavaScriptDialogParams)
	assert.True(t, p.Accept)
	assert.Equal(t, "anon", p.PromptText)

	assert.Equal(t, []string{"[prompt] Your name?"}, w.Messages())
	assert.Empty(t, w.Messages(), "messages are drained once read")
}

func TestDialogs_FallsBackToFocusedTab(t *testing.T) {
	e := newEnv(t,
		cdptest.PageInfo("P1", "https://example.com"),
		cdptest.PageInfo("P2", "https://example.org"),
	)
	ctx := testCtx(t)
	e.browser.Page("P1").Fail(page.CommandHandleJavaScriptDialog, errors.New("No dialog is showing"))
	_, err := e.pool.GetOrCreate(ctx, "P2", true)
	require.NoError(t, err)

	w := watchdogs.NewDialogs(e.pool, e.logger)
	require.NoError(t, w.OnTabCreated(ctx, &events.TabCreated{TargetID: "P1"}))
	e.browser.EmitTarget("P1", &page.EventJavascriptDialogOpening{Type: page.DialogTypeAlert, Message: "hi"})
	w.Wait()

	assert.Equal(t, 1, e.browser.Page("P1").Count(page.CommandHandleJavaScriptDialog))
	calls := e.browser.Page("P2").CallsTo(page.CommandHandleJavaScriptDialog)
	require.Len(t, calls, 1)
	assert.Empty(t, calls[0].Params.(*page.HandleJavaScriptDialogParams).PromptText)

	require.NoError(t, w.OnBrowserStopped(ctx, &events.BrowserStopped{}))
	assert.Empty(t, w.Messages())
}

func TestScreenshot_CapturesFocusedPage(t *testing.T) {
	e := newEnv(t, cdptest.PageInfo("P1", "https://example.com"))
	ctx := testCtx(t)
	pg := e.browser.Page("P1")
	pg.Respond(page.CommandCaptureScreenshot, `{"data":"aGVsbG8="}`)

	w := watchdogs.NewScreenshot(e.pool, e.logger)
	got, err := w.OnScreenshot(ctx, &events.Screenshot{})
	require.NoError(t, err)
	assert.Equal(t, "aGVsbG8=", got)

	calls := pg.CallsTo(page.CommandCaptureScreenshot)
	require.Len(t, calls, 1)
	p := calls[0].Params.(*page.CaptureScreenshotParams)
	assert.Equal(t, page.CaptureScreenshotFormatPng, p.Format)
	assert.False(t, p.CaptureBeyondViewport)
	assert.Nil(t, p.Clip)

	evals := pg.CallsTo(runtime.CommandEvaluate)
	require.Len(t, evals, 1, "highlight overlays are removed after capture")
	assert.Contains(t, evals[0].Params.(*runtime.EvaluateParams).Expression, watchdogs.HighlightAttribute)
	assert.Equal(t, "P1", string(e.pool.FocusTargetID()))
}

func TestScreenshot_Clip(t *testing.T) {
	e := newEnv(t, cdptest.PageInfo("P1", "https://example.com"))
	ctx := testCtx(t)
	pg := e.browser.Page("P1")
	pg.Respond(page.CommandCaptureScreenshot, `{"data":"aGVsbG8="}`)

	w := watchdogs.NewScreenshot(e.pool, e.logger)
	_, err := w.OnScreenshot(ctx, &events.Screenshot{Clip: &dom.Rect{X: 10, Y: 20, Width: 300, Height: 200}})
	require.NoError(t, err)

	p := pg.CallsTo(page.CommandCaptureScreenshot)[0].Params.(*page.CaptureScreenshotParams)
	assert.Equal(t, &page.Viewport{X: 10, Y: 20, Width: 300, Height: 200, Scale: 1}, p.Clip)
}

func TestScreenshot_FullPageUsesContentSize(t *testing.T) {
	e := newEnv(t, cdptest.PageInfo("P1", "https://example.com"))
	ctx := testCtx(t)
	pg := e.browser.Page("P1")
	pg.Respond(page.CommandGetLayoutMetrics, `{
		"layoutViewport":{"pageX":0,"pageY":0,"clientWidth":1280,"clientHeight":720},
		"visualViewport":{"offsetX":0,"offsetY":0,"pageX":0,"pageY":0,"clientWidth":1280,"clientHeight":720,"scale":1},
		"contentSize":{"x":0,"y":0,"width":1280,"height":4000},
		"cssLayoutViewport":{"pageX":0,"pageY":0,"clientWidth":1280,"clientHeight":720},
		"cssVisualViewport":{"offsetX":0,"offsetY":0,"pageX":0,"pageY":0,"clientWidth":1280,"clientHeight":720,"scale":1},
		"cssContentSize":{"x":0,"y":0,"width":1280,"height":4000}
	}`)
	pg.Respond(page.CommandCaptureScreenshot, `{"data":"aGVsbG8="}`)

	w := watchdogs.NewScreenshot(e.pool, e.logger)
	_, err := w.OnScreenshot(ctx, &events.Screenshot{FullPage: true})
	require.NoError(t, err)

	p := pg.CallsTo(page.CommandCaptureScreenshot)[0].Params.(*page.CaptureScreenshotParams)
	assert.True(t, p.CaptureBeyondViewport)
	assert.Equal(t, &page.Viewport{Width: 1280, Height: 4000, Scale: 1}, p.Clip)
}

func TestScreenshot_EmptyImage(t *testing.T) {
	e := newEnv(t, cdptest.PageInfo("P1", "https://example.com"))
	ctx := testCtx(t)
	pg := e.browser.Page("P1")
	pg.Respond(page.CommandCaptureScreenshot, `{"data":""}`)

	w := watchdogs.NewScreenshot(e.pool, e.logger)
	_, err := w.OnScreenshot(ctx, &events.Screenshot{})
	require.Error(t, err)
	assert.Equal(t, browsererr.KindScreenshotFailed, kindOf(err))
	assert.Equal(t, 1, pg.Count(runtime.CommandEvaluate), "cleanup runs on failure too")
}

func TestScreenshot_CaptureError(t *testing.T) {
	e := newEnv(t, cdptest.PageInfo("P1", "https://example.com"))
	ctx := testCtx(t)
	e.browser.Page("P1").Fail(page.CommandCaptureScreenshot, errors.New("target closed"))

	w := watchdogs.NewScreenshot(e.pool, e.logger)
	_, err := w.OnScreenshot(ctx, &events.Screenshot{})
	require.Error(t, err)
	assert.Equal(t, browsererr.KindScreenshotFailed, kindOf(err))
	assert.ErrorContains(t, err, "target closed")
}

func TestPermissions_GrantsOnConnect(t *testing.T) {
	e := newEnv(t)
	ctx := testCtx(t)

	w := watchdogs.NewPermissions(e.pool, []string{"clipboardReadWrite", "notifications"}, e.logger)
	require.NoError(t, w.OnBrowserConnected(ctx, &events.BrowserConnected{}))

	calls := e.browser.CallsTo(browser.CommandGrantPermissions)
	require.Len(t, calls, 1)
	assert.Equal(t,
		[]browser.PermissionType{browser.PermissionTypeClipboardReadWrite, browser.PermissionTypeNotifications},
		calls[0].Params.(*browser.GrantPermissionsParams).Permissions)
}

func TestPermissions_FailureIsNotFatal(t *testing.T) {
	e := newEnv(t)
	ctx := testCtx(t)
	e.browser.Fail(browser.CommandGrantPermissions, errors.New("unknown permission"))

	w := watchdogs.NewPermissions(e.pool, []string{"bogus"}, e.logger)
	assert.NoError(t, w.OnBrowserConnected(ctx, &events.BrowserConnected{}))

	none := watchdogs.NewPermissions(e.pool, nil, e.logger)
	require.NoError(t, none.OnBrowserConnected(ctx, &events.BrowserConnected{}))
	assert.Equal(t, 1, e.browser.Count(browser.CommandGrantPermissions))
}

func TestHumanFocus_ReportsVisibleTab(t *testing.T) {
	e := newEnv(t,
		cdptest.PageInfo("P1", "https://example.com"),
		cdptest.PageInfo("P2", "https://example.org"),
	)
	ctx := testCtx(t)
	changes := collect[*events.HumanFocusChanged](t, e.bus, events.TypeHumanFocusChanged)

	w := watchdogs.NewHumanFocus(e.pool, e.bus, e.logger)
	require.NoError(t, w.OnTabCreated(ctx, &events.TabCreated{TargetID: "P1"}))
	require.NoError(t, w.OnTabCreated(ctx, &events.TabCreated{TargetID: "P2"}))
	require.NoError(t, w.OnTabCreated(ctx, &events.TabCreated{TargetID: "P2"}))

	p2 := e.browser.Page("P2")
	assert.Equal(t, 1, p2.Count(runtime.CommandAddBinding))
	assert.Equal(t, 1, p2.Count(page.CommandAddScriptToEvaluateOnNewDocument))

	e.browser.EmitTarget("P2", &runtime.EventBindingCalled{Name: "unrelated", Payload: "x"})
	e.browser.EmitTarget("P2", &runtime.EventBindingCalled{Name: "__tabpilotVisibility", Payload: "visible"})

	got := receive(t, changes)
	assert.Equal(t, "P2", string(got.TargetID))
	assert.Equal(t, "https://example.org", got.URL)
	assert.Equal(t, "P2", string(w.Visible()))

	// Becoming visible again without a switch is not a change.
	e.browser.EmitTarget("P2", &runtime.EventBindingCalled{Name: "__tabpilotVisibility", Payload: "visible"})
	select {
	case ev := <-changes:
		t.Fatalf("unexpected focus change: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, w.OnBrowserStopped(ctx, &events.BrowserStopped{}))
	assert.Empty(t, w.Visible())
}
