package browser_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	browsercdp "github.com/chromedp/cdproto/browser"
	cdpdom "github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/tabpilot/internal/browser"
	"github.com/xkilldash9x/tabpilot/internal/browser/session"
	"github.com/xkilldash9x/tabpilot/internal/browsererr"
	"github.com/xkilldash9x/tabpilot/internal/cdptest"
	"github.com/xkilldash9x/tabpilot/internal/config"
	"github.com/xkilldash9x/tabpilot/internal/eventbus"
	"github.com/xkilldash9x/tabpilot/internal/events"
)

const fakeURL = "ws://127.0.0.1:9222/devtools/browser/fake"

type fixture struct {
	fake    *cdptest.Browser
	browser *browser.Browser
	dials   *atomic.Int32
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.SetBrowserCDPURL(fakeURL)
	cfg.DownloadsCfg.Dir = t.TempDir()
	cfg.PermissionsCfg.Grant = []string{"notifications"}
	return cfg
}

func newFixture(t *testing.T, cfg *config.Config, targets ...*target.Info) *fixture {
	t.Helper()
	f := &fixture{dials: &atomic.Int32{}}
	f.fake = cdptest.NewBrowser(targets...)
	dial := func(_ context.Context, url string, _ *zap.Logger) (session.Connector, error) {
		f.dials.Add(1)
		assert.Equal(t, fakeURL, url)
		return f.fake, nil
	}
	b, err := browser.New(cfg, zaptest.NewLogger(t), browser.WithDialer(dial))
	require.NoError(t, err)
	f.browser = b
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return f
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func collect[E events.Event](t *testing.T, bus *eventbus.Bus, typ events.Type) <-chan E {
	t.Helper()
	ch := make(chan E, 16)
	require.NoError(t, bus.On(typ, "test_collector", func(_ context.Context, ev events.Event) (any, error) {
		ch <- ev.(E)
		return nil, nil
	}))
	return ch
}

func receive[E any](t *testing.T, ch <-chan E) E {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		require.FailNow(t, "timed out waiting for event")
	}
	var zero E
	return zero
}

func TestBrowser_StartConnectsAndFocuses(t *testing.T) {
	f := newFixture(t, testConfig(t), cdptest.PageInfo("P1", "https://example.com"))
	ctx := testCtx(t)
	bus := f.browser.Bus()
	connected := collect[*events.BrowserConnected](t, bus, events.TypeBrowserConnected)
	created := collect[*events.TabCreated](t, bus, events.TypeTabCreated)
	focused := collect[*events.AgentFocusChanged](t, bus, events.TypeAgentFocusChanged)

	require.NoError(t, f.browser.Start(ctx, ""))

	assert.True(t, f.browser.Connected())
	assert.Equal(t, fakeURL, f.browser.CDPURL())
	assert.Equal(t, fakeURL, receive(t, connected).CDPURL)
	assert.Equal(t, target.ID("P1"), receive(t, created).TargetID)
	assert.Equal(t, target.ID("P1"), receive(t, focused).TargetID)
	assert.Equal(t, target.ID("P1"), f.browser.Pool().FocusTargetID())

	// Connect-time watchdogs ran against the browser connection.
	assert.Equal(t, 1, f.fake.Count(browsercdp.CommandSetDownloadBehavior))
	assert.Equal(t, 1, f.fake.Count(browsercdp.CommandGrantPermissions))

	// A second start is a no-op.
	require.NoError(t, f.browser.Start(ctx, ""))
	assert.Equal(t, int32(1), f.dials.Load())
}

func TestBrowser_TargetEventsBecomeTabEvents(t *testing.T) {
	f := newFixture(t, testConfig(t), cdptest.PageInfo("P1", "https://example.com"))
	ctx := testCtx(t)
	bus := f.browser.Bus()
	require.NoError(t, f.browser.Start(ctx, ""))

	created := collect[*events.TabCreated](t, bus, events.TypeTabCreated)
	closed := collect[*events.TabClosed](t, bus, events.TypeTabClosed)
	crashed := collect[*events.TargetCrashed](t, bus, events.TypeTargetCrashed)

	// Workers and other non-page targets are ignored.
	f.fake.EmitBrowser(&target.EventTargetCreated{TargetInfo: &target.Info{TargetID: "W1", Type: "service_worker"}})
	f.fake.AddTarget(cdptest.PageInfo("P2", "https://example.org"))
	f.fake.EmitBrowser(&target.EventTargetCreated{TargetInfo: cdptest.PageInfo("P2", "https://example.org")})
	assert.Equal(t, target.ID("P2"), receive(t, created).TargetID)

	f.fake.EmitBrowser(&target.EventTargetInfoChanged{TargetInfo: &target.Info{
		TargetID: "P1", Type: "page", URL: "https://example.com/next", Title: "Next",
	}})
	s := f.browser.Pool().Get("P1")
	require.NotNil(t, s)
	assert.Equal(t, "https://example.com/next", s.URL())
	assert.Equal(t, "Next", s.Title())

	f.fake.EmitBrowser(&target.EventTargetCrashed{TargetID: "P2", Status: "crashed", ErrorCode: 139})
	got := receive(t, crashed)
	assert.Equal(t, target.ID("P2"), got.TargetID)
	assert.Equal(t, "crashed (code 139)", got.Error)

	f.fake.RemoveTarget("P1")
	f.fake.EmitBrowser(&target.EventTargetDestroyed{TargetID: "P1"})
	f.fake.EmitBrowser(&target.EventTargetDestroyed{TargetID: "W1"})
	assert.Equal(t, target.ID("P1"), receive(t, closed).TargetID)
	require.Eventually(t, func() bool { return f.browser.Pool().Get("P1") == nil }, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, f.fake.Released("P1"), true)

	select {
	case ev := <-closed:
		t.Fatalf("unexpected close for non-page target: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBrowser_StopAndRestart(t *testing.T) {
	f := newFixture(t, testConfig(t), cdptest.PageInfo("P1", "https://example.com"))
	ctx := testCtx(t)
	stopped := collect[*events.BrowserStopped](t, f.browser.Bus(), events.TypeBrowserStopped)

	require.NoError(t, f.browser.Start(ctx, ""))
	require.NoError(t, f.browser.Stop(ctx, false))

	assert.Equal(t, "stop requested", receive(t, stopped).Reason)
	assert.False(t, f.browser.Connected())
	assert.Empty(t, f.browser.Pool().Sessions())
	assert.Empty(t, f.browser.Pool().FocusTargetID())
	assert.Equal(t, []bool{false}, f.fake.Released("P1"), "tabs stay open on disconnect")
	assert.True(t, f.fake.Closed())
	assert.Len(t, f.fake.Targets(), 1)

	// Protocol calls fail cleanly while disconnected.
	_, err := f.browser.Pool().Targets(ctx)
	assert.ErrorIs(t, err, browser.ErrNotConnected)

	require.NoError(t, f.browser.Start(ctx, ""))
	assert.True(t, f.browser.Connected())
	assert.Equal(t, int32(2), f.dials.Load())
	assert.Equal(t, target.ID("P1"), f.browser.Pool().FocusTargetID())
}

func TestBrowser_DialFailure(t *testing.T) {
	cfg := testConfig(t)
	b, err := browser.New(cfg, zaptest.NewLogger(t), browser.WithDialer(
		func(context.Context, string, *zap.Logger) (session.Connector, error) {
			return nil, errors.New("connection refused")
		}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close(context.Background()) })

	err = b.Start(testCtx(t), "")
	require.Error(t, err)
	kind, ok := browsererr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, browsererr.KindLaunchFailed, kind)
	assert.ErrorContains(t, err, "connection refused")
	assert.False(t, b.Connected())
}

func TestBrowser_UnwritableDownloadsDirFailsStart(t *testing.T) {
	cfg := testConfig(t)
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))
	cfg.DownloadsCfg.Dir = filepath.Join(blocker, "downloads")
	f := newFixture(t, cfg, cdptest.PageInfo("P1", "https://example.com"))
	stopped := collect[*events.BrowserStopped](t, f.browser.Bus(), events.TypeBrowserStopped)

	err := f.browser.Start(testCtx(t), "")
	require.Error(t, err)
	assert.ErrorIs(t, err, browsererr.ErrDownloadsDir)
	assert.True(t, browsererr.IsFatal(err))
	assert.False(t, f.browser.Connected())
	assert.Equal(t, "startup failed", receive(t, stopped).Reason)
	assert.Zero(t, f.fake.Count(browsercdp.CommandSetDownloadBehavior))
	assert.True(t, f.fake.Closed())
}

func TestBrowser_AllowedDomainsBlockNavigation(t *testing.T) {
	cfg := testConfig(t)
	cfg.SecurityCfg.AllowedDomains = []string{"example.com"}
	f := newFixture(t, cfg, cdptest.PageInfo("P1", "https://example.com"))
	ctx := testCtx(t)
	require.NoError(t, f.browser.Start(ctx, ""))

	err := f.browser.Dispatch(ctx, &events.NavigateToURL{URL: "https://evil.test"}).Wait(ctx)
	kind, ok := browsererr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, browsererr.KindNavigationBlocked, kind)
	assert.Zero(t, f.fake.Page("P1").Count(page.CommandNavigate))
}

func TestBrowser_StateOfBlankPage(t *testing.T) {
	f := newFixture(t, testConfig(t),
		cdptest.PageInfo("B1", events.BlankURL),
		cdptest.PageInfo("P2", "https://example.com"),
	)
	ctx := testCtx(t)
	require.NoError(t, f.browser.Start(ctx, ""))

	snap, err := f.browser.State(ctx, &events.BrowserStateRequest{IncludeScreenshot: true})
	require.NoError(t, err)
	assert.Equal(t, events.BlankURL, snap.URL)
	assert.Len(t, snap.Tabs, 2)
	assert.Empty(t, snap.Screenshot)
	n, err := f.browser.DOM().ElementByIndex(ctx, 1)
	assert.Nil(t, n)
	kind, _ := browsererr.KindOf(err)
	assert.Equal(t, browsererr.KindElementNotFound, kind)
}

func TestBrowser_ClickIndexWithColdCache(t *testing.T) {
	cfg := testConfig(t)
	cfg.ActionsCfg.ClickSettle = time.Millisecond
	f := newFixture(t, cfg, cdptest.PageInfo("P1", "https://example.com"))
	ctx := testCtx(t)
	pg := cdptest.ServeButtonPage(f.fake.Page("P1"))
	pg.Respond(cdpdom.CommandGetContentQuads, `{"quads":[[10,10,110,10,110,40,10,40]]}`)
	require.NoError(t, f.browser.Start(ctx, ""))

	require.NoError(t, f.browser.ClickIndex(ctx, 1))

	assert.Equal(t, 1, pg.Count(cdpdom.CommandGetDocument), "the click extracted the page once")
	clicks := pg.CallsTo(input.CommandDispatchMouseEvent)
	require.Len(t, clicks, 3)
	press := clicks[1].Params.(*input.DispatchMouseEventParams)
	assert.Equal(t, input.MousePressed, press.Type)
	assert.Equal(t, 60.0, press.X)
	assert.Equal(t, 25.0, press.Y)

	err := f.browser.ClickIndex(ctx, 2)
	kind, _ := browsererr.KindOf(err)
	assert.Equal(t, browsererr.KindElementNotFound, kind)
}

func TestBrowser_RecoverFocusRequiresConnection(t *testing.T) {
	f := newFixture(t, testConfig(t))
	err := f.browser.RecoverFocus(testCtx(t), time.Second)
	assert.ErrorIs(t, err, browser.ErrNotConnected)
}

func TestBrowser_CloseReleasesEverything(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, testConfig(t), cdptest.PageInfo("P1", "https://example.com"))
	require.NoError(t, f.browser.Start(testCtx(t), ""))

	require.NoError(t, f.browser.Close(context.Background()))
	require.NoError(t, f.browser.Close(context.Background()), "close is idempotent")
	assert.False(t, f.browser.Connected())
	assert.True(t, f.fake.Closed())
}
