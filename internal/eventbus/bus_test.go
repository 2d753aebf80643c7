package eventbus_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xkilldash9x/tabpilot/internal/browsererr"
	"github.com/xkilldash9x/tabpilot/internal/eventbus"
	"github.com/xkilldash9x/tabpilot/internal/events"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func newTestBus(t *testing.T, opts eventbus.Options) *eventbus.Bus {
	t.Helper()
	b := eventbus.New(zaptest.NewLogger(t), opts)
	ctx, cancel := context.WithCancel(context.Background())
	b.Start(ctx)
	t.Cleanup(func() {
		cancel()
		b.Shutdown()
		b.Wait()
	})
	return b
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestBus_HandlersRunInRegistrationOrder(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	b := newTestBus(t, eventbus.Options{})

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(name string) eventbus.HandlerFunc {
		return func(ctx context.Context, ev events.Event) (any, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			// A sleeping first handler must still finish before the second starts.
			if name == "first" {
				time.Sleep(20 * time.Millisecond)
			}
			return name, nil
		}
	}
	require.NoError(t, b.On(events.TypeTabCreated, "first", record("first")))
	require.NoError(t, b.On(events.TypeTabCreated, "second", record("second")))
	require.NoError(t, b.On(events.TypeTabCreated, "third", record("third")))

	h := b.Dispatch(context.Background(), &events.TabCreated{TargetID: "T1"})
	require.NoError(t, h.Wait(waitCtx(t)))

	assert.Equal(t, []string{"first", "second", "third"}, order)
	results := h.Results()
	require.Len(t, results, 3)
	assert.Equal(t, "first", results[0].Handler)
	assert.Equal(t, "third", results[2].Value)
	assert.Equal(t, []string{"first", "second", "third"}, b.HandlerNames(events.TypeTabCreated))
}

func TestBus_DuplicateRegistration(t *testing.T) {
	b := eventbus.New(zaptest.NewLogger(t), eventbus.Options{})
	noop := func(ctx context.Context, ev events.Event) (any, error) { return nil, nil }

	require.NoError(t, b.On(events.TypeScreenshot, "screenshot_watchdog", noop))
	err := b.On(events.TypeScreenshot, "screenshot_watchdog", noop)

	assert.ErrorIs(t, err, browsererr.ErrDuplicateHandler)
	assert.Equal(t, []string{"screenshot_watchdog"}, b.HandlerNames(events.TypeScreenshot))
}

func TestBus_ResultOf(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	b := newTestBus(t, eventbus.Options{})

	require.NoError(t, b.On(events.TypeScreenshot, "nil_first", func(ctx context.Context, ev events.Event) (any, error) {
		return nil, nil
	}))
	require.NoError(t, b.On(events.TypeScreenshot, "capture", func(ctx context.Context, ev events.Event) (any, error) {
		return "iVBORw0KGgo=", nil
	}))

	png, err := eventbus.ResultOf[string](waitCtx(t), b.Dispatch(context.Background(), &events.Screenshot{}))
	require.NoError(t, err)
	assert.Equal(t, "iVBORw0KGgo=", png)

	_, err = eventbus.ResultOf[int](waitCtx(t), b.Dispatch(context.Background(), &events.Screenshot{}))
	assert.ErrorContains(t, err, "has type string")
}

func TestBus_ErrorsSurface(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	b := newTestBus(t, eventbus.Options{})

	t.Run("no handler", func(t *testing.T) {
		err := b.Dispatch(context.Background(), &events.GoBack{}).Wait(waitCtx(t))
		assert.ErrorIs(t, err, browsererr.ErrNoHandler)
	})

	t.Run("nil result", func(t *testing.T) {
		require.NoError(t, b.On(events.TypeRefresh, "noop", func(ctx context.Context, ev events.Event) (any, error) {
			return nil, nil
		}))
		_, err := b.Dispatch(context.Background(), &events.Refresh{}).Result(waitCtx(t))
		assert.ErrorIs(t, err, eventbus.ErrNoResult)
	})

	t.Run("typed handler error is preserved", func(t *testing.T) {
		want := browsererr.New(browsererr.KindUploadFailed, "upload", "not a file input")
		require.NoError(t, b.On(events.TypeUploadFile, "actions", func(ctx context.Context, ev events.Event) (any, error) {
			return nil, want
		}))
		err := b.Dispatch(context.Background(), &events.UploadFile{}).Wait(waitCtx(t))
		kind, ok := browsererr.KindOf(err)
		require.True(t, ok)
		assert.Equal(t, browsererr.KindUploadFailed, kind)
	})

	t.Run("panic becomes an error and the dispatcher survives", func(t *testing.T) {
		require.NoError(t, b.On(events.TypeGoForward, "boom", func(ctx context.Context, ev events.Event) (any, error) {
			panic("kaboom")
		}))
		err := b.Dispatch(context.Background(), &events.GoForward{}).Wait(waitCtx(t))
		assert.ErrorContains(t, err, "kaboom")

		// Still dispatching afterwards.
		_, err = b.Dispatch(context.Background(), &events.Refresh{}).Result(waitCtx(t))
		assert.ErrorIs(t, err, eventbus.ErrNoResult)
	})
}

func TestBus_StopPropagation(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	b := newTestBus(t, eventbus.Options{})

	blocked := browsererr.New(browsererr.KindNavigationBlocked, "navigate", "not allowed")
	require.NoError(t, b.On(events.TypeNavigateToURL, "policy", func(ctx context.Context, ev events.Event) (any, error) {
		if ev.(*events.NavigateToURL).URL == "https://blocked.test" {
			return nil, fmt.Errorf("%w: %w", eventbus.ErrStopPropagation, blocked)
		}
		return nil, nil
	}))
	var navigated []string
	require.NoError(t, b.On(events.TypeNavigateToURL, "navigator", func(ctx context.Context, ev events.Event) (any, error) {
		navigated = append(navigated, ev.(*events.NavigateToURL).URL)
		return nil, nil
	}))

	err := b.Dispatch(context.Background(), &events.NavigateToURL{URL: "https://blocked.test"}).Wait(waitCtx(t))
	require.ErrorIs(t, err, eventbus.ErrStopPropagation)
	kind, ok := browsererr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, browsererr.KindNavigationBlocked, kind)

	require.NoError(t, b.Dispatch(context.Background(), &events.NavigateToURL{URL: "https://ok.test"}).Wait(waitCtx(t)))
	assert.Equal(t, []string{"https://ok.test"}, navigated)
}

func TestBus_NestedDispatchRunsInline(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	b := newTestBus(t, eventbus.Options{HistorySize: 10})

	var child, grandchild events.Event
	require.NoError(t, b.On(events.TypeBrowserStateRequest, "dom", func(ctx context.Context, ev events.Event) (any, error) {
		// Awaiting from inside a handler must not deadlock the single dispatcher.
		h := b.Dispatch(ctx, &events.Screenshot{})
		return eventbus.ResultOf[string](ctx, h)
	}))
	require.NoError(t, b.On(events.TypeScreenshot, "screenshot", func(ctx context.Context, ev events.Event) (any, error) {
		child = ev
		h := b.Dispatch(ctx, &events.Refresh{})
		if err := h.Wait(ctx); err != nil {
			return nil, err
		}
		return "png", nil
	}))
	require.NoError(t, b.On(events.TypeRefresh, "refresh", func(ctx context.Context, ev events.Event) (any, error) {
		grandchild = ev
		return nil, nil
	}))

	root := &events.BrowserStateRequest{}
	got, err := eventbus.ResultOf[string](waitCtx(t), b.Dispatch(context.Background(), root))
	require.NoError(t, err)
	assert.Equal(t, "png", got)

	require.NotNil(t, child)
	require.NotNil(t, grandchild)
	assert.Equal(t, root.ID, child.EventHeader().ParentID)
	assert.Equal(t, child.EventHeader().ID, grandchild.EventHeader().ParentID)
	assert.Equal(t, root.ID, grandchild.EventHeader().GrandparentID)

	// Inline children finish before their parent and are recorded once each.
	recent := b.Recent(0)
	require.Len(t, recent, 3)
	assert.Equal(t, events.TypeBrowserStateRequest, recent[0].EventType())
	assert.Equal(t, events.TypeScreenshot, recent[1].EventType())
	assert.Equal(t, events.TypeRefresh, recent[2].EventType())
}

func TestBus_DetachedOutlivesHandler(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	b := newTestBus(t, eventbus.Options{})

	detached := make(chan context.Context, 1)
	require.NoError(t, b.On(events.TypeBrowserConnected, "monitor", func(ctx context.Context, ev events.Event) (any, error) {
		require.NotNil(t, eventbus.Current(ctx))
		detached <- eventbus.Detached(ctx)
		return nil, nil
	}))
	var refreshed events.Event
	require.NoError(t, b.On(events.TypeRefresh, "refresh", func(ctx context.Context, ev events.Event) (any, error) {
		refreshed = ev
		return nil, nil
	}))

	require.NoError(t, b.Dispatch(context.Background(), &events.BrowserConnected{}).Wait(waitCtx(t)))
	ctx := <-detached
	assert.NoError(t, ctx.Err(), "the handler deadline does not reach detached work")
	assert.Nil(t, eventbus.Current(ctx))

	require.NoError(t, b.Dispatch(ctx, &events.Refresh{}).Wait(waitCtx(t)))
	require.NotNil(t, refreshed)
	assert.Empty(t, refreshed.EventHeader().ParentID)
}

func TestBus_HandlerTimeout(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
	b := newTestBus(t, eventbus.Options{HandlerTimeout: 30 * time.Millisecond})

	require.NoError(t, b.On(events.TypeWait, "slow", func(ctx context.Context, ev events.Event) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	err := b.Dispatch(context.Background(), &events.Wait{Seconds: 5}).Wait(waitCtx(t))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestBus_Shutdown(t *testing.T) {
	defer goleak.VerifyNone(t)
	b := eventbus.New(zaptest.NewLogger(t), eventbus.Options{})

	// Not started: the event stays queued until shutdown resolves it.
	pending := b.Dispatch(context.Background(), &events.Refresh{})
	b.Shutdown()
	assert.ErrorIs(t, pending.Wait(waitCtx(t)), eventbus.ErrBusClosed)

	late := b.Dispatch(context.Background(), &events.Refresh{})
	assert.ErrorIs(t, late.Wait(waitCtx(t)), eventbus.ErrBusClosed)
	b.Wait()
}

func TestBus_WaitRespectsCallerContext(t *testing.T) {
	b := eventbus.New(zaptest.NewLogger(t), eventbus.Options{})
	defer b.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := b.Dispatch(context.Background(), &events.Refresh{}).Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
