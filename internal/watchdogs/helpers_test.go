package watchdogs_test

import (
	"context"
	"testing"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/tabpilot/internal/browser/session"
	"github.com/xkilldash9x/tabpilot/internal/browsererr"
	"github.com/xkilldash9x/tabpilot/internal/cdptest"
	"github.com/xkilldash9x/tabpilot/internal/eventbus"
	"github.com/xkilldash9x/tabpilot/internal/events"
)

type env struct {
	browser *cdptest.Browser
	pool    *session.Pool
	bus     *eventbus.Bus
	logger  *zap.Logger
}

func newEnv(t *testing.T, targets ...*target.Info) *env {
	t.Helper()
	logger := zaptest.NewLogger(t)
	b := cdptest.NewBrowser(targets...)
	pool := session.NewPool(b, logger)
	bus := eventbus.New(logger, eventbus.Options{HistorySize: 50})
	ctx, cancel := context.WithCancel(context.Background())
	bus.Start(ctx)
	t.Cleanup(func() {
		cancel()
		bus.Shutdown()
		bus.Wait()
		_ = pool.Close()
	})
	return &env{browser: b, pool: pool, bus: bus, logger: logger}
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// collect registers a bus handler forwarding every event of type typ.
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

func kindOf(err error) browsererr.Kind {
	k, _ := browsererr.KindOf(err)
	return k
}

// remoteValue is a Runtime.evaluate result returning v by value.
func remoteValue(v string) string {
	return `{"result":{"type":"object","value":` + v + `}}`
}
