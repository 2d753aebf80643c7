package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/tabpilot/internal/browser/session"
	"github.com/xkilldash9x/tabpilot/internal/cdptest"
)

func newPool(t *testing.T, targets ...*target.Info) (*session.Pool, *cdptest.Browser) {
	t.Helper()
	b := cdptest.NewBrowser(targets...)
	p := session.NewPool(b, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = p.Close() })
	return p, b
}

func TestPool_GetOrCreate(t *testing.T) {
	ctx := context.Background()

	t.Run("empty id picks the first page", func(t *testing.T) {
		p, _ := newPool(t,
			&target.Info{TargetID: "SW", Type: "service_worker"},
			cdptest.PageInfo("P1", "https://example.com"),
			cdptest.PageInfo("P2", "https://example.org"),
		)
		s, err := p.GetOrCreate(ctx, "", true)
		require.NoError(t, err)
		assert.Equal(t, target.ID("P1"), s.TargetID)
		assert.Equal(t, "https://example.com", s.URL())
		assert.Same(t, s, p.Focused())
	})

	t.Run("no pages opens a blank tab", func(t *testing.T) {
		p, b := newPool(t)
		s, err := p.GetOrCreate(ctx, "", true)
		require.NoError(t, err)
		assert.Equal(t, "about:blank", s.URL())
		require.Len(t, b.Targets(), 1)
		assert.Equal(t, 1, b.Count(target.CommandCreateTarget))
	})

	t.Run("existing session is reused", func(t *testing.T) {
		p, b := newPool(t, cdptest.PageInfo("P1", "https://example.com"))
		first, err := p.GetOrCreate(ctx, "P1", false)
		require.NoError(t, err)
		second, err := p.GetOrCreate(ctx, "P1", false)
		require.NoError(t, err)
		assert.Same(t, first, second)
		assert.Equal(t, 1, b.Count(target.CommandGetTargetInfo))
		assert.Nil(t, p.Focused(), "focus=false must not move focus")
	})

	t.Run("concurrent callers share one attach", func(t *testing.T) {
		p, b := newPool(t, cdptest.PageInfo("P1", "https://example.com"))
		var wg sync.WaitGroup
		got := make([]*session.Session, 8)
		for i := range got {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				s, err := p.GetOrCreate(ctx, "P1", false)
				assert.NoError(t, err)
				got[i] = s
			}(i)
		}
		wg.Wait()
		for _, s := range got[1:] {
			assert.Same(t, got[0], s)
		}
		assert.Equal(t, 1, b.Count(target.CommandGetTargetInfo))
		assert.Len(t, p.Sessions(), 1)
	})

	t.Run("unknown target", func(t *testing.T) {
		p, _ := newPool(t)
		_, err := p.GetOrCreate(ctx, "GONE", false)
		assert.ErrorContains(t, err, "GONE")
	})

	t.Run("attach failure leaves the pool empty", func(t *testing.T) {
		p, b := newPool(t, cdptest.PageInfo("P1", "https://example.com"))
		b.FailAttach(errors.New("websocket closed"))
		_, err := p.GetOrCreate(ctx, "P1", true)
		assert.ErrorContains(t, err, "websocket closed")
		assert.Empty(t, p.Sessions())
		assert.Nil(t, p.Focused())
	})
}

func TestPool_SessionContextRoutesCommands(t *testing.T) {
	p, b := newPool(t, cdptest.PageInfo("P1", "https://example.com"), cdptest.PageInfo("P2", "https://example.org"))
	s1, err := p.GetOrCreate(context.Background(), "P1", false)
	require.NoError(t, err)

	b.Page("P1").Respond(runtime.CommandEvaluate, `{"result":{"type":"number","value":2}}`)
	res, _, err := runtime.Evaluate("1+1").Do(s1.Context(context.Background()))
	require.NoError(t, err)
	assert.Equal(t, "2", string(res.Value))

	assert.Equal(t, 1, b.Page("P1").Count(runtime.CommandEvaluate))
	assert.Zero(t, b.Page("P2").Count(runtime.CommandEvaluate))
}

func TestPool_FocusChangeHook(t *testing.T) {
	p, _ := newPool(t, cdptest.PageInfo("P1", "https://a.test"), cdptest.PageInfo("P2", "https://b.test"))
	var seen []target.ID
	p.OnFocusChange(func(s *session.Session) { seen = append(seen, s.TargetID) })

	ctx := context.Background()
	_, err := p.GetOrCreate(ctx, "P1", true)
	require.NoError(t, err)
	_, err = p.GetOrCreate(ctx, "P1", true)
	require.NoError(t, err)
	_, err = p.GetOrCreate(ctx, "P2", true)
	require.NoError(t, err)

	assert.Equal(t, []target.ID{"P1", "P2"}, seen, "refocusing the same session is not a change")
}

func TestPool_CrashRecovery(t *testing.T) {
	ctx := context.Background()
	p, b := newPool(t, cdptest.PageInfo("P1", "https://example.com"))

	s, err := p.GetOrCreate(ctx, "", true)
	require.NoError(t, err)
	require.Equal(t, target.ID("P1"), s.TargetID)

	// The crashed tab disappears; removing it must not fail and clears focus.
	b.RemoveTarget("P1")
	wasFocused := p.Remove("P1", true)
	assert.True(t, wasFocused)
	assert.Nil(t, p.Focused())
	assert.Empty(t, p.Sessions())
	assert.Equal(t, []bool{true}, b.Released("P1"))

	// The next caller lazily re-populates the pool.
	s, err = p.GetOrCreate(ctx, "", true)
	require.NoError(t, err)
	assert.NotEqual(t, target.ID("P1"), s.TargetID)
	assert.Same(t, s, p.Focused())
	assert.Len(t, p.Sessions(), 1)
}

func TestPool_RecoverFocus(t *testing.T) {
	ctx := context.Background()
	p, b := newPool(t, cdptest.PageInfo("P1", "https://example.com"))

	old, err := p.GetOrCreate(ctx, "P1", true)
	require.NoError(t, err)

	require.NoError(t, p.RecoverFocus(ctx, time.Second))
	fresh := p.Focused()
	require.NotNil(t, fresh)
	assert.NotSame(t, old, fresh)
	assert.Equal(t, target.ID("P1"), fresh.TargetID)
	assert.Equal(t, []bool{false}, b.Released("P1"), "the live tab must not be closed")
	assert.Equal(t, 1, b.Count(target.CommandActivateTarget))
}

func TestPool_RecoverFocusTimesOut(t *testing.T) {
	p, b := newPool(t, cdptest.PageInfo("P1", "https://example.com"))
	_, err := p.GetOrCreate(context.Background(), "P1", true)
	require.NoError(t, err)

	b.Block(target.CommandGetTargetInfo)
	err = p.RecoverFocus(context.Background(), 20*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPool_Clear(t *testing.T) {
	ctx := context.Background()
	p, b := newPool(t, cdptest.PageInfo("P1", "https://a.test"), cdptest.PageInfo("P2", "https://b.test"))
	_, err := p.GetOrCreate(ctx, "P1", true)
	require.NoError(t, err)
	_, err = p.GetOrCreate(ctx, "P2", false)
	require.NoError(t, err)

	p.Clear()
	assert.Empty(t, p.Sessions())
	assert.Nil(t, p.Focused())
	assert.Equal(t, []bool{true}, b.Released("P1"))
	assert.Equal(t, []bool{true}, b.Released("P2"))
}

func TestPool_CloseTab(t *testing.T) {
	ctx := context.Background()
	p, b := newPool(t, cdptest.PageInfo("P1", "https://a.test"), cdptest.PageInfo("P2", "https://b.test"))
	_, err := p.GetOrCreate(ctx, "P2", true)
	require.NoError(t, err)

	require.NoError(t, p.CloseTab(ctx, "P2"))
	assert.Nil(t, p.Focused())
	assert.Len(t, b.Targets(), 1)

	pages, err := p.Pages(ctx)
	require.NoError(t, err)
	require.Len(t, pages, 1)
	assert.Equal(t, target.ID("P1"), pages[0].TargetID)
}

func TestSession_ListenOnce(t *testing.T) {
	p, b := newPool(t, cdptest.PageInfo("P1", "https://a.test"))
	s, err := p.GetOrCreate(context.Background(), "P1", false)
	require.NoError(t, err)

	calls := 0
	fn := func(ev any) { calls++ }
	assert.True(t, s.ListenOnce("downloads", fn))
	assert.False(t, s.ListenOnce("downloads", fn))

	b.EmitTarget("P1", struct{}{})
	assert.Equal(t, 1, calls)
}

func TestPool_CloseIsIdempotent(t *testing.T) {
	p, b := newPool(t, cdptest.PageInfo("P1", "https://a.test"))
	_, err := p.GetOrCreate(context.Background(), "P1", true)
	require.NoError(t, err)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.True(t, b.Closed())
	assert.Equal(t, []bool{false}, b.Released("P1"))

	_, err = p.GetOrCreate(context.Background(), "P1", false)
	assert.Error(t, err)
}
