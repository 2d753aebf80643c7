package actions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/cdp"
	cdpdom "github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
)

// Per-command deadlines. A wedged renderer must not hold the dispatcher for
// the full handler timeout.
const (
	mouseTimeout  = 10 * time.Second
	keyTimeout    = 5 * time.Second
	scriptTimeout = 20 * time.Second
)

// bounded runs fn under its own deadline and names the operation when that
// deadline, rather than the caller's, is what ended it.
func bounded(ctx context.Context, d time.Duration, op string, fn func(ctx context.Context) error) error {
	opCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	err := fn(opCtx)
	if err != nil && ctx.Err() == nil && errors.Is(opCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s timed out after %v: %w", op, d, opCtx.Err())
	}
	return err
}

func mouse(ctx context.Context, typ input.MouseType, x, y float64, mods input.Modifier) error {
	p := input.DispatchMouseEvent(typ, x, y).WithModifiers(mods)
	if typ == input.MousePressed || typ == input.MouseReleased {
		p = p.WithButton(input.Left).WithClickCount(1)
	}
	return bounded(ctx, mouseTimeout, "dispatch "+string(typ), p.Do)
}

func wheel(ctx context.Context, x, y, dx, dy float64) error {
	p := input.DispatchMouseEvent(input.MouseWheel, x, y).WithDeltaX(dx).WithDeltaY(dy)
	return bounded(ctx, mouseTimeout, "dispatch mouseWheel", p.Do)
}

func key(ctx context.Context, p *input.DispatchKeyEventParams) error {
	return bounded(ctx, keyTimeout, "dispatch "+string(p.Type), p.Do)
}

// resolve returns a remote object handle for a backend node.
func resolve(ctx context.Context, id cdp.BackendNodeID) (runtime.RemoteObjectID, error) {
	obj, err := cdpdom.ResolveNode().WithBackendNodeID(id).Do(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to resolve node %d: %w", id, err)
	}
	if obj == nil || obj.ObjectID == "" {
		return "", fmt.Errorf("node %d has no remote object, the page may have changed", id)
	}
	return obj.ObjectID, nil
}

// callOn runs fn with this bound to the remote object and decodes the
// returned value into out, which may be nil.
func callOn(ctx context.Context, obj runtime.RemoteObjectID, fn string, out any, args ...any) error {
	p := runtime.CallFunctionOn(fn).WithObjectID(obj).WithReturnByValue(true)
	if len(args) > 0 {
		callArgs := make([]*runtime.CallArgument, len(args))
		for i, a := range args {
			raw, err := json.Marshal(a)
			if err != nil {
				return fmt.Errorf("failed to encode script argument %d: %w", i, err)
			}
			callArgs[i] = &runtime.CallArgument{Value: jsontext.Value(raw)}
		}
		p = p.WithArguments(callArgs)
	}

	var res *runtime.RemoteObject
	err := bounded(ctx, scriptTimeout, "call function", func(ctx context.Context) error {
		r, exc, err := p.Do(ctx)
		if err != nil {
			return err
		}
		if exc != nil {
			return exc
		}
		res = r
		return nil
	})
	if err != nil {
		return err
	}
	return decodeValue(res, out)
}

// evaluate runs expr in the page's main world.
func evaluate(ctx context.Context, expr string, out any) error {
	var res *runtime.RemoteObject
	err := bounded(ctx, scriptTimeout, "evaluate", func(ctx context.Context) error {
		r, exc, err := runtime.Evaluate(expr).WithReturnByValue(true).WithAwaitPromise(true).Do(ctx)
		if err != nil {
			return err
		}
		if exc != nil {
			return exc
		}
		res = r
		return nil
	})
	if err != nil {
		return err
	}
	return decodeValue(res, out)
}

func decodeValue(res *runtime.RemoteObject, out any) error {
	if out == nil || res == nil || len(res.Value) == 0 {
		return nil
	}
	if err := json.Unmarshal(res.Value, out); err != nil {
		return fmt.Errorf("failed to decode script result: %w (payload: %s)", err, string(res.Value))
	}
	return nil
}

// viewportSize returns the layout viewport in CSS pixels.
func viewportSize(ctx context.Context) (w, h float64, err error) {
	_, _, _, cssLayout, _, _, err := page.GetLayoutMetrics().Do(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get layout metrics: %w", err)
	}
	if cssLayout == nil {
		return 0, 0, errors.New("layout metrics without a css layout viewport")
	}
	return float64(cssLayout.ClientWidth), float64(cssLayout.ClientHeight), nil
}

// sleep waits for d unless ctx ends first. Non-positive durations return at once.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
