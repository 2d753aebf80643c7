package watchdogs

import (
	"context"
	"encoding/base64"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"go.uber.org/zap"

	"github.com/xkilldash9x/tabpilot/internal/browser/session"
	"github.com/xkilldash9x/tabpilot/internal/browsererr"
	"github.com/xkilldash9x/tabpilot/internal/events"
)

// HighlightAttribute marks overlay elements injected into pages; screenshots
// strip them once taken.
const HighlightAttribute = "data-tabpilot-highlight"

const jsRemoveHighlights = `(() => {
	const nodes = document.querySelectorAll('[` + HighlightAttribute + `]');
	nodes.forEach((n) => n.remove());
	return nodes.length;
})()`

// Screenshot captures the focused page as PNG.
type Screenshot struct {
	pool   *session.Pool
	logger *zap.Logger
}

func NewScreenshot(pool *session.Pool, logger *zap.Logger) *Screenshot {
	return &Screenshot{pool: pool, logger: logger.Named("screenshot_watchdog")}
}

func (w *Screenshot) Name() string { return "screenshot_watchdog" }

func (w *Screenshot) ListensTo() []events.Type { return []events.Type{events.TypeScreenshot} }

func (w *Screenshot) Emits() []events.Type { return nil }

// OnScreenshot returns the base64 encoded PNG of the focused page.
func (w *Screenshot) OnScreenshot(ctx context.Context, ev *events.Screenshot) (string, error) {
	s, err := w.pool.GetOrCreate(ctx, "", true)
	if err != nil {
		return "", browsererr.Wrap(browsererr.KindScreenshotFailed, "screenshot", err)
	}
	pctx := s.Context(ctx)
	defer w.removeHighlights(pctx)

	params := page.CaptureScreenshot().
		WithFormat(page.CaptureScreenshotFormatPng).
		WithCaptureBeyondViewport(false)

	switch {
	case ev.Clip != nil:
		params = params.WithClip(&page.Viewport{
			X: ev.Clip.X, Y: ev.Clip.Y, Width: ev.Clip.Width, Height: ev.Clip.Height, Scale: 1,
		})
	case ev.FullPage:
		_, _, _, _, _, cs, err := page.GetLayoutMetrics().Do(pctx)
		if err != nil {
			return "", browsererr.Wrap(browsererr.KindScreenshotFailed, "screenshot", err).WithURL(s.URL())
		}
		if cs != nil && cs.Width > 0 && cs.Height > 0 {
			params = params.
				WithCaptureBeyondViewport(true).
				WithClip(&page.Viewport{Width: cs.Width, Height: cs.Height, Scale: 1})
		}
	}

	data, err := params.Do(pctx)
	if err != nil {
		return "", browsererr.Wrap(browsererr.KindScreenshotFailed, "screenshot", err).WithURL(s.URL())
	}
	if len(data) == 0 {
		return "", browsererr.New(browsererr.KindScreenshotFailed, "screenshot", "no image data returned").WithURL(s.URL())
	}
	w.logger.Debug("Captured screenshot", zap.String("url", s.URL()), zap.Int("bytes", len(data)))
	return base64.StdEncoding.EncodeToString(data), nil
}

func (w *Screenshot) removeHighlights(ctx context.Context) {
	// The capture may have failed on a cancelled context; cleanup still runs.
	ctx = context.WithoutCancel(ctx)
	if _, _, err := runtime.Evaluate(jsRemoveHighlights).Do(ctx); err != nil {
		w.logger.Debug("Failed to remove highlights", zap.Error(err))
	}
}
