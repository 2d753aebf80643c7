package watchdogs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/runtime"
	"github.com/go-json-experiment/json"
	"go.uber.org/zap"

	"github.com/xkilldash9x/tabpilot/internal/browser/session"
	"github.com/xkilldash9x/tabpilot/internal/browsererr"
	"github.com/xkilldash9x/tabpilot/internal/config"
	"github.com/xkilldash9x/tabpilot/internal/eventbus"
	"github.com/xkilldash9x/tabpilot/internal/events"
)

const jsDetectPDF = `(() => {
	const embed = document.querySelector('embed[type="application/pdf"]');
	if (embed && embed.src) return {isPdf: true, url: embed.src};
	if (document.contentType === 'application/pdf') return {isPdf: true, url: window.location.href};
	for (const frame of document.querySelectorAll('iframe')) {
		try {
			const doc = frame.contentDocument || frame.contentWindow.document;
			if (doc.contentType === 'application/pdf') return {isPdf: true, url: frame.src};
		} catch (e) {}
	}
	return {isPdf: false};
})()`

const jsDownloadURL = `(() => {
	const link = document.createElement('a');
	link.href = %s;
	link.download = '';
	document.body.appendChild(link);
	link.click();
	link.remove();
	return true;
})()`

// DownloadsOptions configures where files land.
type DownloadsOptions struct {
	Dir     string
	AutoPDF bool
}

func DownloadsOptionsFromConfig(c config.DownloadsConfig) DownloadsOptions {
	return DownloadsOptions{Dir: c.Dir, AutoPDF: c.AutoPDF}
}

type pendingDownload struct {
	url       string
	suggested string
	auto      bool
}

// Downloads lets the browser save downloads under their guid into the
// downloads directory and renames each finished file to its suggested name.
type Downloads struct {
	pool   *session.Pool
	bus    *eventbus.Bus
	opts   DownloadsOptions
	logger *zap.Logger

	listen sync.Once

	mu        sync.Mutex
	ctx       context.Context
	active    map[string]pendingDownload
	autoURLs  map[string]bool
	connected bool
}

func NewDownloads(pool *session.Pool, bus *eventbus.Bus, opts DownloadsOptions, logger *zap.Logger) *Downloads {
	return &Downloads{
		pool:     pool,
		bus:      bus,
		opts:     opts,
		logger:   logger.Named("downloads_watchdog"),
		active:   make(map[string]pendingDownload),
		autoURLs: make(map[string]bool),
	}
}

func (w *Downloads) Name() string { return "downloads_watchdog" }

func (w *Downloads) ListensTo() []events.Type {
	return []events.Type{
		events.TypeBrowserConnected,
		events.TypeBrowserStopped,
		events.TypeNavigationComplete,
	}
}

func (w *Downloads) Emits() []events.Type {
	return []events.Type{events.TypeFileDownloaded}
}

// OnBrowserConnected points the browser's downloads at the configured
// directory. An unwritable directory fails the connection.
func (w *Downloads) OnBrowserConnected(ctx context.Context, _ *events.BrowserConnected) error {
	if w.opts.Dir == "" {
		w.logger.Debug("No downloads directory configured, downloads left to the browser")
		return nil
	}
	if err := checkWritableDir(w.opts.Dir); err != nil {
		return err
	}

	w.mu.Lock()
	w.ctx = eventbus.Detached(ctx)
	w.connected = true
	w.mu.Unlock()
	w.listen.Do(func() { w.pool.ListenBrowser(w.onBrowserEvent) })

	err := browser.SetDownloadBehavior(browser.SetDownloadBehaviorBehaviorAllowAndName).
		WithDownloadPath(w.opts.Dir).
		WithEventsEnabled(true).
		Do(w.pool.BrowserContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to set download behavior: %w", err)
	}
	w.logger.Info("Downloads enabled", zap.String("dir", w.opts.Dir))
	return nil
}

// checkWritableDir creates dir if needed and proves a file can be written in it.
func checkWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %s: %w", browsererr.ErrDownloadsDir, dir, err)
	}
	f, err := os.CreateTemp(dir, ".tabpilot-write-*")
	if err != nil {
		return fmt.Errorf("%w: %s: %w", browsererr.ErrDownloadsDir, dir, err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

func (w *Downloads) OnBrowserStopped(context.Context, *events.BrowserStopped) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.connected = false
	clear(w.active)
	return nil
}

// OnNavigationComplete downloads PDFs opened in the built-in viewer when
// auto download is enabled.
func (w *Downloads) OnNavigationComplete(ctx context.Context, ev *events.NavigationComplete) error {
	if !w.opts.AutoPDF || w.opts.Dir == "" || ev.Error != "" {
		return nil
	}
	s := w.pool.Get(ev.TargetID)
	if s == nil {
		return nil
	}
	pctx := s.Context(ctx)

	var found struct {
		IsPDF bool   `json:"isPdf"`
		URL   string `json:"url"`
	}
	if err := evaluateValue(pctx, jsDetectPDF, &found); err != nil {
		w.logger.Debug("PDF detection failed", zap.Error(err))
		return nil
	}
	if !found.IsPDF || found.URL == "" {
		return nil
	}

	w.mu.Lock()
	seen := w.autoURLs[found.URL]
	w.autoURLs[found.URL] = true
	w.mu.Unlock()
	if seen {
		return nil
	}

	href, err := json.Marshal(found.URL)
	if err != nil {
		return nil
	}
	w.logger.Info("Downloading PDF from viewer", zap.String("url", found.URL))
	if err := evaluateValue(pctx, fmt.Sprintf(jsDownloadURL, href), nil); err != nil {
		w.logger.Warn("Failed to trigger PDF download", zap.String("url", found.URL), zap.Error(err))
	}
	return nil
}

func (w *Downloads) onBrowserEvent(ev any) {
	switch e := ev.(type) {
	case *browser.EventDownloadWillBegin:
		w.mu.Lock()
		w.active[e.GUID] = pendingDownload{url: e.URL, suggested: e.SuggestedFilename, auto: w.autoURLs[e.URL]}
		w.mu.Unlock()
		w.logger.Info("Download started", zap.String("file", e.SuggestedFilename), zap.String("url", e.URL))

	case *browser.EventDownloadProgress:
		switch e.State {
		case browser.DownloadProgressStateCompleted:
			w.finish(e)
		case browser.DownloadProgressStateCanceled:
			w.mu.Lock()
			delete(w.active, e.GUID)
			w.mu.Unlock()
			w.logger.Info("Download canceled", zap.String("guid", e.GUID))
		}
	}
}

func (w *Downloads) finish(e *browser.EventDownloadProgress) {
	w.mu.Lock()
	d, ok := w.active[e.GUID]
	delete(w.active, e.GUID)
	ctx := w.ctx
	connected := w.connected
	w.mu.Unlock()
	if !ok || !connected {
		return
	}

	src := e.FilePath
	if src == "" {
		src = filepath.Join(w.opts.Dir, e.GUID)
	}
	name := filepath.Base(d.suggested)
	if name == "." || name == string(filepath.Separator) || name == "" {
		name = e.GUID
	}
	dst, err := UniquePath(w.opts.Dir, name)
	if err != nil {
		w.logger.Error("Failed to pick download file name", zap.String("file", name), zap.Error(err))
		return
	}
	if err := os.Rename(src, dst); err != nil {
		w.logger.Error("Failed to move finished download", zap.String("from", src), zap.String("to", dst), zap.Error(err))
		return
	}

	var size int64
	if info, err := os.Stat(dst); err == nil {
		size = info.Size()
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(dst)), ".")
	ev := &events.FileDownloaded{
		URL:          d.url,
		Path:         dst,
		FileName:     filepath.Base(dst),
		FileSize:     size,
		FileType:     ext,
		AutoDownload: d.auto,
	}
	if ext != "" {
		ev.MimeType, _, _ = mime.ParseMediaType(mime.TypeByExtension("." + ext))
	}
	w.logger.Info("Download completed", zap.String("path", dst), zap.Int64("bytes", size))
	w.bus.Dispatch(ctx, ev)
}

// UniquePath returns dir/name, or the first free "base (n).ext" variant when
// that file already exists.
func UniquePath(dir, name string) (string, error) {
	candidate := filepath.Join(dir, name)
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for n := 1; ; n++ {
		_, err := os.Stat(candidate)
		if errors.Is(err, fs.ErrNotExist) {
			return candidate, nil
		}
		if err != nil {
			return "", err
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", base, n, ext))
	}
}

// evaluateValue runs expr in the page and decodes its by-value result.
func evaluateValue(ctx context.Context, expr string, out any) error {
	res, exc, err := runtime.Evaluate(expr).WithReturnByValue(true).Do(ctx)
	if err != nil {
		return err
	}
	if exc != nil {
		return exc
	}
	if out == nil || res == nil || len(res.Value) == 0 {
		return nil
	}
	return json.Unmarshal(res.Value, out)
}
