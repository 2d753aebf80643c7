package watchdogs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/cdproto/target"
	jsoniter "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/xkilldash9x/tabpilot/internal/browser/session"
	"github.com/xkilldash9x/tabpilot/internal/browsererr"
	"github.com/xkilldash9x/tabpilot/internal/browserstate"
	"github.com/xkilldash9x/tabpilot/internal/config"
	"github.com/xkilldash9x/tabpilot/internal/eventbus"
	"github.com/xkilldash9x/tabpilot/internal/events"
)

var stateJSON = jsoniter.ConfigCompatibleWithStandardLibrary

const jsDumpStorage = `(() => {
	const dump = (s) => {
		const out = [];
		for (let i = 0; i < s.length; i++) {
			const k = s.key(i);
			out.push({name: k, value: s.getItem(k)});
		}
		return out;
	};
	try {
		return {origin: location.origin, localStorage: dump(localStorage), sessionStorage: dump(sessionStorage)};
	} catch (e) {
		return {origin: location.origin, localStorage: [], sessionStorage: []};
	}
})()`

const jsRestoreStorage = `(() => {
	const origins = %s;
	const o = origins[location.origin];
	if (!o) return;
	try {
		for (const item of o.localStorage || []) localStorage.setItem(item.name, item.value);
		for (const item of o.sessionStorage || []) sessionStorage.setItem(item.name, item.value);
	} catch (e) {}
})()`

// StorageItem is one key of localStorage or sessionStorage.
type StorageItem struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// StoredCookie is the on-disk form of a browser cookie.
type StoredCookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite,omitempty"`
}

func (c StoredCookie) key() string { return c.Name + "\x00" + c.Domain + "\x00" + c.Path }

// StoredOrigin holds the web storage of one origin.
type StoredOrigin struct {
	Origin         string        `json:"origin"`
	LocalStorage   []StorageItem `json:"localStorage"`
	SessionStorage []StorageItem `json:"sessionStorage,omitempty"`
}

// StorageState is the storage-state file.
type StorageState struct {
	Cookies []StoredCookie `json:"cookies"`
	Origins []StoredOrigin `json:"origins"`
}

// Merge folds newer into s. Cookies are keyed by (name, domain, path) and
// origins by origin; newer entries win and order of first appearance is kept.
func (s *StorageState) Merge(newer *StorageState) {
	if newer == nil {
		return
	}
	cookies := make(map[string]int, len(s.Cookies))
	for i, c := range s.Cookies {
		cookies[c.key()] = i
	}
	for _, c := range newer.Cookies {
		if i, ok := cookies[c.key()]; ok {
			s.Cookies[i] = c
			continue
		}
		cookies[c.key()] = len(s.Cookies)
		s.Cookies = append(s.Cookies, c)
	}

	origins := make(map[string]int, len(s.Origins))
	for i, o := range s.Origins {
		origins[o.Origin] = i
	}
	for _, o := range newer.Origins {
		if i, ok := origins[o.Origin]; ok {
			s.Origins[i] = o
			continue
		}
		origins[o.Origin] = len(s.Origins)
		s.Origins = append(s.Origins, o)
	}
}

// ReadStorageState loads the file at path. A missing file yields (nil, nil).
func ReadStorageState(path string) (*StorageState, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var st StorageState
	if err := stateJSON.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("invalid storage state %s: %w", path, err)
	}
	return &st, nil
}

// WriteStorageState replaces the file at path atomically, keeping the
// previous content as a .bak sibling. Concurrent writers never share a
// temporary file; the last rename wins.
func WriteStorageState(path string, st *StorageState) error {
	data, err := stateJSON.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if prev, err := os.ReadFile(path); err == nil {
		if err := writeFileAtomic(path+".bak", prev); err != nil {
			return err
		}
	}
	return writeFileAtomic(path, data)
}

func writeFileAtomic(path string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	_, err = f.Write(data)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Chmod(tmp, 0o600)
	}
	if err == nil {
		err = os.Rename(tmp, path)
	}
	if err != nil {
		_ = os.Remove(tmp)
	}
	return err
}

// StorageStateOptions configures persistence.
type StorageStateOptions struct {
	Path             string
	AutoSaveInterval time.Duration
}

func StorageStateOptionsFromConfig(c config.StorageStateConfig) StorageStateOptions {
	return StorageStateOptions{Path: c.Path, AutoSaveInterval: c.AutoSaveInterval}
}

// Storage persists cookies and web storage to a JSON file and restores them.
type Storage struct {
	pool   *session.Pool
	bus    *eventbus.Bus
	opts   StorageStateOptions
	logger *zap.Logger

	// saveMu serializes read-merge-write cycles on the state file.
	saveMu sync.Mutex

	mu         sync.Mutex
	restore    string
	restored   map[target.ID]bool
	lastCookie string
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

func NewStorage(pool *session.Pool, bus *eventbus.Bus, opts StorageStateOptions, logger *zap.Logger) *Storage {
	if opts.AutoSaveInterval <= 0 {
		opts.AutoSaveInterval = 30 * time.Second
	}
	return &Storage{
		pool:     pool,
		bus:      bus,
		opts:     opts,
		logger:   logger.Named("storage_state_watchdog"),
		restored: make(map[target.ID]bool),
	}
}

func (w *Storage) Name() string { return "storage_state_watchdog" }

func (w *Storage) ListensTo() []events.Type {
	return []events.Type{
		events.TypeBrowserConnected,
		events.TypeBrowserStopped,
		events.TypeTabCreated,
		events.TypeSaveStorageState,
		events.TypeLoadStorageState,
	}
}

func (w *Storage) Emits() []events.Type {
	return []events.Type{events.TypeStorageStateSaved, events.TypeStorageStateLoaded}
}

// OnBrowserConnected restores the configured state file and starts the
// cookie change monitor.
func (w *Storage) OnBrowserConnected(ctx context.Context, _ *events.BrowserConnected) error {
	if w.opts.Path == "" {
		return nil
	}
	if err := w.load(ctx, w.opts.Path); err != nil {
		w.logger.Warn("Failed to restore storage state", zap.String("path", w.opts.Path), zap.Error(err))
	}
	w.start(eventbus.Detached(ctx))
	return nil
}

func (w *Storage) OnBrowserStopped(context.Context, *events.BrowserStopped) error {
	w.Close()
	w.mu.Lock()
	defer w.mu.Unlock()
	clear(w.restored)
	w.lastCookie = ""
	return nil
}

// OnTabCreated installs the restore script in new tabs.
func (w *Storage) OnTabCreated(ctx context.Context, ev *events.TabCreated) error {
	w.mu.Lock()
	script := w.restore
	w.mu.Unlock()
	if script == "" {
		return nil
	}
	s, err := w.pool.GetOrCreate(ctx, ev.TargetID, false)
	if err != nil {
		return nil
	}
	w.installRestore(ctx, s, script)
	return nil
}

func (w *Storage) OnSaveStorageState(ctx context.Context, ev *events.SaveStorageState) error {
	path, err := w.resolvePath(ev.Path)
	if err != nil {
		return err
	}
	if ev.IfChanged {
		changed, err := w.cookiesChanged(ctx)
		if err != nil {
			return browsererr.Wrap(browsererr.KindStorageFailed, "save_storage_state", err).WithPath(path)
		}
		if !changed {
			return nil
		}
	}
	return w.save(ctx, path)
}

func (w *Storage) OnLoadStorageState(ctx context.Context, ev *events.LoadStorageState) error {
	path, err := w.resolvePath(ev.Path)
	if err != nil {
		return err
	}
	return w.load(ctx, path)
}

func (w *Storage) resolvePath(override string) (string, error) {
	path := w.opts.Path
	if override != "" {
		expanded, err := homedir.Expand(override)
		if err != nil {
			return "", browsererr.Wrap(browsererr.KindStorageFailed, "storage_state", err).WithPath(override)
		}
		path = expanded
	}
	if path == "" {
		return "", browsererr.New(browsererr.KindStorageFailed, "storage_state", "no storage state path configured")
	}
	return path, nil
}

// Capture reads the browser's cookies and the web storage of every open
// http(s) page.
func (w *Storage) Capture(ctx context.Context) (*StorageState, error) {
	cookies, err := storage.GetCookies().Do(w.pool.BrowserContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to read cookies: %w", err)
	}
	st := &StorageState{Cookies: storedCookies(cookies)}

	seen := make(map[string]bool)
	for _, s := range w.pool.Sessions() {
		if !browserstate.IsHTTP(s.URL()) {
			continue
		}
		var o StoredOrigin
		if err := evaluateValue(s.Context(ctx), jsDumpStorage, &o); err != nil {
			w.logger.Debug("Failed to read web storage", zap.String("url", s.URL()), zap.Error(err))
			continue
		}
		if o.Origin == "" || o.Origin == "null" || seen[o.Origin] {
			continue
		}
		seen[o.Origin] = true
		st.Origins = append(st.Origins, o)
	}
	return st, nil
}

func (w *Storage) save(ctx context.Context, path string) error {
	w.saveMu.Lock()
	defer w.saveMu.Unlock()

	current, err := w.Capture(ctx)
	if err != nil {
		return browsererr.Wrap(browsererr.KindStorageFailed, "save_storage_state", err).WithPath(path)
	}
	merged, err := ReadStorageState(path)
	if err != nil {
		w.logger.Warn("Ignoring unreadable storage state", zap.String("path", path), zap.Error(err))
		merged = nil
	}
	if merged == nil {
		merged = &StorageState{}
	}
	merged.Merge(current)
	if err := WriteStorageState(path, merged); err != nil {
		return browsererr.Wrap(browsererr.KindStorageFailed, "save_storage_state", err).WithPath(path)
	}

	w.mu.Lock()
	w.lastCookie = cookieSignature(current.Cookies)
	w.mu.Unlock()

	w.logger.Info("Saved storage state",
		zap.String("path", path), zap.Int("cookies", len(merged.Cookies)), zap.Int("origins", len(merged.Origins)))
	w.bus.Dispatch(ctx, &events.StorageStateSaved{Path: path, Cookies: len(merged.Cookies), Origins: len(merged.Origins)})
	return nil
}

func (w *Storage) load(ctx context.Context, path string) error {
	st, err := ReadStorageState(path)
	if err != nil {
		return browsererr.Wrap(browsererr.KindStorageFailed, "load_storage_state", err).WithPath(path)
	}
	if st == nil {
		w.logger.Debug("No storage state to load", zap.String("path", path))
		return nil
	}

	if len(st.Cookies) > 0 {
		if err := storage.SetCookies(cookieParams(st.Cookies)).Do(w.pool.BrowserContext(ctx)); err != nil {
			return browsererr.Wrap(browsererr.KindStorageFailed, "load_storage_state", err).WithPath(path)
		}
	}

	if len(st.Origins) > 0 {
		script, err := restoreScript(st.Origins)
		if err != nil {
			return browsererr.Wrap(browsererr.KindStorageFailed, "load_storage_state", err).WithPath(path)
		}
		w.mu.Lock()
		w.restore = script
		clear(w.restored)
		w.mu.Unlock()
		for _, s := range w.pool.Sessions() {
			w.installRestore(ctx, s, script)
		}
	}

	w.mu.Lock()
	w.lastCookie = cookieSignature(st.Cookies)
	w.mu.Unlock()

	w.logger.Info("Loaded storage state",
		zap.String("path", path), zap.Int("cookies", len(st.Cookies)), zap.Int("origins", len(st.Origins)))
	w.bus.Dispatch(ctx, &events.StorageStateLoaded{Path: path, Cookies: len(st.Cookies), Origins: len(st.Origins)})
	return nil
}

func (w *Storage) installRestore(ctx context.Context, s *session.Session, script string) {
	w.mu.Lock()
	done := w.restored[s.TargetID]
	w.restored[s.TargetID] = true
	w.mu.Unlock()
	if done {
		return
	}
	if _, err := page.AddScriptToEvaluateOnNewDocument(script).Do(s.Context(ctx)); err != nil {
		w.logger.Debug("Failed to install storage restore script", zap.String("target_id", string(s.TargetID)), zap.Error(err))
	}
}

func (w *Storage) start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.monitor(ctx)
}

// Close stops the cookie change monitor.
func (w *Storage) Close() {
	w.mu.Lock()
	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	w.wg.Wait()
}

// monitor asks the bus for a save whenever the interval elapses. The save
// itself runs on the dispatcher like any other SaveStorageState.
func (w *Storage) monitor(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.opts.AutoSaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := w.bus.Dispatch(ctx, &events.SaveStorageState{IfChanged: true}).Wait(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger.Warn("Storage state auto-save failed", zap.Error(err))
		}
	}
}

// cookiesChanged reports whether the browser's cookies differ from those
// last saved or loaded.
func (w *Storage) cookiesChanged(ctx context.Context) (bool, error) {
	cookies, err := storage.GetCookies().Do(w.pool.BrowserContext(ctx))
	if err != nil {
		return false, err
	}
	sig := cookieSignature(storedCookies(cookies))
	w.mu.Lock()
	defer w.mu.Unlock()
	return sig != w.lastCookie, nil
}

func storedCookies(cookies []*network.Cookie) []StoredCookie {
	out := make([]StoredCookie, 0, len(cookies))
	for _, c := range cookies {
		if c == nil {
			continue
		}
		out = append(out, StoredCookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: string(c.SameSite),
		})
	}
	return out
}

func cookieParams(cookies []StoredCookie) []*network.CookieParam {
	out := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		p := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: network.CookieSameSite(c.SameSite),
		}
		// Session cookies are stored with expires -1.
		if c.Expires > 0 {
			sec := int64(c.Expires)
			ts := cdp.TimeSinceEpoch(time.Unix(sec, int64((c.Expires-float64(sec))*float64(time.Second))))
			p.Expires = &ts
		}
		out = append(out, p)
	}
	return out
}

// cookieSignature is an order-independent fingerprint of a cookie set.
func cookieSignature(cookies []StoredCookie) string {
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		parts = append(parts, c.key()+"\x00"+c.Value)
	}
	slices.Sort(parts)
	return strings.Join(parts, "\x01")
}

func restoreScript(origins []StoredOrigin) (string, error) {
	byOrigin := make(map[string]StoredOrigin, len(origins))
	for _, o := range origins {
		byOrigin[o.Origin] = o
	}
	data, err := stateJSON.Marshal(byOrigin)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(jsRestoreStorage, data), nil
}
