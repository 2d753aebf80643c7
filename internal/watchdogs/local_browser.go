package watchdogs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	goruntime "runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/hpcloud/tail"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/tabpilot/internal/browsererr"
	"github.com/xkilldash9x/tabpilot/internal/config"
	"github.com/xkilldash9x/tabpilot/internal/eventbus"
	"github.com/xkilldash9x/tabpilot/internal/events"
)

const (
	tempProfilePrefix = "tabpilot-tmp-"
	killGracePeriod   = 5 * time.Second
	stderrLimit       = 16 << 10
)

// LaunchOptions describe how a local browser is started.
type LaunchOptions struct {
	ExecutablePath string
	Headless       bool
	UserDataDir    string
	ExtraArgs      []string
	Timeout        time.Duration
	Retries        int
	WindowWidth    int
	WindowHeight   int
	ForwardLogs    bool
	// KeepAlive leaves the process running on a non-forced BrowserStop.
	KeepAlive bool
}

func LaunchOptionsFromConfig(c config.BrowserConfig) LaunchOptions {
	return LaunchOptions{
		ExecutablePath: c.ExecutablePath,
		Headless:       c.Headless,
		UserDataDir:    c.UserDataDir,
		ExtraArgs:      c.ExtraArgs,
		Timeout:        c.LaunchTimeout,
		Retries:        c.LaunchRetries,
		WindowWidth:    c.ViewportWidth,
		WindowHeight:   c.ViewportHeight,
		ForwardLogs:    c.ForwardLogs,
		KeepAlive:      c.KeepAlive,
	}
}

// ExecutableCandidates lists well-known Chrome, Chromium, Brave and Edge
// install locations for goos. Entries may contain globs and ~.
func ExecutableCandidates(goos string) []string {
	switch goos {
	case "darwin":
		return []string{
			"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
			"/Applications/Chromium.app/Contents/MacOS/Chromium",
			"/Applications/Google Chrome Canary.app/Contents/MacOS/Google Chrome Canary",
			"/Applications/Brave Browser.app/Contents/MacOS/Brave Browser",
			"~/Library/Caches/ms-playwright/chromium-*/chrome-mac/Chromium.app/Contents/MacOS/Chromium",
		}
	case "windows":
		local := os.Getenv("LOCALAPPDATA")
		return []string{
			`C:\Program Files\Google\Chrome\Application\chrome.exe`,
			`C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`,
			filepath.Join(local, `Google\Chrome\Application\chrome.exe`),
			filepath.Join(local, `ms-playwright\chromium-*\chrome-win\chrome.exe`),
			`C:\Program Files\Chromium\Application\chrome.exe`,
			`C:\Program Files\BraveSoftware\Brave-Browser\Application\brave.exe`,
			`C:\Program Files (x86)\Microsoft\Edge\Application\msedge.exe`,
			`C:\Program Files\Microsoft\Edge\Application\msedge.exe`,
		}
	default:
		return []string{
			"~/.cache/ms-playwright/chromium-*/chrome-linux/chrome",
			"/usr/bin/google-chrome-stable",
			"/usr/bin/google-chrome",
			"/usr/local/bin/google-chrome",
			"/usr/bin/chromium",
			"/usr/bin/chromium-browser",
			"/usr/local/bin/chromium",
			"/snap/bin/chromium",
			"/usr/bin/google-chrome-beta",
			"/usr/bin/google-chrome-dev",
			"/usr/bin/brave-browser",
			"~/.cache/ms-playwright/chromium_headless_shell-*/chrome-linux/chrome",
		}
	}
}

// FindExecutable returns configured when set, otherwise the first candidate
// that exists as a regular file. Globs resolve to their highest match.
func FindExecutable(configured string, candidates []string) (string, error) {
	if configured != "" {
		p, err := homedir.Expand(configured)
		if err != nil {
			return "", err
		}
		return p, nil
	}
	for _, c := range candidates {
		p, err := homedir.Expand(c)
		if err != nil {
			continue
		}
		if strings.ContainsAny(p, "*?[") {
			matches, _ := filepath.Glob(p)
			if len(matches) == 0 {
				continue
			}
			sort.Strings(matches)
			p = matches[len(matches)-1]
		}
		if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
			return p, nil
		}
	}
	return "", errors.New("no local Chrome or Chromium installation found")
}

// LaunchArgs builds the browser command line.
func LaunchArgs(opts LaunchOptions, port int, userDataDir string) []string {
	args := []string{
		"--remote-debugging-port=" + strconv.Itoa(port),
		"--user-data-dir=" + userDataDir,
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-background-timer-throttling",
		"--disable-renderer-backgrounding",
	}
	if opts.Headless {
		args = append(args, "--headless=new")
	}
	if opts.WindowWidth > 0 && opts.WindowHeight > 0 {
		args = append(args, fmt.Sprintf("--window-size=%d,%d", opts.WindowWidth, opts.WindowHeight))
	}
	if opts.ForwardLogs {
		args = append(args, "--enable-logging", "--v=1")
	}
	args = append(args, opts.ExtraArgs...)
	return append(args, events.BlankURL)
}

// isProfileLockError reports whether a launch failed because the profile
// directory is held by another browser.
func isProfileLockError(msg string) bool {
	msg = strings.ToLower(msg)
	for _, s := range []string{"singletonlock", "user data directory", "cannot create", "already in use"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// WaitForCDP polls the DevTools /json/version endpoint at base until it
// reports a websocket url, the process exits or timeout passes.
func WaitForCDP(ctx context.Context, client *http.Client, base string, timeout time.Duration, exited <-chan struct{}) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	limiter := rate.NewLimiter(rate.Every(100*time.Millisecond), 1)

	var lastErr error
	for {
		if err := limiter.Wait(ctx); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			return "", fmt.Errorf("browser did not start within %s: %w", timeout, lastErr)
		}
		select {
		case <-exited:
			return "", errors.New("browser process exited during startup")
		default:
		}
		url, err := fetchVersion(ctx, client, base)
		if err == nil {
			return url, nil
		}
		lastErr = err
	}
}

func fetchVersion(ctx context.Context, client *http.Client, base string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(base, "/")+"/json/version", nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var v struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.UnmarshalRead(resp.Body, &v); err != nil {
		return "", err
	}
	if v.WebSocketDebuggerURL == "" {
		return "", errors.New("no websocket url reported")
	}
	return v.WebSocketDebuggerURL, nil
}

// limitedBuffer keeps the first n bytes written to it.
type limitedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	n   int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.n - b.buf.Len(); room > 0 {
		b.buf.Write(p[:min(room, len(p))])
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// process is one running browser.
type process struct {
	cmd    *exec.Cmd
	exited chan struct{}
	stderr *limitedBuffer
}

func startProcess(cmd *exec.Cmd) (*process, error) {
	p := &process{cmd: cmd, exited: make(chan struct{}), stderr: &limitedBuffer{n: stderrLimit}}
	cmd.Stdout = io.Discard
	cmd.Stderr = p.stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	go func() {
		_ = cmd.Wait()
		close(p.exited)
	}()
	return p, nil
}

// LocalBrowser launches and kills a browser process on this machine.
type LocalBrowser struct {
	bus    *eventbus.Bus
	opts   LaunchOptions
	logger *zap.Logger
	client *http.Client

	// command builds the process to start; replaced in tests.
	command func(name string, args ...string) *exec.Cmd

	mu       sync.Mutex
	proc     *process
	cdpURL   string
	tempDirs []string
	logTail  *tail.Tail
	wg       sync.WaitGroup
}

func NewLocalBrowser(bus *eventbus.Bus, opts LaunchOptions, logger *zap.Logger) *LocalBrowser {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Retries <= 0 {
		opts.Retries = 3
	}
	return &LocalBrowser{
		bus:     bus,
		opts:    opts,
		logger:  logger.Named("local_browser_watchdog"),
		client:  &http.Client{Timeout: 2 * time.Second},
		command: exec.Command,
	}
}

func (w *LocalBrowser) Name() string { return "local_browser_watchdog" }

func (w *LocalBrowser) ListensTo() []events.Type {
	return []events.Type{events.TypeBrowserLaunch, events.TypeBrowserKill, events.TypeBrowserStop}
}

func (w *LocalBrowser) Emits() []events.Type { return []events.Type{events.TypeBrowserKill} }

// PID of the running browser, 0 when none.
func (w *LocalBrowser) PID() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.proc == nil || w.proc.cmd.Process == nil {
		return 0
	}
	return w.proc.cmd.Process.Pid
}

// Exited is closed when the running browser ends; nil when none runs.
func (w *LocalBrowser) Exited() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.proc == nil {
		return nil
	}
	return w.proc.exited
}

// OnBrowserLaunch starts the browser and returns its websocket CDP url.
func (w *LocalBrowser) OnBrowserLaunch(ctx context.Context, _ *events.BrowserLaunch) (string, error) {
	w.mu.Lock()
	if w.proc != nil {
		url := w.cdpURL
		w.mu.Unlock()
		return url, nil
	}
	w.mu.Unlock()

	exe, err := FindExecutable(w.opts.ExecutablePath, ExecutableCandidates(goruntime.GOOS))
	if err != nil {
		return "", browsererr.Wrap(browsererr.KindLaunchFailed, "launch_browser", err).
			WithRemediation("Install Chrome or Chromium, or set browser.executable_path")
	}

	profile, err := w.profileDir()
	if err != nil {
		return "", browsererr.Wrap(browsererr.KindLaunchFailed, "launch_browser", err)
	}

	var lastErr error
	for attempt := 1; attempt <= w.opts.Retries; attempt++ {
		proc, url, err := w.launch(ctx, exe, profile)
		if err == nil {
			w.mu.Lock()
			w.proc, w.cdpURL = proc, url
			w.mu.Unlock()
			if w.opts.ForwardLogs {
				w.forwardLogs(filepath.Join(profile, "chrome_debug.log"))
			}
			w.logger.Info("Browser launched",
				zap.String("executable", exe), zap.Int("pid", proc.cmd.Process.Pid), zap.String("cdp_url", url))
			return url, nil
		}
		lastErr = err
		if ctx.Err() != nil || !isProfileLockError(err.Error()) || attempt == w.opts.Retries {
			break
		}
		w.logger.Warn("Browser launch failed, retrying with a temporary profile",
			zap.Int("attempt", attempt), zap.Int("max_attempts", w.opts.Retries), zap.Error(err))
		if profile, err = w.tempProfile(); err != nil {
			lastErr = err
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(500 * time.Millisecond):
		}
	}
	w.removeTempDirs()
	return "", browsererr.Wrap(browsererr.KindLaunchFailed, "launch_browser", lastErr)
}

func (w *LocalBrowser) profileDir() (string, error) {
	if w.opts.UserDataDir == "" {
		return w.tempProfile()
	}
	dir, err := homedir.Expand(w.opts.UserDataDir)
	if err != nil {
		return "", err
	}
	return dir, os.MkdirAll(dir, 0o755)
}

func (w *LocalBrowser) tempProfile() (string, error) {
	dir, err := os.MkdirTemp("", tempProfilePrefix)
	if err != nil {
		return "", err
	}
	w.mu.Lock()
	w.tempDirs = append(w.tempDirs, dir)
	w.mu.Unlock()
	return dir, nil
}

func (w *LocalBrowser) launch(ctx context.Context, exe, profile string) (*process, string, error) {
	port, err := freePort()
	if err != nil {
		return nil, "", err
	}
	proc, err := startProcess(w.command(exe, LaunchArgs(w.opts, port, profile)...))
	if err != nil {
		return nil, "", err
	}
	url, err := WaitForCDP(ctx, w.client, "http://127.0.0.1:"+strconv.Itoa(port), w.opts.Timeout, proc.exited)
	if err != nil {
		terminate(proc, killGracePeriod)
		if out := strings.TrimSpace(proc.stderr.String()); out != "" {
			err = fmt.Errorf("%w: %s", err, out)
		}
		return nil, "", err
	}
	return proc, url, nil
}

func (w *LocalBrowser) forwardLogs(path string) {
	t, err := tail.TailFile(path, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: false,
		Location:  &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd},
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		w.logger.Warn("Failed to follow browser log", zap.String("path", path), zap.Error(err))
		return
	}
	w.mu.Lock()
	w.logTail = t
	w.mu.Unlock()

	logger := w.logger.Named("chrome")
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for line := range t.Lines {
			if line.Err != nil {
				logger.Debug("Browser log read error", zap.Error(line.Err))
				continue
			}
			logger.Debug(line.Text)
		}
	}()
}

// OnBrowserKill terminates the browser, killing it when it outlives the
// grace period.
func (w *LocalBrowser) OnBrowserKill(context.Context, *events.BrowserKill) error {
	w.mu.Lock()
	proc := w.proc
	t := w.logTail
	w.proc, w.cdpURL, w.logTail = nil, "", nil
	w.mu.Unlock()

	if proc != nil {
		terminate(proc, killGracePeriod)
		w.logger.Info("Browser process stopped", zap.Int("pid", proc.cmd.Process.Pid))
	}
	if t != nil {
		_ = t.Stop()
		t.Cleanup()
	}
	w.wg.Wait()
	w.removeTempDirs()
	return nil
}

// OnBrowserStop requests the kill without waiting for it.
func (w *LocalBrowser) OnBrowserStop(ctx context.Context, ev *events.BrowserStop) error {
	w.mu.Lock()
	running := w.proc != nil
	w.mu.Unlock()
	if running && w.opts.KeepAlive && !ev.Force {
		w.logger.Info("Keeping browser process alive", zap.Int("pid", w.PID()))
		return nil
	}
	if running {
		w.bus.Dispatch(ctx, &events.BrowserKill{})
	}
	return nil
}

func (w *LocalBrowser) removeTempDirs() {
	w.mu.Lock()
	dirs := w.tempDirs
	w.tempDirs = nil
	w.mu.Unlock()
	for _, d := range dirs {
		if !strings.Contains(filepath.Base(d), tempProfilePrefix) {
			continue
		}
		if err := os.RemoveAll(d); err != nil {
			w.logger.Debug("Failed to remove temporary profile", zap.String("dir", d), zap.Error(err))
		}
	}
}

func terminate(p *process, grace time.Duration) {
	select {
	case <-p.exited:
		return
	default:
	}
	if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
		_ = p.cmd.Process.Kill()
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.exited:
		return
	case <-timer.C:
	}
	_ = p.cmd.Process.Kill()
	<-p.exited
}
