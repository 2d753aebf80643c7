package watchdogs

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/tabpilot/internal/browser/session"
	"github.com/xkilldash9x/tabpilot/internal/browsererr"
	"github.com/xkilldash9x/tabpilot/internal/config"
	"github.com/xkilldash9x/tabpilot/internal/eventbus"
	"github.com/xkilldash9x/tabpilot/internal/events"
)

// ProcessMonitor exposes the lifetime of a local browser process.
type ProcessMonitor interface {
	PID() int
	// Exited is closed when the process ends. A nil channel means no process
	// is being tracked.
	Exited() <-chan struct{}
}

// CrashOptions are the health monitoring timings.
type CrashOptions struct {
	HealthCheckDelay    time.Duration
	HealthCheckInterval time.Duration
	HealthCheckTimeout  time.Duration
	NetworkTimeout      time.Duration
}

// CrashOptionsFromConfig converts the session section of the configuration.
func CrashOptionsFromConfig(c config.SessionConfig) CrashOptions {
	return CrashOptions{
		HealthCheckDelay:    c.HealthCheckDelay,
		HealthCheckInterval: c.HealthCheckInterval,
		HealthCheckTimeout:  c.HealthCheckTimeout,
		NetworkTimeout:      c.NetworkTimeout,
	}
}

type trackedRequest struct {
	url          string
	method       string
	resourceType string
	started      time.Time
}

// Crash watches for crashed targets, unresponsive sessions, stuck network
// requests and the browser process going away.
type Crash struct {
	pool   *session.Pool
	bus    *eventbus.Bus
	opts   CrashOptions
	logger *zap.Logger
	warn   rate.Sometimes

	mu       sync.Mutex
	requests map[network.RequestID]trackedRequest
	process  ProcessMonitor
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewCrash creates the crash watchdog. Zero options take the defaults.
func NewCrash(pool *session.Pool, bus *eventbus.Bus, opts CrashOptions, logger *zap.Logger) *Crash {
	if opts.HealthCheckInterval <= 0 {
		opts.HealthCheckInterval = 5 * time.Second
	}
	if opts.HealthCheckTimeout <= 0 {
		opts.HealthCheckTimeout = time.Second
	}
	if opts.NetworkTimeout <= 0 {
		opts.NetworkTimeout = 10 * time.Second
	}
	return &Crash{
		pool:     pool,
		bus:      bus,
		opts:     opts,
		logger:   logger.Named("crash_watchdog"),
		warn:     rate.Sometimes{Interval: 30 * time.Second},
		requests: make(map[network.RequestID]trackedRequest),
	}
}

func (w *Crash) Name() string { return "crash_watchdog" }

func (w *Crash) ListensTo() []events.Type {
	return []events.Type{
		events.TypeBrowserConnected,
		events.TypeBrowserStopped,
		events.TypeTabCreated,
		events.TypeTargetCrashed,
	}
}

func (w *Crash) Emits() []events.Type {
	return []events.Type{events.TypeBrowserError, events.TypeBrowserProcessCrashed}
}

// SetProcess makes the monitor watch p for exit. It takes effect the next
// time monitoring starts.
func (w *Crash) SetProcess(p ProcessMonitor) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.process = p
}

func (w *Crash) OnBrowserConnected(ctx context.Context, _ *events.BrowserConnected) error {
	w.start(eventbus.Detached(ctx))
	return nil
}

func (w *Crash) OnBrowserStopped(context.Context, *events.BrowserStopped) error {
	w.Close()
	return nil
}

// OnTabCreated starts tracking the new target's network requests.
func (w *Crash) OnTabCreated(ctx context.Context, ev *events.TabCreated) error {
	s, err := w.pool.GetOrCreate(ctx, ev.TargetID, false)
	if err != nil {
		w.logger.Warn("Failed to attach to new target", zap.String("target_id", string(ev.TargetID)), zap.Error(err))
		return nil
	}
	if !s.ListenOnce("crash.network", w.trackNetwork) {
		return nil
	}
	if err := network.Enable().Do(s.Context(ctx)); err != nil {
		w.logger.Debug("Failed to enable network events", zap.String("target_id", string(ev.TargetID)), zap.Error(err))
	}
	w.logger.Debug("Monitoring target", zap.String("target_id", string(ev.TargetID)), zap.String("url", ev.URL))
	return nil
}

// OnTargetCrashed drops the crashed session. No recovery happens here; the
// next action attaches a fresh session.
func (w *Crash) OnTargetCrashed(ctx context.Context, ev *events.TargetCrashed) error {
	if w.pool.Remove(ev.TargetID, true) {
		w.logger.Error("Focused target crashed, agent focus cleared",
			zap.String("target_id", string(ev.TargetID)), zap.String("error", ev.Error))
	} else {
		w.logger.Warn("Target crashed", zap.String("target_id", string(ev.TargetID)))
	}
	reportError(ctx, w.bus, browsererr.KindTargetCrashed,
		fmt.Sprintf("Target crashed: %s", ev.TargetID),
		map[string]string{"target_id": string(ev.TargetID)})
	return nil
}

func (w *Crash) trackNetwork(ev any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		tr := trackedRequest{resourceType: string(e.Type), started: time.Now()}
		if e.Request != nil {
			tr.url, tr.method = e.Request.URL, e.Request.Method
		}
		w.requests[e.RequestID] = tr
	case *network.EventLoadingFinished:
		delete(w.requests, e.RequestID)
	case *network.EventLoadingFailed:
		delete(w.requests, e.RequestID)
	}
}

func (w *Crash) start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}
	var exited <-chan struct{}
	if w.process != nil {
		exited = w.process.Exited()
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.monitor(ctx, exited)
	w.logger.Debug("Health monitoring started")
}

// Close stops the monitor and forgets tracked requests.
func (w *Crash) Close() {
	w.mu.Lock()
	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	w.wg.Wait()

	w.mu.Lock()
	clear(w.requests)
	w.mu.Unlock()
}

func (w *Crash) monitor(ctx context.Context, exited <-chan struct{}) {
	defer w.wg.Done()

	// The first page load gets a grace period.
	delay := time.NewTimer(w.opts.HealthCheckDelay)
	defer delay.Stop()
	select {
	case <-ctx.Done():
		return
	case <-exited:
		w.processExited(ctx)
		return
	case <-delay.C:
	}

	ticker := time.NewTicker(w.opts.HealthCheckInterval)
	defer ticker.Stop()
	for {
		w.checkNetworkTimeouts(ctx)
		w.checkHealth(ctx)
		select {
		case <-ctx.Done():
			return
		case <-exited:
			w.processExited(ctx)
			return
		case <-ticker.C:
		}
	}
}

func (w *Crash) checkNetworkTimeouts(ctx context.Context) {
	now := time.Now()
	var stuck []trackedRequest
	w.mu.Lock()
	for id, tr := range w.requests {
		if now.Sub(tr.started) >= w.opts.NetworkTimeout {
			stuck = append(stuck, tr)
			delete(w.requests, id)
		}
	}
	w.mu.Unlock()

	for _, tr := range stuck {
		elapsed := now.Sub(tr.started)
		w.logger.Warn("Network request timed out",
			zap.String("method", tr.method), zap.String("url", tr.url), zap.Duration("elapsed", elapsed))
		reportError(ctx, w.bus, browsererr.KindNetworkTimeout,
			fmt.Sprintf("Network request timed out after %s", w.opts.NetworkTimeout),
			map[string]string{
				"url":             tr.url,
				"method":          tr.method,
				"resource_type":   tr.resourceType,
				"elapsed_seconds": strconv.FormatFloat(elapsed.Seconds(), 'f', 1, 64),
			})
	}
}

// checkHealth pings the focused session and drops it when it does not answer.
func (w *Crash) checkHealth(ctx context.Context) {
	s := w.pool.Focused()
	if s == nil {
		return
	}
	pingCtx, cancel := context.WithTimeout(s.Context(ctx), w.opts.HealthCheckTimeout)
	defer cancel()
	_, exc, err := runtime.Evaluate("1+1").Do(pingCtx)
	if err == nil && exc != nil {
		err = exc
	}
	if err == nil {
		return
	}
	if ctx.Err() != nil {
		return
	}
	w.warn.Do(func() {
		w.logger.Error("Unresponsive session detected",
			zap.String("target_id", string(s.TargetID)), zap.Error(err))
	})
	w.pool.Remove(s.TargetID, false)
}

func (w *Crash) processExited(ctx context.Context) {
	pid := 0
	w.mu.Lock()
	if w.process != nil {
		pid = w.process.PID()
	}
	w.mu.Unlock()

	w.logger.Error("Browser process exited", zap.Int("pid", pid))
	w.pool.Clear()
	w.bus.Dispatch(ctx, &events.BrowserProcessCrashed{
		Reason: fmt.Sprintf("browser process %d has crashed: %v", pid, browsererr.ErrProcessCrashed),
	})
}
