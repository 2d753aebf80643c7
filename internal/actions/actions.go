// Package actions is the default action executor: the watchdog that turns
// click, type, scroll, dropdown, upload, key and navigation events into
// protocol input on the focused session.
//
// None of the handlers invalidate cached DOM state. Only the caller knows
// whether a gesture was expected to change the page.
package actions

import (
	"context"
	"fmt"
	goruntime "runtime"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/tabpilot/internal/browser/session"
	"github.com/xkilldash9x/tabpilot/internal/browsererr"
	"github.com/xkilldash9x/tabpilot/internal/config"
	"github.com/xkilldash9x/tabpilot/internal/dom"
	"github.com/xkilldash9x/tabpilot/internal/eventbus"
	"github.com/xkilldash9x/tabpilot/internal/events"
)

// Options are the gesture timings. Zero durations skip the wait.
type Options struct {
	TypeDelay     time.Duration
	PageTypeDelay time.Duration
	ClickPress    time.Duration
	ClickRelease  time.Duration
	ClickSettle   time.Duration
	ReloadSettle  time.Duration
	MaxWait       time.Duration
	// GOOS selects the "open in background tab" modifier.
	GOOS string
}

// OptionsFromConfig converts the actions section of the configuration.
func OptionsFromConfig(c config.ActionsConfig) Options {
	return Options{
		TypeDelay:     c.TypeDelay,
		PageTypeDelay: c.PageTypeDelay,
		ClickPress:    c.ClickPress,
		ClickRelease:  c.ClickRelease,
		ClickSettle:   c.ClickSettle,
		ReloadSettle:  c.ReloadSettle,
		MaxWait:       c.MaxWait,
		GOOS:          goruntime.GOOS,
	}
}

// Watchdog executes action events against the agent focus.
type Watchdog struct {
	pool   *session.Pool
	bus    *eventbus.Bus
	opts   Options
	logger *zap.Logger
	loads  *loadWaiter
}

// New creates the action watchdog.
func New(pool *session.Pool, bus *eventbus.Bus, opts Options, logger *zap.Logger) *Watchdog {
	if opts.GOOS == "" {
		opts.GOOS = goruntime.GOOS
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = 10 * time.Second
	}
	return &Watchdog{
		pool:   pool,
		bus:    bus,
		opts:   opts,
		logger: logger.Named("default_action_watchdog"),
		loads:  newLoadWaiter(),
	}
}

func (w *Watchdog) Name() string { return "default_action_watchdog" }

func (w *Watchdog) ListensTo() []events.Type {
	return []events.Type{
		events.TypeNavigateToURL,
		events.TypeClickElement,
		events.TypeTypeText,
		events.TypeScroll,
		events.TypeScrollToText,
		events.TypeSwitchTab,
		events.TypeCloseTab,
		events.TypeGoBack,
		events.TypeGoForward,
		events.TypeRefresh,
		events.TypeWait,
		events.TypeSendKeys,
		events.TypeUploadFile,
		events.TypeGetDropdownOptions,
		events.TypeSelectDropdownOption,
	}
}

func (w *Watchdog) Emits() []events.Type {
	return []events.Type{
		events.TypeNavigationStarted,
		events.TypeNavigationComplete,
		events.TypeSwitchTab,
	}
}

// focused returns the agent focus, attaching a session when there is none.
func (w *Watchdog) focused(ctx context.Context) (*session.Session, error) {
	s, err := w.pool.GetOrCreate(ctx, "", true)
	if err != nil {
		return nil, fmt.Errorf("no session for the focused target: %w", err)
	}
	return s, nil
}

// sessionFor returns the session that owns node. Nodes of out-of-process
// frames are still driven through the page session; the protocol routes
// backend node ids of same-process frames correctly.
func (w *Watchdog) sessionFor(ctx context.Context, node *dom.Node, op string) (*session.Session, error) {
	if node == nil {
		return nil, browsererr.New(browsererr.KindElementNotFound, op, "no element given")
	}
	return w.focused(ctx)
}

func nodeLabel(n *dom.Node) string {
	if n == nil {
		return "<unknown>"
	}
	if n.Index > 0 {
		return fmt.Sprintf("<%s index=%d>", n.Tag(), n.Index)
	}
	return fmt.Sprintf("<%s>", n.Tag())
}
