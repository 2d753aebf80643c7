// Package watchdogs holds the leaf components attached to a browser: crash
// and health monitoring, the placeholder tab, downloads, storage state,
// dialogs, screenshots, permissions, the allowed-domains policy, the local
// browser process, human focus and DOM extraction.
//
// Every watchdog is driven by bus events. Background loops are owned by the
// watchdog that starts them and are stopped by its Close method.
package watchdogs

import (
	"context"

	"github.com/xkilldash9x/tabpilot/internal/browsererr"
	"github.com/xkilldash9x/tabpilot/internal/eventbus"
	"github.com/xkilldash9x/tabpilot/internal/events"
)

// reportError dispatches a BrowserError without waiting for its handlers.
func reportError(ctx context.Context, bus *eventbus.Bus, kind browsererr.Kind, msg string, details map[string]string) {
	bus.Dispatch(ctx, &events.BrowserError{Kind: kind, Message: msg, Details: details})
}
