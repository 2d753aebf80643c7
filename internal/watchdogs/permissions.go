package watchdogs

import (
	"context"

	"github.com/chromedp/cdproto/browser"
	"go.uber.org/zap"

	"github.com/xkilldash9x/tabpilot/internal/browser/session"
	"github.com/xkilldash9x/tabpilot/internal/events"
)

// Permissions grants the configured browser permissions on connect.
type Permissions struct {
	pool   *session.Pool
	grant  []browser.PermissionType
	logger *zap.Logger
}

func NewPermissions(pool *session.Pool, grant []string, logger *zap.Logger) *Permissions {
	types := make([]browser.PermissionType, 0, len(grant))
	for _, g := range grant {
		types = append(types, browser.PermissionType(g))
	}
	return &Permissions{pool: pool, grant: types, logger: logger.Named("permissions_watchdog")}
}

func (w *Permissions) Name() string { return "permissions_watchdog" }

func (w *Permissions) ListensTo() []events.Type {
	return []events.Type{events.TypeBrowserConnected}
}

func (w *Permissions) Emits() []events.Type { return nil }

// OnBrowserConnected never fails the connection; a rejected grant is logged.
func (w *Permissions) OnBrowserConnected(ctx context.Context, _ *events.BrowserConnected) error {
	if len(w.grant) == 0 {
		return nil
	}
	if err := browser.GrantPermissions(w.grant).Do(w.pool.BrowserContext(ctx)); err != nil {
		w.logger.Warn("Failed to grant permissions", zap.Any("permissions", w.grant), zap.Error(err))
		return nil
	}
	w.logger.Info("Granted permissions", zap.Any("permissions", w.grant))
	return nil
}
