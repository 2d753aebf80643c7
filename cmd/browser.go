package cmd

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/tabpilot/internal/browser"
	"github.com/xkilldash9x/tabpilot/internal/observability"
)

// browserOptions are applied to every Browser the commands create. Tests
// swap in a fake dialer here.
var browserOptions []browser.Option

// withBrowser starts a browser for the duration of fn and closes it after.
// A launched browser is killed on close unless keep_alive is set.
func withBrowser(ctx context.Context, fn func(ctx context.Context, b *browser.Browser, logger *zap.Logger) error) (err error) {
	cfg, err := getConfigFromContext(ctx)
	if err != nil {
		return err
	}
	logger := observability.GetLogger()

	b, err := browser.New(cfg, logger, browserOptions...)
	if err != nil {
		return fmt.Errorf("failed to set up browser: %w", err)
	}
	defer func() {
		// The command context may already be cancelled.
		if cerr := b.Close(context.WithoutCancel(ctx)); cerr != nil {
			logger.Warn("Browser shutdown reported errors", zap.Error(cerr))
		}
	}()

	if err := b.Start(ctx, cfg.Browser().CDPURL); err != nil {
		return fmt.Errorf("failed to start browser: %w", err)
	}
	return fn(ctx, b, logger)
}

// ignoreCancel treats a cancelled context as a clean exit.
func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
