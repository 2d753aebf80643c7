package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/tabpilot/internal/browser"
)

func newLaunchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "launch",
		Short: "Start or attach to a browser and keep it supervised until interrupted",
		Long: `Launch starts a local browser (or connects to --cdp-url), prints the
DevTools endpoint and keeps every watchdog running until SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			err := withBrowser(cmd.Context(), func(ctx context.Context, b *browser.Browser, logger *zap.Logger) error {
				fmt.Fprintln(cmd.OutOrStdout(), b.CDPURL())
				logger.Info("Browser ready, press Ctrl+C to stop", zap.String("cdp_url", b.CDPURL()))
				<-ctx.Done()
				return ctx.Err()
			})
			return ignoreCancel(err)
		},
	}
}
