package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/tabpilot/internal/browser"
)

func newStorageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "storage",
		Short: "Save or restore cookies and web storage",
	}
	cmd.AddCommand(newStorageSaveCmd(), newStorageLoadCmd())
	return cmd
}

func newStorageSaveCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "save",
		Short: "Write cookies and localStorage of the browser to a JSON file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withBrowser(cmd.Context(), func(ctx context.Context, b *browser.Browser, logger *zap.Logger) error {
				if err := b.SaveStorageState(ctx, path); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "storage state saved")
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&path, "path", "p", "", "state file (default storage_state.path from the config)")
	return cmd
}

func newStorageLoadCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "load",
		Short: "Restore cookies and localStorage from a JSON file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withBrowser(cmd.Context(), func(ctx context.Context, b *browser.Browser, logger *zap.Logger) error {
				if err := b.LoadStorageState(ctx, path); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "storage state loaded")
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&path, "path", "p", "", "state file (default storage_state.path from the config)")
	return cmd
}
