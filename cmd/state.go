package cmd

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/tabpilot/internal/browser"
	"github.com/xkilldash9x/tabpilot/internal/browserstate"
	"github.com/xkilldash9x/tabpilot/internal/events"
)

var snapshotJSON = jsoniter.ConfigCompatibleWithStandardLibrary

type stateOptions struct {
	url        string
	format     string
	screenshot string
	recent     bool
}

func newStateCmd() *cobra.Command {
	var opts stateOptions
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Print the state of the focused page: tabs, geometry and interactive elements",
		Args:  cobra.NoArgs,
		PreRunE: func(*cobra.Command, []string) error {
			switch opts.format {
			case "text", "json":
				return nil
			}
			return fmt.Errorf("unsupported format %q (want text or json)", opts.format)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withBrowser(cmd.Context(), func(ctx context.Context, b *browser.Browser, logger *zap.Logger) error {
				return runState(ctx, b, logger, opts, cmd.OutOrStdout())
			})
		},
	}
	cmd.Flags().StringVarP(&opts.url, "url", "u", "", "navigate the focused tab to this url first")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "text", "output format: text or json")
	cmd.Flags().StringVar(&opts.screenshot, "screenshot", "", "write a PNG screenshot of the viewport to this file")
	cmd.Flags().BoolVar(&opts.recent, "recent-events", false, "include recently processed events")
	return cmd
}

func runState(ctx context.Context, b *browser.Browser, logger *zap.Logger, opts stateOptions, out io.Writer) error {
	if opts.url != "" {
		nav := &events.NavigateToURL{URL: opts.url, WaitUntil: "load"}
		if err := b.Dispatch(ctx, nav).Wait(ctx); err != nil {
			return fmt.Errorf("failed to navigate to %s: %w", opts.url, err)
		}
	}

	snap, err := b.State(ctx, &events.BrowserStateRequest{
		IncludeScreenshot:   opts.screenshot != "",
		IncludeRecentEvents: opts.recent,
	})
	if err != nil {
		return fmt.Errorf("failed to capture browser state: %w", err)
	}

	if opts.screenshot != "" {
		if err := writeScreenshot(opts.screenshot, snap.Screenshot); err != nil {
			return err
		}
		logger.Info("Screenshot written", zap.String("path", opts.screenshot))
	}

	if opts.format == "json" {
		return writeStateJSON(out, snap)
	}
	writeStateText(out, snap)
	return nil
}

func writeScreenshot(path, data string) error {
	if data == "" {
		return fmt.Errorf("no screenshot was captured for this page")
	}
	png, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return fmt.Errorf("failed to decode screenshot: %w", err)
	}
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return fmt.Errorf("failed to write screenshot: %w", err)
	}
	return nil
}

func writeStateJSON(out io.Writer, snap *browserstate.Snapshot) error {
	doc := struct {
		*browserstate.Snapshot
		// Screenshots go to --screenshot, never to stdout.
		Screenshot string `json:"screenshot,omitempty"`
		DOM        string `json:"dom,omitempty"`
	}{Snapshot: snap}
	if snap.DOM != nil {
		doc.DOM = snap.DOM.Outline()
	}
	enc := snapshotJSON.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

func writeStateText(out io.Writer, snap *browserstate.Snapshot) {
	fmt.Fprintf(out, "URL:   %s\n", snap.URL)
	fmt.Fprintf(out, "Title: %s\n", snap.Title)
	if snap.IsPDFViewer {
		fmt.Fprintln(out, "(PDF viewer)")
	}

	fmt.Fprintf(out, "\nTabs (%d):\n", len(snap.Tabs))
	for _, t := range snap.Tabs {
		fmt.Fprintf(out, "  %s  %s  %s\n", shortID(string(t.TargetID)), t.URL, t.Title)
	}

	pi := snap.PageInfo
	fmt.Fprintf(out, "\nViewport %dx%d, page %dx%d, %d px above, %d px below\n",
		pi.ViewportWidth, pi.ViewportHeight, pi.PageWidth, pi.PageHeight, pi.PixelsAbove, pi.PixelsBelow)

	for _, msg := range snap.ClosedPopupMessages {
		fmt.Fprintf(out, "Dismissed dialog: %s\n", msg)
	}
	for _, msg := range snap.BrowserErrors {
		fmt.Fprintf(out, "Error: %s\n", msg)
	}

	if snap.DOM != nil {
		if outline := strings.TrimSpace(snap.DOM.Outline()); outline != "" {
			fmt.Fprintf(out, "\n%s\n", outline)
		}
	}
	for _, ev := range snap.RecentEvents {
		fmt.Fprintf(out, "%s  %s %s\n", ev.Timestamp.Format("15:04:05.000"), ev.EventType, ev.ErrorMessage)
	}
}

// shortID keeps the last four characters of a target id.
func shortID(id string) string {
	if len(id) <= 4 {
		return id
	}
	return id[len(id)-4:]
}
