package cmd

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/mikesvoboda/nemotron-v3-home-security-intelligence-sub003/config"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"
)

func newDrainCmd(opts *globalOptions) *cobra.Command {
	var (
		output       string
		showProgress bool
	)

	cmd := &cobra.Command{
		Use:   "drain [queue]",
		Short: "Move buffered fallback items back to the store",
		Long: `Move buffered fallback items back to their store queues in order.

With no argument every non-empty fallback queue is drained. Draining stops at
the first item the store refuses; that item and the rest stay buffered. The
command opens the fallback store directly, so stop the service first or use
POST /drain on its ops listener.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
			defer cancel()

			app, err := opts.newCLIApp(ctx, string(config.StartupModeStrict))
			if err != nil {
				return err
			}
			defer app.Close()

			var s *spinner.Spinner
			if showProgress && output == "table" {
				s = spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(cmd.ErrOrStderr()))
				s.Suffix = " Draining fallback queues..."
				s.Start()
			}

			drained := make(map[string]int)
			if len(args) == 1 {
				var n int
				n, err = app.Degradation.DrainFallbackQueue(ctx, args[0])
				drained[args[0]] = n
			} else {
				drained, err = app.Degradation.DrainAll(ctx)
			}

			if s != nil {
				s.Stop()
			}

			if output != "table" {
				if werr := writeOutput(cmd.OutOrStdout(), output, map[string]interface{}{"drained": drained}); werr != nil {
					return werr
				}
			} else {
				renderDrainResult(cmd.OutOrStdout(), drained)
			}
			if err != nil {
				return fmt.Errorf("drain stopped: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format: table, json or yaml")
	cmd.Flags().BoolVar(&showProgress, "progress", true, "Show progress indicator")
	return cmd
}

func renderDrainResult(w io.Writer, drained map[string]int) {
	if len(drained) == 0 {
		warningColor.Fprintln(w, "No buffered items to drain")
		return
	}

	names := make([]string, 0, len(drained))
	for name := range drained {
		names = append(names, name)
	}
	sort.Strings(names)

	total := 0
	for _, name := range names {
		total += drained[name]
		infoColor.Fprintf(w, "  %-36s %d\n", name, drained[name])
	}
	successColor.Fprintf(w, "✓ Drained %d item(s) from %d queue(s)\n", total, len(names))
}
