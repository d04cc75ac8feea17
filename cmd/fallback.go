package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/mikesvoboda/nemotron-v3-home-security-intelligence-sub003/bootstrap"
	"github.com/mikesvoboda/nemotron-v3-home-security-intelligence-sub003/degradation"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// queueCount is one row of `fallback list`
type queueCount struct {
	Queue    string `json:"queue" yaml:"queue"`
	Buffered int    `json:"buffered" yaml:"buffered"`
}

func newFallbackCmd(opts *globalOptions) *cobra.Command {
	fallbackCmd := &cobra.Command{
		Use:   "fallback",
		Short: "Inspect the local fallback queues without contacting the store",
	}
	fallbackCmd.AddCommand(newFallbackListCmd(opts))
	fallbackCmd.AddCommand(newFallbackPeekCmd(opts))
	return fallbackCmd
}

func newFallbackListCmd(opts *globalOptions) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List fallback queues and their backlog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, maxSize, cleanup, err := opts.openFallbackStore()
			if err != nil {
				return err
			}
			defer cleanup()

			names, err := store.Names()
			if err != nil {
				return err
			}
			rows := make([]queueCount, 0, len(names))
			for _, name := range names {
				count, err := store.Queue(name, maxSize).Count()
				if err != nil {
					return err
				}
				rows = append(rows, queueCount{Queue: name, Buffered: count})
			}

			if output != "table" {
				return writeOutput(cmd.OutOrStdout(), output, rows)
			}
			renderQueueCounts(cmd.OutOrStdout(), rows)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format: table, json or yaml")
	return cmd
}

func newFallbackPeekCmd(opts *globalOptions) *cobra.Command {
	var (
		output string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "peek <queue>",
		Short: "Show the oldest buffered items of a fallback queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, maxSize, cleanup, err := opts.openFallbackStore()
			if err != nil {
				return err
			}
			defer cleanup()

			items, err := store.Queue(args[0], maxSize).Peek(limit)
			if err != nil {
				return err
			}

			if output != "table" {
				return writeOutput(cmd.OutOrStdout(), output, items)
			}
			renderFallbackItems(cmd.OutOrStdout(), args[0], items)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format: table, json or yaml")
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Maximum items to show")
	return cmd
}

// openFallbackStore opens only the local store; the returned cleanup closes it
func (o *globalOptions) openFallbackStore() (*degradation.FallbackStore, int, func(), error) {
	cfg, err := bootstrap.InitConfig(o.configFile)
	if err != nil {
		return nil, 0, nil, err
	}

	logger := zap.NewNop().Sugar()
	store, err := degradation.OpenFallbackStore(cfg.FallbackStoreConfig(), logger)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("failed to open fallback store (is the service running?): %w", err)
	}
	return store, cfg.Degradation.FallbackMaxSize, func() { _ = store.Close() }, nil
}

func renderQueueCounts(w io.Writer, rows []queueCount) {
	if len(rows) == 0 {
		warningColor.Fprintln(w, "No fallback queues")
		return
	}
	headerColor.Fprintln(w, "FALLBACK QUEUES")
	headerColor.Fprintln(w, strings.Repeat("=", 50))
	fmt.Fprintf(w, "%-36s %s\n", "Queue", "Buffered")
	fmt.Fprintln(w, strings.Repeat("-", 50))
	for _, r := range rows {
		fmt.Fprintf(w, "%-36s %d\n", truncate(r.Queue, 36), r.Buffered)
	}
	fmt.Fprintln(w, strings.Repeat("=", 50))
}

func renderFallbackItems(w io.Writer, name string, items []degradation.Item) {
	if len(items) == 0 {
		warningColor.Fprintf(w, "No buffered items in %s\n", name)
		return
	}
	headerColor.Fprintf(w, "FALLBACK QUEUE %s\n", name)
	headerColor.Fprintln(w, strings.Repeat("=", 100))
	fmt.Fprintf(w, "%-20s %s\n", "Enqueued", "Payload")
	fmt.Fprintln(w, strings.Repeat("-", 100))
	for _, item := range items {
		fmt.Fprintf(w, "%-20s %s\n", formatTime(item.EnqueuedAt), truncate(item.Raw, 78))
	}
	fmt.Fprintln(w, strings.Repeat("=", 100))
}
