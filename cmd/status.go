package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mikesvoboda/nemotron-v3-home-security-intelligence-sub003/bootstrap"
	"github.com/mikesvoboda/nemotron-v3-home-security-intelligence-sub003/config"

	"github.com/spf13/cobra"
)

func newStatusCmd(opts *globalOptions) *cobra.Command {
	var (
		output string
		queues []string
		remote string
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show store health, degradation mode, queue pressure and stream state",
		Long: `Show store health, degradation mode, queue pressure and stream state.

By default the report is built locally, which opens the fallback store and
therefore cannot run next to a live service on the same data directory. Use
--remote to read the report from a running service's ops listener instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
			defer cancel()

			var (
				rep bootstrap.Report
				err error
			)
			if remote != "" {
				rep, err = fetchReport(ctx, remote, queues)
			} else {
				rep, err = localReport(ctx, opts, queues)
			}
			if err != nil {
				return err
			}

			if output == "table" {
				renderReport(cmd.OutOrStdout(), rep)
				return nil
			}
			return writeOutput(cmd.OutOrStdout(), output, rep)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format: table, json or yaml")
	cmd.Flags().StringSliceVarP(&queues, "queue", "q", nil, "Queue to measure (repeatable)")
	cmd.Flags().StringVar(&remote, "remote", "", "Ops listener base URL, e.g. http://localhost:9108")
	return cmd
}

// localReport always starts graceful so an unreachable store is reported
// rather than fatal
func localReport(ctx context.Context, opts *globalOptions, queues []string) (bootstrap.Report, error) {
	app, err := opts.newCLIApp(ctx, string(config.StartupModeGraceful))
	if err != nil {
		return bootstrap.Report{}, err
	}
	defer app.Close()
	return app.Report(ctx, queues), nil
}

func fetchReport(ctx context.Context, base string, queues []string) (bootstrap.Report, error) {
	u, err := url.Parse(strings.TrimRight(base, "/") + "/status")
	if err != nil {
		return bootstrap.Report{}, fmt.Errorf("invalid remote URL: %w", err)
	}
	q := u.Query()
	for _, name := range queues {
		q.Add("queue", name)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return bootstrap.Report{}, err
	}
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return bootstrap.Report{}, fmt.Errorf("failed to fetch status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return bootstrap.Report{}, fmt.Errorf("status request failed: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var rep bootstrap.Report
	if err := json.NewDecoder(resp.Body).Decode(&rep); err != nil {
		return bootstrap.Report{}, fmt.Errorf("failed to decode status: %w", err)
	}
	return rep, nil
}
