package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mikesvoboda/nemotron-v3-home-security-intelligence-sub003/config"
	"github.com/mikesvoboda/nemotron-v3-home-security-intelligence-sub003/queue"

	"github.com/spf13/cobra"
)

func newEnqueueCmd(opts *globalOptions) *cobra.Command {
	var (
		output string
		remote string
	)

	cmd := &cobra.Command{
		Use:   "enqueue <queue> <payload>",
		Short: "Add one item to a queue, falling back to local disk when the store is down",
		Long: `Add one item to a queue through the degradation manager.

The payload must be JSON. When the store is unreachable the item is written
to the local fallback queue and drained later. With --remote the item is
posted to a running service's ops listener instead.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, payload := args[0], args[1]
			if !json.Valid([]byte(payload)) {
				return fmt.Errorf("payload is not valid JSON")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
			defer cancel()

			result, err := enqueue(ctx, opts, remote, name, payload)
			if err != nil {
				return err
			}

			if output != "table" {
				return writeOutput(cmd.OutOrStdout(), output, result)
			}

			w := cmd.OutOrStdout()
			if !result.Success {
				errorColor.Fprintf(w, "✗ %s rejected: %s\n", name, result.Error)
				return fmt.Errorf("queue %s rejected the item", name)
			}
			successColor.Fprintf(w, "✓ Queued to %s (length %d)\n", name, result.QueueLength)
			if result.Warning != "" {
				warningColor.Fprintf(w, "  %s\n", result.Warning)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format: table, json or yaml")
	cmd.Flags().StringVar(&remote, "remote", "", "Ops listener base URL, e.g. http://localhost:9108")
	return cmd
}

func enqueue(ctx context.Context, opts *globalOptions, remote, name, payload string) (queue.AddResult, error) {
	if remote != "" {
		return postEnqueue(ctx, remote, name, payload)
	}

	app, err := opts.newCLIApp(ctx, string(config.StartupModeGraceful))
	if err != nil {
		return queue.AddResult{}, err
	}
	defer app.Close()

	result, err := app.Degradation.QueueWithFallback(ctx, name, json.RawMessage(payload))
	if err != nil {
		return queue.AddResult{}, fmt.Errorf("failed to enqueue: %w", err)
	}
	return result, nil
}

// postEnqueue sends the item to POST /queues/{queue}; 429 still carries the
// add result
func postEnqueue(ctx context.Context, base, name, payload string) (queue.AddResult, error) {
	u := strings.TrimRight(base, "/") + "/queues/" + url.PathEscape(name)
	body, err := json.Marshal(map[string]json.RawMessage{"payload": json.RawMessage(payload)})
	if err != nil {
		return queue.AddResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return queue.AddResult{}, fmt.Errorf("invalid remote URL: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return queue.AddResult{}, fmt.Errorf("failed to enqueue: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusTooManyRequests {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return queue.AddResult{}, fmt.Errorf("enqueue request failed: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	var result queue.AddResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return queue.AddResult{}, fmt.Errorf("failed to decode enqueue result: %w", err)
	}
	return result, nil
}
