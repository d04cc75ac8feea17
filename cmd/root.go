// Package cmd provides the command-line interface for the pipeline core.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/mikesvoboda/nemotron-v3-home-security-intelligence-sub003/bootstrap"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// CLI output formatters
var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
	headerColor  = color.New(color.FgBlue, color.Bold)
)

// defaultTimeout bounds one-shot CLI operations
const defaultTimeout = 5 * time.Minute

// globalOptions holds the persistent flags shared by every subcommand
type globalOptions struct {
	configFile  string
	startupMode string
	logLevel    string
	noColor     bool
}

// NewRootCmd builds the command tree. Without a subcommand it serves.
func NewRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "hsi",
		Short: "Resilient queue, stream and degradation core for home security intelligence",
		Long: `Runs the store-backed messaging core of the home security pipeline:
bounded work queues with overflow policies, consumer-group streams with
dead-lettering, atomic scripts, and a degradation manager that buffers work
on local disk while the store is unreachable.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if opts.noColor {
				color.NoColor = true
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	root.PersistentFlags().StringVar(&opts.configFile, "config", "", "Config file path (default: ./config.yaml or ./config/config.yaml)")
	root.PersistentFlags().StringVar(&opts.startupMode, "startup-mode", "", "Override startup mode: strict or graceful")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override log level")
	root.PersistentFlags().BoolVar(&opts.noColor, "no-color", false, "Disable colored output")

	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newStatusCmd(opts))
	root.AddCommand(newDrainCmd(opts))
	root.AddCommand(newEnqueueCmd(opts))
	root.AddCommand(newFallbackCmd(opts))
	return root
}

// Execute runs the root command
func Execute() error {
	return NewRootCmd().ExecuteContext(context.Background())
}

// newCLIApp builds an App for a one-shot command. Logs go to stderr at warn
// unless --log-level says otherwise.
func (o *globalOptions) newCLIApp(ctx context.Context, defaultMode string) (*bootstrap.App, error) {
	opts := bootstrap.Options{
		ConfigPath:  o.configFile,
		StartupMode: o.startupMode,
		LogLevel:    o.logLevel,
		LogToStderr: true,
	}
	if opts.StartupMode == "" {
		opts.StartupMode = defaultMode
	}
	if opts.LogLevel == "" {
		opts.LogLevel = "warn"
	}

	app, err := bootstrap.NewApp(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize application: %w", err)
	}
	return app, nil
}

// writeOutput encodes data as json or yaml
func writeOutput(w io.Writer, format string, data interface{}) error {
	switch format {
	case "json":
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(data)
	case "yaml":
		encoder := yaml.NewEncoder(w)
		encoder.SetIndent(2)
		defer encoder.Close()
		return encoder.Encode(data)
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}
}
