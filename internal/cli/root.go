// Package cli implements the syncctl administrative commands.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"

	"market-sync/internal/app"
	"market-sync/internal/config"
)

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Format     string // "json" | "text"
	Verbose    bool

	// Build constructs the component graph. Tests replace it.
	Build func(ctx context.Context, cfg *config.Config, opts app.Options) (*app.App, error)
}

// NewRootCommand creates the root command for syncctl.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{Build: app.New})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "syncctl",
		Short: "Administer the market sync service",
		Long:  "Administrative commands for the marketplace event sync: migrations, manual ticks, asset refresh and cursor control.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", os.Getenv("MARKETSYNC_CONFIG"), "path to config file")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log component activity to stderr")

	// Add subcommands
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewRefreshCommand(opts))
	cmd.AddCommand(NewResetCommand(opts))
	cmd.AddCommand(NewCursorCommand(opts))

	return cmd
}

// logger returns a stderr logger when verbose, otherwise a discarding one.
func (o *RootOptions) logger() *log.Logger {
	if o.Verbose {
		return log.New(os.Stderr, "[syncctl] ", log.LstdFlags|log.Lshortfile)
	}
	return log.New(io.Discard, "", 0)
}

// open loads configuration and builds the component graph.
func (o *RootOptions) open(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, err
	}
	return o.Build(ctx, cfg, app.Options{Logger: o.logger()})
}

// output writes v as JSON, or text through the given formatter.
func (o *RootOptions) output(cmd *cobra.Command, v any, text func(w io.Writer)) error {
	if o.Format == "json" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(cmd.OutOrStdout())
	return nil
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
