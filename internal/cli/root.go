// Package cli is the smsgateway command line.
package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	DBFile     string
	Debug      bool
	Format     string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command. Without a subcommand it serves.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}
	serve := &ServeOptions{RootOptions: opts}

	cmd := &cobra.Command{
		Use:   "smsgateway",
		Short: "HTTP to SMS gateway",
		Long: `smsgateway accepts SMS send requests over HTTP, queues them for a modem,
and tracks every request until the network reports delivery.

Running it without a subcommand is the same as "smsgateway serve".`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, serve)
		},
	}

	// Global flags
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "smsgateway.yaml", "path to the config file (yaml or json)")
	cmd.PersistentFlags().StringVarP(&opts.DBFile, "dbfile", "d", "", "location of the database file (default: storage.path from the config)")
	cmd.PersistentFlags().BoolVarP(&opts.Debug, "debug", "v", false, "enable debugging output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	addServeFlags(cmd, serve)

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewSettingsCommand(opts))

	return cmd
}
