// Package cli implements the bookingd command line
package cli

import (
	"context"
	"io"
	"os"

	"github.com/andrekirst/eventstore/internal/config"
	"github.com/andrekirst/eventstore/internal/logging"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configFile string
	out        io.Writer
	logOut     io.Writer
}

// NewRootCommand builds the bookingd command tree. Command output goes to
// out, logs to logOut
func NewRootCommand(out, logOut io.Writer) *cobra.Command {
	opts := &rootOptions{out: out, logOut: logOut}

	cmd := &cobra.Command{
		Use:           "bookingd",
		Short:         "Event sourced booking service",
		Long:          `Stores booking events, keeps booking read models up to date and serves the booking history`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetOut(out)
	cmd.SetErr(logOut)

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "", "config file (default is ./bookingd.yaml)")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("log-format", "", "log format (json, console)")

	cmd.AddCommand(
		newServeCommand(opts),
		newRebuildCommand(opts),
		newRebuildAllCommand(opts),
		newHistoryCommand(opts),
		newSeedCommand(opts),
	)

	return cmd
}

// open loads the configuration and wires the application
func (o *rootOptions) open(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load(o.configFile, cmd.Flags())
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(o.logOut, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}

	return newApp(cfg, logger)
}

// Execute runs bookingd with the process arguments
func Execute(ctx context.Context) int {
	cmd := NewRootCommand(os.Stdout, os.Stderr)

	if err := cmd.ExecuteContext(ctx); err != nil {
		cmd.PrintErrln("Error:", err)

		return 1
	}

	return 0
}
