package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "dmagma",
	Short: "dmagma - distributed fuzzing benchmark campaigns",
	Long: `dmagma schedules fuzzing benchmark campaigns over a pool of workers.

A campaign names fuzzers, the targets each fuzzer runs against and the
programs of each target. Every (fuzzer, target, program) combination runs as
one pipeline on a worker; once all of them finished the results are reduced
into a single report.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

func Execute() error {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func SetVersion(v string) {
	rootCmd.Version = v
}

func init() {
	if os.Getenv("NO_COLOR") != "" {
		color.NoColor = true
	}
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
}
