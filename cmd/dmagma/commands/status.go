package commands

import (
	"dmagma/internal/chord"
	"dmagma/internal/printer"
	"encoding/json"
	"errors"
	"time"

	"github.com/spf13/cobra"
)

var (
	statusJSON     bool
	statusWatch    bool
	statusInterval time.Duration
)

var statusCmd = &cobra.Command{
	Use:   "status <handle>",
	Short: "Show the progress of a scheduled campaign",
	Long: `Show the state of a campaign and of each of its pipelines.

With --watch the status is polled until the campaign is done or its reduce
step failed.`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output in JSON format")
	statusCmd.Flags().BoolVarP(&statusWatch, "watch", "w", false, "poll until the campaign finished")
	statusCmd.Flags().DurationVar(&statusInterval, "interval", 10*time.Second, "poll interval with --watch")
	rootCmd.AddCommand(statusCmd)
}

func finished(s *chord.Status) bool {
	return s.State == chord.StateDone || s.State == chord.StateReduceFailed
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	var barrier chord.Barrier
	stop, err := startRemoteApp(ctx, &barrier)
	if err != nil {
		return printer.Error("Failed to connect", err.Error(), nil)
	}
	defer stop()

	handle := args[0]
	for {
		status, err := barrier.Status(ctx, handle)
		if errors.Is(err, chord.ErrUnknownChord) {
			return printer.Error("Unknown campaign handle", handle+" is not registered or has expired", nil)
		}
		if err != nil {
			return printer.Error("Failed to read campaign status", err.Error(), nil)
		}

		if !statusWatch || finished(status) {
			return printStatus(cmd, status)
		}
		printer.Step(cmd.ErrOrStderr(), "%s: %d/%d pipelines terminal", status.State, status.Terminal, status.Total)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(statusInterval):
		}
	}
}

func printStatus(cmd *cobra.Command, status *chord.Status) error {
	out := cmd.OutOrStdout()
	if statusJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}
	printer.Status(out, status)
	if status.State == chord.StateReduceFailed {
		return printer.Error("Campaign reduce failed", status.Detail, nil)
	}
	return nil
}
