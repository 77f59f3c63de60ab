package commands

import (
	"dmagma/internal/campaign"
	"dmagma/internal/catalog"
	"dmagma/internal/printer"
	"dmagma/internal/scheduler"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var submitJSON bool

var submitCmd = &cobra.Command{
	Use:   "submit <campaign-file>",
	Short: "Schedule a campaign on the worker pool",
	Long: `Validate a campaign document (JSON or YAML) and publish one pipeline task
per (fuzzer, target, program) combination. The command returns as soon as the
tasks are published and prints the campaign handle to poll with "status".`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().BoolVar(&submitJSON, "json", false, "print the handle as JSON")
	rootCmd.AddCommand(submitCmd)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	c, err := campaign.Load(args[0])
	if err != nil {
		return printer.Error("Failed to read campaign", err.Error(), nil)
	}

	ctx := cmd.Context()
	var s *scheduler.Scheduler
	stop, err := startRemoteApp(ctx, &s)
	if err != nil {
		return printer.Error("Failed to connect", err.Error(), nil)
	}
	defer stop()

	handle, err := s.Schedule(ctx, c)
	var verr *catalog.ValidationError
	switch {
	case errors.As(err, &verr):
		return printer.Error("Invalid campaign", fmt.Sprintf("%s has %d violations:", args[0], len(verr.Violations)), violationLines(verr))
	case err != nil && handle == "":
		return printer.Error("Failed to schedule campaign", err.Error(), nil)
	case err != nil:
		printer.Warning(cmd.ErrOrStderr(), "campaign %s was only partly dispatched, undispatched pipelines are recorded as failed", c.ID)
		return printer.Error("Failed to schedule campaign", err.Error(), []string{"handle: " + handle})
	}

	out := cmd.OutOrStdout()
	if submitJSON {
		return json.NewEncoder(out).Encode(map[string]any{
			"handle":      handle,
			"campaign_id": c.ID,
			"pipelines":   c.Leaves(),
		})
	}
	printer.Success(out, "Scheduled campaign %s with %d pipelines", c.ID, c.Leaves())
	fmt.Fprintln(out, handle)
	return nil
}

func violationLines(err *catalog.ValidationError) []string {
	lines := make([]string, len(err.Violations))
	for i, v := range err.Violations {
		lines[i] = v.String()
	}
	return lines
}
