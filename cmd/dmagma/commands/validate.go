package commands

import (
	"dmagma/config"
	"dmagma/internal/campaign"
	"dmagma/internal/catalog"
	"dmagma/internal/printer"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var validateMagma string

var validateCmd = &cobra.Command{
	Use:   "validate <campaign-file>",
	Short: "Check a campaign document against the toolkit catalog",
	Long: `Decode a campaign document and check it against the fuzzers and targets of
a local toolkit checkout, without contacting any service.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().StringVar(&validateMagma, "magma", "", "toolkit checkout (default $MAGMA_PATH)")
	rootCmd.AddCommand(validateCmd)
}

// toolkitPath resolves a --magma flag against the configuration
func toolkitPath(cfg *config.AppConfig, flag string) string {
	if flag != "" {
		return flag
	}
	return cfg.Toolkit.MagmaPath
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg := config.LoadConfig()
	cat, err := catalog.Load(toolkitPath(cfg, validateMagma))
	if err != nil {
		return printer.Error("Failed to load toolkit catalog", err.Error(), nil)
	}

	c, err := campaign.Load(args[0])
	if err != nil {
		return printer.Error("Failed to read campaign", err.Error(), nil)
	}

	var verr *catalog.ValidationError
	if err := catalog.NewValidator(cat).Validate(c); errors.As(err, &verr) {
		return printer.Error("Invalid campaign", fmt.Sprintf("%s has %d violations:", args[0], len(verr.Violations)), violationLines(verr))
	} else if err != nil {
		return printer.Error("Invalid campaign", err.Error(), nil)
	}

	printer.Success(cmd.OutOrStdout(), "Campaign %s is valid: %d pipelines", c.ID, c.Leaves())
	return nil
}
