package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ParamOptions{}

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check parameters without running",
		Long: `Merge the defaults, --config and the -P overrides exactly as run does
and check the result against the parameter schema.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.build(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				fmt.Fprintln(cmd.OutOrStdout(), "✗ Invalid parameters")
				fmt.Fprintf(cmd.OutOrStdout(), "  %v\n", err)
				return WrapExitError(ExitFailure, "validation failed", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "✓ Parameters valid")
			return nil
		},
	}
	opts.register(cmd)
	return cmd
}
