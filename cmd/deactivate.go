package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var deactivateCmd = &cobra.Command{
	Use:   "deactivate <person_id>",
	Short: "Stop recognizing a person (their history is kept)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := Registry.Deactivate(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("failed to deactivate %s: %w", args[0], err)
		}
		fmt.Printf("✅ %s will no longer be recognized\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(deactivateCmd)
}
