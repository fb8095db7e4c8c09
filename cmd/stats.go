package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show recognition statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := Registry.Stats(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to load stats: %w", err)
		}
		fmt.Println("---------------------------------------------------------")
		fmt.Println("📊 RECOGNITION STATS")
		fmt.Println("---------------------------------------------------------")
		fmt.Printf("👤 Active persons:       %d\n", s.ActivePersons)
		fmt.Printf("👁️  Total recognitions:   %d\n", s.TotalRecognitions)
		fmt.Printf("📅 Recognitions today:   %d\n", s.RecognitionsToday)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
