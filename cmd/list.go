package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List enrolled persons, most recognized first",
	RunE: func(cmd *cobra.Command, args []string) error {
		persons, err := Registry.ActiveRecords(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list persons: %w", err)
		}

		if len(persons) == 0 {
			fmt.Println("No persons enrolled.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tRELATIONSHIP\tFACES\tSEEN\tLAST SEEN")
		fmt.Fprintln(w, "--\t----\t------------\t-----\t----\t---------")

		for _, p := range persons {
			lastSeen := "never"
			if p.LastSeen != nil {
				lastSeen = p.LastSeen.Local().Format("2006-01-02 15:04")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n", p.ID, p.Name, p.Relationship, len(p.Embeddings), p.RecognitionCount, lastSeen)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}
