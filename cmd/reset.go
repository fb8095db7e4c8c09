package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	resetDB       bool
	resetCaptures bool
	resetYes      bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset system state (Registry, Captured Images)",
	Long:  "Clears all data. By default, it resets everything. Use flags to clear specific components.",
	RunE: func(cmd *cobra.Command, args []string) error {
		// If no flags are set, default to clearing EVERYTHING
		if !resetDB && !resetCaptures {
			resetDB = true
			resetCaptures = true
		}

		reader := bufio.NewReader(os.Stdin)

		if resetDB {
			if resetYes || confirm(reader, os.Stdout, "⚠️  Are you sure you want to delete every enrolled person and all history?") {
				fmt.Println("🗑️  Clearing Registry...")
				if err := Registry.Reset(cmd.Context()); err != nil {
					return fmt.Errorf("failed to reset registry: %w", err)
				}
			}
		}

		if resetCaptures && Cfg.Captures.Dir != "" {
			if resetYes || confirm(reader, os.Stdout, "⚠️  Are you sure you want to delete all captured images?") {
				fmt.Println("🗑️  Clearing Captured Images...")
				removeDir(Cfg.Captures.Dir)
			}
		}

		fmt.Println("✨ System Reset Complete.")
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetDB, "registry", false, "Clear the person registry")
	resetCmd.Flags().BoolVar(&resetCaptures, "captures", false, "Clear captured images")
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Do not ask for confirmation")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, w io.Writer, prompt string) bool {
	fmt.Fprintf(w, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removeDir(path string) {
	if err := os.RemoveAll(path); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
