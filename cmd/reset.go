package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/andresmejia3/lookout/internal/utils"
	"github.com/spf13/cobra"
)

var (
	resetJournal    bool
	resetReferences bool
	resetRecordings bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset system state (Journal, Reference Captures, Recordings)",
	Long:  "Clears all data. By default, it resets everything. Use flags to clear specific components.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		// If no flags are set, default to clearing EVERYTHING
		if !resetJournal && !resetReferences && !resetRecordings {
			resetJournal = true
			resetReferences = true
			resetRecordings = true
		}

		reader := bufio.NewReader(os.Stdin)

		if resetJournal {
			if Cfg.Database.URL == "" {
				fmt.Println("ℹ️  No database configured, skipping journal.")
			} else if confirm(reader, "⚠️  Are you sure you want to DROP all journal tables?") {
				if err := openDB(cmd.Context()); err != nil {
					utils.ShowError("Database unavailable", err, nil)
					return err
				}
				fmt.Println("🗑️  Clearing Journal...")
				if err := DB.Reset(cmd.Context()); err != nil {
					utils.ShowError("Failed to reset database", err, nil)
					return err
				}
			}
		}

		if resetReferences {
			if confirm(reader, fmt.Sprintf("⚠️  Are you sure you want to delete all reference captures in %s?", Cfg.Output.ReferenceDir)) {
				fmt.Println("🗑️  Clearing Reference Captures...")
				removeDir(Cfg.Output.ReferenceDir)
			}
		}

		if resetRecordings {
			if confirm(reader, fmt.Sprintf("⚠️  Are you sure you want to delete all recordings in %s?", Cfg.Output.RecordingDir)) {
				fmt.Println("🗑️  Clearing Recordings...")
				removeDir(Cfg.Output.RecordingDir)
			}
		}

		fmt.Println("✨ System Reset Complete.")
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetJournal, "journal", false, "Drop the PostgreSQL journal tables")
	resetCmd.Flags().BoolVar(&resetReferences, "references", false, "Delete captured reference images")
	resetCmd.Flags().BoolVar(&resetRecordings, "recordings", false, "Delete recordings")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removeDir(path string) {
	if path == "" || path == "/" || path == "." {
		fmt.Fprintf(os.Stderr, "⚠️  Refusing to remove %q\n", path)
		return
	}
	if err := os.RemoveAll(path); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
