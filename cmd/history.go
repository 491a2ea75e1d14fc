package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/lookout/internal/utils"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history <session_id>",
	Short: "Show the verdict changes journaled for a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		sid, err := uuid.Parse(args[0])
		if err != nil {
			utils.ShowError("Invalid session ID", err, nil)
			return err
		}
		return runHistory(cmd, sid)
	},
}

func init() {
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, sid uuid.UUID) error {
	ctx := cmd.Context()
	if err := openDB(ctx); err != nil {
		utils.ShowError("Database unavailable", err, nil)
		return err
	}

	evs, err := DB.ListMatchEvents(ctx, sid)
	if err != nil {
		utils.ShowError("Failed to list match events", err, nil)
		return err
	}
	if len(evs) == 0 {
		fmt.Println("No match events found for this session.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "FRAME\tTIME\tPERSONS\tSCORE\tVERDICT")
	fmt.Fprintln(w, "-----\t----\t-------\t-----\t-------")
	for _, e := range evs {
		score, verdict := "--", "no reference"
		if e.Scored {
			score = fmt.Sprintf("%.2f", e.Score)
			verdict = "no match"
			if e.Matched {
				verdict = "MATCH"
			}
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\n", e.FrameIndex, e.At.Local().Format("15:04:05"), e.Persons, score, verdict)
	}
	w.Flush()
	return nil
}
