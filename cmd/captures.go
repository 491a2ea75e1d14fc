package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/lookout/internal/utils"
	"github.com/spf13/cobra"
)

var capturesCmd = &cobra.Command{
	Use:   "captures",
	Short: "List reference captures recorded in the journal",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runCaptures(cmd)
	},
}

func init() {
	rootCmd.AddCommand(capturesCmd)
}

func runCaptures(cmd *cobra.Command) error {
	ctx := cmd.Context()
	if err := openDB(ctx); err != nil {
		utils.ShowError("Database unavailable", err, nil)
		return err
	}

	captures, err := DB.ListCaptures(ctx)
	if err != nil {
		utils.ShowError("Failed to list captures", err, nil)
		return err
	}

	if len(captures) == 0 {
		fmt.Println("No reference captures found in database.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tDESCRIPTORS\tCAPTURED\tSESSION\tFILE")
	fmt.Fprintln(w, "--\t----\t-----------\t--------\t-------\t----")

	for _, c := range captures {
		name := c.Name
		if name == "" {
			name = "-"
		}
		path := c.Path
		if path == "" {
			path = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%s\n", c.ID, name, c.Descriptors,
			c.CapturedAt.Local().Format("2006-01-02 15:04:05"), c.SessionID.String()[:8], path)
	}
	w.Flush()
	return nil
}
