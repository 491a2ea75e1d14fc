package cmd

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/andresmejia3/lookout/internal/store"
	"github.com/andresmejia3/lookout/internal/utils"
	"github.com/spf13/cobra"
)

var labelCmd = &cobra.Command{
	Use:   "label <capture_id> <name>",
	Short: "Assign a name to a journaled reference capture",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			utils.ShowError("Invalid capture ID", err, nil)
			return err
		}
		return runLabel(cmd, id, args[1])
	},
}

func init() {
	rootCmd.AddCommand(labelCmd)
}

func runLabel(cmd *cobra.Command, id int64, name string) error {
	ctx := cmd.Context()
	if err := openDB(ctx); err != nil {
		utils.ShowError("Database unavailable", err, nil)
		return err
	}

	if err := DB.LabelCapture(ctx, id, name); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			utils.ShowError(fmt.Sprintf("No capture with ID %d", id), nil, nil)
		} else {
			utils.ShowError("Failed to label capture", err, nil)
		}
		return err
	}

	fmt.Printf("✅ Capture %d labeled as '%s'\n", id, name)
	return nil
}
