package cmd

import (
	"fmt"

	"github.com/andresmejia3/lookout/internal/reid"
	"github.com/andresmejia3/lookout/internal/utils"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var matchOpts Options

var matchCmd = &cobra.Command{
	Use:   "match <reference_image> <frame_image>",
	Short: "Score a still frame against a reference image",
	Long: `Scores two images with the same ratio test the live loop uses, without running the detector.
Exits non-zero when either image cannot be read.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runMatch(cmd.Flags(), args[0], args[1], matchOpts)
	},
}

func init() {
	bindMatchFlags(matchCmd, &matchOpts)
	rootCmd.AddCommand(matchCmd)
}

func runMatch(flags *pflag.FlagSet, refPath, framePath string, opts Options) error {
	if err := applyOverrides(Cfg, flags, &opts); err != nil {
		utils.ShowError("Configuration Error", err, nil)
		return err
	}

	refImg, err := loadImage(refPath)
	if err != nil {
		utils.ShowError("Failed to load reference image", err, nil)
		return err
	}
	frame, err := loadImage(framePath)
	if err != nil {
		utils.ShowError("Failed to load frame image", err, nil)
		return err
	}

	refs, refExt := newReferenceStore(Cfg, "")
	defer refExt.Close()
	ref, err := refs.Capture(refImg)
	if err != nil {
		utils.ShowError("Reference image has no usable features", err, nil)
		return err
	}

	scorer, ext := newScorer(Cfg.Matching)
	defer ext.Close()
	v, scored, err := scorer.Score(ref, frame)
	if err != nil {
		utils.ShowError("Scoring failed", err, nil)
		return err
	}

	fmt.Print(formatVerdict(v, scored, scorer.Threshold()))
	return nil
}

func formatVerdict(v reid.Verdict, scored bool, threshold float64) string {
	if !scored {
		return "Match: -- (no comparable features)\n"
	}
	mark := "❌ NO MATCH"
	if v.Matched {
		mark = "✅ MATCH"
	}
	return fmt.Sprintf("Match: %.2f (%d/%d good, threshold %.2f) %s\n", v.Score, v.Good, v.Total, threshold, mark)
}

