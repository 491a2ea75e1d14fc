package cmd

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"time"

	"github.com/andresmejia3/lookout/internal/config"
	"github.com/andresmejia3/lookout/internal/reid"
	"github.com/andresmejia3/lookout/internal/vision"
	"github.com/andresmejia3/lookout/internal/worker"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// bindMatchFlags registers the matching flags shared by live, scan and match.
// Flags the user did not set fall back to the config.
func bindMatchFlags(cmd *cobra.Command, opts *Options) {
	cmd.Flags().Float64VarP(&opts.Threshold, "threshold", "t", 0, "Match score threshold, a frame matches when score > threshold (default from config: 0.1)")
	cmd.Flags().Float64Var(&opts.Ratio, "ratio", 0, "Lowe ratio test constant (default from config: 0.75)")
	cmd.Flags().StringVarP(&opts.Matcher, "matcher", "m", "", "Descriptor matcher: bf, brute, hnsw (default from config: bf)")
}

// bindDetectFlags registers the detector flags shared by live and scan.
func bindDetectFlags(cmd *cobra.Command, opts *Options) {
	cmd.Flags().Float64VarP(&opts.Confidence, "confidence", "c", 0, "Person detection confidence threshold (default from config: 0.5)")
	cmd.Flags().StringVar(&opts.WorkerTimeout, "worker-timeout", "", "Timeout for the detector to process a single frame (default from config: 30s)")
}

// applyOverrides copies explicitly set flags over the loaded config. A flag
// set to its zero value (e.g. --threshold 0) still overrides.
func applyOverrides(cfg *config.Config, flags *pflag.FlagSet, opts *Options) error {
	if flags.Changed("threshold") {
		cfg.Matching.Threshold = opts.Threshold
	}
	if flags.Changed("ratio") {
		cfg.Matching.Ratio = opts.Ratio
	}
	if flags.Changed("matcher") {
		cfg.Matching.Matcher = opts.Matcher
	}
	if flags.Changed("confidence") {
		cfg.Detector.Confidence = opts.Confidence
	}
	if flags.Changed("worker-timeout") {
		cfg.Detector.Timeout = opts.WorkerTimeout
	}
	return cfg.Validate()
}

// newMatcher returns the kNN backend named by the config.
func newMatcher(m config.MatchingConfig) reid.Matcher {
	switch m.Matcher {
	case config.MatcherBrute:
		return reid.BruteForceMatcher{}
	case config.MatcherHNSW:
		return reid.HNSWMatcher{EfSearch: m.EfSearch}
	default:
		return vision.BFMatcher{}
	}
}

// newScorer builds a scorer with its own SIFT extractor. The caller closes the extractor.
func newScorer(m config.MatchingConfig) (*reid.Scorer, *vision.SIFTExtractor) {
	ext := vision.NewSIFTExtractor()
	return reid.NewScorer(ext, newMatcher(m),
		reid.WithRatio(m.Ratio),
		reid.WithThreshold(m.Threshold),
	), ext
}

// newReferenceStore builds the store with its own SIFT extractor.
// An empty dir disables writing captures to disk.
func newReferenceStore(cfg *config.Config, dir string) (*reid.ReferenceStore, *vision.SIFTExtractor) {
	ext := vision.NewSIFTExtractor()
	return reid.NewReferenceStore(ext,
		reid.WithOutputDir(dir),
		reid.WithAllowEmpty(cfg.Matching.AllowEmptyReference),
	), ext
}

func detectConfig(cfg *config.Config) worker.DetectConfig {
	timeout, err := cfg.WorkerTimeout()
	if err != nil {
		timeout = 30 * time.Second
	}
	return worker.DetectConfig{
		Python:      cfg.Detector.Python,
		Script:      cfg.Detector.Script,
		ModelPath:   cfg.Detector.Model,
		ReadTimeout: timeout,
	}
}

// loadImage decodes a JPEG or PNG file.
func loadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}
