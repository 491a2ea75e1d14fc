package reid

import (
	"fmt"
	"image"
)

const (
	// DefaultRatio is Lowe's nearest/second-nearest distance ratio.
	DefaultRatio = 0.75
	// DefaultThreshold is the score a frame must exceed to count as matched.
	DefaultThreshold = 0.1
)

// Verdict is the frame-level outcome of scoring against the reference.
type Verdict struct {
	Score   float64 `json:"score"`
	Matched bool    `json:"matched"`
	Good    int     `json:"good"`
	Total   int     `json:"total"`
}

// Scorer computes the fraction of reference descriptors that have an
// unambiguous nearest neighbour in the current frame.
type Scorer struct {
	extractor Extractor
	matcher   Matcher
	ratio     float64
	threshold float64
}

// ScorerOption configures a Scorer.
type ScorerOption func(*Scorer)

// WithRatio sets the ratio-test factor.
func WithRatio(r float64) ScorerOption {
	return func(s *Scorer) { s.ratio = r }
}

// WithThreshold sets the match threshold.
func WithThreshold(t float64) ScorerOption {
	return func(s *Scorer) { s.threshold = t }
}

// NewScorer returns a Scorer. A nil matcher selects BruteForceMatcher.
func NewScorer(e Extractor, m Matcher, opts ...ScorerOption) *Scorer {
	if m == nil {
		m = BruteForceMatcher{}
	}
	s := &Scorer{
		extractor: e,
		matcher:   m,
		ratio:     DefaultRatio,
		threshold: DefaultThreshold,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Threshold returns the configured match threshold.
func (s *Scorer) Threshold() float64 { return s.threshold }

// Classify turns a score into a Verdict. Matching is strictly greater than the threshold.
func (s *Scorer) Classify(score float64) Verdict {
	return Verdict{Score: score, Matched: score > s.threshold}
}

// Score scores frame against ref. The boolean is false when there is no score:
// no reference, an empty reference, or no descriptors in the frame. That state
// means "skip", not "no match".
func (s *Scorer) Score(ref *Reference, frame image.Image) (Verdict, bool, error) {
	if ref == nil || len(ref.Descriptors) == 0 {
		return Verdict{}, false, nil
	}
	if !ValidFrame(frame) {
		return Verdict{}, false, ErrInvalidFrame
	}
	current, err := s.extractor.Extract(Grayscale(frame))
	if err != nil {
		return Verdict{}, false, fmt.Errorf("extract frame descriptors: %w", err)
	}
	return s.ScoreDescriptors(ref.Descriptors, current)
}

// ScoreDescriptors runs the ratio test from every reference descriptor to its
// two nearest current descriptors.
func (s *Scorer) ScoreDescriptors(reference, current []Descriptor) (Verdict, bool, error) {
	if len(reference) == 0 || len(current) == 0 {
		return Verdict{}, false, nil
	}
	matches, err := s.matcher.KnnMatch(reference, current, 2)
	if err != nil {
		return Verdict{}, false, fmt.Errorf("knn match: %w", err)
	}

	good := 0
	for _, m := range matches {
		// A lone candidate cannot pass the ratio test.
		if len(m) < 2 {
			continue
		}
		if m[0].Distance < s.ratio*m[1].Distance {
			good++
		}
	}

	v := s.Classify(float64(good) / float64(len(reference)))
	v.Good = good
	v.Total = len(reference)
	return v, true, nil
}
