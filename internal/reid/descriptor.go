// Package reid holds the reference-matching core: a single captured reference
// appearance and the ratio-test scorer that compares it against live frames.
package reid

import (
	"errors"
	"fmt"
	"image"
	"math"

	"golang.org/x/image/draw"
)

var (
	// ErrInvalidFrame is returned when a frame is nil or has no pixels.
	ErrInvalidFrame = errors.New("invalid frame")
	// ErrNoDescriptors is returned when a capture yields no local features and
	// empty references are not allowed.
	ErrNoDescriptors = errors.New("no descriptors extracted")
)

// Descriptor is a fixed-length local feature vector (128 floats for SIFT).
type Descriptor []float32

// Extractor computes local feature descriptors from a grayscale image.
// Implementations must be deterministic for identical input.
type Extractor interface {
	Extract(gray *image.Gray) ([]Descriptor, error)
}

// Match is one nearest-neighbour candidate for a query descriptor.
type Match struct {
	QueryIdx int
	TrainIdx int
	Distance float64
}

// Matcher finds the k nearest train descriptors for every query descriptor.
// The result has one entry per query, each sorted by ascending distance and
// holding at most k matches.
type Matcher interface {
	KnnMatch(query, train []Descriptor, k int) ([][]Match, error)
}

// ValidFrame reports whether img can be processed.
func ValidFrame(img image.Image) bool {
	return img != nil && !img.Bounds().Empty()
}

// Grayscale converts img to an 8-bit luma image using the standard
// 0.299/0.587/0.114 weights.
func Grayscale(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	b := img.Bounds()
	gray := image.NewGray(b)
	draw.Draw(gray, b, img, b.Min, draw.Src)
	return gray
}

// cloneRGBA returns an owned RGBA copy of img.
func cloneRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, img, b.Min, draw.Src)
	return dst
}

// L2 returns the Euclidean distance between a and b.
func L2(a, b Descriptor) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

func checkDims(query, train []Descriptor) error {
	if len(query) == 0 || len(train) == 0 {
		return nil
	}
	dim := len(query[0])
	for i, d := range query {
		if len(d) != dim {
			return fmt.Errorf("query descriptor %d has length %d, want %d", i, len(d), dim)
		}
	}
	for i, d := range train {
		if len(d) != dim {
			return fmt.Errorf("train descriptor %d has length %d, want %d", i, len(d), dim)
		}
	}
	return nil
}

// BruteForceMatcher is an exact L2 matcher, equivalent to OpenCV's BFMatcher
// with NORM_L2 and no cross check.
type BruteForceMatcher struct{}

// KnnMatch implements Matcher.
func (BruteForceMatcher) KnnMatch(query, train []Descriptor, k int) ([][]Match, error) {
	if k < 1 {
		return nil, fmt.Errorf("k must be >= 1, got %d", k)
	}
	if err := checkDims(query, train); err != nil {
		return nil, err
	}

	out := make([][]Match, len(query))
	for qi, q := range query {
		best := make([]Match, 0, k)
		for ti, t := range train {
			m := Match{QueryIdx: qi, TrainIdx: ti, Distance: L2(q, t)}
			best = insertBest(best, m, k)
		}
		out[qi] = best
	}
	return out, nil
}

// insertBest keeps best sorted by distance and capped at k entries.
// Ties keep the earlier train index first.
func insertBest(best []Match, m Match, k int) []Match {
	pos := len(best)
	for pos > 0 && best[pos-1].Distance > m.Distance {
		pos--
	}
	if pos >= k {
		return best
	}
	if len(best) < k {
		best = append(best, Match{})
	}
	copy(best[pos+1:], best[pos:len(best)-1])
	best[pos] = m
	return best
}
