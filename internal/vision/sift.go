// Package vision binds the reid and pipeline interfaces to OpenCV through gocv.
package vision

import (
	"errors"
	"fmt"
	"image"

	"github.com/andresmejia3/lookout/internal/reid"
	"gocv.io/x/gocv"
)

// SIFTExtractor computes SIFT descriptors. An instance owns native OpenCV
// state and must not be shared between goroutines.
type SIFTExtractor struct {
	sift gocv.SIFT
}

// NewSIFTExtractor allocates a SIFT detector. Call Close when done.
func NewSIFTExtractor() *SIFTExtractor {
	return &SIFTExtractor{sift: gocv.NewSIFT()}
}

// Extract returns one 128-float descriptor per keypoint found in gray.
func (e *SIFTExtractor) Extract(gray *image.Gray) ([]reid.Descriptor, error) {
	src, err := gocv.ImageGrayToMatGray(gray)
	if err != nil {
		return nil, fmt.Errorf("convert frame: %w", err)
	}
	defer src.Close()

	mask := gocv.NewMat()
	defer mask.Close()

	_, desc := e.sift.DetectAndCompute(src, mask)
	defer desc.Close()

	return matToDescriptors(desc)
}

// Close releases the native detector.
func (e *SIFTExtractor) Close() error {
	return e.sift.Close()
}

// BFMatcher is OpenCV's brute-force L2 matcher.
type BFMatcher struct{}

// KnnMatch returns up to k nearest train descriptors for every query descriptor.
func (BFMatcher) KnnMatch(query, train []reid.Descriptor, k int) ([][]reid.Match, error) {
	if k < 1 {
		return nil, errors.New("k must be positive")
	}
	if len(query) == 0 || len(train) == 0 {
		return make([][]reid.Match, len(query)), nil
	}

	q, err := descriptorsToMat(query)
	if err != nil {
		return nil, err
	}
	defer q.Close()
	t, err := descriptorsToMat(train)
	if err != nil {
		return nil, err
	}
	defer t.Close()
	if q.Cols() != t.Cols() {
		return nil, fmt.Errorf("descriptor length mismatch: %d vs %d", q.Cols(), t.Cols())
	}

	bf := gocv.NewBFMatcher()
	defer bf.Close()

	raw := bf.KnnMatch(q, t, k)
	out := make([][]reid.Match, len(query))
	for _, row := range raw {
		if len(row) == 0 {
			continue
		}
		qi := row[0].QueryIdx
		ms := make([]reid.Match, 0, len(row))
		for _, m := range row {
			ms = append(ms, reid.Match{QueryIdx: m.QueryIdx, TrainIdx: m.TrainIdx, Distance: m.Distance})
		}
		if qi >= 0 && qi < len(out) {
			out[qi] = ms
		}
	}
	return out, nil
}

func matToDescriptors(m gocv.Mat) ([]reid.Descriptor, error) {
	if m.Empty() {
		return nil, nil
	}
	if m.Type() != gocv.MatTypeCV32F {
		return nil, fmt.Errorf("unexpected descriptor type %v", m.Type())
	}
	rows, cols := m.Rows(), m.Cols()
	out := make([]reid.Descriptor, rows)
	for r := 0; r < rows; r++ {
		d := make(reid.Descriptor, cols)
		for c := 0; c < cols; c++ {
			d[c] = m.GetFloatAt(r, c)
		}
		out[r] = d
	}
	return out, nil
}

func descriptorsToMat(descs []reid.Descriptor) (gocv.Mat, error) {
	cols := len(descs[0])
	m := gocv.NewMatWithSize(len(descs), cols, gocv.MatTypeCV32F)
	for r, d := range descs {
		if len(d) != cols {
			m.Close()
			return gocv.Mat{}, fmt.Errorf("descriptor %d has length %d, want %d", r, len(d), cols)
		}
		for c, v := range d {
			m.SetFloatAt(r, c, v)
		}
	}
	return m, nil
}
