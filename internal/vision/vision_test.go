package vision

import (
	"image"
	"image/color"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/andresmejia3/lookout/internal/reid"
)

func texturedGray(w, h int, seed int64) *image.Gray {
	rng := rand.New(rand.NewSource(seed))
	img := image.NewGray(image.Rect(0, 0, w, h))
	// Blocky pattern gives SIFT stable corners
	for by := 0; by < h; by += 16 {
		for bx := 0; bx < w; bx += 16 {
			v := uint8(rng.Intn(256))
			for y := by; y < by+16 && y < h; y++ {
				for x := bx; x < bx+16 && x < w; x++ {
					img.SetGray(x, y, color.Gray{Y: v})
				}
			}
		}
	}
	return img
}

func TestSIFTExtractor_Descriptors(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping OpenCV test in short mode")
	}
	e := NewSIFTExtractor()
	defer e.Close()

	descs, err := e.Extract(texturedGray(256, 256, 1))
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if len(descs) == 0 {
		t.Fatal("Expected keypoints on a textured image")
	}
	for i, d := range descs {
		if len(d) != 128 {
			t.Fatalf("Descriptor %d has length %d, want 128", i, len(d))
		}
	}

	flat := image.NewGray(image.Rect(0, 0, 128, 128))
	descs, err = e.Extract(flat)
	if err != nil {
		t.Fatalf("Extract on flat image failed: %v", err)
	}
	if len(descs) != 0 {
		t.Errorf("Expected no descriptors on a flat image, got %d", len(descs))
	}
}

func TestSIFTSelfMatchScoresOne(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping OpenCV test in short mode")
	}
	e := NewSIFTExtractor()
	defer e.Close()

	gray := texturedGray(256, 256, 2)
	descs, err := e.Extract(gray)
	if err != nil || len(descs) < 2 {
		t.Fatalf("Extract: %d descriptors, err %v", len(descs), err)
	}

	s := reid.NewScorer(e, BFMatcher{})
	v, ok, err := s.ScoreDescriptors(descs, descs)
	if err != nil || !ok {
		t.Fatalf("ScoreDescriptors: ok=%v err=%v", ok, err)
	}
	if v.Score < 0.9 || !v.Matched {
		t.Errorf("Self-match verdict = %+v, want near 1.0", v)
	}
}

func TestBFMatcherAgreesWithBruteForce(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping OpenCV test in short mode")
	}
	query := []reid.Descriptor{{0, 0}, {5, 5}}
	train := []reid.Descriptor{{1, 0}, {4, 5}, {10, 10}}

	got, err := BFMatcher{}.KnnMatch(query, train, 2)
	if err != nil {
		t.Fatalf("KnnMatch failed: %v", err)
	}
	want, _ := reid.BruteForceMatcher{}.KnnMatch(query, train, 2)
	for i := range want {
		if len(got[i]) != len(want[i]) {
			t.Fatalf("Row %d: got %d matches, want %d", i, len(got[i]), len(want[i]))
		}
		for j := range want[i] {
			if got[i][j].TrainIdx != want[i][j].TrainIdx {
				t.Errorf("Row %d rank %d: train %d, want %d", i, j, got[i][j].TrainIdx, want[i][j].TrainIdx)
			}
		}
	}
}

func TestBFMatcher_Validation(t *testing.T) {
	if _, err := (BFMatcher{}).KnnMatch(nil, nil, 0); err == nil {
		t.Error("Expected error for k=0")
	}
	rows, err := BFMatcher{}.KnnMatch([]reid.Descriptor{{1}}, nil, 2)
	if err != nil || len(rows) != 1 || len(rows[0]) != 0 {
		t.Errorf("Empty train: rows=%v err=%v", rows, err)
	}
}

func TestRecordingFilename(t *testing.T) {
	ts := time.Date(2026, 10, 17, 9, 5, 3, 0, time.UTC)
	if got := RecordingFilename(ts); got != "recording_20261017_090503.avi" {
		t.Errorf("RecordingFilename = %q", got)
	}
}

func TestRecorder_Idle(t *testing.T) {
	r := NewRecorder(filepath.Join(t.TempDir(), "rec"))
	if r.Active() {
		t.Error("New recorder should be idle")
	}
	if err := r.Write(image.NewRGBA(image.Rect(0, 0, 4, 4))); err == nil {
		t.Error("Write on idle recorder should fail")
	}
	if err := r.Stop(); err != nil {
		t.Errorf("Stop on idle recorder: %v", err)
	}
	if NewRecorder("").Dir != DefaultRecordingDir {
		t.Error("Empty dir should fall back to the default")
	}
}
