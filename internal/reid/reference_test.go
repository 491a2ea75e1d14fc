package reid

import (
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"
)

func TestCapture_Deterministic(t *testing.T) {
	store := NewReferenceStore(&gridExtractor{}, WithOutputDir(""))
	img := noiseImage(64, 48, 1)

	first, err := store.Capture(img)
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	second, err := store.Capture(img)
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	if len(first.Descriptors) == 0 {
		t.Fatal("Expected descriptors from a textured image")
	}
	if !reflect.DeepEqual(first.Descriptors, second.Descriptors) {
		t.Error("Capturing the same image twice produced different descriptors")
	}
}

func TestCapture_ReplacesWholesale(t *testing.T) {
	ext := &gridExtractor{}
	store := NewReferenceStore(ext, WithOutputDir(""))
	imgA := noiseImage(64, 64, 1)
	imgB := noiseImage(32, 32, 2)

	if _, err := store.Capture(imgA); err != nil {
		t.Fatalf("Capture A failed: %v", err)
	}
	if _, err := store.Capture(imgB); err != nil {
		t.Fatalf("Capture B failed: %v", err)
	}

	wantB, _ := ext.Extract(Grayscale(imgB))
	if !reflect.DeepEqual(store.Descriptors(), wantB) {
		t.Errorf("Store holds %d descriptors, want only image B's %d", len(store.Descriptors()), len(wantB))
	}
	if store.Snapshot().Image.Bounds() != imgB.Bounds() {
		t.Errorf("Reference image bounds = %v, want %v", store.Snapshot().Image.Bounds(), imgB.Bounds())
	}
}

func TestCapture_OwnsImageCopy(t *testing.T) {
	store := NewReferenceStore(&gridExtractor{}, WithOutputDir(""))
	img := noiseImage(16, 16, 3)
	before := img.Pix[0]

	ref, err := store.Capture(img)
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}

	// Mutate the live buffer after capture.
	img.Pix[0] = before + 1
	if ref.Image.Pix[0] != before {
		t.Error("Reference image aliases the caller's buffer")
	}
}

func TestCapture_InvalidFrame(t *testing.T) {
	store := NewReferenceStore(&gridExtractor{}, WithOutputDir(""))

	tests := []struct {
		name string
		img  image.Image
	}{
		{"Nil image", nil},
		{"Empty bounds", image.NewRGBA(image.Rect(0, 0, 0, 0))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := store.Capture(tt.img); !errors.Is(err, ErrInvalidFrame) {
				t.Errorf("Capture() error = %v, want ErrInvalidFrame", err)
			}
			if store.HasReference() {
				t.Error("Failed capture must not install a reference")
			}
		})
	}
}

func TestCapture_EmptyDescriptors(t *testing.T) {
	textured := noiseImage(32, 32, 4)
	blank := solidImage(32, 32, color.RGBA{128, 128, 128, 255})

	t.Run("Rejected by default", func(t *testing.T) {
		store := NewReferenceStore(&gridExtractor{}, WithOutputDir(""))
		if _, err := store.Capture(textured); err != nil {
			t.Fatalf("Capture failed: %v", err)
		}
		prev := store.Snapshot()

		if _, err := store.Capture(blank); !errors.Is(err, ErrNoDescriptors) {
			t.Fatalf("Capture() error = %v, want ErrNoDescriptors", err)
		}
		if store.Snapshot() != prev {
			t.Error("Rejected capture replaced the previous reference")
		}
	})

	t.Run("Allowed overwrite", func(t *testing.T) {
		store := NewReferenceStore(&gridExtractor{}, WithOutputDir(""), WithAllowEmpty(true))
		if _, err := store.Capture(textured); err != nil {
			t.Fatalf("Capture failed: %v", err)
		}
		if _, err := store.Capture(blank); err != nil {
			t.Fatalf("Capture failed: %v", err)
		}
		if !store.HasReference() {
			t.Error("Expected an (empty) reference to be recorded")
		}
		if len(store.Descriptors()) != 0 {
			t.Errorf("Expected 0 descriptors, got %d", len(store.Descriptors()))
		}
	})
}

func TestCapture_ExtractorError(t *testing.T) {
	store := NewReferenceStore(failingExtractor{}, WithOutputDir(""))
	_, err := store.Capture(noiseImage(8, 8, 1))
	if !errors.Is(err, errExtract) {
		t.Fatalf("Capture() error = %v, want wrapped extractor error", err)
	}
	if store.HasReference() {
		t.Error("Failed capture must not install a reference")
	}
}

func TestCapture_PersistsTimestampedImage(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "captured_references")
	at := time.Date(2026, 10, 17, 14, 25, 1, 0, time.Local)
	store := NewReferenceStore(&gridExtractor{}, WithOutputDir(dir), WithClock(func() time.Time { return at }))

	ref, err := store.Capture(noiseImage(32, 32, 5))
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}

	want := filepath.Join(dir, "reference_20261017_142501.jpg")
	if ref.Path != want {
		t.Errorf("Path = %q, want %q", ref.Path, want)
	}
	info, err := os.Stat(want)
	if err != nil {
		t.Fatalf("Reference image not written: %v", err)
	}
	if info.Size() == 0 {
		t.Error("Reference image is empty")
	}
}

// oversizedImage reports bounds the JPEG encoder refuses without touching pixels.
type oversizedImage struct{}

func (oversizedImage) ColorModel() color.Model { return color.RGBAModel }
func (oversizedImage) Bounds() image.Rectangle  { return image.Rect(0, 0, 1<<16, 1) }
func (oversizedImage) At(x, y int) color.Color  { return color.RGBA{} }

func TestWriteReferenceImage_FailureLeavesNoFile(t *testing.T) {
	at := time.Date(2026, 10, 17, 9, 0, 0, 0, time.Local)
	tests := []struct {
		name string
		dir  func(t *testing.T) string
		img  image.Image
	}{
		{
			name: "Encode failure",
			dir:  func(t *testing.T) string { return t.TempDir() },
			img:  oversizedImage{},
		},
		{
			name: "Existing directory at target path",
			dir: func(t *testing.T) string {
				dir := t.TempDir()
				if err := os.Mkdir(filepath.Join(dir, ReferenceFilename(at)), 0755); err != nil {
					t.Fatal(err)
				}
				return dir
			},
			img: noiseImage(16, 16, 1),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := tt.dir(t)
			before, _ := os.ReadDir(dir)
			if _, err := writeReferenceImage(dir, tt.img, at); err == nil {
				t.Fatal("Expected writeReferenceImage to fail")
			}
			after, _ := os.ReadDir(dir)
			if len(after) != len(before) {
				t.Errorf("directory changed from %d to %d entries", len(before), len(after))
			}
		})
	}
}

func TestReferenceFilename(t *testing.T) {
	got := ReferenceFilename(time.Date(2024, 1, 2, 3, 4, 5, 999, time.UTC))
	if got != "reference_20240102_030405.jpg" {
		t.Errorf("ReferenceFilename() = %q", got)
	}
}

// tagExtractor emits descriptors carrying the first gray pixel value, which
// lets a reader check that an image and its descriptors belong together.
type tagExtractor struct{}

func (tagExtractor) Extract(gray *image.Gray) ([]Descriptor, error) {
	v := float32(gray.Pix[0])
	return []Descriptor{{v, 0}, {v, 1}, {v, 2}}, nil
}

func TestSnapshot_ConsistentUnderConcurrentCapture(t *testing.T) {
	store := NewReferenceStore(tagExtractor{}, WithOutputDir(""))
	if _, err := store.Capture(solidImage(4, 4, color.RGBA{0, 0, 0, 255})); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			v := uint8(i % 256)
			store.Capture(solidImage(4, 4, color.RGBA{v, v, v, 255}))
		}
		close(stop)
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				ref := store.Snapshot()
				if float32(ref.Image.Pix[0]) != ref.Descriptors[0][0] {
					t.Errorf("Mixed reference: image %d, descriptors %v", ref.Image.Pix[0], ref.Descriptors[0][0])
					return
				}
			}
		}()
	}
	wg.Wait()
}
