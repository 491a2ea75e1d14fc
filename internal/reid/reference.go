package reid

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultReferenceDir is where captured reference images are written.
const DefaultReferenceDir = "captured_references"

// referenceJPEGQuality matches OpenCV's imwrite default.
const referenceJPEGQuality = 95

// Reference is a captured appearance. It is never modified after capture;
// callers must treat Image and Descriptors as read-only.
type Reference struct {
	Image       *image.RGBA
	Descriptors []Descriptor
	CapturedAt  time.Time
	// Path is the file the raw image was written to, empty if persistence is disabled.
	Path string
}

// ReferenceStore holds zero or one Reference. Captures replace the whole record
// atomically, so readers always see an image and descriptor set taken together.
type ReferenceStore struct {
	extractor  Extractor
	dir        string
	allowEmpty bool
	now        func() time.Time

	mu      sync.Mutex // serializes captures
	current atomic.Pointer[Reference]
}

// StoreOption configures a ReferenceStore.
type StoreOption func(*ReferenceStore)

// WithOutputDir sets the directory for captured images. An empty dir disables
// writing the image to disk.
func WithOutputDir(dir string) StoreOption {
	return func(s *ReferenceStore) { s.dir = dir }
}

// WithAllowEmpty lets a capture that yields no descriptors replace the current
// reference, instead of failing with ErrNoDescriptors.
func WithAllowEmpty(allow bool) StoreOption {
	return func(s *ReferenceStore) { s.allowEmpty = allow }
}

// WithClock overrides the wall clock used for capture timestamps.
func WithClock(now func() time.Time) StoreOption {
	return func(s *ReferenceStore) { s.now = now }
}

// NewReferenceStore creates an empty store that extracts descriptors with e.
func NewReferenceStore(e Extractor, opts ...StoreOption) *ReferenceStore {
	s := &ReferenceStore{
		extractor: e,
		dir:       DefaultReferenceDir,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Capture extracts descriptors from a grayscale copy of img and installs the
// result as the new reference. On any error the previous reference is kept.
func (s *ReferenceStore) Capture(img image.Image) (*Reference, error) {
	if !ValidFrame(img) {
		return nil, ErrInvalidFrame
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	owned := cloneRGBA(img)
	descs, err := s.extractor.Extract(Grayscale(owned))
	if err != nil {
		return nil, fmt.Errorf("extract reference descriptors: %w", err)
	}
	if len(descs) == 0 && !s.allowEmpty {
		return nil, ErrNoDescriptors
	}

	ref := &Reference{
		Image:       owned,
		Descriptors: descs,
		CapturedAt:  s.now(),
	}
	if s.dir != "" {
		path, err := writeReferenceImage(s.dir, owned, ref.CapturedAt)
		if err != nil {
			return nil, err
		}
		ref.Path = path
	}

	s.current.Store(ref)
	return ref, nil
}

// Snapshot returns the current reference, or nil when none was captured.
func (s *ReferenceStore) Snapshot() *Reference {
	return s.current.Load()
}

// HasReference reports whether a reference has been captured.
func (s *ReferenceStore) HasReference() bool {
	return s.current.Load() != nil
}

// Descriptors returns the current reference descriptors, or nil.
func (s *ReferenceStore) Descriptors() []Descriptor {
	if ref := s.current.Load(); ref != nil {
		return ref.Descriptors
	}
	return nil
}

// Clear drops the current reference.
func (s *ReferenceStore) Clear() {
	s.current.Store(nil)
}

// ReferenceFilename returns the file name used for a capture taken at t.
func ReferenceFilename(t time.Time) string {
	return fmt.Sprintf("reference_%s.jpg", t.Format("20060102_150405"))
}

// writeReferenceImage encodes img before touching the disk and removes the
// file again if writing fails, so a failed capture leaves nothing behind.
func writeReferenceImage(dir string, img image.Image, t time.Time) (string, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: referenceJPEGQuality}); err != nil {
		return "", fmt.Errorf("encode reference image: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create reference dir: %w", err)
	}
	path := filepath.Join(dir, ReferenceFilename(t))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create reference image: %w", err)
	}
	if _, err := buf.WriteTo(f); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write reference image: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("write reference image: %w", err)
	}
	return path, nil
}
