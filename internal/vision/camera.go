package vision

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/andresmejia3/lookout/internal/pipeline"
	"gocv.io/x/gocv"
)

// ErrGrabFailed is returned when the device delivers no frame.
var ErrGrabFailed = errors.New("failed to grab frame")

// Camera reads frames from a capture device or a video file.
type Camera struct {
	cap  *gocv.VideoCapture
	mat  gocv.Mat
	file bool
}

// OpenCamera opens source, which is either a device index ("0") or a file path,
// and requests the given resolution from devices.
func OpenCamera(source string, width, height int) (*Camera, error) {
	var (
		vc   *gocv.VideoCapture
		err  error
		file bool
	)
	if id, convErr := strconv.Atoi(source); convErr == nil {
		vc, err = gocv.VideoCaptureDevice(id)
	} else {
		file = true
		vc, err = gocv.VideoCaptureFile(source)
	}
	if err != nil {
		return nil, fmt.Errorf("open video source %q: %w", source, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("video source %q is not available", source)
	}
	if !file && width > 0 && height > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(width))
		vc.Set(gocv.VideoCaptureFrameHeight, float64(height))
	}
	return &Camera{cap: vc, mat: gocv.NewMat(), file: file}, nil
}

// Read grabs the next frame. A finished video file yields io.EOF.
func (c *Camera) Read(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ok := c.cap.Read(&c.mat); !ok || c.mat.Empty() {
		if c.file {
			return nil, io.EOF
		}
		return nil, ErrGrabFailed
	}
	img, err := c.mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("convert frame: %w", err)
	}
	return img, nil
}

// Close releases the device.
func (c *Camera) Close() error {
	c.mat.Close()
	return c.cap.Close()
}

// Window is the live view. Show returns the command for any key pressed.
type Window struct {
	win *gocv.Window
}

// NewWindow opens a named display window.
func NewWindow(title string) *Window {
	return &Window{win: gocv.NewWindow(title)}
}

// Show displays frame and polls the keyboard for 1ms.
func (w *Window) Show(frame *image.RGBA) pipeline.Command {
	mat, err := gocv.ImageToMatRGB(frame)
	if err != nil {
		return pipeline.CommandNone
	}
	defer mat.Close()
	w.win.IMShow(mat)
	return pipeline.CommandForKey(w.win.WaitKey(1) & 0xFF)
}

// Close destroys the window.
func (w *Window) Close() error {
	return w.win.Close()
}

const (
	// RecordingCodec is the fourcc used for recordings.
	RecordingCodec = "XVID"
	// RecordingFPS is the nominal frame rate written to the container.
	RecordingFPS = 30.0
	// DefaultRecordingDir is where recordings are written.
	DefaultRecordingDir = "recordings"
)

// RecordingFilename returns the file name for a recording started at t.
func RecordingFilename(t time.Time) string {
	return fmt.Sprintf("recording_%s.avi", t.Format("20060102_150405"))
}

// Recorder writes raw frames to timestamped AVI files.
type Recorder struct {
	Dir string
	FPS float64
	// OnFinish is called with the path of each completed recording.
	OnFinish func(path string)

	writer *gocv.VideoWriter
	path   string
}

// NewRecorder creates a recorder writing into dir.
func NewRecorder(dir string) *Recorder {
	if dir == "" {
		dir = DefaultRecordingDir
	}
	return &Recorder{Dir: dir, FPS: RecordingFPS}
}

// Start opens a new timestamped recording in Dir sized to the incoming frames.
func (r *Recorder) Start(size image.Point) error {
	return r.StartFile(filepath.Join(r.Dir, RecordingFilename(time.Now())), size)
}

// StartFile opens a recording at an explicit path.
func (r *Recorder) StartFile(path string, size image.Point) error {
	if r.writer != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create recording dir: %w", err)
	}
	vw, err := gocv.VideoWriterFile(path, RecordingCodec, r.FPS, size.X, size.Y, true)
	if err != nil {
		return fmt.Errorf("open video writer: %w", err)
	}
	if !vw.IsOpened() {
		vw.Close()
		return fmt.Errorf("video writer for %s did not open", path)
	}
	r.writer, r.path = vw, path
	return nil
}

// Write appends one frame to the open recording.
func (r *Recorder) Write(frame image.Image) error {
	if r.writer == nil {
		return errors.New("recorder is not active")
	}
	mat, err := gocv.ImageToMatRGB(frame)
	if err != nil {
		return fmt.Errorf("convert frame: %w", err)
	}
	defer mat.Close()
	return r.writer.Write(mat)
}

// Stop finalises the current recording.
func (r *Recorder) Stop() error {
	if r.writer == nil {
		return nil
	}
	err := r.writer.Close()
	path := r.path
	r.writer, r.path = nil, ""
	if err != nil {
		return fmt.Errorf("close recording: %w", err)
	}
	if r.OnFinish != nil {
		r.OnFinish(path)
	}
	return nil
}

// Active reports whether a recording is open.
func (r *Recorder) Active() bool {
	return r.writer != nil
}

// Path is the file currently being written, empty when idle.
func (r *Recorder) Path() string {
	return r.path
}
