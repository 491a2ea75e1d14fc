package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"math"
	"os"
	"time"

	"github.com/andresmejia3/lookout/internal/types"
	"github.com/andresmejia3/lookout/internal/utils" // Using the SafeCommand wrapper
)

const (
	statusOK    = 0
	statusError = 1

	// frameJPEGQuality is used when a decoded frame has to be re-encoded for the worker.
	frameJPEGQuality = 90
)

// DetectConfig describes how to launch the detector process.
type DetectConfig struct {
	Python      string // interpreter, e.g. python3
	Script      string // path to the detector script
	ModelPath   string // YOLO weights passed to the script
	ReadTimeout time.Duration
}

// ErrWorkerBroken is returned by every call after the pipe protocol lost sync.
var ErrWorkerBroken = errors.New("detector worker is broken")

// DetectWorker drives one Python YOLO process over a length-prefixed pipe protocol.
type DetectWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
	Timeout  time.Duration

	// broken holds the I/O error that desynchronised the stream. A reply that
	// arrives after a timeout would otherwise be read as the next frame's.
	broken error
}

// NewDetectWorker starts the detector process. The model is loaded once per process.
func NewDetectWorker(ctx context.Context, id int, cfg DetectConfig) (*DetectWorker, error) {
	// 1. Initialize the SafeCommand
	py := utils.NewSafeCommand(ctx, cfg.Python, "-u", cfg.Script, "--model", cfg.ModelPath)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close() // Close read-end too!
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close() // Close write end if start fails
		r.Close() // Close read-end too!
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &DetectWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
		Timeout:  cfg.ReadTimeout,
	}, nil
}

// Communicate sends one framed request and returns the framed response body.
// Any write, read or timeout error kills the process and breaks the worker for
// good: later calls fail with ErrWorkerBroken.
func (w *DetectWorker) Communicate(data []byte) ([]byte, error) {
	if w.broken != nil {
		return nil, fmt.Errorf("%w: %v", ErrWorkerBroken, w.broken)
	}

	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, w.fail(err)
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, w.fail(err)
	}

	// A hung model would otherwise block the frame loop forever.
	if d, ok := w.DataPipe.(interface{ SetReadDeadline(time.Time) error }); ok && w.Timeout > 0 {
		d.SetReadDeadline(time.Now().Add(w.Timeout))
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, w.fail(err) // This is where we catch the "ModuleNotFoundError" crash
	}

	respLen := binary.BigEndian.Uint32(header)
	respBody := make([]byte, respLen)
	if _, err := io.ReadFull(w.DataPipe, respBody); err != nil {
		return nil, w.fail(err)
	}
	return respBody, nil
}

// fail marks the worker broken and kills the process so nothing else is
// read from a stream whose framing can no longer be trusted.
func (w *DetectWorker) fail(err error) error {
	w.broken = err
	if w.Cmd != nil && w.Cmd.Process != nil {
		w.Cmd.Process.Kill()
	}
	w.DataPipe.Close()
	return err
}

// ProcessFrame runs detection on a JPEG frame with the given confidence threshold.
func (w *DetectWorker) ProcessFrame(frame []byte, conf float64) ([]types.Detection, error) {
	// Request: [Conf float32][JPEG]
	req := make([]byte, 4+len(frame))
	binary.BigEndian.PutUint32(req, math.Float32bits(float32(conf)))
	copy(req[4:], frame)

	resp, err := w.Communicate(req)
	if err != nil {
		return nil, err
	}
	return decodeDetections(resp)
}

// Detect encodes img as JPEG and runs it through the worker.
func (w *DetectWorker) Detect(ctx context.Context, img image.Image, conf float64) ([]types.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: frameJPEGQuality}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return w.ProcessFrame(buf.Bytes(), conf)
}

// Close shuts the worker down and waits for the process to exit.
func (w *DetectWorker) Close() {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd != nil {
		w.Cmd.Wait()
	}
}

// decodeDetections parses a response body.
// OK:    [Status:0][N uint32] N x ([X1 Y1 X2 Y2 float32][Conf float32][LabelLen uint16][Label])
// Error: [Status:1][MsgLen uint32][Msg]
func decodeDetections(body []byte) ([]types.Detection, error) {
	r := bytes.NewReader(body)
	status, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("empty worker response: %w", err)
	}

	if status == statusError {
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
			return nil, fmt.Errorf("malformed worker error: %w", err)
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(r, msg); err != nil {
			return nil, fmt.Errorf("malformed worker error: %w", err)
		}
		return nil, fmt.Errorf("python worker error: %s", msg)
	}
	if status != statusOK {
		return nil, fmt.Errorf("unknown worker status %d", status)
	}

	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("malformed detection count: %w", err)
	}

	dets := make([]types.Detection, 0, n)
	for i := uint32(0); i < n; i++ {
		var rec struct {
			Box  [4]float32
			Conf float32
			Len  uint16
		}
		if err := binary.Read(r, binary.BigEndian, &rec); err != nil {
			return nil, fmt.Errorf("malformed detection %d: %w", i, err)
		}
		label := make([]byte, rec.Len)
		if _, err := io.ReadFull(r, label); err != nil {
			return nil, fmt.Errorf("malformed label %d: %w", i, err)
		}
		dets = append(dets, types.Detection{
			Box: image.Rect(
				int(rec.Box[0]), int(rec.Box[1]),
				int(rec.Box[2]), int(rec.Box[3]),
			),
			Label:      string(label),
			Confidence: float64(rec.Conf),
		})
	}
	if r.Len() != 0 {
		return nil, errors.New("trailing bytes in worker response")
	}
	return dets, nil
}
