package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"os"
	"testing"
	"time"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

func writeDetection(buf *bytes.Buffer, box [4]float32, conf float32, label string) {
	binary.Write(buf, binary.BigEndian, box)
	binary.Write(buf, binary.BigEndian, conf)
	binary.Write(buf, binary.BigEndian, uint16(len(label)))
	buf.WriteString(label)
}

func framed(payload []byte) *MockCloser {
	m := &MockCloser{Buffer: new(bytes.Buffer)}
	binary.Write(m, binary.BigEndian, uint32(len(payload)))
	m.Write(payload)
	return m
}

func TestProcessFrame(t *testing.T) {
	// 1. Setup Mocks
	// stdinMock simulates the pipe TO Python (we write to it)
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}

	// 2. Pre-fill the data pipe with a fake response from "Python"
	// Protocol: [Status:0] [N:2] [Box] [Conf] [LabelLen] [Label] ...
	payload := new(bytes.Buffer)
	payload.WriteByte(0)
	binary.Write(payload, binary.BigEndian, uint32(2))
	writeDetection(payload, [4]float32{10, 20, 110, 220}, 0.91, "person")
	writeDetection(payload, [4]float32{5, 5, 15, 15}, 0.55, "dog")

	// 3. Create Worker with mocks injected
	w := &DetectWorker{
		ID:       1,
		Stdin:    stdinMock,
		DataPipe: framed(payload.Bytes()),
		// Cmd is nil because we aren't testing process management, just the protocol
	}

	// 4. Execute the function under test
	inputFrame := []byte{0xDE, 0xAD, 0xBE, 0xEF} // Fake image bytes
	dets, err := w.ProcessFrame(inputFrame, 0.5)
	if err != nil {
		t.Fatalf("ProcessFrame failed: %v", err)
	}

	// 5. Assertions

	// Verify Go sent [Len][Conf][Frame] TO Python
	sent := stdinMock.Bytes()
	if len(sent) != 4+4+len(inputFrame) {
		t.Fatalf("Expected %d bytes sent, got %d", 4+4+len(inputFrame), len(sent))
	}
	if got := binary.BigEndian.Uint32(sent[:4]); got != uint32(4+len(inputFrame)) {
		t.Errorf("Length header = %d, want %d", got, 4+len(inputFrame))
	}
	if conf := math.Float32frombits(binary.BigEndian.Uint32(sent[4:8])); conf != 0.5 {
		t.Errorf("Confidence sent = %v, want 0.5", conf)
	}
	if !bytes.Equal(sent[8:], inputFrame) {
		t.Errorf("Frame bytes sent = %X, want %X", sent[8:], inputFrame)
	}

	// Verify Go read the correct data FROM Python
	if len(dets) != 2 {
		t.Fatalf("Expected 2 detections, got %d", len(dets))
	}
	if dets[0].Box != image.Rect(10, 20, 110, 220) {
		t.Errorf("Box = %v, want (10,20)-(110,220)", dets[0].Box)
	}
	if dets[0].Label != "person" || dets[1].Label != "dog" {
		t.Errorf("Labels = %q, %q", dets[0].Label, dets[1].Label)
	}
	if math.Abs(dets[0].Confidence-0.91) > 1e-6 {
		t.Errorf("Confidence = %v, want ~0.91", dets[0].Confidence)
	}
}

func TestProcessFrame_Error(t *testing.T) {
	// 1. Setup Mocks
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}

	// 2. Pre-fill with an ERROR response from "Python"
	// Protocol: [Status:1] [MsgLen] [Msg]
	payload := new(bytes.Buffer)
	payload.WriteByte(1) // Status ERROR

	errMsg := "Python Exception: Import Error"
	binary.Write(payload, binary.BigEndian, uint32(len(errMsg)))
	payload.WriteString(errMsg)

	// 3. Create Worker
	w := &DetectWorker{
		ID:       1,
		Stdin:    stdinMock,
		DataPipe: framed(payload.Bytes()),
	}

	// 4. Execute
	_, err := w.ProcessFrame([]byte("frame"), 0.5)

	// 5. Assertions
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if err.Error() != "python worker error: "+errMsg {
		t.Errorf("Expected error message '%s', got '%v'", "python worker error: "+errMsg, err)
	}
}

func TestProcessFrame_Truncated(t *testing.T) {
	payload := new(bytes.Buffer)
	payload.WriteByte(0)
	binary.Write(payload, binary.BigEndian, uint32(3)) // Claims 3, sends none

	w := &DetectWorker{
		Stdin:    &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe: framed(payload.Bytes()),
	}
	if _, err := w.ProcessFrame([]byte("frame"), 0.5); err == nil {
		t.Fatal("Expected error for truncated response")
	}
}

func TestProcessFrame_CrashedWorker(t *testing.T) {
	// Empty data pipe: the process died before answering.
	w := &DetectWorker{
		Stdin:    &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe: &MockCloser{Buffer: new(bytes.Buffer)},
	}
	if _, err := w.ProcessFrame([]byte("frame"), 0.5); err == nil {
		t.Fatal("Expected error when the worker returns nothing")
	}
}

func TestDetect_EncodesJPEG(t *testing.T) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	payload := []byte{0, 0, 0, 0, 0} // OK, zero detections

	w := &DetectWorker{Stdin: stdinMock, DataPipe: framed(payload)}
	dets, err := w.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 8, 8)), 0.25)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if len(dets) != 0 {
		t.Errorf("Expected no detections, got %d", len(dets))
	}

	sent := stdinMock.Bytes()
	if len(sent) < 10 || sent[8] != 0xFF || sent[9] != 0xD8 {
		t.Error("Expected a JPEG payload after the confidence field")
	}
}

func TestDetect_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := &DetectWorker{Stdin: &MockCloser{Buffer: new(bytes.Buffer)}, DataPipe: &MockCloser{Buffer: new(bytes.Buffer)}}
	if _, err := w.Detect(ctx, image.NewRGBA(image.Rect(0, 0, 2, 2)), 0.5); err == nil {
		t.Fatal("Expected context error")
	}
}

// slowWorker answers every request on dataW after delay with one detection
// labelled "frame-<n>", like a detector that stalls on each frame.
func slowWorker(stdinR io.Reader, dataW io.Writer, delay time.Duration) {
	for n := 1; ; n++ {
		var size uint32
		if err := binary.Read(stdinR, binary.BigEndian, &size); err != nil {
			return
		}
		if _, err := io.CopyN(io.Discard, stdinR, int64(size)); err != nil {
			return
		}
		time.Sleep(delay)

		payload := new(bytes.Buffer)
		payload.WriteByte(0)
		binary.Write(payload, binary.BigEndian, uint32(1))
		writeDetection(payload, [4]float32{0, 0, 1, 1}, 0.9, fmt.Sprintf("frame-%d", n))
		binary.Write(dataW, binary.BigEndian, uint32(payload.Len()))
		dataW.Write(payload.Bytes())
	}
}

func TestProcessFrame_TimeoutBreaksWorker(t *testing.T) {
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	dataR, dataW, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer stdinR.Close()
	defer dataW.Close()
	go slowWorker(stdinR, dataW, 100*time.Millisecond)

	w := &DetectWorker{Stdin: stdinW, DataPipe: dataR, Timeout: 50 * time.Millisecond}
	defer w.Close()

	if _, err := w.ProcessFrame([]byte("frame 1"), 0.5); err == nil {
		t.Fatal("Expected frame 1 to time out")
	}

	// Give the late reply time to land where frame 2 would read it.
	time.Sleep(150 * time.Millisecond)

	dets, err := w.ProcessFrame([]byte("frame 2"), 0.5)
	if err == nil {
		t.Fatalf("Expected frame 2 to fail, got detections %+v", dets)
	}
	if !errors.Is(err, ErrWorkerBroken) {
		t.Errorf("Expected ErrWorkerBroken, got %v", err)
	}
	if _, err := w.Communicate([]byte("frame 3")); !errors.Is(err, ErrWorkerBroken) {
		t.Errorf("Expected ErrWorkerBroken on later calls, got %v", err)
	}
}

func TestProcessFrame_FailureModes(t *testing.T) {
	errBody := new(bytes.Buffer)
	errBody.WriteByte(1)
	binary.Write(errBody, binary.BigEndian, uint32(4))
	errBody.WriteString("oops")

	// Worker-side error followed by a valid empty reply.
	replies := framed(errBody.Bytes())
	binary.Write(replies, binary.BigEndian, uint32(5))
	replies.Write([]byte{0, 0, 0, 0, 0})

	tests := []struct {
		name       string
		data       *MockCloser
		wantBroken bool
	}{
		{"Worker-side error keeps the stream", replies, false},
		{"Partial header breaks the worker", &MockCloser{Buffer: bytes.NewBuffer([]byte{0, 0})}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &DetectWorker{Stdin: &MockCloser{Buffer: new(bytes.Buffer)}, DataPipe: tt.data}
			if _, err := w.ProcessFrame([]byte("a"), 0.5); err == nil {
				t.Fatal("Expected the first call to fail")
			}

			_, err := w.ProcessFrame([]byte("b"), 0.5)
			if tt.wantBroken && !errors.Is(err, ErrWorkerBroken) {
				t.Errorf("Expected ErrWorkerBroken, got %v", err)
			}
			if !tt.wantBroken && err != nil {
				t.Errorf("Expected the second call to succeed, got %v", err)
			}
		})
	}
}
