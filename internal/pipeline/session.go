package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"

	"github.com/andresmejia3/lookout/internal/reid"
	"github.com/andresmejia3/lookout/internal/worker"
	"golang.org/x/image/draw"
	"golang.org/x/time/rate"
)

// Command is an operator action sampled once per loop iteration.
type Command int

const (
	CommandNone Command = iota
	CommandCapture
	CommandToggleRecording
	CommandQuit
)

func (c Command) String() string {
	switch c {
	case CommandCapture:
		return "capture"
	case CommandToggleRecording:
		return "toggle-recording"
	case CommandQuit:
		return "quit"
	}
	return "none"
}

// CommandForKey maps the live-view keys to commands.
func CommandForKey(key int) Command {
	switch key {
	case 'c', 'C':
		return CommandCapture
	case 'r', 'R':
		return CommandToggleRecording
	case 'q', 'Q', 27: // ESC
		return CommandQuit
	}
	return CommandNone
}

// Source yields camera frames. io.EOF ends the session cleanly.
type Source interface {
	Read(ctx context.Context) (image.Image, error)
}

// Display shows a frame and returns the operator's key command, if any.
type Display interface {
	Show(frame *image.RGBA) Command
}

// Recorder writes raw frames to a video file while active.
type Recorder interface {
	Start(size image.Point) error
	Write(frame image.Image) error
	Stop() error
	Active() bool
}

// Observer is notified of frame reports and reference captures.
type Observer interface {
	OnFrame(ctx context.Context, r *Report)
	OnCapture(ctx context.Context, ref *reid.Reference)
}

// Overlay decorates the displayed frame (instructions, recording marker).
type Overlay func(frame *image.RGBA, recording bool)

// Session is the live loop: one frame in, one annotated frame out.
type Session struct {
	Source    Source
	Processor *Processor
	Display   Display
	Recorder  Recorder
	Overlay   Overlay
	Observers []Observer
	// Commands carries remote actions (e.g. the control API). Drained
	// without blocking once per iteration.
	Commands <-chan Command
	// Limiter caps the processing rate when set.
	Limiter *rate.Limiter

	Log    *slog.Logger
	Status io.Writer
}

// Run processes frames until the source ends, a quit command arrives or ctx
// is cancelled. Per-frame failures are logged and the loop moves on.
func (s *Session) Run(ctx context.Context) error {
	log := s.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	status := s.Status
	if status == nil {
		status = os.Stderr
	}
	defer s.stopRecording(status)

	index := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		if s.Limiter != nil {
			if err := s.Limiter.Wait(ctx); err != nil {
				return nil
			}
		}

		frame, err := s.Source.Read(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			fmt.Fprintln(status, "Failed to grab frame")
			return fmt.Errorf("read frame: %w", err)
		}
		index++

		var shown *image.RGBA
		report, err := s.Processor.Process(ctx, index, frame)
		if errors.Is(err, worker.ErrWorkerBroken) {
			fmt.Fprintf(status, "❌ Detector stopped responding: %v\n", err)
			return err
		}
		if err != nil {
			log.Warn("frame processing failed", "frame", index, "err", err)
		} else {
			log.Debug("frame processed",
				"frame", index,
				"persons", len(report.Annotations),
				"scored", report.Scored,
				"score", report.Verdict.Score,
				"matched", report.Verdict.Matched)
			shown = report.Frame
			for _, o := range s.Observers {
				o.OnFrame(ctx, report)
			}
		}
		if shown == nil && reid.ValidFrame(frame) {
			shown = copyRGBA(frame)
		}

		if s.Recorder != nil && s.Recorder.Active() {
			if err := s.Recorder.Write(frame); err != nil {
				log.Warn("recording write failed", "frame", index, "err", err)
			}
		}

		key := CommandNone
		if s.Display != nil && shown != nil {
			if s.Overlay != nil {
				s.Overlay(shown, s.Recorder != nil && s.Recorder.Active())
			}
			key = s.Display.Show(shown)
		}

		for _, cmd := range s.pending(key) {
			switch cmd {
			case CommandQuit:
				return nil
			case CommandCapture:
				s.capture(ctx, frame, status)
			case CommandToggleRecording:
				s.toggleRecording(frame, status)
			}
		}
	}
}

// pending gathers the key command plus any queued remote commands.
func (s *Session) pending(key Command) []Command {
	var cmds []Command
	if key != CommandNone {
		cmds = append(cmds, key)
	}
	if s.Commands == nil {
		return cmds
	}
	for {
		select {
		case c, ok := <-s.Commands:
			if !ok {
				return cmds
			}
			cmds = append(cmds, c)
		default:
			return cmds
		}
	}
}

func (s *Session) capture(ctx context.Context, frame image.Image, status io.Writer) {
	ref, err := s.Processor.Store.Capture(frame)
	if err != nil {
		fmt.Fprintf(status, "⚠️  Reference capture failed: %v\n", err)
		return
	}
	fmt.Fprintln(status, "Reference image captured!")
	if ref.Path != "" {
		fmt.Fprintf(status, "📸 Saved %s (%d descriptors)\n", ref.Path, len(ref.Descriptors))
	}
	for _, o := range s.Observers {
		o.OnCapture(ctx, ref)
	}
}

func (s *Session) toggleRecording(frame image.Image, status io.Writer) {
	if s.Recorder == nil {
		fmt.Fprintln(status, "⚠️  Recording is not configured")
		return
	}
	if s.Recorder.Active() {
		s.stopRecording(status)
		return
	}
	if err := s.Recorder.Start(frame.Bounds().Size()); err != nil {
		fmt.Fprintf(status, "⚠️  Failed to start recording: %v\n", err)
		return
	}
	fmt.Fprintln(status, "🔴 Recording started")
}

func (s *Session) stopRecording(status io.Writer) {
	if s.Recorder == nil || !s.Recorder.Active() {
		return
	}
	if err := s.Recorder.Stop(); err != nil {
		fmt.Fprintf(status, "⚠️  Failed to stop recording: %v\n", err)
		return
	}
	fmt.Fprintln(status, "⏹️  Recording stopped")
}

func copyRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(b)
	draw.Draw(out, b, img, b.Min, draw.Src)
	return out
}
