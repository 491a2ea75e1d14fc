package cmd

import (
	"context"
	"errors"
	"fmt"
	"image"
	"net/http"
	"os"

	"github.com/andresmejia3/lookout/internal/control"
	"github.com/andresmejia3/lookout/internal/events"
	"github.com/andresmejia3/lookout/internal/pipeline"
	"github.com/andresmejia3/lookout/internal/render"
	"github.com/andresmejia3/lookout/internal/store"
	"github.com/andresmejia3/lookout/internal/utils"
	"github.com/andresmejia3/lookout/internal/vision"
	"github.com/andresmejia3/lookout/internal/worker"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/time/rate"
)

var (
	liveOpts   Options
	liveDevice string
	liveListen string
	liveNATS   string
	liveMaxFPS float64
)

var liveCmd = &cobra.Command{
	Use:   "live",
	Short: "Open the camera and highlight people who match the captured reference",
	Long: `Runs the live loop: detect people, score the frame against the reference, draw the result.

Keys in the live window:
  c  capture the current frame as the reference
  r  start/stop recording
  q  quit (ESC also works)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runLive(cmd.Context(), cmd.Flags(), liveOpts)
	},
}

func init() {
	liveCmd.Flags().StringVarP(&liveDevice, "device", "d", "", "Camera device index or video file (default from config: 0)")
	liveCmd.Flags().StringVarP(&liveOpts.ReferencePath, "reference", "R", "", "Preload the reference from an image file")
	liveCmd.Flags().StringVar(&liveListen, "listen", "", "Serve the control API on this address, e.g. :8080")
	liveCmd.Flags().StringVar(&liveNATS, "nats", "", "Publish captures and verdicts to this NATS server")
	liveCmd.Flags().Float64Var(&liveMaxFPS, "max-fps", 0, "Cap the processing rate (0 = unlimited)")
	bindMatchFlags(liveCmd, &liveOpts)
	bindDetectFlags(liveCmd, &liveOpts)

	rootCmd.AddCommand(liveCmd)
}

func runLive(ctx context.Context, flags *pflag.FlagSet, opts Options) error {
	// Cancelling on return tears down the detector process and the control server.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := applyOverrides(Cfg, flags, &opts); err != nil {
		utils.ShowError("Configuration Error", err, nil)
		return err
	}
	if liveDevice != "" {
		Cfg.Camera.Device = liveDevice
	}
	if liveListen != "" {
		Cfg.Control.Listen = liveListen
	}
	if liveNATS != "" {
		Cfg.Events.NATSURL = liveNATS
	}
	if liveMaxFPS > 0 {
		Cfg.Camera.MaxFPS = liveMaxFPS
	}

	// 1. Matching engine. The store and the scorer each own an extractor so a
	// remote capture never shares SIFT state with the frame loop.
	refs, refExt := newReferenceStore(Cfg, Cfg.Output.ReferenceDir)
	defer refExt.Close()
	scorer, scoreExt := newScorer(Cfg.Matching)
	defer scoreExt.Close()

	if opts.ReferencePath != "" {
		img, err := loadImage(opts.ReferencePath)
		if err != nil {
			utils.ShowError("Failed to load reference image", err, nil)
			return err
		}
		ref, err := refs.Capture(img)
		if err != nil {
			utils.ShowError("Reference image has no usable features", err, nil)
			return err
		}
		fmt.Fprintf(os.Stderr, "📸 Reference loaded from %s (%d descriptors)\n", opts.ReferencePath, len(ref.Descriptors))
	}

	// 2. Person detector
	fmt.Fprintln(os.Stderr, "🚀 Warming up engines...")
	det, err := worker.NewDetectWorker(ctx, 0, detectConfig(Cfg))
	if err != nil {
		utils.ShowError("Worker startup failed", err, nil)
		return err
	}
	defer det.Close()

	// 3. Camera & window
	cam, err := vision.OpenCamera(Cfg.Camera.Device, Cfg.Camera.Width, Cfg.Camera.Height)
	if err != nil {
		utils.ShowError("Could not open camera", err, nil)
		return err
	}
	defer cam.Close()

	win := vision.NewWindow("Lookout")
	defer win.Close()

	rec := vision.NewRecorder(Cfg.Output.RecordingDir)
	rec.OnFinish = func(path string) {
		fmt.Fprintf(os.Stderr, "💾 Saved %s\n", path)
	}

	renderer := render.New()
	sessionID := uuid.New()

	s := &pipeline.Session{
		Source: cam,
		Processor: &pipeline.Processor{
			Detector:   det,
			Store:      refs,
			Scorer:     scorer,
			Renderer:   renderer,
			Confidence: Cfg.Detector.Confidence,
		},
		Display:  win,
		Recorder: rec,
		Overlay: func(frame *image.RGBA, recording bool) {
			renderer.Overlay(frame, render.DefaultInstructions, recording)
		},
		Log:    Log,
		Status: os.Stderr,
	}
	if Cfg.Camera.MaxFPS > 0 {
		s.Limiter = rate.NewLimiter(rate.Limit(Cfg.Camera.MaxFPS), 1)
	}

	// 4. Optional observers: journal, event stream, control API
	if Cfg.Database.URL != "" {
		if err := openDB(ctx); err != nil {
			utils.ShowError("Database unavailable", err, nil)
			return err
		}
		sessionID, err = DB.StartSession(ctx, Cfg.Camera.Device)
		if err != nil {
			utils.ShowError("Failed to start journal session", err, nil)
			return err
		}
		s.Observers = append(s.Observers, &store.Journal{Store: DB, Session: sessionID, Log: Log})
		fmt.Fprintf(os.Stderr, "🗄️  Journaling session %s\n", sessionID)
	}

	if Cfg.Events.NATSURL != "" {
		pub, err := events.Connect(Cfg.Events.NATSURL, Cfg.Events.Subject, sessionID.String(), Log)
		if err != nil {
			utils.ShowError("Failed to connect to NATS", err, nil)
			return err
		}
		defer pub.Close()
		s.Observers = append(s.Observers, pub)
		fmt.Fprintf(os.Stderr, "📡 Publishing to %s and %s\n", pub.CaptureSubject(), pub.VerdictSubject())
	}

	if Cfg.Control.Listen != "" {
		commands := make(chan pipeline.Command, 1)
		limiter := rate.NewLimiter(rate.Limit(Cfg.Control.CaptureRate), Cfg.Control.CaptureBurst)
		srv := control.New(refs, commands, limiter, Log)
		s.Commands = commands
		s.Observers = append(s.Observers, srv)

		go func() {
			if err := srv.Serve(ctx, Cfg.Control.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
				utils.Die("Control API failed", err, nil)
			}
		}()
		fmt.Fprintf(os.Stderr, "🌐 Control API listening on %s\n", Cfg.Control.Listen)
	}

	fmt.Fprintln(os.Stderr, "👀 Watching. Press 'c' to capture a reference, 'q' to quit.")
	if err := s.Run(ctx); err != nil {
		utils.ShowError("Live session ended", err, det.Cmd)
		return err
	}
	return nil
}
