package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/andresmejia3/lookout/internal/utils"
	"github.com/andresmejia3/lookout/internal/vision"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var (
	recordOutput   string
	recordDevice   string
	recordDuration time.Duration
	recordUpload   bool
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record raw camera frames to an AVI file without detection",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runRecord(cmd.Context())
	},
}

func init() {
	recordCmd.Flags().StringVarP(&recordOutput, "output", "o", "", "Output file (default: recordings/recording_<timestamp>.avi)")
	recordCmd.Flags().StringVarP(&recordDevice, "device", "d", "", "Camera device index or video file (default from config: 0)")
	recordCmd.Flags().DurationVarP(&recordDuration, "duration", "t", 0, "Stop after this long (0 = until Ctrl+C)")
	recordCmd.Flags().BoolVarP(&recordUpload, "upload", "u", false, "Upload the recording to YouTube when finished")
	rootCmd.AddCommand(recordCmd)
}

func runRecord(ctx context.Context) error {
	if recordDuration < 0 {
		err := fmt.Errorf("must be >= 0, got %s", recordDuration)
		utils.ShowError("Invalid duration", err, nil)
		return err
	}
	if recordDevice != "" {
		Cfg.Camera.Device = recordDevice
	}
	if recordDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, recordDuration)
		defer cancel()
	}

	cam, err := vision.OpenCamera(Cfg.Camera.Device, Cfg.Camera.Width, Cfg.Camera.Height)
	if err != nil {
		utils.ShowError("Could not open camera", err, nil)
		return err
	}
	defer cam.Close()

	// The first frame fixes the writer's dimensions.
	first, err := cam.Read(ctx)
	if err != nil {
		utils.ShowError("Failed to grab frame", err, nil)
		return err
	}

	rec := vision.NewRecorder(Cfg.Output.RecordingDir)
	if recordOutput != "" {
		err = rec.StartFile(recordOutput, first.Bounds().Size())
	} else {
		err = rec.Start(first.Bounds().Size())
	}
	if err != nil {
		utils.ShowError("Failed to start recording", err, nil)
		return err
	}
	path := rec.Path()
	fmt.Fprintf(os.Stderr, "🔴 Recording to %s (Ctrl+C to stop)\n", path)

	bar := progressbar.NewOptions64(-1,
		progressbar.OptionSetDescription("Recording"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)

	frames := 0
	for frame := first; ; {
		if err := rec.Write(frame); err != nil {
			rec.Stop()
			utils.ShowError("Recording write failed", err, nil)
			return err
		}
		frames++
		bar.Add(1)

		frame, err = cam.Read(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				break
			}
			rec.Stop()
			utils.ShowError("Failed to grab frame", err, nil)
			return err
		}
	}
	bar.Finish()

	if err := rec.Stop(); err != nil {
		utils.ShowError("Failed to finalise recording", err, nil)
		return err
	}
	fmt.Fprintf(os.Stderr, "\n⏹️  Recording stopped: %d frames written to %s\n", frames, path)

	if recordUpload {
		// The record context may have expired; the upload gets its own.
		return runUpload(context.Background(), path)
	}
	return nil
}
