package cmd

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/andresmejia3/lookout/internal/events"
	"github.com/andresmejia3/lookout/internal/pipeline"
	"github.com/andresmejia3/lookout/internal/render"
	"github.com/andresmejia3/lookout/internal/store"
	"github.com/andresmejia3/lookout/internal/types"
	"github.com/andresmejia3/lookout/internal/utils"
	"github.com/andresmejia3/lookout/internal/worker"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const megabyte = 1024 * 1024

var scanOpts Options

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan a video file for the reference person with parallel engines",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runScan(cmd.Context(), cmd.Flags(), scanOpts)
	},
}

func init() {
	scanCmd.Flags().StringVarP(&scanOpts.InputPath, "input", "i", "", "Path to video")
	scanCmd.Flags().StringVarP(&scanOpts.ReferencePath, "reference", "R", "", "Reference image of the person to look for")
	scanCmd.Flags().StringVarP(&scanOpts.OutputPath, "output", "o", "", "Write an annotated copy of the video to this path")
	scanCmd.Flags().IntVarP(&scanOpts.NthFrame, "nth-frame", "n", 10, "Analysis interval (e.g. score every 10th frame)")
	scanCmd.Flags().IntVarP(&scanOpts.NumEngines, "engines", "e", 1, "Number of parallel engine workers")
	bindMatchFlags(scanCmd, &scanOpts)
	bindDetectFlags(scanCmd, &scanOpts)

	scanCmd.MarkFlagRequired("input")
	scanCmd.MarkFlagRequired("reference")
	rootCmd.AddCommand(scanCmd)
}

// Buffer pool to reduce GC pressure during scanning
var frameBufferPool = sync.Pool{
	New: func() interface{} { return make([]byte, 0, megabyte) },
}

// scanTask is a JPEG frame plus whether it should be scored or only decoded for output.
type scanTask struct {
	types.FrameTask
	Analyse bool
}

// scanResult wraps the output from a worker to be sent to the collector
type scanResult struct {
	Index  int
	Frame  image.Image
	Report *pipeline.Report // nil for frames that were only decoded
}

func runScan(ctx context.Context, flags *pflag.FlagSet, opts Options) error {
	// Create a cancellable context to ensure all child processes (FFmpeg, Python)
	// are killed immediately if this function returns early (e.g. on error).
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := validateScanFlags(&opts); err != nil {
		return err
	}
	if err := applyOverrides(Cfg, flags, &opts); err != nil {
		utils.ShowError("Configuration Error", err, nil)
		return err
	}

	// 1. Reference. Scans never write captures to disk.
	refImg, err := loadImage(opts.ReferencePath)
	if err != nil {
		utils.ShowError("Failed to load reference image", err, nil)
		return err
	}
	refs, refExt := newReferenceStore(Cfg, "")
	ref, err := refs.Capture(refImg)
	refExt.Close()
	if err != nil {
		utils.ShowError("Reference image has no usable features", err, nil)
		return err
	}
	fmt.Fprintf(os.Stderr, "📸 Reference: %s (%d descriptors)\n", opts.ReferencePath, len(ref.Descriptors))

	// 2. Video metadata
	fps, err := utils.GetVideoFPS(ctx, opts.InputPath)
	if err != nil {
		utils.ShowError("Failed to determine video FPS", err, nil)
		return err
	}
	totalVideoFrames := utils.GetTotalFrames(ctx, opts.InputPath)

	// Every frame is decoded when writing output so skipped frames can carry
	// the last known boxes. Otherwise only keyframes leave the splitter.
	step := opts.NthFrame
	var width, height int
	if opts.OutputPath != "" {
		step = 1
		width, height, err = utils.GetVideoDimensions(ctx, opts.InputPath)
		if err != nil {
			utils.ShowError("Failed to determine video dimensions", err, nil)
			return err
		}
	}

	// 3. Optional journal & event stream
	var observers []pipeline.Observer
	session, err := utils.GenerateVideoID(opts.InputPath)
	if err != nil {
		utils.ShowError("Failed to generate video ID", err, nil)
		return err
	}
	fmt.Fprintf(os.Stderr, "📼 Processing Video ID: %s\n", session[:12])
	if Cfg.Database.URL != "" {
		if err := openDB(ctx); err != nil {
			utils.ShowError("Database unavailable", err, nil)
			return err
		}
		sid, err := DB.StartSession(ctx, opts.InputPath)
		if err != nil {
			utils.ShowError("Failed to start journal session", err, nil)
			return err
		}
		session = sid.String()
		j := &store.Journal{Store: DB, Session: sid, Log: Log}
		j.OnCapture(ctx, ref)
		observers = append(observers, j)
	}
	if Cfg.Events.NATSURL != "" {
		pub, err := events.Connect(Cfg.Events.NATSURL, Cfg.Events.Subject, session, Log)
		if err != nil {
			utils.ShowError("Failed to connect to NATS", err, nil)
			return err
		}
		defer pub.Close()
		observers = append(observers, pub)
	}

	fmt.Fprintf(os.Stderr, "⚙️  Spawning %d Worker Engines...\n", opts.NumEngines)

	taskChan := make(chan scanTask, opts.NumEngines)
	resultsChan := make(chan scanResult, opts.NumEngines*2)
	errChan := make(chan error, opts.NumEngines+2)

	var wg sync.WaitGroup
	readyChan := make(chan bool, opts.NumEngines)

	// 4. Spawn the Engine Pool
	for i := 0; i < opts.NumEngines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			w, err := worker.NewDetectWorker(ctx, id, detectConfig(Cfg))
			if err != nil {
				utils.ShowError("Worker startup failed", err, nil)
				select {
				case errChan <- err:
				default:
				}
				return
			}
			defer w.Close()

			// SIFT state is per goroutine
			scorer, ext := newScorer(Cfg.Matching)
			defer ext.Close()
			proc := &pipeline.Processor{Detector: w, Store: refs, Scorer: scorer, Confidence: Cfg.Detector.Confidence}
			readyChan <- true

			for task := range taskChan {
				frame, err := jpeg.Decode(bytes.NewReader(task.Data))
				// Return buffer to pool immediately after decoding
				frameBufferPool.Put(task.Data[:0])
				if err != nil {
					fmt.Fprintf(os.Stderr, "\n⚠️ Worker %d could not decode frame %d: %v\n", id, task.Index, err)
					frame = nil
				}

				res := scanResult{Index: task.Index, Frame: frame}
				if task.Analyse && frame != nil {
					report, err := proc.Process(ctx, task.Index, frame)
					if err != nil {
						if ctx.Err() != nil {
							return
						}
						utils.ShowError("Frame processing failed", err, w.Cmd)
						select {
						case errChan <- err:
						default:
						}
						return
					}
					res.Report = report
				}

				select {
				case resultsChan <- res:
				case <-ctx.Done():
					return
				}
			}
		}(i)
	}

	// Wait for workers to be ready
	fmt.Fprintln(os.Stderr, "🚀 Warming up engines...")
	for i := 0; i < opts.NumEngines; i++ {
		select {
		case <-readyChan:
		case err := <-errChan:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// 5. Start FFmpeg
	ffmpeg := utils.NewFFmpegCmd(ctx, opts.InputPath)
	var stderrBuf bytes.Buffer
	ffmpeg.Stderr = &stderrBuf

	ffmpegOut, err := ffmpeg.StdoutPipe()
	if err != nil {
		utils.ShowError("Failed to create FFmpeg stdout pipe", err, nil)
		return err
	}
	if err := ffmpeg.Start(); err != nil {
		utils.ShowError("Failed to start FFmpeg", err, nil)
		return err
	}

	var (
		encoder   *encoderPipe
		renderer  = render.New()
		totalRead int
	)
	if opts.OutputPath != "" {
		encoder, err = startEncoder(ctx, opts.OutputPath, fps, width, height)
		if err != nil {
			return err
		}
	}

	// 6. Frame Splitter & Nth-Frame Logic
	go func() {
		defer close(taskChan)
		scanner := bufio.NewScanner(ffmpegOut)
		scanner.Buffer(make([]byte, megabyte), 64*megabyte)
		scanner.Split(utils.SplitJpeg)

		for idx := 0; scanner.Scan(); idx++ {
			totalRead++
			if idx%step != 0 {
				continue
			}
			buf := frameBufferPool.Get().([]byte)
			if cap(buf) < len(scanner.Bytes()) {
				buf = make([]byte, len(scanner.Bytes()))
			}
			buf = buf[:len(scanner.Bytes())]
			copy(buf, scanner.Bytes())

			select {
			case taskChan <- scanTask{FrameTask: types.FrameTask{Index: idx, Data: buf}, Analyse: idx%opts.NthFrame == 0}:
			case <-ctx.Done():
				return
			}
		}
		// Check for scanner errors (e.g. token too long, unexpected EOF)
		if err := scanner.Err(); err != nil {
			utils.ShowError("Frame scanner failed", err, nil)
			select {
			case errChan <- err:
			default:
			}
		}
	}()

	go func() {
		wg.Wait()
		close(resultsChan)
	}()

	var barTotal int64 = int64(totalVideoFrames)
	if barTotal <= 0 {
		barTotal = -1 // Trigger spinner mode
	}
	bar := progressbar.NewOptions64(barTotal,
		progressbar.OptionSetDescription("🔍 Lookout Scanning"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)

	// 7. Collector: re-order results (Worker 2 might finish before Worker 1)
	buffer := make(map[int]scanResult)
	nextFrame := 0
	tracker := newRangeTracker(fps)
	var (
		lastAnns []types.Annotation
		analysed int
		persons  int
		best     float64
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errChan:
			return err
		case res, ok := <-resultsChan:
			if !ok {
				goto Flush
			}
			buffer[res.Index] = res

			for {
				frame, ok := buffer[nextFrame]
				if !ok {
					break
				}
				delete(buffer, nextFrame)

				if r := frame.Report; r != nil {
					analysed++
					persons += len(r.Annotations)
					if r.Scored && r.Verdict.Score > best {
						best = r.Verdict.Score
					}
					tracker.Observe(r.Index, r.Scored && r.Verdict.Matched)
					lastAnns = r.Annotations
					for _, o := range observers {
						o.OnFrame(ctx, r)
					}
				}

				if encoder != nil && frame.Frame != nil {
					out := renderer.Render(frame.Frame, lastAnns)
					if err := encoder.Write(out); err != nil {
						utils.ShowError("Encoder write failed", err, nil)
						return err
					}
				}

				bar.Add(step)
				nextFrame += step
			}
		}
	}

Flush:
	// A result missing from the sequence means a worker bailed out.
	select {
	case err := <-errChan:
		return err
	default:
	}

	if encoder != nil {
		if err := encoder.Close(); err != nil {
			utils.ShowError("Encoder process failed", err, nil)
			return err
		}
	}
	if err := ffmpeg.Wait(); err != nil {
		if stderrBuf.Len() > 0 {
			fmt.Fprintf(os.Stderr, "\nFFmpeg Logs:\n%s\n", stderrBuf.String())
		}
		utils.ShowError("FFmpeg execution failed", err, nil)
		return err
	}
	bar.Finish()

	ranges := tracker.Close()
	printScanSummary(os.Stderr, ranges, analysed, totalRead, persons, best, opts.OutputPath)
	return nil
}

// encoderPipe feeds rendered frames to an ffmpeg encoder process.
type encoderPipe struct {
	cmd   *utils.SafeCommand
	stdin io.WriteCloser
}

func startEncoder(ctx context.Context, path string, fps float64, width, height int) (*encoderPipe, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		utils.ShowError("Failed to create output directory", err, nil)
		return nil, err
	}
	raw := utils.NewFFmpegEncoder(ctx, path, fps, width, height)
	cmd := &utils.SafeCommand{Cmd: raw, Stderr: &bytes.Buffer{}}
	cmd.Cmd.Stderr = cmd.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		utils.ShowError("Failed to create encoder pipe", err, nil)
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		utils.ShowError("Failed to start encoder", err, cmd)
		return nil, err
	}
	return &encoderPipe{cmd: cmd, stdin: stdin}, nil
}

func (e *encoderPipe) Write(frame *image.RGBA) error {
	_, err := e.stdin.Write(frame.Pix)
	return err
}

func (e *encoderPipe) Close() error {
	e.stdin.Close()
	if err := e.cmd.Wait(); err != nil {
		if e.cmd.Stderr.Len() > 0 {
			fmt.Fprintf(os.Stderr, "\nFFmpeg Logs:\n%s\n", e.cmd.Stderr.String())
		}
		return err
	}
	return nil
}

type timeRange struct {
	Start float64
	End   float64
}

// rangeTracker folds per-keyframe verdicts into contiguous matched time ranges.
type rangeTracker struct {
	fps    float64
	open   bool
	start  int
	last   int
	ranges []timeRange
}

func newRangeTracker(fps float64) *rangeTracker {
	if fps <= 0 {
		fps = 30
	}
	return &rangeTracker{fps: fps}
}

// Observe must be called in frame order.
func (t *rangeTracker) Observe(frame int, matched bool) {
	switch {
	case matched && !t.open:
		t.open, t.start, t.last = true, frame, frame
	case matched:
		t.last = frame
	case t.open:
		t.closeRange()
	}
}

// Close ends any open range and returns all ranges.
func (t *rangeTracker) Close() []timeRange {
	if t.open {
		t.closeRange()
	}
	return t.ranges
}

func (t *rangeTracker) closeRange() {
	t.ranges = append(t.ranges, timeRange{
		Start: float64(t.start) / t.fps,
		End:   float64(t.last) / t.fps,
	})
	t.open = false
}

func printScanSummary(w io.Writer, ranges []timeRange, analysed, total, persons int, best float64, output string) {
	fmt.Fprintf(w, "\n---------------------------------------------------------\n")
	fmt.Fprintf(w, "📊 SCAN SUMMARY\n")
	fmt.Fprintf(w, "---------------------------------------------------------\n")
	if len(ranges) == 0 {
		fmt.Fprintf(w, "\n🙈 Reference person not found.\n")
	} else {
		fmt.Fprintf(w, "\n👤 Reference person seen:\n")
		for _, r := range ranges {
			fmt.Fprintf(w, "   %s -> %s\n", fmtTime(r.Start), fmtTime(r.End))
		}
	}
	fmt.Fprintf(w, "\n---------------------------------------------------------\n")
	fmt.Fprintf(w, "🏁 Analysed %d keyframes out of %d total.\n", analysed, total)
	fmt.Fprintf(w, "👁️  Person Detections:   %d\n", persons)
	fmt.Fprintf(w, "🎯 Best Match Score:    %.2f\n", best)
	if output != "" {
		fmt.Fprintf(w, "💾 Annotated video:     %s\n", output)
	}
	fmt.Fprintf(w, "---------------------------------------------------------\n")
}

// validateScanFlags ensures all CLI arguments are valid before starting heavy processes.
func validateScanFlags(opts *Options) error {
	info, err := os.Stat(opts.InputPath)
	if err != nil {
		if os.IsNotExist(err) {
			utils.ShowError("Input file does not exist", err, nil)
			return err
		}
		utils.ShowError("Unable to access input file", err, nil)
		return err
	}
	if info.IsDir() {
		err := fmt.Errorf("is a directory")
		utils.ShowError("Input path is a directory, expected a video file", err, nil)
		return err
	}
	if _, err := os.Stat(opts.ReferencePath); err != nil {
		utils.ShowError("Reference image does not exist", err, nil)
		return err
	}
	if opts.NthFrame < 1 {
		err := fmt.Errorf("must be >= 1, got %d", opts.NthFrame)
		utils.ShowError("Invalid nth-frame interval", err, nil)
		return err
	}
	if opts.NumEngines < 1 {
		opts.NumEngines = 1
	}
	if opts.OutputPath != "" {
		// Safety Check: Prevent overwriting input file which causes corruption
		inAbs, _ := filepath.Abs(opts.InputPath)
		outAbs, _ := filepath.Abs(opts.OutputPath)
		if inAbs == outAbs {
			err := fmt.Errorf("input and output paths must be different to prevent file corruption")
			utils.ShowError("Configuration Error", err, nil)
			return err
		}
	}
	if opts.WorkerTimeout != "" {
		if _, err := time.ParseDuration(opts.WorkerTimeout); err != nil {
			utils.ShowError("Invalid worker-timeout format (use '30s', '1m')", err, nil)
			return err
		}
	}
	return nil
}

func fmtTime(seconds float64) string {
	duration := time.Duration(seconds * float64(time.Second))
	h := int(duration.Hours())
	m := int(duration.Minutes()) % 60
	s := int(duration.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
