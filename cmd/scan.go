package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/andresmejia3/faceshield/internal/config"
	"github.com/andresmejia3/faceshield/internal/detector"
	"github.com/andresmejia3/faceshield/internal/pipeline"
	"github.com/andresmejia3/faceshield/internal/source"
	"github.com/andresmejia3/faceshield/internal/store"
	"github.com/andresmejia3/faceshield/internal/utils"
	"github.com/andresmejia3/faceshield/internal/worker"
)

// scanOptions are the per-invocation inputs of scan and rescan. Everything
// else comes from the merged configuration.
type scanOptions struct {
	InputPath  string
	StartFrame int
	Fresh      bool
}

var scanOpts scanOptions

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Detect faces in every frame of a video and store the rectangles",
	Long: "Runs the detection pipeline over a video. Frames that already have a stored " +
		"result are skipped, so an interrupted scan resumes where it stopped.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runScan(cmd.Context(), scanOpts)
	},
}

func init() {
	scanCmd.Flags().StringVarP(&scanOpts.InputPath, "input", "i", "", "Path to video")
	scanCmd.Flags().IntVarP(&scanOpts.StartFrame, "start", "s", 0, "First frame index to visit")
	scanCmd.Flags().BoolVar(&scanOpts.Fresh, "fresh", false, "Discard stored results for this video before scanning")
	addDetectionFlags(scanCmd.Flags())

	scanCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(scanCmd)
}

// addDetectionFlags registers the flags that override detector, pipeline
// and decoder settings. Names must match the config flag bindings.
func addDetectionFlags(fs *pflag.FlagSet) {
	def := pipeline.DefaultOptions()
	fs.StringP("engine", "e", "pigo", "Detector engine: pigo or external")
	fs.String("cascade", "cascade/facefinder", "Pigo cascade file")
	fs.StringArray("engine-cmd", nil, "External engine command, one flag per argument")
	fs.Float64P("downscale", "r", def.DownscaleRatio, "Detection proxy ratio in (0,1]")
	fs.StringP("quality", "q", def.DownscaleQuality.String(), "Downscale filter: fast or bilinear")
	fs.BoolP("tracking", "t", def.UseTracking, "Reuse the last faces on frames skipped by --detect-every")
	fs.IntP("detect-every", "n", def.DetectEveryNFrames, "Run detection on every Nth frame")
	fs.IntP("parallel", "p", def.ParallelDetectorCount, "Number of parallel detectors")
	fs.Bool("scale-in-detector", def.ScaleInDetector, "Decode at full resolution and let the detector apply --downscale")
	fs.Float64("min-confidence", 0, "Drop faces below this confidence when storing")
	fs.String("proxy", "", "Proxy resolution preset: 360p, 480p, 720p or 1080p")
	fs.String("hwaccel", "auto", "ffmpeg -hwaccel method used for hardware decoding")
}

// runScan wires the configured detector, decoder and store into a pipeline
// run and renders its progress.
func runScan(ctx context.Context, opts scanOptions) error {
	if err := validateScanFlags(&opts); err != nil {
		utils.ShowError("Invalid scan options", err, nil)
		return err
	}
	pipeOpts, err := cfg.Pipeline.Options()
	if err != nil {
		utils.ShowError("Invalid pipeline configuration", err, nil)
		return err
	}

	// 1. Generate Video ID & Register
	videoID, err := utils.GenerateVideoID(opts.InputPath)
	if err != nil {
		utils.ShowError("Failed to generate video ID", err, nil)
		return err
	}
	results := store.ForVideo(DB, videoID, cfg.Pipeline.MinConfidence)
	if opts.Fresh {
		if err := results.Clear(ctx); err != nil {
			utils.ShowError("Failed to clear previous results", err, nil)
			return err
		}
	}
	if err := DB.EnsureVideo(ctx, videoID, opts.InputPath); err != nil {
		utils.ShowError("Failed to register video metadata", err, nil)
		return err
	}
	fmt.Fprintf(os.Stderr, "📼 Processing Video ID: %s\n", videoID[:12])

	// 2. Detector(s)
	det, factory, err := buildDetector(ctx, cfg.Detector)
	if err != nil {
		utils.ShowError("Failed to start face detector", err, nil)
		return err
	}
	defer det.Close()
	if pipeOpts.ParallelDetectorCount > 1 {
		fmt.Fprintf(os.Stderr, "⚙️  Spawning up to %d %s detectors...\n", pipeOpts.ParallelDetectorCount, cfg.Detector.Engine)
	}

	if err := logProxyPreset(cfg.Pipeline.Proxy); err != nil {
		utils.ShowError("Invalid proxy preset", err, nil)
		return err
	}

	// 3. Progress bar
	bar := progressbar.NewOptions(100,
		progressbar.OptionSetDescription("🔍 FaceShield Scanning"),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
	)

	orch := pipeline.New(newOpener(cfg.Decoder), det, results, pipeOpts,
		pipeline.WithFactory(factory),
		pipeline.WithLogger(log.WithField("video", videoID[:12])),
	)
	res, err := orch.Run(ctx, pipeline.Request{
		VideoPath:  opts.InputPath,
		StartFrame: opts.StartFrame,
		Progress:   func(p int) { bar.Set(p) },
	})
	fmt.Fprintln(os.Stderr)

	if err != nil {
		utils.ShowError("Scan failed", err, nil)
		return err
	}
	printSummary(res)
	return nil
}

func validateScanFlags(opts *scanOptions) error {
	info, err := os.Stat(opts.InputPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: input file does not exist: %s", pipeline.ErrInvalidPath, opts.InputPath)
		}
		return fmt.Errorf("unable to access input file: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: input path is a directory, expected a video file", pipeline.ErrInvalidPath)
	}
	if opts.StartFrame < 0 {
		return fmt.Errorf("start frame must be >= 0, got %d", opts.StartFrame)
	}
	return nil
}

// buildDetector creates the primary detector and the factory used for the
// extra instances of the multi-detector strategy.
func buildDetector(ctx context.Context, c config.DetectorConfig) (detector.Detector, detector.Factory, error) {
	switch c.Engine {
	case "", "pigo":
		cascade, err := os.ReadFile(c.Cascade)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read cascade file: %w", err)
		}
		params := c.PigoParams()
		det, err := detector.NewPigo(cascade, params)
		if err != nil {
			return nil, nil, err
		}
		return det, detector.PigoFactory(cascade, params), nil
	case "external":
		if len(c.Command) == 0 {
			return nil, nil, errors.New("external engine needs a command (--engine-cmd)")
		}
		det, err := worker.NewEngine(ctx, 0, c.Command)
		if err != nil {
			return nil, nil, err
		}
		return det, worker.Factory(c.Command), nil
	}
	return nil, nil, fmt.Errorf("unknown detector engine %q (use pigo or external)", c.Engine)
}

func newOpener(c config.DecoderConfig) *source.FFmpeg {
	return &source.FFmpeg{Bin: c.FFmpeg, ProbeBin: c.FFprobe, HWAccel: c.HWAccel}
}

// logProxyPreset reports the selected proxy preset. Producing the proxy file
// is left to the external transcoder.
func logProxyPreset(preset string) error {
	h, err := config.ProxyHeight(preset)
	if err != nil || h == 0 {
		return err
	}
	log.WithField("height", h).Info("Proxy preset selected, expecting a pre-transcoded input")
	return nil
}

func printSummary(res pipeline.Result) {
	if res.Outcome == pipeline.Cancelled {
		fmt.Fprintf(os.Stderr, "🛑 Scan cancelled after %d frames. Run it again to resume.\n", res.FramesVisited)
		return
	}
	if res.TotalFrames <= 0 {
		fmt.Fprintln(os.Stderr, "⚠️  No decodable video stream found, nothing was scanned.")
		return
	}

	decode := "software"
	if res.Hardware {
		decode = "hardware"
	}
	fmt.Fprintf(os.Stderr, "✅ Scan complete in %s (%s, %d detector(s), %s decode)\n",
		res.Elapsed.Round(time.Millisecond), res.Strategy, res.Detectors, decode)
	fmt.Fprintf(os.Stderr, "   Frames: %d visited, %d resumed, %d detected, %d with faces\n",
		res.FramesVisited, res.FramesResumed, res.FramesDetected, res.FramesWithFaces)
	if res.DecodeFailures > 0 {
		fmt.Fprintf(os.Stderr, "   ⚠️  %d frame(s) could not be decoded and were skipped\n", res.DecodeFailures)
	}
	if res.ROI.Attempts > 0 {
		fmt.Fprintf(os.Stderr, "   ROI: %s\n", res.ROI)
	}
}

func fmtTime(seconds float64) string {
	duration := time.Duration(seconds * float64(time.Second))
	h := int(duration.Hours())
	m := int(duration.Minutes()) % 60
	s := int(duration.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
