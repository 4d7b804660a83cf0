package cmd

import (
	"context"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/faceshield/internal/pipeline"
	"github.com/andresmejia3/faceshield/internal/store"
	"github.com/andresmejia3/faceshield/internal/utils"
)

var rescanOpts scanOptions

var rescanCmd = &cobra.Command{
	Use:   "rescan",
	Short: "Re-detect faces in one frame and overwrite its stored result",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runRescan(cmd.Context(), rescanOpts)
	},
}

func init() {
	rescanCmd.Flags().StringVarP(&rescanOpts.InputPath, "input", "i", "", "Path to video")
	rescanCmd.Flags().IntVarP(&rescanOpts.StartFrame, "frame", "f", 0, "Frame index to re-detect")
	addDetectionFlags(rescanCmd.Flags())

	rescanCmd.MarkFlagRequired("input")
	rescanCmd.MarkFlagRequired("frame")
	rootCmd.AddCommand(rescanCmd)
}

func runRescan(ctx context.Context, opts scanOptions) error {
	if err := validateScanFlags(&opts); err != nil {
		utils.ShowError("Invalid rescan options", err, nil)
		return err
	}
	pipeOpts, err := cfg.Pipeline.Options()
	if err != nil {
		utils.ShowError("Invalid pipeline configuration", err, nil)
		return err
	}

	videoID, err := utils.GenerateVideoID(opts.InputPath)
	if err != nil {
		utils.ShowError("Failed to generate video ID", err, nil)
		return err
	}
	if err := DB.EnsureVideo(ctx, videoID, opts.InputPath); err != nil {
		utils.ShowError("Failed to register video metadata", err, nil)
		return err
	}

	det, _, err := buildDetector(ctx, cfg.Detector)
	if err != nil {
		utils.ShowError("Failed to start face detector", err, nil)
		return err
	}
	defer det.Close()

	opener := newOpener(cfg.Decoder)
	results := store.ForVideo(DB, videoID, cfg.Pipeline.MinConfidence)
	orch := pipeline.New(opener, det, results, pipeOpts,
		pipeline.WithLogger(log.WithField("video", videoID[:12])),
	)

	found, err := orch.RunSingleFrame(ctx, opts.InputPath, opts.StartFrame, nil)
	if err != nil {
		utils.ShowError(fmt.Sprintf("Failed to rescan frame %d", opts.StartFrame), err, nil)
		return err
	}
	if ctx.Err() != nil {
		fmt.Fprintln(os.Stderr, "🛑 Rescan cancelled, stored result left unchanged.")
		return nil
	}

	// The timestamp is cosmetic; a failed probe only drops it.
	at := ""
	if meta, err := opener.Probe(ctx, opts.InputPath); err == nil && meta.FPS > 0 {
		at = " at " + fmtTime(float64(opts.StartFrame)/meta.FPS)
	}
	if !found {
		fmt.Printf("🙈 No faces in frame %d%s\n", opts.StartFrame, at)
		return nil
	}

	rec, err := results.FaceRects(ctx, opts.StartFrame)
	if err != nil {
		utils.ShowError("Failed to read back stored result", err, nil)
		return err
	}
	fmt.Printf("🎯 Frame %d%s: %d face(s) stored\n", opts.StartFrame, at, len(rec.Faces))
	for _, f := range rec.Faces {
		fmt.Printf("   %s\n", fmtFace(f))
	}
	return nil
}
