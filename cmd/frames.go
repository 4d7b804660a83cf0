package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/faceshield/internal/store"
	"github.com/andresmejia3/faceshield/internal/types"
	"github.com/andresmejia3/faceshield/internal/utils"
)

var (
	framesInput   string
	framesVideoID string
	framesAll     bool
)

var framesCmd = &cobra.Command{
	Use:   "frames",
	Short: "List scanned videos, or the stored face rectangles of one video",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if framesInput == "" && framesVideoID == "" {
			return runListVideos(cmd.Context())
		}
		return runListFrames(cmd.Context())
	},
}

func init() {
	framesCmd.Flags().StringVarP(&framesInput, "input", "i", "", "Video file whose results to list")
	framesCmd.Flags().StringVar(&framesVideoID, "video-id", "", "Video ID (or unique prefix) whose results to list")
	framesCmd.Flags().BoolVarP(&framesAll, "all", "a", false, "Include frames stored without faces")
	rootCmd.AddCommand(framesCmd)
}

func runListVideos(ctx context.Context) error {
	videos, err := DB.ListVideos(ctx)
	if err != nil {
		utils.ShowError("Failed to list videos", err, nil)
		return err
	}

	if len(videos) == 0 {
		fmt.Println("No scanned videos found in database.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "VIDEO ID\tFRAMES\tINDEXED\tPATH")
	fmt.Fprintln(w, "--------\t------\t-------\t----")

	for _, v := range videos {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", shortID(v.ID), v.Frames, v.IndexedAt.Local().Format("2006-01-02 15:04"), v.Path)
	}
	return w.Flush()
}

func runListFrames(ctx context.Context) error {
	videoID, err := lookupVideoID(ctx, DB, framesInput, framesVideoID)
	if err != nil {
		utils.ShowError("Unknown video", err, nil)
		return err
	}

	frames, err := store.ForVideo(DB, videoID, 0).ListFrames(ctx)
	if err != nil {
		utils.ShowError("Failed to list frames", err, nil)
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "FRAME\tSIZE\tFACES\tRECTANGLES")
	fmt.Fprintln(w, "-----\t----\t-----\t----------")

	shown := 0
	for _, f := range frames {
		if len(f.Faces) == 0 && !framesAll {
			continue
		}
		shown++
		fmt.Fprintf(w, "%d\t%dx%d\t%d\t%s\n", f.FrameIndex, f.Width, f.Height, len(f.Faces), fmtFaces(f.Faces))
	}
	if shown == 0 {
		fmt.Printf("No stored faces for video %s.\n", shortID(videoID))
		return nil
	}
	return w.Flush()
}

// lookupVideoID resolves a video from its file (hashed the same way scan
// does) or from a full or abbreviated ID as printed by `frames`.
func lookupVideoID(ctx context.Context, db store.Backend, path, id string) (string, error) {
	if path != "" {
		return utils.GenerateVideoID(path)
	}

	videos, err := db.ListVideos(ctx)
	if err != nil {
		return "", err
	}
	var matches []string
	for _, v := range videos {
		if v.ID == id {
			return id, nil
		}
		if strings.HasPrefix(v.ID, id) {
			matches = append(matches, v.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("video %q: %w", id, store.ErrNotFound)
	case 1:
		return matches[0], nil
	}
	return "", fmt.Errorf("video ID prefix %q is ambiguous (%d matches)", id, len(matches))
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func fmtFace(f types.FaceResult) string {
	b := f.Bounds
	return fmt.Sprintf("(%d,%d)-(%d,%d) %.2f", b.Min.X, b.Min.Y, b.Max.X, b.Max.Y, f.Confidence)
}

func fmtFaces(faces []types.FaceResult) string {
	parts := make([]string, len(faces))
	for i, f := range faces {
		parts[i] = fmtFace(f)
	}
	return strings.Join(parts, "  ")
}
