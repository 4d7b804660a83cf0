package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/faceshield/internal/utils"
)

var (
	resetInput   string
	resetVideoID string
	resetYes     bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete stored results for one video, or for every video",
	Long:  "Clears stored face rectangles. By default, it drops everything. Use --input or --video-id to clear a single video.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		ctx := cmd.Context()
		reader := bufio.NewReader(os.Stdin)

		if resetInput != "" || resetVideoID != "" {
			videoID, err := lookupVideoID(ctx, DB, resetInput, resetVideoID)
			if err != nil {
				utils.ShowError("Unknown video", err, nil)
				return err
			}
			if !resetYes && !confirm(reader, os.Stdout, fmt.Sprintf("⚠️  Delete all stored frames for video %s?", shortID(videoID))) {
				return nil
			}
			fmt.Println("🗑️  Clearing video results...")
			if err := DB.ClearVideo(ctx, videoID); err != nil {
				utils.ShowError("Failed to clear video", err, nil)
				return err
			}
		} else {
			if !resetYes && !confirm(reader, os.Stdout, "⚠️  Are you sure you want to DROP all result tables?") {
				return nil
			}
			fmt.Println("🗑️  Clearing Database...")
			if err := DB.Reset(ctx); err != nil {
				utils.ShowError("Failed to reset database", err, nil)
				return err
			}
		}

		fmt.Println("✨ Reset Complete.")
		return nil
	},
}

func init() {
	resetCmd.Flags().StringVarP(&resetInput, "input", "i", "", "Clear only the results of this video file")
	resetCmd.Flags().StringVar(&resetVideoID, "video-id", "", "Clear only the results of this video ID (or unique prefix)")
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Do not ask for confirmation")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, w io.Writer, prompt string) bool {
	fmt.Fprintf(w, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}
