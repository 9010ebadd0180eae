package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/vidpipe/internal/ffmpeg"
)

// detectCmd represents the detect command.
var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Detect the FFmpeg installation",
	Long: `Locate ffmpeg and ffprobe the same way the server does and print the
result as JSON. Use this to verify an installation before serving.

Examples:
  vidpipe detect
  vidpipe detect --ffmpeg /opt/ffmpeg/bin/ffmpeg --ffprobe /opt/ffmpeg/bin/ffprobe`,
	RunE: runDetect,
}

func init() {
	rootCmd.AddCommand(detectCmd)

	detectCmd.Flags().String("ffmpeg", "", "path to the ffmpeg binary (default: search $PATH)")
	detectCmd.Flags().String("ffprobe", "", "path to the ffprobe binary (default: search $PATH)")
	detectCmd.Flags().Duration("timeout", 30*time.Second, "detection timeout")
}

func runDetect(cmd *cobra.Command, _ []string) error {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	info, err := ffmpeg.NewBinaryDetector(cfg.FFmpeg.BinaryPath, cfg.FFmpeg.ProbePath).Detect(ctx)
	if err != nil {
		return fmt.Errorf("detecting FFmpeg: %w", err)
	}

	out, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
