package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/vidpipe/internal/client"
)

// processCmd represents the process command.
var processCmd = &cobra.Command{
	Use:   "process <input> <output>",
	Short: "Send a video to a vidpipe server and save the result",
	Long: `Stream a local video file to a vidpipe server and write the processed
video to the output path.

The output is written only when the server finishes successfully; on failure
an existing file at the output path is left untouched.

Examples:
  vidpipe process input.mp4 output.mp4
  vidpipe process --server video.example.com:50051 input.mp4 output.mp4`,
	Args: cobra.ExactArgs(2),
	RunE: runProcess,
}

func init() {
	rootCmd.AddCommand(processCmd)

	processCmd.Flags().String("server", "", "server address (default localhost:50051)")
	processCmd.Flags().String("chunk-size", "", "upload chunk size (e.g. 64KiB)")
}

func runProcess(cmd *cobra.Command, args []string) error {
	logger := slog.Default()
	input, output := args[0], args[1]

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := client.Dial(cfg.Client, cfg.Stream.ChunkSize, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	result, err := c.ProcessFile(ctx, input, output)
	if err != nil {
		return fmt.Errorf("processing %s: %w", input, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d bytes in %s)\n",
		output, result.BytesReceived, result.Duration.Round(time.Millisecond))
	return nil
}
