package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/vidpipe/internal/artifact"
	"github.com/jmylchreest/vidpipe/internal/daemon"
	"github.com/jmylchreest/vidpipe/internal/ffmpeg"
	"github.com/jmylchreest/vidpipe/internal/gateway"
	"github.com/jmylchreest/vidpipe/internal/pipeline"
	"github.com/jmylchreest/vidpipe/internal/version"
)

// serveCmd represents the serve command.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the video processing server",
	Long: `Start the vidpipe gRPC server.

The server will:
1. Locate ffmpeg and ffprobe
2. Create a session directory for temporary artifacts and sweep any
   directories left behind by processes that did not shut down cleanly
3. Accept ProcessVideo calls, running at most --workers at a time
4. Optionally serve the HTTP upload gateway (--gateway-listen)

On SIGINT or SIGTERM in-flight calls are given the shutdown timeout to
finish before the server stops and the session directory is removed.

Examples:
  # Listen on the default address with 8 workers
  vidpipe serve --workers 8

  # Also accept browser uploads on :8080
  vidpipe serve --gateway-listen :8080`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("listen", "", "gRPC listen address (e.g. :50051)")
	serveCmd.Flags().Int("workers", 0, "maximum concurrent calls (0 = use config/default)")
	serveCmd.Flags().String("chunk-size", "", "outbound chunk size (e.g. 64KiB)")
	serveCmd.Flags().String("max-input-size", "", "maximum input size, 0 for unlimited (e.g. 2GiB)")
	serveCmd.Flags().Duration("receive-timeout", 0, "maximum wait for each inbound chunk (0 = disabled)")
	serveCmd.Flags().String("temp-dir", "", "directory for temporary artifacts")
	serveCmd.Flags().String("gateway-listen", "", "HTTP upload gateway listen address (empty = disabled)")
	serveCmd.Flags().String("ffmpeg", "", "path to the ffmpeg binary (default: search $PATH)")
	serveCmd.Flags().String("ffprobe", "", "path to the ffprobe binary (default: search $PATH)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := slog.Default()

	info := version.GetInfo()
	logger.Info("vidpipe starting",
		slog.String("version", info.Version),
		slog.String("commit", info.Commit),
		slog.String("go", info.GoVersion),
		slog.String("platform", info.Platform),
	)
	if !info.Release {
		logger.Warn("running a development build", slog.String("version", info.Version))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	detectCtx, detectCancel := context.WithTimeout(ctx, 30*time.Second)
	binInfo, err := ffmpeg.NewBinaryDetector(cfg.FFmpeg.BinaryPath, cfg.FFmpeg.ProbePath).Detect(detectCtx)
	detectCancel()
	if err != nil {
		return fmt.Errorf("detecting FFmpeg: %w", err)
	}
	logger.Info("ffmpeg binaries detected",
		slog.String("version", binInfo.Version),
		slog.String("ffmpeg", binInfo.FFmpegPath),
		slog.String("ffprobe", binInfo.FFprobePath),
	)

	store, err := artifact.NewStore(cfg.Storage.TempDir, cfg.Storage.MinFreeSpace, logger)
	if err != nil {
		return fmt.Errorf("creating artifact store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("failed to remove session directory",
				slog.String("dir", store.Dir()),
				slog.String("error", err.Error()),
			)
		}
	}()

	sweeper := artifact.NewSweeper(store, cfg.Storage.SweepMinAge, logger)
	if _, err := sweeper.Sweep(); err != nil {
		logger.Warn("initial sweep failed", slog.String("error", err.Error()))
	}
	if err := sweeper.Start(cfg.Storage.SweepSchedule); err != nil {
		return fmt.Errorf("starting sweeper: %w", err)
	}
	defer sweeper.Stop()

	codec := ffmpeg.NewCodec(binInfo, cfg.FFmpeg, logger)
	svc := pipeline.NewService(store, codec, pipeline.NewWorkerPool(cfg.Server.MaxWorkers), cfg.Stream, logger)

	server := daemon.NewServer(logger, cfg.Server, svc)
	if err := server.Start(ctx); err != nil {
		return err
	}

	gatewayErr := make(chan error, 1)
	if cfg.Gateway.ListenAddr != "" {
		gw := gateway.NewServer(cfg.Gateway, svc, logger)
		go func() {
			gatewayErr <- gw.ListenAndServe(ctx)
			close(gatewayErr)
		}()
	} else {
		close(gatewayErr)
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err, ok := <-gatewayErr:
		if ok && err != nil {
			runErr = err
			logger.Error("gateway failed", slog.String("error", err.Error()))
		}
		if !ok {
			// Gateway disabled; wait for the signal.
			<-ctx.Done()
			logger.Info("shutdown signal received")
		}
	}
	stop()

	if err := server.Stop(context.Background()); err != nil {
		logger.Warn("gRPC shutdown error", slog.String("error", err.Error()))
	}
	if err, ok := <-gatewayErr; ok && err != nil && runErr == nil {
		runErr = err
	}

	stats := server.Stats()
	logger.Info("vidpipe stopped",
		slog.Uint64("calls_completed", stats.TotalCompleted),
		slog.Uint64("calls_failed", stats.TotalFailed),
	)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}
