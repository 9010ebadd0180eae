package ffmpeg

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmylchreest/vidpipe/internal/artifact"
	"github.com/jmylchreest/vidpipe/internal/config"
	"github.com/jmylchreest/vidpipe/internal/observability"
)

// grayscaleFilter converts frames to grayscale and back to a pixel format
// every H.264 decoder accepts.
const grayscaleFilter = "format=gray,format=yuv420p"

// Codec is the ffmpeg-backed media codec. It implements pipeline.MediaCodec.
type Codec struct {
	ffmpegPath  string
	prober      *Prober
	videoPreset string
	audioCodec  string
	logger      *slog.Logger
}

// NewCodec creates a codec using the detected binaries.
func NewCodec(info *BinaryInfo, cfg config.FFmpegConfig, logger *slog.Logger) *Codec {
	if logger == nil {
		logger = slog.Default()
	}
	audioCodec := cfg.AudioCodec
	if audioCodec == "" {
		audioCodec = "aac"
	}
	return &Codec{
		ffmpegPath:  info.FFmpegPath,
		prober:      NewProber(info.FFprobePath),
		videoPreset: cfg.VideoPreset,
		audioCodec:  audioCodec,
		logger:      logger,
	}
}

// ExtractAudio writes the first audio stream of src into dst. It reports
// false without running ffmpeg when src has no audio stream.
func (c *Codec) ExtractAudio(ctx context.Context, src, dst *artifact.Artifact) (bool, error) {
	probe, err := c.prober.Probe(ctx, src.Path)
	if err != nil {
		return false, fmt.Errorf("probing input: %w", err)
	}

	attrs := []any{
		slog.String("format", probe.Format.FormatName),
		slog.Duration("duration", probe.Duration()),
	}
	if v := probe.GetVideoStream(); v != nil {
		attrs = append(attrs,
			slog.String("video_codec", v.CodecName),
			slog.Int("width", v.Width),
			slog.Int("height", v.Height),
		)
	}
	audio := probe.GetAudioStream()
	if audio != nil {
		attrs = append(attrs, slog.String("audio_codec", audio.CodecName))
	}
	observability.LoggerFromContext(ctx, c.logger).DebugContext(ctx, "input probed", attrs...)

	if audio == nil {
		return false, nil
	}

	cmd := c.extractAudioCommand(src.Path, dst.Path)
	if err := c.run(ctx, "extract_audio", cmd); err != nil {
		return false, err
	}
	return true, nil
}

// TransformFrames writes a grayscale, audio-less H.264 copy of src into dst.
func (c *Codec) TransformFrames(ctx context.Context, src, dst *artifact.Artifact) error {
	return c.run(ctx, "transform_frames", c.transformCommand(src.Path, dst.Path))
}

// Mux copies the video of video and encodes the audio of audio into dst,
// stopping at the shorter of the two.
func (c *Codec) Mux(ctx context.Context, video, audio, dst *artifact.Artifact) error {
	return c.run(ctx, "mux", c.muxCommand(video.Path, audio.Path, dst.Path))
}

func (c *Codec) baseCommand() *CommandBuilder {
	return NewCommandBuilder(c.ffmpegPath).
		HideBanner().
		NoStdin().
		Overwrite()
}

func (c *Codec) extractAudioCommand(src, dst string) *Command {
	return c.baseCommand().
		Input(src).
		Map("0:a:0").
		NoVideo().
		AudioCodec(c.audioCodec).
		Output(dst).
		Build()
}

func (c *Codec) transformCommand(src, dst string) *Command {
	return c.baseCommand().
		Input(src).
		Map("0:v:0").
		NoAudio().
		VideoFilter(grayscaleFilter).
		VideoCodec("libx264").
		VideoPreset(c.videoPreset).
		FastStart().
		Output(dst).
		Build()
}

func (c *Codec) muxCommand(video, audio, dst string) *Command {
	return c.baseCommand().
		Input(video).
		Input(audio).
		Map("0:v:0").
		Map("1:a:0").
		VideoCodec("copy").
		AudioCodec(c.audioCodec).
		Shortest().
		FastStart().
		Output(dst).
		Build()
}

func (c *Codec) run(ctx context.Context, operation string, cmd *Command) error {
	logger := observability.LoggerFromContext(ctx, c.logger)
	start := time.Now()
	logger.DebugContext(ctx, "running ffmpeg",
		slog.String("operation", operation),
		slog.String("command", cmd.String()),
	)

	if err := cmd.Run(ctx); err != nil {
		attrs := []any{
			slog.String("operation", operation),
			slog.String("error", err.Error()),
			slog.Duration("duration", time.Since(start)),
		}
		if exitErr, ok := err.(*ExitError); ok && len(exitErr.Stderr) > 0 {
			attrs = append(attrs, slog.Any("stderr", exitErr.Stderr))
		}
		logger.WarnContext(ctx, "ffmpeg failed", attrs...)
		return fmt.Errorf("%s: %w", operation, err)
	}

	logger.DebugContext(ctx, "ffmpeg completed",
		slog.String("operation", operation),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}
