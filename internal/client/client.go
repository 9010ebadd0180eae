// Package client streams a local video file through a remote VideoService
// and writes the processed result to disk.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/jmylchreest/vidpipe/internal/config"
	"github.com/jmylchreest/vidpipe/internal/version"
	"github.com/jmylchreest/vidpipe/pkg/videod/proto"
)

// Result describes a completed call.
type Result struct {
	BytesSent     int64
	BytesReceived int64
	ChunksSent    int
	Duration      time.Duration
}

// Client sends videos to a VideoService.
type Client struct {
	conn      *grpc.ClientConn
	video     proto.VideoServiceClient
	chunkSize int
	timeout   time.Duration
	logger    *slog.Logger
}

// Dial creates a client for the configured server address. The connection is
// established lazily on the first call.
func Dial(cfg config.ClientConfig, chunkSize config.ByteSize, logger *slog.Logger, opts ...grpc.DialOption) (*Client, error) {
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUserAgent(version.UserAgent()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(config.MaxChunkSize+1024),
			grpc.MaxCallSendMsgSize(config.MaxChunkSize+1024),
		),
	}, opts...)

	conn, err := grpc.NewClient(cfg.ServerAddr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating client for %s: %w", cfg.ServerAddr, err)
	}
	return New(conn, cfg, chunkSize, logger), nil
}

// New creates a client on an existing connection. Close closes conn.
func New(conn *grpc.ClientConn, cfg config.ClientConfig, chunkSize config.ByteSize, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	size := chunkSize.Int()
	if size <= 0 {
		size = 64 * 1024
	}
	return &Client{
		conn:      conn,
		video:     proto.NewVideoServiceClient(conn),
		chunkSize: size,
		timeout:   cfg.Timeout,
		logger:    logger,
	}
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// ProcessFile streams inputPath to the server and writes the response to
// outputPath. The response goes to a temporary file in the same directory
// which is renamed onto outputPath only after the server ends the stream
// cleanly, so a failed call never leaves a partial output behind.
func (c *Client) ProcessFile(ctx context.Context, inputPath, outputPath string) (*Result, error) {
	in, err := os.Open(inputPath)
	if err != nil {
		return nil, fmt.Errorf("opening input: %w", err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(outputPath), "."+filepath.Base(outputPath)+".*.partial")
	if err != nil {
		return nil, fmt.Errorf("creating temporary output: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	result, err := c.Process(ctx, in, tmp)
	if err != nil {
		return nil, err
	}

	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("closing temporary output: %w", err)
	}
	if err := os.Rename(tmp.Name(), outputPath); err != nil {
		return nil, fmt.Errorf("moving output into place: %w", err)
	}
	committed = true

	c.logger.InfoContext(ctx, "video processed",
		slog.String("input", inputPath),
		slog.String("output", outputPath),
		slog.Int64("bytes_sent", result.BytesSent),
		slog.Int64("bytes_received", result.BytesReceived),
		slog.Duration("duration", result.Duration),
	)
	return result, nil
}

// Process streams r to the server while concurrently copying the response
// chunks to w. It returns once the server has closed the stream.
func (c *Client) Process(ctx context.Context, r io.Reader, w io.Writer) (*Result, error) {
	start := time.Now()
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	// The stream lives on the group context so a failure on either side
	// unblocks the other.
	g, gctx := errgroup.WithContext(ctx)
	stream, err := c.video.ProcessVideo(gctx)
	if err != nil {
		return nil, fmt.Errorf("opening stream: %w", err)
	}

	var result Result

	g.Go(func() error {
		for {
			// Messages must not be modified after Send, so each chunk gets its own buffer.
			buf := make([]byte, c.chunkSize)
			n, err := io.ReadFull(r, buf)
			if n > 0 {
				if sendErr := stream.Send(&proto.VideoRequest{ChunkData: buf[:n]}); sendErr != nil {
					if errors.Is(sendErr, io.EOF) {
						// Server ended the call; Recv reports why.
						return nil
					}
					return fmt.Errorf("sending chunk: %w", sendErr)
				}
				result.BytesSent += int64(n)
				result.ChunksSent++
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return stream.CloseSend()
			}
			if err != nil {
				return fmt.Errorf("reading input: %w", err)
			}
			if gctx.Err() != nil {
				return gctx.Err()
			}
		}
	})

	g.Go(func() error {
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			n, err := w.Write(resp.GetChunkData())
			result.BytesReceived += int64(n)
			if err != nil {
				return fmt.Errorf("writing output: %w", err)
			}
		}
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	result.Duration = time.Since(start)
	return &result, nil
}
