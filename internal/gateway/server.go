// Package gateway exposes the processing pipeline over HTTP for browser
// uploads: a multipart upload in, the processed video as a download out.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/jmylchreest/vidpipe/internal/config"
	"github.com/jmylchreest/vidpipe/internal/observability"
	"github.com/jmylchreest/vidpipe/internal/pipeline"
)

const (
	// ProcessPath is the upload route.
	ProcessPath = "/api/process-video"

	// UploadField is the multipart field holding the video.
	UploadField = "video"

	// DownloadName is the filename suggested to the browser.
	DownloadName = "processed_video.mp4"
)

// Processor runs one pipeline call. *pipeline.Service implements it.
type Processor interface {
	Process(ctx context.Context, callID string, src pipeline.ChunkSource, sink pipeline.ChunkSink) error
	ChunkSize() int
}

// Server is the HTTP upload gateway.
type Server struct {
	config     config.GatewayConfig
	router     *chi.Mux
	processor  Processor
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates the gateway and registers its routes.
func NewServer(cfg config.GatewayConfig, processor Processor, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = observability.WithComponent(logger, "gateway")

	s := &Server{
		config:    cfg,
		router:    chi.NewRouter(),
		processor: processor,
		logger:    logger,
	}

	s.router.Use(chimiddleware.RealIP)
	s.router.Use(RequestID)
	s.router.Use(Logging(logger))
	s.router.Use(Recovery(logger))

	s.router.Get("/healthz", s.handleHealth)
	s.router.Post(ProcessPath, s.handleProcess)
	s.router.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	s.router.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})

	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve accepts connections on lis until Shutdown is called.
func (s *Server) Serve(lis net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.config.ReadTimeout,
		WriteTimeout:      s.config.WriteTimeout,
	}

	s.logger.Info("starting HTTP gateway",
		slog.String("address", lis.Addr().String()),
	)

	if err := s.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving gateway: %w", err)
	}
	return nil
}

// ListenAndServe listens on the configured address and blocks until ctx ends
// or the server fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	lis, err := lc.Listen(ctx, "tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("creating listener: %w", err)
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- s.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errChan:
		return err
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down gateway: %w", err)
	}

	s.logger.Info("HTTP gateway stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	callID := GetRequestID(ctx)
	logger := observability.WithCallID(s.logger, callID)

	upload, err := videoPart(r)
	if err != nil {
		logger.WarnContext(ctx, "rejected upload", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer upload.Close()

	sink := &responseSink{w: w}
	src := pipeline.NewReaderSource(upload, s.processor.ChunkSize()).
		WithAbort(func() { abortBody(w, r) })

	err = s.processor.Process(ctx, callID, src, sink)
	switch {
	case err == nil && !sink.started:
		// Empty result: nothing was sent, so the headers are still ours.
		sink.writeHeaders()
	case err != nil && sink.started:
		// Part of the body is already out; a clean end would look like success.
		logger.ErrorContext(ctx, "response aborted mid-stream",
			slog.String("error", err.Error()),
			slog.Int64("bytes_sent", sink.written),
		)
		panic(http.ErrAbortHandler)
	case err != nil:
		logger.ErrorContext(ctx, "processing failed",
			slog.String("summary", pipeline.Summary(err)),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "error processing video")
	}
}

var (
	errNotMultipart = errors.New("expected multipart/form-data upload")
	errNoVideo      = errors.New("no video file provided")
)

// videoPart returns the reader for the upload field, streaming it rather than
// buffering the whole form.
func videoPart(r *http.Request) (io.ReadCloser, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, errNotMultipart
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, errNoVideo
		}
		if err != nil {
			return nil, fmt.Errorf("reading upload: %w", err)
		}
		if part.FormName() == UploadField {
			return part, nil
		}
		_ = part.Close()
	}
}

// abortBody unblocks a read stalled on the request body. Expiring the read
// deadline works on live connections; closing the body covers writers that
// do not support deadlines.
func abortBody(w http.ResponseWriter, r *http.Request) {
	if err := http.NewResponseController(w).SetReadDeadline(time.Now()); err != nil {
		_ = r.Body.Close()
	}
}

// responseSink writes chunks to the response body, sending the download
// headers with the first chunk.
type responseSink struct {
	w       http.ResponseWriter
	started bool
	written int64
}

func (s *responseSink) writeHeaders() {
	h := s.w.Header()
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", DownloadName))
	s.w.WriteHeader(http.StatusOK)
	s.started = true
}

func (s *responseSink) Send(chunk []byte) error {
	if !s.started {
		s.writeHeaders()
	}
	n, err := s.w.Write(chunk)
	s.written += int64(n)
	return err
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
