package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/vidpipe/internal/artifact"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeCodec records calls and produces deterministic outputs:
//
//	audio       = "A|" + input
//	transformed = "T|" + input
//	merged      = "M|" + transformed + "|" + audio
type fakeCodec struct {
	hasAudio     bool
	extractErr   error
	transformErr error
	muxErr       error

	// blockTransform makes TransformFrames wait for ctx to end.
	blockTransform bool
	// transformStarted is closed when TransformFrames begins, if set.
	transformStarted chan struct{}

	mu    sync.Mutex
	calls []string
}

func (c *fakeCodec) record(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, name)
}

func (c *fakeCodec) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *fakeCodec) count(name string) int {
	n := 0
	for _, call := range c.Calls() {
		if call == name {
			n++
		}
	}
	return n
}

func (c *fakeCodec) ExtractAudio(_ context.Context, src, dst *artifact.Artifact) (bool, error) {
	c.record("extract")
	if c.extractErr != nil {
		return false, c.extractErr
	}
	if !c.hasAudio {
		return false, nil
	}
	return true, writeDerived(dst, "A|", src)
}

func (c *fakeCodec) TransformFrames(ctx context.Context, src, dst *artifact.Artifact) error {
	c.record("transform")
	if c.transformStarted != nil {
		close(c.transformStarted)
	}
	if c.blockTransform {
		<-ctx.Done()
		return errors.New("ffmpeg killed")
	}
	if c.transformErr != nil {
		return c.transformErr
	}
	return writeDerived(dst, "T|", src)
}

func (c *fakeCodec) Mux(_ context.Context, video, audio, dst *artifact.Artifact) error {
	c.record("mux")
	if c.muxErr != nil {
		return c.muxErr
	}
	v, err := os.ReadFile(video.Path)
	if err != nil {
		return err
	}
	a, err := os.ReadFile(audio.Path)
	if err != nil {
		return err
	}
	return os.WriteFile(dst.Path, bytes.Join([][]byte{[]byte("M"), v, a}, []byte("|")), 0o600)
}

func writeDerived(dst *artifact.Artifact, prefix string, src *artifact.Artifact) error {
	data, err := os.ReadFile(src.Path)
	if err != nil {
		return err
	}
	return os.WriteFile(dst.Path, append([]byte(prefix), data...), 0o600)
}

// sliceSource yields preset chunks, then err (io.EOF by default).
type sliceSource struct {
	chunks [][]byte
	err    error
	i      int
}

func (s *sliceSource) Recv() ([]byte, error) {
	if s.i < len(s.chunks) {
		c := s.chunks[s.i]
		s.i++
		return c, nil
	}
	if s.err != nil {
		return nil, s.err
	}
	return nil, io.EOF
}

// blockingSource never yields a chunk until release is closed.
type blockingSource struct {
	release chan struct{}
}

func (s *blockingSource) Recv() ([]byte, error) {
	<-s.release
	return nil, io.EOF
}

// abortableSource blocks in Recv until Abort is called and records when the
// pending Recv has returned.
type abortableSource struct {
	aborted  chan struct{}
	once     sync.Once
	returned atomic.Bool
}

func newAbortableSource() *abortableSource {
	return &abortableSource{aborted: make(chan struct{})}
}

func (s *abortableSource) Recv() ([]byte, error) {
	<-s.aborted
	s.returned.Store(true)
	return nil, io.ErrClosedPipe
}

func (s *abortableSource) Abort() {
	s.once.Do(func() { close(s.aborted) })
}

// collectSink stores everything sent to it. If failAfter > 0 the send
// with that index (1-based) fails.
type collectSink struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	sizes     []int
	failAfter int
}

func (s *collectSink) Send(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAfter > 0 && len(s.sizes)+1 == s.failAfter {
		return errors.New("peer went away")
	}
	s.sizes = append(s.sizes, len(chunk))
	s.buf.Write(chunk)
	return nil
}

func (s *collectSink) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.buf.Bytes()...)
}

func (s *collectSink) Sends() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sizes)
}

// split cuts data into chunks of the given sizes, cycling through sizes.
func split(data []byte, sizes ...int) [][]byte {
	var chunks [][]byte
	for i := 0; len(data) > 0; i++ {
		n := min(sizes[i%len(sizes)], len(data))
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	return chunks
}

// patterned returns n deterministic bytes seeded by seed.
func patterned(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*31) ^ seed
	}
	return b
}

func newTestState(t *testing.T) *State {
	t.Helper()
	m := artifact.NewManager(t.TempDir(), newTestLogger())
	st := NewState("test-call", m, newTestLogger())
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// newInputState returns a state whose input artifact already holds data,
// as if it had been assembled.
func newInputState(t *testing.T, data []byte) *State {
	t.Helper()
	st := newTestState(t)
	in, err := st.Allocate(artifact.KindVideoContainer)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(in.Path, data, 0o600))
	st.Input = in
	return st
}
