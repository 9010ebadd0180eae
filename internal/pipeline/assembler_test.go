package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssembler_RoundTripFraming(t *testing.T) {
	data := patterned(10_000, 7)

	tests := []struct {
		name  string
		sizes []int
	}{
		{"single byte chunks", []int{1}},
		{"whole file in one chunk", []int{len(data)}},
		{"default chunk size", []int{DefaultChunkSize}},
		{"uneven sizes", []int{3, 1000, 17, 1, 4096}},
		{"prime sized", []int{997}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newTestState(t)
			src := &sliceSource{chunks: split(data, tt.sizes...)}

			in, err := NewAssembler(0, 0, newTestLogger()).Assemble(context.Background(), st, src)
			require.NoError(t, err)
			assert.Same(t, in, st.Input)

			got, err := os.ReadFile(in.Path)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(data, got), "reassembled bytes differ")
		})
	}
}

func TestAssembler_EmptyChunksAndEmptyStream(t *testing.T) {
	t.Run("empty chunks are kept in order", func(t *testing.T) {
		st := newTestState(t)
		src := &sliceSource{chunks: [][]byte{{}, []byte("ab"), {}, []byte("c")}}

		in, err := NewAssembler(0, 0, newTestLogger()).Assemble(context.Background(), st, src)
		require.NoError(t, err)

		got, err := os.ReadFile(in.Path)
		require.NoError(t, err)
		assert.Equal(t, "abc", string(got))
	})

	t.Run("no chunks gives an empty artifact", func(t *testing.T) {
		st := newTestState(t)

		in, err := NewAssembler(0, 0, newTestLogger()).Assemble(context.Background(), st, &sliceSource{})
		require.NoError(t, err)

		size, err := in.Size()
		require.NoError(t, err)
		assert.Zero(t, size)
	})
}

func TestAssembler_SourceError(t *testing.T) {
	st := newTestState(t)
	cause := errors.New("stream reset")
	src := &sliceSource{chunks: [][]byte{[]byte("partial")}, err: cause}

	_, err := NewAssembler(0, 0, newTestLogger()).Assemble(context.Background(), st, src)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocolFailure)
	assert.ErrorIs(t, err, cause)

	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageReceiving, se.Stage)

	// The partially written input is still registered for cleanup.
	require.NotNil(t, st.Input)
	assert.Equal(t, 1, st.LiveArtifacts())
}

func TestAssembler_MaxSize(t *testing.T) {
	t.Run("at limit", func(t *testing.T) {
		st := newTestState(t)
		src := &sliceSource{chunks: split(patterned(100, 1), 30)}

		_, err := NewAssembler(100, 0, newTestLogger()).Assemble(context.Background(), st, src)
		assert.NoError(t, err)
	})

	t.Run("over limit", func(t *testing.T) {
		st := newTestState(t)
		src := &sliceSource{chunks: split(patterned(101, 1), 30)}

		_, err := NewAssembler(100, 0, newTestLogger()).Assemble(context.Background(), st, src)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrProtocolFailure)
		assert.ErrorIs(t, err, ErrInputTooLarge)
	})
}

func TestAssembler_ReceiveTimeout(t *testing.T) {
	st := newTestState(t)
	src := &blockingSource{release: make(chan struct{})}
	defer close(src.release)

	start := time.Now()
	_, err := NewAssembler(0, 20*time.Millisecond, newTestLogger()).Assemble(context.Background(), st, src)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocolFailure)
	assert.ErrorIs(t, err, ErrReceiveTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestAssembler_ReceiveTimeoutAbortsSource(t *testing.T) {
	st := newTestState(t)
	src := newAbortableSource()

	_, err := NewAssembler(0, 20*time.Millisecond, newTestLogger()).Assemble(context.Background(), st, src)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrReceiveTimeout)
	assert.True(t, src.returned.Load(), "pending Recv still running after Assemble returned")
}

func TestAssembler_CancellationAbortsSource(t *testing.T) {
	st := newTestState(t)
	src := newAbortableSource()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := NewAssembler(0, time.Minute, newTestLogger()).Assemble(ctx, st, src)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, src.returned.Load())
}

func TestAssembler_ReceiveTimeoutNotHitWhenChunksFlow(t *testing.T) {
	st := newTestState(t)
	src := &sliceSource{chunks: split([]byte("hello world"), 2)}

	in, err := NewAssembler(0, time.Second, newTestLogger()).Assemble(context.Background(), st, src)
	require.NoError(t, err)

	got, err := os.ReadFile(in.Path)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))
}

func TestAssembler_Cancellation(t *testing.T) {
	st := newTestState(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewAssembler(0, 0, newTestLogger()).Assemble(ctx, st, &sliceSource{chunks: [][]byte{[]byte("x")}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocolFailure)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAssembler_CancellationWhileWaiting(t *testing.T) {
	st := newTestState(t)
	src := &blockingSource{release: make(chan struct{})}
	defer close(src.release)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := NewAssembler(0, time.Minute, newTestLogger()).Assemble(ctx, st, src)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReaderSource(t *testing.T) {
	src := NewReaderSource(strings.NewReader("abcdefghij"), 4)

	var got []string
	for {
		chunk, err := src.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, string(chunk))
	}
	assert.Equal(t, []string{"abcd", "efgh", "ij"}, got)

	// Stays at EOF.
	_, err := src.Recv()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReaderSource_Abort(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	src := NewReaderSource(pr, 4).WithAbort(func() { _ = pr.Close() })

	errCh := make(chan error, 1)
	go func() {
		_, err := src.Recv()
		errCh <- err
	}()

	src.Abort()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, io.ErrClosedPipe)
	case <-time.After(5 * time.Second):
		t.Fatal("Recv did not return after Abort")
	}

	// Without an abort func Abort does nothing.
	NewReaderSource(strings.NewReader("x"), 4).Abort()
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("disk on fire") }

func TestReaderSource_Error(t *testing.T) {
	_, err := NewReaderSource(failingReader{}, 4).Recv()
	require.Error(t, err)
	assert.NotErrorIs(t, err, io.EOF)
}
