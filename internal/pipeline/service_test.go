package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/vidpipe/internal/artifact"
	"github.com/jmylchreest/vidpipe/internal/config"
)

// recordingFactory hands out managers from a real store and remembers them.
type recordingFactory struct {
	store *artifact.Store

	mu       sync.Mutex
	managers []*artifact.Manager
}

func (f *recordingFactory) NewManager(logger *slog.Logger) *artifact.Manager {
	m := f.store.NewManager(logger)
	f.mu.Lock()
	f.managers = append(f.managers, m)
	f.mu.Unlock()
	return m
}

func (f *recordingFactory) live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.managers {
		n += m.Live()
	}
	return n
}

// sessionFiles lists the artifact files left in the store's session directory.
func (f *recordingFactory) sessionFiles(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(f.store.Dir())
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		if e.Name() != ".lock" {
			names = append(names, e.Name())
		}
	}
	return names
}

func newTestService(t *testing.T, codec MediaCodec, workers int, stream config.StreamConfig) (*Service, *recordingFactory) {
	t.Helper()
	store, err := artifact.NewStore(t.TempDir(), 0, newTestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	if stream.ChunkSize == 0 {
		stream.ChunkSize = config.ByteSize(DefaultChunkSize)
	}
	factory := &recordingFactory{store: store}
	return NewService(factory, codec, NewWorkerPool(workers), stream, newTestLogger()), factory
}

func TestService_NoAudioScenario(t *testing.T) {
	codec := &fakeCodec{hasAudio: false}
	svc, factory := newTestService(t, codec, 4, config.StreamConfig{})

	input := patterned(10*1024*1024, 42)
	sink := &collectSink{}

	err := svc.Process(context.Background(), "silent", &sliceSource{chunks: split(input, DefaultChunkSize)}, sink)
	require.NoError(t, err)

	want := append([]byte("T|"), input...)
	assert.Equal(t, len(want), len(sink.Bytes()))
	assert.True(t, bytes.Equal(want, sink.Bytes()))
	assert.Equal(t, []string{"extract", "transform"}, codec.Calls())

	for _, size := range sink.sizes[:len(sink.sizes)-1] {
		assert.Equal(t, DefaultChunkSize, size)
	}

	assert.Zero(t, factory.live())
	assert.Empty(t, factory.sessionFiles(t))
}

func TestService_WithAudioScenario(t *testing.T) {
	codec := &fakeCodec{hasAudio: true}
	svc, factory := newTestService(t, codec, 4, config.StreamConfig{})

	input := patterned(10*1024*1024, 11)
	sink := &collectSink{}

	err := svc.Process(context.Background(), "with-audio", &sliceSource{chunks: split(input, 50_000)}, sink)
	require.NoError(t, err)

	want := bytes.Join([][]byte{[]byte("M"), append([]byte("T|"), input...), append([]byte("A|"), input...)}, []byte("|"))
	assert.True(t, bytes.Equal(want, sink.Bytes()))
	assert.Equal(t, 1, codec.count("mux"))

	assert.Zero(t, factory.live())
	assert.Empty(t, factory.sessionFiles(t))
}

func TestService_FailureSendsNothing(t *testing.T) {
	tests := []struct {
		name  string
		codec *fakeCodec
		kind  error
	}{
		{"extract fails", &fakeCodec{extractErr: errors.New("bad input")}, ErrCodecFailure},
		{"transform fails", &fakeCodec{hasAudio: true, transformErr: errors.New("encoder crashed")}, ErrCodecFailure},
		{"mux fails", &fakeCodec{hasAudio: true, muxErr: errors.New("mux crashed")}, ErrCodecFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, factory := newTestService(t, tt.codec, 1, config.StreamConfig{})
			sink := &collectSink{}

			err := svc.Process(context.Background(), "fail", &sliceSource{chunks: split(patterned(5000, 1), 512)}, sink)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.kind)

			assert.Zero(t, sink.Sends(), "no partial output after a failure")
			assert.Zero(t, factory.live())
			assert.Empty(t, factory.sessionFiles(t))
		})
	}
}

func TestService_ReceiveFailureCleansUp(t *testing.T) {
	codec := &fakeCodec{}
	svc, factory := newTestService(t, codec, 1, config.StreamConfig{})

	src := &sliceSource{chunks: [][]byte{[]byte("abc")}, err: errors.New("connection reset")}
	err := svc.Process(context.Background(), "reset", src, &collectSink{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocolFailure)

	assert.Empty(t, codec.Calls())
	assert.Zero(t, factory.live())
	assert.Empty(t, factory.sessionFiles(t))
}

func TestService_StreamFailureCleansUp(t *testing.T) {
	svc, factory := newTestService(t, &fakeCodec{}, 1, config.StreamConfig{ChunkSize: 128})

	sink := &collectSink{failAfter: 3}
	err := svc.Process(context.Background(), "peer-gone", &sliceSource{chunks: [][]byte{patterned(4096, 5)}}, sink)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocolFailure)

	assert.Zero(t, factory.live())
	assert.Empty(t, factory.sessionFiles(t))
}

func TestService_CancellationCleansUp(t *testing.T) {
	codec := &fakeCodec{blockTransform: true, transformStarted: make(chan struct{})}
	svc, factory := newTestService(t, codec, 1, config.StreamConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-codec.transformStarted
		cancel()
	}()

	sink := &collectSink{}
	err := svc.Process(ctx, "cancelled", &sliceSource{chunks: [][]byte{[]byte("video")}}, sink)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "transforming_frames: canceled", Summary(err))

	assert.Zero(t, sink.Sends())
	assert.Zero(t, factory.live())
	assert.Empty(t, factory.sessionFiles(t))
}

func TestService_MaxInputSize(t *testing.T) {
	codec := &fakeCodec{}
	svc, factory := newTestService(t, codec, 1, config.StreamConfig{MaxInputSize: 1024})

	err := svc.Process(context.Background(), "big", &sliceSource{chunks: split(patterned(2048, 0), 100)}, &collectSink{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInputTooLarge)
	assert.Empty(t, codec.Calls())
	assert.Empty(t, factory.sessionFiles(t))
}

func TestService_QueuedCallCancelled(t *testing.T) {
	codec := &fakeCodec{}
	svc, _ := newTestService(t, codec, 1, config.StreamConfig{})

	// Occupy the only worker with a call whose input never ends.
	blocker := &blockingSource{release: make(chan struct{})}
	done := make(chan error, 1)
	go func() {
		done <- svc.Process(context.Background(), "blocker", blocker, &collectSink{})
	}()
	require.Eventually(t, func() bool { return svc.Pool().Active() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := svc.Process(ctx, "queued", &sliceSource{}, &collectSink{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocolFailure)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(blocker.release)
	<-done
}

func TestService_ConcurrentIsolation(t *testing.T) {
	codec := &fakeCodec{hasAudio: true}
	svc, factory := newTestService(t, codec, 2, config.StreamConfig{ChunkSize: 1000})

	const calls = 6
	var wg sync.WaitGroup
	sinks := make([]*collectSink, calls)
	inputs := make([][]byte, calls)
	errs := make([]error, calls)

	for i := range calls {
		inputs[i] = patterned(20_000+i*777, byte(i))
		sinks[i] = &collectSink{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			src := &sliceSource{chunks: split(inputs[i], 333+i)}
			errs[i] = svc.Process(context.Background(), fmt.Sprintf("call-%d", i), src, sinks[i])
		}()
	}
	wg.Wait()

	for i := range calls {
		require.NoError(t, errs[i])
		want := bytes.Join([][]byte{[]byte("M"), append([]byte("T|"), inputs[i]...), append([]byte("A|"), inputs[i]...)}, []byte("|"))
		assert.True(t, bytes.Equal(want, sinks[i].Bytes()), "call %d received someone else's output", i)
	}
	assert.Equal(t, calls, codec.count("mux"))
	assert.Zero(t, factory.live())
	assert.Empty(t, factory.sessionFiles(t))
}

func TestService_StageLogsCarryCallID(t *testing.T) {
	store, err := artifact.NewStore(t.TempDir(), 0, newTestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	svc := NewService(store, &fakeCodec{}, NewWorkerPool(1), config.StreamConfig{ChunkSize: 4}, logger)

	require.NoError(t, svc.Process(context.Background(), "call-7", &sliceSource{chunks: [][]byte{[]byte("abc")}}, &collectSink{}))

	var stageLines int
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		if bytes.Contains(line, []byte(`"msg":"executing stage"`)) ||
			bytes.Contains(line, []byte(`"msg":"output streamed"`)) ||
			bytes.Contains(line, []byte(`"msg":"input assembled"`)) {
			stageLines++
			assert.Contains(t, string(line), `"call_id":"call-7"`)
		}
	}
	assert.GreaterOrEqual(t, stageLines, 4)
}
