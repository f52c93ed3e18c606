package services

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"meshcam/internal/core/codec"
	"meshcam/internal/core/domain"
	"meshcam/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type captureFixture struct {
	pipeline *CapturePipeline
	encoder  *fakeEncoder
	conn     *fakeConn
	renderer *fakeRenderer
	metrics  *recordingMetrics
	local    domain.PeerID
}

func newCaptureFixture(t *testing.T, cfg CaptureConfig) *captureFixture {
	t.Helper()
	f := &captureFixture{
		conn:     newFakeConn(testPeer(0x02), "s-2"),
		renderer: &fakeRenderer{},
		metrics:  &recordingMetrics{},
		local:    testPeer(0x01),
	}
	logger := zaptest.NewLogger(t).Sugar()
	broadcaster := NewBroadcaster(staticPeers{f.conn}, logger, f.metrics)
	newEncoder := func(_ domain.FrameMetadata, output func(domain.VideoChunk)) (ports.VideoEncoder, error) {
		f.encoder = &fakeEncoder{output: output}
		return f.encoder, nil
	}
	decoders := &decoderSet{}
	f.pipeline = NewCapturePipeline(f.local, cfg, DefaultDecodeConfig(), newEncoder, decoders.factory, f.renderer, broadcaster, logger, f.metrics)
	t.Cleanup(func() { _ = f.pipeline.Stop(context.Background()) })
	return f
}

func (f *captureFixture) records(t *testing.T) []domain.Record {
	t.Helper()
	var out []domain.Record
	for _, b := range f.conn.Written() {
		rec, err := codec.Decode(b)
		require.NoError(t, err)
		out = append(out, rec)
	}
	return out
}

func testFrame(ts uint64, released *atomic.Int64) *domain.Frame {
	return domain.NewFrame(make([]byte, 16), 4, 4, ts, 33333, func([]byte) {
		if released != nil {
			released.Add(1)
		}
	})
}

func TestCapturePipeline_KeyFrameCadence(t *testing.T) {
	f := newCaptureFixture(t, CaptureConfig{KeyFrameInterval: 150, MaxEncodeQueue: 2})
	encoder := &fakeEncoder{output: func(domain.VideoChunk) {}}
	session := &captureSession{encoder: encoder}

	for i := 0; i < 301; i++ {
		f.pipeline.processFrame(session, testFrame(uint64(i), nil))
	}

	var keyAt []int
	for i, k := range encoder.Keys() {
		if k {
			keyAt = append(keyAt, i)
		}
	}
	assert.Equal(t, []int{0, 150, 300}, keyAt)
	assert.Equal(t, uint64(301), f.pipeline.FrameCounter())
}

func TestCapturePipeline_DropsFramesWhenEncoderBacklogged(t *testing.T) {
	f := newCaptureFixture(t, CaptureConfig{KeyFrameInterval: 150, MaxEncodeQueue: 2})
	encoder := &fakeEncoder{output: func(domain.VideoChunk) {}, holding: true}
	session := &captureSession{encoder: encoder}

	var released atomic.Int64
	for i := 0; i < 5; i++ {
		f.pipeline.processFrame(session, testFrame(uint64(i), &released))
	}

	// depth 0, 1 and 2 are accepted; at depth 3 frames are dropped
	assert.Len(t, encoder.Keys(), 3)
	assert.Equal(t, uint64(3), f.pipeline.FrameCounter())
	assert.Equal(t, 2, f.metrics.Dropped("encoder_busy"))
	assert.Equal(t, int64(5), released.Load())
}

type failingEncoder struct {
	fakeEncoder
	fail atomic.Bool
}

func (e *failingEncoder) Encode(frame *domain.Frame, keyFrame bool) error {
	if e.fail.Load() {
		return errors.New("hardware busy")
	}
	return e.fakeEncoder.Encode(frame, keyFrame)
}

func TestCapturePipeline_EncodeErrorKeepsRunning(t *testing.T) {
	f := newCaptureFixture(t, CaptureConfig{KeyFrameInterval: 150, MaxEncodeQueue: 2})
	encoder := &failingEncoder{fakeEncoder: fakeEncoder{output: func(domain.VideoChunk) {}}}
	session := &captureSession{encoder: encoder}

	encoder.fail.Store(true)
	f.pipeline.processFrame(session, testFrame(0, nil))
	assert.Equal(t, uint64(0), f.pipeline.FrameCounter())
	assert.Equal(t, 1, f.metrics.Dropped("encode_error"))

	encoder.fail.Store(false)
	f.pipeline.processFrame(session, testFrame(1, nil))
	f.pipeline.processFrame(session, testFrame(2, nil))
	assert.Equal(t, []bool{true, false}, encoder.Keys())
}

func TestCapturePipeline_StartBroadcastsCameraOnOnce(t *testing.T) {
	f := newCaptureFixture(t, DefaultCaptureConfig())
	src := newChanSource()
	ctx := context.Background()

	require.NoError(t, f.pipeline.Start(ctx, src))
	src.frames <- testFrame(0, nil)
	assert.Eventually(t, func() bool { return f.pipeline.FrameCounter() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, f.pipeline.Start(ctx, src))
	assert.Equal(t, uint64(1), f.pipeline.FrameCounter())
	assert.True(t, f.pipeline.Running())

	recs := f.records(t)
	require.Len(t, recs, 2)
	assert.Equal(t, domain.Control{Kind: domain.CameraOn, Peer: f.local}, recs[0])
	chunk, ok := recs[1].(domain.VideoChunk)
	require.True(t, ok)
	assert.True(t, chunk.IsKey())
}

func TestCapturePipeline_StopFlushesAndAnnounces(t *testing.T) {
	f := newCaptureFixture(t, DefaultCaptureConfig())
	src := newChanSource()
	ctx := context.Background()

	require.NoError(t, f.pipeline.Start(ctx, src))
	f.encoder.SetHolding(true)
	src.frames <- testFrame(0, nil)
	src.frames <- testFrame(1, nil)
	assert.Eventually(t, func() bool { return f.encoder.QueueDepth() == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, f.pipeline.Stop(ctx))
	assert.False(t, f.pipeline.Running())
	assert.True(t, f.encoder.closed)

	recs := f.records(t)
	require.Len(t, recs, 4)
	assert.IsType(t, domain.VideoChunk{}, recs[1])
	assert.IsType(t, domain.VideoChunk{}, recs[2])
	assert.Equal(t, domain.Control{Kind: domain.CameraOff, Peer: f.local}, recs[3])

	assert.NoError(t, f.pipeline.Stop(ctx))
	assert.Len(t, f.conn.Written(), 4)
}

func TestCapturePipeline_RestartResetsCounter(t *testing.T) {
	f := newCaptureFixture(t, DefaultCaptureConfig())
	src := newChanSource()
	ctx := context.Background()

	require.NoError(t, f.pipeline.Start(ctx, src))
	src.frames <- testFrame(0, nil)
	src.frames <- testFrame(1, nil)
	assert.Eventually(t, func() bool { return f.pipeline.FrameCounter() == 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, f.pipeline.Stop(ctx))

	require.NoError(t, f.pipeline.Start(ctx, src))
	assert.Equal(t, uint64(0), f.pipeline.FrameCounter())
	src.frames <- testFrame(2, nil)
	assert.Eventually(t, func() bool { return len(f.encoder.Keys()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []bool{true}, f.encoder.Keys())
}

func TestCapturePipeline_PreviewRendersLocalStream(t *testing.T) {
	f := newCaptureFixture(t, DefaultCaptureConfig())
	src := newChanSource()
	ctx := context.Background()

	require.NoError(t, f.pipeline.Start(ctx, src))
	src.frames <- testFrame(0, nil)
	src.frames <- testFrame(1, nil)
	assert.Eventually(t, func() bool { return f.pipeline.FrameCounter() == 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, f.pipeline.Stop(ctx))

	sink := f.renderer.Sink(f.local)
	require.NotNil(t, sink)
	assert.Equal(t, int64(2), sink.rendered.Load())
	assert.Equal(t, []string{"attach:" + f.local.Short(), "detach:" + f.local.Short()}, f.renderer.Events())
}

func TestCapturePipeline_GreetNewPeer(t *testing.T) {
	f := newCaptureFixture(t, DefaultCaptureConfig())
	late := newFakeConn(testPeer(0x03), "s-3")

	f.pipeline.Greet(late)
	assert.Empty(t, late.Written())
	assert.ErrorIs(t, f.pipeline.RequestKeyFrame(), domain.ErrCaptureNotRunning)

	src := newChanSource()
	ctx := context.Background()
	require.NoError(t, f.pipeline.Start(ctx, src))
	src.frames <- testFrame(0, nil)
	src.frames <- testFrame(1, nil)
	assert.Eventually(t, func() bool { return f.pipeline.FrameCounter() == 2 }, time.Second, 5*time.Millisecond)

	f.pipeline.Greet(late)
	written := late.Written()
	require.Len(t, written, 1)
	rec, err := codec.Decode(written[0])
	require.NoError(t, err)
	assert.Equal(t, domain.Control{Kind: domain.CameraOn, Peer: f.local}, rec)

	src.frames <- testFrame(2, nil)
	assert.Eventually(t, func() bool { return len(f.encoder.Keys()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []bool{true, false, true}, f.encoder.Keys())
}
