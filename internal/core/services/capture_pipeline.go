package services

import (
	"context"
	"sync"
	"sync/atomic"

	"meshcam/internal/core/codec"
	"meshcam/internal/core/domain"
	"meshcam/internal/core/ports"
	apperrors "meshcam/pkg/errors"
	"meshcam/pkg/tracing"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type CaptureConfig struct {
	// KeyFrameInterval forces a key frame whenever the frame counter is a
	// multiple of it.
	KeyFrameInterval uint64
	// MaxEncodeQueue frames may wait in the encoder; a frame arriving while
	// more are queued is dropped.
	MaxEncodeQueue int
	// KeyFrameOnJoin requests an extra key frame when a peer joins so it does
	// not wait for the next scheduled one.
	KeyFrameOnJoin bool
	// Preview decodes our own chunks and renders them under the local id.
	Preview bool
}

func DefaultCaptureConfig() CaptureConfig {
	return CaptureConfig{
		KeyFrameInterval: 150,
		MaxEncodeQueue:   2,
		KeyFrameOnJoin:   true,
		Preview:          true,
	}
}

// captureSession is the state of one Start/Stop cycle.
type captureSession struct {
	encoder  ports.VideoEncoder
	preview  *DecodePipeline
	cancel   context.CancelFunc
	done     chan struct{}
	forceKey atomic.Bool
}

// CapturePipeline turns local camera frames into chunks and broadcasts them.
type CapturePipeline struct {
	localID     domain.PeerID
	cfg         CaptureConfig
	decodeCfg   DecodeConfig
	newEncoder  ports.EncoderFactory
	newDecoder  ports.DecoderFactory
	renderer    ports.Renderer
	broadcaster *Broadcaster
	logger      *zap.SugaredLogger
	metrics     ports.RelayMetrics

	mu      sync.Mutex // serializes Start and Stop
	current atomic.Pointer[captureSession]
	counter atomic.Uint64
}

// NewCapturePipeline wires the encode side. newDecoder and renderer are only
// used for the local preview and may be nil.
func NewCapturePipeline(
	localID domain.PeerID,
	cfg CaptureConfig,
	decodeCfg DecodeConfig,
	newEncoder ports.EncoderFactory,
	newDecoder ports.DecoderFactory,
	renderer ports.Renderer,
	broadcaster *Broadcaster,
	logger *zap.SugaredLogger,
	metrics ports.RelayMetrics,
) *CapturePipeline {
	defaults := DefaultCaptureConfig()
	if cfg.KeyFrameInterval == 0 {
		cfg.KeyFrameInterval = defaults.KeyFrameInterval
	}
	if cfg.MaxEncodeQueue <= 0 {
		cfg.MaxEncodeQueue = defaults.MaxEncodeQueue
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &CapturePipeline{
		localID:     localID,
		cfg:         cfg,
		decodeCfg:   decodeCfg,
		newEncoder:  newEncoder,
		newDecoder:  newDecoder,
		renderer:    renderer,
		broadcaster: broadcaster,
		logger:      logger,
		metrics:     metrics,
	}
}

func (p *CapturePipeline) Running() bool {
	return p.current.Load() != nil
}

// FrameCounter is the number of frames handed to the encoder since the last
// fresh Start.
func (p *CapturePipeline) FrameCounter() uint64 {
	return p.counter.Load()
}

// Start begins capturing from source. Calling it while already running is a
// no-op: no second CameraOn is sent and the frame counter is kept.
func (p *CapturePipeline) Start(ctx context.Context, source ports.CaptureSource) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current.Load() != nil {
		p.logger.Debug("capture already running")
		return nil
	}

	ctx, span := tracing.TraceCapture(ctx, "start")
	defer span.End()

	session := &captureSession{done: make(chan struct{})}
	encoder, err := p.newEncoder(source.Metadata(), func(chunk domain.VideoChunk) {
		p.emit(session, chunk)
	})
	if err != nil {
		err = apperrors.NewEncodeError(err)
		tracing.RecordError(ctx, err)
		return err
	}
	session.encoder = encoder

	if p.cfg.Preview && p.newDecoder != nil && p.renderer != nil {
		decoder, err := p.newDecoder(p.localID)
		if err != nil {
			p.logger.Warnw("local preview unavailable", "error", err)
		} else {
			sink := p.renderer.Attach(p.localID)
			session.preview = NewDecodePipeline(p.localID, decoder, sink, p.decodeCfg, p.logger, p.metrics)
		}
	}

	p.counter.Store(0)
	p.current.Store(session)

	if _, err := p.broadcaster.Broadcast(domain.Control{Kind: domain.CameraOn, Peer: p.localID}); err != nil {
		p.logger.Warnw("camera-on not delivered to every peer", "error", err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	session.cancel = cancel
	go p.captureLoop(loopCtx, session, source.Frames(loopCtx))

	meta := source.Metadata()
	p.logger.Infow("camera on", "width", meta.Width, "height", meta.Height, "fps", meta.FPS)
	return nil
}

// Stop ends capturing, flushes the encoder and announces CameraOff. It is a
// no-op when not running.
func (p *CapturePipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	session := p.current.Load()
	if session == nil {
		return nil
	}

	ctx, span := tracing.TraceCapture(ctx, "stop")
	defer span.End()

	session.cancel()
	<-session.done

	err := multierr.Combine(
		session.encoder.Flush(ctx),
		session.encoder.Close(),
	)
	if err != nil {
		err = apperrors.NewEncodeError(err)
		tracing.RecordError(ctx, err)
		p.logger.Warnw("encoder shutdown incomplete", "error", err)
	}

	if _, berr := p.broadcaster.Broadcast(domain.Control{Kind: domain.CameraOff, Peer: p.localID}); berr != nil {
		p.logger.Warnw("camera-off not delivered to every peer", "error", berr)
	}

	if session.preview != nil {
		if cerr := session.preview.Close(); cerr != nil {
			p.logger.Debugw("closing preview decoder", "error", cerr)
		}
		p.renderer.Detach(p.localID)
	}

	p.current.Store(nil)
	p.logger.Infow("camera off", "frames", p.counter.Load())
	return err
}

// Greet brings a newly connected peer up to date: it learns that our camera
// is on and, if configured, the next frame is encoded as a key frame.
func (p *CapturePipeline) Greet(conn ports.Conn) {
	session := p.current.Load()
	if session == nil {
		return
	}
	if err := p.broadcaster.SendTo(conn, domain.Control{Kind: domain.CameraOn, Peer: p.localID}); err != nil {
		p.logger.Debugw("greeting peer failed", "peer_id", conn.RemotePeer().Short(), "error", err)
	}
	if p.cfg.KeyFrameOnJoin {
		session.forceKey.Store(true)
	}
}

// RequestKeyFrame makes the next encoded frame a key frame.
func (p *CapturePipeline) RequestKeyFrame() error {
	session := p.current.Load()
	if session == nil {
		return domain.ErrCaptureNotRunning
	}
	session.forceKey.Store(true)
	return nil
}

func (p *CapturePipeline) captureLoop(ctx context.Context, session *captureSession, frames <-chan *domain.Frame) {
	defer close(session.done)
	for {
		select {
		case <-ctx.Done():
			// the source closes the channel once it sees the cancellation
			for frame := range frames {
				frame.Release()
			}
			return
		case frame, ok := <-frames:
			if !ok {
				p.logger.Info("capture source ended")
				return
			}
			p.processFrame(session, frame)
		}
	}
}

// processFrame applies backpressure and key frame cadence to one frame.
func (p *CapturePipeline) processFrame(session *captureSession, frame *domain.Frame) {
	defer frame.Release()
	p.metrics.FrameCaptured()

	if session.encoder.QueueDepth() > p.cfg.MaxEncodeQueue {
		p.metrics.FrameDropped("encoder_busy")
		return
	}

	forced := session.forceKey.Swap(false)
	counter := p.counter.Load()
	keyFrame := counter%p.cfg.KeyFrameInterval == 0 || forced

	if err := session.encoder.Encode(frame, keyFrame); err != nil {
		if keyFrame {
			session.forceKey.Store(true)
		}
		p.metrics.FrameDropped("encode_error")
		p.logger.Warnw("encoding frame failed", "error", apperrors.NewEncodeError(err))
		return
	}
	p.counter.Add(1)
}

// emit runs on the encoder's output goroutine.
func (p *CapturePipeline) emit(session *captureSession, chunk domain.VideoChunk) {
	p.metrics.ChunkEncoded(chunk.IsKey(), len(chunk.Payload))

	data, err := codec.Encode(chunk)
	if err != nil {
		p.logger.Errorw("serializing chunk failed", "error", err)
		return
	}
	if _, err := p.broadcaster.BroadcastBytes(data); err != nil {
		p.logger.Debugw("chunk not delivered to every peer", "error", err)
	}

	if session.preview != nil {
		if err := session.preview.Push(context.Background(), chunk); err != nil {
			p.logger.Debugw("preview dropped chunk", "error", err)
		}
	}
}
