package services

import (
	"context"
	"sync"
	"sync/atomic"

	"meshcam/internal/core/domain"
	"meshcam/internal/core/ports"
	apperrors "meshcam/pkg/errors"

	"go.uber.org/zap"
)

// DecodeConfig tunes every per-peer decode pipeline.
type DecodeConfig struct {
	// QueueDepth bounds the ingress queue; Push blocks the peer's reader
	// while it is full.
	QueueDepth int
	// MaxConsecutiveFailures decode errors in a row send the pipeline back
	// to waiting for a key frame.
	MaxConsecutiveFailures int
}

func DefaultDecodeConfig() DecodeConfig {
	return DecodeConfig{
		QueueDepth:             64,
		MaxConsecutiveFailures: 3,
	}
}

// DecodePipeline decodes the video chunks of one peer in arrival order. It
// starts in AwaitingKeyFrame and drops delta chunks until a key frame
// decodes.
type DecodePipeline struct {
	peer    domain.PeerID
	decoder ports.VideoDecoder
	sink    ports.RenderSink
	cfg     DecodeConfig
	logger  *zap.SugaredLogger
	metrics ports.RelayMetrics

	ingress  chan domain.VideoChunk
	done     chan struct{} // closed first by Close, unblocks Push
	stop     chan struct{} // closed once no Push is in flight
	finished chan struct{}

	pushMu    sync.RWMutex
	closed    bool
	closeOnce sync.Once

	mu       sync.Mutex
	state    domain.DecoderState
	failures int
	resync   atomic.Bool

	decoded atomic.Uint64
	dropped atomic.Uint64
}

// NewDecodePipeline starts the pipeline's worker. sink may be nil.
func NewDecodePipeline(
	peer domain.PeerID,
	decoder ports.VideoDecoder,
	sink ports.RenderSink,
	cfg DecodeConfig,
	logger *zap.SugaredLogger,
	metrics ports.RelayMetrics,
) *DecodePipeline {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultDecodeConfig().QueueDepth
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = DefaultDecodeConfig().MaxConsecutiveFailures
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}

	p := &DecodePipeline{
		peer:     peer,
		decoder:  decoder,
		sink:     sink,
		cfg:      cfg,
		logger:   logger.With("peer_id", peer.Short()),
		metrics:  metrics,
		ingress:  make(chan domain.VideoChunk, cfg.QueueDepth),
		done:     make(chan struct{}),
		stop:     make(chan struct{}),
		finished: make(chan struct{}),
		state:    domain.DecoderAwaitingKeyFrame,
	}
	metrics.DecoderStarted()
	go p.run()
	return p
}

func (p *DecodePipeline) Peer() domain.PeerID {
	return p.peer
}

func (p *DecodePipeline) State() domain.DecoderState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Decoded is the number of chunks decoded successfully.
func (p *DecodePipeline) Decoded() uint64 {
	return p.decoded.Load()
}

// Dropped counts chunks discarded by gating, decode errors or closing.
func (p *DecodePipeline) Dropped() uint64 {
	return p.dropped.Load()
}

// Push queues chunk. It blocks while the queue is full and fails with
// ErrPipelineClosed once Close has started.
func (p *DecodePipeline) Push(ctx context.Context, chunk domain.VideoChunk) error {
	p.pushMu.RLock()
	defer p.pushMu.RUnlock()
	if p.closed {
		return domain.ErrPipelineClosed
	}

	select {
	case <-p.done:
		return domain.ErrPipelineClosed
	default:
	}

	select {
	case p.ingress <- chunk:
		return nil
	case <-p.done:
		return domain.ErrPipelineClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resync makes the pipeline wait for the next key frame, e.g. after the
// underlying connection was replaced and records may have been lost.
func (p *DecodePipeline) Resync() {
	p.resync.Store(true)
}

// Close stops accepting chunks, decodes what is already queued, then
// releases the decoder. It is idempotent and returns once the worker exited.
func (p *DecodePipeline) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)

		p.pushMu.Lock()
		p.closed = true
		p.pushMu.Unlock()

		close(p.stop)
		<-p.finished

		p.mu.Lock()
		p.state = domain.DecoderClosed
		p.mu.Unlock()

		if p.decoder != nil {
			err = p.decoder.Close()
		}
		p.metrics.DecoderStopped()
		p.logger.Debugw("decode pipeline closed",
			"decoded", p.decoded.Load(),
			"dropped", p.dropped.Load(),
		)
	})
	return err
}

func (p *DecodePipeline) run() {
	defer close(p.finished)
	for {
		select {
		case chunk := <-p.ingress:
			p.process(chunk)
		case <-p.stop:
			for {
				select {
				case chunk := <-p.ingress:
					p.process(chunk)
				default:
					return
				}
			}
		}
	}
}

func (p *DecodePipeline) process(chunk domain.VideoChunk) {
	p.mu.Lock()
	if p.resync.Swap(false) && p.state == domain.DecoderStreaming {
		p.state = domain.DecoderAwaitingKeyFrame
		p.failures = 0
		p.decoder.Reset()
	}
	state := p.state
	p.mu.Unlock()

	switch state {
	case domain.DecoderAwaitingKeyFrame:
		if !chunk.IsKey() {
			p.drop("awaiting_key_frame")
			return
		}
	case domain.DecoderStreaming:
	default:
		p.drop("closed")
		return
	}

	frame, err := p.decoder.Decode(chunk)
	if err != nil {
		p.onDecodeError(chunk, err)
		return
	}

	p.mu.Lock()
	p.failures = 0
	if p.state == domain.DecoderAwaitingKeyFrame {
		p.state = domain.DecoderStreaming
		p.logger.Debugw("key frame decoded, streaming", "timestamp", chunk.Timestamp)
	}
	p.mu.Unlock()

	p.decoded.Add(1)
	p.metrics.ChunkDecoded(chunk.IsKey())

	if frame != nil && p.sink != nil {
		frame.Peer = p.peer
		p.sink.Render(frame)
	}
}

func (p *DecodePipeline) onDecodeError(chunk domain.VideoChunk, err error) {
	p.drop("decode_error")

	p.mu.Lock()
	p.failures++
	failures := p.failures
	reset := failures >= p.cfg.MaxConsecutiveFailures && p.state == domain.DecoderStreaming
	if reset {
		p.state = domain.DecoderAwaitingKeyFrame
		p.failures = 0
		p.decoder.Reset()
	}
	p.mu.Unlock()

	p.logger.Warnw("dropping undecodable chunk",
		"type", chunk.Type,
		"timestamp", chunk.Timestamp,
		"consecutive_failures", failures,
		"error", apperrors.NewDecodeError(err),
	)
	if reset {
		p.logger.Warnw("too many decode failures, waiting for key frame")
	}
}

func (p *DecodePipeline) drop(reason string) {
	p.dropped.Add(1)
	p.metrics.ChunkDropped(reason)
}
