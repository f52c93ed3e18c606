package ports

import (
	"context"

	"meshcam/internal/core/domain"
)

// CaptureSource is a lazy, restartable sequence of raw frames. Every call to
// Frames starts a new sequence that ends when ctx is cancelled.
type CaptureSource interface {
	Metadata() domain.FrameMetadata
	Frames(ctx context.Context) <-chan *domain.Frame
}

// VideoEncoder encodes frames asynchronously; produced chunks are delivered
// to the output callback given to the EncoderFactory.
type VideoEncoder interface {
	// Encode queues frame. The frame may be released as soon as it returns.
	Encode(frame *domain.Frame, keyFrame bool) error
	// QueueDepth is the number of frames accepted but not yet emitted.
	QueueDepth() int
	// Flush blocks until every queued frame has been emitted.
	Flush(ctx context.Context) error
	Close() error
}

// EncoderFactory configures an encoder for the given source.
type EncoderFactory func(meta domain.FrameMetadata, output func(domain.VideoChunk)) (VideoEncoder, error)

// VideoDecoder turns chunks back into frames. It is driven by a single
// goroutine.
type VideoDecoder interface {
	Decode(chunk domain.VideoChunk) (*domain.DecodedFrame, error)
	// Reset drops the reference frame.
	Reset()
	Close() error
}

type DecoderFactory func(peer domain.PeerID) (VideoDecoder, error)

// RenderSink consumes the decoded frames of one peer.
type RenderSink interface {
	Render(frame *domain.DecodedFrame)
}

// Renderer is the presentation collaborator.
type Renderer interface {
	Attach(peer domain.PeerID) RenderSink
	Detach(peer domain.PeerID)
}
