package domain

import "sync"

// FrameMetadata is the static description of a capture source.
type FrameMetadata struct {
	Width  int
	Height int
	FPS    int
}

// Frame is a raw captured frame (8-bit luma plane). It must be released
// exactly once after use; Release is safe to call more than once.
type Frame struct {
	Data      []byte
	Width     int
	Height    int
	Timestamp uint64 // microseconds since capture start
	Duration  uint64

	once    sync.Once
	release func([]byte)
}

// NewFrame wraps data; release (may be nil) is invoked by the first Release.
func NewFrame(data []byte, width, height int, timestamp, duration uint64, release func([]byte)) *Frame {
	return &Frame{
		Data:      data,
		Width:     width,
		Height:    height,
		Timestamp: timestamp,
		Duration:  duration,
		release:   release,
	}
}

func (f *Frame) Release() {
	f.once.Do(func() {
		if f.release != nil {
			f.release(f.Data)
		}
		f.Data = nil
	})
}

// DecodedFrame is a reconstructed frame handed to the render collaborator.
type DecodedFrame struct {
	Peer      PeerID
	Data      []byte
	Width     int
	Height    int
	Timestamp uint64
	Key       bool
}
