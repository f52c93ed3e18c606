package ports

// RelayMetrics receives the relay counters. The Prometheus collector is the
// production implementation.
type RelayMetrics interface {
	PeerAdded()
	PeerRemoved()
	DecoderStarted()
	DecoderStopped()

	FrameCaptured()
	FrameDropped(reason string)
	ChunkEncoded(key bool, bytes int)
	ChunkDecoded(key bool)
	ChunkDropped(reason string)
	RecordMalformed()

	BytesSent(n int)
	BytesReceived(n int)
	WriteFailed()
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) PeerAdded() {}
func (NopMetrics) PeerRemoved() {}
func (NopMetrics) DecoderStarted() {}
func (NopMetrics) DecoderStopped() {}
func (NopMetrics) FrameCaptured() {}
func (NopMetrics) FrameDropped(string) {}
func (NopMetrics) ChunkEncoded(bool, int) {}
func (NopMetrics) ChunkDecoded(bool) {}
func (NopMetrics) ChunkDropped(string) {}
func (NopMetrics) RecordMalformed() {}
func (NopMetrics) BytesSent(int) {}
func (NopMetrics) BytesReceived(int) {}
func (NopMetrics) WriteFailed() {}
