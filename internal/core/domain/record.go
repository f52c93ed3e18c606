package domain

// Record is the unit exchanged between peers on a single byte stream:
// either a VideoChunk or a Control message.
type Record interface {
	isRecord()
}

// ChunkType tags an encoded chunk as key or delta. The values are the
// WebCodecs chunk type strings.
type ChunkType string

const (
	ChunkKey   ChunkType = "key"
	ChunkDelta ChunkType = "delta"
)

func (t ChunkType) Valid() bool {
	return t == ChunkKey || t == ChunkDelta
}

// VideoChunk is one encoded video unit. Timestamp and Duration are in
// microseconds.
type VideoChunk struct {
	Type      ChunkType
	Timestamp uint64
	Duration  uint64
	Payload   []byte
}

func (VideoChunk) isRecord() {}

// IsKey reports whether the chunk can be decoded without a reference.
func (c VideoChunk) IsKey() bool {
	return c.Type == ChunkKey
}

// ByteLength mirrors the byteLength field carried on the wire.
func (c VideoChunk) ByteLength() int {
	return len(c.Payload)
}

// ControlKind is the discriminant of a Control record.
type ControlKind string

const (
	CameraOn  ControlKind = "camera-on"
	CameraOff ControlKind = "camera-off"
)

func (k ControlKind) Valid() bool {
	return k == CameraOn || k == CameraOff
}

// Control announces a camera state change of the originating peer.
type Control struct {
	Kind ControlKind
	Peer PeerID
}

func (Control) isRecord() {}
