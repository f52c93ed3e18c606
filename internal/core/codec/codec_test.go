package codec

import (
	"errors"
	"math"
	"testing"

	"meshcam/internal/core/domain"
	apperrors "meshcam/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	peer := domain.PeerIDFromBytes([]byte{0xde, 0xad, 0xbe, 0xef, 0x01, 0x02})

	records := []domain.Record{
		domain.VideoChunk{Type: domain.ChunkKey, Timestamp: 0, Duration: 33333, Payload: []byte{1, 2, 3}},
		domain.VideoChunk{Type: domain.ChunkDelta, Timestamp: 5_000_000_000, Duration: 0, Payload: []byte{0xff}},
		domain.VideoChunk{Type: domain.ChunkDelta, Timestamp: math.MaxInt64, Duration: math.MaxInt32, Payload: []byte{}},
		domain.Control{Kind: domain.CameraOn, Peer: peer},
		domain.Control{Kind: domain.CameraOff, Peer: peer},
	}

	for _, rec := range records {
		b, err := Encode(rec)
		require.NoError(t, err)

		got, err := Decode(b)
		require.NoError(t, err)
		assert.Equal(t, rec, got)

		again, err := Encode(got)
		require.NoError(t, err)
		assert.Equal(t, b, again, "encoding must be byte-for-byte stable")
	}
}

func TestEncode_AcceptsPointers(t *testing.T) {
	chunk := &domain.VideoChunk{Type: domain.ChunkKey, Payload: []byte{9}}
	b, err := Encode(chunk)
	require.NoError(t, err)

	got, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, *chunk, got)
}

func TestEncode_RejectsUnrepresentable(t *testing.T) {
	cases := []struct {
		name string
		rec  domain.Record
	}{
		{"unknown chunk type", domain.VideoChunk{Type: "b-frame"}},
		{"timestamp overflow", domain.VideoChunk{Type: domain.ChunkKey, Timestamp: math.MaxUint64}},
		{"duration overflow", domain.VideoChunk{Type: domain.ChunkKey, Duration: math.MaxInt64 + 1}},
		{"unknown control", domain.Control{Kind: "mute", Peer: "p"}},
		{"control without peer", domain.Control{Kind: domain.CameraOn}},
		{"nil record", nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Encode(tc.rec)
			require.Error(t, err)
			assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeEncode))
		})
	}
}

func TestDecode_VideoChunkFields(t *testing.T) {
	b, err := Encode(domain.VideoChunk{Type: domain.ChunkKey, Timestamp: 42, Duration: 7, Payload: []byte("abcd")})
	require.NoError(t, err)

	var fields map[string]interface{}
	require.NoError(t, bson.Unmarshal(b, &fields))
	assert.Len(t, fields, 5)
	assert.Equal(t, "key", fields["type"])
	assert.EqualValues(t, 42, fields["timestamp"])
	assert.EqualValues(t, 7, fields["duration"])
	assert.EqualValues(t, 4, fields["byteLength"])
}

func TestDecode_AcceptsJavaScriptNumbers(t *testing.T) {
	// A browser peer serializes large timestamps as doubles and may leave
	// duration null.
	b, err := bson.Marshal(bson.D{
		{Key: "type", Value: "delta"},
		{Key: "timestamp", Value: float64(3_000_000_000)},
		{Key: "duration", Value: nil},
		{Key: "byteLength", Value: float64(2)},
		{Key: "data", Value: []byte{7, 8}},
	})
	require.NoError(t, err)

	got, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, domain.VideoChunk{
		Type:      domain.ChunkDelta,
		Timestamp: 3_000_000_000,
		Payload:   []byte{7, 8},
	}, got)
}

func TestDecode_PayloadDoesNotAliasInput(t *testing.T) {
	b, err := Encode(domain.VideoChunk{Type: domain.ChunkKey, Payload: []byte{1, 2, 3}})
	require.NoError(t, err)

	got, err := Decode(b)
	require.NoError(t, err)
	for i := range b {
		b[i] = 0
	}
	assert.Equal(t, []byte{1, 2, 3}, got.(domain.VideoChunk).Payload)
}

func TestDecode_Malformed(t *testing.T) {
	mustMarshal := func(d bson.D) []byte {
		b, err := bson.Marshal(d)
		require.NoError(t, err)
		return b
	}
	valid, err := Encode(domain.VideoChunk{Type: domain.ChunkKey, Payload: []byte{1}})
	require.NoError(t, err)

	cases := []struct {
		name  string
		input []byte
	}{
		{"empty", nil},
		{"garbage", []byte("not a bson document")},
		{"truncated", valid[:len(valid)-3]},
		{"trailing bytes", append(append([]byte{}, valid...), 0x00)},
		{"no type", mustMarshal(bson.D{{Key: "timestamp", Value: int32(1)}})},
		{"type not string", mustMarshal(bson.D{{Key: "type", Value: int32(1)}})},
		{"unknown type", mustMarshal(bson.D{{Key: "type", Value: "audio"}})},
		{"byteLength mismatch", mustMarshal(bson.D{
			{Key: "type", Value: "key"},
			{Key: "timestamp", Value: int32(0)},
			{Key: "duration", Value: int32(0)},
			{Key: "byteLength", Value: int32(10)},
			{Key: "data", Value: []byte{1, 2}},
		})},
		{"missing byteLength", mustMarshal(bson.D{
			{Key: "type", Value: "key"},
			{Key: "timestamp", Value: int32(0)},
			{Key: "data", Value: []byte{1, 2}},
		})},
		{"data not binary", mustMarshal(bson.D{
			{Key: "type", Value: "key"},
			{Key: "timestamp", Value: int32(0)},
			{Key: "byteLength", Value: int32(2)},
			{Key: "data", Value: "xy"},
		})},
		{"negative timestamp", mustMarshal(bson.D{
			{Key: "type", Value: "key"},
			{Key: "timestamp", Value: int32(-5)},
			{Key: "byteLength", Value: int32(0)},
			{Key: "data", Value: []byte{}},
		})},
		{"fractional timestamp", mustMarshal(bson.D{
			{Key: "type", Value: "key"},
			{Key: "timestamp", Value: 1.5},
			{Key: "byteLength", Value: int32(0)},
			{Key: "data", Value: []byte{}},
		})},
		{"unknown control", mustMarshal(bson.D{
			{Key: "type", Value: "control"},
			{Key: "kind", Value: "mute"},
			{Key: "peer", Value: []byte{1}},
		})},
		{"control without peer", mustMarshal(bson.D{
			{Key: "type", Value: "control"},
			{Key: "kind", Value: "camera-on"},
		})},
		{"control empty peer", mustMarshal(bson.D{
			{Key: "type", Value: "control"},
			{Key: "kind", Value: "camera-on"},
			{Key: "peer", Value: []byte{}},
		})},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var rec domain.Record
			require.NotPanics(t, func() {
				rec, err = Decode(tc.input)
			})
			require.Error(t, err)
			assert.Nil(t, rec)
			assert.True(t, errors.Is(err, domain.ErrMalformedRecord), "got %v", err)
			assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeMalformedRecord))
		})
	}
}
