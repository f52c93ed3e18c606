// Package codec serializes relay records as self-describing BSON documents.
//
// Video chunks carry the WebCodecs fields verbatim:
//
//	{type: "key"|"delta", timestamp, duration, byteLength, data: binary}
//
// Control records use the same tag field:
//
//	{type: "control", kind: "camera-on"|"camera-off", peer: binary}
//
// Integers are written as int32 when they fit and int64 otherwise, which is
// what JavaScript BSON readers and writers expect. Doubles holding integral
// values are accepted on decode.
package codec

import (
	"fmt"
	"math"

	"meshcam/internal/core/domain"
	apperrors "meshcam/pkg/errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
)

const (
	fieldType       = "type"
	fieldTimestamp  = "timestamp"
	fieldDuration   = "duration"
	fieldByteLength = "byteLength"
	fieldData       = "data"
	fieldKind       = "kind"
	fieldPeer       = "peer"

	typeControl = "control"
)

// Encode serializes rec. It fails only for values the wire format cannot
// carry (unknown tags, integers above MaxInt64, empty control peer).
func Encode(rec domain.Record) ([]byte, error) {
	var doc bson.D
	switch r := rec.(type) {
	case domain.VideoChunk:
		d, err := videoDoc(r)
		if err != nil {
			return nil, apperrors.NewEncodeError(err)
		}
		doc = d
	case *domain.VideoChunk:
		d, err := videoDoc(*r)
		if err != nil {
			return nil, apperrors.NewEncodeError(err)
		}
		doc = d
	case domain.Control:
		d, err := controlDoc(r)
		if err != nil {
			return nil, apperrors.NewEncodeError(err)
		}
		doc = d
	case *domain.Control:
		d, err := controlDoc(*r)
		if err != nil {
			return nil, apperrors.NewEncodeError(err)
		}
		doc = d
	default:
		return nil, apperrors.NewEncodeError(fmt.Errorf("%w: unsupported record %T", domain.ErrEncodeFailed, rec))
	}

	b, err := bson.Marshal(doc)
	if err != nil {
		return nil, apperrors.NewEncodeError(fmt.Errorf("%w: %v", domain.ErrEncodeFailed, err))
	}
	return b, nil
}

func videoDoc(c domain.VideoChunk) (bson.D, error) {
	if !c.Type.Valid() {
		return nil, fmt.Errorf("%w: chunk type %q", domain.ErrEncodeFailed, c.Type)
	}
	ts, err := number(c.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("timestamp: %w", err)
	}
	dur, err := number(c.Duration)
	if err != nil {
		return nil, fmt.Errorf("duration: %w", err)
	}
	payload := c.Payload
	if payload == nil {
		payload = []byte{}
	}
	return bson.D{
		{Key: fieldType, Value: string(c.Type)},
		{Key: fieldTimestamp, Value: ts},
		{Key: fieldDuration, Value: dur},
		{Key: fieldByteLength, Value: int32OrInt64(int64(len(payload)))},
		{Key: fieldData, Value: payload},
	}, nil
}

func controlDoc(c domain.Control) (bson.D, error) {
	if !c.Kind.Valid() {
		return nil, fmt.Errorf("%w: control kind %q", domain.ErrEncodeFailed, c.Kind)
	}
	if c.Peer == "" {
		return nil, fmt.Errorf("%w: control without peer", domain.ErrEncodeFailed)
	}
	return bson.D{
		{Key: fieldType, Value: typeControl},
		{Key: fieldKind, Value: string(c.Kind)},
		{Key: fieldPeer, Value: c.Peer.Bytes()},
	}, nil
}

func number(v uint64) (interface{}, error) {
	if v > math.MaxInt64 {
		return nil, fmt.Errorf("%w: %d exceeds int64", domain.ErrEncodeFailed, v)
	}
	return int32OrInt64(int64(v)), nil
}

func int32OrInt64(v int64) interface{} {
	if v >= math.MinInt32 && v <= math.MaxInt32 {
		return int32(v)
	}
	return v
}

// Decode parses exactly one record from b. Any shape it does not recognize
// fails with an error matching domain.ErrMalformedRecord. The returned
// payload does not alias b.
func Decode(b []byte) (domain.Record, error) {
	if len(b) < minDocumentSize {
		return nil, malformed("short document: %d bytes", len(b))
	}
	if n := documentLength(b); n != len(b) {
		return nil, malformed("document declares %d bytes, got %d", n, len(b))
	}

	raw := bson.Raw(b)
	if err := raw.Validate(); err != nil {
		return nil, malformed("invalid document: %v", err)
	}

	tag, err := lookupString(raw, fieldType)
	if err != nil {
		return nil, err
	}

	switch tag {
	case string(domain.ChunkKey), string(domain.ChunkDelta):
		return decodeVideo(raw, domain.ChunkType(tag))
	case typeControl:
		return decodeControl(raw)
	default:
		return nil, malformed("unknown record type %q", tag)
	}
}

func decodeVideo(raw bson.Raw, typ domain.ChunkType) (domain.Record, error) {
	ts, err := lookupUint(raw, fieldTimestamp, false)
	if err != nil {
		return nil, err
	}
	dur, err := lookupUint(raw, fieldDuration, true)
	if err != nil {
		return nil, err
	}
	byteLength, err := lookupUint(raw, fieldByteLength, false)
	if err != nil {
		return nil, err
	}

	rv, err := raw.LookupErr(fieldData)
	if err != nil {
		return nil, malformed("missing %s", fieldData)
	}
	_, data, ok := rv.BinaryOK()
	if !ok {
		return nil, malformed("%s is %s, want binary", fieldData, rv.Type)
	}
	if uint64(len(data)) != byteLength {
		return nil, malformed("byteLength %d does not match payload length %d", byteLength, len(data))
	}

	payload := make([]byte, len(data))
	copy(payload, data)
	return domain.VideoChunk{
		Type:      typ,
		Timestamp: ts,
		Duration:  dur,
		Payload:   payload,
	}, nil
}

func decodeControl(raw bson.Raw) (domain.Record, error) {
	kind, err := lookupString(raw, fieldKind)
	if err != nil {
		return nil, err
	}
	if !domain.ControlKind(kind).Valid() {
		return nil, malformed("unknown control kind %q", kind)
	}

	rv, err := raw.LookupErr(fieldPeer)
	if err != nil {
		return nil, malformed("missing %s", fieldPeer)
	}
	_, peer, ok := rv.BinaryOK()
	if !ok || len(peer) == 0 {
		return nil, malformed("%s must be non-empty binary", fieldPeer)
	}

	return domain.Control{
		Kind: domain.ControlKind(kind),
		Peer: domain.PeerIDFromBytes(peer),
	}, nil
}

func lookupString(raw bson.Raw, key string) (string, error) {
	rv, err := raw.LookupErr(key)
	if err != nil {
		return "", malformed("missing %s", key)
	}
	s, ok := rv.StringValueOK()
	if !ok {
		return "", malformed("%s is %s, want string", key, rv.Type)
	}
	return s, nil
}

// lookupUint reads a non-negative integer stored as int32, int64 or an
// integral double. A missing or null field is zero when optional.
func lookupUint(raw bson.Raw, key string, optional bool) (uint64, error) {
	rv, err := raw.LookupErr(key)
	if err != nil || rv.Type == bsontype.Null || rv.Type == bsontype.Undefined {
		if optional {
			return 0, nil
		}
		return 0, malformed("missing %s", key)
	}

	var v int64
	switch rv.Type {
	case bsontype.Int32:
		v = int64(rv.Int32())
	case bsontype.Int64:
		v = rv.Int64()
	case bsontype.Double:
		f := rv.Double()
		if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) || f >= math.MaxInt64 {
			return 0, malformed("%s is not an integer: %v", key, f)
		}
		v = int64(f)
	default:
		return 0, malformed("%s is %s, want number", key, rv.Type)
	}
	if v < 0 {
		return 0, malformed("%s is negative: %d", key, v)
	}
	return uint64(v), nil
}

func malformed(format string, args ...interface{}) error {
	return apperrors.NewMalformedRecordError(
		fmt.Errorf("%w: %s", domain.ErrMalformedRecord, fmt.Sprintf(format, args...)),
	)
}
