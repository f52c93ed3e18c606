package domain

import (
	"encoding/hex"
	"fmt"
)

// PeerID is the opaque identifier of a peer: the raw bytes of its public key.
// It is a string so it can key maps; it is not meant to be printed directly.
type PeerID string

// PeerIDFromBytes copies b into a PeerID.
func PeerIDFromBytes(b []byte) PeerID {
	return PeerID(b)
}

// ParsePeerID decodes a hex encoded public key.
func ParsePeerID(s string) (PeerID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("invalid peer id %q: %w", s, err)
	}
	if len(b) == 0 {
		return "", fmt.Errorf("invalid peer id: empty")
	}
	return PeerID(b), nil
}

func (id PeerID) Bytes() []byte {
	return []byte(id)
}

// Hex returns the full hex encoding of the key.
func (id PeerID) Hex() string {
	return hex.EncodeToString([]byte(id))
}

// Short returns the 6 character prefix used in logs and the status API.
func (id PeerID) Short() string {
	h := id.Hex()
	if len(h) > 6 {
		return h[:6]
	}
	return h
}

func (id PeerID) String() string {
	return id.Short()
}

// PeerState is the lifecycle state of a remote peer.
type PeerState int

const (
	PeerConnected PeerState = iota // transport open, no camera
	PeerActive                     // camera on, decode pipeline attached
	PeerClosed
)

func (s PeerState) String() string {
	switch s {
	case PeerConnected:
		return "connected"
	case PeerActive:
		return "active"
	case PeerClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// DecoderState is the state of a per-peer decode pipeline.
type DecoderState int

const (
	DecoderUninitialized DecoderState = iota
	DecoderAwaitingKeyFrame
	DecoderStreaming
	DecoderClosed
)

func (s DecoderState) String() string {
	switch s {
	case DecoderUninitialized:
		return "uninitialized"
	case DecoderAwaitingKeyFrame:
		return "awaiting_key_frame"
	case DecoderStreaming:
		return "streaming"
	case DecoderClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// PeerInfo is a point-in-time view of a registered peer.
type PeerInfo struct {
	ID           PeerID
	SessionID    string
	State        PeerState
	DecoderState DecoderState
	Decoded      uint64
	Dropped      uint64
}
