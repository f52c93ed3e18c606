package services

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"meshcam/internal/core/domain"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// PeerClaims prove room membership: only holders of the room topic can sign
// them.
type PeerClaims struct {
	PeerKey string `json:"peer_key"`
	jwt.RegisteredClaims
}

// RoomAuth issues and checks the tokens exchanged during the transport
// handshake. The room topic is the HMAC key and is never sent.
type RoomAuth struct {
	secret  []byte
	roomID  string
	localID domain.PeerID
	ttl     time.Duration
}

func NewRoomAuth(topic []byte, localID domain.PeerID, ttl time.Duration) *RoomAuth {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RoomAuth{
		secret:  append([]byte(nil), topic...),
		roomID:  RoomID(topic),
		localID: localID,
		ttl:     ttl,
	}
}

// RoomID is the public name of a room: a digest of its topic, safe to store
// in discovery.
func RoomID(topic []byte) string {
	sum := sha256.Sum256(topic)
	return hex.EncodeToString(sum[:8])
}

func (a *RoomAuth) RoomID() string {
	return a.roomID
}

func (a *RoomAuth) LocalID() domain.PeerID {
	return a.localID
}

// IssueToken signs a short lived token for the local peer.
func (a *RoomAuth) IssueToken() (string, error) {
	now := time.Now()
	claims := &PeerClaims{
		PeerKey: a.localID.Hex(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   a.localID.Hex(),
			Audience:  jwt.ClaimStrings{a.roomID},
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-5 * time.Second)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// VerifyToken checks a remote peer's token and returns the peer it names.
func (a *RoomAuth) VerifyToken(tokenString string) (domain.PeerID, error) {
	token, err := jwt.ParseWithClaims(tokenString, &PeerClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return a.secret, nil
	}, jwt.WithAudience(a.roomID))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(*PeerClaims)
	if !ok || !token.Valid || claims.PeerKey != claims.Subject {
		return "", ErrInvalidToken
	}
	peer, err := domain.ParsePeerID(claims.PeerKey)
	if err != nil {
		return "", ErrInvalidToken
	}
	if peer == a.localID {
		return "", ErrInvalidToken
	}
	return peer, nil
}
