package ports

import (
	"context"

	"meshcam/internal/core/domain"
)

// Conn is one duplex byte stream to a remote peer. Write must not block on a
// slow peer; implementations queue into a bounded outbox and fail fast.
type Conn interface {
	RemotePeer() domain.PeerID
	SessionID() string
	Write(b []byte) error
	Close() error
}

// TransportHandler receives the events of every connection. OnData calls for
// one Conn are serialized in delivery order, and a Conn reports OnClose or
// OnError at most once.
type TransportHandler interface {
	OnConnect(conn Conn)
	OnData(conn Conn, data []byte)
	OnClose(conn Conn)
	OnError(conn Conn, err error)
}

// PeerSet enumerates the currently connected peers for broadcast fan-out.
type PeerSet interface {
	Connections() []Conn
}

// Authenticator proves room membership during the transport handshake.
type Authenticator interface {
	IssueToken() (string, error)
	VerifyToken(token string) (domain.PeerID, error)
}

// Dialer opens an outgoing connection to the peer announced at addr. The
// connection is reported to the TransportHandler, not returned.
type Dialer interface {
	Dial(ctx context.Context, peer domain.PeerID, addr string) error
}
