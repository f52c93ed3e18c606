package transport

import (
	"errors"
	"sync"

	"meshcam/internal/core/domain"
	"meshcam/internal/core/ports"
	apperrors "meshcam/pkg/errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultOutboxDepth = 256

var errOutboxFull = errors.New("outbox full")

// wire is the message oriented link under a bufferedConn.
type wire interface {
	writeMessage(b []byte) error
	close() error
}

// bufferedConn decouples broadcast from slow peers: writes land in a bounded
// outbox drained by a dedicated goroutine.
type bufferedConn struct {
	peer      domain.PeerID
	sessionID string
	wire      wire
	logger    *zap.SugaredLogger

	outbox chan []byte
	done   chan struct{}

	closeOnce  sync.Once
	reportOnce sync.Once
	closeErr   error
}

var _ ports.Conn = (*bufferedConn)(nil)

func newBufferedConn(peer domain.PeerID, w wire, depth int, logger *zap.SugaredLogger) *bufferedConn {
	if depth <= 0 {
		depth = defaultOutboxDepth
	}
	sessionID := uuid.NewString()
	c := &bufferedConn{
		peer:      peer,
		sessionID: sessionID,
		wire:      w,
		logger:    logger.With("peer_id", peer.Short(), "session_id", sessionID),
		outbox:    make(chan []byte, depth),
		done:      make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *bufferedConn) RemotePeer() domain.PeerID {
	return c.peer
}

func (c *bufferedConn) SessionID() string {
	return c.sessionID
}

// Write queues b without copying it.
func (c *bufferedConn) Write(b []byte) error {
	select {
	case <-c.done:
		return apperrors.NewTransportClosedError(c.peer.Short(), domain.ErrTransportClosed)
	default:
	}

	select {
	case c.outbox <- b:
		return nil
	case <-c.done:
		return apperrors.NewTransportClosedError(c.peer.Short(), domain.ErrTransportClosed)
	default:
		return apperrors.NewTransportWriteError(c.peer.Short(), errOutboxFull)
	}
}

// Close discards unsent data and closes the wire. It is idempotent.
func (c *bufferedConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.closeErr = c.wire.close()
	})
	return c.closeErr
}

// report delivers the single terminal event for this connection.
func (c *bufferedConn) report(handler ports.TransportHandler, err error) {
	c.reportOnce.Do(func() {
		if err != nil {
			handler.OnError(c, err)
			return
		}
		handler.OnClose(c)
	})
}

func (c *bufferedConn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case b := <-c.outbox:
			if err := c.wire.writeMessage(b); err != nil {
				c.logger.Debugw("write failed, closing connection", "error", err)
				_ = c.Close()
				return
			}
		}
	}
}
