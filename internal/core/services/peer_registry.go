package services

import (
	"sync"
	"time"

	"meshcam/internal/core/codec"
	"meshcam/internal/core/domain"
	"meshcam/internal/core/ports"
	"meshcam/pkg/observable"
)

// PeerRegistry maps connected peers to their sessions and notifies listeners
// once per add and once per remove.
type PeerRegistry = observable.Map[domain.PeerID, *PeerSession]

func NewPeerRegistry() *PeerRegistry {
	return observable.New[domain.PeerID, *PeerSession]()
}

// PeerSession is everything the node holds for one remote peer.
type PeerSession struct {
	ID          domain.PeerID
	ConnectedAt time.Time

	mu        sync.Mutex
	conn      ports.Conn
	sessionID string
	state     domain.PeerState
	splitter  *codec.Splitter
	pipeline  *DecodePipeline
}

func newPeerSession(conn ports.Conn, maxRecordSize int) *PeerSession {
	return &PeerSession{
		ID:          conn.RemotePeer(),
		ConnectedAt: time.Now(),
		conn:        conn,
		sessionID:   conn.SessionID(),
		state:       domain.PeerConnected,
		splitter:    codec.NewSplitter(maxRecordSize),
	}
}

func (s *PeerSession) Conn() ports.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *PeerSession) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

func (s *PeerSession) State() domain.PeerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Pipeline returns the decode pipeline, nil while the peer's camera is off.
func (s *PeerSession) Pipeline() *DecodePipeline {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pipeline
}

func (s *PeerSession) Info() domain.PeerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := domain.PeerInfo{
		ID:           s.ID,
		SessionID:    s.sessionID,
		State:        s.state,
		DecoderState: domain.DecoderUninitialized,
	}
	if s.pipeline != nil {
		info.DecoderState = s.pipeline.State()
		info.Decoded = s.pipeline.Decoded()
		info.Dropped = s.pipeline.Dropped()
	}
	return info
}

// owns reports whether conn is the session's current connection.
func (s *PeerSession) owns(conn ports.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn == conn && s.state != domain.PeerClosed
}

// replaceConn installs a newer connection and returns the previous one.
func (s *PeerSession) replaceConn(conn ports.Conn) ports.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.conn
	s.conn = conn
	s.sessionID = conn.SessionID()
	s.splitter.Reset()
	if s.pipeline != nil {
		s.pipeline.Resync()
	}
	return old
}

// feed reassembles stream bytes from conn into complete records. It reports
// false when conn is no longer the session's connection, so bytes from a
// replaced connection never reach the splitter.
func (s *PeerSession) feed(conn ports.Conn, data []byte) ([][]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != conn || s.state == domain.PeerClosed {
		return nil, false, nil
	}
	docs, err := s.splitter.Feed(data)
	return docs, true, err
}

// detachPipeline hands the pipeline to the caller for teardown.
func (s *PeerSession) detachPipeline(next domain.PeerState) *DecodePipeline {
	s.mu.Lock()
	defer s.mu.Unlock()

	pipeline := s.pipeline
	s.pipeline = nil
	if s.state != domain.PeerClosed {
		s.state = next
	}
	if next == domain.PeerClosed {
		s.splitter.Reset()
	}
	return pipeline
}
