package services

import (
	"context"
	"sort"
	"sync"

	"meshcam/internal/core/codec"
	"meshcam/internal/core/domain"
	"meshcam/internal/core/ports"
	apperrors "meshcam/pkg/errors"
	"meshcam/pkg/tracing"

	"go.uber.org/zap"
)

type ControllerConfig struct {
	MaxRecordSize int
	Decode        DecodeConfig
}

func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		MaxRecordSize: codec.DefaultMaxRecordSize,
		Decode:        DefaultDecodeConfig(),
	}
}

// PeerController reacts to transport events: it keeps the registry in sync
// with open connections and routes incoming records to per-peer decode
// pipelines.
type PeerController struct {
	localID    domain.PeerID
	registry   *PeerRegistry
	renderer   ports.Renderer
	newDecoder ports.DecoderFactory
	cfg        ControllerConfig
	logger     *zap.SugaredLogger
	metrics    ports.RelayMetrics

	// lifecycleMu orders connect and close events so a stale connection can
	// never tear down the session of its replacement.
	lifecycleMu sync.Mutex
}

var (
	_ ports.TransportHandler = (*PeerController)(nil)
	_ ports.PeerSet          = (*PeerController)(nil)
)

func NewPeerController(
	localID domain.PeerID,
	registry *PeerRegistry,
	renderer ports.Renderer,
	newDecoder ports.DecoderFactory,
	cfg ControllerConfig,
	logger *zap.SugaredLogger,
	metrics ports.RelayMetrics,
) *PeerController {
	if cfg.MaxRecordSize <= 0 {
		cfg.MaxRecordSize = codec.DefaultMaxRecordSize
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}

	c := &PeerController{
		localID:    localID,
		registry:   registry,
		renderer:   renderer,
		newDecoder: newDecoder,
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
	}

	registry.OnAdd(func(id domain.PeerID, s *PeerSession) error {
		c.metrics.PeerAdded()
		c.logger.Infow("peer joined", "peer_id", id.Short(), "session_id", s.SessionID(), "peers", registry.Len())
		return nil
	})
	registry.OnRemove(func(id domain.PeerID, s *PeerSession) error {
		c.metrics.PeerRemoved()
		c.logger.Infow("peer left", "peer_id", id.Short(), "session_id", s.SessionID(), "peers", registry.Len())
		return nil
	})
	return c
}

func (c *PeerController) Registry() *PeerRegistry {
	return c.registry
}

// OnConnect registers conn. A second connection from a known peer replaces
// the first without a remove/add pair.
func (c *PeerController) OnConnect(conn ports.Conn) {
	id := conn.RemotePeer()
	_, span := tracing.TracePeer(context.Background(), "connect", id.Short(), conn.SessionID())
	defer span.End()

	if id == c.localID {
		c.logger.Warn("refusing connection to ourselves")
		_ = conn.Close()
		return
	}

	var replaced ports.Conn
	c.lifecycleMu.Lock()
	err := c.registry.Upsert(id, func(old *PeerSession, exists bool) *PeerSession {
		if exists {
			replaced = old.replaceConn(conn)
			return old
		}
		return newPeerSession(conn, c.cfg.MaxRecordSize)
	})
	c.lifecycleMu.Unlock()

	if err != nil {
		c.logger.Warnw("peer add listener failed", "peer_id", id.Short(), "error", err)
	}
	if replaced != nil && replaced != conn {
		c.logger.Infow("replacing connection", "peer_id", id.Short(), "session_id", conn.SessionID())
		_ = replaced.Close()
	}
}

// OnData consumes a fragment of the peer's byte stream. Malformed records are
// skipped and never affect the connection.
func (c *PeerController) OnData(conn ports.Conn, data []byte) {
	session, ok := c.session(conn)
	if !ok {
		c.logger.Debugw("data from unregistered connection", "peer_id", conn.RemotePeer().Short())
		return
	}
	docs, current, err := session.feed(conn, data)
	if !current {
		c.logger.Debugw("data from replaced connection", "peer_id", session.ID.Short(), "session_id", conn.SessionID())
		return
	}
	c.metrics.BytesReceived(len(data))
	if err != nil {
		c.metrics.RecordMalformed()
		c.logger.Warnw("discarding corrupt stream data", "peer_id", session.ID.Short(), "error", err)
	}

	for _, doc := range docs {
		rec, err := codec.Decode(doc)
		if err != nil {
			c.metrics.RecordMalformed()
			c.logger.Warnw("skipping malformed record", "peer_id", session.ID.Short(), "error", err)
			continue
		}
		c.dispatch(session, rec)
	}
}

func (c *PeerController) OnClose(conn ports.Conn) {
	c.closeConn(conn, nil)
}

func (c *PeerController) OnError(conn ports.Conn, err error) {
	c.logger.Warnw("transport error",
		"peer_id", conn.RemotePeer().Short(),
		"error", apperrors.NewTransportClosedError(conn.RemotePeer().Short(), err),
	)
	c.closeConn(conn, err)
}

// Connections returns the connections of all live peers.
func (c *PeerController) Connections() []ports.Conn {
	conns := make([]ports.Conn, 0, c.registry.Len())
	c.registry.Range(func(_ domain.PeerID, s *PeerSession) bool {
		if s.State() != domain.PeerClosed {
			conns = append(conns, s.Conn())
		}
		return true
	})
	return conns
}

// Peers lists every registered peer ordered by id.
func (c *PeerController) Peers() []domain.PeerInfo {
	infos := make([]domain.PeerInfo, 0, c.registry.Len())
	c.registry.Range(func(_ domain.PeerID, s *PeerSession) bool {
		infos = append(infos, s.Info())
		return true
	})
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Peer returns one registered peer by its full id.
func (c *PeerController) Peer(id domain.PeerID) (domain.PeerInfo, error) {
	s, ok := c.registry.Get(id)
	if !ok {
		return domain.PeerInfo{}, domain.ErrPeerNotFound
	}
	return s.Info(), nil
}

// Close tears down every peer; each removal is reported to listeners.
func (c *PeerController) Close() error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	var conns []ports.Conn
	c.registry.Range(func(_ domain.PeerID, s *PeerSession) bool {
		c.teardown(s)
		conns = append(conns, s.Conn())
		return true
	})
	err := c.registry.Clear()
	for _, conn := range conns {
		_ = conn.Close()
	}
	return err
}

func (c *PeerController) closeConn(conn ports.Conn, cause error) {
	id := conn.RemotePeer()
	ctx, span := tracing.TracePeer(context.Background(), "close", id.Short(), conn.SessionID())
	defer span.End()
	tracing.RecordError(ctx, cause)

	c.lifecycleMu.Lock()
	session, ok := c.session(conn)
	if ok {
		c.teardown(session)
		if _, err := c.registry.RemoveFunc(id, func(s *PeerSession) bool { return s == session }); err != nil {
			c.logger.Warnw("peer remove listener failed", "peer_id", id.Short(), "error", err)
		}
	}
	c.lifecycleMu.Unlock()

	_ = conn.Close()
}

func (c *PeerController) session(conn ports.Conn) (*PeerSession, bool) {
	s, ok := c.registry.Get(conn.RemotePeer())
	if !ok || !s.owns(conn) {
		return nil, false
	}
	return s, true
}

func (c *PeerController) dispatch(session *PeerSession, rec domain.Record) {
	switch r := rec.(type) {
	case domain.Control:
		if r.Peer != session.ID {
			c.logger.Warnw("ignoring control for another peer",
				"peer_id", session.ID.Short(),
				"target", r.Peer.Short(),
				"kind", r.Kind,
			)
			return
		}
		switch r.Kind {
		case domain.CameraOn:
			c.activate(session)
		case domain.CameraOff:
			c.deactivate(session)
		}

	case domain.VideoChunk:
		pipeline := session.Pipeline()
		if pipeline == nil {
			pipeline = c.activate(session)
			if pipeline == nil {
				c.metrics.ChunkDropped("no_decoder")
				return
			}
		}
		if err := pipeline.Push(context.Background(), r); err != nil {
			c.metrics.ChunkDropped("pipeline_closed")
			c.logger.Debugw("chunk arrived after pipeline closed", "peer_id", session.ID.Short())
		}
	}
}

// activate marks the peer's camera on and attaches a decode pipeline.
func (c *PeerController) activate(session *PeerSession) *DecodePipeline {
	session.mu.Lock()
	defer session.mu.Unlock()

	if session.state == domain.PeerClosed {
		return nil
	}
	if session.pipeline != nil {
		session.state = domain.PeerActive
		return session.pipeline
	}

	decoder, err := c.newDecoder(session.ID)
	if err != nil {
		c.logger.Errorw("creating decoder failed", "peer_id", session.ID.Short(), "error", err)
		return nil
	}
	var sink ports.RenderSink
	if c.renderer != nil {
		sink = c.renderer.Attach(session.ID)
	}
	session.pipeline = NewDecodePipeline(session.ID, decoder, sink, c.cfg.Decode, c.logger, c.metrics)
	session.state = domain.PeerActive

	c.logger.Infow("peer camera on", "peer_id", session.ID.Short())
	return session.pipeline
}

func (c *PeerController) deactivate(session *PeerSession) {
	if c.release(session, session.detachPipeline(domain.PeerConnected)) {
		c.logger.Infow("peer camera off", "peer_id", session.ID.Short())
	}
}

func (c *PeerController) teardown(session *PeerSession) {
	c.release(session, session.detachPipeline(domain.PeerClosed))
}

func (c *PeerController) release(session *PeerSession, pipeline *DecodePipeline) bool {
	if pipeline == nil {
		return false
	}
	if err := pipeline.Close(); err != nil {
		c.logger.Debugw("closing decoder", "peer_id", session.ID.Short(), "error", err)
	}
	if c.renderer != nil {
		c.renderer.Detach(session.ID)
	}
	return true
}
