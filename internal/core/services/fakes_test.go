package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"meshcam/internal/core/domain"
	"meshcam/internal/core/ports"

	"github.com/stretchr/testify/mock"
)

func testPeer(b byte) domain.PeerID {
	id := make([]byte, 32)
	for i := range id {
		id[i] = b
	}
	return domain.PeerIDFromBytes(id)
}

// MockConn is a testify mock of ports.Conn.
type MockConn struct {
	mock.Mock
}

func (m *MockConn) RemotePeer() domain.PeerID {
	return m.Called().Get(0).(domain.PeerID)
}

func (m *MockConn) SessionID() string {
	return m.Called().String(0)
}

func (m *MockConn) Write(b []byte) error {
	return m.Called(b).Error(0)
}

func (m *MockConn) Close() error {
	return m.Called().Error(0)
}

// fakeConn records everything written to it.
type fakeConn struct {
	peer    domain.PeerID
	session string

	mu      sync.Mutex
	writes  [][]byte
	failure error
	closed  atomic.Bool
}

func newFakeConn(peer domain.PeerID, session string) *fakeConn {
	return &fakeConn{peer: peer, session: session}
}

func (c *fakeConn) RemotePeer() domain.PeerID { return c.peer }
func (c *fakeConn) SessionID() string { return c.session }

func (c *fakeConn) Write(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failure != nil {
		return c.failure
	}
	c.writes = append(c.writes, append([]byte(nil), b...))
	return nil
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *fakeConn) Written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.writes...)
}

type staticPeers []ports.Conn

func (s staticPeers) Connections() []ports.Conn { return s }

// fakeDecoder decodes key chunks unconditionally and delta chunks only with
// a reference. Chunks whose payload starts with 0xFF fail.
type fakeDecoder struct {
	mu        sync.Mutex
	reference bool
	resets    int
	closed    bool
	decoded   []domain.VideoChunk
}

var errCorrupt = errors.New("corrupt payload")

func (d *fakeDecoder) Decode(chunk domain.VideoChunk) (*domain.DecodedFrame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(chunk.Payload) > 0 && chunk.Payload[0] == 0xFF {
		return nil, errCorrupt
	}
	if !chunk.IsKey() && !d.reference {
		return nil, domain.ErrNoReference
	}
	d.reference = true
	d.decoded = append(d.decoded, chunk)
	return &domain.DecodedFrame{Timestamp: chunk.Timestamp, Key: chunk.IsKey()}, nil
}

func (d *fakeDecoder) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reference = false
	d.resets++
}

func (d *fakeDecoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *fakeDecoder) Resets() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resets
}

func (d *fakeDecoder) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

type decoderSet struct {
	mu       sync.Mutex
	decoders map[domain.PeerID][]*fakeDecoder
}

func (s *decoderSet) factory(peer domain.PeerID) (ports.VideoDecoder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.decoders == nil {
		s.decoders = make(map[domain.PeerID][]*fakeDecoder)
	}
	d := &fakeDecoder{}
	s.decoders[peer] = append(s.decoders[peer], d)
	return d, nil
}

func (s *decoderSet) last(peer domain.PeerID) *fakeDecoder {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.decoders[peer]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

type countingSink struct {
	rendered atomic.Int64
}

func (s *countingSink) Render(*domain.DecodedFrame) {
	s.rendered.Add(1)
}

// fakeRenderer logs attach and detach calls in order.
type fakeRenderer struct {
	mu     sync.Mutex
	events []string
	sinks  map[domain.PeerID]*countingSink
}

func (r *fakeRenderer) Attach(peer domain.PeerID) ports.RenderSink {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sinks == nil {
		r.sinks = make(map[domain.PeerID]*countingSink)
	}
	r.events = append(r.events, "attach:"+peer.Short())
	sink := &countingSink{}
	r.sinks[peer] = sink
	return sink
}

func (r *fakeRenderer) Detach(peer domain.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "detach:"+peer.Short())
}

func (r *fakeRenderer) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *fakeRenderer) Sink(peer domain.PeerID) *countingSink {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sinks[peer]
}

// fakeEncoder emits one chunk per frame synchronously unless holding is set,
// in which case frames pile up and QueueDepth grows.
type fakeEncoder struct {
	output func(domain.VideoChunk)

	mu      sync.Mutex
	keys    []bool
	pending []domain.VideoChunk
	holding bool
	closed  bool
}

func (e *fakeEncoder) Encode(frame *domain.Frame, keyFrame bool) error {
	chunk := domain.VideoChunk{Type: domain.ChunkDelta, Timestamp: frame.Timestamp, Payload: []byte{1}}
	if keyFrame {
		chunk.Type = domain.ChunkKey
	}

	e.mu.Lock()
	e.keys = append(e.keys, keyFrame)
	if e.holding {
		e.pending = append(e.pending, chunk)
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	e.output(chunk)
	return nil
}

func (e *fakeEncoder) QueueDepth() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

func (e *fakeEncoder) Flush(context.Context) error {
	e.mu.Lock()
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()
	for _, c := range pending {
		e.output(c)
	}
	return nil
}

func (e *fakeEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *fakeEncoder) Keys() []bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]bool(nil), e.keys...)
}

func (e *fakeEncoder) SetHolding(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.holding = v
}

// chanSource hands out frames pushed by the test.
type chanSource struct {
	frames chan *domain.Frame
}

func newChanSource() *chanSource {
	return &chanSource{frames: make(chan *domain.Frame)}
}

func (s *chanSource) Metadata() domain.FrameMetadata {
	return domain.FrameMetadata{Width: 4, Height: 4, FPS: 30}
}

func (s *chanSource) Frames(ctx context.Context) <-chan *domain.Frame {
	out := make(chan *domain.Frame)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case f := <-s.frames:
				select {
				case out <- f:
				case <-ctx.Done():
					f.Release()
					return
				}
			}
		}
	}()
	return out
}

// recordingMetrics counts the drop reasons the pipelines report.
type recordingMetrics struct {
	ports.NopMetrics

	mu      sync.Mutex
	dropped map[string]int
	added   int
	removed int
}

func (m *recordingMetrics) FrameDropped(reason string) { m.count(reason) }
func (m *recordingMetrics) ChunkDropped(reason string) { m.count(reason) }

func (m *recordingMetrics) PeerAdded() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.added++
}

func (m *recordingMetrics) PeerRemoved() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed++
}

func (m *recordingMetrics) count(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dropped == nil {
		m.dropped = make(map[string]int)
	}
	m.dropped[reason]++
}

func (m *recordingMetrics) Dropped(reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped[reason]
}
