package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"meshcam/internal/core/domain"
	"meshcam/internal/core/ports"
	"meshcam/internal/core/services"
	apperrors "meshcam/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testPeer(b byte) domain.PeerID {
	return domain.PeerIDFromBytes(bytes.Repeat([]byte{b}, 32))
}

// recordingHandler forwards transport events to channels.
type recordingHandler struct {
	connected chan ports.Conn
	data      chan []byte
	closed    chan ports.Conn
	errs      chan error
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		connected: make(chan ports.Conn, 4),
		data:      make(chan []byte, 16),
		closed:    make(chan ports.Conn, 4),
		errs:      make(chan error, 4),
	}
}

func (h *recordingHandler) OnConnect(conn ports.Conn) { h.connected <- conn }

func (h *recordingHandler) OnData(_ ports.Conn, data []byte) { h.data <- data }

func (h *recordingHandler) OnClose(conn ports.Conn) { h.closed <- conn }

func (h *recordingHandler) OnError(conn ports.Conn, err error) {
	h.errs <- err
	h.closed <- conn
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for transport event")
	}
	var zero T
	return zero
}

func newWebSocketPair(t *testing.T, serverTopic []byte) (*WebSocketTransport, *recordingHandler, *WebSocketTransport, *recordingHandler, string) {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()
	topic := []byte("shared-room-topic")

	serverHandler := newRecordingHandler()
	server := NewWebSocketTransport(DefaultWebSocketConfig(),
		services.NewRoomAuth(serverTopic, testPeer(0x0B), time.Minute), serverHandler, logger)

	clientHandler := newRecordingHandler()
	client := NewWebSocketTransport(DefaultWebSocketConfig(),
		services.NewRoomAuth(topic, testPeer(0x0A), time.Minute), clientHandler, logger)

	srv := httptest.NewServer(server)
	t.Cleanup(srv.Close)
	return server, serverHandler, client, clientHandler, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketTransport_ExchangesData(t *testing.T) {
	_, serverHandler, client, clientHandler, url := newWebSocketPair(t, []byte("shared-room-topic"))

	require.NoError(t, client.Dial(context.Background(), testPeer(0x0B), url))

	clientConn := receive(t, clientHandler.connected)
	serverConn := receive(t, serverHandler.connected)
	assert.Equal(t, testPeer(0x0B), clientConn.RemotePeer())
	assert.Equal(t, testPeer(0x0A), serverConn.RemotePeer())
	assert.NotEmpty(t, serverConn.SessionID())

	require.NoError(t, clientConn.Write([]byte("hello")))
	assert.Equal(t, []byte("hello"), receive(t, serverHandler.data))

	require.NoError(t, serverConn.Write([]byte("world")))
	assert.Equal(t, []byte("world"), receive(t, clientHandler.data))

	require.NoError(t, clientConn.Close())
	assert.Same(t, serverConn, receive(t, serverHandler.closed))
	assert.Same(t, clientConn, receive(t, clientHandler.closed))

	err := clientConn.Write([]byte("late"))
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeTransportClosed))
}

func TestWebSocketTransport_RejectsForeignRoom(t *testing.T) {
	_, serverHandler, client, _, url := newWebSocketPair(t, []byte("another-room"))

	err := client.Dial(context.Background(), testPeer(0x0B), url)
	require.Error(t, err)
	assert.Empty(t, serverHandler.connected)
}

func TestWebSocketTransport_RejectsUnexpectedPeer(t *testing.T) {
	_, _, client, clientHandler, url := newWebSocketPair(t, []byte("shared-room-topic"))

	err := client.Dial(context.Background(), testPeer(0x0C), url)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.Empty(t, clientHandler.connected)
}

// stallWire blocks every write until released.
type stallWire struct {
	release chan struct{}
	mu      sync.Mutex
	written [][]byte
	closed  bool
}

func (w *stallWire) writeMessage(b []byte) error {
	<-w.release
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.New("closed")
	}
	w.written = append(w.written, b)
	return nil
}

func (w *stallWire) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func TestBufferedConn_FailsFastWhenOutboxFull(t *testing.T) {
	wire := &stallWire{release: make(chan struct{})}
	conn := newBufferedConn(testPeer(0x0A), wire, 2, zaptest.NewLogger(t).Sugar())

	// one message is held by the writer, two fill the outbox
	require.NoError(t, conn.Write([]byte{1}))
	require.Eventually(t, func() bool { return len(conn.outbox) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, conn.Write([]byte{2}))
	require.NoError(t, conn.Write([]byte{3}))

	err := conn.Write([]byte{4})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeTransportWrite))

	close(wire.release)
	assert.Eventually(t, func() bool {
		wire.mu.Lock()
		defer wire.mu.Unlock()
		return len(wire.written) == 3
	}, time.Second, time.Millisecond)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.True(t, wire.closed)
}

func TestBufferedConn_ReportsOnce(t *testing.T) {
	wire := &stallWire{release: make(chan struct{})}
	conn := newBufferedConn(testPeer(0x0A), wire, 1, zaptest.NewLogger(t).Sugar())
	handler := newRecordingHandler()

	conn.report(handler, errors.New("reset"))
	conn.report(handler, nil)

	assert.Len(t, handler.errs, 1)
	assert.Len(t, handler.closed, 1)
	close(wire.release)
	_ = conn.Close()
}

func TestWebRTCTransport_RejectsBadOffers(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	auth := services.NewRoomAuth([]byte("room"), testPeer(0x0B), time.Minute)
	tr := NewWebRTCTransport(WebRTCConfig{}, auth, newRecordingHandler(), logger)

	rec := httptest.NewRecorder()
	tr.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/rtc/offer", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	tr.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/rtc/offer", strings.NewReader("{")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body, err := json.Marshal(SessionDescription{Token: "forged", SDP: "v=0"})
	require.NoError(t, err)
	rec = httptest.NewRecorder()
	tr.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/rtc/offer", bytes.NewReader(body)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	_, err = tr.Answer(context.Background(), SessionDescription{Token: "forged"})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestDefaultWebRTCConfig(t *testing.T) {
	cfg := DefaultWebRTCConfig()
	assert.Equal(t, 16<<10, cfg.MaxFragment)
	assert.NotEmpty(t, cfg.ICEServers)
}

// slowConnectHandler holds OnConnect until release is closed.
type slowConnectHandler struct {
	*recordingHandler
	entered chan struct{}
	release chan struct{}
}

func (h *slowConnectHandler) OnConnect(conn ports.Conn) {
	close(h.entered)
	<-h.release
	h.recordingHandler.OnConnect(conn)
}

func TestInboundGate_DeliversEarlyMessagesAfterConnect(t *testing.T) {
	handler := &slowConnectHandler{
		recordingHandler: newRecordingHandler(),
		entered:          make(chan struct{}),
		release:          make(chan struct{}),
	}
	gate := newInboundGate(handler)
	wire := &stallWire{release: make(chan struct{})}
	conn := newBufferedConn(testPeer(0x0A), wire, 1, zaptest.NewLogger(t).Sugar())

	opened := make(chan bool, 1)
	go func() { opened <- gate.open(conn) }()
	<-handler.entered

	delivered := make(chan struct{})
	go func() {
		gate.data([]byte("camera-on"))
		gate.data([]byte("key"))
		close(delivered)
	}()

	select {
	case <-delivered:
		t.Fatal("data delivered before OnConnect returned")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Empty(t, handler.data)

	close(handler.release)
	assert.True(t, receive(t, opened))
	assert.Equal(t, conn, receive(t, handler.connected))
	assert.Equal(t, []byte("camera-on"), receive(t, handler.data))
	assert.Equal(t, []byte("key"), receive(t, handler.data))
	<-delivered

	assert.False(t, gate.abandon())
	gate.closed(nil)
	assert.Equal(t, conn, receive(t, handler.closed))

	close(wire.release)
}

func TestInboundGate_AbandonedDropsEvents(t *testing.T) {
	handler := newRecordingHandler()
	gate := newInboundGate(handler)

	assert.True(t, gate.abandon())
	gate.data([]byte("late"))
	gate.closed(nil)

	wire := &stallWire{release: make(chan struct{})}
	conn := newBufferedConn(testPeer(0x0A), wire, 1, zaptest.NewLogger(t).Sugar())
	assert.False(t, gate.open(conn))
	_ = conn.Close()

	assert.Empty(t, handler.connected)
	assert.Empty(t, handler.data)
	assert.Empty(t, handler.closed)
	close(wire.release)
}
