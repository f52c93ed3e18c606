package transport

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"meshcam/internal/core/domain"
	"meshcam/internal/core/ports"
	"meshcam/pkg/tracing"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// PeerTokenHeader carries the answering peer's room token in the upgrade
// response.
const PeerTokenHeader = "X-Peer-Token"

type WebSocketConfig struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	OutboxDepth    int
	MaxMessageSize int64
}

func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		PingInterval:   15 * time.Second,
		PongTimeout:    45 * time.Second,
		WriteTimeout:   10 * time.Second,
		OutboxDepth:    defaultOutboxDepth,
		MaxMessageSize: 16 << 20,
	}
}

// WebSocketTransport carries peer streams over binary websocket messages. It
// both accepts (ServeHTTP) and dials connections.
type WebSocketTransport struct {
	cfg      WebSocketConfig
	auth     ports.Authenticator
	handler  ports.TransportHandler
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer
	logger   *zap.SugaredLogger
}

var _ ports.Dialer = (*WebSocketTransport)(nil)

func NewWebSocketTransport(cfg WebSocketConfig, auth ports.Authenticator, handler ports.TransportHandler, logger *zap.SugaredLogger) *WebSocketTransport {
	defaults := DefaultWebSocketConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaults.PingInterval
	}
	if cfg.PongTimeout <= cfg.PingInterval {
		cfg.PongTimeout = 3 * cfg.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaults.MaxMessageSize
	}

	return &WebSocketTransport{
		cfg:     cfg,
		auth:    auth,
		handler: handler,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 << 10,
			WriteBufferSize: 32 << 10,
			// peers are authenticated by room token, not by origin
			CheckOrigin: func(*http.Request) bool { return true },
		},
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   32 << 10,
			WriteBufferSize:  32 << 10,
		},
		logger: logger.With("transport", "websocket"),
	}
}

// ServeHTTP accepts an incoming peer. It blocks until the connection ends.
func (t *WebSocketTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	peer, err := t.auth.VerifyToken(bearerToken(r))
	if err != nil {
		t.logger.Warnw("rejecting peer", "remote_addr", r.RemoteAddr, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	token, err := t.auth.IssueToken()
	if err != nil {
		t.logger.Errorw("issuing token failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	ws, err := t.upgrader.Upgrade(w, r, http.Header{PeerTokenHeader: []string{token}})
	if err != nil {
		t.logger.Errorw("websocket upgrade failed", "peer_id", peer.Short(), "error", err)
		return
	}
	t.serve(peer, ws)
}

// Dial connects to the peer listening at addr (a ws:// URL) and serves the
// connection in the background.
func (t *WebSocketTransport) Dial(ctx context.Context, expected domain.PeerID, addr string) error {
	ctx, span := tracing.TraceTransport(ctx, "websocket", "dial", expected.Short())
	defer span.End()

	token, err := t.auth.IssueToken()
	if err != nil {
		return err
	}
	header := http.Header{"Authorization": []string{"Bearer " + token}}

	ws, resp, err := t.dialer.DialContext(ctx, addr, header)
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	peer, err := t.auth.VerifyToken(resp.Header.Get(PeerTokenHeader))
	if err == nil && expected != "" && peer != expected {
		err = fmt.Errorf("%w: expected peer %s, answered by %s", domain.ErrUnauthorized, expected.Short(), peer.Short())
	}
	if err != nil {
		_ = ws.Close()
		tracing.RecordError(ctx, err)
		return err
	}

	go t.serve(peer, ws)
	return nil
}

func (t *WebSocketTransport) serve(peer domain.PeerID, ws *websocket.Conn) {
	wire := &wsWire{ws: ws, writeTimeout: t.cfg.WriteTimeout}
	conn := newBufferedConn(peer, wire, t.cfg.OutboxDepth, t.logger)
	t.logger.Infow("peer connected", "peer_id", peer.Short(), "session_id", conn.SessionID(), "remote_addr", ws.RemoteAddr().String())

	ws.SetReadLimit(t.cfg.MaxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(t.cfg.PongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(t.cfg.PongTimeout))
	})

	t.handler.OnConnect(conn)
	go t.pingLoop(conn, ws)

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			select {
			case <-conn.done:
				// closed locally
				conn.report(t.handler, nil)
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					conn.report(t.handler, err)
				} else {
					conn.report(t.handler, nil)
				}
			}
			_ = conn.Close()
			t.logger.Infow("peer disconnected", "peer_id", peer.Short(), "session_id", conn.SessionID())
			return
		}

		_ = ws.SetReadDeadline(time.Now().Add(t.cfg.PongTimeout))
		if messageType != websocket.BinaryMessage {
			continue
		}
		t.handler.OnData(conn, data)
	}
}

func (t *WebSocketTransport) pingLoop(conn *bufferedConn, ws *websocket.Conn) {
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-conn.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(t.cfg.WriteTimeout)
			if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				t.logger.Debugw("ping failed", "peer_id", conn.peer.Short(), "error", err)
				_ = conn.Close()
				return
			}
		}
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return token
	}
	return r.URL.Query().Get("token")
}

// wsWire serializes data writes; control frames go through WriteControl,
// which gorilla allows concurrently.
type wsWire struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
}

func (w *wsWire) writeMessage(b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.ws.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	return w.ws.WriteMessage(websocket.BinaryMessage, b)
}

func (w *wsWire) close() error {
	deadline := time.Now().Add(time.Second)
	_ = w.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return w.ws.Close()
}
