package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"meshcam/internal/core/domain"
	"meshcam/internal/core/ports"
	"meshcam/pkg/tracing"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const dataChannelLabel = "meshcam"

type WebRTCConfig struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	// MaxFragment bounds a single data channel message; records are split
	// and reassembled by the stream framing.
	MaxFragment    int
	MaxBuffered    uint64
	OutboxDepth    int
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
}

func DefaultWebRTCConfig() WebRTCConfig {
	return WebRTCConfig{
		ICEServers:     []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
		MaxFragment:    16 << 10,
		MaxBuffered:    1 << 20,
		OutboxDepth:    defaultOutboxDepth,
		ConnectTimeout: 15 * time.Second,
		WriteTimeout:   5 * time.Second,
	}
}

// SessionDescription is the JSON body of the offer/answer exchange.
type SessionDescription struct {
	Token string `json:"token"`
	SDP   string `json:"sdp"`
}

// WebRTCTransport carries peer streams over an ordered data channel. Offers
// and answers are exchanged in a single HTTP round trip with all ICE
// candidates gathered up front.
type WebRTCTransport struct {
	cfg     WebRTCConfig
	auth    ports.Authenticator
	handler ports.TransportHandler
	api     *webrtc.API
	client  *http.Client
	logger  *zap.SugaredLogger
}

var _ ports.Dialer = (*WebRTCTransport)(nil)

func NewWebRTCTransport(cfg WebRTCConfig, auth ports.Authenticator, handler ports.TransportHandler, logger *zap.SugaredLogger) *WebRTCTransport {
	defaults := DefaultWebRTCConfig()
	if cfg.MaxFragment <= 0 {
		cfg.MaxFragment = defaults.MaxFragment
	}
	if cfg.MaxBuffered == 0 {
		cfg.MaxBuffered = defaults.MaxBuffered
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaults.ConnectTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			logger.Warnw("ignoring invalid UDP port range", "error", err)
		}
	}

	return &WebRTCTransport{
		cfg:     cfg,
		auth:    auth,
		handler: handler,
		api:     webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine)),
		client:  &http.Client{Timeout: cfg.ConnectTimeout},
		logger:  logger.With("transport", "webrtc"),
	}
}

func (t *WebRTCTransport) newPeerConnection() (*webrtc.PeerConnection, error) {
	return t.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   t.cfg.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlanWithFallback,
	})
}

// Dial posts an offer to addr (the remote /rtc/offer URL). The connection is
// reported to the handler once the data channel opens.
func (t *WebRTCTransport) Dial(ctx context.Context, expected domain.PeerID, addr string) error {
	ctx, span := tracing.TraceTransport(ctx, "webrtc", "dial", expected.Short())
	defer span.End()

	err := t.dial(ctx, expected, addr)
	tracing.RecordError(ctx, err)
	return err
}

func (t *WebRTCTransport) dial(ctx context.Context, expected domain.PeerID, addr string) error {
	pc, err := t.newPeerConnection()
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}

	ordered := true
	dc, err := pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		_ = pc.Close()
		return fmt.Errorf("create data channel: %w", err)
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		_ = pc.Close()
		return fmt.Errorf("create offer: %w", err)
	}
	if err := t.gather(ctx, pc, offer); err != nil {
		_ = pc.Close()
		return err
	}

	answer, err := t.exchange(ctx, addr, pc.LocalDescription().SDP)
	if err != nil {
		_ = pc.Close()
		return err
	}

	peer, err := t.auth.VerifyToken(answer.Token)
	if err == nil && expected != "" && peer != expected {
		err = fmt.Errorf("%w: expected peer %s, answered by %s", domain.ErrUnauthorized, expected.Short(), peer.Short())
	}
	if err != nil {
		_ = pc.Close()
		return err
	}

	gate := newInboundGate(t.handler)
	t.bind(peer, pc, dc, gate, t.watchdog(peer, pc, gate))
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}); err != nil {
		_ = pc.Close()
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

func (t *WebRTCTransport) exchange(ctx context.Context, addr, sdp string) (*SessionDescription, error) {
	token, err := t.auth.IssueToken()
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(SessionDescription{Token: token, SDP: sdp})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, addr, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post offer: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("post offer: unexpected status %s", resp.Status)
	}

	var answer SessionDescription
	if err := json.NewDecoder(resp.Body).Decode(&answer); err != nil {
		return nil, fmt.Errorf("decode answer: %w", err)
	}
	return &answer, nil
}

// Answer handles a remote offer and returns the local answer.
func (t *WebRTCTransport) Answer(ctx context.Context, offer SessionDescription) (*SessionDescription, error) {
	peer, err := t.auth.VerifyToken(offer.Token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}

	ctx, span := tracing.TraceTransport(ctx, "webrtc", "answer", peer.Short())
	defer span.End()

	pc, err := t.newPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	gate := newInboundGate(t.handler)
	watchdog := t.watchdog(peer, pc, gate)
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != dataChannelLabel {
			t.logger.Warnw("ignoring unexpected data channel", "peer_id", peer.Short(), "label", dc.Label())
			return
		}
		t.bind(peer, pc, dc, gate, watchdog)
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("set remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("create answer: %w", err)
	}
	if err := t.gather(ctx, pc, answer); err != nil {
		_ = pc.Close()
		return nil, err
	}

	token, err := t.auth.IssueToken()
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	return &SessionDescription{Token: token, SDP: pc.LocalDescription().SDP}, nil
}

// ServeHTTP exposes Answer as the /rtc/offer endpoint.
func (t *WebRTCTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var offer SessionDescription
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&offer); err != nil {
		http.Error(w, "invalid offer", http.StatusBadRequest)
		return
	}

	answer, err := t.Answer(r.Context(), offer)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, domain.ErrUnauthorized) {
			status = http.StatusUnauthorized
		}
		t.logger.Warnw("offer rejected", "remote_addr", r.RemoteAddr, "error", err)
		http.Error(w, http.StatusText(status), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(answer)
}

// gather sets the local description and waits for ICE gathering to finish.
func (t *WebRTCTransport) gather(ctx context.Context, pc *webrtc.PeerConnection, desc webrtc.SessionDescription) error {
	done := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	defer cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("ice gathering: %w", ctx.Err())
	}
}

// watchdog closes pc unless its data channel opens in time.
func (t *WebRTCTransport) watchdog(peer domain.PeerID, pc *webrtc.PeerConnection, gate *inboundGate) *time.Timer {
	return time.AfterFunc(2*t.cfg.ConnectTimeout, func() {
		if !gate.abandon() {
			return
		}
		t.logger.Warnw("data channel did not open", "peer_id", peer.Short())
		_ = pc.Close()
	})
}

// bind registers the inbound callbacks of dc before it can open. pion
// starts reading as soon as the channel opens and drops messages that find
// no handler, so OnMessage must be in place first.
func (t *WebRTCTransport) bind(peer domain.PeerID, pc *webrtc.PeerConnection, dc *webrtc.DataChannel, gate *inboundGate, watchdog *time.Timer) {
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		gate.data(msg.Data)
	})
	dc.OnClose(func() {
		gate.closed(nil)
	})
	dc.OnOpen(func() {
		watchdog.Stop()
		t.attach(peer, pc, dc, gate)
	})
}

func (t *WebRTCTransport) attach(peer domain.PeerID, pc *webrtc.PeerConnection, dc *webrtc.DataChannel, gate *inboundGate) {
	wire := newDataChannelWire(pc, dc, t.cfg.MaxFragment, t.cfg.MaxBuffered, t.cfg.WriteTimeout)
	conn := newBufferedConn(peer, wire, t.cfg.OutboxDepth, t.logger)
	if !gate.open(conn) {
		_ = conn.Close()
		return
	}
	t.logger.Infow("peer connected", "peer_id", peer.Short(), "session_id", conn.SessionID())

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		t.logger.Debugw("connection state changed", "peer_id", peer.Short(), "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed:
			gate.closed(fmt.Errorf("peer connection %s", state))
		case webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			gate.closed(nil)
		}
	})
}

// inboundGate holds a data channel's inbound events until the handler has
// returned from OnConnect, then delivers them in arrival order. A gate that
// is abandoned before opening discards them.
type inboundGate struct {
	handler ports.TransportHandler
	once    sync.Once
	ready   chan struct{}
	conn    *bufferedConn
}

func newInboundGate(handler ports.TransportHandler) *inboundGate {
	return &inboundGate{handler: handler, ready: make(chan struct{})}
}

// open announces conn to the handler. It reports false if the gate was
// abandoned first.
func (g *inboundGate) open(conn *bufferedConn) bool {
	opened := false
	g.once.Do(func() {
		g.conn = conn
		g.handler.OnConnect(conn)
		opened = true
		close(g.ready)
	})
	return opened
}

// abandon releases waiters of a channel that never opened. It reports false
// if the gate already opened.
func (g *inboundGate) abandon() bool {
	abandoned := false
	g.once.Do(func() {
		abandoned = true
		close(g.ready)
	})
	return abandoned
}

func (g *inboundGate) data(b []byte) {
	<-g.ready
	if g.conn != nil {
		g.handler.OnData(g.conn, b)
	}
}

func (g *inboundGate) closed(err error) {
	<-g.ready
	if g.conn != nil {
		g.conn.report(g.handler, err)
		_ = g.conn.Close()
	}
}

// dataChannelWire fragments records to the SCTP message limit and waits for
// the send buffer to drain above the high watermark.
type dataChannelWire struct {
	pc           *webrtc.PeerConnection
	dc           *webrtc.DataChannel
	maxFragment  int
	maxBuffered  uint64
	writeTimeout time.Duration
	drained      chan struct{}
	closeOnce    sync.Once
}

func newDataChannelWire(pc *webrtc.PeerConnection, dc *webrtc.DataChannel, maxFragment int, maxBuffered uint64, writeTimeout time.Duration) *dataChannelWire {
	w := &dataChannelWire{
		pc:           pc,
		dc:           dc,
		maxFragment:  maxFragment,
		maxBuffered:  maxBuffered,
		writeTimeout: writeTimeout,
		drained:      make(chan struct{}, 1),
	}
	dc.SetBufferedAmountLowThreshold(maxBuffered / 2)
	dc.OnBufferedAmountLow(func() {
		select {
		case w.drained <- struct{}{}:
		default:
		}
	})
	return w
}

func (w *dataChannelWire) writeMessage(b []byte) error {
	for len(b) > 0 {
		if w.dc.BufferedAmount() > w.maxBuffered {
			select {
			case <-w.drained:
			case <-time.After(w.writeTimeout):
				return fmt.Errorf("%w: data channel send buffer stalled", domain.ErrTransportWrite)
			}
		}

		n := min(len(b), w.maxFragment)
		if err := w.dc.Send(b[:n]); err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

func (w *dataChannelWire) close() error {
	var err error
	w.closeOnce.Do(func() {
		_ = w.dc.Close()
		err = w.pc.Close()
	})
	return err
}
