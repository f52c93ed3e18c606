package http

import (
	"context"
	stderrors "errors"
	"net/http"
	"strings"
	"time"

	"meshcam/internal/core/domain"
	"meshcam/internal/core/ports"
	"meshcam/internal/infrastructure/media"
	"meshcam/internal/infrastructure/monitoring"
	"meshcam/pkg/errors"
	"meshcam/pkg/logger"

	"github.com/gin-gonic/gin"
)

type PeerDirectory interface {
	Peers() []domain.PeerInfo
}

type Camera interface {
	Start(ctx context.Context, source ports.CaptureSource) error
	Stop(ctx context.Context) error
	RequestKeyFrame() error
	Running() bool
	FrameCounter() uint64
}

type TileStatsSource interface {
	Snapshot() []media.TileStats
}

// NodeInfo is the static part of the node status.
type NodeInfo struct {
	PeerID    domain.PeerID
	RoomID    string
	Transport string
}

type NodeHandler struct {
	info      NodeInfo
	peers     PeerDirectory
	camera    Camera
	newSource func() ports.CaptureSource
	tiles     TileStatsSource
	health    *monitoring.HealthChecker
}

func NewNodeHandler(
	info NodeInfo,
	peers PeerDirectory,
	camera Camera,
	newSource func() ports.CaptureSource,
	tiles TileStatsSource,
	health *monitoring.HealthChecker,
) *NodeHandler {
	return &NodeHandler{
		info:      info,
		peers:     peers,
		camera:    camera,
		newSource: newSource,
		tiles:     tiles,
		health:    health,
	}
}

func (h *NodeHandler) SetupRoutes(router *gin.Engine) {
	router.GET("/health", h.Health)

	api := router.Group("/api/v1")
	{
		api.GET("/node", h.GetNode)
		api.GET("/peers", h.ListPeers)
		api.GET("/peers/:id", h.GetPeer)
		api.POST("/camera/on", h.CameraOn)
		api.POST("/camera/off", h.CameraOff)
		api.POST("/camera/keyframe", h.RequestKeyFrame)
	}
}

type peerView struct {
	ID           string           `json:"id"`
	Short        string           `json:"short"`
	SessionID    string           `json:"session_id"`
	State        string           `json:"state"`
	DecoderState string           `json:"decoder_state"`
	Decoded      uint64           `json:"decoded"`
	Dropped      uint64           `json:"dropped"`
	Tile         *media.TileStats `json:"tile,omitempty"`
}

func (h *NodeHandler) Health(c *gin.Context) {
	if h.health == nil {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
		return
	}

	status := h.health.CheckAll(c.Request.Context())
	code := http.StatusOK
	if !status.Healthy() {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

func (h *NodeHandler) GetNode(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"id":            h.info.PeerID.Hex(),
		"short":         h.info.PeerID.Short(),
		"room":          h.info.RoomID,
		"transport":     h.info.Transport,
		"peers":         len(h.peers.Peers()),
		"camera":        h.camera.Running(),
		"frame_counter": h.camera.FrameCounter(),
	})
}

// ListPeers is the peer count and per-peer status shown next to the tiles.
func (h *NodeHandler) ListPeers(c *gin.Context) {
	peers := h.peers.Peers()
	tiles := h.tileIndex()

	views := make([]peerView, 0, len(peers))
	for _, p := range peers {
		views = append(views, h.view(p, tiles))
	}

	c.JSON(http.StatusOK, gin.H{
		"count": len(views),
		"peers": views,
		"local": tiles[h.info.PeerID],
	})
}

// GetPeer accepts the full hex id or any unambiguous prefix of it.
func (h *NodeHandler) GetPeer(c *gin.Context) {
	prefix := strings.ToLower(c.Param("id"))
	if prefix == "" {
		_ = c.Error(errors.NewInvalidInputError("peer id required"))
		return
	}
	c.Request = c.Request.WithContext(logger.WithPeer(c.Request.Context(), prefix, ""))

	var match []domain.PeerInfo
	for _, p := range h.peers.Peers() {
		if strings.HasPrefix(p.ID.Hex(), prefix) {
			match = append(match, p)
		}
	}

	switch len(match) {
	case 0:
		_ = c.Error(errors.NewNotFoundError("peer"))
	case 1:
		c.JSON(http.StatusOK, h.view(match[0], h.tileIndex()))
	default:
		_ = c.Error(errors.NewConflictError("peer id prefix is ambiguous"))
	}
}

func (h *NodeHandler) CameraOn(c *gin.Context) {
	if err := h.camera.Start(c.Request.Context(), h.newSource()); err != nil {
		_ = c.Error(errors.WrapError(err, errors.ErrCodeInternal, "failed to start camera", http.StatusInternalServerError))
		return
	}
	c.JSON(http.StatusOK, gin.H{"camera": true})
}

func (h *NodeHandler) CameraOff(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := h.camera.Stop(ctx); err != nil {
		_ = c.Error(errors.WrapError(err, errors.ErrCodeInternal, "failed to stop camera", http.StatusInternalServerError))
		return
	}
	c.JSON(http.StatusOK, gin.H{"camera": false})
}

// RequestKeyFrame makes the next encoded frame a key frame.
func (h *NodeHandler) RequestKeyFrame(c *gin.Context) {
	if err := h.camera.RequestKeyFrame(); err != nil {
		if stderrors.Is(err, domain.ErrCaptureNotRunning) {
			_ = c.Error(errors.NewConflictError("camera is off"))
			return
		}
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *NodeHandler) tileIndex() map[domain.PeerID]*media.TileStats {
	index := make(map[domain.PeerID]*media.TileStats)
	if h.tiles == nil {
		return index
	}
	for _, t := range h.tiles.Snapshot() {
		index[t.Peer] = &t
	}
	return index
}

func (h *NodeHandler) view(p domain.PeerInfo, tiles map[domain.PeerID]*media.TileStats) peerView {
	return peerView{
		ID:           p.ID.Hex(),
		Short:        p.ID.Short(),
		SessionID:    p.SessionID,
		State:        p.State.String(),
		DecoderState: p.DecoderState.String(),
		Decoded:      p.Decoded,
		Dropped:      p.Dropped,
		Tile:         tiles[p.ID],
	}
}
