package media

import (
	"context"
	"sort"
	"sync"
	"time"

	"meshcam/internal/core/domain"
	"meshcam/internal/core/ports"

	"go.uber.org/zap"
)

// TileStats describes what one peer's tile has shown.
type TileStats struct {
	Peer         domain.PeerID `json:"-"`
	PeerShort    string        `json:"peer"`
	Width        int           `json:"width"`
	Height       int           `json:"height"`
	Frames       uint64        `json:"frames"`
	KeyFrames    uint64        `json:"key_frames"`
	Brightness   uint8         `json:"brightness"`
	LastFrameAt  time.Time     `json:"last_frame_at"`
	AttachedAt   time.Time     `json:"attached_at"`
	FramesPerSec float64       `json:"fps"`
}

// StatsRenderer is a headless renderer: instead of drawing tiles it keeps
// per-peer statistics and periodically logs them.
type StatsRenderer struct {
	logger *zap.SugaredLogger

	mu    sync.RWMutex
	tiles map[domain.PeerID]*tile
}

var _ ports.Renderer = (*StatsRenderer)(nil)

func NewStatsRenderer(logger *zap.SugaredLogger) *StatsRenderer {
	return &StatsRenderer{
		logger: logger,
		tiles:  make(map[domain.PeerID]*tile),
	}
}

func (r *StatsRenderer) Attach(peer domain.PeerID) ports.RenderSink {
	t := &tile{stats: TileStats{Peer: peer, PeerShort: peer.Short(), AttachedAt: time.Now()}}

	r.mu.Lock()
	r.tiles[peer] = t
	r.mu.Unlock()

	r.logger.Debugw("tile attached", "peer_id", peer.Short())
	return t
}

func (r *StatsRenderer) Detach(peer domain.PeerID) {
	r.mu.Lock()
	t, ok := r.tiles[peer]
	delete(r.tiles, peer)
	r.mu.Unlock()

	if ok {
		s := t.snapshot()
		r.logger.Debugw("tile detached", "peer_id", peer.Short(), "frames", s.Frames)
	}
}

// Snapshot returns the stats of every attached tile ordered by peer.
func (r *StatsRenderer) Snapshot() []TileStats {
	r.mu.RLock()
	out := make([]TileStats, 0, len(r.tiles))
	for _, t := range r.tiles {
		out = append(out, t.snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Peer < out[j].Peer })
	return out
}

// Run logs a summary of all tiles every interval until ctx ends.
func (r *StatsRenderer) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, s := range r.Snapshot() {
				r.logger.Infow("tile",
					"peer_id", s.PeerShort,
					"size", [2]int{s.Width, s.Height},
					"frames", s.Frames,
					"key_frames", s.KeyFrames,
					"fps", s.FramesPerSec,
				)
			}
		}
	}
}

type tile struct {
	mu    sync.Mutex
	stats TileStats
}

func (t *tile) Render(frame *domain.DecodedFrame) {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.stats.LastFrameAt.IsZero() {
		if dt := now.Sub(t.stats.LastFrameAt).Seconds(); dt > 0 {
			// exponential moving average over roughly ten frames
			t.stats.FramesPerSec = 0.9*t.stats.FramesPerSec + 0.1/dt
		}
	}
	t.stats.LastFrameAt = now
	t.stats.Frames++
	if frame.Key {
		t.stats.KeyFrames++
	}
	t.stats.Width, t.stats.Height = frame.Width, frame.Height
	t.stats.Brightness = meanLuma(frame.Data)
}

func (t *tile) snapshot() TileStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// meanLuma samples every 16th pixel.
func meanLuma(data []byte) uint8 {
	if len(data) == 0 {
		return 0
	}
	var sum, n uint64
	for i := 0; i < len(data); i += 16 {
		sum += uint64(data[i])
		n++
	}
	return uint8(sum / n)
}
