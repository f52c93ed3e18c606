package media

import (
	"context"
	"fmt"
	"strings"
	"time"

	"meshcam/internal/core/domain"
	"meshcam/internal/core/ports"
	"meshcam/pkg/optimize"

	"golang.org/x/time/rate"
)

// PatternType selects what the synthetic camera draws.
type PatternType int

const (
	PatternMovingBox    PatternType = iota // bright box bouncing over a gradient
	PatternGradient                        // static horizontal gradient
	PatternCheckerboard                    // scrolling checkerboard
)

func (p PatternType) String() string {
	switch p {
	case PatternMovingBox:
		return "moving-box"
	case PatternGradient:
		return "gradient"
	case PatternCheckerboard:
		return "checkerboard"
	default:
		return "unknown"
	}
}

func ParsePattern(s string) (PatternType, error) {
	switch strings.ToLower(s) {
	case "", "moving-box":
		return PatternMovingBox, nil
	case "gradient":
		return PatternGradient, nil
	case "checkerboard":
		return PatternCheckerboard, nil
	}
	return 0, fmt.Errorf("unknown pattern %q", s)
}

type PatternConfig struct {
	Width   int
	Height  int
	FPS     int
	Pattern PatternType
	BoxSize int
}

func DefaultPatternConfig() PatternConfig {
	return PatternConfig{
		Width:   320,
		Height:  240,
		FPS:     30,
		Pattern: PatternMovingBox,
		BoxSize: 48,
	}
}

// PatternSource is a synthetic camera producing 8-bit luma frames at a fixed
// rate. Frame buffers are pooled and returned on Release.
type PatternSource struct {
	cfg  PatternConfig
	pool *optimize.BytePool
}

var _ ports.CaptureSource = (*PatternSource)(nil)

func NewPatternSource(cfg PatternConfig) *PatternSource {
	defaults := DefaultPatternConfig()
	if cfg.Width <= 0 {
		cfg.Width = defaults.Width
	}
	if cfg.Height <= 0 {
		cfg.Height = defaults.Height
	}
	if cfg.FPS <= 0 {
		cfg.FPS = defaults.FPS
	}
	if cfg.BoxSize <= 0 {
		cfg.BoxSize = defaults.BoxSize
	}
	return &PatternSource{
		cfg:  cfg,
		pool: optimize.NewBytePool(cfg.Width * cfg.Height),
	}
}

func (s *PatternSource) Metadata() domain.FrameMetadata {
	return domain.FrameMetadata{Width: s.cfg.Width, Height: s.cfg.Height, FPS: s.cfg.FPS}
}

// Frames starts a new frame sequence; the channel closes when ctx ends.
func (s *PatternSource) Frames(ctx context.Context) <-chan *domain.Frame {
	out := make(chan *domain.Frame)
	go s.generate(ctx, out)
	return out
}

func (s *PatternSource) generate(ctx context.Context, out chan<- *domain.Frame) {
	defer close(out)

	limiter := rate.NewLimiter(rate.Limit(s.cfg.FPS), 1)
	frameDuration := uint64(time.Second/time.Duration(s.cfg.FPS)) / uint64(time.Microsecond)
	start := time.Now()

	for n := uint64(0); ; n++ {
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		buf := s.pool.Get()
		s.draw(buf, n)
		timestamp := uint64(time.Since(start).Microseconds())
		frame := domain.NewFrame(buf, s.cfg.Width, s.cfg.Height, timestamp, frameDuration, s.pool.Put)

		select {
		case out <- frame:
		case <-ctx.Done():
			frame.Release()
			return
		}
	}
}

func (s *PatternSource) draw(buf []byte, n uint64) {
	switch s.cfg.Pattern {
	case PatternGradient:
		s.drawGradient(buf)
	case PatternCheckerboard:
		s.drawCheckerboard(buf, n)
	default:
		s.drawGradient(buf)
		s.drawBox(buf, n)
	}
}

func (s *PatternSource) drawGradient(buf []byte) {
	w, h := s.cfg.Width, s.cfg.Height
	for y := 0; y < h; y++ {
		row := buf[y*w : (y+1)*w]
		for x := range row {
			row[x] = uint8(16 + (x*219)/w)
		}
	}
}

func (s *PatternSource) drawCheckerboard(buf []byte, n uint64) {
	w, h := s.cfg.Width, s.cfg.Height
	size := s.cfg.BoxSize / 2
	if size == 0 {
		size = 1
	}
	shift := int(n % uint64(2*size))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if ((x+shift)/size+y/size)%2 == 0 {
				buf[y*w+x] = 235
			} else {
				buf[y*w+x] = 16
			}
		}
	}
}

// drawBox bounces a box diagonally, one pixel per frame on each axis.
func (s *PatternSource) drawBox(buf []byte, n uint64) {
	w, h := s.cfg.Width, s.cfg.Height
	size := min(s.cfg.BoxSize, w, h)
	bx := bounce(n, w-size)
	by := bounce(n, h-size)
	for y := by; y < by+size; y++ {
		row := buf[y*w+bx : y*w+bx+size]
		for x := range row {
			row[x] = 235
		}
	}
}

func bounce(n uint64, span int) int {
	if span <= 0 {
		return 0
	}
	p := int(n % uint64(2*span))
	if p > span {
		return 2*span - p
	}
	return p
}
