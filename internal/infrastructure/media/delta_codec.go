package media

import (
	"bytes"
	"compress/flate"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"meshcam/internal/core/domain"
	"meshcam/internal/core/ports"
)

// Chunk payload layout, all integers big endian:
//
//	width  uint16
//	height uint16
//	seq    uint32  sequence number of this chunk
//	ref    uint32  seq of the frame a delta applies to; equals seq for keys
//	body   deflate(luma) for keys, deflate(luma XOR reference) for deltas
const headerSize = 12

// DefaultMaxFramePixels admits frames up to 4096x2160.
const DefaultMaxFramePixels = 4096 * 2160

var (
	errShortPayload = errors.New("payload shorter than header")

	// ErrFrameTooLarge reports a chunk header whose dimensions exceed the
	// decoder's pixel limit.
	ErrFrameTooLarge = errors.New("frame exceeds pixel limit")
)

type chunkHeader struct {
	width  uint16
	height uint16
	seq    uint32
	ref    uint32
}

func (h chunkHeader) put(b []byte) {
	binary.BigEndian.PutUint16(b[0:], h.width)
	binary.BigEndian.PutUint16(b[2:], h.height)
	binary.BigEndian.PutUint32(b[4:], h.seq)
	binary.BigEndian.PutUint32(b[8:], h.ref)
}

func parseHeader(b []byte) (chunkHeader, error) {
	if len(b) < headerSize {
		return chunkHeader{}, errShortPayload
	}
	return chunkHeader{
		width:  binary.BigEndian.Uint16(b[0:]),
		height: binary.BigEndian.Uint16(b[2:]),
		seq:    binary.BigEndian.Uint32(b[4:]),
		ref:    binary.BigEndian.Uint32(b[8:]),
	}, nil
}

type DeltaCodecConfig struct {
	// QueueDepth bounds frames accepted but not yet emitted.
	QueueDepth int
	// Level is the deflate compression level.
	Level int
}

func DefaultDeltaCodecConfig() DeltaCodecConfig {
	return DeltaCodecConfig{
		QueueDepth: 8,
		Level:      flate.BestSpeed,
	}
}

type encodeJob struct {
	data      []byte
	timestamp uint64
	duration  uint64
	key       bool
	flushed   chan struct{}
}

// DeltaEncoder compresses frames on its own goroutine. Key frames carry the
// whole picture, delta frames only the XOR against the previous one.
type DeltaEncoder struct {
	meta   domain.FrameMetadata
	output func(domain.VideoChunk)

	mu      sync.Mutex // guards jobs against Close
	jobs    chan encodeJob
	closed  bool
	pending atomic.Int64
	done    chan struct{}

	// owned by the worker
	deflater  *flate.Writer
	buf       bytes.Buffer
	reference []byte
	seq       uint32
}

var _ ports.VideoEncoder = (*DeltaEncoder)(nil)

func NewDeltaEncoder(meta domain.FrameMetadata, output func(domain.VideoChunk), cfg DeltaCodecConfig) (*DeltaEncoder, error) {
	if meta.Width <= 0 || meta.Height <= 0 || meta.Width > 0xFFFF || meta.Height > 0xFFFF {
		return nil, fmt.Errorf("unsupported frame size %dx%d", meta.Width, meta.Height)
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultDeltaCodecConfig().QueueDepth
	}
	deflater, err := flate.NewWriter(io.Discard, cfg.Level)
	if err != nil {
		return nil, err
	}

	e := &DeltaEncoder{
		meta:     meta,
		output:   output,
		jobs:     make(chan encodeJob, cfg.QueueDepth),
		done:     make(chan struct{}),
		deflater: deflater,
	}
	go e.run()
	return e, nil
}

// DeltaEncoderFactory adapts NewDeltaEncoder to ports.EncoderFactory.
func DeltaEncoderFactory(cfg DeltaCodecConfig) ports.EncoderFactory {
	return func(meta domain.FrameMetadata, output func(domain.VideoChunk)) (ports.VideoEncoder, error) {
		return NewDeltaEncoder(meta, output, cfg)
	}
}

// Encode copies the frame and queues it. It fails with ErrEncoderBusy rather
// than block when the queue is full.
func (e *DeltaEncoder) Encode(frame *domain.Frame, keyFrame bool) error {
	if frame.Width != e.meta.Width || frame.Height != e.meta.Height || len(frame.Data) != e.meta.Width*e.meta.Height {
		return fmt.Errorf("%w: frame %dx%d does not match encoder %dx%d",
			domain.ErrEncodeFailed, frame.Width, frame.Height, e.meta.Width, e.meta.Height)
	}

	job := encodeJob{
		data:      append([]byte(nil), frame.Data...),
		timestamp: frame.Timestamp,
		duration:  frame.Duration,
		key:       keyFrame,
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("%w: encoder closed", domain.ErrEncodeFailed)
	}

	e.pending.Add(1)
	select {
	case e.jobs <- job:
		return nil
	default:
		e.pending.Add(-1)
		return domain.ErrEncoderBusy
	}
}

func (e *DeltaEncoder) QueueDepth() int {
	return int(e.pending.Load())
}

// Flush waits until every frame queued so far has been emitted.
func (e *DeltaEncoder) Flush(ctx context.Context) error {
	marker := encodeJob{flushed: make(chan struct{})}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	select {
	case e.jobs <- marker:
		e.mu.Unlock()
	case <-ctx.Done():
		e.mu.Unlock()
		return ctx.Err()
	}

	select {
	case <-marker.flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close emits what is still queued and stops the worker.
func (e *DeltaEncoder) Close() error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.jobs)
	}
	e.mu.Unlock()
	<-e.done
	return nil
}

func (e *DeltaEncoder) run() {
	defer close(e.done)
	for job := range e.jobs {
		if job.flushed != nil {
			close(job.flushed)
			continue
		}
		chunk, err := e.encode(job)
		if err == nil {
			e.output(chunk)
		}
		e.pending.Add(-1)
	}
}

func (e *DeltaEncoder) encode(job encodeJob) (domain.VideoChunk, error) {
	key := job.key || e.reference == nil

	body := job.data
	if !key {
		body = make([]byte, len(job.data))
		for i := range job.data {
			body[i] = job.data[i] ^ e.reference[i]
		}
	}

	e.seq++
	hdr := chunkHeader{
		width:  uint16(e.meta.Width),
		height: uint16(e.meta.Height),
		seq:    e.seq,
		ref:    e.seq,
	}
	if !key {
		hdr.ref = e.seq - 1
	}

	e.buf.Reset()
	var head [headerSize]byte
	hdr.put(head[:])
	e.buf.Write(head[:])
	e.deflater.Reset(&e.buf)
	if _, err := e.deflater.Write(body); err != nil {
		e.seq--
		return domain.VideoChunk{}, err
	}
	if err := e.deflater.Close(); err != nil {
		e.seq--
		return domain.VideoChunk{}, err
	}
	e.reference = job.data

	chunk := domain.VideoChunk{
		Type:      domain.ChunkDelta,
		Timestamp: job.timestamp,
		Duration:  job.duration,
		Payload:   bytes.Clone(e.buf.Bytes()),
	}
	if key {
		chunk.Type = domain.ChunkKey
	}
	return chunk, nil
}

// DeltaDecoder reverses DeltaEncoder for one peer. It is not safe for
// concurrent use.
type DeltaDecoder struct {
	maxPixels int
	reference []byte
	width     int
	height    int
	seq       uint32
}

var _ ports.VideoDecoder = (*DeltaDecoder)(nil)

// NewDeltaDecoder returns a decoder that rejects frames larger than
// maxPixels. A non-positive maxPixels selects DefaultMaxFramePixels.
func NewDeltaDecoder(maxPixels int) *DeltaDecoder {
	if maxPixels <= 0 {
		maxPixels = DefaultMaxFramePixels
	}
	return &DeltaDecoder{maxPixels: maxPixels}
}

// DeltaDecoderFactory adapts NewDeltaDecoder to ports.DecoderFactory.
func DeltaDecoderFactory(maxPixels int) ports.DecoderFactory {
	return func(domain.PeerID) (ports.VideoDecoder, error) {
		return NewDeltaDecoder(maxPixels), nil
	}
}

func (d *DeltaDecoder) Decode(chunk domain.VideoChunk) (*domain.DecodedFrame, error) {
	hdr, err := parseHeader(chunk.Payload)
	if err != nil {
		return nil, err
	}
	width, height := int(hdr.width), int(hdr.height)
	if width == 0 || height == 0 {
		return nil, fmt.Errorf("invalid frame size %dx%d", width, height)
	}
	if width*height > d.maxPixels {
		return nil, fmt.Errorf("frame size %dx%d: %w", width, height, ErrFrameTooLarge)
	}

	if !chunk.IsKey() {
		if d.reference == nil || hdr.ref != d.seq || width != d.width || height != d.height {
			return nil, domain.ErrNoReference
		}
	}

	body, err := inflate(chunk.Payload[headerSize:], width*height)
	if err != nil {
		return nil, err
	}

	if !chunk.IsKey() {
		for i := range body {
			body[i] ^= d.reference[i]
		}
	}

	d.reference = body
	d.width, d.height = width, height
	d.seq = hdr.seq

	return &domain.DecodedFrame{
		Data:      body,
		Width:     width,
		Height:    height,
		Timestamp: chunk.Timestamp,
		Key:       chunk.IsKey(),
	}, nil
}

func (d *DeltaDecoder) Reset() {
	d.reference = nil
	d.seq = 0
}

func (d *DeltaDecoder) Close() error {
	d.Reset()
	return nil
}

// inflate decompresses exactly size bytes and rejects short or trailing
// data. The buffer grows with the decompressed stream, not with size.
func inflate(compressed []byte, size int) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(compressed))
	defer r.Close()

	var out bytes.Buffer
	if _, err := out.ReadFrom(io.LimitReader(r, int64(size)+1)); err != nil {
		return nil, fmt.Errorf("inflate body: %w", err)
	}
	switch {
	case out.Len() < size:
		return nil, fmt.Errorf("inflate body: %w", io.ErrUnexpectedEOF)
	case out.Len() > size:
		return nil, errors.New("inflate body: trailing data")
	}
	return out.Bytes(), nil
}
