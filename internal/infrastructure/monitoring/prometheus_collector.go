package monitoring

import (
	"strconv"

	"meshcam/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector is the production ports.RelayMetrics.
type PrometheusCollector struct {
	peersConnected prometheus.Gauge
	peersTotal     prometheus.Counter
	decodersActive prometheus.Gauge

	framesCaptured prometheus.Counter
	framesDropped  *prometheus.CounterVec
	chunksEncoded  *prometheus.CounterVec
	chunkBytes     prometheus.Histogram
	chunksDecoded  *prometheus.CounterVec
	chunksDropped  *prometheus.CounterVec
	malformed      prometheus.Counter

	bytesSent     prometheus.Counter
	bytesReceived prometheus.Counter
	writeFailures prometheus.Counter
}

var _ ports.RelayMetrics = (*PrometheusCollector)(nil)

// NewPrometheusCollector registers the relay metrics with reg; nil means the
// default registerer.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		peersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meshcam_peers_connected",
			Help: "Number of peers currently in the registry",
		}),
		peersTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshcam_peers_joined_total",
			Help: "Peers added to the registry since start",
		}),
		decodersActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meshcam_decoders_active",
			Help: "Decode pipelines currently attached",
		}),

		framesCaptured: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshcam_frames_captured_total",
			Help: "Raw frames delivered by the capture source",
		}),
		framesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcam_frames_dropped_total",
			Help: "Captured frames not encoded",
		}, []string{"reason"}),
		chunksEncoded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcam_chunks_encoded_total",
			Help: "Chunks produced by the local encoder",
		}, []string{"key"}),
		chunkBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "meshcam_chunk_size_bytes",
			Help:    "Payload size of encoded chunks",
			Buckets: prometheus.ExponentialBuckets(256, 4, 8),
		}),
		chunksDecoded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcam_chunks_decoded_total",
			Help: "Remote chunks decoded",
		}, []string{"key"}),
		chunksDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcam_chunks_dropped_total",
			Help: "Remote chunks discarded before or during decoding",
		}, []string{"reason"}),
		malformed: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshcam_records_malformed_total",
			Help: "Incoming records that failed to parse",
		}),

		bytesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshcam_bytes_sent_total",
			Help: "Bytes queued to peers",
		}),
		bytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshcam_bytes_received_total",
			Help: "Bytes received from peers",
		}),
		writeFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshcam_write_failures_total",
			Help: "Writes to a peer that failed",
		}),
	}
}

func (p *PrometheusCollector) PeerAdded() {
	p.peersConnected.Inc()
	p.peersTotal.Inc()
}

func (p *PrometheusCollector) PeerRemoved() {
	p.peersConnected.Dec()
}

func (p *PrometheusCollector) DecoderStarted() {
	p.decodersActive.Inc()
}

func (p *PrometheusCollector) DecoderStopped() {
	p.decodersActive.Dec()
}

func (p *PrometheusCollector) FrameCaptured() {
	p.framesCaptured.Inc()
}

func (p *PrometheusCollector) FrameDropped(reason string) {
	p.framesDropped.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) ChunkEncoded(key bool, bytes int) {
	p.chunksEncoded.WithLabelValues(strconv.FormatBool(key)).Inc()
	p.chunkBytes.Observe(float64(bytes))
}

func (p *PrometheusCollector) ChunkDecoded(key bool) {
	p.chunksDecoded.WithLabelValues(strconv.FormatBool(key)).Inc()
}

func (p *PrometheusCollector) ChunkDropped(reason string) {
	p.chunksDropped.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) RecordMalformed() {
	p.malformed.Inc()
}

func (p *PrometheusCollector) BytesSent(n int) {
	p.bytesSent.Add(float64(n))
}

func (p *PrometheusCollector) BytesReceived(n int) {
	p.bytesReceived.Add(float64(n))
}

func (p *PrometheusCollector) WriteFailed() {
	p.writeFailures.Inc()
}
