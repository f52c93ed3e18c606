package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusCollector_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	c.PeerAdded()
	c.PeerAdded()
	c.PeerRemoved()
	c.DecoderStarted()
	c.ChunkEncoded(true, 1024)
	c.ChunkEncoded(false, 128)
	c.ChunkEncoded(false, 96)
	c.FrameDropped("encoder_busy")
	c.ChunkDropped("awaiting_key_frame")
	c.BytesSent(500)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.peersConnected))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.peersTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.decodersActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.chunksEncoded.WithLabelValues("true")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.chunksEncoded.WithLabelValues("false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.framesDropped.WithLabelValues("encoder_busy")))
	assert.Equal(t, 500.0, testutil.ToFloat64(c.bytesSent))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestPrometheusCollector_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewPrometheusCollector(prometheus.NewRegistry())
		NewPrometheusCollector(prometheus.NewRegistry())
	})
}

func TestHealthChecker_CheckAll(t *testing.T) {
	h := NewHealthChecker()
	h.AddCheck("capture", func(context.Context) error { return nil }, time.Second)

	status := h.CheckAll(context.Background())
	assert.True(t, status.Healthy())
	assert.Equal(t, "healthy", status.Checks["capture"])

	h.AddCheck("redis", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, 10*time.Millisecond)
	h.AddCheck("broken", func(context.Context) error { return errors.New("boom") }, time.Second)

	status = h.CheckAll(context.Background())
	assert.False(t, status.Healthy())
	assert.Equal(t, "healthy", status.Checks["capture"])
	assert.Equal(t, context.DeadlineExceeded.Error(), status.Checks["redis"])
	assert.Equal(t, "boom", status.Checks["broken"])
}
