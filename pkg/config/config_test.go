package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, uint64(150), cfg.Capture.KeyFrameInterval)
	assert.Equal(t, 2, cfg.Capture.MaxEncodeQueue)
	assert.True(t, cfg.Capture.KeyFrameOnJoin)
	assert.Equal(t, "websocket", cfg.Transport.Kind)
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{
			name:   "short room topic",
			mutate: func(c *Config) { c.Room.Topic = "abcd" },
		},
		{
			name:   "non hex room topic",
			mutate: func(c *Config) { c.Room.Topic = strings.Repeat("zz", 32) },
		},
		{
			name:   "unknown transport",
			mutate: func(c *Config) { c.Transport.Kind = "carrier-pigeon" },
		},
		{
			name:   "record size below header",
			mutate: func(c *Config) { c.Transport.MaxRecordSize = 4 },
		},
		{
			name: "inverted port range",
			mutate: func(c *Config) {
				c.Transport.PortRange = PortRange{Min: 6000, Max: 5000}
			},
		},
		{
			name: "half port range",
			mutate: func(c *Config) {
				c.Transport.PortRange = PortRange{Min: 6000}
			},
		},
		{
			name: "static peer without addr",
			mutate: func(c *Config) {
				c.Transport.StaticPeers = []StaticPeer{{ID: "abcdef"}}
			},
		},
		{
			name:   "zero key frame interval",
			mutate: func(c *Config) { c.Capture.KeyFrameInterval = 0 },
		},
		{
			name:   "oversized frame",
			mutate: func(c *Config) { c.Capture.Width = 70000 },
		},
		{
			name:   "negative encode queue",
			mutate: func(c *Config) { c.Capture.MaxEncodeQueue = -1 },
		},
		{
			name:   "zero decode queue",
			mutate: func(c *Config) { c.Decode.QueueDepth = 0 },
		},
		{
			name:   "zero max frame pixels",
			mutate: func(c *Config) { c.Decode.MaxFramePixels = 0 },
		},
		{
			name: "discovery interval not below ttl",
			mutate: func(c *Config) {
				c.Discovery.Enabled = true
				c.Transport.Advertise = "ws://node:7400/peer"
				c.Discovery.Interval = c.Discovery.TTL
			},
		},
		{
			name: "discovery without advertise address",
			mutate: func(c *Config) {
				c.Discovery.Enabled = true
			},
		},
		{
			name: "rate limit without burst",
			mutate: func(c *Config) {
				c.HTTP.RateLimit.Enabled = true
				c.HTTP.RateLimit.Burst = 0
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidate_RateLimitDisabledIgnoresZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HTTP.RateLimit.Enabled = false
	cfg.HTTP.RateLimit.RequestsPerSecond = 0
	cfg.HTTP.RateLimit.Burst = 0

	assert.NoError(t, cfg.Validate())
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().HTTP.Address, cfg.HTTP.Address)
}

func TestLoad_YAMLAndEnvOverrides(t *testing.T) {
	topic := strings.Repeat("ab", 32)
	path := filepath.Join(t.TempDir(), "meshcam.yaml")
	yamlDoc := `
room:
  topic: ` + topic + `
transport:
  kind: webrtc
  listen: ":9000"
  static_peers:
    - id: "0a0b0c"
      addr: "http://10.0.0.2:9000/rtc/offer"
capture:
  fps: 15
  key_frame_interval: 60
discovery:
  ttl: 30s
  interval: 10s
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o600))

	t.Setenv("MESHCAM_HTTP_ADDRESS", ":18080")
	t.Setenv("MESHCAM_CAPTURE_AUTO_START", "true")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, topic, cfg.Room.Topic)
	assert.Equal(t, "webrtc", cfg.Transport.Kind)
	assert.Equal(t, ":9000", cfg.Transport.Listen)
	require.Len(t, cfg.Transport.StaticPeers, 1)
	assert.Equal(t, "0a0b0c", cfg.Transport.StaticPeers[0].ID)
	assert.Equal(t, 15, cfg.Capture.FPS)
	assert.Equal(t, uint64(60), cfg.Capture.KeyFrameInterval)
	assert.Equal(t, 2, cfg.Capture.MaxEncodeQueue, "unset keys keep their defaults")
	assert.Equal(t, 30*time.Second, cfg.Discovery.TTL)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, ":18080", cfg.HTTP.Address)
	assert.True(t, cfg.Capture.AutoStart)
}

func TestLoad_InvalidEnvOverride(t *testing.T) {
	t.Setenv("MESHCAM_CAPTURE_AUTO_START", "sometimes")

	_, err := Load("")
	assert.Error(t, err)
}

func TestLoad_RejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("capture:\n  fps: 0\n"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}
