package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Node struct {
		KeyFile string `yaml:"key_file"`
	} `yaml:"node"`

	Room struct {
		// Topic is the hex encoded 32 byte room topic. Empty creates a room.
		Topic string `yaml:"topic"`
	} `yaml:"room"`

	Transport struct {
		Kind          string        `yaml:"kind"` // websocket or webrtc
		Listen        string        `yaml:"listen"`
		Advertise     string        `yaml:"advertise"`
		StaticPeers   []StaticPeer  `yaml:"static_peers"`
		OutboxDepth   int           `yaml:"outbox_depth"`
		MaxRecordSize int           `yaml:"max_record_size"`
		MaxFragment   int           `yaml:"max_fragment"`
		PingInterval  time.Duration `yaml:"ping_interval"`
		WriteTimeout  time.Duration `yaml:"write_timeout"`
		TokenTTL      time.Duration `yaml:"token_ttl"`
		ICEServers    []ICEServer   `yaml:"ice_servers"`
		PortRange     PortRange     `yaml:"port_range"`
	} `yaml:"transport"`

	Capture struct {
		AutoStart        bool   `yaml:"auto_start"`
		Width            int    `yaml:"width"`
		Height           int    `yaml:"height"`
		FPS              int    `yaml:"fps"`
		Pattern          string `yaml:"pattern"`
		KeyFrameInterval uint64 `yaml:"key_frame_interval"`
		MaxEncodeQueue   int    `yaml:"max_encode_queue"`
		KeyFrameOnJoin   bool   `yaml:"key_frame_on_join"`
		Preview          bool   `yaml:"preview"`
	} `yaml:"capture"`

	Decode struct {
		QueueDepth             int `yaml:"queue_depth"`
		MaxConsecutiveFailures int `yaml:"max_consecutive_failures"`
		// MaxFramePixels caps width*height accepted from a remote chunk.
		MaxFramePixels         int `yaml:"max_frame_pixels"`
	} `yaml:"decode"`

	Discovery struct {
		Enabled   bool          `yaml:"enabled"`
		Address   string        `yaml:"address"`
		Password  string        `yaml:"password"`
		DB        int           `yaml:"db"`
		KeyPrefix string        `yaml:"key_prefix"`
		TTL       time.Duration `yaml:"ttl"`
		Interval  time.Duration `yaml:"interval"`
	} `yaml:"discovery"`

	HTTP struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

		RateLimit struct {
			Enabled           bool    `yaml:"enabled"`
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"`
		} `yaml:"rate_limit"`
	} `yaml:"http"`

	Monitoring struct {
		PrometheusEnabled bool          `yaml:"prometheus_enabled"`
		StatsInterval     time.Duration `yaml:"stats_interval"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled    bool    `yaml:"enabled"`
		JaegerURL  string  `yaml:"jaeger_url"`
		SampleRate float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// StaticPeer is a peer dialed at startup without discovery.
type StaticPeer struct {
	ID   string `yaml:"id"`
	Addr string `yaml:"addr"`
}

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type PortRange struct {
	Min uint16 `yaml:"min"`
	Max uint16 `yaml:"max"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Room.Topic != "" {
		b, err := hex.DecodeString(c.Room.Topic)
		if err != nil || len(b) != 32 {
			return fmt.Errorf("room.topic must be 64 hex characters")
		}
	}

	// Transport
	switch c.Transport.Kind {
	case "websocket", "webrtc":
	default:
		return fmt.Errorf("transport.kind must be websocket or webrtc, got %q", c.Transport.Kind)
	}
	if c.Transport.Listen == "" {
		return fmt.Errorf("transport.listen must not be empty")
	}
	if c.Transport.OutboxDepth <= 0 {
		return fmt.Errorf("transport.outbox_depth must be > 0")
	}
	if c.Transport.MaxRecordSize < 5 {
		return fmt.Errorf("transport.max_record_size must be >= 5")
	}
	if c.Transport.MaxFragment <= 0 {
		return fmt.Errorf("transport.max_fragment must be > 0")
	}
	if c.Transport.PingInterval <= 0 {
		return fmt.Errorf("transport.ping_interval must be > 0")
	}
	if c.Transport.WriteTimeout <= 0 {
		return fmt.Errorf("transport.write_timeout must be > 0")
	}
	if c.Transport.TokenTTL <= 0 {
		return fmt.Errorf("transport.token_ttl must be > 0")
	}
	if c.Transport.PortRange.Min > 0 || c.Transport.PortRange.Max > 0 {
		if c.Transport.PortRange.Min == 0 || c.Transport.PortRange.Max == 0 {
			return fmt.Errorf("transport.port_range.min and max must both be set when one is set")
		}
		if c.Transport.PortRange.Min >= c.Transport.PortRange.Max {
			return fmt.Errorf("transport.port_range.min must be < max")
		}
	}
	for i, p := range c.Transport.StaticPeers {
		if _, err := hex.DecodeString(p.ID); err != nil || p.ID == "" {
			return fmt.Errorf("transport.static_peers[%d].id must be a hex peer id", i)
		}
		if p.Addr == "" {
			return fmt.Errorf("transport.static_peers[%d].addr must not be empty", i)
		}
	}

	// Capture
	if c.Capture.Width <= 0 || c.Capture.Height <= 0 {
		return fmt.Errorf("capture.width and capture.height must be > 0")
	}
	if c.Capture.Width > 0xFFFF || c.Capture.Height > 0xFFFF {
		return fmt.Errorf("capture.width and capture.height must be <= 65535")
	}
	if c.Capture.FPS <= 0 {
		return fmt.Errorf("capture.fps must be > 0")
	}
	if c.Capture.KeyFrameInterval == 0 {
		return fmt.Errorf("capture.key_frame_interval must be > 0")
	}
	if c.Capture.MaxEncodeQueue < 0 {
		return fmt.Errorf("capture.max_encode_queue must be >= 0")
	}

	// Decode
	if c.Decode.QueueDepth <= 0 {
		return fmt.Errorf("decode.queue_depth must be > 0")
	}
	if c.Decode.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("decode.max_consecutive_failures must be > 0")
	}
	if c.Decode.MaxFramePixels <= 0 {
		return fmt.Errorf("decode.max_frame_pixels must be > 0")
	}

	// Discovery
	if c.Discovery.Enabled {
		if c.Discovery.Address == "" {
			return fmt.Errorf("discovery.address must not be empty when discovery.enabled=true")
		}
		if c.Discovery.TTL <= 0 {
			return fmt.Errorf("discovery.ttl must be > 0")
		}
		if c.Discovery.Interval <= 0 || c.Discovery.Interval >= c.Discovery.TTL {
			return fmt.Errorf("discovery.interval must be > 0 and < discovery.ttl")
		}
		if c.Transport.Advertise == "" {
			return fmt.Errorf("transport.advertise must not be empty when discovery.enabled=true")
		}
	}

	// HTTP
	if c.HTTP.Address == "" {
		return fmt.Errorf("http.address must not be empty")
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		return fmt.Errorf("http.shutdown_timeout must be > 0")
	}
	if c.HTTP.RateLimit.Enabled {
		if c.HTTP.RateLimit.RequestsPerSecond <= 0 {
			return fmt.Errorf("http.rate_limit.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.HTTP.RateLimit.Burst <= 0 {
			return fmt.Errorf("http.rate_limit.burst must be > 0 when rate limiting is enabled")
		}
		if c.HTTP.RateLimit.MaxConcurrent < 0 {
			return fmt.Errorf("http.rate_limit.max_concurrent must be >= 0 when rate limiting is enabled")
		}
	}

	if c.Monitoring.StatsInterval <= 0 {
		return fmt.Errorf("monitoring.stats_interval must be > 0")
	}

	if c.Tracing.Enabled && (c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1) {
		return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	return nil
}

// Load reads configuration from a YAML file, applies defaults and env
// overrides. A missing file yields the defaults.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
			}
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Node.KeyFile = "meshcam.key"

	cfg.Transport.Kind = "websocket"
	cfg.Transport.Listen = ":7400"
	cfg.Transport.OutboxDepth = 256
	cfg.Transport.MaxRecordSize = 16 << 20
	cfg.Transport.MaxFragment = 16 << 10
	cfg.Transport.PingInterval = 15 * time.Second
	cfg.Transport.WriteTimeout = 10 * time.Second
	cfg.Transport.TokenTTL = time.Minute
	cfg.Transport.ICEServers = []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}

	cfg.Capture.AutoStart = false
	cfg.Capture.Width = 320
	cfg.Capture.Height = 240
	cfg.Capture.FPS = 30
	cfg.Capture.Pattern = "moving-box"
	cfg.Capture.KeyFrameInterval = 150
	cfg.Capture.MaxEncodeQueue = 2
	cfg.Capture.KeyFrameOnJoin = true
	cfg.Capture.Preview = true

	cfg.Decode.QueueDepth = 64
	cfg.Decode.MaxConsecutiveFailures = 3
	cfg.Decode.MaxFramePixels = 4096 * 2160

	cfg.Discovery.Enabled = false
	cfg.Discovery.Address = "localhost:6379"
	cfg.Discovery.KeyPrefix = "meshcam"
	cfg.Discovery.TTL = 15 * time.Second
	cfg.Discovery.Interval = 5 * time.Second

	cfg.HTTP.Address = ":8080"
	cfg.HTTP.ReadTimeout = 15 * time.Second
	cfg.HTTP.ShutdownTimeout = 10 * time.Second
	cfg.HTTP.RateLimit.Enabled = false
	cfg.HTTP.RateLimit.RequestsPerSecond = 20
	cfg.HTTP.RateLimit.Burst = 40
	cfg.HTTP.RateLimit.MaxConcurrent = 0

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.StatsInterval = 10 * time.Second

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	return cfg
}

func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("MESHCAM_ROOM_TOPIC"); v != "" {
		c.Room.Topic = v
	}
	if v := os.Getenv("MESHCAM_NODE_KEY_FILE"); v != "" {
		c.Node.KeyFile = v
	}
	if v := os.Getenv("MESHCAM_TRANSPORT_KIND"); v != "" {
		c.Transport.Kind = v
	}
	if v := os.Getenv("MESHCAM_TRANSPORT_LISTEN"); v != "" {
		c.Transport.Listen = v
	}
	if v := os.Getenv("MESHCAM_TRANSPORT_ADVERTISE"); v != "" {
		c.Transport.Advertise = v
	}
	if v := os.Getenv("MESHCAM_HTTP_ADDRESS"); v != "" {
		c.HTTP.Address = v
	}
	if v := os.Getenv("MESHCAM_DISCOVERY_ADDRESS"); v != "" {
		c.Discovery.Address = v
		c.Discovery.Enabled = true
	}
	if v := os.Getenv("MESHCAM_DISCOVERY_PASSWORD"); v != "" {
		c.Discovery.Password = v
	}
	if v := os.Getenv("MESHCAM_CAPTURE_AUTO_START"); v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("MESHCAM_CAPTURE_AUTO_START: %w", err)
		}
		c.Capture.AutoStart = on
	}
	if v := os.Getenv("MESHCAM_LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	return nil
}
