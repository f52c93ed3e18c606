package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"meshcam/internal/core/domain"
	"meshcam/internal/core/ports"
	"meshcam/internal/core/services"
	httphandlers "meshcam/internal/handlers/http"
	"meshcam/internal/infrastructure/discovery"
	"meshcam/internal/infrastructure/identity"
	"meshcam/internal/infrastructure/media"
	"meshcam/internal/infrastructure/middleware"
	"meshcam/internal/infrastructure/monitoring"
	"meshcam/internal/infrastructure/transport"
	"meshcam/pkg/config"
	"meshcam/pkg/logger"
	"meshcam/pkg/retry"
	"meshcam/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	webSocketPath = "/peer"
	webRTCPath    = "/rtc/offer"
)

func main() {
	configPath := flag.String("config", "configs/meshcam.yaml", "path to the YAML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshcam: %v\n", err)
		os.Exit(1)
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if err := run(cfg, log); err != nil {
		log.Errorw("meshcam stopped with error", "error", err)
		_ = zapLogger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracingCfg := tracing.DefaultConfig()
	tracingCfg.Enabled = cfg.Tracing.Enabled
	tracingCfg.JaegerURL = cfg.Tracing.JaegerURL
	tracingCfg.SampleRate = cfg.Tracing.SampleRate
	tp, err := tracing.Init(tracingCfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Warnw("tracer shutdown failed", "error", err)
		}
	}()

	id, created, err := identity.LoadOrCreate(cfg.Node.KeyFile)
	if err != nil {
		return err
	}
	self := id.PeerID()
	log = log.With("node", self.Short())
	if created {
		log.Infow("created node identity", "key_file", cfg.Node.KeyFile)
	}

	topic, err := roomTopic(cfg, log)
	if err != nil {
		return err
	}
	auth := services.NewRoomAuth(topic, self, cfg.Transport.TokenTTL)
	log = log.With("room", auth.RoomID())

	collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)
	renderer := media.NewStatsRenderer(log)
	registry := services.NewPeerRegistry()

	decodeCfg := services.DecodeConfig{
		QueueDepth:             cfg.Decode.QueueDepth,
		MaxConsecutiveFailures: cfg.Decode.MaxConsecutiveFailures,
	}
	controller := services.NewPeerController(
		self,
		registry,
		renderer,
		media.DeltaDecoderFactory(cfg.Decode.MaxFramePixels),
		services.ControllerConfig{MaxRecordSize: cfg.Transport.MaxRecordSize, Decode: decodeCfg},
		log,
		collector,
	)
	broadcaster := services.NewBroadcaster(controller, log, collector)
	capture := services.NewCapturePipeline(
		self,
		services.CaptureConfig{
			KeyFrameInterval: cfg.Capture.KeyFrameInterval,
			MaxEncodeQueue:   cfg.Capture.MaxEncodeQueue,
			KeyFrameOnJoin:   cfg.Capture.KeyFrameOnJoin,
			Preview:          cfg.Capture.Preview,
		},
		decodeCfg,
		media.DeltaEncoderFactory(media.DefaultDeltaCodecConfig()),
		media.DeltaDecoderFactory(cfg.Decode.MaxFramePixels),
		renderer,
		broadcaster,
		log,
		collector,
	)
	registry.OnAdd(func(_ domain.PeerID, session *services.PeerSession) error {
		capture.Greet(session.Conn())
		return nil
	})

	pattern, err := media.ParsePattern(cfg.Capture.Pattern)
	if err != nil {
		return err
	}
	patternCfg := media.DefaultPatternConfig()
	patternCfg.Width = cfg.Capture.Width
	patternCfg.Height = cfg.Capture.Height
	patternCfg.FPS = cfg.Capture.FPS
	patternCfg.Pattern = pattern
	newSource := func() ports.CaptureSource {
		return media.NewPatternSource(patternCfg)
	}

	peerRouter := gin.New()
	peerRouter.Use(middleware.RecoveryMiddleware(log))
	var dialer ports.Dialer
	switch cfg.Transport.Kind {
	case "webrtc":
		rtc := transport.NewWebRTCTransport(webRTCConfig(cfg), auth, controller, log)
		peerRouter.POST(webRTCPath, gin.WrapH(rtc))
		dialer = rtc
	default:
		ws := transport.NewWebSocketTransport(transport.WebSocketConfig{
			PingInterval:   cfg.Transport.PingInterval,
			WriteTimeout:   cfg.Transport.WriteTimeout,
			OutboxDepth:    cfg.Transport.OutboxDepth,
			MaxMessageSize: int64(cfg.Transport.MaxRecordSize),
		}, auth, controller, log)
		peerRouter.GET(webSocketPath, gin.WrapH(ws))
		dialer = ws
	}

	health := monitoring.NewHealthChecker()
	var disc *discovery.RedisDiscovery
	if cfg.Discovery.Enabled {
		client, err := discovery.NewRedisClient(ctx, cfg.Discovery.Address, cfg.Discovery.Password, cfg.Discovery.DB, log)
		if err != nil {
			return err
		}
		defer client.Close()
		health.AddRedisCheck(client, 2*time.Second)

		disc = discovery.NewRedisDiscovery(
			client,
			discovery.Config{
				KeyPrefix: cfg.Discovery.KeyPrefix,
				TTL:       cfg.Discovery.TTL,
				Interval:  cfg.Discovery.Interval,
				Retry:     retry.DefaultConfig(),
			},
			auth.RoomID(),
			self,
			cfg.Transport.Advertise,
			cfg.Transport.Kind,
			dialer,
			registry.Has,
			log,
		)
	}

	handler := httphandlers.NewNodeHandler(
		httphandlers.NodeInfo{PeerID: self, RoomID: auth.RoomID(), Transport: cfg.Transport.Kind},
		controller,
		capture,
		newSource,
		renderer,
		health,
	)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.ErrorHandlerMiddleware(log),
		middleware.NewHTTPRateLimitMiddleware(middleware.RateLimitConfig{
			Enabled:           cfg.HTTP.RateLimit.Enabled,
			RequestsPerSecond: cfg.HTTP.RateLimit.RequestsPerSecond,
			Burst:             cfg.HTTP.RateLimit.Burst,
			MaxConcurrent:     cfg.HTTP.RateLimit.MaxConcurrent,
		}),
	)
	handler.SetupRoutes(router)
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	apiServer := &http.Server{
		Addr:              cfg.HTTP.Address,
		Handler:           router,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
	}
	peerServer := &http.Server{
		Addr:              cfg.Transport.Listen,
		Handler:           peerRouter,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infow("status API listening", "address", cfg.HTTP.Address)
		return serve(apiServer)
	})
	g.Go(func() error {
		log.Infow("peer transport listening", "address", cfg.Transport.Listen, "transport", cfg.Transport.Kind)
		return serve(peerServer)
	})
	g.Go(func() error {
		return renderer.Run(gctx, cfg.Monitoring.StatsInterval)
	})
	if disc != nil {
		g.Go(func() error {
			return disc.Run(gctx)
		})
	}
	for _, p := range cfg.Transport.StaticPeers {
		g.Go(func() error {
			dialStatic(gctx, dialer, p, log)
			return nil
		})
	}
	if cfg.Capture.AutoStart {
		if err := capture.Start(gctx, newSource()); err != nil {
			return err
		}
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("leaving room")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()

		return multierr.Combine(
			capture.Stop(shutdownCtx),
			controller.Close(),
			apiServer.Shutdown(shutdownCtx),
			peerServer.Shutdown(shutdownCtx),
		)
	})

	err = g.Wait()
	log.Info("meshcam stopped")
	return err
}

// roomTopic returns the configured topic or creates a new room.
func roomTopic(cfg *config.Config, log *zap.SugaredLogger) ([]byte, error) {
	if cfg.Room.Topic != "" {
		return identity.ParseTopic(cfg.Room.Topic)
	}
	topic, err := identity.NewTopic()
	if err != nil {
		return nil, err
	}
	log.Infow("created room, share the topic to invite peers", "topic", hex.EncodeToString(topic))
	return topic, nil
}

func webRTCConfig(cfg *config.Config) transport.WebRTCConfig {
	rtc := transport.DefaultWebRTCConfig()
	rtc.ICEServers = rtc.ICEServers[:0]
	for _, s := range cfg.Transport.ICEServers {
		rtc.ICEServers = append(rtc.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	rtc.PortRange.Min = cfg.Transport.PortRange.Min
	rtc.PortRange.Max = cfg.Transport.PortRange.Max
	rtc.MaxFragment = cfg.Transport.MaxFragment
	rtc.OutboxDepth = cfg.Transport.OutboxDepth
	rtc.WriteTimeout = cfg.Transport.WriteTimeout
	return rtc
}

func dialStatic(ctx context.Context, dialer ports.Dialer, p config.StaticPeer, log *zap.SugaredLogger) {
	peer, err := domain.ParsePeerID(p.ID)
	if err != nil {
		log.Warnw("skipping static peer", "id", p.ID, "error", err)
		return
	}

	err = retry.Retry(ctx, retry.DefaultConfig(), func(ctx context.Context) error {
		err := dialer.Dial(ctx, peer, p.Addr)
		if errors.Is(err, domain.ErrUnauthorized) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil && ctx.Err() == nil {
		log.Warnw("could not reach static peer", "peer_id", peer.Short(), "addr", p.Addr, "error", err)
	}
}

func serve(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
