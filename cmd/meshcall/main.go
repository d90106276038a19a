package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/services"
	httphandlers "meshcall/internal/handlers/http"
	"meshcall/internal/infrastructure/distributed"
	"meshcall/internal/infrastructure/monitoring"
	relay "meshcall/internal/infrastructure/signal"
	webrtcinfra "meshcall/internal/infrastructure/webrtc"
	"meshcall/pkg/circuitbreaker"
	"meshcall/pkg/config"
	"meshcall/pkg/logger"
	"meshcall/pkg/retry"
	"meshcall/pkg/tracing"
	"meshcall/pkg/validation"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zap.NewExample().Sugar().Fatalw("failed to load configuration", "path", *configPath, "error", err)
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	identity, err := localIdentity(cfg)
	if err != nil {
		log.Fatalw("invalid identity", "error", err)
	}
	if err := validation.ValidateRoomID(cfg.Room.ID); err != nil {
		log.Fatalw("invalid room", "error", err)
	}
	if err := validation.ValidateRelayURL(cfg.Relay.URL); err != nil {
		log.Fatalw("invalid relay url", "error", err)
	}
	log = log.With("room_id", cfg.Room.ID, "participant_id", identity.ID)

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: "production",
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := services.NewEventBus()

	// Monitoring
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := monitoring.NewPrometheusCollector(registry)
	detachCollector := collector.Attach(bus)
	defer detachCollector()

	// Media
	devices := webrtcinfra.NewDeviceRegistry(log.Named("devices"), webrtcinfra.DefaultDevices()...)
	negotiators, err := webrtcinfra.NewNegotiatorFactory(webrtcConfig(cfg), collector.ObservePacket, log.Named("webrtc"))
	if err != nil {
		log.Fatalw("failed to create negotiator factory", "error", err)
	}

	// Relay
	relayClient := relay.NewRelayClient(relayConfig(cfg), bus, log.Named("relay"))

	// Core services
	media := services.NewMediaService(devices, bus, log.Named("media"))
	mesh := services.NewMeshService(
		negotiators,
		services.NewRelaySignalRouter(relayClient, identity.ID, log.Named("router")),
		bus,
		services.MeshConfig{SignalTimeout: cfg.Mesh.SignalTimeout, InitialBitrate: cfg.Quality.Bitrate.Initial},
		log.Named("mesh"),
	)
	collector.CountSessions(mesh)
	abr := services.NewAdaptiveBitrateService(
		services.NewQualityService(cfg.Quality.Bitrate),
		mesh,
		bus,
		services.AdaptiveBitrateConfig{
			StatsInterval: cfg.Quality.StatsInterval,
			HistorySize:   cfg.Quality.HistorySize,
			Breaker: circuitbreaker.Config{
				FailureThreshold: cfg.Quality.StatsBreaker.FailureThreshold,
				SuccessThreshold: 1,
				Timeout:          cfg.Quality.StatsBreaker.Timeout,
			},
		},
		log.Named("quality"),
	)
	conference := services.NewConferenceService(
		services.ConferenceConfig{
			RelayURL: cfg.Relay.URL,
			RoomID:   domain.RoomID(cfg.Room.ID),
			Identity: identity,
			Constraints: domain.CaptureConstraints{
				Profile:       cfg.QualityProfile(),
				AudioDeviceID: cfg.Media.AudioDeviceID,
				VideoDeviceID: cfg.Media.VideoDeviceID,
			},
		},
		relayClient, media, mesh, abr, bus, log.Named("conference"),
	)

	health := monitoring.NewHealthChecker()
	health.AddRelayCheck(relayClient)

	// Event forwarding
	var forwarderDone chan struct{}
	forwardCtx, stopForwarder := context.WithCancel(context.Background())
	defer stopForwarder()
	if cfg.Redis.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		defer redisClient.Close()
		health.AddRedisCheck(redisClient, 2*time.Second)

		forwarder := distributed.NewEventForwarder(redisClient, distributed.ForwarderConfig{
			Channel:    cfg.Redis.Channel,
			InstanceID: string(identity.ID),
			RoomID:     domain.RoomID(cfg.Room.ID),
		}, log.Named("forwarder"))
		detachForwarder := forwarder.Attach(bus)
		defer detachForwarder()

		forwarderDone = make(chan struct{})
		go func() {
			defer close(forwarderDone)
			forwarder.Run(forwardCtx)
		}()
		log.Infow("forwarding events to redis", "address", cfg.Redis.Address, "channel", cfg.Redis.Channel)
	}

	// HTTP
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	var gatherer prometheus.Gatherer
	if cfg.Monitoring.PrometheusEnabled {
		gatherer = registry
	}
	router := httphandlers.NewRouter(cfg, httphandlers.NewConferenceHandler(conference, devices, health), gatherer, log.Named("http"))
	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting diagnostics server", "address", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	log.Infow("joining room", "relay_url", cfg.Relay.URL, "name", identity.Name, "role", identity.Role)
	if err := conference.Join(ctx); err != nil {
		log.Errorw("failed to join room", "error", err, "kind", domain.ErrorKind(err))
	} else {
		log.Info("joined room")
	}

	select {
	case err := <-serverErr:
		log.Errorw("diagnostics server failed", "error", err)
	case <-ctx.Done():
		log.Info("received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := conference.LeaveRoom(shutdownCtx); err != nil {
		log.Warnw("error leaving room", "error", err)
	}
	if err := relayClient.Close(); err != nil {
		log.Warnw("error closing relay connection", "error", err)
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		_ = srv.Close()
	}

	stopForwarder()
	if forwarderDone != nil {
		<-forwarderDone
	}

	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("error shutting down tracer provider", "error", err)
	}
	log.Info("meshcall agent stopped")
}

func localIdentity(cfg *config.Config) (domain.Identity, error) {
	id := cfg.Identity.ID
	if id == "" {
		id = uuid.NewString()
	}
	if err := validation.ValidateParticipantID(id); err != nil {
		return domain.Identity{}, err
	}

	name := cfg.Identity.Name
	if name == "" {
		if host, err := os.Hostname(); err == nil {
			name = host
		} else {
			name = "meshcall"
		}
	}
	if err := validation.ValidateDisplayName(name); err != nil {
		return domain.Identity{}, err
	}
	return domain.Identity{ID: domain.ParticipantID(id), Name: name, Role: cfg.Identity.Role}, nil
}

func relayConfig(cfg *config.Config) relay.Config {
	rc := relay.DefaultConfig()
	rc.JoinTimeout = cfg.Relay.JoinTimeout
	rc.PingInterval = cfg.Relay.PingInterval
	rc.PongTimeout = cfg.Relay.PongTimeout
	rc.WriteTimeout = cfg.Relay.WriteTimeout
	rc.SendQueueSize = cfg.Relay.SendQueueSize
	rc.SendRate = rate.Limit(cfg.Relay.SendRate.MessagesPerSecond)
	rc.SendBurst = cfg.Relay.SendRate.Burst
	rc.Reconnection = retry.Config{
		Enabled:      true,
		MaxAttempts:  cfg.Relay.Reconnection.MaxAttempts,
		InitialDelay: cfg.Relay.Reconnection.InitialDelay,
		MaxDelay:     cfg.Relay.Reconnection.MaxDelay,
		Multiplier:   2.0,
	}
	return rc
}

func webrtcConfig(cfg *config.Config) webrtcinfra.Config {
	wc := webrtcinfra.DefaultConfig()
	if len(cfg.WebRTC.ICEServers) > 0 {
		wc.ICEServers = webrtcinfra.ICEServers(cfg.WebRTC.ICEServers)
	}
	wc.PortRange.Min = cfg.WebRTC.PortRange.Min
	wc.PortRange.Max = cfg.WebRTC.PortRange.Max
	return wc
}
