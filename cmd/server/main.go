package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"atrium/internal/core/domain"
	"atrium/internal/core/ports"
	"atrium/internal/core/services"
	httphandlers "atrium/internal/handlers/http"
	"atrium/internal/infrastructure/media"
	"atrium/internal/infrastructure/middleware"
	"atrium/internal/infrastructure/monitoring"
	"atrium/internal/infrastructure/repositories/memory"
	signalws "atrium/internal/infrastructure/signal"
	"atrium/pkg/config"
	"atrium/pkg/logger"
	"atrium/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// Try multiple config paths
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/atrium/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error

	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}
	if err != nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	// Tracing
	tracerProvider, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "atrium",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	// Media engine shared by every room router
	var iceServers []webrtc.ICEServer
	for _, s := range cfg.WebRTC.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	engineCfg := media.EngineConfig{
		ICEServers:           iceServers,
		AudioLevelIntervalMs: int(cfg.WebRTC.AudioLevelInterval / time.Millisecond),
		AudioLevelThreshold:  cfg.WebRTC.AudioLevelThreshold,
	}
	engineCfg.PortRange.Min = cfg.WebRTC.PortRange.Min
	engineCfg.PortRange.Max = cfg.WebRTC.PortRange.Max

	engine, err := media.NewEngine(engineCfg, log)
	if err != nil {
		log.Fatalw("failed to create media engine", "error", err)
	}

	// Monitoring
	metrics := monitoring.NewPrometheusCollector()

	// Room lifecycle
	manager := services.NewRoomManager(
		engine,
		func() ports.RoomStore { return memory.NewMemoryRoomStore() },
		services.ManagerConfig{
			Sweeper: services.SweeperConfig{
				EvictInterval:  cfg.Room.EvictInterval,
				StaleThreshold: cfg.Room.StaleThreshold,
				StatsInterval:  cfg.Room.StatsInterval,
			},
			IdleTimeout: cfg.Room.IdleTimeout,
		},
		services.ManagerHooks{
			OnRoomOpened:  metrics.RecordRoomOpened,
			OnRoomClosed:  metrics.RecordRoomClosed,
			OnPeerEvicted: func(roomID domain.RoomID, _ domain.PeerID) { metrics.RecordPeerEvicted(roomID) },
			OnSweep:       metrics.RecordSweepDuration,
		},
		log,
	)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	go manager.Run(rootCtx)

	// Signaling server
	wsServer := signalws.NewWebSocketServer(manager, signalws.Config{
		PingInterval:     cfg.Signal.PingInterval,
		PongTimeout:      cfg.Signal.PongTimeout,
		WriteTimeout:     cfg.Server.WriteTimeout,
		PositionInterval: cfg.Signal.PositionInterval,

		AuthEnabled:    cfg.Auth.Enabled,
		JWTSecret:      cfg.Auth.JWTSecret,
		AllowedOrigins: cfg.Auth.AllowedOrigins,

		RateLimitEnabled:     cfg.RateLimiting.Enabled,
		MessagesPerSecond:    cfg.RateLimiting.MessagesPerSecond,
		Burst:                cfg.RateLimiting.Burst,
		ConnectionsPerMinute: cfg.RateLimiting.ConnectionsPerMinute,
		MaxMessageSizeBytes:  cfg.RateLimiting.MaxMessageSizeBytes,
	}, metrics, zapLogger)
	go wsServer.Run(rootCtx)

	signalMux := http.NewServeMux()
	signalMux.HandleFunc("/ws", wsServer.HandleWebSocket)
	signalSrv := &http.Server{
		Addr:        cfg.Signal.Address,
		Handler:     signalMux,
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	// Health checks for the readiness probe
	health := monitoring.NewHealthChecker()
	health.AddCheck("rooms", func(ctx context.Context) (bool, error) {
		_ = manager.RoomIDs()
		return true, nil
	}, 2*time.Second)

	// Ops API
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware())
	}

	roomHandler := httphandlers.NewRoomHandler(manager, health)
	roomHandler.SetupRoutes(router, middleware.AuthMiddleware(cfg.Auth.Enabled, cfg.Auth.JWTSecret))

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	opsSrv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 2)
	go func() {
		log.Infof("Starting signaling server on %s", cfg.Signal.Address)
		if err := signalSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()
	go func() {
		log.Infof("Starting ops server on %s", cfg.Server.Address)
		if err := opsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := signalSrv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during signaling server shutdown", "error", err)
	}
	if err := opsSrv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during ops server shutdown", "error", err)
	}

	// Stops the idle reaper, sweepers and position broadcaster, then
	// tears down every room router.
	rootCancel()
	manager.CloseAll()
	if err := engine.Close(); err != nil {
		log.Errorw("Error closing media engine", "error", err)
	}
	if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error shutting down tracer", "error", err)
	}

	log.Info("Server stopped")
}
