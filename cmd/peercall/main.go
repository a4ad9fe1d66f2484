package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"peercall/internal/core/domain"
	"peercall/internal/core/services"
	httphandlers "peercall/internal/handlers/http"
	"peercall/internal/infrastructure/middleware"
	"peercall/internal/infrastructure/monitoring"
	webrtcinfra "peercall/internal/infrastructure/webrtc"
	"peercall/internal/media"
	"peercall/pkg/auth"
	"peercall/pkg/config"
	"peercall/pkg/logger"
	"peercall/pkg/tracing"
	"peercall/pkg/validation"
)

func main() {
	var (
		configPath string
		callID     string
		userID     string
		transport  string
		demoPeers  int
	)
	pflag.StringVarP(&configPath, "config", "c", "", "Path to the YAML config file")
	pflag.StringVar(&callID, "call", "", "Call to join")
	pflag.StringVarP(&userID, "user", "u", "", "Local user id (default: the sub claim of relay.token)")
	pflag.StringVar(&transport, "transport", "", "Signaling transport: inproc, redis or http")
	pflag.IntVar(&demoPeers, "demo-peers", 0, "Extra simulated participants sharing the process (inproc only)")
	pflag.Parse()

	cfg, err := loadConfig(configPath, transport)
	if err != nil {
		fmt.Fprintf(os.Stderr, "peercall: %v\n", err)
		os.Exit(2)
	}

	zapLogger, err := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "peercall: logger: %v\n", err)
		os.Exit(1)
	}
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	self, err := resolveUser(userID, cfg.Relay.Token)
	if err != nil {
		log.Fatalw("cannot determine local user", "error", err)
	}
	if err := validation.ValidateCallID(callID); err != nil {
		log.Fatalw("invalid --call", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(cfg.Tracing)
	if err != nil {
		log.Warnw("tracing disabled", "error", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				log.Warnw("tracing shutdown failed", "error", err)
			}
		}()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitoring.NewPrometheusCollector(registry)

	tr, err := newTransport(ctx, cfg, self, log)
	if err != nil {
		log.Fatalw("failed to set up transport", "transport", cfg.Relay.Transport, "error", err)
	}
	defer tr.Close()

	factory, err := webrtcinfra.NewFactory(webrtcConfig(cfg), log.Named("webrtc"))
	if err != nil {
		log.Fatalw("failed to create peer connection factory", "error", err)
	}

	devices := media.NewFileDevices(cfg.Media.CameraFile, cfg.Media.MicrophoneFile, cfg.Media.DisplayFile, log.Named("media"))
	defer devices.Wait()

	sessionCfg := sessionConfig(cfg)
	session := services.NewCallSession(sessionCfg, services.CallSessionDeps{
		Devices:  devices,
		Presence: tr.presence,
		Relay:    tr.relay,
		Feed:     tr.feed,
		Factory:  factory,
		Metrics:  metrics,
		Logger:   log.Named("session"),
	})
	session.OnError(func(err error) {
		log.Debugw("call error reported", "error", err)
	})

	health := monitoring.NewHealthChecker()
	health.AddRelayCheck(tr.relay.GetCircuitBreakerStats)
	health.AddSessionCheck(session)
	if tr.redis != nil {
		health.AddRedisCheck(tr.redis, 2*time.Second)
	}

	var srv *http.Server
	serverErr := make(chan error, 1)
	if cfg.Control.Enabled {
		srv = newControlServer(cfg, session, health, registry, log)
		go func() {
			log.Infow("starting control API", "address", cfg.Control.Address)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				serverErr <- err
			}
		}()
	}

	if demoPeers > 0 {
		if tr.hub == nil {
			log.Warnw("--demo-peers needs the inproc transport, ignoring", "transport", cfg.Relay.Transport)
		} else {
			startDemoPeers(ctx, demoPeers, domain.CallID(callID), self, tr, sessionCfg, factory, devices, log)
		}
	}

	sessionDone := make(chan error, 1)
	go func() {
		sessionDone <- session.Run(ctx, domain.CallID(callID), self)
	}()

	select {
	case err := <-serverErr:
		log.Errorw("control API failed", "error", err)
		stop()
		<-sessionDone
	case err := <-sessionDone:
		if err != nil {
			log.Errorw("call ended with error", "error", err)
		}
	}

	if srv != nil {
		log.Info("shutting down control API")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Control.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorw("error during control API shutdown", "error", err)
			if closeErr := srv.Close(); closeErr != nil {
				log.Errorw("error force closing control API", "error", closeErr)
			}
		}
	}

	log.Infow("peercall stopped", "call_id", callID, "user_id", self)
}

func loadConfig(path, transport string) (*config.Config, error) {
	if path == "" {
		for _, candidate := range []string{"configs/config.yaml", "config.yaml"} {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}
	if transport != "" {
		// flags win over the file and the environment
		os.Setenv("PEERCALL_TRANSPORT", transport)
	}
	return config.Load(path)
}

// resolveUser prefers the explicit id and falls back to the relay token's
// subject.
func resolveUser(userID, token string) (domain.UserID, error) {
	if userID == "" && token != "" {
		sub, err := auth.UserIDFromToken(token)
		if err != nil {
			return "", err
		}
		userID = sub
	}
	if err := validation.ValidateUserID(userID); err != nil {
		return "", err
	}
	return domain.UserID(userID), nil
}

func webrtcConfig(cfg *config.Config) webrtcinfra.Config {
	wc := webrtcinfra.Config{
		ICEDisconnectedTimeout: cfg.Call.ICEDisconnectedTimeout,
		ICEFailedTimeout:       cfg.Call.ICEFailedTimeout,
		// same-host participants only reach each other over loopback
		IncludeLoopback: cfg.Relay.Transport == config.TransportInproc,
	}
	for _, s := range cfg.Call.ICEServers {
		wc.ICEServers = append(wc.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	wc.PortRange.Min = cfg.Call.PortRange.Min
	wc.PortRange.Max = cfg.Call.PortRange.Max
	return wc
}

func sessionConfig(cfg *config.Config) services.CallSessionConfig {
	sc := services.DefaultCallSessionConfig()
	sc.MaxOrphanCandidates = cfg.Call.MaxOrphanCandidates
	sc.Constraints.Video = &media.VideoConstraints{
		Width:      cfg.Call.Video.Width,
		Height:     cfg.Call.Video.Height,
		FrameRate:  cfg.Call.Video.FrameRate,
		FacingMode: cfg.Call.Video.FacingMode,
	}
	return sc
}

func newControlServer(
	cfg *config.Config,
	session *services.CallSession,
	health *monitoring.HealthChecker,
	registry *prometheus.Registry,
	log *zap.SugaredLogger,
) *http.Server {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	routerCfg := httphandlers.RouterConfig{
		Token: cfg.Control.Token,
		RateLimit: middleware.RateLimitConfig{
			Enabled:           cfg.Control.RateLimit.Enabled,
			RequestsPerSecond: cfg.Control.RateLimit.RequestsPerSecond,
			Burst:             cfg.Control.RateLimit.Burst,
			MaxConcurrent:     cfg.Control.RateLimit.MaxConcurrent,
		},
	}
	if cfg.Monitoring.PrometheusEnabled {
		routerCfg.Gatherer = registry
	}
	router := httphandlers.NewRouter(httphandlers.NewCallHandler(session, health), routerCfg, log.Named("control"))

	return &http.Server{
		Addr:         cfg.Control.Address,
		Handler:      router,
		ReadTimeout:  cfg.Control.ReadTimeout,
		WriteTimeout: cfg.Control.WriteTimeout,
	}
}
