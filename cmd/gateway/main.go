package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ManuGH/xg2g/internal/audit"
	"github.com/ManuGH/xg2g/internal/broadcast"
	"github.com/ManuGH/xg2g/internal/cache"
	"github.com/ManuGH/xg2g/internal/config"
	"github.com/ManuGH/xg2g/internal/fleet"
	"github.com/ManuGH/xg2g/internal/hardware"
	"github.com/ManuGH/xg2g/internal/health"
	"github.com/ManuGH/xg2g/internal/httpapi"
	"github.com/ManuGH/xg2g/internal/locker/manager"
	"github.com/ManuGH/xg2g/internal/locker/store"
	xglog "github.com/ManuGH/xg2g/internal/log"
	"github.com/ManuGH/xg2g/internal/queue"
	"github.com/ManuGH/xg2g/internal/ratelimit"
	"github.com/ManuGH/xg2g/internal/telemetry"
	"github.com/ManuGH/xg2g/internal/userflow"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	version = "v1.0.0"
	commit  = "none"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	journalDir := flag.String("journal-dir", "", "directory for the hardware pulse crash-recovery journal (empty disables it)")
	redisAddr := flag.String("redis-addr", "", "Redis address for cross-process session mirroring (empty disables it)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("gateway %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	xglog.Configure(xglog.Config{Level: "info", Service: "locker-gateway"})
	logger := xglog.WithComponent("main")

	watcher, err := config.NewWatcher(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Str("event", "config.load_failed").Msg("failed to load configuration")
	}
	cfg := watcher.Current()

	xglog.Configure(xglog.Config{Level: cfg.LogLevel, Service: "locker-gateway"})
	logger = xglog.WithComponent("main")
	logger.Info().Str("event", "startup").Str("version", version).Str("environment", cfg.Environment).
		Str("listen_addr", cfg.ListenAddr).Msg("starting locker gateway")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracerProvider, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.TracingEnabled,
		ServiceName:    "locker-gateway",
		ServiceVersion: version,
		Environment:    cfg.Environment,
		ExporterType:   "grpc",
		Endpoint:       cfg.TracingEndpoint,
		SamplingRate:   cfg.TracingSampleRatio,
	})
	if err != nil {
		logger.Fatal().Err(err).Str("event", "telemetry.init_failed").Msg("failed to initialize tracing")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracerProvider.Shutdown(shutdownCtx)
	}()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Fatal().Err(err).Str("event", "store.open_failed").Msg("failed to open locker store")
	}
	defer st.Close()

	auditLogger := audit.NewLogger(st)

	hub := broadcast.NewHub(2 * time.Second)
	hub.StartHeartbeat(30 * time.Second)
	defer hub.StopHeartbeat()

	lsm := manager.New(st, auditLogger, hub, cfg.AutoReleaseHours)

	hw, err := hardware.New(noopBus{}, lsm, auditLogger, hardware.Config{
		PulseDuration:   time.Duration(cfg.PulseDurationMS) * time.Millisecond,
		MaxRetries:      3,
		BurstInterval:   time.Duration(cfg.BurstIntervalMS) * time.Millisecond,
		BurstDuration:   time.Duration(cfg.BurstDurationSec) * time.Second,
		CommandInterval: time.Duration(cfg.CommandIntervalMS) * time.Millisecond,
		JournalDir:      *journalDir,
	})
	if err != nil {
		logger.Fatal().Err(err).Str("event", "hardware.init_failed").Msg("failed to initialize hardware executor")
	}
	hw.Start(ctx)
	defer func() {
		if err := hw.Stop(); err != nil {
			logger.Warn().Err(err).Msg("hardware executor stop returned an error")
		}
	}()

	cq := queue.New(st, newCommandDispatcher(hw, lsm), queue.Config{
		PollInterval:  1 * time.Second,
		PullLimit:     10,
		RetentionDays: cfg.EventRetentionDays,
		SweepInterval: 1 * time.Hour,
	})
	cq.Start(ctx, func(ctx context.Context) ([]string, error) {
		heartbeats, err := st.ListHeartbeats(ctx)
		if err != nil {
			return nil, err
		}
		ids := make([]string, len(heartbeats))
		for i, h := range heartbeats {
			ids[i] = h.KioskID
		}
		return ids, nil
	})
	defer cq.Stop()

	var sessionMirror cache.Cache
	if *redisAddr != "" {
		redisCache, err := cache.NewRedisCache(cache.RedisConfig{Addr: *redisAddr}, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("redis session cache unavailable, falling back to single-process sessions")
		} else {
			sessionMirror = redisCache
		}
	}

	limiter := ratelimit.New(cfg.RateLimits.ToRateLimitConfig(), ratelimit.WithViolationSink(auditLogger))
	uf := userflow.New(lsm, hw, limiter, auditLogger, hub, sessionMirror, userflow.Config{
		SessionTimeout: time.Duration(cfg.ReserveTTLSeconds) * time.Second,
		SweepInterval:  5 * time.Second,
	})
	uf.Start(ctx)
	defer uf.Stop()

	ft := fleet.New(st, auditLogger, fleet.Config{
		OfflineThreshold: time.Duration(cfg.OfflineThresholdSeconds) * time.Second,
		SweepInterval:    5 * time.Second,
	})
	ft.Start(ctx)
	defer ft.Stop()

	hm := health.NewManager(version)
	hm.RegisterChecker(health.NewHardwareBusChecker(func() (string, bool) {
		status := hw.GetHardwareStatus()
		return status.CircuitState, !status.Available
	}))
	hm.RegisterChecker(health.NewFleetChecker(func() (online, total int) {
		online, total, _ = ft.FleetStatus(ctx)
		return online, total
	}))

	watcher.OnChange(func(old, new config.Config) {
		logger.Info().Str("event", "config.reloaded").Msg("configuration reloaded from disk")
	})
	if err := watcher.Start(); err != nil {
		logger.Warn().Err(err).Msg("config file watcher failed to start; hot reload disabled")
	}
	defer watcher.Close()

	api := httpapi.New(uf, lsm, cq, hw, ft, hm, hub, auditLogger, st, cfg.AdminToken)

	mux := http.NewServeMux()
	mux.Handle("/", api.Router())
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("event", "http.listening").Str("addr", cfg.ListenAddr).Msg("serving RFID/QR/admin API and metrics")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Str("event", "http.serve_failed").Msg("HTTP server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Str("event", "shutdown").Msg("shutting down gateway")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP server shutdown did not complete cleanly")
	}
}

// noopBus is the default Modbus transport when no hardware is attached
// (development, or while the real driver is integrated separately): every
// pulse succeeds instantly. Deployments provide a real hardware.Bus.
type noopBus struct{}

func (noopBus) Pulse(ctx context.Context, kioskID string, lockerID int, duration time.Duration) error {
	return nil
}
