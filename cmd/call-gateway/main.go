package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/kmansoni/ECOMANSONI-sub002/internal/auth"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/config"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/httpserver"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/jointoken"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/media"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/mediagate"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/metrics"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/origin"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/protocol"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/rekey"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/room"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/session"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/signaling"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/store"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/ttlcache"
	"github.com/kmansoni/ECOMANSONI-sub002/internal/turnrest"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildVersion = ""
	buildCommit  = ""
	buildTime    = ""
)

const (
	storeProbeInterval   = 5 * time.Second
	joinTokensPerSecond  = 5
	maxReplayEntries     = 100_000
	rekeySweepTimeout    = 5 * time.Second
	storeShutdownTimeout = 2 * time.Second
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, level, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	if err := run(cfg, logger, level); err != nil {
		logger.Error("call-gateway exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger, level *slog.LevelVar) error {
	logger.Info("starting call-gateway",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"region", cfg.Region,
		"node_id", cfg.NodeID,
		"auth_mode", cfg.AuthMode,
		"media_engine", cfg.MediaEngine,
		"e2ee_required", cfg.E2EERequired,
		"seq_discipline", cfg.SeqDiscipline,
		"store", storeKind(cfg.StoreDSN),
		"turn_rest", cfg.TURNRESTSharedSecret != "",
	)
	logStartupWarnings(logger, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	backend, err := store.Open(cfg.StoreDSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	st := store.NewGuarded(backend, logger)
	st.OnChange(func(degraded bool) {
		if degraded {
			m.Inc(metrics.StoreDegradedEvents)
		}
	})
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("close store", "err", err)
		}
	}()
	probeCtx, cancelProbe := context.WithTimeout(ctx, storeShutdownTimeout)
	if err := st.Probe(probeCtx); err != nil {
		logger.Warn("store unavailable at startup, running degraded", "err", err)
	}
	cancelProbe()
	go st.Run(ctx, storeProbeInterval)

	bridge, err := media.New(cfg, logger)
	if err != nil {
		return err
	}
	defer bridge.Close()

	identity, err := auth.NewProvider(cfg)
	if err != nil {
		return fmt.Errorf("configure auth: %w", err)
	}
	tokens, err := jointoken.New(jointoken.Config{
		Secret:           cfg.JoinTokenSecret,
		TTL:              cfg.JoinTokenTTL,
		MaxReplayEntries: maxReplayEntries,
	})
	if err != nil {
		return fmt.Errorf("configure join tokens: %w", err)
	}
	discipline, err := session.ParseDiscipline(cfg.SeqDiscipline)
	if err != nil {
		return err
	}

	rooms := room.NewRegistry(room.Config{
		Region:       cfg.Region,
		NodeID:       cfg.NodeID,
		E2EERequired: cfg.E2EERequired,
	})
	coordinator := rekey.New(rekey.Config{
		Rooms:      rooms,
		Store:      st,
		AttemptTTL: cfg.RekeyAttemptTTL,
		Logger:     logger,
	})
	gate := mediagate.New(rooms, cfg.E2EERequired, cfg.E2EERequiredCapability)
	origins := origin.NewPolicy(cfg.AllowedOrigins)

	var turn *turnrest.Minter
	if cfg.TURNRESTSharedSecret != "" {
		turn, err = turnrest.New(turnrest.Config{
			SharedSecret:   cfg.TURNRESTSharedSecret,
			TTL:            cfg.TURNRESTTTL,
			UsernamePrefix: cfg.TURNRESTUsernamePrefix,
		})
		if err != nil {
			return fmt.Errorf("configure turn rest: %w", err)
		}
	}

	sig, err := signaling.NewServer(signaling.Config{
		Logger:   logger,
		Metrics:  m,
		Identity: identity,
		Tokens:   tokens,
		Rooms:    rooms,
		Rekey:    coordinator,
		Gate:     gate,
		Bridge:   bridge,
		Store:    st,
		Origins:  origins,
		Session: session.Config{
			Discipline:      discipline,
			DedupTTL:        cfg.DedupTTL,
			DedupMaxEntries: cfg.DedupMaxEntries,
		},
		Limits:       protocol.Limits{MaxOpaqueBytes: cfg.MaxOpaqueBlobBytes},
		EmptyRoomTTL: cfg.JoinTokenTTL,

		SignalingAuthTimeout:          cfg.SignalingAuthTimeout,
		SignalingWSIdleTimeout:        cfg.SignalingWSIdleTimeout,
		SignalingWSPingInterval:       cfg.SignalingWSPingInterval,
		MaxSignalingMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		MaxSignalingBytesPerSecond:    cfg.MaxSignalingBytesPerSecond,
		MaxOutboundQueueBytes:         cfg.MaxOutboundQueueBytes,
	})
	if err != nil {
		return err
	}

	registerGauges(m, rooms, sig, coordinator)

	sweeper := &ttlcache.Sweeper{}
	sweeper.Add(tokens.ReplayCache())
	sweeper.Add(sig.ResumeTable().Cache())
	if cached, ok := identity.(*auth.CachedProvider); ok {
		sweeper.Add(cached.Cache())
	}
	sweeper.AddFunc(sig.Sweep)
	sweeper.AddFunc(func(time.Time) {
		sweepCtx, cancel := context.WithTimeout(ctx, rekeySweepTimeout)
		defer cancel()
		n, err := coordinator.Sweep(sweepCtx)
		if err != nil {
			logger.Warn("rekey sweep failed", "err", err)
			return
		}
		m.Add(metrics.RekeyExpired, uint64(n))
	})
	go sweeper.Run(ctx, cfg.CacheSweepInterval)

	if cfg.ConfigFile != "" {
		go func() {
			if err := config.WatchLogLevel(ctx, cfg.ConfigFile, level, logger); err != nil {
				logger.Warn("config watcher stopped", "path", cfg.ConfigFile, "err", err)
			}
		}()
	}

	srv := httpserver.New(cfg, logger, resolveBuildInfo(buildVersion, buildCommit, buildTime), httpserver.Deps{
		Metrics:             m,
		Identity:            identity,
		Tokens:              tokens,
		Rooms:               rooms,
		Store:               st,
		Bridge:              bridge,
		TURN:                turn,
		JoinTokensPerSecond: joinTokensPerSecond,
	})
	sig.RegisterRoutes(srv.Mux())

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		sig.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Sockets are hijacked, so http.Server.Shutdown does not wait for them.
	sig.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server exited after shutdown: %w", err)
	}
	logger.Info("call-gateway stopped")
	return nil
}

func registerGauges(m *metrics.Metrics, rooms *room.Registry, sig *signaling.Server, coordinator *rekey.Coordinator) {
	m.RegisterGauge("rooms", func() int64 { return int64(rooms.Stats().Rooms) })
	m.RegisterGauge("peers", func() int64 { return int64(rooms.Stats().Peers) })
	m.RegisterGauge("producers", func() int64 { return int64(rooms.Stats().Producers) })
	m.RegisterGauge("connections", func() int64 { return int64(sig.ConnectionCount()) })
	m.RegisterGauge("online_devices", func() int64 { return int64(sig.OnlineDevices()) })
	m.RegisterGauge("rekey_pending", func() int64 {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		n, err := coordinator.Pending(ctx)
		if err != nil {
			return -1
		}
		return int64(n)
	})
}

func storeKind(dsn string) string {
	if dsn == "" || dsn == config.DefaultStoreDSN {
		return "memory"
	}
	return "sqlite"
}

func resolveBuildInfo(version, commit, buildTime string) httpserver.BuildInfo {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		if version == "" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			version = bi.Main.Version
		}
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}
	if version == "" {
		version = "dev"
	}
	return httpserver.BuildInfo{Version: version, Commit: commit, BuildTime: buildTime}
}
