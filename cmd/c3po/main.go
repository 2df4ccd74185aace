package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/c3po-dev/c3po/internal/audit"
	"github.com/c3po-dev/c3po/internal/auth"
	"github.com/c3po-dev/c3po/internal/blob"
	"github.com/c3po-dev/c3po/internal/clock"
	"github.com/c3po-dev/c3po/internal/config"
	"github.com/c3po-dev/c3po/internal/logging"
	"github.com/c3po-dev/c3po/internal/messaging"
	"github.com/c3po-dev/c3po/internal/ratelimit"
	"github.com/c3po-dev/c3po/internal/registry"
	"github.com/c3po-dev/c3po/internal/store"
	"github.com/c3po-dev/c3po/internal/web"
)

var version = "dev"

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON)

	log.Info("c3po starting", "version", version, "port", cfg.Port, "dev_mode", cfg.DevMode())
	if cfg.DevMode() {
		log.Warn("no secrets configured: all authentication is disabled")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	clk := clock.Real{}

	var (
		st  store.Store
		err error
	)
	if cfg.StoreURL != "" {
		st, err = store.OpenRedis(cfg.StoreURL, cfg.CACertPath)
		if err == nil {
			err = st.Ping(ctx)
		}
		if err != nil {
			log.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		log.Info("store backend: redis")
	} else {
		st, err = store.OpenBolt(cfg.DBPath, clk)
		if err != nil {
			log.Error("failed to open database", "path", cfg.DBPath, "error", err)
			os.Exit(1)
		}
		log.Info("store backend: bolt", "path", cfg.DBPath)
	}
	defer st.Close()

	auditLog := audit.New(st, log, clk)
	authn := auth.New(cfg, st, log, clk)
	reg := registry.New(st, log, clk, cfg.HeartbeatTTL)
	engine := messaging.New(st, reg, log, clk, cfg.MessageTTL)
	blobs := blob.New(st, clk)

	limiter := ratelimit.New(st, log, clk)
	if cfg.RateLimitPath != "" {
		if err := limiter.LoadOverrides(cfg.RateLimitPath); err != nil {
			log.Error("failed to load rate limit overrides", "path", cfg.RateLimitPath, "error", err)
			os.Exit(1)
		}
		log.Info("rate limit overrides loaded", "path", cfg.RateLimitPath)
	}

	c := cron.New()
	// Expired keys read as absent immediately; the sweep just reclaims disk.
	if scav, ok := st.(store.Scavenger); ok {
		c.Schedule(cron.Every(5*time.Minute), cron.FuncJob(func() {
			removed, err := scav.Scavenge(ctx, clk.Now())
			if err != nil {
				log.Warn("scavenge failed", "error", err)
				return
			}
			if removed > 0 {
				log.Info("scavenged expired keys", "removed", removed)
			}
		}))
	}
	// Agent records never carry a store-level TTL, so stale ones (offline
	// past the message TTL with nothing queued) need their own sweep.
	c.Schedule(cron.Every(5*time.Minute), cron.FuncJob(func() {
		purged, err := reg.SweepStale(ctx, cfg.MessageTTL)
		if err != nil {
			log.Warn("stale agent sweep failed", "error", err)
			return
		}
		if len(purged) > 0 {
			log.Info("swept stale agents", "removed", len(purged))
		}
	}))
	c.Start()
	defer c.Stop()

	srv := web.NewServer(web.Dependencies{
		Config:   cfg,
		Store:    st,
		Auth:     authn,
		Registry: reg,
		Engine:   engine,
		Blobs:    blobs,
		Limiter:  limiter,
		Audit:    auditLog,
		Log:      log,
		Clock:    clk,
	})

	go func() {
		addr := net.JoinHostPort(cfg.BindHost, strconv.Itoa(cfg.Port))
		if err := srv.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	// Wake long polls first so clients get a retry hint instead of a dropped
	// connection.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	engine.Shutdown(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown error", "error", err)
	}

	log.Info("c3po shutdown complete")
}
