package main

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/hashicorp/go-multierror"

	"github.com/matst80/muxgate/internal/gateway"
	"github.com/matst80/muxgate/internal/obs"
	"github.com/matst80/muxgate/internal/ratelimit"
	"github.com/matst80/muxgate/internal/session"
)

func main() {
	if err := loadConfig(); err != nil {
		obs.Error("config", obs.Fields{"err": err.Error()})
		os.Exit(2)
	}
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	obs.Info("server.start", obs.Fields{"listen": cfg.ListenAddr, "metrics": cfg.MetricsAddr, "tls": cfg.EnableTLS})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := session.New(session.Config{
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		RedisDB:       cfg.RedisDB,
		TTL:           cfg.SessionTTL,
	})
	if err != nil {
		obs.Error("session.store", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
	limiter := ratelimit.New(ratelimit.Limits{
		GlobalDial:     cfg.GlobalDialRate,
		PerSessionDial: cfg.PerSessionDialRate,
		GlobalLine:     cfg.GlobalLineRate,
		PerSessionLine: cfg.PerSessionLineRate,
		Burst:          cfg.Burst,
	})
	srv := gateway.New(gateway.Config{
		Store:          store,
		Limiter:        limiter,
		DialTimeout:    cfg.DialTimeout,
		Heartbeat:      cfg.Heartbeat,
		MaxMessageSize: cfg.MaxMessageSize,
		MaxLineSize:    cfg.MaxLineSize,
	})

	var tlsConfig *tls.Config
	if cfg.EnableTLS {
		if tlsConfig, err = createServerTLSConfig(&cfg); err != nil {
			obs.Error("tls.config", obs.Fields{"err": err.Error()})
			os.Exit(1)
		}
	}
	ln, err := createListener(cfg.ListenAddr, tlsConfig)
	if err != nil {
		obs.Error("listen", obs.Fields{"err": err.Error(), "addr": cfg.ListenAddr})
		os.Exit(1)
	}

	metrics := startMetricsServer(cfg.MetricsAddr, srv, store)
	hs := &http.Server{Handler: srv, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			obs.Error("server.serve", obs.Fields{"err": err.Error()})
			stop()
		}
	}()
	go runCleanupLoop(ctx, srv, limiter, cfg.CleanupInterval)

	srv.SetReady(true)
	obs.Info("server.ready", obs.Fields{})

	<-ctx.Done()
	obs.Info("server.shutdown.signal", obs.Fields{})
	if err := shutdown(srv, hs, metrics, store); err != nil {
		obs.Error("server.shutdown", obs.Fields{"err": err.Error()})
	}
	obs.Info("server.shutdown.complete", obs.Fields{})
}

func shutdown(srv *gateway.Server, hs, metrics *http.Server, store session.Store) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var result error
	// hijacked websockets are not tracked by http.Server, close them first
	if err := srv.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := hs.Shutdown(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := metrics.Shutdown(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := store.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result
}

func runCleanupLoop(ctx context.Context, srv *gateway.Server, limiter *ratelimit.Limiter, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			active := mapset.NewThreadUnsafeSet[string]()
			for _, s := range srv.Sessions() {
				active.Add(s.ID)
			}
			before := limiter.Tracked()
			limiter.Retain(active)
			obs.Debug("ratelimit.cleanup", obs.Fields{"before": before, "after": limiter.Tracked()})
		}
	}
}
