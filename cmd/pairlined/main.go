// Command pairlined runs one pairline process. Any number of processes may
// share a Redis deployment; clients connected to different processes are
// matched and chat with each other through it.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pairline/pairline/gateway"
	"github.com/pairline/pairline/httpapi"
	"github.com/pairline/pairline/internal/config"
	"github.com/pairline/pairline/internal/logctx"
	"github.com/pairline/pairline/internal/metrics"
	"github.com/pairline/pairline/lifecycle"
	matchredis "github.com/pairline/pairline/matching/redis"
	presredis "github.com/pairline/pairline/presence/redis"
	limitredis "github.com/pairline/pairline/ratelimit/redis"
	"github.com/pairline/pairline/relay"
	relayredis "github.com/pairline/pairline/relay/redis"
	"github.com/pairline/pairline/uploads"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "pairlined:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	level, _ := cfg.Level()
	log := slog.New(logctx.Handler{Handler: slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})}).
		With(slog.String("instance", cfg.InstanceID))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = rdb.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	registry, err := presredis.New(presredis.Config{Client: rdb, KeyPrefix: cfg.KeyPrefix, TTL: cfg.SessionTTL})
	if err != nil {
		return err
	}
	queue, err := matchredis.New(matchredis.Config{Client: rdb, KeyPrefix: cfg.KeyPrefix, TTL: cfg.QueueTTL})
	if err != nil {
		return err
	}
	rl, err := relayredis.New(relayredis.Config{Client: rdb, KeyPrefix: cfg.KeyPrefix, MaxLen: cfg.RelayMaxLen, Logger: log})
	if err != nil {
		return err
	}
	limiter, err := limitredis.New(limitredis.Config{Client: rdb, KeyPrefix: cfg.KeyPrefix})
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	rules := cfg.Rules()
	ctrl, err := lifecycle.New(lifecycle.Config{
		Registry:   registry,
		Queue:      queue,
		Relay:      rl,
		Limiter:    limiter,
		Rules:      &rules,
		InstanceID: cfg.InstanceID,
		ClaimGrace: cfg.ClaimGrace,
		Logger:     log,
		Metrics:    m,
	})
	if err != nil {
		return err
	}

	var presigner uploads.Presigner
	if cfg.UploadsEnabled() {
		p, err := uploads.NewS3Presigner(ctx, uploads.S3Config{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.AWSRegion,
			MaxBytes: cfg.UploadMaxBytes,
		}, uploads.WithLogger(log))
		if err != nil {
			return fmt.Errorf("uploads: %w", err)
		}
		presigner = p
	}

	proxies, err := gateway.ParseTrustedProxies(cfg.Proxies())
	if err != nil {
		return err
	}
	gw := gateway.New(ctrl,
		gateway.WithLogger(log),
		gateway.WithMetrics(m),
		gateway.WithAllowedOrigins(cfg.Origins()),
		gateway.WithTrustedProxies(proxies),
	)
	handler, err := httpapi.New(httpapi.Config{
		Gateway:        gw,
		Limiter:        limiter,
		Rules:          &rules,
		Presigner:      presigner,
		Gatherer:       reg,
		Metrics:        m,
		Ready:          func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		AllowedOrigins: cfg.Origins(),
		Proxies:        proxies,
		Logger:         log,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := ctrl.Run(gctx)
		if errors.Is(err, context.Canceled) || errors.Is(err, relay.ErrClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		log.Info("http.listen", slog.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown.start")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(sctx)
		if gerr := gw.Shutdown(sctx); gerr != nil {
			log.Warn("shutdown.gateway.fail", slog.String("err", gerr.Error()))
		}
		// Departures are published by now.
		_ = rl.Close()
		return err
	})

	err = g.Wait()
	log.Info("shutdown.done")
	return err
}
