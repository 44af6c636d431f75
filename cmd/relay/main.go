package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"pagesync/internal/config"
	"pagesync/internal/relay"
	"pagesync/internal/storage"
)

func main() {
	cfg := config.Load()
	logger := cfg.Logger()
	slog.SetDefault(logger)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := storage.NewClient(cfg.APIURL, storage.Options{
		SyncToken: cfg.SyncToken,
		Retries:   cfg.StorageRetries,
		Logger:    logger,
	})
	opts := relay.Options{
		Logger:           logger,
		Sink:             relay.NewStorageSink(client),
		AwarenessTimeout: cfg.AwarenessTimeout,
	}
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisClient, err := relay.DialRedis(ctx, cfg.RedisURL)
		if err != nil {
			logger.Error("redis connection failed", "error", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		opts.Bus = relay.NewRedisBus(redisClient)
		opts.Store = relay.NewRedisStateStore(redisClient, 7*24*time.Hour)
		logger.Info("sharing rooms through redis")
	} else {
		logger.Info("rooms are process-local")
	}
	hub := relay.NewHub(opts)

	serverOpts := relay.DefaultServerOptions()
	serverOpts.Secret = []byte(cfg.RoomSecret)
	serverOpts.CORSOrigin = cfg.CORSOrigin
	if cfg.RoomSecret == "" {
		logger.Warn("PAGESYNC_ROOM_SECRET is empty, room tokens are not checked")
	}
	server := &http.Server{
		Addr:              cfg.RelayAddr,
		Handler:           relay.NewServer(hub, serverOpts, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return hub.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("pagesync relay listening", "addr", cfg.RelayAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("relay stopped", "error", err)
	}
	hub.Wait()
}
