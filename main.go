package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"textsync-server/config"
	"textsync-server/domain"
	"textsync-server/hub"
	"textsync-server/protocol"
	"textsync-server/relay"
	"textsync-server/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	setupLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := hub.New()
	sink, err := newSink(ctx, cfg, registry)
	if err != nil {
		slog.Error("sink setup failed", "sink", cfg.Sink, "error", err)
		os.Exit(1)
	}

	// Without a listener no connection can be served.
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		slog.Error("listen failed", "addr", cfg.Addr, "error", err)
		os.Exit(1)
	}

	srv := server.New(cfg, registry, sink)
	go func() {
		if err := srv.Serve(ln); err != nil {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()

	slog.Info("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
}

func setupLogger(level slog.Level) {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
}

func newSink(ctx context.Context, cfg config.Config, registry *hub.Hub) (domain.Sink, error) {
	switch cfg.Sink {
	case config.SinkBroadcast:
		return registry, nil
	case config.SinkRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, err
		}
		slog.Info("connected to redis", "addr", cfg.RedisAddr)

		r := relay.NewRedis(client, cfg.RedisChannel, registry)
		go func() {
			if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("relay stopped", "error", err)
			}
		}()
		return r, nil
	default:
		return protocol.Echo{}, nil
	}
}
