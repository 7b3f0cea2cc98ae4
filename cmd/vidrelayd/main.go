// vidrelayd is the video-processing server: it accepts client
// connections over a dual-stack TCP listener, orchestrates each
// session, and serves the read-only preview HTTP surface.
//
// Usage:
//
//	vidrelayd [--bind ::] [--port 9090] [--preview-port 8080] [--codec mp4v]
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nyxvid/vidrelay/internal/collector"
	"github.com/nyxvid/vidrelay/internal/config"
	"github.com/nyxvid/vidrelay/internal/dispatch"
	"github.com/nyxvid/vidrelay/internal/logging"
	"github.com/nyxvid/vidrelay/internal/netutil"
	"github.com/nyxvid/vidrelay/internal/orchestrator"
	"github.com/nyxvid/vidrelay/internal/previewhttp"
	"github.com/nyxvid/vidrelay/internal/statestore"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.LoadServer()
	if err != nil {
		fmt.Fprintf(os.Stderr, "vidrelayd: config: %v\n", err)
		os.Exit(1)
	}

	bind := flag.String("bind", cfg.Bind, "address to bind (both families when possible)")
	port := flag.Int("port", cfg.Port, "TCP port to listen on")
	previewPort := flag.Int("preview-port", cfg.PreviewPort, "HTTP port for the preview surface")
	codec := flag.String("codec", cfg.Codec, "output video codec tag")
	flag.Parse()
	cfg.Bind, cfg.Port, cfg.PreviewPort, cfg.Codec = *bind, *port, *previewPort, *codec

	logging.Init(cfg.LogLevel)

	if err := run(cfg); err != nil {
		log.Error().Err(err).Msg("vidrelayd: fatal")
		os.Exit(1)
	}
}

func run(cfg config.Server) error {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	store, err := statestore.New(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("state store: %w", err)
	}
	defer store.Close()

	rt := &orchestrator.Runtime{
		Dispatcher:           dispatch.New(rdb),
		Collector:            collector.New(cfg.DataDir + "/frames"),
		StateStore:           store,
		DataDir:              cfg.DataDir,
		Codec:                cfg.Codec,
		PreviewBase:          fmt.Sprintf("http://%s:%d", hostForURL(cfg.Bind), cfg.PreviewPort),
		HandshakeTimeout:     cfg.HandshakeTimeout,
		FrameTimeout:         cfg.FrameTimeout,
		CollectorConcurrency: cfg.CollectorConcurrency,
		ProgressEveryFrames:  cfg.ProgressEveryFrames,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("vidrelayd: shutting down")
		cancel()
	}()

	dl, err := netutil.Listen(ctx, cfg.Bind, cfg.Port)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	previewSrv := previewhttp.New(store, cfg.DataDir)
	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.PreviewPort),
		Handler: previewSrv.Router(),
	}
	go func() {
		log.Info().Int("port", cfg.PreviewPort).Msg("vidrelayd: preview surface listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("vidrelayd: preview surface stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		httpSrv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("bind", cfg.Bind).Int("port", cfg.Port).Msg("vidrelayd: listening")
	return dl.Serve(ctx, func(conn net.Conn) {
		orchestrator.New(rt, conn).Handle(ctx)
	})
}

func hostForURL(bind string) string {
	if bind == "::" || bind == "" || bind == "0.0.0.0" {
		return "localhost"
	}
	return bind
}
