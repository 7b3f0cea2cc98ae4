// vidrelay-worker consumes dispatched frame work from Redis, applies
// the requested filter, and writes the artifact pair for the
// orchestrator's collector to pick up.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/nyxvid/vidrelay/internal/config"
	"github.com/nyxvid/vidrelay/internal/logging"
	"github.com/nyxvid/vidrelay/internal/worker"
)

func main() {
	cfg, err := config.LoadWorker()
	if err != nil {
		fmt.Fprintf(os.Stderr, "vidrelay-worker: config: %v\n", err)
		os.Exit(1)
	}
	logging.Init(cfg.LogLevel)

	consumer := cfg.Consumer
	if consumer == "" {
		host, _ := os.Hostname()
		consumer = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Error().Err(err).Msg("vidrelay-worker: parse redis url")
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	w := worker.New(rdb, cfg.DataDir, consumer, cfg.MaxRetries)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("vidrelay-worker: shutting down")
		cancel()
	}()

	log.Info().Str("consumer", consumer).Msg("vidrelay-worker: consuming frame work")
	if err := w.Run(ctx); err != nil {
		log.Error().Err(err).Msg("vidrelay-worker: fatal")
		os.Exit(1)
	}
}
