// Package config loads environment-driven configuration for the
// server, worker, and client binaries via envconfig struct tags.
package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Server configures cmd/vidrelayd.
type Server struct {
	Bind                 string        `envconfig:"VIDRELAY_BIND" default:"::"`
	Port                 int           `envconfig:"VIDRELAY_PORT" default:"9090"`
	PreviewPort          int           `envconfig:"VIDRELAY_PREVIEW_PORT" default:"8080"`
	Codec                string        `envconfig:"VIDRELAY_CODEC" default:"mp4v"`
	DataDir              string        `envconfig:"VIDRELAY_DATA_DIR" default:"./data"`
	RedisURL             string        `envconfig:"REDIS_URL" default:"redis://redis:6379/0"`
	LogLevel             string        `envconfig:"VIDRELAY_LOG_LEVEL" default:"info"`
	HandshakeTimeout     time.Duration `envconfig:"VIDRELAY_HANDSHAKE_TIMEOUT" default:"30s"`
	FrameTimeout         time.Duration `envconfig:"VIDRELAY_FRAME_TIMEOUT" default:"300s"`
	CollectorConcurrency int           `envconfig:"VIDRELAY_COLLECTOR_CONCURRENCY" default:"6"`
	ProgressEveryFrames  int           `envconfig:"VIDRELAY_PROGRESS_EVERY_FRAMES" default:"30"`
}

// Worker configures cmd/vidrelay-worker.
type Worker struct {
	RedisURL   string `envconfig:"REDIS_URL" default:"redis://redis:6379/0"`
	DataDir    string `envconfig:"VIDRELAY_DATA_DIR" default:"./data"`
	LogLevel   string `envconfig:"VIDRELAY_LOG_LEVEL" default:"info"`
	Consumer   string `envconfig:"VIDRELAY_WORKER_NAME" default:""`
	MaxRetries int    `envconfig:"VIDRELAY_WORKER_MAX_RETRIES" default:"3"`
}

// Client configures cmd/vidrelay.
type Client struct {
	LogLevel string `envconfig:"VIDRELAY_LOG_LEVEL" default:"warn"`
}

func LoadServer() (Server, error) {
	var c Server
	err := envconfig.Process("", &c)
	return c, err
}

func LoadWorker() (Worker, error) {
	var c Worker
	err := envconfig.Process("", &c)
	return c, err
}

func LoadClient() (Client, error) {
	var c Client
	err := envconfig.Process("", &c)
	return c, err
}
