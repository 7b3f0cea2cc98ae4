// Package worker consumes dispatched frame work from the broker,
// applies the requested filter, and writes the artifact pair — the
// concrete runnable counterpart to the reference's Celery task.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/nyxvid/vidrelay/internal/collector"
	"github.com/nyxvid/vidrelay/internal/dispatch"
	"github.com/nyxvid/vidrelay/internal/filters"
)

const consumerGroup = "vidrelay-workers"

type Worker struct {
	rdb        *redis.Client
	dataDir    string
	consumer   string
	maxRetries int
	hostname   string

	// Per-worker cache of motion baselines keyed by session id, mirroring
	// the reference's self.motion_detectors. There is no face-detector
	// cache: the faces filter is a pass-through stub.
	mu       sync.Mutex
	motion   map[string]*filters.MotionBaseline
}

func New(rdb *redis.Client, dataDir, consumer string, maxRetries int) *Worker {
	host, _ := os.Hostname()
	return &Worker{
		rdb:        rdb,
		dataDir:    dataDir,
		consumer:   consumer,
		maxRetries: maxRetries,
		hostname:   host,
		motion:     make(map[string]*filters.MotionBaseline),
	}
}

// EnsureGroup creates the consumer group if it does not already exist.
func (w *Worker) EnsureGroup(ctx context.Context) error {
	err := w.rdb.XGroupCreateMkStream(ctx, dispatch.Stream, consumerGroup, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return err
	}
	return nil
}

// Run blocks consuming frame work until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.EnsureGroup(ctx); err != nil {
		return fmt.Errorf("worker: ensure group: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		streams, err := w.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    consumerGroup,
			Consumer: w.consumer,
			Streams:  []string{dispatch.Stream, ">"},
			Count:    1,
			Block:    2 * time.Second,
		}).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn().Err(err).Msg("worker: xreadgroup failed")
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				w.handleMessage(ctx, msg)
			}
		}
	}
}

func (w *Worker) handleMessage(ctx context.Context, msg redis.XMessage) {
	defer w.rdb.XAck(ctx, dispatch.Stream, consumerGroup, msg.ID)

	raw, _ := msg.Values["payload"].(string)
	var work dispatch.FrameWork
	if err := json.Unmarshal([]byte(raw), &work); err != nil {
		log.Error().Err(err).Str("message_id", msg.ID).Msg("worker: malformed frame work, dropping")
		return
	}
	w.process(ctx, work)
}

func (w *Worker) process(ctx context.Context, work dispatch.FrameWork) {
	start := time.Now()
	var processed []byte
	var filterApplied string

	err := retry.Do(
		func() error {
			img, err := png.Decode(bytes.NewReader(work.Encoded))
			if err != nil {
				return fmt.Errorf("decode source frame: %w", err)
			}
			baseline := w.motionBaseline(work.SessionID, work.Processing)
			out, err := filters.Apply(work.Processing, img, baseline)
			if err != nil {
				return err
			}
			var buf bytes.Buffer
			if err := png.Encode(&buf, out); err != nil {
				return fmt.Errorf("encode processed frame: %w", err)
			}
			processed = buf.Bytes()
			filterApplied = work.Processing
			return nil
		},
		retry.Attempts(uint(w.maxRetries)+1), // first attempt plus maxRetries retries
		retry.Delay(100*time.Millisecond),
		retry.DelayType(retry.FixedDelay),
		retry.Context(ctx),
	)

	if err != nil {
		log.Warn().Err(err).Str("session_id", work.SessionID).Int("index", work.Index).
			Msg("worker: permanent failure after retries, writing original frame")
		processed = work.Encoded
		filterApplied = "error"
	}

	stats := collector.Stats{
		ProcessingMs:  float64(time.Since(start).Milliseconds()),
		FilterApplied: filterApplied,
		WorkerHost:    w.hostname,
	}
	if werr := w.writeArtifact(work.SessionID, work.Index, processed, stats); werr != nil {
		log.Error().Err(werr).Str("session_id", work.SessionID).Int("index", work.Index).Msg("worker: failed to write artifact")
	}
}

// motionBaseline returns (creating if needed) this worker's per-session
// motion-detector baseline. Best-effort: frames for one session may
// land on different worker processes, each building its own baseline.
func (w *Worker) motionBaseline(sessionID, processing string) *filters.MotionBaseline {
	if processing != filters.Motion {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	b, ok := w.motion[sessionID]
	if !ok {
		b = &filters.MotionBaseline{}
		w.motion[sessionID] = b
	}
	return b
}

// writeArtifact publishes the processed frame and its stats sidecar
// atomically via temp-file-then-rename.
func (w *Worker) writeArtifact(sessionID string, index int, png []byte, stats collector.Stats) error {
	dir := filepath.Join(w.dataDir, "frames", sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	base := fmt.Sprintf("frame_%06d", index)

	if err := atomicWrite(filepath.Join(dir, base+".png"), png); err != nil {
		return err
	}
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	return atomicWrite(filepath.Join(dir, base+".json"), statsJSON)
}

func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
