// Package statestore publishes and reads per-session liveness state
// from Redis. Writes refresh a one-hour TTL on the whole record;
// failures are swallowed and logged, never surfaced to callers, since
// the orchestrator must never be blocked or aborted by a storage hiccup.
package statestore

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const ttl = time.Hour

func key(sessionID string) string { return "session:" + sessionID }

type Store struct {
	rdb *redis.Client
}

func New(redisURL string) (*Store, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &Store{rdb: redis.NewClient(opt)}, nil
}

func (s *Store) Close() error { return s.rdb.Close() }

// Record mirrors the field set of the session state record in §3.
type Record struct {
	TotalFrames     int
	FPS             float64
	Resolution      string
	Status          string
	ProcessingType  string
	VideoName       string
	StartTime       int64
	FramesProcessed int
	CurrentFPS      float64
	ETASeconds      float64
	EndTime         int64
	TotalTimeSec    float64
}

func (s *Store) publish(ctx context.Context, sessionID string, fields map[string]string) {
	k := key(sessionID)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, k, toAnySlice(fields))
	pipe.Expire(ctx, k, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("statestore: publish failed, swallowing")
	}
}

func toAnySlice(fields map[string]string) []any {
	out := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		out = append(out, k, v)
	}
	return out
}

func (s *Store) PublishHandshake(ctx context.Context, sessionID, processingType, videoName string) {
	s.publish(ctx, sessionID, map[string]string{
		"status":          "handshaking",
		"processing_type": processingType,
		"video_name":      videoName,
		"start_time":      strconv.FormatInt(time.Now().Unix(), 10),
	})
}

func (s *Store) PublishDispatch(ctx context.Context, sessionID string, totalFrames int, fps float64, width, height int) {
	s.publish(ctx, sessionID, map[string]string{
		"status":       "dispatching",
		"total_frames": strconv.Itoa(totalFrames),
		"fps":          strconv.FormatFloat(fps, 'f', 2, 64),
		"resolution":   strconv.Itoa(width) + "x" + strconv.Itoa(height),
	})
}

func (s *Store) PublishProgress(ctx context.Context, sessionID string, framesProcessed int, currentFPS, etaSeconds float64) {
	s.publish(ctx, sessionID, map[string]string{
		"status":           "awaiting",
		"frames_processed": strconv.Itoa(framesProcessed),
		"current_fps":      strconv.FormatFloat(currentFPS, 'f', 2, 64),
		"eta_seconds":      strconv.FormatFloat(etaSeconds, 'f', 2, 64),
	})
}

func (s *Store) PublishTerminal(ctx context.Context, sessionID, status string, totalTimeSec float64) {
	s.publish(ctx, sessionID, map[string]string{
		"status":             status,
		"end_time":           strconv.FormatInt(time.Now().Unix(), 10),
		"total_time_seconds": strconv.FormatFloat(totalTimeSec, 'f', 2, 64),
	})
}

// Get reads one field of a session's record; ok is false if the key
// or field is absent (expired, unknown session, etc).
func (s *Store) Get(ctx context.Context, sessionID, field string) (string, bool) {
	v, err := s.rdb.HGet(ctx, key(sessionID), field).Result()
	if err != nil {
		return "", false
	}
	return v, true
}

func (s *Store) GetAll(ctx context.Context, sessionID string) (map[string]string, bool) {
	v, err := s.rdb.HGetAll(ctx, key(sessionID)).Result()
	if err != nil || len(v) == 0 {
		return nil, false
	}
	return v, true
}

// Scan enumerates active session ids by scanning the session:* keyspace,
// mirroring the reference's session:*:total_frames key scan.
func (s *Store) Scan(ctx context.Context) ([]string, error) {
	var ids []string
	iter := s.rdb.Scan(ctx, 0, "session:*", 0).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		ids = append(ids, k[len("session:"):])
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}
