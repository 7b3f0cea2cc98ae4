// Package dispatch publishes frame units of work onto a Redis Stream
// consumed by the worker pool — the idiomatic-Go analogue of the
// reference's Celery-over-Redis broker.
package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/redis/go-redis/v9"

	"github.com/nyxvid/vidrelay/internal/vrerr"
)

const Stream = "vidrelay:frames"

// FrameWork is the unit of work published per frame.
type FrameWork struct {
	SessionID  string         `json:"session_id"`
	Index      int            `json:"index"`
	Encoded    []byte         `json:"encoded"`
	Processing string         `json:"processing"`
	Params     map[string]any `json:"params"`
}

// Handle references a dispatched unit of work.
type Handle struct {
	SessionID string
	Index     int
	MessageID string
}

type Dispatcher struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Dispatcher {
	return &Dispatcher{rdb: rdb}
}

// Dispatch publishes one frame's work, making up to 3 attempts with a
// short fixed delay between them on transient broker errors. Completion is not
// awaited here; it is observed via the result collector.
func (d *Dispatcher) Dispatch(ctx context.Context, w FrameWork) (Handle, error) {
	body, err := json.Marshal(w)
	if err != nil {
		return Handle{}, vrerr.Wrap(vrerr.Dispatch, "marshal frame work", err)
	}

	var id string
	err = retry.Do(
		func() error {
			res, err := d.rdb.XAdd(ctx, &redis.XAddArgs{
				Stream: Stream,
				Values: map[string]any{"payload": body},
			}).Result()
			if err != nil {
				return err
			}
			id = res
			return nil
		},
		retry.Attempts(3),
		retry.Delay(50*time.Millisecond),
		retry.DelayType(retry.FixedDelay),
		retry.Context(ctx),
	)
	if err != nil {
		return Handle{}, vrerr.Wrap(vrerr.Dispatch, "publish frame work after retries", err)
	}

	return Handle{SessionID: w.SessionID, Index: w.Index, MessageID: id}, nil
}
