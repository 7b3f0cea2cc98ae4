// Package collector watches a per-session artifact directory and
// returns decoded frame results, in order, as each artifact
// materializes — the Go analogue of the reference's
// ThreadPoolExecutor-based frame_collector.
package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const pollInterval = 100 * time.Millisecond

var ErrTimeout = errors.New("collector: frame wait timed out")

// Stats is the sidecar JSON written alongside each processed frame.
type Stats struct {
	ProcessingMs float64 `json:"processing_ms"`
	MemoryMB     float64 `json:"memory_mb"`
	FilterApplied string `json:"filter_applied"`
	WorkerHost   string  `json:"worker_host"`
}

// Result is one frame's outcome as observed by the collector.
type Result struct {
	Index   int
	Frame   image.Image
	Stats   Stats
	Failed  bool
	Err     error
}

type Collector struct {
	artifactRoot string
}

func New(artifactRoot string) *Collector {
	return &Collector{artifactRoot: artifactRoot}
}

func (c *Collector) framePath(sessionID string, index int) (png, json string) {
	dir := filepath.Join(c.artifactRoot, sessionID)
	base := fmt.Sprintf("frame_%06d", index)
	return filepath.Join(dir, base+".png"), filepath.Join(dir, base+".json")
}

// WaitOne polls until both the PNG and JSON artifacts for index exist
// and parse, or timeout elapses.
func (c *Collector) WaitOne(ctx context.Context, sessionID string, index int, timeout time.Duration) Result {
	pngPath, jsonPath := c.framePath(sessionID, index)
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if res, ok := tryRead(index, pngPath, jsonPath); ok {
			return res
		}
		if time.Now().After(deadline) {
			return Result{Index: index, Failed: true, Err: ErrTimeout}
		}
		select {
		case <-ctx.Done():
			return Result{Index: index, Failed: true, Err: ctx.Err()}
		case <-ticker.C:
		}
	}
}

func tryRead(index int, pngPath, jsonPath string) (Result, bool) {
	pngBytes, err := os.ReadFile(pngPath)
	if err != nil {
		return Result{}, false
	}
	jsonBytes, err := os.ReadFile(jsonPath)
	if err != nil {
		return Result{}, false
	}
	img, err := png.Decode(bytes.NewReader(pngBytes))
	if err != nil {
		return Result{}, false // partial write window; keep polling
	}
	var stats Stats
	if err := json.Unmarshal(jsonBytes, &stats); err != nil {
		return Result{}, false
	}
	return Result{Index: index, Frame: img, Stats: stats, Failed: stats.FilterApplied == "error"}, true
}

// CollectAll fans out WaitOne across indices with bounded concurrency,
// returning results reordered by index. A per-frame timeout is not
// fatal to the batch: that index's Result carries Failed=true.
func (c *Collector) CollectAll(ctx context.Context, sessionID string, indices []int, concurrency int, timeout time.Duration) []Result {
	if concurrency <= 0 {
		concurrency = 6
	}
	sem := semaphore.NewWeighted(int64(concurrency))
	results := make([]Result, len(indices))

	g, gctx := errgroup.WithContext(ctx)
	for pos, idx := range indices {
		pos, idx := pos, idx
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				results[pos] = Result{Index: idx, Failed: true, Err: err}
				return nil
			}
			defer sem.Release(1)
			results[pos] = c.WaitOne(gctx, sessionID, idx, timeout)
			return nil
		})
	}
	_ = g.Wait() // per-frame failures are carried in Result, never aborts the batch

	sort.Slice(results, func(i, j int) bool { return results[i].Index < results[j].Index })
	return results
}

// StreamBatches yields Results in ascending index, internally calling
// CollectAll over consecutive batches so writer backpressure (the
// caller draining the channel) is preserved.
func (c *Collector) StreamBatches(ctx context.Context, sessionID string, total, batchSize, concurrency int, timeout time.Duration) <-chan Result {
	out := make(chan Result)
	if batchSize <= 0 {
		batchSize = 30
	}
	go func() {
		defer close(out)
		for start := 0; start < total; start += batchSize {
			end := start + batchSize
			if end > total {
				end = total
			}
			indices := make([]int, 0, end-start)
			for i := start; i < end; i++ {
				indices = append(indices, i)
			}
			for _, r := range c.CollectAll(ctx, sessionID, indices, concurrency, timeout) {
				select {
				case out <- r:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
