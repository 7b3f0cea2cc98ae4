package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPercentileEmptyIsZero(t *testing.T) {
	c := New()
	assert.Equal(t, float64(0), c.Percentile(50))
}

func TestPercentileBoundedByMinMax(t *testing.T) {
	c := New()
	for _, ms := range []float64{10, 20, 30, 40, 50} {
		c.RecordFrame(ms, "hostA", false)
	}
	for _, p := range []float64{0, 25, 50, 75, 99, 100} {
		v := c.Percentile(p)
		assert.GreaterOrEqual(t, v, 10.0)
		assert.LessOrEqual(t, v, 50.0)
	}
}

func TestCountersMonotonicAndConsistent(t *testing.T) {
	c := New()
	c.SetTotal(3)
	c.RecordFrame(5, "h1", false)
	c.RecordFrame(0, "h1", true)
	c.RecordRetry()
	c.RecordFrame(7, "h2", false)

	s := c.Summary()
	assert.Equal(t, 3, s.FramesProcessed)
	assert.Equal(t, 1, s.FramesFailed)
	assert.Equal(t, 1, s.Retries)
	// frames_processed == frames_failed + count(latencies)
	assert.Equal(t, s.FramesProcessed, s.FramesFailed+2)
}

func TestProgressZeroWhenNoElapsed(t *testing.T) {
	c := New()
	p := c.Progress()
	assert.Equal(t, 0, p.FramesProcessed)
	assert.Equal(t, float64(0), p.FPS)
	assert.Equal(t, float64(0), p.ETASeconds)
}
