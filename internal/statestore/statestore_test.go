package statestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// unreachableStore points at a loopback port nothing is listening on so
// publish failures exercise the swallow-and-log path instead of a live
// Redis server.
func unreachableStore(t *testing.T) *Store {
	t.Helper()
	s, err := New("redis://127.0.0.1:1/0")
	require.NoError(t, err)
	return s
}

func TestPublishHandshakeNeverPanicsOnUnreachableBroker(t *testing.T) {
	s := unreachableStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	assert.NotPanics(t, func() {
		s.PublishHandshake(ctx, "sess1", "blur", "in.mp4")
	})
}

func TestGetOnUnreachableBrokerReportsMiss(t *testing.T) {
	s := unreachableStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, ok := s.Get(ctx, "sess1", "status")
	assert.False(t, ok)
}

func TestKeyNamespacesBySessionID(t *testing.T) {
	assert.Equal(t, "session:abc123", key("abc123"))
}
