package netutil

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenAndServeAcceptsOnLoopback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dl, err := Listen(ctx, "::1", 0)
	require.NoError(t, err)
	defer dl.Close()

	port := dl.v6.Addr().(*net.TCPAddr).Port
	if port == 0 {
		port = dl.v4.Addr().(*net.TCPAddr).Port
	}

	var mu sync.Mutex
	var handled int
	serveDone := make(chan struct{})
	go func() {
		defer close(serveDone)
		_ = dl.Serve(ctx, func(conn net.Conn) {
			mu.Lock()
			handled++
			mu.Unlock()
			conn.Close()
		})
	}()

	conn, err := net.DialTimeout("tcp", net.JoinHostPort("::1", strconv.Itoa(port)), 2*time.Second)
	require.NoError(t, err)
	conn.Close()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return handled == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-serveDone
}

func TestBindAddrHelpers(t *testing.T) {
	assert.Equal(t, "0.0.0.0", v4BindAddr("::"))
	assert.Equal(t, "0.0.0.0", v4BindAddr(""))
	assert.Equal(t, "127.0.0.1", v4BindAddr("127.0.0.1"))

	assert.Equal(t, "::", v6BindAddr("0.0.0.0"))
	assert.Equal(t, "::", v6BindAddr(""))
	assert.Equal(t, "::1", v6BindAddr("::1"))
}
