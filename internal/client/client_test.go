package client

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nyxvid/vidrelay/internal/proto"
)

func TestNetworkMapsFamilyToDialNetwork(t *testing.T) {
	assert.Equal(t, "tcp4", network(IPv4))
	assert.Equal(t, "tcp6", network(IPv6))
	assert.Equal(t, "tcp", network(AutoFamily))
}

// fakeServer accepts one connection, reads the handshake, acks it,
// drains the video bytes until EOF, then replies with a fixed result
// and output payload — enough of the orchestrator's wire contract to
// exercise SendVideo end to end without a real session pipeline.
func fakeServer(t *testing.T, outputPayload []byte) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		defer ln.Close()

		codec := proto.NewCodec(conn)
		msg, err := codec.Recv()
		if err != nil {
			return
		}
		if _, ok := msg.(proto.Handshake); !ok {
			return
		}
		if err := codec.Send(proto.HandshakeAck{Accepted: true, SessionID: "sess-x"}); err != nil {
			return
		}

		buf := make([]byte, 4096)
		for {
			_, err := conn.Read(buf)
			if err != nil {
				break
			}
		}

		_ = codec.Send(proto.Progress{FramesProcessed: 1, FramesTotal: 1})
		_ = codec.Send(proto.Result{OK: true, OutputPath: "out.mp4", SizeBytes: int64(len(outputPayload))})
		_ = proto.SendBytes(conn, outputPayload)
	}()

	return ln.Addr().String()
}

func TestSendVideoWritesOutputFile(t *testing.T) {
	payload := []byte("processed-video-bytes")
	addr := fakeServer(t, payload)
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)

	videoPath := filepath.Join(t.TempDir(), "in.mp4")
	require.NoError(t, os.WriteFile(videoPath, []byte("raw-video-bytes"), 0o644))
	outPath := filepath.Join(t.TempDir(), "out.mp4")

	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	var progressed []proto.Progress
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	outcome, err := SendVideo(ctx, Options{
		Host:      host,
		Port:      port,
		VideoPath: videoPath,
		OutPath:   outPath,
		OnProgress: func(p proto.Progress) {
			progressed = append(progressed, p)
		},
	})
	require.NoError(t, err)
	assert.True(t, outcome.Result.OK)
	assert.Len(t, progressed, 1)

	got, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}
