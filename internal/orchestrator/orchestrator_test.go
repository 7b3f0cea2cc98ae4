package orchestrator

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nyxvid/vidrelay/internal/collector"
	"github.com/nyxvid/vidrelay/internal/dispatch"
	"github.com/nyxvid/vidrelay/internal/proto"
	"github.com/nyxvid/vidrelay/internal/videoio"
)

// fakeDispatcher records dispatched work and never touches a broker.
type fakeDispatcher struct {
	dispatched []dispatch.FrameWork
}

func (f *fakeDispatcher) Dispatch(_ context.Context, w dispatch.FrameWork) (dispatch.Handle, error) {
	f.dispatched = append(f.dispatched, w)
	return dispatch.Handle{SessionID: w.SessionID, Index: w.Index}, nil
}

// fakeState discards every publish, standing in for a state store that
// is always reachable and never inspected in these tests.
type fakeState struct{}

func (fakeState) PublishHandshake(context.Context, string, string, string)       {}
func (fakeState) PublishDispatch(context.Context, string, int, float64, int, int) {}
func (fakeState) PublishProgress(context.Context, string, int, float64, float64)  {}
func (fakeState) PublishTerminal(context.Context, string, string, float64)        {}

// fakeCollector stands in for the artifact-directory poller: it
// immediately returns one successful Result per dispatched frame by
// decoding the original bytes straight back, so the pipeline has
// something to write into the output container.
type fakeCollector struct {
	disp *fakeDispatcher
}

func (f *fakeCollector) StreamBatches(_ context.Context, sessionID string, total, batchSize, concurrency int, timeout time.Duration) <-chan collector.Result {
	out := make(chan collector.Result, total)
	go func() {
		defer close(out)
		for _, w := range f.disp.dispatched {
			if w.SessionID != sessionID {
				continue
			}
			img, err := png.Decode(bytes.NewReader(w.Encoded))
			if err != nil {
				out <- collector.Result{Index: w.Index, Failed: true}
				continue
			}
			out <- collector.Result{Index: w.Index, Frame: img, Stats: collector.Stats{FilterApplied: w.Processing}}
		}
	}()
	return out
}

func makeTestVideo(t *testing.T, frames, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc := videoio.NewEncoder(&buf, w, h, 30)
	for i := 0; i < frames; i++ {
		img := image.NewRGBA(image.Rect(0, 0, w, h))
		img.Set(0, 0, color.RGBA{R: uint8(i), A: 255})
		require.NoError(t, enc.WriteFrame(img))
	}
	return buf.Bytes()
}

func newTestRuntime(dataDir string) (*Runtime, *fakeDispatcher) {
	disp := &fakeDispatcher{}
	rt := &Runtime{
		Dispatcher:           disp,
		Collector:            &fakeCollector{disp: disp},
		StateStore:           fakeState{},
		DataDir:              dataDir,
		Codec:                "mp4v",
		HandshakeTimeout:     5 * time.Second,
		FrameTimeout:         5 * time.Second,
		CollectorConcurrency: 4,
		ProgressEveryFrames:  2,
	}
	return rt, disp
}

// serverClientPipe returns a real loopback TCP connection pair so the
// client side can half-close its write direction the way the real CLI
// client does after streaming a video — net.Pipe's in-memory Conn has
// no such half-close.
func serverClientPipe(t *testing.T) (server, client *net.TCPConn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	acceptedCh := make(chan net.Conn, 1)
	errCh := make(chan error, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			errCh <- err
			return
		}
		acceptedCh <- c
	}()

	clientConn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	select {
	case c := <-acceptedCh:
		return c.(*net.TCPConn), clientConn.(*net.TCPConn)
	case err := <-errCh:
		t.Fatalf("accept: %v", err)
	}
	return nil, nil
}

func TestHappyPathProducesResult(t *testing.T) {
	rt, _ := newTestRuntime(t.TempDir())

	serverConn, clientConn := serverClientPipe(t)
	defer clientConn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		New(rt, serverConn).Handle(context.Background())
	}()

	codec := proto.NewCodec(clientConn)
	video := makeTestVideo(t, 5, 4, 4)

	require.NoError(t, codec.Send(proto.Handshake{
		Version:    1,
		Processing: "blur",
		Codec:      "mp4v",
		VideoInfo:  proto.VideoInfo{Filename: "in.mp4", SizeBytes: int64(len(video))},
	}))

	ackMsg, err := codec.Recv()
	require.NoError(t, err)
	ack, ok := ackMsg.(proto.HandshakeAck)
	require.True(t, ok, "expected handshake_ack, got %T", ackMsg)
	assert.True(t, ack.Accepted)
	assert.NotEmpty(t, ack.SessionID)

	require.NoError(t, proto.SendBytes(clientConn, video))
	require.NoError(t, clientConn.CloseWrite())

	var result *proto.Result
	for result == nil {
		msg, err := codec.Recv()
		require.NoError(t, err)
		switch m := msg.(type) {
		case proto.Progress:
			// drained but not asserted on here
		case proto.Result:
			r := m
			result = &r
		case proto.Error:
			t.Fatalf("server reported error: %v", m)
		}
	}

	assert.True(t, result.OK)
	assert.Equal(t, 5, result.Metrics.FramesProcessed)
	assert.Equal(t, 0, result.Metrics.FramesFailed)

	<-done
}

func TestNonHandshakeFirstMessageIsRejected(t *testing.T) {
	rt, _ := newTestRuntime(t.TempDir())

	serverConn, clientConn := serverClientPipe(t)
	defer clientConn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		New(rt, serverConn).Handle(context.Background())
	}()

	codec := proto.NewCodec(clientConn)
	require.NoError(t, codec.Send(proto.Progress{FramesProcessed: 1}))

	msg, err := codec.Recv()
	require.NoError(t, err)
	errMsg, ok := msg.(proto.Error)
	require.True(t, ok, "expected error message, got %T", msg)
	assert.Equal(t, "INVALID_HANDSHAKE", errMsg.Code)

	<-done
}

// sendRawFrame writes a length-prefixed JSON frame that does not
// correspond to any proto.Message, to drive the unrecognized-"type"
// path that proto.Codec.Send can never produce on its own.
func sendRawFrame(t *testing.T, w io.Writer, body map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(raw)))
	_, err = w.Write(lenBuf[:])
	require.NoError(t, err)
	_, err = w.Write(raw)
	require.NoError(t, err)
}

func TestUnknownMessageTypeAsFirstMessageIsRejected(t *testing.T) {
	rt, _ := newTestRuntime(t.TempDir())

	serverConn, clientConn := serverClientPipe(t)
	defer clientConn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		New(rt, serverConn).Handle(context.Background())
	}()

	sendRawFrame(t, clientConn, map[string]any{"type": "hello"})

	codec := proto.NewCodec(clientConn)
	msg, err := codec.Recv()
	require.NoError(t, err)
	errMsg, ok := msg.(proto.Error)
	require.True(t, ok, "expected error message, got %T", msg)
	assert.Equal(t, "INVALID_HANDSHAKE", errMsg.Code)

	<-done
}
