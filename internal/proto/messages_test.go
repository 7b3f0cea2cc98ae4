package proto

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/nyxvid/vidrelay/internal/vrerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripHandshake(t *testing.T) {
	msg := Handshake{
		Version:    1,
		Mode:       "process",
		Codec:      "mp4v",
		Processing: "blur",
		Filters:    map[string]any{"radius": float64(3)},
		VideoInfo:  VideoInfo{Filename: "in.mp4", SizeBytes: 1024},
	}

	var buf bytes.Buffer
	codec := NewCodec(&buf)
	require.NoError(t, codec.Send(msg))

	got, err := codec.Recv()
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestRoundTripAllKinds(t *testing.T) {
	msgs := []Message{
		Handshake{Version: 1, VideoInfo: VideoInfo{Filename: "a.mp4"}},
		HandshakeAck{Accepted: true, SessionID: "abc123"},
		Progress{FramesProcessed: 10, FramesTotal: 100, FPS: 29.9, ETASeconds: 3.0},
		Result{OK: true, OutputPath: "output_abc123.mp4", SizeBytes: 512},
		Error{Code: "INVALID_HANDSHAKE", Message: "bad type", Recoverable: false},
	}

	var buf bytes.Buffer
	codec := NewCodec(&buf)
	for _, m := range msgs {
		require.NoError(t, codec.Send(m))
	}
	for _, want := range msgs {
		got, err := codec.Recv()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestRecvCleanClose(t *testing.T) {
	var buf bytes.Buffer
	codec := NewCodec(&buf)
	msg, err := codec.Recv()
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestRecvUnknownTypeDecodesAsUnknownRatherThanErroring(t *testing.T) {
	var buf bytes.Buffer
	codec := NewCodec(&buf)
	require.NoError(t, codec.Send(Error{Code: "X"}))
	raw := buf.Bytes()
	// Corrupt the type tag to something unrecognized.
	corrupted := bytes.Replace(raw, []byte(`"error"`), []byte(`"hello"`), 1)
	buf2 := bytes.NewBuffer(corrupted)

	msg, err := NewCodec(buf2).Recv()
	require.NoError(t, err)
	unknown, ok := msg.(Unknown)
	require.True(t, ok, "expected Unknown, got %T", msg)
	assert.Equal(t, "hello", unknown.RawType)
	assert.Equal(t, KindUnknown, unknown.Kind())
}

func TestRecvMalformedEnvelopeStillErrors(t *testing.T) {
	var lenBuf [4]byte
	body := []byte(`not json at all`)
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	buf := bytes.NewBuffer(append(lenBuf[:], body...))

	_, err := NewCodec(buf).Recv()
	require.Error(t, err)
	kind, ok := vrerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, vrerr.Decode, kind)
}

func TestFrameExceedsMaxLength(t *testing.T) {
	var lenBuf [4]byte
	lenBuf[0] = 0xFF
	buf := bytes.NewBuffer(lenBuf[:])
	_, err := NewCodec(buf).Recv()
	require.Error(t, err)
}
