// Package proto implements the length-prefixed JSON wire protocol
// between client and server: a 4-byte big-endian length followed by
// exactly that many bytes of UTF-8 JSON, plus raw byte helpers for the
// video payload that rides outside the framed messages.
package proto

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/nyxvid/vidrelay/internal/vrerr"
)

// MaxFrameLen bounds a single JSON frame; the video-core uses the
// larger of the reference's two bounds (100 MiB).
const MaxFrameLen = 100 * 1024 * 1024

// Kind tags which concrete Message a frame carries.
type Kind string

const (
	KindHandshake    Kind = "handshake"
	KindHandshakeAck Kind = "handshake_ack"
	KindProgress     Kind = "progress"
	KindResult       Kind = "result"
	KindError        Kind = "error"
	KindUnknown      Kind = "unknown"
)

// Unknown is decoded in place of any frame whose "type" tag does not
// match a known Kind, rather than failing the read outright — the
// caller (typically the handshake check) decides what an unrecognized
// first message means.
type Unknown struct {
	RawType string `json:"type"`
}

func (Unknown) Kind() Kind { return KindUnknown }

// Message is implemented by every concrete wire message.
type Message interface {
	Kind() Kind
}

type VideoInfo struct {
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
}

type Handshake struct {
	Version    int            `json:"version"`
	Mode       string         `json:"mode"`
	Codec      string         `json:"codec"`
	Processing string         `json:"processing"`
	Filters    map[string]any `json:"filters"`
	VideoInfo  VideoInfo      `json:"video_info"`
}

func (Handshake) Kind() Kind { return KindHandshake }

type HandshakeAck struct {
	Accepted   bool   `json:"accepted"`
	SessionID  string `json:"session_id"`
	PreviewURL string `json:"preview_url,omitempty"`
}

func (HandshakeAck) Kind() Kind { return KindHandshakeAck }

type Progress struct {
	FramesProcessed int     `json:"frames_processed"`
	FramesTotal     int     `json:"frames_total"`
	FPS             float64 `json:"fps"`
	ETASeconds      float64 `json:"eta_seconds"`
}

func (Progress) Kind() Kind { return KindProgress }

type Metrics struct {
	FramesProcessed int     `json:"frames_processed"`
	FramesFailed    int     `json:"frames_failed"`
	Retries         int     `json:"retries"`
	LatencyP50Ms    float64 `json:"latency_p50_ms"`
	LatencyP95Ms    float64 `json:"latency_p95_ms"`
	LatencyP99Ms    float64 `json:"latency_p99_ms"`
	TotalTimeSec    float64 `json:"total_time_seconds"`
}

type Result struct {
	OK         bool    `json:"ok"`
	OutputPath string  `json:"output_path"`
	SizeBytes  int64   `json:"size_bytes"`
	Metrics    Metrics `json:"metrics"`
}

func (Result) Kind() Kind { return KindResult }

type Error struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

func (Error) Kind() Kind { return KindError }

func (e Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// envelope peels off the type tag so decode can dispatch to the right
// concrete struct; the body is re-parsed in full by decodeInto.
type envelope struct {
	Type string `json:"type"`
}

// Codec frames messages over an io.ReadWriter (typically a net.Conn).
type Codec struct {
	rw io.ReadWriter
}

func NewCodec(rw io.ReadWriter) *Codec {
	return &Codec{rw: rw}
}

// Encode serializes message to a length-prefixed JSON frame.
func Encode(msg Message) ([]byte, error) {
	tagged, err := tag(msg)
	if err != nil {
		return nil, vrerr.Wrap(vrerr.Encode, "marshal message", err)
	}
	if len(tagged) > MaxFrameLen {
		return nil, vrerr.New(vrerr.Encode, "message exceeds max frame length")
	}
	out := make([]byte, 4+len(tagged))
	binary.BigEndian.PutUint32(out, uint32(len(tagged)))
	copy(out[4:], tagged)
	return out, nil
}

func tag(msg Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	merged := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &merged); err != nil {
		return nil, err
	}
	typeJSON, err := json.Marshal(string(msg.Kind()))
	if err != nil {
		return nil, err
	}
	merged["type"] = typeJSON
	return json.Marshal(merged)
}

// Send encodes and fully writes message.
func (c *Codec) Send(msg Message) error {
	framed, err := Encode(msg)
	if err != nil {
		return err
	}
	n, err := c.rw.Write(framed)
	if err != nil {
		return vrerr.Wrap(vrerr.Transport, "write frame", err)
	}
	if n != len(framed) {
		return vrerr.New(vrerr.Transport, "short write")
	}
	return nil
}

// Recv reads one frame and decodes it into a concrete Message. Returns
// (nil, nil) on a clean peer close before any bytes were read.
func (c *Codec) Recv() (Message, error) {
	var lenBuf [4]byte
	n, err := io.ReadFull(c.rw, lenBuf[:])
	if err != nil {
		if n == 0 && err == io.EOF {
			return nil, nil
		}
		return nil, vrerr.Wrap(vrerr.Decode, "read frame length", err)
	}
	l := binary.BigEndian.Uint32(lenBuf[:])
	if l == 0 {
		return nil, vrerr.New(vrerr.Decode, "zero-length frame")
	}
	if l > MaxFrameLen {
		return nil, vrerr.New(vrerr.Decode, "frame exceeds max length")
	}
	payload := make([]byte, l)
	if _, err := io.ReadFull(c.rw, payload); err != nil {
		return nil, vrerr.Wrap(vrerr.Decode, "read frame payload", err)
	}
	return decode(payload)
}

func decode(payload []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, vrerr.Wrap(vrerr.Decode, "unmarshal envelope", err)
	}
	switch Kind(env.Type) {
	case KindHandshake:
		var m Handshake
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, vrerr.Wrap(vrerr.Decode, "unmarshal handshake", err)
		}
		return m, nil
	case KindHandshakeAck:
		var m HandshakeAck
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, vrerr.Wrap(vrerr.Decode, "unmarshal handshake_ack", err)
		}
		return m, nil
	case KindProgress:
		var m Progress
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, vrerr.Wrap(vrerr.Decode, "unmarshal progress", err)
		}
		return m, nil
	case KindResult:
		var m Result
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, vrerr.Wrap(vrerr.Decode, "unmarshal result", err)
		}
		return m, nil
	case KindError:
		var m Error
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, vrerr.Wrap(vrerr.Decode, "unmarshal error", err)
		}
		return m, nil
	default:
		return Unknown{RawType: env.Type}, nil
	}
}

// RecvBytes reads exactly n raw bytes off the stream (used for the
// output video payload that follows a result message).
func RecvBytes(r io.Reader, n int64) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, vrerr.Wrap(vrerr.Transport, "read raw payload", err)
	}
	return buf, nil
}

// SendBytes writes buf fully.
func SendBytes(w io.Writer, buf []byte) error {
	n, err := w.Write(buf)
	if err != nil {
		return vrerr.Wrap(vrerr.Transport, "write raw payload", err)
	}
	if n != len(buf) {
		return vrerr.New(vrerr.Transport, "short write")
	}
	return nil
}
