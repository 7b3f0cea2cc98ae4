// Package client mirrors the orchestrator's wire side: send a
// handshake, stream the video, read progress until a terminal
// message, then write the result to disk.
package client

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/nyxvid/vidrelay/internal/proto"
)

// Family selects which IP family to force, or AutoFamily to let the
// resolver pick.
type Family int

const (
	AutoFamily Family = iota
	IPv4
	IPv6
)

type Options struct {
	Host       string
	Port       int
	Family     Family
	VideoPath  string
	OutPath    string
	Processing string
	Codec      string

	// OnProgress is called for every progress message received.
	OnProgress func(proto.Progress)
}

type Outcome struct {
	Result  proto.Result
	OutPath string
}

func network(f Family) string {
	switch f {
	case IPv4:
		return "tcp4"
	case IPv6:
		return "tcp6"
	default:
		return "tcp"
	}
}

// SendVideo connects, performs the handshake, streams the video file,
// half-closes, then drains progress/result/error messages.
func SendVideo(ctx context.Context, opts Options) (*Outcome, error) {
	addr := net.JoinHostPort(opts.Host, fmt.Sprintf("%d", opts.Port))
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, network(opts.Family), addr)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}
	defer conn.Close()

	codec := proto.NewCodec(conn)

	info, err := os.Stat(opts.VideoPath)
	if err != nil {
		return nil, fmt.Errorf("client: stat video: %w", err)
	}

	if err := codec.Send(proto.Handshake{
		Version:    1,
		Mode:       "process",
		Codec:      opts.Codec,
		Processing: opts.Processing,
		VideoInfo: proto.VideoInfo{
			Filename:  opts.VideoPath,
			SizeBytes: info.Size(),
		},
	}); err != nil {
		return nil, fmt.Errorf("client: send handshake: %w", err)
	}

	ackMsg, err := codec.Recv()
	if err != nil {
		return nil, fmt.Errorf("client: read handshake ack: %w", err)
	}
	if errMsg, ok := ackMsg.(proto.Error); ok {
		return nil, fmt.Errorf("client: server rejected handshake: %w", errMsg)
	}
	ack, ok := ackMsg.(proto.HandshakeAck)
	if !ok || !ack.Accepted {
		return nil, fmt.Errorf("client: handshake not accepted")
	}

	if err := streamFile(conn, opts.VideoPath); err != nil {
		return nil, err
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.CloseWrite()
	}

	for {
		msg, err := codec.Recv()
		if err != nil {
			return nil, fmt.Errorf("client: read message: %w", err)
		}
		switch m := msg.(type) {
		case proto.Progress:
			if opts.OnProgress != nil {
				opts.OnProgress(m)
			}
		case proto.Result:
			outPath := opts.OutPath
			if outPath == "" {
				outPath = "output.mp4"
			}
			data, err := proto.RecvBytes(conn, m.SizeBytes)
			if err != nil {
				return nil, fmt.Errorf("client: read output bytes: %w", err)
			}
			if err := os.WriteFile(outPath, data, 0o644); err != nil {
				return nil, fmt.Errorf("client: write output file: %w", err)
			}
			return &Outcome{Result: m, OutPath: outPath}, nil
		case proto.Error:
			return nil, fmt.Errorf("client: server error: %w", m)
		default:
			return nil, fmt.Errorf("client: unexpected message %T", m)
		}
	}
}

// streamFile reads the video in 64KiB chunks and writes them,
// draining between writes to respect backpressure.
func streamFile(conn net.Conn, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("client: open video: %w", err)
	}
	defer f.Close()

	buf := make([]byte, 64*1024)
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
			if err := proto.SendBytes(conn, buf[:n]); err != nil {
				return fmt.Errorf("client: send video chunk: %w", err)
			}
			conn.SetWriteDeadline(time.Time{})
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return fmt.Errorf("client: read video: %w", rerr)
		}
	}
}
