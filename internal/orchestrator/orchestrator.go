// Package orchestrator drives one client connection through the
// session state machine: handshaking, receiving, dispatching,
// awaiting, encoding, then completed or failed.
package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"image/png"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/nyxvid/vidrelay/internal/collector"
	"github.com/nyxvid/vidrelay/internal/dispatch"
	"github.com/nyxvid/vidrelay/internal/framebuffer"
	"github.com/nyxvid/vidrelay/internal/metrics"
	"github.com/nyxvid/vidrelay/internal/proto"
	"github.com/nyxvid/vidrelay/internal/session"
	"github.com/nyxvid/vidrelay/internal/videoio"
	"github.com/nyxvid/vidrelay/internal/vrerr"
)

// FrameDispatcher is the narrow surface Orchestrator needs from a work
// dispatcher; *dispatch.Dispatcher satisfies it.
type FrameDispatcher interface {
	Dispatch(ctx context.Context, w dispatch.FrameWork) (dispatch.Handle, error)
}

// StatePublisher is the narrow surface Orchestrator needs from the
// session state store; *statestore.Store satisfies it.
type StatePublisher interface {
	PublishHandshake(ctx context.Context, sessionID, processingType, videoName string)
	PublishDispatch(ctx context.Context, sessionID string, totalFrames int, fps float64, width, height int)
	PublishProgress(ctx context.Context, sessionID string, framesProcessed int, currentFPS, etaSeconds float64)
	PublishTerminal(ctx context.Context, sessionID, status string, totalTimeSec float64)
}

// ResultCollector is the narrow surface Orchestrator needs from the
// result collector; *collector.Collector satisfies it.
type ResultCollector interface {
	StreamBatches(ctx context.Context, sessionID string, total, batchSize, concurrency int, timeout time.Duration) <-chan collector.Result
}

// Runtime bundles everything constructed once at server startup and
// shared by reference across every orchestrator — the explicit
// replacement for the reference's global broker/state-store singletons.
// Expressing the three collaborators as interfaces lets tests supply
// fakes without a live Redis or filesystem.
type Runtime struct {
	Dispatcher  FrameDispatcher
	Collector   ResultCollector
	StateStore  StatePublisher
	DataDir     string
	Codec       string
	PreviewBase string

	HandshakeTimeout     time.Duration
	FrameTimeout         time.Duration
	CollectorConcurrency int
	ProgressEveryFrames  int
}

// Orchestrator owns exactly one session for the life of one connection.
type Orchestrator struct {
	rt      *Runtime
	conn    net.Conn
	codec   *proto.Codec
	sess    *session.Session
	metrics *metrics.Collector
}

func New(rt *Runtime, conn net.Conn) *Orchestrator {
	return &Orchestrator{
		rt:      rt,
		conn:    conn,
		codec:   proto.NewCodec(conn),
		metrics: metrics.New(),
	}
}

// Handle runs the full state machine to completion. It never panics
// out; all unrecoverable errors transition to failed and are logged.
func (o *Orchestrator) Handle(ctx context.Context) {
	defer o.conn.Close()

	if err := o.handshake(ctx); err != nil {
		log.Warn().Err(err).Str("peer", o.conn.RemoteAddr().String()).Msg("orchestrator: handshake failed")
		return
	}

	if err := o.run(ctx); err != nil {
		o.fail(ctx, err)
	}
}

func (o *Orchestrator) run(ctx context.Context) error {
	inputPath, err := o.receive(ctx)
	if err != nil {
		return err
	}
	defer os.Remove(inputPath)

	frames, err := o.dispatchAll(ctx, inputPath)
	if err != nil {
		return err
	}

	outputPath, err := o.awaitAndEncode(ctx, frames)
	if err != nil {
		return err
	}
	defer os.Remove(outputPath)

	return o.complete(ctx, outputPath)
}

func (o *Orchestrator) handshake(ctx context.Context) error {
	o.conn.SetReadDeadline(time.Now().Add(o.rt.HandshakeTimeout))
	defer o.conn.SetReadDeadline(time.Time{})

	msg, err := o.codec.Recv()
	if err != nil {
		return vrerr.Wrap(vrerr.Handshake, "read handshake", err)
	}
	// A recognized-but-wrong message type and an unrecognized type
	// (decoded as proto.Unknown) both fail this assertion and are
	// rejected identically.
	hs, ok := msg.(proto.Handshake)
	if !ok {
		o.sendError("INVALID_HANDSHAKE", "first message was not a handshake", false)
		return vrerr.New(vrerr.Handshake, "first message was not a handshake")
	}

	id := uuid.NewString()[:8]
	family := "tcp4"
	if tcpAddr, ok := o.conn.RemoteAddr().(*net.TCPAddr); ok && tcpAddr.IP.To4() == nil {
		family = "tcp6"
	}

	o.sess = session.New(id, o.conn.RemoteAddr().String(), family)
	o.sess.Processing = hs.Processing
	o.sess.Codec = hs.Codec
	o.sess.Filters = hs.Filters
	o.sess.Video = session.VideoInfo{Filename: hs.VideoInfo.Filename, SizeBytes: hs.VideoInfo.SizeBytes}

	o.rt.StateStore.PublishHandshake(ctx, id, hs.Processing, hs.VideoInfo.Filename)

	previewURL := ""
	if o.rt.PreviewBase != "" {
		previewURL = o.rt.PreviewBase + "/session/" + id + "/status"
	}
	return o.codec.Send(proto.HandshakeAck{Accepted: true, SessionID: id, PreviewURL: previewURL})
}

func (o *Orchestrator) sendError(code, message string, recoverable bool) {
	_ = o.codec.Send(proto.Error{Code: code, Message: message, Recoverable: recoverable})
}

// receive streams raw video bytes until the client half-closes the
// write side, writing them to a session-scoped input file. The
// declared size is advisory; the half-close is authoritative.
func (o *Orchestrator) receive(ctx context.Context) (string, error) {
	o.sess.Status = session.Receiving
	path := filepath.Join(o.rt.DataDir, fmt.Sprintf("input_%s.mp4", o.sess.ID))
	f, err := os.Create(path)
	if err != nil {
		return "", vrerr.Wrap(vrerr.Transport, "create input file", err)
	}
	defer f.Close()

	buf := make([]byte, 64*1024)
	for {
		n, err := o.conn.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return "", vrerr.Wrap(vrerr.Transport, "write input file", werr)
			}
		}
		if err != nil {
			break // EOF (half-close) is the expected, authoritative terminator
		}
	}
	return path, nil
}

// decodedFrame is kept alongside the dispatched work so a per-frame
// fallback can substitute the original if processing fails.
type decodedFrame struct {
	index    int
	original []byte
}

func (o *Orchestrator) dispatchAll(ctx context.Context, inputPath string) ([]decodedFrame, error) {
	o.sess.Status = session.Dispatching

	f, err := os.Open(inputPath)
	if err != nil {
		return nil, vrerr.Wrap(vrerr.Decode, "open input video", err)
	}
	defer f.Close()

	dec, err := videoio.Open(f)
	if err != nil {
		return nil, vrerr.Wrap(vrerr.Decode, "open pngseq container", err)
	}

	total := dec.FrameCount()
	width, height := dec.Dimensions()
	o.sess.TotalFrames = total
	o.sess.Width = width
	o.sess.Height = height
	o.sess.FPS = dec.FPS()
	o.metrics.SetTotal(total)

	frames := make([]decodedFrame, total)
	artifactDir := filepath.Join(o.rt.DataDir, "frames", o.sess.ID)
	if err := os.MkdirAll(artifactDir, 0o755); err != nil {
		return nil, vrerr.Wrap(vrerr.Decode, "create artifact dir", err)
	}

	for i := 0; i < total; i++ {
		img, err := dec.Frame(i)
		if err != nil {
			return nil, vrerr.Wrap(vrerr.Decode, fmt.Sprintf("decode frame %d", i), err)
		}
		var pngBuf bytes.Buffer
		if err := png.Encode(&pngBuf, img); err != nil {
			return nil, vrerr.Wrap(vrerr.Decode, fmt.Sprintf("re-encode frame %d as png", i), err)
		}
		frames[i] = decodedFrame{index: i, original: pngBuf.Bytes()}

		if _, err := o.rt.Dispatcher.Dispatch(ctx, dispatch.FrameWork{
			SessionID:  o.sess.ID,
			Index:      i,
			Encoded:    pngBuf.Bytes(),
			Processing: o.sess.Processing,
			Params:     o.sess.Filters,
		}); err != nil {
			log.Warn().Err(err).Str("session_id", o.sess.ID).Int("index", i).Msg("orchestrator: dispatch failed, frame will fall back")
		}
	}

	o.rt.StateStore.PublishDispatch(ctx, o.sess.ID, total, o.sess.FPS, width, height)
	return frames, nil
}

func (o *Orchestrator) awaitAndEncode(ctx context.Context, frames []decodedFrame) (string, error) {
	o.sess.Status = session.Awaiting
	outputPath := filepath.Join(o.rt.DataDir, fmt.Sprintf("output_%s.mp4", o.sess.ID))
	outFile, err := os.Create(outputPath)
	if err != nil {
		return "", vrerr.Wrap(vrerr.Encode, "create output file", err)
	}
	defer outFile.Close()

	enc := videoio.NewEncoder(outFile, o.sess.Width, o.sess.Height, o.sess.FPS)
	buf := framebuffer.New(enc, o.sess.Width, o.sess.Height)

	indices := make([]int, len(frames))
	for i := range frames {
		indices[i] = i
	}

	everyK := o.rt.ProgressEveryFrames
	if everyK <= 0 {
		everyK = 30
	}
	sinceProgress := 0

	o.sess.Status = session.Encoding
	results := o.rt.Collector.StreamBatches(ctx, o.sess.ID, len(frames), everyK, o.rt.CollectorConcurrency, o.rt.FrameTimeout)
	for r := range results {
		o.applyResult(buf, frames, r)
		sinceProgress++
		if sinceProgress >= everyK {
			sinceProgress = 0
			o.reportProgress(ctx)
		}
	}
	o.reportProgress(ctx)

	buf.FlushRemaining(len(frames))
	return outputPath, nil
}

func (o *Orchestrator) applyResult(buf *framebuffer.Buffer, frames []decodedFrame, r collector.Result) {
	if r.Failed || r.Frame == nil {
		o.metrics.RecordFrame(0, "", true)
		if r.Err != nil {
			log.Debug().Err(r.Err).Int("index", r.Index).Str("session_id", o.sess.ID).Msg("orchestrator: frame failed, falling back to original")
		}
		if orig, err := png.Decode(bytes.NewReader(frames[r.Index].original)); err == nil {
			buf.Add(r.Index, orig)
		}
		return
	}
	o.metrics.RecordFrame(r.Stats.ProcessingMs, r.Stats.WorkerHost, false)
	buf.Add(r.Index, r.Frame)
}

func (o *Orchestrator) reportProgress(ctx context.Context) {
	p := o.metrics.Progress()
	_ = o.codec.Send(proto.Progress{
		FramesProcessed: p.FramesProcessed,
		FramesTotal:     p.FramesTotal,
		FPS:             p.FPS,
		ETASeconds:      p.ETASeconds,
	})
	o.rt.StateStore.PublishProgress(ctx, o.sess.ID, p.FramesProcessed, p.FPS, p.ETASeconds)
}

func (o *Orchestrator) complete(ctx context.Context, outputPath string) error {
	o.sess.Status = session.Completed
	o.sess.EndedAt = time.Now()
	totalSec := o.sess.EndedAt.Sub(o.sess.StartedAt).Seconds()
	o.rt.StateStore.PublishTerminal(ctx, o.sess.ID, "completed", totalSec)

	info, err := os.Stat(outputPath)
	if err != nil {
		return vrerr.Wrap(vrerr.Encode, "stat output file", err)
	}
	data, err := os.ReadFile(outputPath)
	if err != nil {
		return vrerr.Wrap(vrerr.Encode, "read output file", err)
	}

	summary := o.metrics.Summary()
	if err := o.codec.Send(proto.Result{
		OK:         true,
		OutputPath: outputPath,
		SizeBytes:  info.Size(),
		Metrics: proto.Metrics{
			FramesProcessed: summary.FramesProcessed,
			FramesFailed:    summary.FramesFailed,
			Retries:         summary.Retries,
			LatencyP50Ms:    summary.P50Ms,
			LatencyP95Ms:    summary.P95Ms,
			LatencyP99Ms:    summary.P99Ms,
			TotalTimeSec:    summary.TotalTimeSec,
		},
	}); err != nil {
		return err
	}
	return proto.SendBytes(o.conn, data)
}

// wireCode maps an internal error kind to its §7 wire code. TRANSPORT
// errors mean the socket itself is broken, so there is nothing to send
// — the session is locally aborted. Every other kind reaching here is
// a terminal processing failure.
func wireCode(kind vrerr.Kind) (code string, send bool) {
	switch kind {
	case vrerr.Handshake:
		return "INVALID_HANDSHAKE", true
	case vrerr.Transport:
		return "", false
	default:
		return "PROCESSING_ERROR", true
	}
}

func (o *Orchestrator) fail(ctx context.Context, cause error) {
	o.sess.Status = session.Failed
	o.sess.EndedAt = time.Now()
	log.Error().Err(cause).Str("session_id", o.sess.ID).Msg("orchestrator: session failed")

	kind, _ := vrerr.KindOf(cause)
	if code, send := wireCode(kind); send {
		o.sendError(code, cause.Error(), false)
	}
	if o.sess != nil {
		o.rt.StateStore.PublishTerminal(ctx, o.sess.ID, "failed", o.sess.EndedAt.Sub(o.sess.StartedAt).Seconds())
	}
}
