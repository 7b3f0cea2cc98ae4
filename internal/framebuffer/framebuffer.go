// Package framebuffer reassembles frames delivered out of order into
// strictly ascending order for the video encoder.
package framebuffer

import (
	"image"
	"image/color"
	"sync"

	"github.com/rs/zerolog/log"
)

// Encoder is the narrow interface a video container codec must
// satisfy to receive frames from a Buffer.
type Encoder interface {
	WriteFrame(img image.Image) error
}

// Buffer holds out-of-order frames keyed by index and drains them into
// an Encoder strictly in ascending order starting from next_expected.
type Buffer struct {
	mu           sync.Mutex
	pending      map[int]image.Image
	nextExpected int
	width        int
	height       int
	encoder      Encoder
	written      int
	failed       int
	flushed      bool
}

func New(encoder Encoder, width, height int) *Buffer {
	return &Buffer{
		pending: make(map[int]image.Image),
		encoder: encoder,
		width:   width,
		height:  height,
	}
}

// Add inserts frame at index and drains every consecutive frame
// starting at next_expected. Returns the number of frames written to
// the encoder by this call.
func (b *Buffer) Add(index int, frame image.Image) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pending[index] = frame
	written := 0
	for {
		f, ok := b.pending[b.nextExpected]
		if !ok {
			break
		}
		delete(b.pending, b.nextExpected)
		if err := b.encoder.WriteFrame(f); err != nil {
			log.Warn().Err(err).Int("index", b.nextExpected).Msg("frame buffer: encoder write failed")
			b.failed++
		} else {
			b.written++
			written++
		}
		b.nextExpected++
	}
	return written
}

// FlushRemaining writes every index from next_expected up to total-1:
// the buffered frame where one is pending, otherwise a zero frame, then
// leaves next_expected at total. Returns the number of indices handed
// to the encoder by this call. Idempotent: calling it again after
// completion is a no-op.
func (b *Buffer) FlushRemaining(total int) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.flushed {
		return 0
	}
	written := 0
	for b.nextExpected < total {
		f, ok := b.pending[b.nextExpected]
		if !ok {
			f = zeroFrame(b.width, b.height)
			log.Warn().Int("index", b.nextExpected).Msg("frame buffer: filling missing frame with zero frame")
		} else {
			delete(b.pending, b.nextExpected)
		}
		if err := b.encoder.WriteFrame(f); err != nil {
			log.Warn().Err(err).Int("index", b.nextExpected).Msg("frame buffer: encoder write failed during flush")
			b.failed++
		} else {
			b.written++
		}
		written++
		b.nextExpected++
	}
	b.flushed = true
	return written
}

// Stats returns the running write/failure counts.
func (b *Buffer) Stats() (written, failed int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.written, b.failed
}

func zeroFrame(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	black := color.RGBA{A: 255}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, black)
		}
	}
	return img
}
