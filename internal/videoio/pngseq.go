// Package videoio provides the video container codec used to read the
// client's uploaded video and write the processed output.
//
// vidrelay has no pure-Go, cgo-free general video codec available, so
// rather than faking one it defines pngseq: a real fragmented-MP4
// container (built with github.com/Eyevinn/mp4ff, the same library
// used for fMP4 muxing elsewhere in the stack) whose single video
// track carries one PNG-encoded image per sample instead of H.264
// NAL units. Every frame vidrelay itself produces round-trips through
// this container losslessly; decoding a foreign, camera-recorded MP4
// is out of scope (see SPEC_FULL.md §4.12).
package videoio

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"io"

	"github.com/Eyevinn/mp4ff/mp4"
)

const (
	timescale        = 90000
	sampleEntryCodec = "pngs" // vidrelay-private four-character code, not a registered fourcc
)

// Encoder writes a sequence of images as consecutive fragments of a
// pngseq container to w.
type Encoder struct {
	w         io.Writer
	width     uint32
	height    uint32
	fps       float64
	seq       uint32
	wroteInit bool
}

func NewEncoder(w io.Writer, width, height int, fps float64) *Encoder {
	return &Encoder{w: w, width: uint32(width), height: uint32(height), fps: fps}
}

func (e *Encoder) writeInit() error {
	init := mp4.CreateEmptyInit()
	init.AddEmptyTrack(timescale, "video", "und")

	trak := init.Moov.Trak
	stsd := trak.Mdia.Minf.Stbl.Stsd
	entry := mp4.CreateVisualSampleEntryBox(sampleEntryCodec, uint16(e.width), uint16(e.height), nil)
	stsd.AddChild(entry)

	var buf bytes.Buffer
	if err := init.Encode(&buf); err != nil {
		return fmt.Errorf("pngseq: encode init segment: %w", err)
	}
	if _, err := e.w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("pngseq: write init segment: %w", err)
	}
	e.wroteInit = true
	return nil
}

// WriteFrame encodes img as PNG and appends it as the next sample,
// satisfying framebuffer.Encoder.
func (e *Encoder) WriteFrame(img image.Image) error {
	if !e.wroteInit {
		if err := e.writeInit(); err != nil {
			return err
		}
	}

	var pngBuf bytes.Buffer
	if err := png.Encode(&pngBuf, img); err != nil {
		return fmt.Errorf("pngseq: png encode frame: %w", err)
	}

	e.seq++
	frag, err := mp4.CreateFragment(e.seq, 1)
	if err != nil {
		return fmt.Errorf("pngseq: create fragment: %w", err)
	}

	dur := uint32(timescale)
	if e.fps > 0 {
		dur = uint32(float64(timescale) / e.fps)
	}
	sample := mp4.FullSample{
		Sample: mp4.Sample{
			Flags: mp4.SyncSampleFlags,
			Dur:   dur,
			Size:  uint32(pngBuf.Len()),
		},
		DecodeTime: uint64(e.seq-1) * uint64(dur),
		Data:       pngBuf.Bytes(),
	}
	frag.AddFullSample(sample)

	var fragBuf bytes.Buffer
	if err := frag.Encode(&fragBuf); err != nil {
		return fmt.Errorf("pngseq: encode fragment: %w", err)
	}
	if _, err := e.w.Write(fragBuf.Bytes()); err != nil {
		return fmt.Errorf("pngseq: write fragment: %w", err)
	}
	return nil
}

// FrameCount reports how many samples have been written so far.
func (e *Encoder) FrameCount() int { return int(e.seq) }

// Decoder reads a pngseq container produced by Encoder and yields the
// decoded frames in order.
type Decoder struct {
	file   *mp4.File
	width  int
	height int
	frames int
	fps    float64
}

// Open parses the full container from r (pngseq files are not large
// enough in this system to warrant streaming decode).
func Open(r io.ReadSeeker) (*Decoder, error) {
	f, err := mp4.DecodeFile(r)
	if err != nil {
		return nil, fmt.Errorf("pngseq: decode file: %w", err)
	}
	if f.Moov == nil || f.Moov.Trak == nil {
		return nil, fmt.Errorf("pngseq: missing moov/trak box")
	}
	entry := f.Moov.Trak.Mdia.Minf.Stbl.Stsd.Children[0]
	w, h := sampleEntryDimensions(entry)

	d := &Decoder{file: f, width: w, height: h}
	d.frames = len(f.Segments) // one fragment/segment per frame, by construction
	d.fps = averageFPS(f)
	return d, nil
}

// averageFPS derives the source FPS from the mdhd timescale and the
// per-sample duration recorded in the first fragment, falling back to
// 30 when either is unavailable (e.g. a zero-frame container).
func averageFPS(f *mp4.File) float64 {
	if f.Moov == nil || f.Moov.Trak == nil || f.Moov.Trak.Mdia == nil || f.Moov.Trak.Mdia.Mdhd == nil {
		return 30
	}
	ts := f.Moov.Trak.Mdia.Mdhd.Timescale
	if ts == 0 || len(f.Segments) == 0 || len(f.Segments[0].Fragments) == 0 {
		return 30
	}
	samples, err := f.Segments[0].Fragments[0].GetFullSamples(nil)
	if err != nil || len(samples) == 0 || samples[0].Sample.Dur == 0 {
		return 30
	}
	return float64(ts) / float64(samples[0].Sample.Dur)
}

func sampleEntryDimensions(box mp4.Box) (int, int) {
	type dims interface{ Dimensions() (uint16, uint16) }
	if v, ok := box.(dims); ok {
		w, h := v.Dimensions()
		return int(w), int(h)
	}
	return 0, 0
}

func (d *Decoder) FrameCount() int        { return d.frames }
func (d *Decoder) Dimensions() (int, int) { return d.width, d.height }
func (d *Decoder) FPS() float64           { return d.fps }

// Frame decodes and returns frame index i (0-based).
func (d *Decoder) Frame(i int) (image.Image, error) {
	if i < 0 || i >= len(d.file.Segments) {
		return nil, fmt.Errorf("pngseq: frame index %d out of range", i)
	}
	seg := d.file.Segments[i]
	if len(seg.Fragments) == 0 {
		return nil, fmt.Errorf("pngseq: empty segment at index %d", i)
	}
	frag := seg.Fragments[0]
	data, err := frag.GetFullSamples(nil)
	if err != nil || len(data) == 0 {
		return nil, fmt.Errorf("pngseq: read sample %d: %w", i, err)
	}
	img, err := png.Decode(bytes.NewReader(data[0].Data))
	if err != nil {
		return nil, fmt.Errorf("pngseq: png decode frame %d: %w", i, err)
	}
	return img, nil
}
