package videoio

import (
	"bytes"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solidFrame(w, h int, c color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf, 16, 12, 24)

	frames := []color.Color{color.Black, color.White, color.RGBA{R: 200, G: 10, B: 10, A: 255}}
	for _, c := range frames {
		require.NoError(t, enc.WriteFrame(solidFrame(16, 12, c)))
	}
	assert.Equal(t, 3, enc.FrameCount())

	dec, err := Open(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 3, dec.FrameCount())
	assert.InDelta(t, 24.0, dec.FPS(), 0.5)

	for i, c := range frames {
		img, err := dec.Frame(i)
		require.NoError(t, err)
		wantR, wantG, wantB, wantA := c.RGBA()
		gotR, gotG, gotB, gotA := img.At(0, 0).RGBA()
		assert.Equal(t, wantR, gotR, "frame %d red channel", i)
		assert.Equal(t, wantG, gotG, "frame %d green channel", i)
		assert.Equal(t, wantB, gotB, "frame %d blue channel", i)
		assert.Equal(t, wantA, gotA, "frame %d alpha channel", i)
	}
}

func TestFrameOutOfRangeErrors(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf, 4, 4, 30)
	require.NoError(t, enc.WriteFrame(solidFrame(4, 4, color.Black)))

	dec, err := Open(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	_, err = dec.Frame(5)
	assert.Error(t, err)
}

func TestEmptyContainerReportsZeroFrames(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf, 4, 4, 30)
	require.NoError(t, enc.writeInit())

	dec, err := Open(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 0, dec.FrameCount())
	assert.Equal(t, 30.0, dec.FPS())
}
