package previewhttp

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvenlySampleUnderLimitReturnsAllNames(t *testing.T) {
	names := []string{"frame_000000.png", "frame_000001.png"}
	got := evenlySample(names, 10)
	assert.Equal(t, names, got)
}

func TestEvenlySampleOverLimitSpreadsAcrossRange(t *testing.T) {
	names := make([]string, 100)
	for i := range names {
		names[i] = string(rune('a' + i%26))
	}
	got := evenlySample(names, 10)
	assert.Len(t, got, 10)
	assert.Equal(t, names[0], got[0])
}

func TestDownscaleShrinksWideImageAndKeepsNarrowOneUntouched(t *testing.T) {
	wide := image.NewRGBA(image.Rect(0, 0, 640, 480))
	for y := 0; y < 480; y++ {
		for x := 0; x < 640; x++ {
			wide.Set(x, y, color.White)
		}
	}
	out := downscale(wide, 320)
	assert.Equal(t, 320, out.Bounds().Dx())
	assert.Equal(t, 240, out.Bounds().Dy())

	narrow := image.NewRGBA(image.Rect(0, 0, 100, 80))
	same := downscale(narrow, 320)
	assert.Equal(t, narrow.Bounds(), same.Bounds())
}
