// Package filters implements the leaf per-frame image transforms the
// worker applies. Pixel-level correctness of these filters is
// explicitly out of scope; they exist so the pipeline has something
// real to dispatch and measure.
package filters

import (
	"image"
	"image/color"
	"math"
)

const (
	Blur   = "blur"
	Edges  = "edges"
	Faces  = "faces"
	Motion = "motion"
	Custom = "custom"
	None   = "none"
)

// MotionBaseline is the per-session state the motion filter needs
// across frames; the worker caches one per session id, best-effort,
// mirroring the reference's per-process motion-detector cache.
type MotionBaseline struct {
	prev *image.Gray
}

// Apply dispatches to the named filter. baseline may be nil for all
// kinds except Motion, where a non-nil pointer is updated in place.
func Apply(kind string, img image.Image, baseline *MotionBaseline) (image.Image, error) {
	switch kind {
	case Blur:
		return boxBlur(img, 2), nil
	case Edges:
		return sobelEdges(img), nil
	case Faces:
		return highlightFacesStub(img), nil
	case Motion:
		return motionDiff(img, baseline), nil
	case Custom, None, "":
		return img, nil
	default:
		return img, nil
	}
}

func boxBlur(src image.Image, radius int) image.Image {
	b := src.Bounds()
	dst := image.NewRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			var rSum, gSum, bSum, aSum, n uint32
			for dy := -radius; dy <= radius; dy++ {
				for dx := -radius; dx <= radius; dx++ {
					px, py := x+dx, y+dy
					if px < b.Min.X || px >= b.Max.X || py < b.Min.Y || py >= b.Max.Y {
						continue
					}
					r, g, bl, a := src.At(px, py).RGBA()
					rSum += r
					gSum += g
					bSum += bl
					aSum += a
					n++
				}
			}
			if n == 0 {
				n = 1
			}
			dst.Set(x, y, color.RGBA64{
				R: uint16(rSum / n),
				G: uint16(gSum / n),
				B: uint16(bSum / n),
				A: uint16(aSum / n),
			})
		}
	}
	return dst
}

func sobelEdges(src image.Image) image.Image {
	gray := toGray(src)
	b := gray.Bounds()
	dst := image.NewGray(b)

	gx := [3][3]int{{-1, 0, 1}, {-2, 0, 2}, {-1, 0, 1}}
	gy := [3][3]int{{-1, -2, -1}, {0, 0, 0}, {1, 2, 1}}

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			var sx, sy int
			for ky := -1; ky <= 1; ky++ {
				for kx := -1; kx <= 1; kx++ {
					px, py := clamp(x+kx, b.Min.X, b.Max.X-1), clamp(y+ky, b.Min.Y, b.Max.Y-1)
					v := int(gray.GrayAt(px, py).Y)
					sx += gx[ky+1][kx+1] * v
					sy += gy[ky+1][kx+1] * v
				}
			}
			mag := int(math.Sqrt(float64(sx*sx + sy*sy)))
			if mag > 255 {
				mag = 255
			}
			dst.SetGray(x, y, color.Gray{Y: uint8(mag)})
		}
	}
	return dst
}

// highlightFacesStub stands in for a face detector: no model ships
// with vidrelay, so it returns the frame unchanged and the worker keeps
// no detector cache for it.
func highlightFacesStub(src image.Image) image.Image {
	return src
}

func motionDiff(src image.Image, baseline *MotionBaseline) image.Image {
	gray := toGray(src)
	if baseline == nil {
		return gray
	}
	prev := baseline.prev
	baseline.prev = gray
	if prev == nil {
		return gray
	}
	b := gray.Bounds()
	dst := image.NewGray(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			cur := int(gray.GrayAt(x, y).Y)
			old := int(prev.GrayAt(x, y).Y)
			diff := cur - old
			if diff < 0 {
				diff = -diff
			}
			dst.SetGray(x, y, color.Gray{Y: uint8(diff)})
		}
	}
	return dst
}

func toGray(src image.Image) *image.Gray {
	b := src.Bounds()
	g := image.NewGray(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			g.Set(x, y, src.At(x, y))
		}
	}
	return g
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
