package crypto

import (
	"image"
	"image/draw"
)

// toNRGBA normalizes any decoded image into a flat, directly addressable
// RGBA pixel buffer. The pack carries no third-party image-processing
// library (checked against every example repo's go.mod), so decoding and
// pixel access stay on the standard image/* packages.
func toNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok {
		return n
	}
	b := img.Bounds()
	dst := image.NewNRGBA(b)
	draw.Draw(dst, b, img, b.Min, draw.Src)
	return dst
}

// nearestNeighborResize scales src by factor (0 < factor < 1), used when an
// encrypted image overshoots the output size budget and must be retried at
// a smaller resolution (spec §4.5 "re-encode with a bounded down-scale and
// retry loop"). No third-party resampler appears anywhere in the retrieved
// examples, so this is a small hand-rolled nearest-neighbor scaler rather
// than an imported one.
func nearestNeighborResize(src *image.NRGBA, factor float64) *image.NRGBA {
	sb := src.Bounds()
	newW := maxInt(1, int(float64(sb.Dx())*factor))
	newH := maxInt(1, int(float64(sb.Dy())*factor))

	dst := image.NewNRGBA(image.Rect(0, 0, newW, newH))
	for y := 0; y < newH; y++ {
		sy := sb.Min.Y + y*sb.Dy()/newH
		for x := 0; x < newW; x++ {
			sx := sb.Min.X + x*sb.Dx()/newW
			dst.Set(x, y, src.At(sx, sy))
		}
	}
	return dst
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
