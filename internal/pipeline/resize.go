package pipeline

import (
	"image"

	"golang.org/x/image/draw"
)

// resizeTo scales img to width x height. A non-positive dimension or an
// image already at the target size is returned unchanged.
func resizeTo(img image.Image, width, height int) image.Image {
	if width <= 0 || height <= 0 {
		return img
	}
	b := img.Bounds()
	if b.Dx() == width && b.Dy() == height {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}
