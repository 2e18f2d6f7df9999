package detection

import (
	"fmt"
	"hash/fnv"
	"image"
	"image/color"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"antares/internal/pipeline"
)

var palette = []color.RGBA{
	{255, 56, 56, 255},
	{255, 157, 151, 255},
	{255, 112, 31, 255},
	{255, 178, 29, 255},
	{207, 210, 49, 255},
	{72, 249, 10, 255},
	{26, 147, 52, 255},
	{0, 212, 187, 255},
	{44, 153, 168, 255},
	{0, 194, 255, 255},
	{52, 69, 147, 255},
	{100, 115, 255, 255},
	{203, 56, 255, 255},
	{255, 149, 200, 255},
}

// classColor picks a stable color per class name.
func classColor(class string) color.RGBA {
	h := fnv.New32a()
	h.Write([]byte(class))
	return palette[h.Sum32()%uint32(len(palette))]
}

// Annotate returns a copy of img with a box and label per detection. Boxes
// are clipped to the image.
func Annotate(img image.Image, detections []pipeline.Detection) *image.RGBA {
	bounds := img.Bounds()
	rgba := image.NewRGBA(bounds)
	draw.Draw(rgba, bounds, img, bounds.Min, draw.Src)

	for _, det := range detections {
		c := classColor(det.Class)
		r := image.Rect(int(det.BBox.X1), int(det.BBox.Y1), int(det.BBox.X2), int(det.BBox.Y2)).
			Add(bounds.Min).
			Intersect(bounds)
		if r.Empty() {
			continue
		}
		drawBox(rgba, r, c, 2)
		drawLabel(rgba, r.Min.X, r.Min.Y-14, fmt.Sprintf("%s %.2f", det.Class, det.Confidence), c)
	}
	return rgba
}

// drawBox draws a rectangle outline of the given thickness inside r.
func drawBox(img *image.RGBA, r image.Rectangle, c color.RGBA, thickness int) {
	src := image.NewUniform(c)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+thickness),
		image.Rect(r.Min.X, r.Max.Y-thickness, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+thickness, r.Max.Y),
		image.Rect(r.Max.X-thickness, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(img, e.Intersect(r), src, image.Point{}, draw.Src)
	}
}

// drawLabel draws text on a filled background with its top-left at x, y.
func drawLabel(img *image.RGBA, x, y int, label string, c color.RGBA) {
	b := img.Bounds()
	if y < b.Min.Y {
		y = b.Min.Y
	}
	if x < b.Min.X {
		x = b.Min.X
	}

	bg := image.Rect(x, y, x+len(label)*7+4, y+14).Intersect(b)
	draw.Draw(img, bg, image.NewUniform(c), image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.Black),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x + 2), Y: fixed.I(y + 11)},
	}
	d.DrawString(label)
}
