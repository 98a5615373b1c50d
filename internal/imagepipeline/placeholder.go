package imagepipeline

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/png"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// renderUnavailablePlaceholder draws a small "image unavailable" PNG,
// used as a visual fallback when decode fails and PlaceholderOnDecodeFailure
// is configured, instead of silently passing through the undecodable bytes.
func renderUnavailablePlaceholder(label string) []byte {
	const w, h = 320, 120
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.Gray16{0xdddd}), image.Point{}, draw.Src)

	drawer := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.Gray16{0x3333}),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(12, h/2),
	}
	if label == "" {
		label = "image unavailable"
	}
	drawer.DrawString(label)

	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}
