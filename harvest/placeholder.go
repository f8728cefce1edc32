package harvest

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
)

// brokenImagePNG renders the placeholder served when a thumbnail cannot be
// generated: a gray tile with a red diagonal cross.
func brokenImagePNG(size int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	gray := color.RGBA{R: 0xdd, G: 0xdd, B: 0xdd, A: 0xff}
	red := color.RGBA{R: 0xcc, G: 0x22, B: 0x22, A: 0xff}

	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.SetRGBA(x, y, gray)
		}
	}
	for i := 0; i < size; i++ {
		for d := -1; d <= 1; d++ {
			if i+d >= 0 && i+d < size {
				img.SetRGBA(i+d, i, red)
				img.SetRGBA(size-1-i+d, i, red)
			}
		}
	}

	var buf bytes.Buffer
	// Encoding an in-memory RGBA never fails.
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}
