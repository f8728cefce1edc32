// Package render turns source dataset images into resized PNG rasters.
// Satellite captures are frequently 16-bit (multispectral exports), so
// samples are min-max stretched to 8-bit before scaling, otherwise the
// thumbnails come out nearly black.
package render

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"

	"github.com/go-git/go-billy/v6"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"

	"github.com/lewtec/harvestmark/internal/domain"
)

// Thumbnail reads the image at path and renders it as a PNG fitting inside
// width x height, preserving aspect ratio. Failures (unreadable file,
// corrupt data, cancelled context) wrap ErrRenderFailure.
func Thumbnail(ctx context.Context, fsys billy.Filesystem, path string, width, height int) ([]byte, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: invalid dimensions %dx%d", domain.ErrRenderFailure, width, height)
	}

	f, err := fsys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: while opening %s: %v", domain.ErrRenderFailure, path, err)
	}
	defer f.Close()

	img, format, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%w: while decoding %s: %v", domain.ErrRenderFailure, path, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: render of %s interrupted: %v", domain.ErrRenderFailure, path, err)
	}

	if isDeepColor(img) {
		img = stretchToRGBA(img)
	}

	bounds := img.Bounds()
	newWidth, newHeight := fitWithin(bounds.Dx(), bounds.Dy(), width, height)
	resized := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
	draw.CatmullRom.Scale(resized, resized.Bounds(), img, bounds, draw.Over, nil)

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: render of %s interrupted: %v", domain.ErrRenderFailure, path, err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, resized); err != nil {
		return nil, fmt.Errorf("%w: while encoding %s (%s): %v", domain.ErrRenderFailure, path, format, err)
	}
	return buf.Bytes(), nil
}

// fitWithin shrinks (w, h) to fit inside (maxW, maxH) keeping aspect ratio.
// Images already inside the box keep their size.
func fitWithin(w, h, maxW, maxH int) (int, int) {
	if w <= maxW && h <= maxH {
		return w, h
	}
	scaleW := float64(maxW) / float64(w)
	scaleH := float64(maxH) / float64(h)
	scale := scaleW
	if scaleH < scale {
		scale = scaleH
	}
	newW := int(float64(w) * scale)
	newH := int(float64(h) * scale)
	if newW < 1 {
		newW = 1
	}
	if newH < 1 {
		newH = 1
	}
	return newW, newH
}

func isDeepColor(img image.Image) bool {
	switch img.ColorModel() {
	case color.Gray16Model, color.RGBA64Model, color.NRGBA64Model:
		return true
	}
	return false
}

// stretchToRGBA linearly rescales 16-bit samples into the 8-bit range using
// the image's own min/max, the usual way multispectral exports are made
// viewable.
func stretchToRGBA(img image.Image) *image.RGBA {
	bounds := img.Bounds()
	var minV, maxV uint32 = 0xffff, 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			for _, v := range [3]uint32{r, g, b} {
				if v < minV {
					minV = v
				}
				if v > maxV {
					maxV = v
				}
			}
		}
	}

	out := image.NewRGBA(bounds)
	span := maxV - minV
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			out.SetRGBA(x, y, color.RGBA{
				R: stretch(r, minV, span),
				G: stretch(g, minV, span),
				B: stretch(b, minV, span),
				A: 0xff,
			})
		}
	}
	return out
}

func stretch(v, minV, span uint32) uint8 {
	if span == 0 {
		return 0
	}
	return uint8((v - minV) * 255 / span)
}
