package service

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "github.com/gen2brain/avif"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/disintegration/imaging"
)

const DefaultImageSize = 224

// maxPixels guards against decompression bombs.
const maxPixels = 89_478_485

// Normalize decodes raw image bytes into a (1, size, size, 3) NHWC float32
// tensor with values in [0, 1]. The image is reduced to grayscale, contrast
// stretched, replicated across three channels and resized with a bicubic
// filter.
func Normalize(raw []byte, size int) ([]float32, error) {
	if size <= 0 {
		size = DefaultImageSize
	}
	img, err := decode(raw)
	if err != nil {
		return nil, err
	}

	gray := imaging.Grayscale(img)
	autoContrast(gray)
	resized := imaging.Resize(gray, size, size, imaging.CatmullRom)

	return toTensor(resized, size), nil
}

func decode(raw []byte) (image.Image, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: empty image %dx%d", ErrDecode, cfg.Width, cfg.Height)
	}
	if cfg.Width*cfg.Height > maxPixels {
		return nil, fmt.Errorf("%w: image too large (%dx%d)", ErrDecode, cfg.Width, cfg.Height)
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return img, nil
}

// autoContrast stretches the intensity histogram of a grayscale NRGBA image
// so its darkest level maps to 0 and its brightest to 255. The result is
// written to all three color channels and the image is made opaque.
func autoContrast(img *image.NRGBA) {
	var hist [256]int
	for i := 0; i < len(img.Pix); i += 4 {
		hist[img.Pix[i]]++
	}

	lo, hi := 0, 255
	for lo < 256 && hist[lo] == 0 {
		lo++
	}
	for hi >= 0 && hist[hi] == 0 {
		hi--
	}

	var lut [256]uint8
	for v := range lut {
		lut[v] = uint8(v)
	}
	if hi > lo {
		scale := 255.0 / float64(hi-lo)
		offset := -float64(lo) * scale
		for v := range lut {
			x := int(float64(v)*scale + offset)
			lut[v] = uint8(min(max(x, 0), 255))
		}
	}

	for i := 0; i < len(img.Pix); i += 4 {
		g := lut[img.Pix[i]]
		img.Pix[i+0] = g
		img.Pix[i+1] = g
		img.Pix[i+2] = g
		img.Pix[i+3] = 0xff
	}
}

func toTensor(img *image.NRGBA, size int) []float32 {
	out := make([]float32, size*size*3)
	i := 0
	for y := range size {
		row := img.Pix[y*img.Stride : y*img.Stride+size*4]
		for x := range size {
			px := row[x*4 : x*4+3]
			out[i+0] = float32(px[0]) / 255.0
			out[i+1] = float32(px[1]) / 255.0
			out[i+2] = float32(px[2]) / 255.0
			i += 3
		}
	}
	return out
}
