// Package imgutil converts between image files and model tensors.
package imgutil

import (
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/chai2010/tiff"
	"github.com/disintegration/imaging"
	"github.com/sugarme/gotch/ts"
)

// Read decodes an image file. TIFF tiles go through chai2010/tiff, every other
// format through imaging (PNG, JPEG, GIF, BMP).
func Read(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".tif", ".tiff":
		img, err := tiff.Decode(f)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		return img, nil
	default:
		img, err := imaging.Decode(f, imaging.AutoOrientation(true))
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		return img, nil
	}
}

// WritePNG encodes img as a PNG file.
func WritePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ToTensor resizes img to size x size (Lanczos) and returns its RGB channels
// as a float tensor [3 size size] with values in [0, 1].
func ToTensor(img image.Image, size int) *ts.Tensor {
	resized := imaging.Resize(img, size, size, imaging.Lanczos)

	plane := size * size
	data := make([]float32, 3*plane)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			i := resized.PixOffset(x, y)
			p := y*size + x
			data[p] = float32(resized.Pix[i]) / 255
			data[plane+p] = float32(resized.Pix[i+1]) / 255
			data[2*plane+p] = float32(resized.Pix[i+2]) / 255
		}
	}

	return ts.MustOfSlice(data).MustView([]int64{3, int64(size), int64(size)}, true)
}

// Crop returns the part of img inside rect, given relative to the top-left
// corner of img and clipped to its bounds. Paletted images stay paletted.
func Crop(img image.Image, rect image.Rectangle) (image.Image, error) {
	type subImager interface {
		SubImage(r image.Rectangle) image.Image
	}

	simg, ok := img.(subImager)
	if !ok {
		return nil, fmt.Errorf("image %T does not support cropping", img)
	}

	b := img.Bounds()
	r := rect.Add(b.Min).Intersect(b)
	if r.Empty() {
		return nil, fmt.Errorf("crop %v lies outside the %dx%d image", rect, b.Dx(), b.Dy())
	}

	return simg.SubImage(r), nil
}
