package imgutil

import (
	"fmt"
	"image"
	"image/color"

	"github.com/nfnt/resize"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/ts"
	"golang.org/x/image/draw"
)

// Palette colors class c with Palette[c % len(Palette)]. Class 0 is background.
var Palette = color.Palette{
	color.NRGBA{0, 0, 0, 255},
	color.NRGBA{230, 25, 75, 255},
	color.NRGBA{60, 180, 75, 255},
	color.NRGBA{255, 225, 25, 255},
	color.NRGBA{0, 130, 200, 255},
	color.NRGBA{245, 130, 48, 255},
	color.NRGBA{145, 30, 180, 255},
	color.NRGBA{70, 240, 240, 255},
	color.NRGBA{240, 50, 230, 255},
	color.NRGBA{210, 245, 60, 255},
	color.NRGBA{250, 190, 212, 255},
	color.NRGBA{0, 128, 128, 255},
	color.NRGBA{220, 190, 255, 255},
	color.NRGBA{170, 110, 40, 255},
	color.NRGBA{128, 0, 0, 255},
	color.NRGBA{128, 128, 0, 255},
}

// LabelImage renders a label map [H W] as a paletted image.
func LabelImage(labels *ts.Tensor) (*image.Paletted, error) {
	size := labels.MustSize()
	if len(size) != 2 {
		return nil, fmt.Errorf("expected label map [H W], got %v", size)
	}
	h, w := int(size[0]), int(size[1])

	l := labels.MustTotype(gotch.Int64, false)
	vals := l.Int64Values()
	l.MustDrop()

	img := image.NewPaletted(image.Rect(0, 0, w, h), Palette)
	n := int64(len(Palette))
	for i, v := range vals {
		if v < 0 {
			v = 0
		}
		img.Pix[i] = uint8(v % n)
	}

	return img, nil
}

// ResizeMask scales a mask with nearest-neighbour sampling so that no new
// label values appear.
func ResizeMask(mask image.Image, w, h int) image.Image {
	return resize.Resize(uint(w), uint(h), mask, resize.NearestNeighbor)
}

// Overlay draws mask over img with the given opacity. The mask is scaled to
// the bounds of img.
func Overlay(img, mask image.Image, alpha uint8) *image.RGBA {
	rect := img.Bounds()
	if mask.Bounds().Size() != rect.Size() {
		mask = ResizeMask(mask, rect.Dx(), rect.Dy())
	}

	dst := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(dst, dst.Bounds(), img, rect.Min, draw.Src)

	opacity := image.NewUniform(color.Alpha{alpha})
	draw.DrawMask(dst, dst.Bounds(), mask, mask.Bounds().Min, opacity, image.Point{}, draw.Over)

	return dst
}

// ReadMask reads a ground-truth mask as a label map [size size] (int64).
// Paletted masks use their palette index as label, other masks their gray
// level. A gray mask holding only 0 and 255 is binary: 255 becomes label 1.
func ReadMask(path string, size int) (*ts.Tensor, error) {
	img, err := Read(path)
	if err != nil {
		return nil, err
	}
	return MaskLabels(img, size), nil
}

// MaskLabels converts a decoded mask the way ReadMask does.
func MaskLabels(img image.Image, size int) *ts.Tensor {
	b := img.Bounds()
	plane := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	binary := true
	pal, paletted := img.(*image.Paletted)
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			var v uint8
			if paletted {
				v = pal.ColorIndexAt(b.Min.X+x, b.Min.Y+y)
			} else {
				v = color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray).Y
			}
			if v != 0 && v != 255 {
				binary = false
			}
			plane.SetGray(x, y, color.Gray{Y: v})
		}
	}

	scaled := ResizeMask(plane, size, size)
	labels := make([]int64, size*size)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			v := int64(color.GrayModel.Convert(scaled.At(x, y)).(color.Gray).Y)
			if binary && !paletted && v == 255 {
				v = 1
			}
			labels[y*size+x] = v
		}
	}

	return ts.MustOfSlice(labels).MustView([]int64{int64(size), int64(size)}, true)
}

// ClassCounts returns the number of pixels of each class in a label map.
// Labels outside [0, numClasses) are not counted.
func ClassCounts(labels *ts.Tensor, numClasses int) []float64 {
	l := labels.MustTotype(gotch.Int64, false)
	vals := l.Int64Values()
	l.MustDrop()

	counts := make([]float64, numClasses)
	for _, v := range vals {
		if v >= 0 && v < int64(numClasses) {
			counts[v]++
		}
	}
	return counts
}
