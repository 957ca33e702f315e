// Package preprocess holds the image transform shared by training and serving.
// Every sample the classifier sees, whether it comes from the dataset loader
// or from an HTTP upload, is produced by the functions in this package.
package preprocess

import (
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
)

const (
	// ImageSize is the side length every image is resized to.
	ImageSize = 150
	// Channels is the number of colour channels after the alpha channel is dropped.
	Channels = 3
	// Scale maps 8-bit intensities into [0,1].
	Scale = 255.0
	// SampleLen is the number of values in one Sample.
	SampleLen = ImageSize * ImageSize * Channels
)

// ErrDecode is returned when the input bytes are not a supported raster image.
var ErrDecode = errors.New("image decode failed")

// Sample is one normalized image in height, width, channel order with values
// in [0,1]. A Sample can only be built from a raw 8-bit image, so the scaling
// step cannot be applied twice.
type Sample []float32

// Validate checks that s has the length the classifier expects.
func (s Sample) Validate() error {
	if len(s) != SampleLen {
		return fmt.Errorf("expected %d values, got %d", SampleLen, len(s))
	}
	return nil
}

// Decode reads a jpeg, png, gif or bmp image.
func Decode(r io.Reader) (image.Image, string, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return img, format, nil
}

// ToRGB copies img into an opaque NRGBA image with its origin at (0,0). Any
// alpha channel is discarded rather than composited.
func ToRGB(img image.Image) *image.NRGBA {
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	if src, ok := img.(*image.NRGBA); ok {
		// straight copy keeps the colour of transparent pixels
		for y := 0; y < b.Dy(); y++ {
			off := src.PixOffset(b.Min.X, b.Min.Y+y)
			copy(dst.Pix[y*dst.Stride:], src.Pix[off:off+4*b.Dx()])
		}
	} else {
		draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	}
	for i := 3; i < len(dst.Pix); i += 4 {
		dst.Pix[i] = 0xff
	}
	return dst
}

// Resize drops alpha and resizes img to size x size with bilinear
// interpolation. Aspect ratio is not preserved.
func Resize(img image.Image, size int) *image.NRGBA {
	rgb := ToRGB(img)
	if rgb.Bounds().Dx() == size && rgb.Bounds().Dy() == size {
		return rgb
	}
	out := resize.Resize(uint(size), uint(size), rgb, resize.Bilinear)
	if m, ok := out.(*image.NRGBA); ok && m.Bounds().Min == (image.Point{}) {
		return m
	}
	return ToRGB(out)
}

// Normalize rescales every colour channel of raw by 1/Scale.
func Normalize(raw *image.NRGBA) Sample {
	b := raw.Bounds()
	w, h := b.Dx(), b.Dy()
	out := make(Sample, w*h*Channels)
	i := 0
	for y := 0; y < h; y++ {
		off := raw.PixOffset(b.Min.X, b.Min.Y+y)
		row := raw.Pix[off : off+w*4]
		for x := 0; x < w; x++ {
			out[i] = float32(row[4*x]) / Scale
			out[i+1] = float32(row[4*x+1]) / Scale
			out[i+2] = float32(row[4*x+2]) / Scale
			i += Channels
		}
	}
	return out
}

// Prepare turns a decoded image of any size into a model-ready Sample.
func Prepare(img image.Image) Sample {
	return Normalize(Resize(img, ImageSize))
}

// DecodeSample decodes r and prepares it for the classifier.
func DecodeSample(r io.Reader) (Sample, error) {
	img, _, err := Decode(r)
	if err != nil {
		return nil, err
	}
	return Prepare(img), nil
}

// Stack concatenates samples into one batch buffer with a leading batch
// dimension of len(samples).
func Stack(samples ...Sample) []float32 {
	n := 0
	for _, s := range samples {
		n += len(s)
	}
	out := make([]float32, 0, n)
	for _, s := range samples {
		out = append(out, s...)
	}
	return out
}
