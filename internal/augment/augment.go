// Package augment applies random geometric distortions to training images.
package augment

import (
	"image"
	"image/color"
	"math"
	"math/rand"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// Augmenter draws a random flip, rotation, zoom and translation for each
// image. The zero value applies nothing; use New for the training defaults.
type Augmenter struct {
	FlipProb float64
	// MaxRotation is a fraction of a full turn.
	MaxRotation float64
	// MaxZoom is the largest relative change in scale.
	MaxZoom float64
	// MaxTranslate is a fraction of the image width and height.
	MaxTranslate float64
}

func New() Augmenter {
	return Augmenter{
		FlipProb:     0.5,
		MaxRotation:  0.1,
		MaxZoom:      0.1,
		MaxTranslate: 0.1,
	}
}

// Params is one draw of the random transform.
type Params struct {
	Flip   bool
	Angle  float64 // radians
	Zoom   float64 // scale factor, 1 is unchanged
	ShiftX float64 // fraction of width
	ShiftY float64 // fraction of height
}

// Identity leaves the image unchanged.
var Identity = Params{Zoom: 1}

func uniform(rng *rand.Rand, max float64) float64 {
	return max * (2*rng.Float64() - 1)
}

// Draw picks transform parameters from rng.
func (a Augmenter) Draw(rng *rand.Rand) Params {
	return Params{
		Flip:   a.FlipProb > 0 && rng.Float64() < a.FlipProb,
		Angle:  uniform(rng, a.MaxRotation*2*math.Pi),
		Zoom:   1 + uniform(rng, a.MaxZoom),
		ShiftX: uniform(rng, a.MaxTranslate),
		ShiftY: uniform(rng, a.MaxTranslate),
	}
}

// Apply returns a randomly distorted copy of img. img is not modified.
func (a Augmenter) Apply(img *image.NRGBA, rng *rand.Rand) *image.NRGBA {
	return Transform(img, a.Draw(rng))
}

// ApplyBatch distorts every image of a batch with its own parameters.
func (a Augmenter) ApplyBatch(imgs []*image.NRGBA, rng *rand.Rand) []*image.NRGBA {
	out := make([]*image.NRGBA, len(imgs))
	for i, img := range imgs {
		out[i] = a.Apply(img, rng)
	}
	return out
}

// Matrix returns the source to destination affine map for p on a w x h image.
// All transforms act about the image centre.
func (p Params) Matrix(w, h int) f64.Aff3 {
	cx, cy := float64(w)/2, float64(h)/2
	sx, sy := p.Zoom, p.Zoom
	if p.Flip {
		sx = -sx
	}
	sin, cos := math.Sincos(p.Angle)
	a, b := cos*sx, -sin*sy
	d, e := sin*sx, cos*sy
	tx := cx + p.ShiftX*float64(w) - (a*cx + b*cy)
	ty := cy + p.ShiftY*float64(h) - (d*cx + e*cy)
	return f64.Aff3{a, b, tx, d, e, ty}
}

// Transform resamples img under p with bilinear interpolation. Destination
// pixels that map outside the source are black.
func Transform(img *image.NRGBA, p Params) *image.NRGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)

	src := img
	if b.Min != (image.Point{}) {
		src = img.SubImage(b).(*image.NRGBA)
		src = &image.NRGBA{Pix: src.Pix, Stride: src.Stride, Rect: image.Rect(0, 0, w, h)}
	}
	draw.BiLinear.Transform(dst, p.Matrix(w, h), src, src.Bounds(), draw.Src, nil)

	// every pixel is opaque, so the premultiplied bytes are also the
	// non-premultiplied ones
	for i := 3; i < len(dst.Pix); i += 4 {
		dst.Pix[i] = 0xff
	}
	return &image.NRGBA{Pix: dst.Pix, Stride: dst.Stride, Rect: dst.Rect}
}
