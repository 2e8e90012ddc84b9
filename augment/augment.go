// Package augment implements the per-batch image transformations used to
// enlarge the driving dataset: horizontal flips, which also invert the sign
// of the steering angle, and random brightness changes, which leave the angle
// untouched.
//
// All functions work on copies: inputs are never modified.
package augment

import (
	"math/rand"
	"time"

	"github.com/Noofbiz/steering/datasets"
	"github.com/disintegration/imaging"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/pkg/errors"
)

// ErrTransform is returned when an image can't go through the color-space
// round trip, e.g. because its pixel buffer doesn't match its dimensions.
var ErrTransform = errors.New("image transform failed")

// Brightness factor range: factors are drawn uniformly from [MinBrightness, MaxBrightness).
const (
	MinBrightness = 0.4
	MaxBrightness = 1.4
)

// FlipImages returns the horizontal mirror of every image: column order is
// reversed, rows and channels are unchanged.
func FlipImages(images []datasets.Image) ([]datasets.Image, error) {
	if err := checkShapes(images); err != nil {
		return nil, errors.WithMessage(err, "can't flip images")
	}
	out := make([]datasets.Image, len(images))
	for i, img := range images {
		if err := img.Validate(); err != nil {
			return nil, errors.WithMessagef(err, "can't flip image %d", i)
		}
		out[i] = datasets.FromImage(imaging.FlipH(img.ToNRGBA()))
	}
	return out, nil
}

// checkShapes fails with datasets.ErrDataContract unless all images share
// the dimensions of the first one.
func checkShapes(images []datasets.Image) error {
	for i, img := range images {
		if !img.SameShape(images[0]) {
			return errors.Wrapf(datasets.ErrDataContract, "image %d is %dx%d, image 0 is %dx%d",
				i, img.Rows, img.Cols, images[0].Rows, images[0].Cols)
		}
	}
	return nil
}

// NegateLabels returns every label multiplied by -1. It must be applied to the
// same examples that went through FlipImages.
func NegateLabels(labels []float32) []float32 {
	out := make([]float32, len(labels))
	for i, v := range labels {
		out[i] = -v
	}
	return out
}

// Augmenter holds the random source used by the randomized transforms.
// It is not safe for concurrent use.
type Augmenter struct {
	rng *rand.Rand
}

// New creates an Augmenter seeded with seed. If seed is zero a time-based seed is used.
func New(seed int64) *Augmenter {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Augmenter{rng: rand.New(rand.NewSource(seed))}
}

// NewWithRand creates an Augmenter drawing from rng.
func NewWithRand(rng *rand.Rand) *Augmenter {
	return &Augmenter{rng: rng}
}

// FlipHalf shuffles images and labels together, then flips the first half
// (half = n/2) and leaves the rest untouched. The returned batch is
// [flipped, untouched] for images, labels and the Flipped mask alike; for odd
// n the untouched part is one element larger.
func (a *Augmenter) FlipHalf(images []datasets.Image, labels []float32) (datasets.Batch, error) {
	if len(images) != len(labels) {
		return datasets.Batch{}, errors.Wrapf(datasets.ErrDataContract,
			"flip half called with %d images and %d labels", len(images), len(labels))
	}
	if err := checkShapes(images); err != nil {
		return datasets.Batch{}, errors.WithMessage(err, "flip half")
	}
	n := len(images)
	shuffled := datasets.Batch{
		Images:  make([]datasets.Image, n),
		Labels:  make([]float32, n),
		Flipped: make([]bool, n),
	}
	for i, j := range a.rng.Perm(n) {
		shuffled.Images[i] = images[j]
		shuffled.Labels[i] = labels[j]
	}

	half := n / 2
	flipped, err := FlipImages(shuffled.Images[:half])
	if err != nil {
		return datasets.Batch{}, err
	}
	copy(shuffled.Images, flipped)
	copy(shuffled.Labels, NegateLabels(shuffled.Labels[:half]))
	for i := range half {
		shuffled.Flipped[i] = true
	}
	return shuffled, nil
}

// BrightnessFactor draws a factor uniformly from [MinBrightness, MaxBrightness).
func (a *Augmenter) BrightnessFactor() float64 {
	return MinBrightness + a.rng.Float64()*(MaxBrightness-MinBrightness)
}

// AdjustBrightness scales the HSV value channel of every image by an
// independently drawn BrightnessFactor.
func (a *Augmenter) AdjustBrightness(images []datasets.Image) ([]datasets.Image, error) {
	if err := checkShapes(images); err != nil {
		return nil, errors.WithMessage(err, "brightness")
	}
	out := make([]datasets.Image, len(images))
	for i, img := range images {
		adjusted, err := ScaleBrightness(img, a.BrightnessFactor())
		if err != nil {
			return nil, errors.WithMessagef(err, "image %d", i)
		}
		out[i] = adjusted
	}
	return out, nil
}

// ScaleBrightness converts every pixel to HSV, multiplies V by factor,
// clamps V to [0, 1] and converts back to RGB. Dimensions are preserved.
func ScaleBrightness(img datasets.Image, factor float64) (datasets.Image, error) {
	if err := img.Validate(); err != nil {
		return datasets.Image{}, errors.Wrapf(ErrTransform, "brightness: %v", err)
	}
	if factor < 0 {
		return datasets.Image{}, errors.Wrapf(ErrTransform, "brightness factor %g is negative", factor)
	}
	out := datasets.NewImage(img.Rows, img.Cols)
	for p := 0; p < len(img.Pix); p += datasets.Channels {
		c := colorful.Color{
			R: float64(img.Pix[p]) / 255,
			G: float64(img.Pix[p+1]) / 255,
			B: float64(img.Pix[p+2]) / 255,
		}
		h, s, v := c.Hsv()
		v *= factor
		if v > 1 {
			v = 1
		}
		out.Pix[p], out.Pix[p+1], out.Pix[p+2] = colorful.Hsv(h, s, v).Clamped().RGB255()
	}
	return out, nil
}
