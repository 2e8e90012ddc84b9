package datasets

import (
	"image"
	"image/draw"

	"github.com/pkg/errors"
)

// This file holds the in-memory types shared by the augmentation and
// batching packages.
//
// Layout and intended usage:
//
// Image
//   - A fixed-size RGB grid stored row-major, 3 bytes per pixel.
//   - Converts to and from image.NRGBA so the imaging helpers can work on it.
//
// Dataset
//   - Two parallel slices, Images and Labels (steering angles).
//   - Index i of Images always corresponds to index i of Labels. Every
//     reordering goes through Swap so both slices move together.
//
// Batch
//   - A contiguous slice of a (possibly shuffled) Dataset, plus the flip mask
//     recorded by augmentation.

// Channels is the number of color channels of every Image.
const Channels = 3

// Image is a rows x cols x 3 pixel grid.
type Image struct {
	Rows, Cols int
	// Pix holds RGB values, row-major: the pixel at (r, c) starts at
	// (r*Cols+c)*Channels.
	Pix []uint8
}

// NewImage allocates a black image with the given dimensions.
func NewImage(rows, cols int) Image {
	return Image{Rows: rows, Cols: cols, Pix: make([]uint8, rows*cols*Channels)}
}

// Validate checks the pixel buffer matches the declared dimensions.
func (img Image) Validate() error {
	if img.Rows <= 0 || img.Cols <= 0 {
		return errors.Wrapf(ErrDataContract, "image has invalid dimensions %dx%d", img.Rows, img.Cols)
	}
	if want := img.Rows * img.Cols * Channels; len(img.Pix) != want {
		return errors.Wrapf(ErrDataContract, "image %dx%d has %d bytes of pixel data, expected %d",
			img.Rows, img.Cols, len(img.Pix), want)
	}
	return nil
}

// SameShape reports whether both images have the same dimensions.
func (img Image) SameShape(other Image) bool {
	return img.Rows == other.Rows && img.Cols == other.Cols
}

// Clone returns a deep copy of the image.
func (img Image) Clone() Image {
	pix := make([]uint8, len(img.Pix))
	copy(pix, img.Pix)
	return Image{Rows: img.Rows, Cols: img.Cols, Pix: pix}
}

// At returns the RGB values of the pixel at row r, column c.
func (img Image) At(r, c int) (red, green, blue uint8) {
	i := (r*img.Cols + c) * Channels
	return img.Pix[i], img.Pix[i+1], img.Pix[i+2]
}

// Set writes the RGB values of the pixel at row r, column c.
func (img Image) Set(r, c int, red, green, blue uint8) {
	i := (r*img.Cols + c) * Channels
	img.Pix[i], img.Pix[i+1], img.Pix[i+2] = red, green, blue
}

// Equal reports whether both images have the same shape and pixels.
func (img Image) Equal(other Image) bool {
	if !img.SameShape(other) || len(img.Pix) != len(other.Pix) {
		return false
	}
	for i := range img.Pix {
		if img.Pix[i] != other.Pix[i] {
			return false
		}
	}
	return true
}

// ToNRGBA converts the image to an opaque *image.NRGBA.
func (img Image) ToNRGBA() *image.NRGBA {
	out := image.NewNRGBA(image.Rect(0, 0, img.Cols, img.Rows))
	for r := 0; r < img.Rows; r++ {
		for c := 0; c < img.Cols; c++ {
			src := (r*img.Cols + c) * Channels
			dst := out.PixOffset(c, r)
			out.Pix[dst] = img.Pix[src]
			out.Pix[dst+1] = img.Pix[src+1]
			out.Pix[dst+2] = img.Pix[src+2]
			out.Pix[dst+3] = 0xff
		}
	}
	return out
}

// FromImage converts any image.Image into an Image, dropping the alpha channel.
func FromImage(src image.Image) Image {
	b := src.Bounds()
	nrgba, ok := src.(*image.NRGBA)
	if !ok || b.Min != (image.Point{}) {
		nrgba = image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(nrgba, nrgba.Bounds(), src, b.Min, draw.Src)
	}
	img := NewImage(b.Dy(), b.Dx())
	for r := 0; r < img.Rows; r++ {
		for c := 0; c < img.Cols; c++ {
			s := nrgba.PixOffset(c, r)
			img.Set(r, c, nrgba.Pix[s], nrgba.Pix[s+1], nrgba.Pix[s+2])
		}
	}
	return img
}

// Dataset is an ordered pair of parallel sequences: images and their steering angles.
type Dataset struct {
	Images []Image
	Labels []float32
}

// Len returns the number of examples.
func (d *Dataset) Len() int { return len(d.Images) }

// Validate checks the correspondence contract: same number of images and
// labels, and every image well-formed with the same dimensions.
func (d *Dataset) Validate() error {
	if len(d.Images) != len(d.Labels) {
		return errors.Wrapf(ErrDataContract, "dataset has %d images but %d labels", len(d.Images), len(d.Labels))
	}
	for i, img := range d.Images {
		if err := img.Validate(); err != nil {
			return errors.WithMessagef(err, "image %d", i)
		}
		if !img.SameShape(d.Images[0]) {
			return errors.Wrapf(ErrDataContract, "image %d is %dx%d, image 0 is %dx%d",
				i, img.Rows, img.Cols, d.Images[0].Rows, d.Images[0].Cols)
		}
	}
	return nil
}

// Swap exchanges examples i and j, images and labels together.
func (d *Dataset) Swap(i, j int) {
	d.Images[i], d.Images[j] = d.Images[j], d.Images[i]
	d.Labels[i], d.Labels[j] = d.Labels[j], d.Labels[i]
}

// Clone returns a copy of the dataset that can be reordered independently.
// Pixel buffers are shared: they are never written in place.
func (d *Dataset) Clone() *Dataset {
	out := &Dataset{
		Images: make([]Image, len(d.Images)),
		Labels: make([]float32, len(d.Labels)),
	}
	copy(out.Images, d.Images)
	copy(out.Labels, d.Labels)
	return out
}

// Slice returns a Batch with copies of examples [start, end).
func (d *Dataset) Slice(start, end int) Batch {
	b := Batch{
		Images:  make([]Image, end-start),
		Labels:  make([]float32, end-start),
		Flipped: make([]bool, end-start),
	}
	copy(b.Images, d.Images[start:end])
	copy(b.Labels, d.Labels[start:end])
	return b
}

// ImageShape returns the rows and cols shared by every image, or zeros for
// an empty dataset.
func (d *Dataset) ImageShape() (rows, cols int) {
	if len(d.Images) == 0 {
		return 0, 0
	}
	return d.Images[0].Rows, d.Images[0].Cols
}

// Batch is a group of examples for one training step.
type Batch struct {
	Images []Image
	Labels []float32

	// Flipped[i] is set when Images[i] was mirrored and Labels[i] negated.
	Flipped []bool
}

// Len returns the number of examples in the batch.
func (b Batch) Len() int { return len(b.Images) }
