package datasets

import (
	"math"
	"math/rand"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/numpy"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Load reads the features and labels .npy files and returns a validated Dataset.
//
// Features must be shaped [N, rows, cols, 3]. uint8 arrays are used as is;
// floating point and integer arrays must hold integral values in [0, 255].
// Labels must be shaped [N] or [N, 1] and are converted to float32.
func Load(featuresPath, labelsPath string) (*Dataset, error) {
	features, err := numpy.FromNpyFile(featuresPath)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to load features from %s", featuresPath)
	}
	labels, err := numpy.FromNpyFile(labelsPath)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to load labels from %s", labelsPath)
	}
	ds, err := FromTensors(features, labels)
	if err != nil {
		return nil, errors.WithMessagef(err, "features %s, labels %s", featuresPath, labelsPath)
	}
	rows, cols := ds.ImageShape()
	klog.Infof("Loaded %s examples of %dx%d images (%s of pixel data)",
		humanize.Comma(int64(ds.Len())), rows, cols, humanize.Bytes(uint64(ds.Len()*rows*cols*Channels)))
	return ds, nil
}

// FromTensors builds a Dataset out of a features tensor [N, rows, cols, 3] and
// a labels tensor [N] or [N, 1].
func FromTensors(features, labels *tensors.Tensor) (*Dataset, error) {
	fDims := features.Shape().Dimensions
	if len(fDims) != 4 || fDims[3] != Channels {
		return nil, errors.Wrapf(ErrDataContract, "features must be shaped [N, rows, cols, %d], got %s",
			Channels, features.Shape())
	}
	lDims := labels.Shape().Dimensions
	if len(lDims) == 0 || len(lDims) > 2 || (len(lDims) == 2 && lDims[1] != 1) {
		return nil, errors.Wrapf(ErrDataContract, "labels must be shaped [N] or [N, 1], got %s", labels.Shape())
	}
	if fDims[0] != lDims[0] {
		return nil, errors.Wrapf(ErrDataContract, "%d feature rows but %d labels", fDims[0], lDims[0])
	}

	pix, err := flatPixels(features)
	if err != nil {
		return nil, err
	}
	angles, err := flatLabels(labels)
	if err != nil {
		return nil, err
	}

	n, rows, cols := fDims[0], fDims[1], fDims[2]
	imgSize := rows * cols * Channels
	ds := &Dataset{
		Images: make([]Image, n),
		Labels: angles,
	}
	for i := range n {
		ds.Images[i] = Image{Rows: rows, Cols: cols, Pix: pix[i*imgSize : (i+1)*imgSize]}
	}
	if err := ds.Validate(); err != nil {
		return nil, err
	}
	return ds, nil
}

// flatPixels copies the features tensor into a single uint8 buffer.
func flatPixels(t *tensors.Tensor) ([]uint8, error) {
	out := make([]uint8, t.Size())
	var convErr error
	toByte := func(i int, v float64) {
		if convErr != nil {
			return
		}
		if math.IsNaN(v) || v < 0 || v > 255 || v != math.Trunc(v) {
			convErr = errors.Wrapf(ErrDataContract, "pixel value %g at flat index %d is not an integer in [0, 255]", v, i)
			return
		}
		out[i] = uint8(v)
	}
	t.ConstFlatData(func(flat any) {
		switch data := flat.(type) {
		case []uint8:
			copy(out, data)
		case []float32:
			for i, v := range data {
				toByte(i, float64(v))
			}
		case []float64:
			for i, v := range data {
				toByte(i, v)
			}
		case []int32:
			for i, v := range data {
				toByte(i, float64(v))
			}
		case []int64:
			for i, v := range data {
				toByte(i, float64(v))
			}
		default:
			convErr = errors.Wrapf(ErrDataContract, "unsupported features dtype %s", t.DType())
		}
	})
	return out, convErr
}

// flatLabels copies the labels tensor into a float32 slice.
func flatLabels(t *tensors.Tensor) ([]float32, error) {
	out := make([]float32, t.Size())
	var convErr error
	t.ConstFlatData(func(flat any) {
		switch data := flat.(type) {
		case []float32:
			copy(out, data)
		case []float64:
			for i, v := range data {
				out[i] = float32(v)
			}
		case []int32:
			for i, v := range data {
				out[i] = float32(v)
			}
		case []int64:
			for i, v := range data {
				out[i] = float32(v)
			}
		default:
			convErr = errors.Wrapf(ErrDataContract, "unsupported labels dtype %s", t.DType())
		}
	})
	return out, convErr
}

// Split partitions ds into a training and a validation Dataset.
//
// valFraction of the examples (rounded up) go to validation, chosen by a
// permutation seeded with seed, so the split is reproducible. The source
// dataset is left untouched.
func Split(ds *Dataset, valFraction float64, seed int64) (train, val *Dataset, err error) {
	if valFraction < 0 || valFraction >= 1 {
		return nil, nil, errors.Wrapf(ErrConfiguration, "validation fraction must be in [0, 1), got %g", valFraction)
	}
	if len(ds.Images) != len(ds.Labels) {
		return nil, nil, errors.Wrapf(ErrDataContract, "dataset has %d images but %d labels", len(ds.Images), len(ds.Labels))
	}
	n := ds.Len()
	numVal := int(math.Ceil(float64(n) * valFraction))
	if numVal >= n && n > 0 {
		return nil, nil, errors.Wrapf(ErrConfiguration, "validation fraction %g leaves no training examples out of %d", valFraction, n)
	}

	perm := rand.New(rand.NewSource(seed)).Perm(n)
	pick := func(indices []int) *Dataset {
		out := &Dataset{
			Images: make([]Image, len(indices)),
			Labels: make([]float32, len(indices)),
		}
		for i, idx := range indices {
			out.Images[i] = ds.Images[idx]
			out.Labels[i] = ds.Labels[idx]
		}
		return out
	}
	return pick(perm[numVal:]), pick(perm[:numVal]), nil
}

// Tensors converts a Batch into gomlx tensors: images as float32 shaped
// [batch, rows, cols, 3] holding raw 0-255 values, and labels shaped [batch, 1].
func (b Batch) Tensors() (images, labels *tensors.Tensor, err error) {
	if len(b.Images) != len(b.Labels) {
		return nil, nil, errors.Wrapf(ErrDataContract, "batch has %d images but %d labels", len(b.Images), len(b.Labels))
	}
	if len(b.Images) == 0 {
		return nil, nil, errors.Wrap(ErrDataContract, "can't convert an empty batch to tensors")
	}
	rows, cols := b.Images[0].Rows, b.Images[0].Cols
	imgSize := rows * cols * Channels
	flat := make([]float32, len(b.Images)*imgSize)
	for i, img := range b.Images {
		if err := img.Validate(); err != nil {
			return nil, nil, errors.WithMessagef(err, "batch image %d", i)
		}
		if !img.SameShape(b.Images[0]) {
			return nil, nil, errors.Wrapf(ErrDataContract, "batch image %d is %dx%d, image 0 is %dx%d",
				i, img.Rows, img.Cols, rows, cols)
		}
		dst := flat[i*imgSize : (i+1)*imgSize]
		for j, v := range img.Pix {
			dst[j] = float32(v)
		}
	}
	angles := make([]float32, len(b.Labels))
	copy(angles, b.Labels)
	images = tensors.FromFlatDataAndDimensions(flat, len(b.Images), rows, cols, Channels)
	labels = tensors.FromFlatDataAndDimensions(angles, len(b.Labels), 1)
	return images, labels, nil
}
