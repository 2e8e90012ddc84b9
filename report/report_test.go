package report

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/Noofbiz/steering/datasets"
	"github.com/Noofbiz/steering/model"
	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/plot/plotter"
)

func TestLossCurve(t *testing.T) {
	out := filepath.Join(t.TempDir(), "plots", "loss.png")
	hist := model.History{
		TrainLoss:      []float64{0.4, 0.2, math.NaN(), 0.1},
		ValidationLoss: []float64{0.5, 0.3, 0.25, 0.2},
	}
	require.NoError(t, LossCurve(out, hist))
	info, err := os.Stat(out)
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	assert.Error(t, LossCurve(out, model.History{TrainLoss: []float64{math.NaN()}}))
}

func TestAngleHistogram(t *testing.T) {
	out := filepath.Join(t.TempDir(), "angles.png")
	require.NoError(t, AngleHistogram(out, 0,
		AngleSeries{Name: "dataset", Angles: []float32{-0.2, 0, 0, 0.1, 0.3}},
		AngleSeries{Name: "empty"},
		AngleSeries{Name: "augmented", Angles: []float32{0.2, 0, 0, -0.1, -0.3}},
	))
	_, err := os.Stat(out)
	require.NoError(t, err)

	assert.Error(t, AngleHistogram(out, 10, AngleSeries{Name: "empty"}))
}

func TestPreviewGrid(t *testing.T) {
	original := datasets.NewImage(3, 5)
	original.Set(0, 0, 255, 0, 0)
	augmented := datasets.NewImage(3, 5)
	augmented.Set(0, 0, 0, 0, 255)

	out := filepath.Join(t.TempDir(), "preview.png")
	require.NoError(t, PreviewGrid(out, []datasets.Image{original, original}, []datasets.Image{augmented, augmented}))

	img, err := imaging.Open(out)
	require.NoError(t, err)
	const gap = 4
	cols, rows := 5*PreviewScale, 3*PreviewScale
	assert.Equal(t, 2*cols+3*gap, img.Bounds().Dx())
	assert.Equal(t, 2*(rows+gap)+gap, img.Bounds().Dy())

	r, _, b, _ := img.At(gap, gap).RGBA()
	assert.Equal(t, uint32(0xffff), r)
	assert.Equal(t, uint32(0), b)
	r, _, b, _ = img.At(2*gap+cols, gap).RGBA()
	assert.Equal(t, uint32(0), r)
	assert.Equal(t, uint32(0xffff), b)

	assert.ErrorIs(t, PreviewGrid(out, []datasets.Image{original}, nil), datasets.ErrDataContract)
	assert.ErrorIs(t, PreviewGrid(out, []datasets.Image{original}, []datasets.Image{datasets.NewImage(2, 2)}),
		datasets.ErrDataContract)
}

func TestAutoRange(t *testing.T) {
	xmin, xmax, ymin, ymax := autoRange(plotter.XYs{{X: 1, Y: 2}, {X: 3, Y: 2}})
	assert.InDelta(t, 1-0.12, xmin, 1e-9)
	assert.InDelta(t, 3+0.12, xmax, 1e-9)
	assert.Equal(t, 1.0, ymin)
	assert.Equal(t, 3.0, ymax)

	xmin, xmax, ymin, ymax = autoRange(nil)
	assert.Equal(t, []float64{-1, 1, -1, 1}, []float64{xmin, xmax, ymin, ymax})
}
