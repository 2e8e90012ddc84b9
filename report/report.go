// Package report renders training diagnostics as PNG files: loss curves,
// steering-angle histograms and side-by-side previews of augmented images.
package report

import (
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"

	"github.com/Noofbiz/steering/datasets"
	"github.com/Noofbiz/steering/model"
	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

var (
	trainColor      = color.RGBA{R: 20, G: 80, B: 200, A: 255}
	validationColor = color.RGBA{R: 200, G: 30, B: 30, A: 255}

	// seriesColors cycles for histograms with several series.
	seriesColors = []color.RGBA{
		{R: 120, G: 120, B: 120, A: 160},
		{R: 20, G: 80, B: 200, A: 140},
		{R: 200, G: 30, B: 30, A: 140},
		{R: 40, G: 120, B: 40, A: 140},
	}
)

// LossCurve writes a line chart of the per-epoch training loss (blue) and, if
// recorded, validation loss (red). Epochs with a NaN loss are skipped.
func LossCurve(outPath string, hist model.History) error {
	train := epochPoints(hist.TrainLoss)
	if len(train) == 0 {
		return errors.New("loss curve: no finite training loss to plot")
	}
	p := plot.New()
	p.Title.Text = "Loss per epoch: train (blue), validation (red)"
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = "mean squared error"
	p.Add(plotter.NewGrid())

	all := train
	if err := addLine(p, "train", train, trainColor); err != nil {
		return err
	}
	if val := epochPoints(hist.ValidationLoss); len(val) > 0 {
		if err := addLine(p, "validation", val, validationColor); err != nil {
			return err
		}
		all = append(append(plotter.XYs{}, train...), val...)
	}
	p.X.Min, p.X.Max, p.Y.Min, p.Y.Max = autoRange(all)
	return save(p, outPath)
}

func addLine(p *plot.Plot, name string, xys plotter.XYs, c color.Color) error {
	line, points, err := plotter.NewLinePoints(xys)
	if err != nil {
		return errors.Wrapf(err, "failed to plot %s loss", name)
	}
	line.Color = c
	line.Width = vg.Points(1.2)
	points.GlyphStyle.Color = c
	points.GlyphStyle.Radius = vg.Points(2)
	p.Add(line, points)
	p.Legend.Add(name, line, points)
	return nil
}

// epochPoints maps losses to (epoch, loss) points, epochs starting at 1.
func epochPoints(losses []float64) plotter.XYs {
	xys := make(plotter.XYs, 0, len(losses))
	for i, v := range losses {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		xys = append(xys, plotter.XY{X: float64(i + 1), Y: v})
	}
	return xys
}

// AngleSeries is a named set of steering angles for AngleHistogram.
type AngleSeries struct {
	Name   string
	Angles []float32
}

// AngleHistogram writes overlaid histograms of steering angles, one per
// non-empty series, e.g. the raw dataset against an augmented batch.
func AngleHistogram(outPath string, bins int, series ...AngleSeries) error {
	if bins <= 0 {
		bins = 20
	}
	p := plot.New()
	p.Title.Text = "Steering angles"
	p.X.Label.Text = "angle"
	p.Y.Label.Text = "count"
	plotted := 0
	for i, s := range series {
		if len(s.Angles) == 0 {
			continue
		}
		values := make(plotter.Values, len(s.Angles))
		for j, a := range s.Angles {
			values[j] = float64(a)
		}
		h, err := plotter.NewHist(values, bins)
		if err != nil {
			return errors.Wrapf(err, "failed to build histogram for %q", s.Name)
		}
		h.FillColor = seriesColors[i%len(seriesColors)]
		h.LineStyle.Width = vg.Points(0.5)
		p.Add(h)
		p.Legend.Add(s.Name, h)
		plotted++
	}
	if plotted == 0 {
		return errors.New("angle histogram: no angles to plot")
	}
	return save(p, outPath)
}

// PreviewScale is how much each image is enlarged in PreviewGrid.
const PreviewScale = 2

// PreviewGrid writes a PNG with one row per example: the original image on
// the left, its augmented version on the right.
func PreviewGrid(outPath string, originals, augmented []datasets.Image) error {
	if len(originals) != len(augmented) {
		return errors.Wrapf(datasets.ErrDataContract, "preview needs pairs: %d originals, %d augmented",
			len(originals), len(augmented))
	}
	if len(originals) == 0 {
		return errors.New("preview: no images")
	}
	const gap = 4
	rows, cols := originals[0].Rows*PreviewScale, originals[0].Cols*PreviewScale
	canvas := imaging.New(2*cols+3*gap, len(originals)*(rows+gap)+gap, color.White)
	for i := range originals {
		for j, img := range []datasets.Image{originals[i], augmented[i]} {
			if err := img.Validate(); err != nil {
				return errors.WithMessagef(err, "preview image %d", i)
			}
			if !img.SameShape(originals[0]) {
				return errors.Wrapf(datasets.ErrDataContract, "preview image %d is %dx%d, expected %dx%d",
					i, img.Rows, img.Cols, originals[0].Rows, originals[0].Cols)
			}
			scaled := imaging.Resize(img.ToNRGBA(), cols, rows, imaging.NearestNeighbor)
			canvas = imaging.Paste(canvas, scaled, image.Pt(gap+j*(cols+gap), gap+i*(rows+gap)))
		}
	}
	if err := ensureDir(filepath.Dir(outPath)); err != nil {
		return err
	}
	if err := imaging.Save(canvas, outPath); err != nil {
		return errors.Wrapf(err, "failed to write preview to %s", outPath)
	}
	return nil
}

func save(p *plot.Plot, outPath string) error {
	if err := ensureDir(filepath.Dir(outPath)); err != nil {
		return err
	}
	if err := p.Save(8*vg.Inch, 6*vg.Inch, outPath); err != nil {
		return errors.Wrapf(err, "failed to save plot to %s", outPath)
	}
	return nil
}

// autoRange computes padded min/max for X and Y for a set of points.
func autoRange(xs plotter.XYs) (xmin, xmax, ymin, ymax float64) {
	if len(xs) == 0 {
		return -1, 1, -1, 1
	}
	xmin, xmax = math.Inf(1), math.Inf(-1)
	ymin, ymax = math.Inf(1), math.Inf(-1)
	for _, p := range xs {
		xmin, xmax = math.Min(xmin, p.X), math.Max(xmax, p.X)
		ymin, ymax = math.Min(ymin, p.Y), math.Max(ymax, p.Y)
	}
	padx := (xmax - xmin) * 0.06
	pady := (ymax - ymin) * 0.06
	if padx == 0 {
		padx = 1.0
	}
	if pady == 0 {
		pady = 1.0
	}
	return xmin - padx, xmax + padx, ymin - pady, ymax + pady
}

func ensureDir(path string) error {
	if path == "" || path == "." {
		return nil
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory %s", path)
	}
	return nil
}
