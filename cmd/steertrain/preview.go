package main

import (
	"math/rand"
	"path/filepath"
	"time"

	"github.com/Noofbiz/steering/augment"
	"github.com/Noofbiz/steering/datasets"
	"github.com/Noofbiz/steering/generator"
	"github.com/Noofbiz/steering/report"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

var previewConfig struct {
	features, labels, dataDir string
	outDir                    string
	count                     int
	batch                     int
	seed                      int64
}

var previewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Write images and a histogram showing what augmentation does to the data",
	Long: `Picks a few examples and writes preview.png with each original image next to
its flipped and brightness-adjusted version, and angles.png comparing the
steering angles of the dataset with those of one augmented batch.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPreview()
	},
}

func initPreview() {
	rootCmd.AddCommand(previewCmd)
	flags := previewCmd.Flags()
	flags.StringVar(&previewConfig.features, "features", "", "Features .npy file")
	flags.StringVar(&previewConfig.labels, "labels", "", "Labels .npy file")
	flags.StringVar(&previewConfig.dataDir, "data-dir", "", "Directory holding the arrays")
	flags.StringVarP(&previewConfig.outDir, "out", "o", "plots", "Output directory")
	flags.IntVarP(&previewConfig.count, "count", "n", 2, "Number of examples in the image preview")
	flags.IntVar(&previewConfig.batch, flagBatch, 256, "Size of the augmented batch for the histogram")
	flags.Int64Var(&previewConfig.seed, flagSeed, 0, "Random seed (0 = random)")
}

func runPreview() error {
	cfg := previewConfig
	ds, err := loadDataset(cfg.features, cfg.labels, cfg.dataDir)
	if err != nil {
		return err
	}
	if cfg.count <= 0 || cfg.count > ds.Len() {
		return errors.Wrapf(datasets.ErrConfiguration, "--count must be in [1, %d], got %d", ds.Len(), cfg.count)
	}

	seed := cfg.seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))
	aug := augment.NewWithRand(rng)
	originals := make([]datasets.Image, cfg.count)
	for i, idx := range rng.Perm(ds.Len())[:cfg.count] {
		originals[i] = ds.Images[idx]
	}
	flipped, err := augment.FlipImages(originals)
	if err != nil {
		return err
	}
	adjusted, err := aug.AdjustBrightness(flipped)
	if err != nil {
		return err
	}
	previewPath := filepath.Join(cfg.outDir, "preview.png")
	if err := report.PreviewGrid(previewPath, originals, adjusted); err != nil {
		return err
	}
	klog.Infof("Wrote %d image pairs to %s", cfg.count, previewPath)

	gen, err := generator.New(ds, generator.Config{Name: "preview", BatchSize: min(cfg.batch, ds.Len()), Seed: seed, Augment: true})
	if err != nil {
		return err
	}
	defer func() { _ = gen.Close() }()
	batch, err := gen.Next()
	if err != nil {
		return err
	}
	anglesPath := filepath.Join(cfg.outDir, "angles.png")
	if err := report.AngleHistogram(anglesPath, 0,
		report.AngleSeries{Name: "dataset", Angles: ds.Labels},
		report.AngleSeries{Name: "augmented batch", Angles: batch.Labels},
	); err != nil {
		return err
	}
	klog.Infof("Wrote steering angle histogram to %s", anglesPath)
	return nil
}
