package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/Noofbiz/steering/datasets"
	"github.com/Noofbiz/steering/generator"
	"github.com/Noofbiz/steering/model"
	"github.com/Noofbiz/steering/report"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"
)

var (
	trainConfig      Config
	tunablesPath     string
	printEffective   bool
	trainProgressBar bool
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train the steering network and save its weights and architecture",
	Long: `Loads the features and labels arrays, holds out a validation split, and trains
the network on batches of randomly flipped and brightness-adjusted images.
Weights are written to <destfile>_weights/ and the architecture to <destfile>.json.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := trainConfig
		if tunablesPath != "" {
			if err := loadTunables(&cfg, tunablesPath, flagChanged(cmd.Flags())); err != nil {
				return err
			}
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		if printEffective {
			data, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return errors.Wrap(err, "failed to encode effective configuration")
			}
			fmt.Println(string(data))
			return nil
		}
		return runTrain(cfg)
	},
}

func initTrain() {
	rootCmd.AddCommand(trainCmd)
	flags := trainCmd.Flags()
	flags.StringVar(&trainConfig.Features, "features", "",
		"Features .npy file, shaped [N, rows, cols, 3]. If empty it's searched for in --data-dir")
	flags.StringVar(&trainConfig.Labels, "labels", "",
		"Labels .npy file, shaped [N] or [N, 1]. If empty it's searched for in --data-dir")
	flags.StringVar(&trainConfig.DataDir, "data-dir", "",
		"Directory holding "+datasets.DefaultFeaturesFile+" and "+datasets.DefaultLabelsFile+
			" (default: search "+datasets.DefaultDataDir+" and its parents)")
	flags.IntVar(&trainConfig.BatchSize, flagBatch, 256, "Batch size")
	flags.IntVar(&trainConfig.Epochs, flagEpoch, 4, "Number of epochs")
	flags.IntVar(&trainConfig.EpochSize, flagEpochSize, 10000, "Number of examples per epoch")
	flags.Float64Var(&trainConfig.LearningRate, flagLearningRate, model.DefaultLearningRate, "Adam learning rate")
	flags.Int64Var(&trainConfig.Seed, flagSeed, 0, "Seed for shuffling, augmentation and initialization (0 = random)")
	flags.StringVar(&trainConfig.Shuffle, flagShuffle, "batch",
		"When to reshuffle the training set, one of [batch, pass]")
	flags.BoolVar(&trainConfig.SkipValidate, flagSkipValidate, false, "Skip validation at the end of each epoch")
	flags.Float64Var(&trainConfig.ValFraction, flagValFraction, 0.1, "Fraction of the examples held out for validation")
	flags.IntVar(&trainConfig.ValSamples, flagValSamples, 800, "Number of validation examples evaluated per epoch")
	flags.Int64Var(&trainConfig.SplitSeed, flagSplitSeed, 0, "Seed of the train/validation split")
	flags.StringVar(&trainConfig.DestFile, flagDestFile, "models/generator_11",
		"Output prefix: weights go to <destfile>_weights/, architecture to <destfile>.json")
	flags.BoolVar(&trainConfig.LoadWeights, flagLoadWeights, false, "Resume from the weights stored under --destfile")
	flags.StringVar(&trainConfig.PlotsDir, flagPlots, "", "If set, write the loss curve to this directory")
	flags.StringVar(&tunablesPath, "config", "",
		"JSON tunables file; its values apply to flags not set explicitly. Created with defaults if missing")
	flags.BoolVar(&printEffective, "print-effective-config", false,
		"Print the effective (flags + tunables) configuration and exit")
	flags.BoolVar(&trainProgressBar, "progress", true, "Show a progress bar while training")
}

func flagChanged(flags *pflag.FlagSet) func(string) bool {
	return func(name string) bool {
		f := flags.Lookup(name)
		return f != nil && f.Changed
	}
}

// loadDataset resolves the arrays' location and loads them.
func loadDataset(features, labels, dataDir string) (*datasets.Dataset, error) {
	if features == "" || labels == "" {
		foundFeatures, foundLabels, err := datasets.FindArrays(dataDir)
		if err != nil {
			return nil, errors.WithMessage(err, "use --features and --labels to point to the arrays")
		}
		if features == "" {
			features = foundFeatures
		}
		if labels == "" {
			labels = foundLabels
		}
	}
	return datasets.Load(features, labels)
}

func runTrain(cfg Config) error {
	ds, err := loadDataset(cfg.Features, cfg.Labels, cfg.DataDir)
	if err != nil {
		return err
	}
	valFraction := cfg.ValFraction
	if cfg.SkipValidate {
		valFraction = 0
	}
	trainDS, valDS, err := datasets.Split(ds, valFraction, cfg.SplitSeed)
	if err != nil {
		return err
	}
	klog.Infof("Training on %s examples, validating on %s",
		humanize.Comma(int64(trainDS.Len())), humanize.Comma(int64(valDS.Len())))

	shuffle, err := cfg.ShuffleMode()
	if err != nil {
		return err
	}
	source, err := generator.New(trainDS, generator.Config{
		Name:        "train",
		BatchSize:   cfg.BatchSize,
		NumPerEpoch: cfg.EpochSize,
		Seed:        cfg.Seed,
		Augment:     true,
		Shuffle:     shuffle,
	})
	if err != nil {
		return errors.WithMessage(err, "training batches")
	}
	defer func() { _ = source.Close() }()

	opts := model.FitOptions{StepsPerEpoch: cfg.StepsPerEpoch(), Epochs: cfg.Epochs}
	if valDS.Len() > 0 {
		// A small validation split still gets evaluated, in smaller batches.
		valBatch := min(cfg.BatchSize, valDS.Len())
		valSeed := cfg.Seed
		if valSeed != 0 {
			valSeed++
		}
		validation, err := generator.New(valDS, generator.Config{
			Name:        "validation",
			BatchSize:   valBatch,
			NumPerEpoch: cfg.EpochSize,
			Seed:        valSeed,
			Augment:     true,
			Shuffle:     shuffle,
		})
		if err != nil {
			return errors.WithMessage(err, "validation batches")
		}
		defer func() { _ = validation.Close() }()
		opts.Validation = validation
		opts.ValidationSteps = cfg.ValidationSteps(valBatch)
	}

	arch := model.SteeringCNN()
	if rows, cols := ds.ImageShape(); rows != arch.InputShape[0] || cols != arch.InputShape[1] {
		klog.Warningf("Images are %dx%d, adapting the network input from %dx%d", rows, cols, arch.InputShape[0], arch.InputShape[1])
		arch = arch.WithInput(rows, cols)
	}
	trainer, err := model.NewTrainer(model.Config{
		LearningRate: cfg.LearningRate,
		Seed:         cfg.Seed,
		Dest:         cfg.DestFile,
		LoadWeights:  cfg.LoadWeights,
		ProgressBar:  trainProgressBar,
	}, arch)
	if err != nil {
		return err
	}

	klog.Infof("Training %d epochs of %d batches of %d (validation: %d batches)",
		opts.Epochs, opts.StepsPerEpoch, cfg.BatchSize, opts.ValidationSteps)
	hist, err := trainer.Fit(source, opts)
	if err != nil {
		return err
	}
	stats := source.Stats()
	klog.Infof("Served %s training batches over %s passes", humanize.Comma(int64(stats.Batches)), humanize.Comma(int64(stats.Passes)))

	if err := trainer.Save(); err != nil {
		return err
	}
	if cfg.PlotsDir != "" {
		out := filepath.Join(cfg.PlotsDir, "loss.png")
		if err := report.LossCurve(out, hist); err != nil {
			return err
		}
		klog.Infof("Wrote loss curve to %s", out)
	}
	return nil
}
