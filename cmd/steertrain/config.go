package main

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"

	"github.com/Noofbiz/steering/datasets"
	"github.com/Noofbiz/steering/generator"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// defaultTunablesJSON is written to --config when the file doesn't exist yet,
// so the available knobs are discoverable on disk. Values in a tunables file
// apply only to flags left unset on the command line.
const defaultTunablesJSON = `{
  "tunables": {
    "training": {
      "batch_size": 256,
      "epochs": 4,
      "epoch_size": 10000,
      "learning_rate": 0.0001,
      "seed": 0,
      "shuffle": "batch"
    },
    "validation": {
      "skip": false,
      "fraction": 0.1,
      "samples": 800,
      "split_seed": 0
    },
    "output": {
      "dest_file": "models/generator_11",
      "load_weights": false,
      "plots_dir": ""
    }
  }
}
`

// Config holds the effective settings of the train command.
type Config struct {
	Features string `json:"features"`
	Labels   string `json:"labels"`
	DataDir  string `json:"data_dir"`

	BatchSize    int     `json:"batch_size"`
	Epochs       int     `json:"epochs"`
	EpochSize    int     `json:"epoch_size"`
	LearningRate float64 `json:"learning_rate"`
	Seed         int64   `json:"seed"`
	Shuffle      string  `json:"shuffle"`

	SkipValidate bool    `json:"skip_validate"`
	ValFraction  float64 `json:"val_fraction"`
	ValSamples   int     `json:"val_samples"`
	SplitSeed    int64   `json:"split_seed"`

	DestFile    string `json:"dest_file"`
	LoadWeights bool   `json:"load_weights"`
	PlotsDir    string `json:"plots_dir"`
}

// Flag names, shared by flag registration and tunables merging.
const (
	flagBatch        = "batch"
	flagEpoch        = "epoch"
	flagEpochSize    = "epochsize"
	flagLearningRate = "learning-rate"
	flagSeed         = "seed"
	flagShuffle      = "shuffle"
	flagSkipValidate = "skipvalidate"
	flagValFraction  = "val-fraction"
	flagValSamples   = "val-samples"
	flagSplitSeed    = "split-seed"
	flagDestFile     = "destfile"
	flagLoadWeights  = "loadweights"
	flagPlots        = "plots"
)

// Validate checks the settings before any data is loaded.
func (c *Config) Validate() error {
	switch {
	case c.BatchSize <= 0:
		return errors.Wrapf(datasets.ErrConfiguration, "--%s must be positive, got %d", flagBatch, c.BatchSize)
	case c.Epochs <= 0:
		return errors.Wrapf(datasets.ErrConfiguration, "--%s must be positive, got %d", flagEpoch, c.Epochs)
	case c.EpochSize <= 0:
		return errors.Wrapf(datasets.ErrConfiguration, "--%s must be positive, got %d", flagEpochSize, c.EpochSize)
	case c.ValFraction < 0 || c.ValFraction >= 1:
		return errors.Wrapf(datasets.ErrConfiguration, "--%s must be in [0, 1), got %g", flagValFraction, c.ValFraction)
	case c.DestFile == "":
		return errors.Wrapf(datasets.ErrConfiguration, "--%s is required", flagDestFile)
	}
	if _, err := c.ShuffleMode(); err != nil {
		return err
	}
	return nil
}

// ShuffleMode maps the shuffle setting to the generator's mode.
func (c *Config) ShuffleMode() (generator.ShuffleMode, error) {
	switch c.Shuffle {
	case "", "batch":
		return generator.ReshufflePerBatch, nil
	case "pass":
		return generator.ShufflePerPass, nil
	}
	return 0, errors.Wrapf(datasets.ErrConfiguration, "--%s must be one of [batch, pass], got %q", flagShuffle, c.Shuffle)
}

// StepsPerEpoch is the number of batches needed to see EpochSize examples.
func (c *Config) StepsPerEpoch() int {
	return ceilDiv(c.EpochSize, c.BatchSize)
}

// ValidationSteps is the number of batches of batchSize needed to see ValSamples examples.
func (c *Config) ValidationSteps(batchSize int) int {
	return ceilDiv(max(c.ValSamples, 1), batchSize)
}

func ceilDiv(a, b int) int {
	return int(math.Ceil(float64(a) / float64(b)))
}

// applyTunables merges a tunables JSON document into cfg. A value is applied
// only if changed reports the matching flag as not set on the command line.
func applyTunables(cfg *Config, data []byte, changed func(flag string) bool) error {
	var raw struct {
		Tunables *struct {
			Training *struct {
				BatchSize    *int     `json:"batch_size"`
				Epochs       *int     `json:"epochs"`
				EpochSize    *int     `json:"epoch_size"`
				LearningRate *float64 `json:"learning_rate"`
				Seed         *int64   `json:"seed"`
				Shuffle      *string  `json:"shuffle"`
			} `json:"training"`
			Validation *struct {
				Skip      *bool    `json:"skip"`
				Fraction  *float64 `json:"fraction"`
				Samples   *int     `json:"samples"`
				SplitSeed *int64   `json:"split_seed"`
			} `json:"validation"`
			Output *struct {
				DestFile    *string `json:"dest_file"`
				LoadWeights *bool   `json:"load_weights"`
				PlotsDir    *string `json:"plots_dir"`
			} `json:"output"`
		} `json:"tunables"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.Wrap(err, "failed to decode tunables")
	}
	if raw.Tunables == nil {
		return nil
	}
	if t := raw.Tunables.Training; t != nil {
		setIf(changed, flagBatch, t.BatchSize, &cfg.BatchSize)
		setIf(changed, flagEpoch, t.Epochs, &cfg.Epochs)
		setIf(changed, flagEpochSize, t.EpochSize, &cfg.EpochSize)
		setIf(changed, flagLearningRate, t.LearningRate, &cfg.LearningRate)
		setIf(changed, flagSeed, t.Seed, &cfg.Seed)
		setIf(changed, flagShuffle, t.Shuffle, &cfg.Shuffle)
	}
	if v := raw.Tunables.Validation; v != nil {
		setIf(changed, flagSkipValidate, v.Skip, &cfg.SkipValidate)
		setIf(changed, flagValFraction, v.Fraction, &cfg.ValFraction)
		setIf(changed, flagValSamples, v.Samples, &cfg.ValSamples)
		setIf(changed, flagSplitSeed, v.SplitSeed, &cfg.SplitSeed)
	}
	if o := raw.Tunables.Output; o != nil {
		setIf(changed, flagDestFile, o.DestFile, &cfg.DestFile)
		setIf(changed, flagLoadWeights, o.LoadWeights, &cfg.LoadWeights)
		setIf(changed, flagPlots, o.PlotsDir, &cfg.PlotsDir)
	}
	return nil
}

func setIf[T any](changed func(string) bool, flag string, value *T, dst *T) {
	if value != nil && !changed(flag) {
		*dst = *value
	}
}

// loadTunables reads the tunables file at path into cfg. If the file doesn't
// exist, the default tunables are written there first.
func loadTunables(cfg *Config, path string, changed func(flag string) bool) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return errors.Wrapf(err, "failed to create directory for %s", path)
			}
		}
		if err := os.WriteFile(path, []byte(defaultTunablesJSON), 0o644); err != nil {
			return errors.Wrapf(err, "failed to write default tunables to %s", path)
		}
		klog.Infof("Wrote default tunables to %s", path)
		data = []byte(defaultTunablesJSON)
	} else if err != nil {
		return errors.Wrapf(err, "failed to read tunables from %s", path)
	}
	if err := applyTunables(cfg, data, changed); err != nil {
		return errors.WithMessagef(err, "tunables file %s", path)
	}
	return nil
}
