package model

import (
	"math"
	"os"
	"reflect"
	"time"

	"github.com/Noofbiz/steering/datasets"
	"github.com/Noofbiz/steering/generator"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultLearningRate of the Adam optimizer.
const DefaultLearningRate = 1e-4

// Config holds the training parameters. Zero values select the defaults.
type Config struct {
	// Backend used to compile and run the graphs. If nil backends.MustNew() is used.
	Backend backends.Backend

	// LearningRate of the Adam optimizer. Default DefaultLearningRate.
	LearningRate float64

	// Seed for variable initialization and dropout. Zero means a random seed.
	Seed int64

	// Dest is the output path prefix: weights go to WeightsDir(Dest) and the
	// architecture descriptor to DescriptorPath(Dest). Required by Save.
	Dest string

	// LoadWeights resumes from the weights already stored under Dest.
	LoadWeights bool

	// KeepCheckpoints is how many checkpoints to keep in the weights directory. Default 1.
	KeepCheckpoints int

	// ProgressBar attaches a progress bar to the training loop.
	ProgressBar bool
}

func (c Config) withDefaults() Config {
	if c.LearningRate <= 0 {
		c.LearningRate = DefaultLearningRate
	}
	if c.KeepCheckpoints <= 0 {
		c.KeepCheckpoints = 1
	}
	return c
}

// WeightsDir returns the checkpoint directory for the output prefix dest.
func WeightsDir(dest string) string { return dest + "_weights" }

// DescriptorPath returns the architecture descriptor path for the output prefix dest.
func DescriptorPath(dest string) string { return dest + ".json" }

// Trainer fits an Architecture with Adam on the mean squared error.
type Trainer struct {
	cfg        Config
	arch       Architecture
	backend    backends.Backend
	ctx        *context.Context
	trainer    *train.Trainer
	checkpoint *checkpoints.Handler
}

// History records the mean losses of every epoch run by Fit.
// ValidationLoss is empty when no validation dataset was given.
type History struct {
	TrainLoss      []float64
	ValidationLoss []float64
}

// FitOptions configures Trainer.Fit.
type FitOptions struct {
	// StepsPerEpoch is the number of batches pulled from the source per epoch.
	StepsPerEpoch int

	// Epochs to run.
	Epochs int

	// Validation is evaluated at the end of every epoch, if set.
	Validation train.Dataset

	// ValidationSteps bounds the number of validation batches per evaluation.
	// It is required when Validation is a generator.Generator, which never returns io.EOF.
	ValidationSteps int
}

// NewTrainer creates the gomlx context and trainer for arch.
//
// If cfg.Dest is set, the weights directory is prepared there. An existing
// directory with weights is only accepted with cfg.LoadWeights, in which case
// training resumes from them, and the stored descriptor (if any) must match arch.
func NewTrainer(cfg Config, arch Architecture) (*Trainer, error) {
	if err := arch.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	backend := cfg.Backend
	if backend == nil {
		backend = backends.MustNew()
	}

	ctx := context.New()
	ctx.SetParam(optimizers.ParamLearningRate, cfg.LearningRate)
	if cfg.Seed != 0 {
		ctx.SetParam(context.ParamInitialSeed, cfg.Seed)
	}
	t := &Trainer{cfg: cfg, arch: arch, backend: backend, ctx: ctx}

	if cfg.Dest == "" {
		if cfg.LoadWeights {
			return nil, errors.Wrap(datasets.ErrConfiguration, "can't load weights without a destination")
		}
	} else if err := t.openWeights(); err != nil {
		return nil, err
	}

	modelCtx := ctx.In("model")
	t.trainer = train.NewTrainer(backend, modelCtx, arch.ModelFn(),
		losses.MeanSquaredError,
		optimizers.Adam().LearningRate(cfg.LearningRate).Done(),
		nil, // trainMetrics
		nil) // evalMetrics
	if step := optimizers.GetGlobalStep(ctx); step > 0 {
		klog.Infof("Resuming training of %q from global step %d", arch.Name, step)
		t.trainer.SetContext(modelCtx.Reuse())
	}
	klog.V(1).Infof("Backend %q: %s", backend.Name(), backend.Description())
	klog.V(1).Info(arch.Summary())
	return t, nil
}

// openWeights checks the state of the weights directory and attaches the
// checkpoint handler, loading existing weights when resuming.
func (t *Trainer) openWeights() error {
	dir := WeightsDir(t.cfg.Dest)
	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to read weights directory %s", dir)
	}
	hasWeights := len(entries) > 0
	switch {
	case hasWeights && !t.cfg.LoadWeights:
		return errors.Wrapf(datasets.ErrConfiguration,
			"%s already holds weights: resume from them or choose another destination", dir)
	case !hasWeights && t.cfg.LoadWeights:
		return errors.Wrapf(datasets.ErrConfiguration, "no weights to load in %s", dir)
	}
	if t.cfg.LoadWeights {
		descriptor := DescriptorPath(t.cfg.Dest)
		if _, err := os.Stat(descriptor); err == nil {
			stored, err := ReadArchitecture(descriptor)
			if err != nil {
				return err
			}
			if !reflect.DeepEqual(stored, t.arch) {
				return errors.Wrapf(datasets.ErrConfiguration,
					"stored architecture in %s doesn't match %q", descriptor, t.arch.Name)
			}
		}
	}
	t.checkpoint, err = checkpoints.Build(t.ctx).Dir(dir).Keep(t.cfg.KeepCheckpoints).Done()
	if err != nil {
		return errors.WithMessagef(err, "failed to open weights directory %s", dir)
	}
	return nil
}

// Architecture returns the architecture being trained.
func (t *Trainer) Architecture() Architecture { return t.arch }

// GlobalStep returns the number of optimizer steps taken so far, including
// those of a resumed run.
func (t *Trainer) GlobalStep() int64 { return optimizers.GetGlobalStep(t.ctx) }

// Fit trains for opts.Epochs epochs of opts.StepsPerEpoch batches pulled from
// source, which must never run out (see generator.Generator). After every
// epoch the mean training loss, and the mean loss over the validation
// dataset if one is given, are appended to the returned History.
func (t *Trainer) Fit(source train.Dataset, opts FitOptions) (History, error) {
	var hist History
	if opts.StepsPerEpoch <= 0 || opts.Epochs <= 0 {
		return hist, errors.Wrapf(datasets.ErrConfiguration,
			"steps per epoch (%d) and epochs (%d) must be positive", opts.StepsPerEpoch, opts.Epochs)
	}
	if _, endless := opts.Validation.(*generator.Generator); endless && opts.ValidationSteps <= 0 {
		return hist, errors.Wrapf(datasets.ErrConfiguration,
			"validation steps must be positive for the endless %q generator, got %d", opts.Validation.Name(), opts.ValidationSteps)
	}
	validation := opts.Validation
	if validation != nil && opts.ValidationSteps > 0 {
		validation = generator.NewBounded(validation, opts.ValidationSteps)
	}

	loop := train.NewLoop(t.trainer)
	if t.cfg.ProgressBar {
		commandline.AttachProgressBar(loop)
	}
	var lossSum float64
	var lossCount int
	loop.OnStep("steering_epoch_loss", 0, func(_ *train.Loop, metrics []*tensors.Tensor) error {
		if len(metrics) > 0 {
			lossSum += float64(tensors.ToScalar[float32](metrics[0]))
			lossCount++
		}
		return nil
	})

	for epoch := range opts.Epochs {
		start := time.Now()
		lossSum, lossCount = 0, 0
		if _, err := loop.RunSteps(source, opts.StepsPerEpoch); err != nil {
			return hist, errors.WithMessagef(err, "epoch %d/%d", epoch+1, opts.Epochs)
		}
		trainLoss := math.NaN()
		if lossCount > 0 {
			trainLoss = lossSum / float64(lossCount)
		}
		hist.TrainLoss = append(hist.TrainLoss, trainLoss)

		if validation == nil {
			klog.Infof("Epoch %d/%d: train loss %.5f (%s)", epoch+1, opts.Epochs, trainLoss, time.Since(start).Round(time.Millisecond))
			continue
		}
		validation.Reset()
		var metrics []*tensors.Tensor
		err := exceptions.TryCatch[error](func() { metrics = t.trainer.Eval(validation) })
		if err != nil {
			return hist, errors.WithMessagef(err, "epoch %d/%d: validation", epoch+1, opts.Epochs)
		}
		valLoss := float64(tensors.ToScalar[float32](metrics[0]))
		hist.ValidationLoss = append(hist.ValidationLoss, valLoss)
		klog.Infof("Epoch %d/%d: train loss %.5f, validation loss %.5f (%s)",
			epoch+1, opts.Epochs, trainLoss, valLoss, time.Since(start).Round(time.Millisecond))
	}
	return hist, nil
}

// Save writes the weights checkpoint and the architecture descriptor under cfg.Dest.
func (t *Trainer) Save() error {
	if t.checkpoint == nil {
		return errors.Wrap(datasets.ErrConfiguration, "no destination configured to save the model")
	}
	if err := t.checkpoint.Save(); err != nil {
		return errors.WithMessagef(err, "failed to save weights to %s", t.checkpoint.Dir())
	}
	if err := t.arch.WriteFile(DescriptorPath(t.cfg.Dest)); err != nil {
		return err
	}
	klog.Infof("Saved model to %s (weights) and %s (architecture)", t.checkpoint.Dir(), DescriptorPath(t.cfg.Dest))
	return nil
}
