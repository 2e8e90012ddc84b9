// Package generator produces the stream of augmented training batches.
//
// A Generator owns a private copy of the Dataset it was given and is the only
// one reordering it. Batches are produced lazily, one per pull, in passes of
// `iterations = min(len, NumPerEpoch) / BatchSize` batches; after a pass ends
// the next pull starts a new pass with a fresh shuffle, so Next never runs dry.
//
// Generator also implements gomlx's train.Dataset, so it can be handed to a
// train.Loop directly.
package generator

import (
	"iter"
	"math/rand"
	"sync"
	"time"

	"github.com/Noofbiz/steering/augment"
	"github.com/Noofbiz/steering/datasets"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrClosed is returned by pulls on a closed Generator.
var ErrClosed = errors.New("generator closed")

// ShuffleMode selects when the owned dataset is reshuffled.
type ShuffleMode int

const (
	// ReshufflePerBatch shuffles the whole dataset before slicing every batch.
	ReshufflePerBatch ShuffleMode = iota

	// ShufflePerPass shuffles once at the start of each pass and slices sequentially.
	ShufflePerPass
)

// Config holds the batching parameters.
type Config struct {
	// Name reported to the training loop. Defaults to "generator".
	Name string

	// BatchSize is the number of examples per batch. Required.
	BatchSize int

	// NumPerEpoch caps the number of examples considered per pass. If zero the
	// whole dataset is used.
	NumPerEpoch int

	// Seed controls shuffling and augmentation. If zero, a time-based seed is used.
	Seed int64

	// Augment enables FlipHalf and AdjustBrightness on every batch. When false
	// the generator slices the dataset sequentially without shuffling, the
	// reduced variant used for plain evaluation.
	Augment bool

	// Shuffle selects the shuffling strategy when Augment is set.
	Shuffle ShuffleMode
}

// Stats counts what a Generator has produced so far.
type Stats struct {
	Passes  int
	Batches int
}

// Generator yields batches of a Dataset. A single consumer is expected, but
// pulls are serialized so the shuffle and slice steps never interleave.
type Generator struct {
	cfg        Config
	iterations int

	mu      sync.Mutex
	ds      *datasets.Dataset
	rng     *rand.Rand
	aug     *augment.Augmenter
	step    int // batch index within the current pass
	stats   Stats
	closed  bool
	started bool
}

var _ train.Dataset = (*Generator)(nil)

// New creates a Generator over a private copy of ds.
//
// It fails with datasets.ErrDataContract if ds is inconsistent, and with
// datasets.ErrConfiguration if no batch could ever be produced: empty
// dataset, non-positive batch size, or a batch size larger than the number
// of usable examples per pass.
func New(ds *datasets.Dataset, cfg Config) (*Generator, error) {
	if ds == nil {
		return nil, errors.Wrap(datasets.ErrConfiguration, "dataset is nil")
	}
	if err := ds.Validate(); err != nil {
		return nil, err
	}
	if ds.Len() == 0 {
		return nil, errors.Wrap(datasets.ErrConfiguration, "dataset is empty")
	}
	if cfg.BatchSize <= 0 {
		return nil, errors.Wrapf(datasets.ErrConfiguration, "batch size must be > 0, got %d", cfg.BatchSize)
	}
	if cfg.NumPerEpoch < 0 {
		return nil, errors.Wrapf(datasets.ErrConfiguration, "examples per epoch must be >= 0, got %d", cfg.NumPerEpoch)
	}
	if cfg.Name == "" {
		cfg.Name = "generator"
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	usable := ds.Len()
	if cfg.NumPerEpoch > 0 {
		usable = min(usable, cfg.NumPerEpoch)
	}
	iterations := usable / cfg.BatchSize
	if iterations == 0 {
		return nil, errors.Wrapf(datasets.ErrConfiguration,
			"batch size %d exceeds the %d usable examples per epoch: no batch would ever be produced",
			cfg.BatchSize, usable)
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	g := &Generator{
		cfg:        cfg,
		iterations: iterations,
		ds:         ds.Clone(),
		rng:        rng,
		aug:        augment.NewWithRand(rng),
	}
	klog.V(1).Infof("%s: %d examples, %d usable per epoch, %d batches of %d per pass (augment=%v)",
		cfg.Name, ds.Len(), usable, iterations, cfg.BatchSize, cfg.Augment)
	return g, nil
}

// Iterations returns the number of batches per pass.
func (g *Generator) Iterations() int { return g.iterations }

// BatchSize returns the configured batch size.
func (g *Generator) BatchSize() int { return g.cfg.BatchSize }

// Stats returns the number of passes started and batches produced.
func (g *Generator) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stats
}

// Next returns the next batch, starting a new pass (with a fresh shuffle)
// whenever the current one is exhausted.
func (g *Generator) Next() (datasets.Batch, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return datasets.Batch{}, ErrClosed
	}
	if !g.started || g.step >= g.iterations {
		g.startPassLocked()
	}
	return g.nextLocked()
}

// Pass returns a sequence over exactly one pass of Iterations batches. Each
// call starts a new pass; ranging over it again reshuffles. The sequence stops
// after the first error.
func (g *Generator) Pass() iter.Seq2[datasets.Batch, error] {
	return func(yield func(datasets.Batch, error) bool) {
		g.mu.Lock()
		if g.closed {
			g.mu.Unlock()
			yield(datasets.Batch{}, ErrClosed)
			return
		}
		g.startPassLocked()
		g.mu.Unlock()

		for range g.iterations {
			g.mu.Lock()
			if g.closed {
				g.mu.Unlock()
				yield(datasets.Batch{}, ErrClosed)
				return
			}
			b, err := g.nextLocked()
			g.mu.Unlock()
			if !yield(b, err) || err != nil {
				return
			}
		}
	}
}

// Close releases the owned dataset. Later pulls return ErrClosed.
func (g *Generator) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	g.ds = nil
	return nil
}

// startPassLocked resets the batch index and, for a per-pass shuffle, reorders the dataset.
func (g *Generator) startPassLocked() {
	g.started = true
	g.step = 0
	g.stats.Passes++
	if g.cfg.Augment && g.cfg.Shuffle == ShufflePerPass {
		g.shuffleLocked()
	}
	klog.V(2).Infof("%s: starting pass %d", g.cfg.Name, g.stats.Passes)
}

func (g *Generator) shuffleLocked() {
	g.rng.Shuffle(g.ds.Len(), g.ds.Swap)
}

// nextLocked produces batch g.step of the current pass.
func (g *Generator) nextLocked() (datasets.Batch, error) {
	start, end := g.step*g.cfg.BatchSize, (g.step+1)*g.cfg.BatchSize
	g.step++
	g.stats.Batches++

	if !g.cfg.Augment {
		return g.ds.Slice(start, end), nil
	}
	if g.cfg.Shuffle == ReshufflePerBatch {
		g.shuffleLocked()
	}
	slice := g.ds.Slice(start, end)
	b, err := g.aug.FlipHalf(slice.Images, slice.Labels)
	if err != nil {
		return datasets.Batch{}, err
	}
	if b.Images, err = g.aug.AdjustBrightness(b.Images); err != nil {
		return datasets.Batch{}, err
	}
	return b, nil
}

// Name implements train.Dataset.
func (g *Generator) Name() string { return g.cfg.Name }

// Reset implements train.Dataset: the next pull starts a new pass.
func (g *Generator) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.started = false
}

// Yield implements train.Dataset. It never returns io.EOF: wrap it with
// Bounded for a finite stream. inputs[0] holds the images as float32
// [batch, rows, cols, 3] and labels[0] the angles as [batch, 1].
func (g *Generator) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	b, err := g.Next()
	if err != nil {
		return nil, nil, nil, err
	}
	images, angles, err := b.Tensors()
	if err != nil {
		return nil, nil, nil, err
	}
	return nil, []*tensors.Tensor{images}, []*tensors.Tensor{angles}, nil
}
