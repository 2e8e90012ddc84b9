package model

import (
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/Noofbiz/steering/datasets"
	"github.com/Noofbiz/steering/generator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

// tinyArchitecture keeps graph compilation and training fast in tests.
func tinyArchitecture() Architecture {
	return Architecture{
		Name:       "tiny",
		InputShape: [3]int{4, 8, datasets.Channels},
		Layers: []Layer{
			{Kind: KindNormalize},
			Conv(2, 3, 2, PaddingSame),
			ELU(),
			{Kind: KindFlatten},
			Dropout(0.1),
			Dense(4),
			ELU(),
			Dense(1),
		},
	}
}

func randomDataset(n, rows, cols int, seed int64) *datasets.Dataset {
	rng := rand.New(rand.NewSource(seed))
	ds := &datasets.Dataset{Images: make([]datasets.Image, n), Labels: make([]float32, n)}
	for i := range n {
		img := datasets.NewImage(rows, cols)
		for j := range img.Pix {
			img.Pix[j] = uint8(rng.Intn(256))
		}
		ds.Images[i] = img
		ds.Labels[i] = float32(rng.Float64()*2 - 1)
	}
	return ds
}

func TestTrainer_FitSaveResume(t *testing.T) {
	arch := tinyArchitecture()
	ds := randomDataset(16, 4, 8, 1)
	trainDS, valDS, err := datasets.Split(ds, 0.25, 0)
	require.NoError(t, err)

	source, err := generator.New(trainDS, generator.Config{Name: "train", BatchSize: 4, Seed: 1, Augment: true})
	require.NoError(t, err)
	defer func() { _ = source.Close() }()
	validation, err := generator.New(valDS, generator.Config{Name: "validation", BatchSize: 2, Seed: 2})
	require.NoError(t, err)
	defer func() { _ = validation.Close() }()

	dest := filepath.Join(t.TempDir(), "steering")
	trainer, err := NewTrainer(Config{Dest: dest, Seed: 42}, arch)
	require.NoError(t, err)

	hist, err := trainer.Fit(source, FitOptions{StepsPerEpoch: 3, Epochs: 2, Validation: validation, ValidationSteps: 2})
	require.NoError(t, err)
	require.Len(t, hist.TrainLoss, 2)
	require.Len(t, hist.ValidationLoss, 2)
	for i := range 2 {
		assert.False(t, math.IsNaN(hist.TrainLoss[i]) || math.IsInf(hist.TrainLoss[i], 0))
		assert.False(t, math.IsNaN(hist.ValidationLoss[i]) || math.IsInf(hist.ValidationLoss[i], 0))
	}
	assert.Equal(t, int64(6), trainer.GlobalStep())

	require.NoError(t, trainer.Save())
	stored, err := ReadArchitecture(DescriptorPath(dest))
	require.NoError(t, err)
	assert.Equal(t, arch, stored)
	entries, err := os.ReadDir(WeightsDir(dest))
	require.NoError(t, err)
	assert.NotEmpty(t, entries)

	// Existing weights are never silently reused or overwritten.
	_, err = NewTrainer(Config{Dest: dest}, arch)
	assert.ErrorIs(t, err, datasets.ErrConfiguration)

	other := arch.WithInput(8, 8)
	_, err = NewTrainer(Config{Dest: dest, LoadWeights: true}, other)
	assert.ErrorIs(t, err, datasets.ErrConfiguration)

	resumed, err := NewTrainer(Config{Dest: dest, LoadWeights: true}, arch)
	require.NoError(t, err)
	assert.Equal(t, int64(6), resumed.GlobalStep())
}

func TestNewTrainer_ConfigErrors(t *testing.T) {
	_, err := NewTrainer(Config{LoadWeights: true}, tinyArchitecture())
	assert.ErrorIs(t, err, datasets.ErrConfiguration)

	_, err = NewTrainer(Config{Dest: filepath.Join(t.TempDir(), "empty"), LoadWeights: true}, tinyArchitecture())
	assert.ErrorIs(t, err, datasets.ErrConfiguration)

	_, err = NewTrainer(Config{}, Architecture{Name: "broken"})
	assert.ErrorIs(t, err, datasets.ErrConfiguration)

	trainer, err := NewTrainer(Config{}, tinyArchitecture())
	require.NoError(t, err)
	_, err = trainer.Fit(nil, FitOptions{})
	assert.ErrorIs(t, err, datasets.ErrConfiguration)
	assert.ErrorIs(t, trainer.Save(), datasets.ErrConfiguration)
}

func TestFit_ValidationErrors(t *testing.T) {
	arch := tinyArchitecture()
	source, err := generator.New(randomDataset(8, 4, 8, 3), generator.Config{Name: "train", BatchSize: 4, Seed: 1, Augment: true})
	require.NoError(t, err)
	defer func() { _ = source.Close() }()
	trainer, err := NewTrainer(Config{Seed: 5}, arch)
	require.NoError(t, err)

	// A generator never ends, so evaluating it needs a step bound.
	validation, err := generator.New(randomDataset(4, 4, 8, 4), generator.Config{Name: "validation", BatchSize: 2, Seed: 2})
	require.NoError(t, err)
	defer func() { _ = validation.Close() }()
	_, err = trainer.Fit(source, FitOptions{StepsPerEpoch: 1, Epochs: 1, Validation: validation})
	assert.ErrorIs(t, err, datasets.ErrConfiguration)
	assert.Equal(t, int64(0), trainer.GlobalStep())

	// Images the network can't take fail the evaluation with an error, not a panic.
	mismatched, err := generator.New(randomDataset(4, 8, 8, 4), generator.Config{Name: "mismatched", BatchSize: 2, Seed: 2})
	require.NoError(t, err)
	defer func() { _ = mismatched.Close() }()
	var hist History
	require.NotPanics(t, func() {
		hist, err = trainer.Fit(source, FitOptions{StepsPerEpoch: 1, Epochs: 1, Validation: mismatched, ValidationSteps: 1})
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation")
	assert.Len(t, hist.TrainLoss, 1)
	assert.Empty(t, hist.ValidationLoss)
}
