package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Noofbiz/steering/datasets"
	"github.com/Noofbiz/steering/generator"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultConfig() Config {
	return Config{
		BatchSize:    256,
		Epochs:       4,
		EpochSize:    10000,
		LearningRate: 1e-4,
		Shuffle:      "batch",
		ValFraction:  0.1,
		ValSamples:   800,
		DestFile:     "models/generator_11",
	}
}

func never(string) bool { return false }

func TestApplyTunables_DefaultsMatchFlags(t *testing.T) {
	cfg := Config{}
	require.NoError(t, applyTunables(&cfg, []byte(defaultTunablesJSON), never))
	assert.Equal(t, defaultConfig(), cfg)
}

func TestApplyTunables_FlagsWin(t *testing.T) {
	cfg := defaultConfig()
	cfg.BatchSize = 32
	data := []byte(`{"tunables": {"training": {"batch_size": 64, "epochs": 9}, "output": {"plots_dir": "out"}}}`)
	changed := func(flag string) bool { return flag == flagBatch }
	require.NoError(t, applyTunables(&cfg, data, changed))
	assert.Equal(t, 32, cfg.BatchSize, "explicit flag must not be overridden")
	assert.Equal(t, 9, cfg.Epochs)
	assert.Equal(t, "out", cfg.PlotsDir)
	assert.Equal(t, 10000, cfg.EpochSize, "missing keys keep their value")

	assert.Error(t, applyTunables(&cfg, []byte(`{"tunables": `), never))
	require.NoError(t, applyTunables(&cfg, []byte(`{}`), never))
}

func TestLoadTunables_WritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "tunables.json")
	cfg := Config{}
	require.NoError(t, loadTunables(&cfg, path, never))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, defaultTunablesJSON, string(data))
	assert.Equal(t, defaultConfig(), cfg)
}

func TestFlagChanged(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.Int(flagBatch, 256, "")
	fs.Int(flagEpoch, 4, "")
	require.NoError(t, fs.Parse([]string{"--" + flagBatch, "32"}))
	changed := flagChanged(fs)
	assert.True(t, changed(flagBatch))
	assert.False(t, changed(flagEpoch))
	assert.False(t, changed("unknown"))
}

func TestConfig_Validate(t *testing.T) {
	cfg := defaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 40, cfg.StepsPerEpoch())
	assert.Equal(t, 4, cfg.ValidationSteps(256))
	assert.Equal(t, 1, cfg.ValidationSteps(1000))

	mode, err := cfg.ShuffleMode()
	require.NoError(t, err)
	assert.Equal(t, generator.ReshufflePerBatch, mode)
	cfg.Shuffle = "pass"
	mode, err = cfg.ShuffleMode()
	require.NoError(t, err)
	assert.Equal(t, generator.ShufflePerPass, mode)

	for _, mutate := range []func(*Config){
		func(c *Config) { c.BatchSize = 0 },
		func(c *Config) { c.Epochs = -1 },
		func(c *Config) { c.EpochSize = 0 },
		func(c *Config) { c.ValFraction = 1 },
		func(c *Config) { c.DestFile = "" },
		func(c *Config) { c.Shuffle = "never" },
	} {
		c := defaultConfig()
		mutate(&c)
		assert.ErrorIs(t, c.Validate(), datasets.ErrConfiguration)
	}
}
