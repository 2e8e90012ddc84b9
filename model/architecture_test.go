package model

import (
	"path/filepath"
	"testing"

	"github.com/Noofbiz/steering/datasets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSteeringCNN_Shapes(t *testing.T) {
	arch := SteeringCNN()
	require.NoError(t, arch.Validate())
	shapes, params, err := arch.Shapes()
	require.NoError(t, err)
	require.Len(t, shapes, 13)

	assert.Equal(t, Shape{Rows: 25, Cols: 80, Channels: 16}, shapes[1])
	assert.Equal(t, Shape{Rows: 13, Cols: 40, Channels: 32}, shapes[3])
	assert.Equal(t, Shape{Rows: 7, Cols: 20, Channels: 64}, shapes[5])
	assert.Equal(t, Shape{Flat: true, Units: 7 * 20 * 64}, shapes[6])
	assert.Equal(t, Shape{Flat: true, Units: 512}, shapes[9])
	assert.Equal(t, Shape{Flat: true, Units: 1}, shapes[12])

	assert.Equal(t, 8*8*3*16+16, params[1])
	assert.Equal(t, 8960*512+512, params[9])
	total, err := arch.NumParams()
	require.NoError(t, err)
	assert.Equal(t, 4655729, total)
	assert.Contains(t, arch.Summary(), "4,655,729")
}

func TestArchitecture_WithInput(t *testing.T) {
	base := SteeringCNN()
	arch := base.WithInput(64, 64)
	assert.Equal(t, [3]int{64, 64, datasets.Channels}, arch.InputShape)
	assert.Equal(t, [3]int{DefaultRows, DefaultCols, datasets.Channels}, base.InputShape)
	require.NoError(t, arch.Validate())

	arch.Layers[1].Filters = 99
	assert.Equal(t, 16, base.Layers[1].Filters, "layers must not be shared")
}

func TestArchitecture_FileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.json")
	arch := SteeringCNN()
	require.NoError(t, arch.WriteFile(path))
	got, err := ReadArchitecture(path)
	require.NoError(t, err)
	assert.Equal(t, arch, got)

	_, err = ReadArchitecture(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestArchitecture_ValidateErrors(t *testing.T) {
	input := [3]int{8, 8, datasets.Channels}
	flatten := Layer{Kind: KindFlatten}
	cases := []struct {
		name string
		arch Architecture
	}{
		{"no layers", Architecture{InputShape: input}},
		{"bad input", Architecture{InputShape: [3]int{8, 8, 1}, Layers: []Layer{flatten, Dense(1)}}},
		{"dense before flatten", Architecture{InputShape: input, Layers: []Layer{Dense(1)}}},
		{"conv after flatten", Architecture{InputShape: input, Layers: []Layer{flatten, Conv(2, 3, 1, PaddingSame), Dense(1)}}},
		{"bad padding", Architecture{InputShape: input, Layers: []Layer{Conv(2, 3, 1, "full"), flatten, Dense(1)}}},
		{"kernel too large", Architecture{InputShape: input, Layers: []Layer{Conv(2, 9, 1, PaddingValid), flatten, Dense(1)}}},
		{"dropout rate", Architecture{InputShape: input, Layers: []Layer{flatten, Dropout(1), Dense(1)}}},
		{"unknown kind", Architecture{InputShape: input, Layers: []Layer{{Kind: "pool"}, flatten, Dense(1)}}},
		{"two outputs", Architecture{InputShape: input, Layers: []Layer{flatten, Dense(2)}}},
		{"not flat at the end", Architecture{InputShape: input, Layers: []Layer{Conv(1, 1, 1, PaddingSame)}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, tc.arch.Validate(), datasets.ErrConfiguration)
		})
	}
}
