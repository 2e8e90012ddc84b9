// Package model defines the steering network and trains it with gomlx.
//
// The network is described by an Architecture: an ordered list of Layer
// records that is both interpreted into a gomlx graph (see Architecture.Graph)
// and written next to the trained weights as the architecture descriptor.
package model

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/Noofbiz/steering/datasets"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// LayerKind names a layer type in an Architecture.
type LayerKind string

const (
	// KindNormalize maps raw pixel values from [0, 255] to [-1, 1] (x/127.5 - 1).
	KindNormalize LayerKind = "normalize"
	KindConv      LayerKind = "conv"
	KindELU       LayerKind = "elu"
	KindFlatten   LayerKind = "flatten"
	KindDropout   LayerKind = "dropout"
	KindDense     LayerKind = "dense"
)

// Convolution padding modes.
const (
	PaddingSame  = "same"
	PaddingValid = "valid"
)

// Layer is one step of the network. Only the fields relevant to Kind are used.
type Layer struct {
	Kind LayerKind `json:"kind"`

	// Convolution.
	Filters int    `json:"filters,omitempty"`
	Kernel  int    `json:"kernel,omitempty"`
	Stride  int    `json:"stride,omitempty"`
	Padding string `json:"padding,omitempty"`

	// Dense.
	Units int `json:"units,omitempty"`

	// Dropout.
	Rate float64 `json:"rate,omitempty"`
}

// Conv returns a convolution layer record.
func Conv(filters, kernel, stride int, padding string) Layer {
	return Layer{Kind: KindConv, Filters: filters, Kernel: kernel, Stride: stride, Padding: padding}
}

// Dense returns a fully connected layer record.
func Dense(units int) Layer { return Layer{Kind: KindDense, Units: units} }

// Dropout returns a dropout layer record.
func Dropout(rate float64) Layer { return Layer{Kind: KindDropout, Rate: rate} }

// ELU returns an exponential linear unit activation record.
func ELU() Layer { return Layer{Kind: KindELU} }

// Architecture is the serializable description of a network.
type Architecture struct {
	Name string `json:"name"`

	// InputShape is [rows, cols, channels] of one image.
	InputShape [3]int  `json:"input_shape"`
	Layers     []Layer `json:"layers"`
}

// Default input dimensions of the steering network.
const (
	DefaultRows = 100
	DefaultCols = 320
)

// SteeringCNN returns the steering network: three strided convolutions
// followed by two fully connected layers, ELU activations and dropout,
// ending in a single linear output.
func SteeringCNN() Architecture {
	return Architecture{
		Name:       "steering_cnn",
		InputShape: [3]int{DefaultRows, DefaultCols, datasets.Channels},
		Layers: []Layer{
			{Kind: KindNormalize},
			Conv(16, 8, 4, PaddingSame),
			ELU(),
			Conv(32, 5, 2, PaddingSame),
			ELU(),
			Conv(64, 5, 2, PaddingSame),
			{Kind: KindFlatten},
			Dropout(0.2),
			ELU(),
			Dense(512),
			Dropout(0.5),
			ELU(),
			Dense(1),
		},
	}
}

// WithInput returns a copy of the architecture for images of rows x cols.
func (a Architecture) WithInput(rows, cols int) Architecture {
	out := a
	out.InputShape = [3]int{rows, cols, datasets.Channels}
	out.Layers = append([]Layer(nil), a.Layers...)
	return out
}

// Shape describes the activation produced by a layer, excluding the batch axis.
// Spatial layers have Rows, Cols and Channels; flat ones only Units.
type Shape struct {
	Rows, Cols, Channels int
	Units                int
	Flat                 bool
}

func (s Shape) String() string {
	if s.Flat {
		return fmt.Sprintf("[%d]", s.Units)
	}
	return fmt.Sprintf("[%d, %d, %d]", s.Rows, s.Cols, s.Channels)
}

// convOutput returns the spatial size after a convolution.
func convOutput(in, kernel, stride int, padding string) int {
	if padding == PaddingSame {
		return (in + stride - 1) / stride
	}
	return (in-kernel)/stride + 1
}

// Shapes validates the architecture and returns the output shape and the
// number of trainable parameters of every layer.
func (a Architecture) Shapes() (shapes []Shape, params []int, err error) {
	in := a.InputShape
	if in[0] <= 0 || in[1] <= 0 || in[2] != datasets.Channels {
		return nil, nil, errors.Wrapf(datasets.ErrConfiguration,
			"architecture %q: input shape must be [rows, cols, %d] with positive sizes, got %v", a.Name, datasets.Channels, in)
	}
	if len(a.Layers) == 0 {
		return nil, nil, errors.Wrapf(datasets.ErrConfiguration, "architecture %q has no layers", a.Name)
	}
	cur := Shape{Rows: in[0], Cols: in[1], Channels: in[2]}
	shapes = make([]Shape, len(a.Layers))
	params = make([]int, len(a.Layers))
	for i, l := range a.Layers {
		fail := func(format string, args ...any) error {
			return errors.Wrapf(datasets.ErrConfiguration, "architecture %q, layer %d (%s): %s",
				a.Name, i, l.Kind, fmt.Sprintf(format, args...))
		}
		switch l.Kind {
		case KindNormalize, KindELU:
		case KindConv:
			if cur.Flat {
				return nil, nil, fail("convolution after flatten")
			}
			if l.Filters <= 0 || l.Kernel <= 0 || l.Stride <= 0 {
				return nil, nil, fail("filters, kernel and stride must be positive")
			}
			if l.Padding != PaddingSame && l.Padding != PaddingValid {
				return nil, nil, fail("padding must be %q or %q, got %q", PaddingSame, PaddingValid, l.Padding)
			}
			if l.Padding == PaddingValid && (l.Kernel > cur.Rows || l.Kernel > cur.Cols) {
				return nil, nil, fail("kernel %d larger than input %s", l.Kernel, cur)
			}
			params[i] = l.Kernel*l.Kernel*cur.Channels*l.Filters + l.Filters
			cur = Shape{
				Rows:     convOutput(cur.Rows, l.Kernel, l.Stride, l.Padding),
				Cols:     convOutput(cur.Cols, l.Kernel, l.Stride, l.Padding),
				Channels: l.Filters,
			}
		case KindFlatten:
			if cur.Flat {
				return nil, nil, fail("already flat")
			}
			cur = Shape{Flat: true, Units: cur.Rows * cur.Cols * cur.Channels}
		case KindDropout:
			if l.Rate < 0 || l.Rate >= 1 {
				return nil, nil, fail("rate must be in [0, 1), got %g", l.Rate)
			}
		case KindDense:
			if !cur.Flat {
				return nil, nil, fail("dense layer needs a flatten layer before it")
			}
			if l.Units <= 0 {
				return nil, nil, fail("units must be positive")
			}
			params[i] = cur.Units*l.Units + l.Units
			cur = Shape{Flat: true, Units: l.Units}
		default:
			return nil, nil, fail("unknown layer kind")
		}
		shapes[i] = cur
	}
	if !cur.Flat || cur.Units != 1 {
		return nil, nil, errors.Wrapf(datasets.ErrConfiguration,
			"architecture %q must end with a single output, got %s", a.Name, cur)
	}
	return shapes, params, nil
}

// Validate checks the layers are consistent with each other and the input shape.
func (a Architecture) Validate() error {
	_, _, err := a.Shapes()
	return err
}

// NumParams returns the total number of trainable parameters.
func (a Architecture) NumParams() (int, error) {
	_, params, err := a.Shapes()
	if err != nil {
		return 0, err
	}
	total := 0
	for _, p := range params {
		total += p
	}
	return total, nil
}

// Summary returns a human-readable table of the layers.
func (a Architecture) Summary() string {
	shapes, params, err := a.Shapes()
	if err != nil {
		return fmt.Sprintf("invalid architecture: %v", err)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: input %v\n", a.Name, a.InputShape)
	total := 0
	for i, l := range a.Layers {
		fmt.Fprintf(&sb, "  %03d %-10s %-16s %s params\n", i, l.Kind, shapes[i], humanize.Comma(int64(params[i])))
		total += params[i]
	}
	fmt.Fprintf(&sb, "  total: %s params", humanize.Comma(int64(total)))
	return sb.String()
}

// MarshalIndent returns the architecture descriptor as indented JSON.
func (a Architecture) MarshalIndent() ([]byte, error) {
	return json.MarshalIndent(a, "", "  ")
}

// WriteFile writes the architecture descriptor to path.
func (a Architecture) WriteFile(path string) error {
	data, err := a.MarshalIndent()
	if err != nil {
		return errors.Wrapf(err, "failed to encode architecture %q", a.Name)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return errors.Wrapf(err, "failed to write architecture to %s", path)
	}
	return nil
}

// ReadArchitecture reads and validates a descriptor written by WriteFile.
func ReadArchitecture(path string) (Architecture, error) {
	var a Architecture
	data, err := os.ReadFile(path)
	if err != nil {
		return a, errors.Wrapf(err, "failed to read architecture from %s", path)
	}
	if err := json.Unmarshal(data, &a); err != nil {
		return a, errors.Wrapf(err, "failed to decode architecture from %s", path)
	}
	return a, a.Validate()
}
