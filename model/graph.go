package model

import (
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// EluActivation is the exponential linear unit: x for x > 0, e^x - 1 otherwise.
func EluActivation(x *graph.Node) *graph.Node {
	g := x.Graph()
	return graph.Where(graph.GreaterThan(x, graph.ScalarZero(g, x.DType())),
		x,
		graph.MinusOne(graph.Exp(x)),
	)
}

// Graph interprets the layers on a batch of images shaped [batch, rows, cols, 3]
// of any numeric dtype and returns the predictions shaped [batch, 1].
//
// Each layer's variables live in their own sub-scope, named after the layer
// index and kind. It panics (the gomlx convention for graph building) if the
// images don't match InputShape or the architecture is invalid.
func (a Architecture) Graph(ctx *context.Context, images *graph.Node) *graph.Node {
	if err := a.Validate(); err != nil {
		panic(err)
	}
	dims := images.Shape().Dimensions
	if len(dims) != 4 || dims[1] != a.InputShape[0] || dims[2] != a.InputShape[1] || dims[3] != a.InputShape[2] {
		panic(errors.Errorf("architecture %q expects images shaped [batch, %d, %d, %d], got %s",
			a.Name, a.InputShape[0], a.InputShape[1], a.InputShape[2], images.Shape()))
	}
	g := images.Graph()
	batchSize := dims[0]

	// Raw pixel tensors (e.g. uint8) are computed on as float32.
	x := images
	if !x.DType().IsFloat() {
		x = graph.ConvertDType(x, dtypes.Float32)
	}
	dtype := x.DType()
	for i, l := range a.Layers {
		layerCtx := ctx.Inf("%03d_%s", i, l.Kind)
		switch l.Kind {
		case KindNormalize:
			x = graph.AddScalar(graph.MulScalar(x, 1.0/127.5), -1)
		case KindConv:
			conv := layers.Convolution(layerCtx, x).Channels(l.Filters).KernelSize(l.Kernel).Strides(l.Stride)
			if l.Padding == PaddingSame {
				conv = conv.PadSame()
			} else {
				conv = conv.NoPadding()
			}
			x = conv.Done()
		case KindELU:
			x = EluActivation(x)
		case KindFlatten:
			x = graph.Reshape(x, batchSize, -1)
		case KindDropout:
			x = layers.DropoutNormalize(layerCtx, x, graph.Scalar(g, dtype, l.Rate), true)
		case KindDense:
			x = layers.Dense(layerCtx, x, true, l.Units)
		}
	}
	return x
}

// ModelFn returns the train.ModelFn for the architecture: it takes the images
// as the only input and returns the steering angle predictions.
func (a Architecture) ModelFn() train.ModelFn {
	return func(ctx *context.Context, spec any, inputs []*graph.Node) []*graph.Node {
		return []*graph.Node{a.Graph(ctx, inputs[0])}
	}
}
