// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ensemble

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/initializer"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/regularizers"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

// Conv2DBuilder is a helper to build a BatchEnsemble 2D convolution. Create it
// with Conv2D, set the desired parameters, and when all is set, call Done.
type Conv2DBuilder struct {
	ctx                  *context.Context
	x                    *Node
	members              int
	channels             int
	kernelSize           int
	strides              int
	padSame              bool
	useBias              bool
	alphaInit, gammaInit context.VariableInitializer
	regularizer          regularizers.Regularizer
	newScope             bool
}

// Conv2D prepares one BatchEnsemble convolution on x, shaped
// [batch, height, width, channels] (channels-last).
//
// It computes, per ensemble member i and its sub-batch x_i:
//
//	y_i = gamma_i ⊙ conv(alpha_i ⊙ x_i) [+ bias_i]
//
// where the convolution kernel is shared by all members and alpha_i, gamma_i
// (and the optional bias_i) are per-member vectors over the input and output
// channels respectively.
//
// It returns a Conv2DBuilder for configuration. Channels and KernelSize must
// be set; once it is set up, call Done and it returns the resulting Node.
func Conv2D(ctx *context.Context, x *Node) *Conv2DBuilder {
	if x.Rank() != 4 {
		Panicf("ensemble.Conv2D requires x shaped [batch, height, width, channels], got rank %d (%s)",
			x.Rank(), x.Shape())
	}
	return &Conv2DBuilder{
		ctx:         ctx,
		x:           x,
		members:     1,
		strides:     1,
		useBias:     true,
		regularizer: regularizers.FromContext(ctx),
		newScope:    true,
	}
}

// Members sets the number of ensemble members. It must divide the batch size.
// Default is 1, which reduces the layer to a plain convolution with an extra
// input/output rescaling.
func (b *Conv2DBuilder) Members(members int) *Conv2DBuilder {
	if members < 1 {
		Panicf("number of ensemble members must be >= 1, got %d", members)
	}
	b.members = members
	return b
}

// Channels sets the number of output channels.
// There is no default, and this number must be set before Done is called.
func (b *Conv2DBuilder) Channels(channels int) *Conv2DBuilder {
	if channels <= 0 {
		Panicf("number of channels must be > 0, it was set to %d", channels)
	}
	b.channels = channels
	return b
}

// KernelSize sets the kernel size for both spatial axes.
// There is no default, and this value must be set before Done is called.
func (b *Conv2DBuilder) KernelSize(size int) *Conv2DBuilder {
	b.kernelSize = size
	return b
}

// Strides sets the stride of the convolution, the same for both spatial axes.
// The default is 1.
func (b *Conv2DBuilder) Strides(strides int) *Conv2DBuilder {
	b.strides = strides
	return b
}

// PadSame pads x so that the output spatial dimensions equal the input's
// (assuming strides=1). The default is NoPadding.
func (b *Conv2DBuilder) PadSame() *Conv2DBuilder {
	b.padSame = true
	return b
}

// NoPadding lets the convolution shrink the spatial dimensions at the edges.
// This is the default.
func (b *Conv2DBuilder) NoPadding() *Conv2DBuilder {
	b.padSame = false
	return b
}

// UseBias sets whether to add a trainable per-member bias term. Default is
// true. The bias is per member, unlike the convolution kernel which is shared.
func (b *Conv2DBuilder) UseBias(useBias bool) *Conv2DBuilder {
	b.useBias = useBias
	return b
}

// AlphaInitializer sets the initializer for the per-member input scaling
// vectors, shaped [members, inputChannels]. Default initializes to 1, the
// identity scaling. See ScalingInitializer.
func (b *Conv2DBuilder) AlphaInitializer(init context.VariableInitializer) *Conv2DBuilder {
	b.alphaInit = init
	return b
}

// GammaInitializer sets the initializer for the per-member output scaling
// vectors, shaped [members, channels]. Default initializes to 1.
func (b *Conv2DBuilder) GammaInitializer(init context.VariableInitializer) *Conv2DBuilder {
	b.gammaInit = init
	return b
}

// Regularizer applied to the shared convolution kernel and the per-member
// bias, not to the alpha/gamma vectors. The default is regularizers.FromContext.
func (b *Conv2DBuilder) Regularizer(regularizer regularizers.Regularizer) *Conv2DBuilder {
	b.regularizer = regularizer
	return b
}

// CurrentScope configures the layer to create its variables in the current
// scope provided in Conv2D, instead of creating a sub-scope "ensemble_conv".
func (b *Conv2DBuilder) CurrentScope() *Conv2DBuilder {
	b.newScope = false
	return b
}

// Done indicates the layer is finished being configured. It creates the
// alpha/gamma vectors and the shared kernel (variables) and returns the
// resulting Node.
func (b *Conv2DBuilder) Done() *Node {
	ctxInScope := b.ctx
	if b.newScope {
		ctxInScope = ctxInScope.In("ensemble_conv")
	}
	if b.channels <= 0 || b.kernelSize <= 0 {
		Panicf("ensemble.Conv2D requires Channels and KernelSize to be set")
	}

	g := b.x.Graph()
	xShape := b.x.Shape()
	dtype := xShape.DType
	inputChannels := xShape.Dimensions[3]
	if xShape.Dimensions[0]%b.members != 0 {
		Panicf("batch size %d is not divisible by the number of ensemble members %d",
			xShape.Dimensions[0], b.members)
	}

	alphaInit, gammaInit := b.alphaInit, b.gammaInit
	if alphaInit == nil {
		alphaInit = initializer.One
	}
	if gammaInit == nil {
		gammaInit = initializer.One
	}

	alphaVar := ctxInScope.WithInitializer(alphaInit).
		VariableWithShape("alpha", shapes.Make(dtype, b.members, inputChannels))
	output := memberScale(b.x, alphaVar.ValueGraph(g))

	conv := layers.Convolution(ctxInScope, output).
		Channels(b.channels).
		KernelSize(b.kernelSize).
		Strides(b.strides).
		UseBias(false).
		Regularizer(b.regularizer).
		CurrentScope()
	if b.padSame {
		conv.PadSame()
	} else {
		conv.NoPadding()
	}
	output = conv.Done()

	gammaVar := ctxInScope.WithInitializer(gammaInit).
		VariableWithShape("gamma", shapes.Make(dtype, b.members, b.channels))
	output = memberScale(output, gammaVar.ValueGraph(g))

	if b.useBias {
		biasVar := ctxInScope.WithInitializer(initializer.Zero).
			VariableWithShape("biases", shapes.Make(dtype, b.members, b.channels))
		if b.regularizer != nil {
			b.regularizer(ctxInScope, g, biasVar)
		}
		output = memberShift(output, biasVar.ValueGraph(g))
	}
	return output
}
