// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package imagenet defines a deterministic ResNet-50 v1.5 classifier for
// ImageNet-sized (224x224) images.
package imagenet

import (
	"fmt"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/nn"
	"github.com/gomlx/gomlx/pkg/ml/random"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

const (
	batchNormMomentum = 0.9
	batchNormEpsilon  = 1e-5
)

// Config for the ResNet-50 model being built. See ResNet50.
type Config struct {
	ctx        *context.Context
	images     *Node
	numClasses int
	rng        *random.Random
}

// ResNet50 prepares a ResNet-50 v1.5 graph on images, shaped
// [batch, height, width, 3] (channels-last), with values scaled as the
// caller's preprocessing defines (see PreprocessImage).
//
// The "v1.5" variant applies the downsampling stride at the middle 3x3
// convolution of each bottleneck block, instead of the leading 1x1.
//
// It returns a Config for further configuration. Once done, call Done and it
// returns the class probabilities (softmax output), shaped
// [batch, numClasses].
func ResNet50(ctx *context.Context, images *Node) *Config {
	return &Config{
		ctx:        ctx,
		images:     images,
		numClasses: 1000,
		rng:        random.New(),
	}
}

// NumClasses sets the number of output classes. Default is 1000.
func (c *Config) NumClasses(numClasses int) *Config {
	if numClasses <= 0 {
		Panicf("number of classes must be > 0, it was set to %d", numClasses)
	}
	c.numClasses = numClasses
	return c
}

// Rng sets the random number generator used to initialize the classification
// head. Defaults to one seeded from the system clock.
func (c *Config) Rng(rng *random.Random) *Config {
	c.rng = rng
	return c
}

// Done builds the model graph and returns the class probabilities, shaped
// [batch, numClasses].
func (c *Config) Done() *Node {
	ctx := c.ctx
	x := c.images
	if x.Rank() != 4 {
		Panicf("imagenet.ResNet50 requires images shaped [batch, height, width, channels], got rank %d (%s)",
			x.Rank(), x.Shape())
	}
	g := x.Graph()
	dtype := x.DType()
	batchSize := x.Shape().Dimensions[0]

	// Stem: explicit 3-pixel padding followed by a valid 7x7 stride-2
	// convolution, so the padded border is not re-padded by the convolution.
	x = Pad(x, ScalarZero(g, dtype),
		PadAxis{}, PadAxis{Start: 3, End: 3}, PadAxis{Start: 3, End: 3}, PadAxis{})
	x = layers.Convolution(ctx.In("conv1"), x).
		Channels(64).KernelSize(7).Strides(2).NoPadding().UseBias(false).
		CurrentScope().Done()
	x = batchNorm(ctx.In("bn_conv1"), x)
	x = activations.Relu(x)
	x = MaxPool(x).Window(3).Strides(2).PadSame().Done()

	x = c.convBlock(ctx, x, 2, 'a', 64, 256, 1)
	x = c.identityBlock(ctx, x, 2, 'b', 64, 256)
	x = c.identityBlock(ctx, x, 2, 'c', 64, 256)

	x = c.convBlock(ctx, x, 3, 'a', 128, 512, 2)
	x = c.identityBlock(ctx, x, 3, 'b', 128, 512)
	x = c.identityBlock(ctx, x, 3, 'c', 128, 512)
	x = c.identityBlock(ctx, x, 3, 'd', 128, 512)

	x = c.convBlock(ctx, x, 4, 'a', 256, 1024, 2)
	x = c.identityBlock(ctx, x, 4, 'b', 256, 1024)
	x = c.identityBlock(ctx, x, 4, 'c', 256, 1024)
	x = c.identityBlock(ctx, x, 4, 'd', 256, 1024)
	x = c.identityBlock(ctx, x, 4, 'e', 256, 1024)
	x = c.identityBlock(ctx, x, 4, 'f', 256, 1024)

	x = c.convBlock(ctx, x, 5, 'a', 512, 2048, 2)
	x = c.identityBlock(ctx, x, 5, 'b', 512, 2048)
	x = c.identityBlock(ctx, x, 5, 'c', 512, 2048)

	// Global average pooling over the spatial axes.
	x = ReduceMean(x, 1, 2)

	headCtx := ctx.In(fmt.Sprintf("fc%d", c.numClasses)).WithInitializer(c.headInitializer())
	x = layers.Dense(headCtx, x, true, c.numClasses)
	x = nn.Softmax(x)
	x.AssertDims(batchSize, c.numClasses)
	return x
}

// headInitializer samples the classification head weights from
// Normal(0, 0.01), and zeroes its bias.
func (c *Config) headInitializer() context.VariableInitializer {
	rng := c.rng
	return func(g *Graph, shape shapes.Shape) *Node {
		if shape.Rank() <= 1 {
			return Zeros(g, shape)
		}
		return MulScalar(rng.Normal(g, shape), 0.01)
	}
}

// identityBlock is a bottleneck residual block whose shortcut is the
// identity: the input must already have bottleneckOut channels.
func (c *Config) identityBlock(ctx *context.Context, x *Node, stage int, block rune, filters, bottleneckOut int) *Node {
	shortcut := x
	y := conv(blockCtx(ctx, "res", stage, block, "2a"), x, filters, 1, 1)
	y = batchNorm(blockCtx(ctx, "bn", stage, block, "2a"), y)
	y = activations.Relu(y)
	y = conv(blockCtx(ctx, "res", stage, block, "2b"), y, filters, 3, 1)
	y = batchNorm(blockCtx(ctx, "bn", stage, block, "2b"), y)
	y = activations.Relu(y)
	y = conv(blockCtx(ctx, "res", stage, block, "2c"), y, bottleneckOut, 1, 1)
	y = batchNorm(blockCtx(ctx, "bn", stage, block, "2c"), y)
	return activations.Relu(Add(shortcut, y))
}

// convBlock is a bottleneck residual block with a projection shortcut: a 1x1
// convolution matching the output channels (and stride) of the main branch.
// The stride, if > 1, is applied at the middle 3x3 convolution.
func (c *Config) convBlock(ctx *context.Context, x *Node, stage int, block rune, filters, bottleneckOut, strides int) *Node {
	shortcut := conv(blockCtx(ctx, "res", stage, block, "1"), x, bottleneckOut, 1, strides)
	shortcut = batchNorm(blockCtx(ctx, "bn", stage, block, "1"), shortcut)

	y := conv(blockCtx(ctx, "res", stage, block, "2a"), x, filters, 1, 1)
	y = batchNorm(blockCtx(ctx, "bn", stage, block, "2a"), y)
	y = activations.Relu(y)
	y = conv(blockCtx(ctx, "res", stage, block, "2b"), y, filters, 3, strides)
	y = batchNorm(blockCtx(ctx, "bn", stage, block, "2b"), y)
	y = activations.Relu(y)
	y = conv(blockCtx(ctx, "res", stage, block, "2c"), y, bottleneckOut, 1, 1)
	y = batchNorm(blockCtx(ctx, "bn", stage, block, "2c"), y)
	return activations.Relu(Add(shortcut, y))
}

// blockCtx returns the scope for one branch of a residual block, e.g.
// "res3a_branch2b" or "bn3a_branch1".
func blockCtx(ctx *context.Context, prefix string, stage int, block rune, branch string) *context.Context {
	return ctx.In(fmt.Sprintf("%s%d%c_branch%s", prefix, stage, block, branch))
}

func conv(ctx *context.Context, x *Node, channels, kernelSize, strides int) *Node {
	return layers.Convolution(ctx, x).
		Channels(channels).KernelSize(kernelSize).Strides(strides).
		PadSame().UseBias(false).CurrentScope().Done()
}

func batchNorm(ctx *context.Context, x *Node) *Node {
	return batchnorm.New(ctx, x, -1).
		Momentum(batchNormMomentum).Epsilon(batchNormEpsilon).Done()
}
