// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cifar defines a BatchEnsemble ResNet v1 classifier for small
// (CIFAR-sized, 32x32) images.
package cifar

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/layers/regularizers"
	"github.com/gomlx/gomlx/pkg/ml/random"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/pkg/errors"

	"github.com/gomlx/baselines/ensemble"
)

const (
	batchNormMomentum = 0.9
	batchNormEpsilon  = 1e-5
)

// NumResBlocks returns the number of residual blocks per stage of a ResNet
// v1 of the given depth. Valid depths are of the form 6n+2 (20, 32, 44, ...);
// anything else returns an error. Depths below 8 also error: they satisfy
// the divisibility rule only with zero residual blocks per stage.
func NumResBlocks(depth int) (int, error) {
	if depth < 8 || (depth-2)%6 != 0 {
		return 0, errors.Errorf("resnet v1 depth must be 6n+2 (20, 32, 44, ...), got %d", depth)
	}
	return (depth - 2) / 6, nil
}

// Config of the BatchEnsemble ResNet model being built. See BatchEnsembleResNet.
type Config struct {
	ctx             *context.Context
	images          *Node
	depth           int
	numClasses      int
	widthMultiplier int
	members         int
	randomSignInit  float64
	dropoutRate     float64
	l2              float64
	rng             *random.Random
}

// BatchEnsembleResNet prepares a BatchEnsemble ResNet v1 graph on images,
// shaped [batch, height, width, channels] (channels-last).
//
// Every convolution and the final dense layer are BatchEnsemble layers (see
// package ensemble): the batch must be divisible by the number of members,
// and each member sees its own contiguous sub-batch.
//
// It returns a Config for further configuration. Once done, call Done and it
// returns the logits, shaped [batch, numClasses]. No softmax is applied.
func BatchEnsembleResNet(ctx *context.Context, images *Node) *Config {
	return &Config{
		ctx:             ctx,
		images:          images,
		depth:           32,
		numClasses:      10,
		widthMultiplier: 1,
		members:         1,
		randomSignInit:  1.0,
		rng:             random.New(),
	}
}

// Depth sets the total number of convolutional layers. It must be of the
// form 6n+2. Default is 32.
func (c *Config) Depth(depth int) *Config {
	c.depth = depth
	return c
}

// NumClasses sets the number of output classes. Default is 10.
func (c *Config) NumClasses(numClasses int) *Config {
	if numClasses <= 0 {
		Panicf("number of classes must be > 0, it was set to %d", numClasses)
	}
	c.numClasses = numClasses
	return c
}

// WidthMultiplier scales the number of filters of every stage. Default is 1,
// meaning stages with 16, 32 and 64 filters.
func (c *Config) WidthMultiplier(multiplier int) *Config {
	if multiplier <= 0 {
		Panicf("width multiplier must be > 0, it was set to %d", multiplier)
	}
	c.widthMultiplier = multiplier
	return c
}

// Members sets the number of ensemble members. It must divide the batch
// size. Default is 1.
func (c *Config) Members(members int) *Config {
	if members < 1 {
		Panicf("number of ensemble members must be >= 1, got %d", members)
	}
	c.members = members
	return c
}

// RandomSignInit selects the initializer of the per-member alpha and gamma
// vectors: a value v > 0 initializes them to random signs with probability v
// of +1; v <= 0 initializes them from Normal(mean 1, stddev -v). Default
// is 1.0, which initializes everything to +1.
func (c *Config) RandomSignInit(v float64) *Config {
	c.randomSignInit = v
	return c
}

// DropoutRate enables dropout before every convolution except the first, and
// before the final dense layer. The dropout is applied in inference as well,
// so repeated evaluations sample the predictive distribution (Monte Carlo
// dropout). Default is 0, disabled.
func (c *Config) DropoutRate(rate float64) *Config {
	if rate < 0 || rate >= 1 {
		Panicf("dropout rate must be in [0, 1), it was set to %g", rate)
	}
	c.dropoutRate = rate
	return c
}

// L2Regularization applies L2 regularization of the given amount to the
// shared convolution kernels, the dense weights and the per-member biases.
// The alpha/gamma vectors are not regularized. Default is 0, disabled.
func (c *Config) L2Regularization(amount float64) *Config {
	c.l2 = amount
	return c
}

// Rng sets the random number generator used by the alpha/gamma initializers.
// Defaults to one seeded from the system clock.
func (c *Config) Rng(rng *random.Random) *Config {
	c.rng = rng
	return c
}

// Done builds the model graph and returns the logits, shaped
// [batch, numClasses].
func (c *Config) Done() *Node {
	numBlocks, err := NumResBlocks(c.depth)
	if err != nil {
		Panicf("invalid BatchEnsembleResNet configuration: %v", err)
	}
	ctx := c.ctx
	x := c.images
	if x.Rank() != 4 {
		Panicf("cifar.BatchEnsembleResNet requires images shaped [batch, height, width, channels], got rank %d (%s)",
			x.Rank(), x.Shape())
	}
	batchSize := x.Shape().Dimensions[0]
	if batchSize%c.members != 0 {
		Panicf("batch size %d is not divisible by the number of ensemble members %d", batchSize, c.members)
	}

	scalingInit := ensemble.ScalingInitializer(c.rng, c.randomSignInit)
	var regularizer regularizers.Regularizer
	if c.l2 > 0 {
		regularizer = regularizers.L2(c.l2)
	}

	layerIdx := 0
	nextCtx := func(name string) *context.Context {
		newCtx := ctx.Inf("%03d_%s", layerIdx, name)
		layerIdx++
		return newCtx
	}

	// One unit of the network: optional dropout, BatchEnsemble convolution,
	// batch normalization and optional relu.
	convLayer := func(x *Node, filters, kernelSize, strides int, relu, dropout bool) *Node {
		if dropout && c.dropoutRate > 0 {
			x = monteCarloDropout(nextCtx("dropout"), x, c.dropoutRate)
		}
		x = ensemble.Conv2D(nextCtx("conv"), x).
			Members(c.members).
			Channels(filters).
			KernelSize(kernelSize).
			Strides(strides).
			PadSame().
			UseBias(false).
			AlphaInitializer(scalingInit).
			GammaInitializer(scalingInit).
			Regularizer(regularizer).
			CurrentScope().
			Done()
		x = batchnorm.New(nextCtx("norm"), x, -1).
			Momentum(batchNormMomentum).Epsilon(batchNormEpsilon).Done()
		if relu {
			x = activations.Relu(x)
		}
		return x
	}

	filters := 16 * c.widthMultiplier
	x = convLayer(x, filters, 3, 1, true, false)
	for stage := 0; stage < 3; stage++ {
		if stage > 0 {
			filters *= 2
		}
		for block := 0; block < numBlocks; block++ {
			strides := 1
			if stage > 0 && block == 0 {
				strides = 2
			}
			shortcut := x
			y := convLayer(x, filters, 3, strides, true, true)
			y = convLayer(y, filters, 3, 1, false, true)
			if shortcut.Shape().Dimensions[3] != filters || strides != 1 {
				// Linear 1x1 projection shortcut: same dropout+conv+norm unit,
				// only the activation is omitted.
				shortcut = convLayer(shortcut, filters, 1, strides, false, true)
			}
			x = activations.Relu(Add(shortcut, y))
		}
	}

	x = MeanPool(x).Window(8).NoPadding().Done()
	x = Reshape(x, batchSize, -1)
	if c.dropoutRate > 0 {
		x = monteCarloDropout(nextCtx("dropout"), x, c.dropoutRate)
	}
	logits := ensemble.Dense(nextCtx("dense"), x).
		Members(c.members).
		Units(c.numClasses).
		AlphaInitializer(scalingInit).
		GammaInitializer(scalingInit).
		Regularizer(regularizer).
		CurrentScope().
		Done()
	logits.AssertDims(batchSize, c.numClasses)
	return logits
}

// monteCarloDropout randomly zeroes a fraction dropoutRate of x and rescales
// the survivors by 1/(1-dropoutRate). Unlike layers.DropoutNormalize it is
// not gated on ctx.IsTraining, so it is active in inference too.
func monteCarloDropout(ctx *context.Context, x *Node, dropoutRate float64) *Node {
	g := x.Graph()
	dtype := x.DType()
	rnd := ctx.RandomUniform(g, x.Shape())
	rate := BroadcastToDims(Scalar(g, dtype, dropoutRate), x.Shape().Dimensions...)
	result := Where(LessOrEqual(rnd, rate), ZerosLike(x), x)
	return DivScalar(result, 1-dropoutRate)
}
