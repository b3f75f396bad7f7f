// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ensemble

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/initializer"
	"github.com/gomlx/gomlx/pkg/ml/layers/regularizers"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

// DenseBuilder is a helper to build a BatchEnsemble dense layer. Create it
// with Dense, set the desired parameters, and when all is set, call Done.
type DenseBuilder struct {
	ctx                  *context.Context
	x                    *Node
	members              int
	units                int
	useBias              bool
	alphaInit, gammaInit context.VariableInitializer
	regularizer          regularizers.Regularizer
	newScope             bool
}

// Dense prepares one BatchEnsemble dense (linear) layer on x, shaped
// [batch, features].
//
// It computes, per ensemble member i and its sub-batch x_i:
//
//	y_i = gamma_i ⊙ ((alpha_i ⊙ x_i) W) [+ bias_i]
//
// where the weights matrix W is shared by all members and alpha_i, gamma_i
// and bias_i are per-member vectors. No activation is applied.
//
// It returns a DenseBuilder for configuration. Units must be set; once it is
// set up, call Done and it returns the resulting Node.
func Dense(ctx *context.Context, x *Node) *DenseBuilder {
	if x.Rank() != 2 {
		Panicf("ensemble.Dense requires x shaped [batch, features], got rank %d (%s)", x.Rank(), x.Shape())
	}
	return &DenseBuilder{
		ctx:         ctx,
		x:           x,
		members:     1,
		useBias:     true,
		regularizer: regularizers.FromContext(ctx),
		newScope:    true,
	}
}

// Members sets the number of ensemble members. It must divide the batch size.
// Default is 1.
func (b *DenseBuilder) Members(members int) *DenseBuilder {
	if members < 1 {
		Panicf("number of ensemble members must be >= 1, got %d", members)
	}
	b.members = members
	return b
}

// Units sets the number of output features.
// There is no default, and this number must be set before Done is called.
func (b *DenseBuilder) Units(units int) *DenseBuilder {
	if units <= 0 {
		Panicf("number of units must be > 0, it was set to %d", units)
	}
	b.units = units
	return b
}

// UseBias sets whether to add a trainable per-member bias term.
// Default is true.
func (b *DenseBuilder) UseBias(useBias bool) *DenseBuilder {
	b.useBias = useBias
	return b
}

// AlphaInitializer sets the initializer for the per-member input scaling
// vectors, shaped [members, features]. Default initializes to 1.
func (b *DenseBuilder) AlphaInitializer(init context.VariableInitializer) *DenseBuilder {
	b.alphaInit = init
	return b
}

// GammaInitializer sets the initializer for the per-member output scaling
// vectors, shaped [members, units]. Default initializes to 1.
func (b *DenseBuilder) GammaInitializer(init context.VariableInitializer) *DenseBuilder {
	b.gammaInit = init
	return b
}

// Regularizer applied to the shared weights matrix and the per-member bias,
// not to the alpha/gamma vectors. The default is regularizers.FromContext.
func (b *DenseBuilder) Regularizer(regularizer regularizers.Regularizer) *DenseBuilder {
	b.regularizer = regularizer
	return b
}

// CurrentScope configures the layer to create its variables in the current
// scope provided in Dense, instead of creating a sub-scope "ensemble_dense".
func (b *DenseBuilder) CurrentScope() *DenseBuilder {
	b.newScope = false
	return b
}

// Done indicates the layer is finished being configured. It creates the
// alpha/gamma vectors and the shared weights (variables) and returns the
// resulting Node.
func (b *DenseBuilder) Done() *Node {
	ctxInScope := b.ctx
	if b.newScope {
		ctxInScope = ctxInScope.In("ensemble_dense")
	}
	if b.units <= 0 {
		Panicf("ensemble.Dense requires Units to be set")
	}

	g := b.x.Graph()
	xShape := b.x.Shape()
	dtype := xShape.DType
	features := xShape.Dimensions[1]
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
		VariableWithShape("alpha", shapes.Make(dtype, b.members, features))
	output := memberScale(b.x, alphaVar.ValueGraph(g))

	weightsVar := ctxInScope.VariableWithShape("weights", shapes.Make(dtype, features, b.units))
	if b.regularizer != nil {
		b.regularizer(ctxInScope, g, weightsVar)
	}
	output = Dot(output, weightsVar.ValueGraph(g))

	gammaVar := ctxInScope.WithInitializer(gammaInit).
		VariableWithShape("gamma", shapes.Make(dtype, b.members, b.units))
	output = memberScale(output, gammaVar.ValueGraph(g))

	if b.useBias {
		biasVar := ctxInScope.WithInitializer(initializer.Zero).
			VariableWithShape("biases", shapes.Make(dtype, b.members, b.units))
		if b.regularizer != nil {
			b.regularizer(ctxInScope, g, biasVar)
		}
		output = memberShift(output, biasVar.ValueGraph(g))
	}
	return output
}
