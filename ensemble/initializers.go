// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ensemble

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/random"
)

// RandomSignFn returns an initializer that draws each element independently
// from {+1, -1}, with probability prob of drawing +1.
//
// Initializing the alpha and gamma vectors with random signs decorrelates the
// ensemble members from the first training step, without changing the
// magnitude of the shared weights.
func RandomSignFn(rng *random.Random, prob float64) context.VariableInitializer {
	return func(g *Graph, shape shapes.Shape) *Node {
		ones := Ones(g, shape)
		plus := LessThan(rng.Uniform(g, shape), Scalar(g, shape.DType, prob))
		return Where(plus, ones, Neg(ones))
	}
}

// NormalFn returns an initializer that draws from Normal(mean, stddev).
func NormalFn(rng *random.Random, mean, stddev float64) context.VariableInitializer {
	return func(g *Graph, shape shapes.Shape) *Node {
		return AddScalar(MulScalar(rng.Normal(g, shape), stddev), mean)
	}
}

// ScalingInitializer selects the initializer for the alpha and gamma scaling
// vectors from a single signed value v:
//
//   - v > 0 selects random signs with probability v of +1;
//   - v <= 0 selects Normal(mean 1, stddev -v), a perturbation around the
//     identity scaling.
func ScalingInitializer(rng *random.Random, v float64) context.VariableInitializer {
	if v > 0 {
		return RandomSignFn(rng, v)
	}
	return NormalFn(rng, 1, -v)
}
