// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ensemble

import (
	"math"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/random"
	"github.com/stretchr/testify/require"
)

const numSamples = 10_000

func sampleInitializer(t *testing.T, init context.VariableInitializer) []float32 {
	backend := graphtest.BuildTestBackend()
	exec := MustNewExec(backend, func(g *Graph) *Node {
		return init(g, shapes.Make(F32, numSamples))
	})
	var outputs []*tensors.Tensor
	require.NotPanics(t, func() { outputs = exec.Call() })
	return outputs[0].Value().([]float32)
}

func TestRandomSignFn(t *testing.T) {
	rng := random.NewWithSeed(42)
	values := sampleInitializer(t, RandomSignFn(rng, 0.75))
	var positives int
	for _, v := range values {
		require.Equal(t, float32(1), float32(math.Abs(float64(v))))
		if v > 0 {
			positives++
		}
	}
	require.InDelta(t, 0.75, float64(positives)/numSamples, 0.02)
}

func TestNormalFn(t *testing.T) {
	rng := random.NewWithSeed(42)
	values := sampleInitializer(t, NormalFn(rng, 1, 0.5))
	var sum float64
	for _, v := range values {
		sum += float64(v)
	}
	mean := sum / numSamples
	var sumSq float64
	for _, v := range values {
		diff := float64(v) - mean
		sumSq += diff * diff
	}
	require.InDelta(t, 1.0, mean, 0.05)
	require.InDelta(t, 0.5, math.Sqrt(sumSq/numSamples), 0.05)
}

// TestScalingInitializer checks the sign convention of the selector: positive
// values select random signs with that probability of +1, non-positive values
// select a normal perturbation around 1 with the negated value as stddev.
func TestScalingInitializer(t *testing.T) {
	rng := random.NewWithSeed(17)
	values := sampleInitializer(t, ScalingInitializer(rng, 0.5))
	var positives int
	for _, v := range values {
		require.Equal(t, float32(1), float32(math.Abs(float64(v))))
		if v > 0 {
			positives++
		}
	}
	require.InDelta(t, 0.5, float64(positives)/numSamples, 0.02)

	values = sampleInitializer(t, ScalingInitializer(rng, -0.5))
	var sum float64
	allSigns := true
	for _, v := range values {
		sum += float64(v)
		if math.Abs(float64(v)) != 1 {
			allSigns = false
		}
	}
	require.False(t, allSigns)
	require.InDelta(t, 1.0, sum/numSamples, 0.05)
}
