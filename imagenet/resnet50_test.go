// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package imagenet

import (
	"fmt"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

var F32 = dtypes.Float32

func TestResNet50(t *testing.T) {
	const (
		batchSize  = 2
		numClasses = 13
	)
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, g *Graph) (*Node, *Node) {
		// Small images keep the test fast; the topology is unchanged.
		images := Zeros(g, shapes.Make(F32, batchSize, 64, 64, 3))
		probabilities := ResNet50(ctx, images).NumClasses(numClasses).Done()
		rowSums := ReduceSum(probabilities, -1)
		return probabilities, rowSums
	})
	var outputs []*tensors.Tensor
	require.NotPanics(t, func() { outputs = exec.MustExec() })
	require.True(t, outputs[0].Shape().Equal(shapes.Make(F32, batchSize, numClasses)))

	// The head is a softmax: each row must sum to 1.
	rowSums := outputs[1].Value().([]float32)
	for _, sum := range rowSums {
		require.InDelta(t, 1.0, sum, 1e-4)
	}

	// Stages 2 to 5 have 3, 4, 6 and 3 blocks, labeled from 'a'.
	for stage, numBlocks := range map[int]int{2: 3, 3: 4, 4: 6, 5: 3} {
		for block := 0; block < numBlocks; block++ {
			scope := fmt.Sprintf("/res%d%c_branch2a", stage, 'a'+rune(block))
			require.NotNilf(t, ctx.InspectVariable(scope, "weights"), "missing convolution in scope %q", scope)
		}
		beyond := fmt.Sprintf("/res%d%c_branch2a", stage, 'a'+rune(numBlocks))
		require.Nilf(t, ctx.InspectVariable(beyond, "weights"), "unexpected convolution in scope %q", beyond)

		// Only the first block of each stage has a projection shortcut.
		require.NotNilf(t, ctx.InspectVariable(fmt.Sprintf("/res%da_branch1", stage), "weights"),
			"missing projection shortcut in stage %d", stage)
		require.Nilf(t, ctx.InspectVariable(fmt.Sprintf("/res%db_branch1", stage), "weights"),
			"unexpected projection shortcut in stage %d", stage)
	}

	// The bottleneck of stage 5 outputs 2048 channels from 512 filters.
	v := ctx.InspectVariable("/res5c_branch2c", "weights")
	require.NotNil(t, v)
	require.True(t, v.Shape().Equal(shapes.Make(F32, 1, 1, 512, 2048)))
}

func TestResNet50DefaultClasses(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		images := Zeros(g, shapes.Make(F32, 2, 32, 32, 3))
		return ResNet50(ctx, images).Done()
	})
	outputs := exec.MustExec()
	require.True(t, outputs[0].Shape().Equal(shapes.Make(F32, 2, 1000)))
}

// TestIdentityBlock checks the block preserves its input shape.
func TestIdentityBlock(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	cfg := &Config{}
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		x := IotaFull(g, shapes.Make(F32, 2, 8, 8, 16))
		return cfg.identityBlock(ctx, x, 2, 'z', 4, 16)
	})
	outputs := exec.MustExec()
	require.True(t, outputs[0].Shape().Equal(shapes.Make(F32, 2, 8, 8, 16)))
}

// TestConvBlock checks a stride-2 block halves the spatial dimensions and
// projects to the bottleneck output channels.
func TestConvBlock(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	cfg := &Config{}
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		x := IotaFull(g, shapes.Make(F32, 2, 8, 8, 16))
		return cfg.convBlock(ctx, x, 2, 'z', 4, 32, 2)
	})
	outputs := exec.MustExec()
	require.True(t, outputs[0].Shape().Equal(shapes.Make(F32, 2, 4, 4, 32)))
}

func TestPreprocessImage(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	exec := MustNewExec(backend, func(g *Graph) *Node {
		// RGBA input with values from 0 to 255.
		image := MulScalar(IotaFull(g, shapes.Make(F32, 1, 2, 2, 4)), 17)
		return PreprocessImage(image, 255)
	})
	outputs := exec.Call()
	require.True(t, outputs[0].Shape().Equal(shapes.Make(F32, 1, 2, 2, 3)))
	values := outputs[0].Value().([][][][]float32)
	require.InDelta(t, -1.0, values[0][0][0][0], 1e-5)
	for _, row := range values[0] {
		for _, pixel := range row {
			for _, channel := range pixel {
				require.GreaterOrEqual(t, channel, float32(-1))
				require.LessOrEqual(t, channel, float32(1))
			}
		}
	}
}
