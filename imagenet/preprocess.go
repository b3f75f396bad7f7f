// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package imagenet

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

// PreprocessImage converts raw images to the value range the model expects.
//
// It performs two tasks:
//
//   - It removes the alpha channel, in case it is provided (4 channels).
//   - It rescales the values from [0, maxValue] to [-1, 1].
//
// The input image must have a batch dimension (rank 4) and be channels-last.
func PreprocessImage(image *Node, maxValue float64) *Node {
	if image.Rank() != 4 {
		Panicf("PreprocessImage requires images shaped [batch, height, width, channels], got rank %d (%s)",
			image.Rank(), image.Shape())
	}
	if image.Shape().Dimensions[3] == 4 {
		image = Slice(image, AxisRange(), AxisRange(), AxisRange(), AxisRange(0, 3))
	}
	image = MulScalar(image, 2.0/maxValue)
	return AddScalar(image, -1.0)
}
