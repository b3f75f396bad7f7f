// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ensemble implements BatchEnsemble layers: shared-weight layers whose
// inputs and outputs are rescaled by per-member rank-1 vectors ("alpha" and
// "gamma"), giving an ensemble of k models at close to the parameter cost of
// one.
//
// The batch axis carries the ensemble: with k members and batch size b,
// examples [i*(b/k), (i+1)*(b/k)) belong to member i, and b must be divisible
// by k. Tile the input batch k times to get every member's prediction for the
// same examples.
//
// Reference: "BatchEnsemble: An Alternative Approach to Efficient Ensemble
// and Lifelong Learning", Wen, Tran, Ba, ICLR 2020.
// https://arxiv.org/abs/2002.06715
package ensemble

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/gomlx/gomlx/pkg/support/xslices"
)

// applyPerMember applies op(x, rows) with one row of rows per ensemble member.
//
// x is shaped [batch, ..., channels] and rows [members, channels]. The batch
// axis is viewed as [members, batch/members], so each member's sub-batch gets
// its own row, broadcast across the remaining axes.
func applyPerMember(x, rows *Node, op func(lhs, rhs *Node) *Node) *Node {
	members := rows.Shape().Dimensions[0]
	channels := rows.Shape().Dimensions[1]
	xDims := x.Shape().Dimensions
	batchSize := xDims[0]
	if batchSize%members != 0 {
		Panicf("batch size %d is not divisible by the number of ensemble members %d", batchSize, members)
	}
	if xDims[len(xDims)-1] != channels {
		Panicf("x has %d channels (shape %s), but the per-member vectors have %d", xDims[len(xDims)-1], x.Shape(), channels)
	}

	grouped := make([]int, 0, len(xDims)+1)
	grouped = append(grouped, members, batchSize/members)
	grouped = append(grouped, xDims[1:]...)
	rowsDims := xslices.SliceWithValue(len(grouped), 1)
	rowsDims[0] = members
	rowsDims[len(rowsDims)-1] = channels

	y := op(Reshape(x, grouped...), Reshape(rows, rowsDims...))
	return Reshape(y, xDims...)
}

// memberScale multiplies each member's sub-batch of x by its row of scale.
func memberScale(x, scale *Node) *Node {
	return applyPerMember(x, scale, Mul)
}

// memberShift adds each member's row of shift to its sub-batch of x.
func memberShift(x, shift *Node) *Node {
	return applyPerMember(x, shift, Add)
}
