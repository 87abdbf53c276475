// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gcn_test

import (
	"math/rand"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/pgexplainer/models/gcn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestNewValidation(t *testing.T) {
	matrix := func(rows, cols int) *tensors.Tensor {
		return tensors.FromFlatDataAndDimensions(make([]float32, rows*cols), rows, cols)
	}
	vector := func(size int) *tensors.Tensor {
		return tensors.FromFlatDataAndDimensions(make([]float32, size), size)
	}

	_, err := gcn.New(matrix(4, 8), vector(8), matrix(8, 3), vector(3), false)
	assert.NoError(t, err)

	_, err = gcn.New(vector(4), vector(8), matrix(8, 3), vector(3), false)
	assert.ErrorContains(t, err, "rank-2")
	_, err = gcn.New(matrix(4, 8), vector(8), matrix(7, 3), vector(3), false)
	assert.ErrorContains(t, err, "hidden layer")
	_, err = gcn.New(matrix(4, 8), vector(5), matrix(8, 3), vector(3), false)
	assert.ErrorContains(t, err, "hidden bias")
	_, err = gcn.New(matrix(4, 8), vector(8), matrix(8, 3), vector(4), false)
	assert.ErrorContains(t, err, "output bias")
}

func TestForwardShapes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	rng := rand.New(rand.NewSource(5))
	model := gcn.NewRandom(rng, 4, 8, 3, false)
	assert.Equal(t, 8, model.EmbeddingSize())

	// A directed 4-cycle.
	features := tensors.FromFlatDataAndDimensions([]float32{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}, 4, 4)
	src := tensors.FromFlatDataAndDimensions([]int32{0, 1, 2, 3}, 4, 1)
	tgt := tensors.FromFlatDataAndDimensions([]int32{1, 2, 3, 0}, 4, 1)

	embeddings := MustNewExec(backend, func(features, src, tgt *Node) *Node {
		return model.EmbeddingGraph(features, src, tgt)
	}).MustExec(features, src, tgt)[0]
	assert.Equal(t, []int{4, 8}, embeddings.Shape().Dimensions)

	logits := MustNewExec(backend, func(features, src, tgt *Node) *Node {
		return model.ForwardGraph(features, src, tgt, nil)
	}).MustExec(features, src, tgt)[0]
	assert.Equal(t, []int{4, 3}, logits.Shape().Dimensions)

	// Edge weights of 1 reproduce the unweighted forward pass.
	ones := tensors.FromFlatDataAndDimensions([]float32{1, 1, 1, 1}, 4, 1)
	weighted := MustNewExec(backend, func(features, src, tgt, edgeWeights *Node) *Node {
		return model.ForwardGraph(features, src, tgt, edgeWeights)
	}).MustExec(features, src, tgt, ones)[0]
	wantRows := logits.Value().([][]float32)
	gotRows := weighted.Value().([][]float32)
	require.Len(t, gotRows, len(wantRows))
	for i := range wantRows {
		assert.InDeltaSlicef(t, wantRows[i], gotRows[i], 1e-6, "node %d", i)
	}

	// Graph-level models pool the logits to a single row.
	graphModel := gcn.NewRandom(rng, 4, 8, 3, true)
	pooled := MustNewExec(backend, func(features, src, tgt *Node) *Node {
		return graphModel.ForwardGraph(features, src, tgt, nil)
	}).MustExec(features, src, tgt)[0]
	assert.Equal(t, []int{1, 3}, pooled.Shape().Dimensions)
}

func TestZeroEdgeWeightsBlockMessages(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	rng := rand.New(rand.NewSource(9))
	model := gcn.NewRandom(rng, 2, 4, 2, false)

	// With all edge weights at zero no messages flow, so node 1's embedding
	// must not depend on node 0's features.
	src := tensors.FromFlatDataAndDimensions([]int32{0}, 1, 1)
	tgt := tensors.FromFlatDataAndDimensions([]int32{1}, 1, 1)
	zeros := tensors.FromFlatDataAndDimensions([]float32{0}, 1, 1)
	exec := MustNewExec(backend, func(features, src, tgt, edgeWeights *Node) *Node {
		return model.ForwardGraph(features, src, tgt, edgeWeights)
	})

	featuresA := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2)
	featuresB := tensors.FromFlatDataAndDimensions([]float32{-5, 7, 3, 4}, 2, 2)
	rowsA := exec.MustExec(featuresA, src, tgt, zeros)[0].Value().([][]float32)
	rowsB := exec.MustExec(featuresB, src, tgt, zeros)[0].Value().([][]float32)
	assert.InDeltaSlice(t, rowsA[1], rowsB[1], 1e-6)
	assert.NotEqual(t, rowsA[0], rowsB[0])
}
