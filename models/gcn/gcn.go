// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package gcn implements a small two-layer graph convolution network with
// fixed weights, usable as the model explained by pgexplainer.
//
// Each layer mean-pools the states of a node's in-neighbors (optionally
// scaled by per-edge weights), adds the node's own state and applies a dense
// transform. The first layer's ReLU output is the node embedding; the second
// produces class logits, mean-pooled over nodes for graph-level tasks.
//
// The weights are plain tensors embedded as constants in the built graphs:
// this package does not train them, it exists to be explained.
package gcn

import (
	"math/rand"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/pgexplainer"
	"github.com/pkg/errors"
)

// GCN is a fixed-weight two-layer graph convolution network. It implements
// pgexplainer.Model.
type GCN struct {
	hiddenWeights, hiddenBias *tensors.Tensor // [numFeatures, hidden], [hidden]
	outputWeights, outputBias *tensors.Tensor // [hidden, numClasses], [numClasses]
	graphLevel                bool
}

// New creates a GCN from its layer weights. hiddenWeights must be
// [numFeatures, hidden], outputWeights [hidden, numClasses], and the biases
// the matching vectors. If graphLevel is true the logits are mean-pooled over
// nodes to a single [1, numClasses] row.
func New(hiddenWeights, hiddenBias, outputWeights, outputBias *tensors.Tensor, graphLevel bool) (*GCN, error) {
	if hiddenWeights.Rank() != 2 || outputWeights.Rank() != 2 {
		return nil, errors.Errorf("layer weights must be rank-2, got shapes %s and %s",
			hiddenWeights.Shape(), outputWeights.Shape())
	}
	hidden := hiddenWeights.Shape().Dimensions[1]
	if outputWeights.Shape().Dimensions[0] != hidden {
		return nil, errors.Errorf("output weights expect %d inputs but the hidden layer is %d wide",
			outputWeights.Shape().Dimensions[0], hidden)
	}
	if hiddenBias.Shape().Size() != hidden {
		return nil, errors.Errorf("hidden bias has %d elements for a hidden layer %d wide",
			hiddenBias.Shape().Size(), hidden)
	}
	if outputBias.Shape().Size() != outputWeights.Shape().Dimensions[1] {
		return nil, errors.Errorf("output bias has %d elements for %d classes",
			outputBias.Shape().Size(), outputWeights.Shape().Dimensions[1])
	}
	return &GCN{
		hiddenWeights: hiddenWeights,
		hiddenBias:    hiddenBias,
		outputWeights: outputWeights,
		outputBias:    outputBias,
		graphLevel:    graphLevel,
	}, nil
}

// NewRandom creates a GCN with weights drawn from rng, scaled down to keep
// logits in a tame range. Handy for demos and tests.
func NewRandom(rng *rand.Rand, numFeatures, hidden, numClasses int, graphLevel bool) *GCN {
	randTensor := func(dimensions ...int) *tensors.Tensor {
		size := 1
		for _, dim := range dimensions {
			size *= dim
		}
		data := make([]float32, size)
		for i := range data {
			data[i] = float32(rng.NormFloat64()) * 0.5
		}
		return tensors.FromFlatDataAndDimensions(data, dimensions...)
	}
	model, err := New(
		randTensor(numFeatures, hidden), randTensor(hidden),
		randTensor(hidden, numClasses), randTensor(numClasses),
		graphLevel)
	if err != nil {
		panic(err)
	}
	return model
}

// EmbeddingSize implements pgexplainer.Model.
func (m *GCN) EmbeddingSize() int {
	return m.hiddenWeights.Shape().Dimensions[1]
}

// EmbeddingGraph implements pgexplainer.Model: the ReLU output of the first
// convolution, shaped [numNodes, EmbeddingSize()].
func (m *GCN) EmbeddingGraph(features, edgeSources, edgeTargets *Node) *Node {
	return m.convGraph(features, edgeSources, edgeTargets, nil, m.hiddenWeights, m.hiddenBias, true)
}

// ForwardGraph implements pgexplainer.Model. With nil edgeWeights it is the
// plain forward pass; otherwise each edge's message is scaled by its weight.
func (m *GCN) ForwardGraph(features, edgeSources, edgeTargets, edgeWeights *Node) *Node {
	hidden := m.convGraph(features, edgeSources, edgeTargets, edgeWeights, m.hiddenWeights, m.hiddenBias, true)
	logits := m.convGraph(hidden, edgeSources, edgeTargets, edgeWeights, m.outputWeights, m.outputBias, false)
	if m.graphLevel {
		logits = InsertAxes(ReduceMean(logits, 0), 0) // [1, numClasses]
	}
	return logits
}

// convGraph is one convolution: mean-pool in-neighbor states (scaled by
// edgeWeights if given), add the node's own state, then a dense transform.
func (m *GCN) convGraph(states, edgeSources, edgeTargets, edgeWeights *Node, weights, bias *tensors.Tensor, relu bool) *Node {
	g := states.Graph()
	numNodes := states.Shape().Dimensions[0]
	stateDim := states.Shape().Dimensions[1]
	numEdges := edgeSources.Shape().Dimensions[0]

	messages := Gather(states, edgeSources) // [numEdges, stateDim]
	if edgeWeights != nil {
		messages = Mul(messages, BroadcastToDims(edgeWeights, numEdges, stateDim))
	}
	pooled := Scatter(edgeTargets, messages, shapes.Make(states.DType(), numNodes, stateDim), false, false)

	// Mean over incoming edges, guarding against isolated nodes.
	counts := Scatter(edgeTargets, Ones(g, shapes.Make(states.DType(), numEdges, 1)),
		shapes.Make(states.DType(), numNodes, 1), false, false)
	pooled = Div(pooled, BroadcastToDims(MaxScalar(counts, 1), numNodes, stateDim))

	output := Add(
		MatMul(Add(pooled, states), ConstCachedTensor(g, weights)),
		InsertAxes(ConstCachedTensor(g, bias), 0))
	if relu {
		output = activations.Relu(output)
	}
	return output
}

var _ pgexplainer.Model = (*GCN)(nil)
