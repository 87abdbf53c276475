// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pgexplainer

import (
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/pgexplainer/graphs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// poolOnce adds to each node's state the mean of its in-neighbors' states,
// optionally scaling each edge's message by its weight.
func poolOnce(states, src, tgt, edgeWeights *Node) *Node {
	g := states.Graph()
	numNodes := states.Shape().Dimensions[0]
	dim := states.Shape().Dimensions[1]
	numEdges := src.Shape().Dimensions[0]
	messages := Gather(states, src)
	if edgeWeights != nil {
		messages = Mul(messages, BroadcastToDims(edgeWeights, numEdges, dim))
	}
	pooled := Scatter(tgt, messages, shapes.Make(states.DType(), numNodes, dim), false, false)
	counts := Scatter(tgt, Ones(g, shapes.Make(states.DType(), numEdges, 1)),
		shapes.Make(states.DType(), numNodes, 1), false, false)
	return Add(states, Div(pooled, BroadcastToDims(MaxScalar(counts, 1), numNodes, dim)))
}

// poolModel is a weightless two-layer pooling model: features double as
// logits, so predictions are a transparent function of the edges present.
type poolModel struct{ dim int }

func (m poolModel) EmbeddingSize() int { return m.dim }

func (m poolModel) EmbeddingGraph(features, src, tgt *Node) *Node {
	return poolOnce(features, src, tgt, nil)
}

func (m poolModel) ForwardGraph(features, src, tgt, edgeWeights *Node) *Node {
	return poolOnce(poolOnce(features, src, tgt, edgeWeights), src, tgt, edgeWeights)
}

var _ Model = poolModel{}

func TestNodeLabelFromNeighborhood(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	// Chain 2 -> 1 -> 0. Two pooling layers carry node 2's features into
	// node 0's full-graph logits ([10, 6], class 0), but node 0's 1-hop
	// neighborhood drops edge 2->1, where the logits are [1, 6], class 1.
	edges := graphs.MustNew([]int32{1, 2}, []int32{0, 1})
	features := tensors.FromFlatDataAndDimensions([]float32{1, 0, 0, 3, 9, 0}, 3, 2)
	dataset, err := NewNodeDataset(edges, features)
	require.NoError(t, err)

	explainer, err := New(backend, poolModel{2}, dataset, TaskNode).
		KHops(1).
		StateDir("").
		Done()
	require.NoError(t, err)
	require.NoError(t, explainer.reset(1))

	// The fidelity label must be the model's prediction on the neighborhood
	// subgraph, the same edges the masked forward pass runs on.
	samples, err := explainer.prepareSamples([]int{0})
	require.NoError(t, err)
	require.Len(t, samples, 1)
	label := samples[0].label.Value().([][]int32)
	assert.Equal(t, int32(1), label[0][0])
}

func TestExplainUsesFullGraphEmbeddings(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	// Node 0's 1-hop neighborhood keeps edges 1->0 and 0->1 but drops 2->1,
	// so node 1's embedding differs between the full graph and the subgraph.
	edges := graphs.MustNew([]int32{1, 0, 2}, []int32{0, 1, 1})
	features := tensors.FromFlatDataAndDimensions([]float32{1, 0, 0, 3, 9, 0}, 3, 2)
	dataset, err := NewNodeDataset(edges, features)
	require.NoError(t, err)

	explainer := New(backend, poolModel{2}, dataset, TaskNode).
		Epochs(2).
		KHops(1).
		StateDir("").
		MustDone()
	require.NoError(t, explainer.Train(3, []int{0}))

	subgraph, weights, err := explainer.Explain(0)
	require.NoError(t, err)
	wantSubgraph, err := graphs.KHopSubgraph(edges, 0, 1)
	require.NoError(t, err)
	require.Equal(t, wantSubgraph, subgraph)

	// The predictor was fitted on full-graph embeddings, so Explain must
	// score the subgraph's edges from those same embeddings.
	fullSrc, fullTgt := edges.Tensors()
	embeddings, err := explainer.embedExec.Exec1(features, fullSrc, fullTgt)
	require.NoError(t, err)
	subSrc, subTgt := wantSubgraph.Tensors()
	node := tensors.FromFlatDataAndDimensions([]int32{0}, 1, 1)
	wantExec := context.MustNewExec(backend, explainer.ctx,
		func(ctx *context.Context, embeddings, src, tgt, node *Node) *Node {
			edgeFeatures := edgeFeaturesGraph(embeddings, src, tgt, node)
			return deterministicMaskGraph(maskLogitsGraph(ctx.In(maskPredictorScope), edgeFeatures))
		})
	wantRows := wantExec.MustExec(embeddings, subSrc, subTgt, node)[0].Value().([][]float32)
	require.Len(t, weights, len(wantRows))
	for i, row := range wantRows {
		assert.InDeltaf(t, float64(row[0]), weights[i], 1e-6, "edge %d", i)
	}
}
