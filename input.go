// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pgexplainer

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/fnn"
)

// MaskPredictorHiddenDim is the width of the mask predictor's hidden layer.
const MaskPredictorHiddenDim = 64

// edgeFeaturesGraph builds the per-edge feature matrix fed to the mask
// predictor by concatenating node embeddings along each edge.
//
// embeddings is [numNodes, embSize] and edgeSources/edgeTargets are
// (Int32)[numEdges, 1]. For graph tasks (explainedNode == nil) the result is
// [numEdges, 2*embSize]: source embedding followed by target embedding. For
// node tasks explainedNode is (Int32)[1, 1] with the node being explained, and
// its embedding is appended to every row: [numEdges, 3*embSize].
func edgeFeaturesGraph(embeddings, edgeSources, edgeTargets, explainedNode *Node) *Node {
	sourceEmbeds := Gather(embeddings, edgeSources)
	targetEmbeds := Gather(embeddings, edgeTargets)
	parts := []*Node{sourceEmbeds, targetEmbeds}
	if explainedNode != nil {
		numEdges := sourceEmbeds.Shape().Dimensions[0]
		embSize := embeddings.Shape().Dimensions[1]
		nodeEmbed := Gather(embeddings, explainedNode) // [1, embSize]
		parts = append(parts, BroadcastToDims(nodeEmbed, numEdges, embSize))
	}
	return Concatenate(parts, -1)
}

// maskLogitsGraph applies the mask predictor to the per-edge features and
// returns one logit per edge, shaped [numEdges, 1]. The predictor is an MLP
// with a single ReLU hidden layer; its parameters, the only learnable state
// of the explainer, live under the given context scope.
func maskLogitsGraph(ctx *context.Context, edgeFeatures *Node) *Node {
	return fnn.New(ctx, edgeFeatures, 1).
		NumHiddenLayers(1, MaskPredictorHiddenDim).
		Activation(activations.TypeRelu).
		Done()
}
