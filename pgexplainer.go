// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package pgexplainer implements a parameterized explainer for graph neural
// network predictions.
//
// Given a trained GNN (the "model to explain") it trains a small MLP that
// maps per-edge feature vectors, built from node embeddings, to edge
// importance weights. Training optimizes the weights so that the model's
// prediction on the mask-weighted graph matches its original prediction
// (fidelity), while regularizing the mask to be small (size), near-binary
// (entropy) and consistent across edges leaving the same node (connectivity).
// Edge masks are sampled during training with a temperature-annealed concrete
// relaxation of a Bernoulli distribution, so gradients flow through the
// sampling step.
//
// Once trained, Explain returns a deterministic weight per edge, aligned with
// the queried graph's edge list.
//
// Example, explaining the prediction for node 13 of a node classification GNN:
//
//	explainer := pgexplainer.New(backend, model, dataset, pgexplainer.TaskNode).
//		Epochs(30).
//		LearningRate(0.003).
//		MustDone()
//	err := explainer.Prepare(42, nil)  // Loads or trains the explainer for seed 42.
//	edges, weights, err := explainer.Explain(13)
package pgexplainer

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/pgexplainer/graphs"
	"github.com/pkg/errors"
)

// TaskKind tells whether the model to explain classifies individual nodes or
// whole graphs. It changes how per-edge features are built and which row of
// the model output is compared against the original prediction.
type TaskKind int

const (
	// TaskNode explains per-node predictions over one shared graph.
	// Dataset indices are node indices.
	TaskNode TaskKind = iota

	// TaskGraph explains per-graph predictions.
	// Dataset indices address independent graphs.
	TaskGraph
)

// String implements fmt.Stringer.
func (t TaskKind) String() string {
	switch t {
	case TaskNode:
		return "node"
	case TaskGraph:
		return "graph"
	}
	return "invalid"
}

// Model is the trained GNN being explained. It is never mutated: its weights
// are expected to be embedded in the graphs it builds (e.g. as constants).
//
// Both methods are graph building functions: they take and return graph nodes
// and are called while building the explainer's computation graphs.
type Model interface {
	// EmbeddingSize returns the width of the node embeddings returned by EmbeddingGraph.
	EmbeddingSize() int

	// EmbeddingGraph returns node embeddings, shaped [numNodes, EmbeddingSize()].
	//
	// features is shaped [numNodes, numFeatures] and edgeSources/edgeTargets
	// are (Int32)[numEdges, 1] with the endpoints of each directed edge.
	EmbeddingGraph(features, edgeSources, edgeTargets *Node) *Node

	// ForwardGraph returns the model's logits: [numNodes, numClasses] for node
	// classification, [1, numClasses] for graph classification.
	//
	// edgeWeights is either nil, for the unweighted forward pass, or shaped
	// [numEdges, 1] with a weight in (0, 1) to scale the message of each edge.
	ForwardGraph(features, edgeSources, edgeTargets, edgeWeights *Node) *Node
}

// Node is an alias to graph.Node.
type Node = context.Node

// Dataset provides the graphs whose predictions can be explained.
//
// For TaskNode there is one shared graph and feature matrix, indices are node
// indices and Sample returns the same graph for all of them. For TaskGraph
// each index addresses an independent graph with its own features.
type Dataset interface {
	// NumSamples returns the number of valid indices.
	NumSamples() int

	// Sample returns the edges and the (Float32)[numNodes, numFeatures]
	// feature matrix for the given index. Out-of-range indices are an error.
	Sample(index int) (*graphs.EdgeList, *tensors.Tensor, error)
}

// NodeDataset is a Dataset for node classification tasks: one shared graph,
// one shared feature matrix, and one sample per node.
type NodeDataset struct {
	edges    *graphs.EdgeList
	features *tensors.Tensor
	numNodes int
}

// NewNodeDataset creates a Dataset over a single graph, where each node is a
// sample to be explained. features must be (Float32)[numNodes, numFeatures].
func NewNodeDataset(edges *graphs.EdgeList, features *tensors.Tensor) (*NodeDataset, error) {
	if features.Rank() != 2 {
		return nil, errors.Errorf("features must be rank-2 [numNodes, numFeatures], got shape %s", features.Shape())
	}
	numNodes := features.Shape().Dimensions[0]
	if err := edges.Validate(numNodes); err != nil {
		return nil, err
	}
	return &NodeDataset{edges: edges, features: features, numNodes: numNodes}, nil
}

// NumSamples implements Dataset: one sample per node.
func (ds *NodeDataset) NumSamples() int { return ds.numNodes }

// Sample implements Dataset. All indices share the same graph and features.
func (ds *NodeDataset) Sample(index int) (*graphs.EdgeList, *tensors.Tensor, error) {
	if index < 0 || index >= ds.numNodes {
		return nil, nil, errors.Errorf("node index %d out of range, dataset has %d nodes", index, ds.numNodes)
	}
	return ds.edges, ds.features, nil
}

// GraphDataset is a Dataset for graph classification tasks: one independent
// graph and feature matrix per index.
type GraphDataset struct {
	edges    []*graphs.EdgeList
	features []*tensors.Tensor
}

// NewGraphDataset creates a Dataset from parallel slices of graphs and their
// (Float32)[numNodes, numFeatures] feature matrices.
func NewGraphDataset(edges []*graphs.EdgeList, features []*tensors.Tensor) (*GraphDataset, error) {
	if len(edges) != len(features) {
		return nil, errors.Errorf("got %d graphs but %d feature matrices", len(edges), len(features))
	}
	if len(edges) == 0 {
		return nil, errors.New("dataset cannot be empty")
	}
	for i := range edges {
		if features[i].Rank() != 2 {
			return nil, errors.Errorf("features of graph %d must be rank-2, got shape %s", i, features[i].Shape())
		}
		if err := edges[i].Validate(features[i].Shape().Dimensions[0]); err != nil {
			return nil, errors.WithMessagef(err, "graph %d", i)
		}
	}
	return &GraphDataset{edges: edges, features: features}, nil
}

// NumSamples implements Dataset.
func (ds *GraphDataset) NumSamples() int { return len(ds.edges) }

// Sample implements Dataset.
func (ds *GraphDataset) Sample(index int) (*graphs.EdgeList, *tensors.Tensor, error) {
	if index < 0 || index >= len(ds.edges) {
		return nil, nil, errors.Errorf("graph index %d out of range, dataset has %d graphs", index, len(ds.edges))
	}
	return ds.edges[index], ds.features[index], nil
}

var (
	_ Dataset = (*NodeDataset)(nil)
	_ Dataset = (*GraphDataset)(nil)
)
