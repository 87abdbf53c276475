// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graphs holds host-side graph structures used by the explainer:
// edge lists, k-hop neighborhood extraction and the pairwise edge groupings
// consumed by the connectivity regularizer.
//
// Edges are directed and stored as two parallel slices of int32 node indices,
// the same representation used to feed Gather/Scatter based message passing.
// The order of the edges is significant: edge weights returned by the
// explainer are aligned with it.
package graphs

import (
	"slices"
	"sort"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// EdgeList is a directed graph given as two parallel lists of node indices.
// Edge i goes from Sources[i] to Targets[i].
type EdgeList struct {
	Sources, Targets []int32
}

// New creates an EdgeList from parallel source and target slices.
// The slices are used as is, not copied.
func New(sources, targets []int32) (*EdgeList, error) {
	if len(sources) != len(targets) {
		return nil, errors.Errorf("sources and targets must have the same length, got %d and %d",
			len(sources), len(targets))
	}
	if len(sources) == 0 {
		return nil, errors.New("edge list cannot be empty")
	}
	return &EdgeList{Sources: sources, Targets: targets}, nil
}

// MustNew is like New but panics on error.
func MustNew(sources, targets []int32) *EdgeList {
	e, err := New(sources, targets)
	if err != nil {
		panic(err)
	}
	return e
}

// NumEdges returns the number of edges.
func (e *EdgeList) NumEdges() int { return len(e.Sources) }

// MaxNodeIndex returns the largest node index referenced by any edge.
func (e *EdgeList) MaxNodeIndex() int32 {
	return max(slices.Max(e.Sources), slices.Max(e.Targets))
}

// Validate checks that every edge endpoint is a valid node index in [0, numNodes).
func (e *EdgeList) Validate(numNodes int) error {
	for i := range e.Sources {
		if e.Sources[i] < 0 || int(e.Sources[i]) >= numNodes {
			return errors.Errorf("edge %d has source node %d, out of range for %d nodes",
				i, e.Sources[i], numNodes)
		}
		if e.Targets[i] < 0 || int(e.Targets[i]) >= numNodes {
			return errors.Errorf("edge %d has target node %d, out of range for %d nodes",
				i, e.Targets[i], numNodes)
		}
	}
	return nil
}

// Clone returns a deep copy.
func (e *EdgeList) Clone() *EdgeList {
	return &EdgeList{
		Sources: slices.Clone(e.Sources),
		Targets: slices.Clone(e.Targets),
	}
}

// Tensors converts the edge list to two (Int32)[NumEdges, 1] tensors, the
// shape expected by Gather/Scatter when pooling messages over edges.
func (e *EdgeList) Tensors() (sources, targets *tensors.Tensor) {
	numEdges := e.NumEdges()
	sources = tensors.FromFlatDataAndDimensions(slices.Clone(e.Sources), numEdges, 1)
	targets = tensors.FromFlatDataAndDimensions(slices.Clone(e.Targets), numEdges, 1)
	return
}

// PositionOf returns the position of the first edge (source, target) in the
// list, or -1 if there is no such edge.
func (e *EdgeList) PositionOf(source, target int32) int {
	for i := range e.Sources {
		if e.Sources[i] == source && e.Targets[i] == target {
			return i
		}
	}
	return -1
}

// KHopSubgraph extracts the neighborhood used to explain the prediction of
// one node: it grows a frontier from node over incoming edges for the given
// number of hops and keeps every edge whose two endpoints fall inside the
// neighborhood. Node indices are preserved, so features and embeddings of the
// full graph remain addressable from the returned edges.
func KHopSubgraph(e *EdgeList, node int32, hops int) (*EdgeList, error) {
	if hops <= 0 {
		return nil, errors.Errorf("number of hops must be > 0, got %d", hops)
	}
	inNeighborhood := map[int32]bool{node: true}
	frontier := []int32{node}
	for hop := 0; hop < hops && len(frontier) > 0; hop++ {
		var next []int32
		for i := range e.Targets {
			if !slices.Contains(frontier, e.Targets[i]) {
				continue
			}
			src := e.Sources[i]
			if !inNeighborhood[src] {
				inNeighborhood[src] = true
				next = append(next, src)
			}
		}
		frontier = next
	}

	sub := &EdgeList{}
	for i := range e.Sources {
		if inNeighborhood[e.Sources[i]] && inNeighborhood[e.Targets[i]] {
			sub.Sources = append(sub.Sources, e.Sources[i])
			sub.Targets = append(sub.Targets, e.Targets[i])
		}
	}
	if sub.NumEdges() == 0 {
		return nil, errors.Errorf("node %d has no edges within %d hop(s)", node, hops)
	}
	return sub, nil
}

// SourcePairs enumerates, for every source node with two or more outgoing
// edges, all pairs of its edge positions. It returns the two position slices
// plus a weight per pair, set so that the weighted sum of per-pair scores is
// the mean over groups of the per-group mean: 1/(pairsInGroup * numGroups),
// with numGroups counting only sources that contributed at least one pair.
//
// A graph where every source has a single outgoing edge yields empty slices.
func SourcePairs(e *EdgeList) (first, second []int32, weights []float32) {
	bySource := make(map[int32][]int32)
	for i, src := range e.Sources {
		bySource[src] = append(bySource[src], int32(i))
	}
	sources := make([]int32, 0, len(bySource))
	numGroups := 0
	for src, positions := range bySource {
		if len(positions) < 2 {
			continue
		}
		sources = append(sources, src)
		numGroups++
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i] < sources[j] })

	for _, src := range sources {
		positions := bySource[src]
		numPairs := len(positions) * (len(positions) - 1) / 2
		weight := 1.0 / (float32(numPairs) * float32(numGroups))
		for i := 0; i < len(positions); i++ {
			for j := i + 1; j < len(positions); j++ {
				first = append(first, positions[i])
				second = append(second, positions[j])
				weights = append(weights, weight)
			}
		}
	}
	return
}
