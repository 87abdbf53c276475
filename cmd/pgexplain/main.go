// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// pgexplain trains an explainer for a fixed random GCN over a synthetic
// ring-of-cliques graph and prints the most important edges for one node's
// prediction.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path"
	"sort"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/ui/plots"
	"github.com/gomlx/pgexplainer"
	"github.com/gomlx/pgexplainer/graphs"
	"github.com/gomlx/pgexplainer/models/gcn"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagSeed         = flag.Int64("seed", 42, "Seed for the explainer's parameters and samples.")
	flagNode         = flag.Int("node", 0, "Node whose prediction to explain.")
	flagEpochs       = flag.Int("epochs", 30, "Training epochs.")
	flagLearningRate = flag.Float64("learning_rate", 0.003, "Adam learning rate.")
	flagKHops        = flag.Int("k_hops", 3, "Neighborhood size around the explained node.")
	flagCliques      = flag.Int("cliques", 4, "Number of cliques in the synthetic graph.")
	flagCliqueSize   = flag.Int("clique_size", 5, "Nodes per clique.")
	flagNumFeatures  = flag.Int("num_features", 8, "Node feature dimensions.")
	flagStateDir     = flag.String("state_dir", "explainer_model", "Directory for persisted predictors; empty disables persistence.")
	flagTopEdges     = flag.Int("top", 10, "Number of top-weighted edges to print.")
)

// buildRingOfCliques creates cliques connected in a ring, a standard shape
// for explanation demos: within-clique edges matter, ring edges mostly don't.
func buildRingOfCliques(rng *rand.Rand, numCliques, cliqueSize, numFeatures int) (*graphs.EdgeList, *tensors.Tensor) {
	var sources, targets []int32
	addEdge := func(a, b int32) {
		sources = append(sources, a, b)
		targets = append(targets, b, a)
	}
	for c := 0; c < numCliques; c++ {
		base := int32(c * cliqueSize)
		for i := 0; i < cliqueSize; i++ {
			for j := i + 1; j < cliqueSize; j++ {
				addEdge(base+int32(i), base+int32(j))
			}
		}
		next := int32(((c + 1) % numCliques) * cliqueSize)
		addEdge(base, next)
	}
	numNodes := numCliques * cliqueSize
	features := make([]float32, numNodes*numFeatures)
	for i := range features {
		features[i] = float32(rng.NormFloat64())
	}
	return graphs.MustNew(sources, targets),
		tensors.FromFlatDataAndDimensions(features, numNodes, numFeatures)
}

func main() {
	flag.Parse()
	backend := backends.MustNew()
	fmt.Printf("Backend: %s, %s\n", backend.Name(), backend.Description())

	rng := rand.New(rand.NewSource(*flagSeed))
	edges, features := buildRingOfCliques(rng, *flagCliques, *flagCliqueSize, *flagNumFeatures)
	fmt.Printf("Graph: %d nodes, %d directed edges\n", features.Shape().Dimensions[0], edges.NumEdges())

	model := gcn.NewRandom(rng, *flagNumFeatures, 16, 4, false)
	dataset := must.M1(pgexplainer.NewNodeDataset(edges, features))

	config := pgexplainer.New(backend, model, dataset, pgexplainer.TaskNode).
		Epochs(*flagEpochs).
		LearningRate(*flagLearningRate).
		KHops(*flagKHops).
		StateDir(*flagStateDir).
		ProgressBar(true)
	if *flagStateDir != "" {
		// Metrics live next to the seed's checkpoint, where
		// plots.LoadPointsFromCheckpoint finds them.
		runDir := path.Join(*flagStateDir, fmt.Sprintf("model%d", *flagSeed))
		must.M(os.MkdirAll(runDir, 0755))
		config = config.WithMetricsSink(pgexplainer.NewPointsFileSink(
			path.Join(runDir, plots.TrainingPlotFileName)))
	}
	explainer := must.M1(config.Done())

	if err := explainer.Prepare(*flagSeed, nil); err != nil {
		klog.Fatalf("Failed to prepare explainer: %+v", err)
	}

	subgraph, weights, err := explainer.Explain(*flagNode)
	if err != nil {
		klog.Fatalf("Failed to explain node %d: %+v", *flagNode, err)
	}

	order := make([]int, len(weights))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return weights[order[a]] > weights[order[b]] })

	fmt.Printf("\nTop edges explaining the prediction of node %d (%d edges in its neighborhood):\n",
		*flagNode, subgraph.NumEdges())
	for rank, i := range order {
		if rank >= *flagTopEdges {
			break
		}
		fmt.Printf("\t%3d -> %-3d  weight=%.4f\n", subgraph.Sources[i], subgraph.Targets[i], weights[i])
	}
}
