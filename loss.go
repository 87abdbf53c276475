// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pgexplainer

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
)

// logEpsilon clamps mask values before taking logs in the entropy and
// connectivity terms, keeping them finite at the (open) interval boundaries.
const logEpsilon = 1e-7

// Coefficients scale the three regularization terms of the explainer loss.
// The fidelity term is always weighted 1. With all coefficients zero the
// total loss reduces to the fidelity term alone.
type Coefficients struct {
	Size, Entropy, Connectivity float64
}

// DefaultCoefficients returns the regularization weights used when none are
// configured.
func DefaultCoefficients() Coefficients {
	return Coefficients{Size: 0.05, Entropy: 1.0, Connectivity: 0.0}
}

// lossTerms are the per-example loss and its components, all scalars.
// total = fidelity + size + entropy + connectivity, with the regularization
// terms already scaled by their coefficients.
type lossTerms struct {
	total, fidelity, size, entropy, connectivity *Node
}

// nodes returns the terms in the fixed order used by the training step
// outputs and the per-epoch metrics: total, fidelity, size, entropy,
// connectivity.
func (lt lossTerms) nodes() []*Node {
	return []*Node{lt.total, lt.fidelity, lt.size, lt.entropy, lt.connectivity}
}

// assembleLossGraph builds the explainer loss for one example.
//
//   - maskedLogits is the model output on the mask-weighted graph, [1, numClasses].
//   - label is the argmax class of the unweighted model output, (Int32)[1, 1].
//   - mask is the sampled edge mask, [numEdges, 1], strictly in (0, 1).
//   - pairFirst/pairSecond are (Int32)[numPairs, 1] positions into mask of edge
//     pairs sharing a source node, and pairWeights their [numPairs, 1] weights
//     (see graphs.SourcePairs). Zero-weight pairs contribute nothing, so a
//     dummy pair can stand in when a graph has no sibling edges.
func assembleLossGraph(maskedLogits, label, mask, pairFirst, pairSecond, pairWeights *Node, coefficients Coefficients) lossTerms {
	var lt lossTerms

	// Fidelity: cross-entropy between the masked prediction and the class the
	// unmasked model picked. Minimizing it keeps the masked graph predictive.
	lt.fidelity = ReduceAllSum(losses.SparseCategoricalCrossEntropyLogits(
		[]*Node{label}, []*Node{maskedLogits}))

	// Size: the mask's L1 norm, pushing unimportant edges towards 0.
	lt.size = MulScalar(ReduceAllSum(mask), coefficients.Size)

	// Entropy: mean binary entropy of the mask, pushing each entry away
	// from 0.5 towards a near-binary decision.
	m := ClipScalar(mask, logEpsilon, 1-logEpsilon)
	elementEntropy := Neg(Add(
		Mul(m, Log(m)),
		Mul(OneMinus(m), Log(OneMinus(m)))))
	lt.entropy = MulScalar(ReduceAllMean(elementEntropy), coefficients.Entropy)

	// Connectivity: binary cross-entropy between masks of edges sharing a
	// source node, pushing sibling edges towards agreeing with each other.
	first := ClipScalar(Gather(mask, pairFirst), logEpsilon, 1-logEpsilon)
	second := ClipScalar(Gather(mask, pairSecond), logEpsilon, 1-logEpsilon)
	pairScores := Neg(Add(
		Mul(first, Log(second)),
		Mul(OneMinus(first), Log(OneMinus(second)))))
	lt.connectivity = MulScalar(ReduceAllSum(Mul(pairScores, pairWeights)), coefficients.Connectivity)

	lt.total = Add(Add(lt.fidelity, lt.size), Add(lt.entropy, lt.connectivity))
	return lt
}

// predictedClassGraph returns the argmax class of the logits as (Int32)[1, 1],
// the label the fidelity term trains against.
func predictedClassGraph(logits *Node) *Node {
	return InsertAxes(ArgMax(logits, -1, dtypes.Int32), -1)
}
