// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pgexplainer

import (
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// noiseEpsilon keeps the uniform noise strictly inside (0, 1) so the logit
// transform below never sees 0 or 1.
const noiseEpsilon = 1e-4

// sampleNoiseGraph maps uniform samples in [0, 1) into the open interval
// (bias+noiseEpsilon, 1-bias-noiseEpsilon) used by the concrete relaxation.
// sampleBias > 0 narrows the interval, biasing samples away from the extremes.
func sampleNoiseGraph(uniform *Node, sampleBias float64) *Node {
	b := sampleBias + noiseEpsilon
	return AddScalar(MulScalar(uniform, 2*b-1), 1-b)
}

// concreteMaskGraph samples soft edge masks with the reparameterization
// trick: a concrete (binary Gumbel-softmax) relaxation of per-edge Bernoulli
// variables. noise must be strictly inside (0, 1), see sampleNoiseGraph.
//
//	mask = sigmoid((log(noise) - log(1-noise) + logits) / temperature)
//
// The result has the shape of logits with every entry strictly in (0, 1), and
// is differentiable with respect to logits. High temperatures give masks near
// 0.5, low temperatures push them towards hard 0/1 gates.
func concreteMaskGraph(logits, noise, temperature *Node) *Node {
	gate := Sub(Log(noise), Log(OneMinus(noise)))
	gate = Div(Add(gate, logits), temperature)
	return Sigmoid(gate)
}

// deterministicMaskGraph is the inference-mode sampler: no noise, no
// temperature, just the sigmoid of the logits.
func deterministicMaskGraph(logits *Node) *Node {
	return Sigmoid(logits)
}

// temperatureAt returns the sampling temperature for the given epoch,
// annealed geometrically from start at epoch 0 towards end:
//
//	t(e) = start * (end/start)^(e/epochs)
func temperatureAt(start, end float64, epoch, numEpochs int) float64 {
	return start * math.Pow(end/start, float64(epoch)/float64(numEpochs))
}
