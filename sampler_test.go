// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pgexplainer

import (
	"math"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func sigmoid(x float64) float64 { return 1 / (1 + math.Exp(-x)) }

func TestConcreteMask(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	exec := MustNewExec(backend, func(logits, noise, temperature *Node) *Node {
		return concreteMaskGraph(logits, noise, temperature)
	})

	logits := [][]float32{{0.5}, {-3}, {7}, {0}}
	noise := [][]float32{{0.5}, {0.5}, {0.5}, {0.9}}
	mask := exec.MustExec(logits, noise, float32(2.0))[0].Value().([][]float32)
	require.Len(t, mask, 4)

	// Every sampled mask entry is strictly inside (0, 1), even for large logits.
	for i, row := range mask {
		assert.Greaterf(t, row[0], float32(0), "mask[%d]", i)
		assert.Lessf(t, row[0], float32(1), "mask[%d]", i)
	}

	// With noise 0.5 the gate reduces to logits/temperature.
	assert.InDelta(t, sigmoid(0.5/2.0), float64(mask[0][0]), 1e-5)
	assert.InDelta(t, sigmoid(-3.0/2.0), float64(mask[1][0]), 1e-5)

	// General case: sigmoid((log(u) - log(1-u) + logit) / t).
	want := sigmoid((math.Log(0.9) - math.Log(0.1)) / 2.0)
	assert.InDelta(t, want, float64(mask[3][0]), 1e-5)
}

func TestDeterministicMask(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	exec := MustNewExec(backend, func(logits *Node) *Node {
		return deterministicMaskGraph(logits)
	})
	mask := exec.MustExec([][]float32{{1.5}, {-0.5}})[0].Value().([][]float32)
	assert.InDelta(t, sigmoid(1.5), float64(mask[0][0]), 1e-5)
	assert.InDelta(t, sigmoid(-0.5), float64(mask[1][0]), 1e-5)
}

func TestSampleNoiseSeeding(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	sample := func(seed int64) []float32 {
		ctx := context.New()
		ctx.RngStateFromSeed(seed)
		exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			uniform := ctx.RandomUniform(g, shapes.Make(dtypes.Float32, 16, 1))
			return sampleNoiseGraph(uniform, 0)
		})
		rows := exec.MustExec()[0].Value().([][]float32)
		flat := make([]float32, len(rows))
		for i, row := range rows {
			flat[i] = row[0]
		}
		return flat
	}

	first := sample(42)
	for i, v := range first {
		// Noise stays strictly inside (0, 1) so log(u) and log(1-u) are finite.
		assert.Greaterf(t, v, float32(0), "noise[%d]", i)
		assert.Lessf(t, v, float32(1), "noise[%d]", i)
	}

	// Same seed, same samples; different seed, different samples.
	assert.Equal(t, first, sample(42))
	assert.NotEqual(t, first, sample(43))
}

func TestTemperatureSchedule(t *testing.T) {
	const epochs = 30
	assert.InDelta(t, 5.0, temperatureAt(5.0, 2.0, 0, epochs), 1e-9)
	assert.InDelta(t, 2.0, temperatureAt(5.0, 2.0, epochs, epochs), 1e-9)
	previous := math.Inf(1)
	for epoch := 0; epoch <= epochs; epoch++ {
		temperature := temperatureAt(5.0, 2.0, epoch, epochs)
		assert.Less(t, temperature, previous)
		assert.GreaterOrEqual(t, temperature, 2.0)
		previous = temperature
	}
}
