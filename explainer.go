// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pgexplainer

import (
	"fmt"
	"os"
	"path"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/plots"
	"github.com/gomlx/pgexplainer/graphs"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

const (
	// maskPredictorScope is the context scope holding the mask predictor's
	// parameters, the only state persisted in checkpoints.
	maskPredictorScope = "mask_predictor"

	// gradAccumulatorScope is the root scope of the per-variable gradient
	// accumulators summed over one epoch before the single optimizer step.
	gradAccumulatorScope = "grad_accumulator"
)

// State of an Explainer. Prepare, Train and Explain move it along
// StateUninitialized -> StateTraining -> StateTrained.
type State int

const (
	// StateUninitialized: no trained mask predictor yet, Explain fails.
	StateUninitialized State = iota

	// StateTraining: a Train call is in flight.
	StateTraining

	// StateTrained: the mask predictor is ready, Explain is available.
	StateTrained
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateTraining:
		return "training"
	case StateTrained:
		return "trained"
	}
	return "invalid"
}

// Config builds an Explainer. Create it with New, adjust the defaults with
// the chained setters and call Done (or MustDone).
type Config struct {
	backend backends.Backend
	model   Model
	dataset Dataset
	task    TaskKind

	epochs             int
	learningRate       float64
	tempStart, tempEnd float64
	coefficients       Coefficients
	sampleBias         float64
	kHops              int
	stateDir           string
	sink               MetricsSink
	showProgress       bool

	err error
}

// New starts the configuration of an Explainer for the given model and
// dataset. Call Done when finished configuring.
func New(backend backends.Backend, model Model, dataset Dataset, task TaskKind) *Config {
	return &Config{
		backend:      backend,
		model:        model,
		dataset:      dataset,
		task:         task,
		epochs:       30,
		learningRate: 0.003,
		tempStart:    5.0,
		tempEnd:      2.0,
		coefficients: DefaultCoefficients(),
		sampleBias:   0,
		kHops:        3,
		stateDir:     "explainer_model",
		sink:         nopSink{},
	}
}

// Epochs sets the number of training epochs. Each epoch sweeps all trained
// indices and applies exactly one optimizer step. Defaults to 30.
func (c *Config) Epochs(epochs int) *Config {
	if epochs <= 0 {
		c.setError(errors.Errorf("epochs must be > 0, got %d", epochs))
	}
	c.epochs = epochs
	return c
}

// LearningRate sets the Adam learning rate. Defaults to 0.003.
func (c *Config) LearningRate(lr float64) *Config {
	if lr <= 0 {
		c.setError(errors.Errorf("learning rate must be > 0, got %g", lr))
	}
	c.learningRate = lr
	return c
}

// Temperature sets the sampling temperature schedule: start at epoch 0,
// annealed geometrically towards end. Defaults to (5.0, 2.0).
func (c *Config) Temperature(start, end float64) *Config {
	if start <= 0 || end <= 0 {
		c.setError(errors.Errorf("temperatures must be > 0, got start=%g, end=%g", start, end))
	}
	c.tempStart, c.tempEnd = start, end
	return c
}

// WithCoefficients sets the regularization weights of the loss. See
// DefaultCoefficients for the defaults.
func (c *Config) WithCoefficients(coefficients Coefficients) *Config {
	c.coefficients = coefficients
	return c
}

// SampleBias biases training-time samples away from the extremes of (0, 1).
// Defaults to 0.
func (c *Config) SampleBias(bias float64) *Config {
	if bias < 0 || bias >= 0.5 {
		c.setError(errors.Errorf("sample bias must be in [0, 0.5), got %g", bias))
	}
	c.sampleBias = bias
	return c
}

// KHops sets the neighborhood size used to extract the subgraph around the
// explained node. Only used for TaskNode. Defaults to 3.
func (c *Config) KHops(hops int) *Config {
	if hops <= 0 {
		c.setError(errors.Errorf("k-hops must be > 0, got %d", hops))
	}
	c.kHops = hops
	return c
}

// StateDir sets the directory under which trained mask predictors are
// persisted, one "model<seed>" checkpoint directory per seed. The empty
// string disables persistence. Defaults to "explainer_model".
func (c *Config) StateDir(dir string) *Config {
	c.stateDir = dir
	return c
}

// WithMetricsSink directs the per-epoch training metrics to the given sink.
// The sink is closed at the end of each Train call. Defaults to a no-op sink.
func (c *Config) WithMetricsSink(sink MetricsSink) *Config {
	c.sink = sink
	return c
}

// ProgressBar enables a progress bar over training epochs. Off by default.
func (c *Config) ProgressBar(enabled bool) *Config {
	c.showProgress = enabled
	return c
}

func (c *Config) setError(err error) {
	if c.err == nil {
		c.err = err
	}
}

// Done validates the configuration and returns the Explainer, in
// StateUninitialized.
func (c *Config) Done() (*Explainer, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.backend == nil {
		return nil, errors.New("a backend is required")
	}
	if c.model == nil {
		return nil, errors.New("a model to explain is required")
	}
	if c.dataset == nil {
		return nil, errors.New("a dataset is required")
	}
	if c.task != TaskNode && c.task != TaskGraph {
		return nil, errors.Errorf("invalid task kind %d", c.task)
	}
	if c.model.EmbeddingSize() <= 0 {
		return nil, errors.Errorf("model reports embedding size %d, must be > 0", c.model.EmbeddingSize())
	}
	return &Explainer{cfg: *c, state: StateUninitialized}, nil
}

// MustDone is like Done but panics on error.
func (c *Config) MustDone() *Explainer {
	e, err := c.Done()
	if err != nil {
		panic(err)
	}
	return e
}

// Explainer holds the mask predictor and the machinery to train it and to
// extract explanations. Create it with New(...).Done().
//
// It is not safe for concurrent use.
type Explainer struct {
	cfg   Config
	state State

	ctx       *context.Context
	optimizer optimizers.Interface

	stepExec, applyExec, maskExec *context.Exec
	embedExec, labelExec          *Exec
}

// State returns the current state of the explainer.
func (e *Explainer) State() State { return e.state }

// checkpointDir is the per-seed directory holding the persisted predictor.
func (e *Explainer) checkpointDir(seed int64) string {
	return path.Join(e.cfg.stateDir, fmt.Sprintf("model%d", seed))
}

// reset discards any previous predictor and rebuilds the context and the
// executors, seeding the context RNG: it fixes both the predictor's parameter
// initialization and the training-time mask samples.
func (e *Explainer) reset(seed int64) error {
	e.ctx = context.New()
	e.ctx.RngStateFromSeed(seed)
	e.state = StateUninitialized
	e.optimizer = optimizers.Adam().LearningRate(e.cfg.learningRate).Done()

	var err error
	e.stepExec, err = context.NewExecAny(e.cfg.backend, e.ctx, e.trainStepGraph)
	if err != nil {
		return errors.WithMessage(err, "building training step executor")
	}
	e.maskExec, err = context.NewExecAny(e.cfg.backend, e.ctx, e.maskGraph)
	if err != nil {
		return errors.WithMessage(err, "building mask executor")
	}
	e.applyExec, err = context.NewExecAny(e.cfg.backend, e.ctx, e.applyUpdateGraph)
	if err != nil {
		return errors.WithMessage(err, "building update executor")
	}
	e.embedExec, err = NewExecOrError(e.cfg.backend, func(features, src, tgt *Node) *Node {
		return e.cfg.model.EmbeddingGraph(features, src, tgt)
	})
	if err != nil {
		return errors.WithMessage(err, "building embedding executor")
	}
	e.labelExec, err = NewExecOrError(e.cfg.backend, func(features, src, tgt *Node) *Node {
		return predictedClassGraph(e.cfg.model.ForwardGraph(features, src, tgt, nil))
	})
	if err != nil {
		return errors.WithMessage(err, "building label executor")
	}
	// One compiled graph per distinct sample shape: subgraphs vary in edge
	// count, so the default cache limit aborts on datasets with more than a
	// handful of distinct shapes.
	e.stepExec.SetMaxCache(-1)
	e.maskExec.SetMaxCache(-1)
	e.embedExec.SetMaxCache(-1)
	e.labelExec.SetMaxCache(-1)
	return nil
}

// Prepare makes the explainer ready to Explain: if a predictor trained with
// this seed was persisted before, it is loaded; otherwise Train is run on the
// given indices (nil means all dataset samples) and the result persisted.
func (e *Explainer) Prepare(seed int64, indices []int) error {
	if e.cfg.stateDir != "" {
		if err := e.reset(seed); err != nil {
			return err
		}
		dir := e.checkpointDir(seed)
		handler, err := checkpoints.Build(e.ctx).Dir(dir).Keep(1).Done()
		if err != nil {
			return errors.WithMessagef(err, "opening checkpoint directory %q", dir)
		}
		has, err := handler.HasCheckpoints()
		if err != nil {
			return errors.WithMessagef(err, "listing checkpoints in %q", dir)
		}
		if has {
			klog.V(1).Infof("pgexplainer: loaded predictor for seed %d from %q", seed, dir)
			e.state = StateTrained
			return nil
		}
		klog.V(1).Infof("pgexplainer: no checkpoint for seed %d in %q, training", seed, dir)
	}
	return e.Train(seed, indices)
}

// Train (re-)trains the mask predictor from scratch with the given seed over
// the given dataset indices (nil means all). If a state directory is
// configured, the trained predictor is persisted for later Prepare calls.
func (e *Explainer) Train(seed int64, indices []int) error {
	if err := e.reset(seed); err != nil {
		return err
	}
	if indices == nil {
		indices = make([]int, e.cfg.dataset.NumSamples())
		for i := range indices {
			indices[i] = i
		}
	}
	if len(indices) == 0 {
		return errors.New("no indices to train on")
	}
	e.state = StateTraining

	samples, err := e.prepareSamples(indices)
	if err != nil {
		return err
	}

	var bar *progressbar.ProgressBar
	if e.cfg.showProgress {
		bar = progressbar.Default(int64(e.cfg.epochs), "training explainer")
	}
	for epoch := 0; epoch < e.cfg.epochs; epoch++ {
		temperature := tensors.FromScalar(float32(
			temperatureAt(e.cfg.tempStart, e.cfg.tempEnd, epoch, e.cfg.epochs)))
		var sums [len(epochMetricNames)]float64
		for _, s := range samples {
			args := []any{s.features, s.embeddings, s.src, s.tgt, s.label, temperature,
				s.pairFirst, s.pairSecond, s.pairWeights}
			if e.cfg.task == TaskNode {
				args = append(args, s.node)
			}
			terms, err := e.stepExec.Exec(args...)
			if err != nil {
				return errors.WithMessagef(err, "training step at epoch %d", epoch)
			}
			for i, term := range terms {
				sums[i] += float64(tensors.ToScalar[float32](term))
			}
		}
		if _, err := e.applyExec.Exec(); err != nil {
			return errors.WithMessagef(err, "applying gradients at epoch %d", epoch)
		}
		for i, metric := range epochMetricNames {
			e.cfg.sink.AddPoint(plots.Point{
				MetricName: metric.name,
				Short:      metric.short,
				MetricType: "loss",
				Step:       float64(epoch),
				Value:      sums[i] / float64(len(samples)),
			})
		}
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	if err := e.cfg.sink.Close(); err != nil {
		return errors.WithMessage(err, "closing metrics sink")
	}

	e.state = StateTrained
	if e.cfg.stateDir == "" {
		return nil
	}
	return e.persist(seed)
}

// persist saves the trained predictor under the per-seed checkpoint
// directory, stripping optimizer state and gradient accumulators first.
// Any previous checkpoint for the seed is removed: building a handler over an
// existing checkpoint would load it, overwriting the just-trained variables.
func (e *Explainer) persist(seed int64) error {
	if err := e.optimizer.Clear(e.ctx); err != nil {
		return errors.WithMessage(err, "clearing optimizer state before saving")
	}
	if err := e.ctx.InAbsPath(context.ScopeSeparator + gradAccumulatorScope).DeleteVariablesInScope(); err != nil {
		return errors.WithMessage(err, "clearing gradient accumulators before saving")
	}
	dir := e.checkpointDir(seed)
	if err := os.RemoveAll(dir); err != nil {
		return errors.Wrapf(err, "removing previous checkpoint directory %q", dir)
	}
	handler, err := checkpoints.Build(e.ctx).Dir(dir).Keep(1).Done()
	if err != nil {
		return errors.WithMessagef(err, "opening checkpoint directory %q", dir)
	}
	if err := handler.Save(); err != nil {
		return errors.WithMessagef(err, "saving predictor to %q", dir)
	}
	klog.V(1).Infof("pgexplainer: saved predictor for seed %d to %q", seed, dir)
	return nil
}

// Explain returns the explanation for the prediction of the given dataset
// index: the explained (sub)graph and one importance weight in (0, 1) per
// edge, aligned with the returned edge list. It is deterministic and
// idempotent for a trained predictor.
//
// For TaskNode the explained graph is the k-hop neighborhood of the node,
// with original node indices; for TaskGraph it is the sample's graph.
func (e *Explainer) Explain(index int) (*graphs.EdgeList, []float64, error) {
	if e.state != StateTrained {
		return nil, nil, errors.Errorf("explainer is %s, call Prepare or Train first", e.state)
	}
	edges, features, err := e.cfg.dataset.Sample(index)
	if err != nil {
		return nil, nil, err
	}

	// Embeddings come from the sample's full graph, as they did during
	// training; only the edge features are restricted to the subgraph.
	fullSrc, fullTgt := edges.Tensors()
	embeddings, err := e.embedExec.Exec1(features, fullSrc, fullTgt)
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "computing embeddings for index %d", index)
	}

	args := make([]any, 0, 4)
	if e.cfg.task == TaskNode {
		edges, err = graphs.KHopSubgraph(edges, int32(index), e.cfg.kHops)
		if err != nil {
			return nil, nil, err
		}
	}
	src, tgt := edges.Tensors()
	args = append(args, embeddings, src, tgt)
	if e.cfg.task == TaskNode {
		args = append(args, tensors.FromFlatDataAndDimensions([]int32{int32(index)}, 1, 1))
	}
	mask, err := e.maskExec.Exec1(args...)
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "computing edge mask for index %d", index)
	}

	// Scatter the mask onto the edge-list ordering. The mask rows were built
	// in that same order, so position i receives mask row i.
	rows := mask.Value().([][]float32)
	weights := make([]float64, edges.NumEdges())
	for i, row := range rows {
		weights[i] = float64(row[0])
	}
	return edges, weights, nil
}

// trainSample holds everything derived once per trained index before the
// epoch loop: all of it is a pure function of the dataset and the model, so
// deriving it per epoch would only repeat work.
type trainSample struct {
	features    *tensors.Tensor // [numNodes, numFeatures]
	embeddings  *tensors.Tensor // [numNodes, embSize], from the full graph
	src, tgt    *tensors.Tensor // (Int32)[numEdges, 1], the explained (sub)graph
	node        *tensors.Tensor // (Int32)[1, 1], TaskNode only
	label       *tensors.Tensor // (Int32)[1, 1], argmax of the unmasked forward on the explained (sub)graph
	pairFirst   *tensors.Tensor // (Int32)[numPairs, 1]
	pairSecond  *tensors.Tensor // (Int32)[numPairs, 1]
	pairWeights *tensors.Tensor // [numPairs, 1]
}

// prepareSamples derives the per-index tensors fed to the training step.
// Embeddings are computed per distinct graph: for TaskNode, where all indices
// share one graph, this means once. The fidelity label is the model's argmax
// on the explained (sub)graph, the same edges the masked forward pass sees.
func (e *Explainer) prepareSamples(indices []int) ([]*trainSample, error) {
	embeddingsCache := make(map[*graphs.EdgeList]*tensors.Tensor)

	samples := make([]*trainSample, 0, len(indices))
	for _, index := range indices {
		edges, features, err := e.cfg.dataset.Sample(index)
		if err != nil {
			return nil, err
		}
		if features.DType() != dtypes.Float32 {
			return nil, errors.Errorf("features of sample %d have dtype %s, expected %s",
				index, features.DType(), dtypes.Float32)
		}

		embeddings := embeddingsCache[edges]
		if embeddings == nil {
			fullSrc, fullTgt := edges.Tensors()
			embeddings, err = e.embedExec.Exec1(features, fullSrc, fullTgt)
			if err != nil {
				return nil, errors.WithMessagef(err, "computing embeddings for sample %d", index)
			}
			embeddingsCache[edges] = embeddings
		}

		s := &trainSample{features: features, embeddings: embeddings}
		explained := edges
		if e.cfg.task == TaskNode {
			explained, err = graphs.KHopSubgraph(edges, int32(index), e.cfg.kHops)
			if err != nil {
				return nil, err
			}
			s.node = tensors.FromFlatDataAndDimensions([]int32{int32(index)}, 1, 1)
		}
		s.src, s.tgt = explained.Tensors()

		labels, err := e.labelExec.Exec1(features, s.src, s.tgt)
		if err != nil {
			return nil, errors.WithMessagef(err, "computing original prediction for sample %d", index)
		}
		labelRows := labels.Value().([][]int32)
		labelRow := 0
		if e.cfg.task == TaskNode {
			labelRow = index
		}
		s.label = tensors.FromFlatDataAndDimensions([]int32{labelRows[labelRow][0]}, 1, 1)

		first, second, weights := graphs.SourcePairs(explained)
		if len(first) == 0 {
			// No source has two outgoing edges: a single zero-weight dummy
			// pair keeps the connectivity term at exactly zero.
			first, second, weights = []int32{0}, []int32{0}, []float32{0}
		}
		s.pairFirst = tensors.FromFlatDataAndDimensions(first, len(first), 1)
		s.pairSecond = tensors.FromFlatDataAndDimensions(second, len(second), 1)
		s.pairWeights = tensors.FromFlatDataAndDimensions(weights, len(weights), 1)
		samples = append(samples, s)
	}
	return samples, nil
}

// trainStepGraph builds the computation for one training example: sample a
// soft edge mask, run the model on the mask-weighted graph, assemble the loss
// and add its gradients to the accumulators. The optimizer step itself
// happens once per epoch, in applyUpdateGraph.
//
// Inputs: features, embeddings, edge sources, edge targets, label,
// temperature, pair firsts, pair seconds, pair weights, and for TaskNode the
// explained node. Outputs: the five loss terms.
func (e *Explainer) trainStepGraph(ctx *context.Context, inputs []*Node) []*Node {
	features, embeddings, src, tgt := inputs[0], inputs[1], inputs[2], inputs[3]
	label, temperature := inputs[4], inputs[5]
	pairFirst, pairSecond, pairWeights := inputs[6], inputs[7], inputs[8]
	var explainedNode *Node
	if e.cfg.task == TaskNode {
		explainedNode = inputs[9]
	}
	g := features.Graph()

	edgeFeatures := edgeFeaturesGraph(embeddings, src, tgt, explainedNode)
	logits := maskLogitsGraph(ctx.In(maskPredictorScope), edgeFeatures)
	uniform := ctx.RandomUniform(g, logits.Shape())
	noise := sampleNoiseGraph(uniform, e.cfg.sampleBias)
	mask := concreteMaskGraph(logits, noise, temperature)

	maskedLogits := e.cfg.model.ForwardGraph(features, src, tgt, mask)
	if e.cfg.task == TaskNode {
		maskedLogits = Gather(maskedLogits, explainedNode) // [1, numClasses]
	}

	lt := assembleLossGraph(maskedLogits, label, mask, pairFirst, pairSecond, pairWeights, e.cfg.coefficients)
	e.accumulateGradientsGraph(ctx, g, lt.total)
	return lt.nodes()
}

// accumulatorOf returns the gradient accumulator variable mirroring v,
// creating it zero-initialized on first use.
func accumulatorOf(ctx *context.Context, v *context.Variable) *context.Variable {
	scopePath := fmt.Sprintf("%s%s%s", context.ScopeSeparator, gradAccumulatorScope, v.Scope())
	return ctx.InAbsPath(scopePath).Checked(false).
		WithInitializer(initializers.Zero).
		VariableWithShape(v.Name(), v.Shape()).
		SetTrainable(false)
}

// accumulateGradientsGraph adds the gradients of loss with respect to each
// trainable variable into its accumulator. Summing gradients per example and
// stepping once is the same as stepping once on the summed loss.
func (e *Explainer) accumulateGradientsGraph(ctx *context.Context, g *Graph, loss *Node) {
	grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
	var trainables []*context.Variable
	for v := range ctx.IterVariables() {
		if v.Trainable && v.InUseByGraph(g) {
			trainables = append(trainables, v)
		}
	}
	if len(trainables) != len(grads) {
		exceptions.Panicf("got %d gradients for %d trainable variables", len(grads), len(trainables))
	}
	for i, v := range trainables {
		acc := accumulatorOf(ctx, v)
		acc.SetValueGraph(Add(acc.ValueGraph(g), grads[i]))
	}
}

// applyUpdateGraph applies one Adam step from the accumulated gradients and
// zeroes the accumulators. It runs once per epoch.
func (e *Explainer) applyUpdateGraph(ctx *context.Context, g *Graph) *Node {
	var trainables []*context.Variable
	for v := range ctx.IterVariables() {
		if v.Trainable {
			trainables = append(trainables, v)
		}
	}
	if len(trainables) == 0 {
		exceptions.Panicf("no trainable variables to update, run a training step first")
	}
	grads := make([]*Node, 0, len(trainables))
	for _, v := range trainables {
		_ = v.ValueGraph(g) // The optimizer pairs gradients with variables in use by the graph.
		acc := accumulatorOf(ctx, v)
		grads = append(grads, acc.ValueGraph(g))
	}
	e.optimizer.UpdateGraphWithGradients(ctx, grads, dtypes.Float32)
	for _, v := range trainables {
		acc := accumulatorOf(ctx, v)
		acc.SetValueGraph(ZerosLike(acc.ValueGraph(g)))
	}
	return optimizers.GetGlobalStepVar(ctx).ValueGraph(g)
}

// maskGraph is the inference path: deterministic edge mask for one graph.
// Inputs: full-graph node embeddings (the same the predictor saw during
// training), edge sources, edge targets of the explained (sub)graph, and for
// TaskNode the explained node. Output: [numEdges, 1] mask, strictly in (0, 1).
func (e *Explainer) maskGraph(ctx *context.Context, inputs []*Node) *Node {
	embeddings, src, tgt := inputs[0], inputs[1], inputs[2]
	var explainedNode *Node
	if e.cfg.task == TaskNode {
		explainedNode = inputs[3]
	}
	edgeFeatures := edgeFeaturesGraph(embeddings, src, tgt, explainedNode)
	logits := maskLogitsGraph(ctx.In(maskPredictorScope), edgeFeatures)
	return deterministicMaskGraph(logits)
}
