// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pgexplainer

import (
	"github.com/gomlx/gomlx/ui/plots"
)

// MetricsSink receives the per-epoch training metrics of the explainer: the
// total loss and its four components, averaged over the trained indices, one
// plots.Point per metric per epoch with Step set to the epoch number.
type MetricsSink interface {
	// AddPoint records one metric observation.
	AddPoint(point plots.Point)

	// Close flushes the sink after training. The explainer calls it once per
	// Train call; it returns any error accumulated while recording.
	Close() error
}

// epochMetricNames names the metrics emitted per epoch, in the order of
// lossTerms.nodes. Values are averaged over the trained indices.
var epochMetricNames = [...]struct{ name, short string }{
	{"Train: Total Loss", "T/loss"},
	{"Train: Fidelity", "T/fid"},
	{"Train: Mask Size", "T/size"},
	{"Train: Mask Entropy", "T/ent"},
	{"Train: Connectivity", "T/conn"},
}

// nopSink discards all metrics. It is the default for library use.
type nopSink struct{}

func (nopSink) AddPoint(plots.Point) {}
func (nopSink) Close() error         { return nil }

// pointsFileSink streams metrics as JSON plot points to a file, in the format
// read by plots.LoadPoints.
type pointsFileSink struct {
	points chan<- plots.Point
	errs   <-chan error
}

// NewPointsFileSink creates a MetricsSink that appends JSON plot points to
// the given file. Errors while writing are reported by Close.
func NewPointsFileSink(filePath string) MetricsSink {
	points, errs := plots.CreatePointsWriter(filePath)
	return &pointsFileSink{points: points, errs: errs}
}

func (s *pointsFileSink) AddPoint(point plots.Point) {
	s.points <- point
}

func (s *pointsFileSink) Close() error {
	close(s.points)
	return <-s.errs
}
