// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package localquery runs the pipeline functions in-process over small
// cohorts. It backs the "local" query backend used for tests and for
// trying the workflow on a laptop.
//
// Tables are written as directories of TSV files and matrix tables as
// directories holding the column keys and long-format entries. Every
// directory gets its _SUCCESS marker after all other files are written.
package localquery

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/larcoh/artifact"
	"github.com/grailbio/larcoh/config"
	"github.com/grailbio/larcoh/dataproc"
	"github.com/grailbio/larcoh/pipeline"
)

// Engine holds the parameters of the pipeline functions, taken from the run
// configuration.
type Engine struct {
	Gate *artifact.Gate
	// Intervals restricts the combined dataset, e.g. "chr20:1-1000000".
	Intervals []string
	// QCVariants optionally names a table of sites for the dense subset.
	QCVariants  string
	MinCoverage float64
	MaxKin      float64
	NPCs        int
	PopTraining string
	// Dataset labels the dataset-scope plots.
	Dataset string
}

// New creates an engine configured by cfg. Outputs are gated by gate.
func New(cfg *config.Config, gate *artifact.Gate) *Engine {
	return &Engine{
		Gate:        gate,
		Intervals:   cfg.Combiner.Intervals,
		QCVariants:  cfg.References.QCVariants,
		MinCoverage: cfg.Larcoh.MinCoverage,
		MaxKin:      cfg.Larcoh.MaxKin,
		NPCs:        cfg.Larcoh.NPCs,
		PopTraining: cfg.Larcoh.PopTraining,
		Dataset:     cfg.Workflow.Dataset,
	}
}

// Funcs returns the implementations of all pipeline functions, keyed by
// function name.
func (e *Engine) Funcs() map[string]dataproc.Func {
	return map[string]dataproc.Func{
		pipeline.FuncCombiner:     e.Combine,
		pipeline.FuncSampleQC:     e.SampleQC,
		pipeline.FuncDenseSubset:  e.DenseSubset,
		pipeline.FuncPCRelate:     e.PCRelate,
		pipeline.FuncFlagRelated:  e.FlagRelated,
		pipeline.FuncAncestryPCA:  e.AncestryPCA,
		pipeline.FuncAncestryPlot: e.AncestryPlots,
		pipeline.FuncSiteOnlyVCF:  e.SiteOnlyVCF,
		pipeline.FuncVQSR:         e.VQSR,
		pipeline.FuncLoadVQSR:     e.LoadVQSR,
		pipeline.FuncFrequencies:  e.Frequencies,
	}
}

func checkArgs(fn string, args []string, min int) error {
	if len(args) < min {
		return errors.E(errors.Invalid, fmt.Sprintf("%s: expected at least %d arguments, got %d", fn, min, len(args)))
	}
	return nil
}

// begin is called by a function before it writes outputs. It returns true
// if the outputs can be reused; otherwise it clears their stale markers.
func (e *Engine) begin(ctx context.Context, fn string, outputs ...string) (bool, error) {
	if e.Gate != nil {
		ok, err := e.Gate.CanReuse(ctx, outputs...)
		if err != nil {
			return false, err
		}
		if ok {
			log.Printf("%s: outputs exist, skipping", fn)
			return true, nil
		}
	}
	log.Printf("%s: writing %v", fn, outputs)
	return false, clearMarkers(ctx, outputs...)
}
