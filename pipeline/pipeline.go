// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package pipeline defines the stages of the large-cohort workflow.
//
//   Combiner ─┬─ SampleQC ──┬─ Relatedness ─┬─ Ancestry ── AncestryPlots
//             └─ DenseSubset┘               │
//                                           └─ MakeSiteOnlyVcf ── Vqsr ── VariantAnnotation
//
// Each stage submits calls of named pipeline functions. A function receives
// only artifact paths; all other parameters come from the configuration of
// the cluster it runs on.
package pipeline

import (
	"context"

	"github.com/grailbio/larcoh/artifact"
	"github.com/grailbio/larcoh/config"
	"github.com/grailbio/larcoh/dataproc"
	"github.com/grailbio/larcoh/stage"
)

// Pipeline functions.
const (
	FuncCombiner     = "larcoh.combiner.run"
	FuncSampleQC     = "larcoh.sample_qc.run"
	FuncDenseSubset  = "larcoh.dense_subset.run"
	FuncPCRelate     = "larcoh.relatedness.pcrelate"
	FuncFlagRelated  = "larcoh.relatedness.flag_related"
	FuncAncestryPCA  = "larcoh.ancestry_pca.run"
	FuncAncestryPlot = "larcoh.ancestry_plots.run"
	FuncSiteOnlyVCF  = "larcoh.site_only_vcf.run"
	FuncVQSR         = "larcoh.vqsr.run"
	FuncLoadVQSR     = "larcoh.load_vqsr.run"
	FuncFrequencies  = "larcoh.frequencies.run"
)

// Stage names.
const (
	Combiner          stage.ID = "Combiner"
	SampleQC          stage.ID = "SampleQC"
	DenseSubset       stage.ID = "DenseSubset"
	Relatedness       stage.ID = "Relatedness"
	Ancestry          stage.ID = "Ancestry"
	AncestryPlots     stage.ID = "AncestryPlots"
	MakeSiteOnlyVcf   stage.ID = "MakeSiteOnlyVcf"
	Vqsr              stage.ID = "Vqsr"
	VariantAnnotation stage.ID = "VariantAnnotation"
)

// Output ids of multi-output stages.
const (
	OutRelatedness    stage.OutputID = "relatedness"
	OutRelatedsToDrop stage.OutputID = "relateds_to_drop"
	OutSiteOnlyHT     stage.OutputID = "ht"
	OutSiteOnlyVCF    stage.OutputID = "vcf"
	OutVQSR           stage.OutputID = "vqsr"
	OutFrequencies    stage.OutputID = "frequencies"
)

// Env is what the stages share within a run.
type Env struct {
	Config     *config.Config
	Layout     *artifact.Layout
	Gate       *artifact.Gate
	Dispatcher *dataproc.Dispatcher
}

// Stages returns all stages in declaration order.
func Stages(env *Env) []stage.Stage {
	return []stage.Stage{
		&combinerStage{base{Combiner, nil, env}},
		&sampleQCStage{base{SampleQC, []stage.ID{Combiner}, env}},
		&denseSubsetStage{base{DenseSubset, []stage.ID{Combiner}, env}},
		&relatednessStage{base{Relatedness, []stage.ID{SampleQC, DenseSubset}, env}},
		&ancestryStage{base{Ancestry, []stage.ID{SampleQC, DenseSubset, Relatedness}, env}},
		&ancestryPlotsStage{base{AncestryPlots, []stage.ID{SampleQC, Ancestry}, env}},
		&siteOnlyStage{base{MakeSiteOnlyVcf, []stage.ID{Combiner, SampleQC, Relatedness}, env}},
		&vqsrStage{base{Vqsr, []stage.ID{MakeSiteOnlyVcf}, env}},
		&annotationStage{base{VariantAnnotation, []stage.ID{Vqsr}, env}},
	}
}

type base struct {
	name     stage.ID
	requires []stage.ID
	env      *Env
}

func (b base) Name() stage.ID       { return b.name }
func (b base) Requires() []stage.ID { return b.requires }

// jobSpec is one job of a stage. The job is skipped if all its outputs can
// be reused.
type jobSpec struct {
	name    string
	fn      string
	args    []string
	outputs []string
	shape   dataproc.Shape
	// after lists earlier jobs of the same stage, by index, that must finish
	// first.
	after []int
}

// queue submits the jobs of specs that can't be reused. They wait for the
// jobs of all ancestor stages.
func (b base) queue(ctx context.Context, in *stage.Inputs, specs ...jobSpec) ([]*dataproc.Job, error) {
	var (
		queued    []*dataproc.Job
		submitted = make([]*dataproc.Job, len(specs))
		upstream  = in.After()
	)
	for i, spec := range specs {
		ok, err := b.env.Gate.CanReuse(ctx, spec.outputs...)
		if err != nil {
			return nil, err
		}
		if ok {
			continue
		}
		after := upstream
		for _, j := range spec.after {
			if submitted[j] != nil {
				after = append(append([]*dataproc.Job(nil), after...), submitted[j])
			}
		}
		job, err := b.env.Dispatcher.Submit(ctx, spec.name, spec.fn, spec.args, spec.shape, after...)
		if err != nil {
			return nil, err
		}
		submitted[i] = job
		queued = append(queued, job)
	}
	return queued, nil
}

// reader looks up stage inputs, keeping the first error.
type reader struct {
	in  *stage.Inputs
	err error
}

func (r *reader) path(s stage.ID, out stage.OutputID) string {
	if r.err != nil {
		return ""
	}
	var p string
	p, r.err = r.in.Path(s, out)
	return p
}
