// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pipeline

import (
	"context"
	"sort"

	"github.com/grailbio/larcoh/artifact"
	"github.com/grailbio/larcoh/cohort"
	"github.com/grailbio/larcoh/dataproc"
	"github.com/grailbio/larcoh/stage"
)

// Combiner merges the gVCFs of the cohort into a variant dataset.
type combinerStage struct{ base }

func (s *combinerStage) ExpectedOutputs(c *cohort.Cohort) stage.Outputs {
	return stage.Outputs{stage.Default: s.env.Layout.VDS()}
}

func (s *combinerStage) QueueJobs(ctx context.Context, c *cohort.Cohort, in *stage.Inputs) ([]*dataproc.Job, error) {
	out := s.env.Layout.VDS()
	args := append([]string{out}, c.GVCFs()...)
	return s.queue(ctx, in, jobSpec{
		name:    string(s.name),
		fn:      FuncCombiner,
		args:    args,
		outputs: []string{out},
		shape: dataproc.Shape{
			AutoscalingPolicy: dataproc.CombinerPolicy(s.env.Config.Workflow.ScatterCount),
		},
	})
}

type sampleQCStage struct{ base }

func (s *sampleQCStage) ExpectedOutputs(c *cohort.Cohort) stage.Outputs {
	return stage.Outputs{stage.Default: s.env.Layout.SampleQC()}
}

func (s *sampleQCStage) QueueJobs(ctx context.Context, c *cohort.Cohort, in *stage.Inputs) ([]*dataproc.Job, error) {
	r := &reader{in: in}
	vds := r.path(Combiner, stage.Default)
	if r.err != nil {
		return nil, r.err
	}
	out := s.env.Layout.SampleQC()
	return s.queue(ctx, in, jobSpec{
		name:    string(s.name),
		fn:      FuncSampleQC,
		args:    []string{vds, out},
		outputs: []string{out},
		shape:   dataproc.Shape{Preemptible: true},
	})
}

type denseSubsetStage struct{ base }

func (s *denseSubsetStage) ExpectedOutputs(c *cohort.Cohort) stage.Outputs {
	return stage.Outputs{stage.Default: s.env.Layout.DenseSubset()}
}

func (s *denseSubsetStage) QueueJobs(ctx context.Context, c *cohort.Cohort, in *stage.Inputs) ([]*dataproc.Job, error) {
	r := &reader{in: in}
	vds := r.path(Combiner, stage.Default)
	if r.err != nil {
		return nil, r.err
	}
	out := s.env.Layout.DenseSubset()
	return s.queue(ctx, in, jobSpec{
		name:    string(s.name),
		fn:      FuncDenseSubset,
		args:    []string{vds, out},
		outputs: []string{out},
		shape:   dataproc.Shape{Preemptible: true},
	})
}

// Relatedness computes pairwise kinship and picks the related samples to
// drop.
type relatednessStage struct{ base }

func (s *relatednessStage) ExpectedOutputs(c *cohort.Cohort) stage.Outputs {
	return stage.Outputs{
		OutRelatedness:    s.env.Layout.Relatedness(),
		OutRelatedsToDrop: s.env.Layout.RelatedsToDrop(),
	}
}

func (s *relatednessStage) QueueJobs(ctx context.Context, c *cohort.Cohort, in *stage.Inputs) ([]*dataproc.Job, error) {
	r := &reader{in: in}
	dense := r.path(DenseSubset, stage.Default)
	qc := r.path(SampleQC, stage.Default)
	if r.err != nil {
		return nil, r.err
	}
	l := s.env.Layout
	return s.queue(ctx, in,
		jobSpec{
			name:    string(s.name) + "/pcrelate",
			fn:      FuncPCRelate,
			args:    []string{dense, l.Relatedness(), l.RelatednessScores()},
			outputs: []string{l.Relatedness()},
			// PC-Relate does not tolerate losing workers.
			shape: dataproc.Shape{Preemptible: false},
		},
		jobSpec{
			name:    string(s.name) + "/flag_related",
			fn:      FuncFlagRelated,
			args:    []string{l.Relatedness(), qc, l.RelatedsToDrop(), l.SampleRankings()},
			outputs: []string{l.RelatedsToDrop()},
			shape:   dataproc.Shape{Preemptible: true},
			after:   []int{0},
		},
	)
}

// Ancestry runs a PCA on the unrelated samples and infers populations.
type ancestryStage struct{ base }

func (s *ancestryStage) ExpectedOutputs(c *cohort.Cohort) stage.Outputs {
	outs := stage.Outputs{}
	for _, name := range artifact.AncestryTables {
		outs[stage.OutputID(name)] = s.env.Layout.Ancestry(name)
	}
	return outs
}

func (s *ancestryStage) QueueJobs(ctx context.Context, c *cohort.Cohort, in *stage.Inputs) ([]*dataproc.Job, error) {
	r := &reader{in: in}
	dense := r.path(DenseSubset, stage.Default)
	qc := r.path(SampleQC, stage.Default)
	drop := r.path(Relatedness, OutRelatedsToDrop)
	if r.err != nil {
		return nil, r.err
	}
	args := []string{dense, qc, drop}
	var outputs []string
	for _, name := range artifact.AncestryTables {
		outputs = append(outputs, s.env.Layout.Ancestry(name))
	}
	return s.queue(ctx, in, jobSpec{
		name:    string(s.name),
		fn:      FuncAncestryPCA,
		args:    append(args, outputs...),
		outputs: outputs,
		shape:   dataproc.Shape{Preemptible: true},
	})
}

// AncestryPlots draws the PCA scores, one plot per scope and PC pair.
type ancestryPlotsStage struct{ base }

func (s *ancestryPlotsStage) ExpectedOutputs(c *cohort.Cohort) stage.Outputs {
	outs := stage.Outputs{}
	for name, path := range s.env.Layout.Plots() {
		outs[stage.OutputID(name)] = path
	}
	return outs
}

func (s *ancestryPlotsStage) QueueJobs(ctx context.Context, c *cohort.Cohort, in *stage.Inputs) ([]*dataproc.Job, error) {
	r := &reader{in: in}
	scores := r.path(Ancestry, "scores")
	eigenvalues := r.path(Ancestry, "eigenvalues")
	pops := r.path(Ancestry, "inferred_pop")
	qc := r.path(SampleQC, stage.Default)
	if r.err != nil {
		return nil, r.err
	}
	var plots []string
	for _, path := range s.env.Layout.Plots() {
		plots = append(plots, path)
	}
	sort.Strings(plots)
	return s.queue(ctx, in, jobSpec{
		name:    string(s.name),
		fn:      FuncAncestryPlot,
		args:    []string{scores, eigenvalues, pops, qc, s.env.Layout.PlotDir()},
		outputs: plots,
		shape:   dataproc.Shape{Preemptible: true, Phantomjs: true},
	})
}

// MakeSiteOnlyVcf exports the sites of the high quality samples, without
// genotypes, for VQSR.
type siteOnlyStage struct{ base }

func (s *siteOnlyStage) ExpectedOutputs(c *cohort.Cohort) stage.Outputs {
	return stage.Outputs{
		OutSiteOnlyHT:  s.env.Layout.SiteOnlyHT(),
		OutSiteOnlyVCF: s.env.Layout.SiteOnlyVCF(),
	}
}

func (s *siteOnlyStage) QueueJobs(ctx context.Context, c *cohort.Cohort, in *stage.Inputs) ([]*dataproc.Job, error) {
	r := &reader{in: in}
	vds := r.path(Combiner, stage.Default)
	qc := r.path(SampleQC, stage.Default)
	drop := r.path(Relatedness, OutRelatedsToDrop)
	if r.err != nil {
		return nil, r.err
	}
	l := s.env.Layout
	return s.queue(ctx, in, jobSpec{
		name:    string(s.name),
		fn:      FuncSiteOnlyVCF,
		args:    []string{vds, qc, drop, l.SiteOnlyHT(), l.SiteOnlyVCF()},
		outputs: []string{l.SiteOnlyHT(), l.SiteOnlyVCF()},
		// Exporting a VCF merges the shards on the workers' disks.
		shape: dataproc.Shape{
			Preemptible:                 true,
			WorkerBootDiskSize:          200,
			SecondaryWorkerBootDiskSize: 200,
		},
	})
}

type vqsrStage struct{ base }

func (s *vqsrStage) ExpectedOutputs(c *cohort.Cohort) stage.Outputs {
	return stage.Outputs{stage.Default: s.env.Layout.VQSRVCF()}
}

func (s *vqsrStage) QueueJobs(ctx context.Context, c *cohort.Cohort, in *stage.Inputs) ([]*dataproc.Job, error) {
	r := &reader{in: in}
	siteOnly := r.path(MakeSiteOnlyVcf, OutSiteOnlyVCF)
	if r.err != nil {
		return nil, r.err
	}
	out := s.env.Layout.VQSRVCF()
	return s.queue(ctx, in, jobSpec{
		name:    string(s.name),
		fn:      FuncVQSR,
		args:    []string{siteOnly, out},
		outputs: []string{out},
		shape:   dataproc.Shape{Preemptible: true},
	})
}

// VariantAnnotation loads the VQSR filters and computes allele frequencies.
type annotationStage struct{ base }

func (s *annotationStage) ExpectedOutputs(c *cohort.Cohort) stage.Outputs {
	return stage.Outputs{
		OutVQSR:        s.env.Layout.VQSR(),
		OutFrequencies: s.env.Layout.Frequencies(),
	}
}

func (s *annotationStage) QueueJobs(ctx context.Context, c *cohort.Cohort, in *stage.Inputs) ([]*dataproc.Job, error) {
	r := &reader{in: in}
	vcf := r.path(Vqsr, stage.Default)
	vds := r.path(Combiner, stage.Default)
	qc := r.path(SampleQC, stage.Default)
	drop := r.path(Relatedness, OutRelatedsToDrop)
	if r.err != nil {
		return nil, r.err
	}
	l := s.env.Layout
	return s.queue(ctx, in,
		jobSpec{
			name:    string(s.name) + "/load_vqsr",
			fn:      FuncLoadVQSR,
			args:    []string{vcf, l.VQSR()},
			outputs: []string{l.VQSR()},
			shape:   dataproc.Shape{Preemptible: true},
		},
		jobSpec{
			name:    string(s.name) + "/frequencies",
			fn:      FuncFrequencies,
			args:    []string{vds, qc, drop, l.Frequencies()},
			outputs: []string{l.Frequencies()},
			shape:   dataproc.Shape{Preemptible: true, Long: true},
		},
	)
}
