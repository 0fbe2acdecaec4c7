// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package artifact computes where the outputs of a run live and decides
// whether an existing output can be reused.
//
// All outputs of a run are placed under a version-scoped prefix of the
// dataset bucket:
//
//   <dataset-root>/larcoh/v<version>/sample_qc.ht
//
// Intermediate outputs use the parallel "tmp" bucket and files meant for
// browsers use the "web" bucket.
package artifact

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/grailbio/larcoh/config"
)

// Bucket categories.
const (
	CategoryMain = ""
	CategoryTmp  = "tmp"
	CategoryWeb  = "web"
)

// Plot scopes of the ancestry plots.
var PlotScopes = []string{"dataset", "population"}

// PlotExt is the extension of plot files.
const PlotExt = "png"

// Layout resolves artifact paths for one run. It is a pure function of the
// configuration. The zero value is not usable; use NewLayout.
type Layout struct {
	dataset   string
	namespace string
	scheme    string
	localDir  string
	version   string
	vds       string
	nPCs      int
}

// NewLayout creates the layout of the run described by cfg.
func NewLayout(cfg *config.Config) *Layout {
	namespace := "main"
	if cfg.Workflow.AccessLevel == "test" {
		namespace = "test"
	}
	version := versionTag(cfg.Workflow.OutputVersion)
	vds := version
	if cfg.Workflow.VDSVersion != "" {
		vds = versionTag(cfg.Workflow.VDSVersion)
	}
	return &Layout{
		dataset:   cfg.Workflow.Dataset,
		namespace: namespace,
		scheme:    cfg.Workflow.PathScheme,
		localDir:  cfg.Workflow.LocalDir,
		version:   version,
		vds:       vds,
		nPCs:      cfg.Larcoh.NPCs,
	}
}

// versionTag turns "1.0" into "v1-0".
func versionTag(v string) string {
	return "v" + strings.Replace(v, ".", "-", -1)
}

// Version returns the version tag embedded in all paths, e.g. "v1-0".
func (l *Layout) Version() string { return l.version }

// DatasetPath returns the path of suffix in the dataset bucket of the given
// category.
func (l *Layout) DatasetPath(suffix, category string) string {
	bucket := fmt.Sprintf("cpg-%s-%s", l.dataset, l.namespace)
	if category != CategoryMain {
		bucket += "-" + category
	}
	suffix = strings.TrimPrefix(suffix, "/")
	switch l.scheme {
	case config.SchemeLocal:
		return filepath.Join(l.localDir, bucket, suffix)
	default:
		return l.scheme + "://" + bucket + "/" + suffix
	}
}

func (l *Layout) prefix(category string) string {
	return l.DatasetPath("larcoh/"+l.version, category)
}

// Prefix is the root of the permanent outputs of the run.
func (l *Layout) Prefix() string { return l.prefix(CategoryMain) }

// TmpPrefix is the root of intermediate outputs of the run.
func (l *Layout) TmpPrefix() string { return l.prefix(CategoryTmp) }

// WebPrefix is the root of web-exposed outputs of the run.
func (l *Layout) WebPrefix() string { return l.prefix(CategoryWeb) }

// Out returns a path under Prefix.
func (l *Layout) Out(rel string) string { return l.Prefix() + "/" + rel }

// Tmp returns a path under TmpPrefix.
func (l *Layout) Tmp(rel string) string { return l.TmpPrefix() + "/" + rel }

// Web returns a path under WebPrefix.
func (l *Layout) Web(rel string) string { return l.WebPrefix() + "/" + rel }

// VDS is the combined variant dataset. It is named after vds_version when
// set, so that several output versions can share one combined dataset.
func (l *Layout) VDS() string { return l.DatasetPath("vds/"+l.vds+".vds", CategoryMain) }

func (l *Layout) SampleQC() string       { return l.Out("sample_qc.ht") }
func (l *Layout) DenseSubset() string    { return l.Out("dense-subset.mt") }
func (l *Layout) Relatedness() string    { return l.Out("relatedness.ht") }
func (l *Layout) RelatedsToDrop() string { return l.Out("relateds-to-drop.ht") }
func (l *Layout) VQSR() string           { return l.Out("vqsr.ht") }
func (l *Layout) Frequencies() string    { return l.Out("frequencies.ht") }

// Ancestry returns the path of one of the ancestry tables: "scores",
// "eigenvalues", "loadings" or "inferred_pop".
func (l *Layout) Ancestry(name string) string { return l.Out("ancestry/" + name + ".ht") }

// AncestryTables lists the tables produced by the ancestry PCA.
var AncestryTables = []string{"scores", "eigenvalues", "loadings", "inferred_pop"}

func (l *Layout) RelatednessScores() string { return l.Tmp("pcrelate/relatedness_pca_scores.ht") }
func (l *Layout) SampleRankings() string    { return l.Tmp("relatedness/samples_rankings.ht") }
func (l *Layout) SiteOnlyHT() string        { return l.Tmp("vqsr/site_only.ht") }
func (l *Layout) SiteOnlyVCF() string       { return l.Tmp("vqsr/site_only.vcf.bgz") }
func (l *Layout) VQSRVCF() string           { return l.Tmp("vqsr/vqsr.vcf.gz") }

// PlotDir is the directory holding the ancestry plots.
func (l *Layout) PlotDir() string { return l.Web("ancestry") }

// PlotName is the base name of the plot of pc (1-based) against pc+1.
func PlotName(scope string, pc int) string {
	return fmt.Sprintf("%s_pc%d", scope, pc)
}

// Plot returns the path of the named plot.
func (l *Layout) Plot(scope string, pc int) string {
	return l.PlotDir() + "/" + PlotName(scope, pc) + "." + PlotExt
}

// Plots returns the paths of all ancestry plots keyed by PlotName. One plot
// is drawn for each PC pair (i, i+1), i in [1, n_pcs).
func (l *Layout) Plots() map[string]string {
	m := map[string]string{}
	for _, scope := range PlotScopes {
		for pc := 1; pc < l.nPCs; pc++ {
			m[PlotName(scope, pc)] = l.Plot(scope, pc)
		}
	}
	return m
}
