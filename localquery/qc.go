// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package localquery

import (
	"context"
	"strings"

	"github.com/biogo/store/llrb"
	"github.com/grailbio/base/log"
	"github.com/grailbio/larcoh/pipeline"
)

// Sample QC filters.
const (
	filterLowCoverage = "low_coverage"
	filterNoCalls     = "no_calls"
)

type sampleQCRow struct {
	S          string  `tsv:"s"`
	NCalled    int     `tsv:"n_called"`
	NSNP       int     `tsv:"n_snp"`
	NIndel     int     `tsv:"n_indel"`
	NHet       int     `tsv:"n_het"`
	NHomVar    int     `tsv:"n_hom_var"`
	RHetHomVar float64 `tsv:"r_het_hom_var"`
	MeanDP     float64 `tsv:"mean_dp"`
	// Chr20MeanDP is the coverage on chr20, the usual proxy for autosomal
	// coverage.
	Chr20MeanDP float64 `tsv:"chr20_mean_dp"`
	// Filters lists the failed hard filters, comma-separated. Empty means the
	// sample passed.
	Filters string `tsv:"filters"`
}

func (r *sampleQCRow) filtered() bool { return r.Filters != "" }

type depth struct {
	sum, n float64
}

func (d *depth) add(dp, length int) {
	d.sum += float64(dp * length)
	d.n += float64(length)
}

func (d depth) mean() float64 {
	if d.n == 0 {
		return 0
	}
	return d.sum / d.n
}

func isChr20(contig string) bool { return contig == "chr20" || contig == "20" }

// SampleQC computes per-sample metrics and hard filters.
//
//   args: in.vds out.ht
func (e *Engine) SampleQC(ctx context.Context, args []string) error {
	if err := checkArgs(pipeline.FuncSampleQC, args, 2); err != nil {
		return err
	}
	in, out := args[0], args[1]
	if skip, err := e.begin(ctx, pipeline.FuncSampleQC, out); skip || err != nil {
		return err
	}
	d, err := readVDS(ctx, in)
	if err != nil {
		return err
	}
	rows := make([]sampleQCRow, len(d.samples))
	index := map[string]int{}
	for i, s := range d.samples {
		rows[i].S = s
		index[s] = i
	}
	dp := make([]depth, len(d.samples))
	dp20 := make([]depth, len(d.samples))
	for _, b := range d.blocks {
		i := index[b.S]
		length := b.End - b.Start + 1
		dp[i].add(b.DP, length)
		if isChr20(b.Contig) {
			dp20[i].add(b.DP, length)
		}
	}
	for _, entry := range d.entries {
		if entry.GT == missing {
			continue
		}
		i := index[entry.S]
		r := &rows[i]
		dp[i].add(entry.DP, 1)
		if isChr20(entry.Contig) {
			dp20[i].add(entry.DP, 1)
		}
		r.NCalled++
		switch entry.GT {
		case 1:
			r.NHet++
		case 2:
			r.NHomVar++
		}
		if entry.GT > 0 {
			if entry.variant().isSNP() {
				r.NSNP++
			} else {
				r.NIndel++
			}
		}
	}
	nfail := 0
	for i := range rows {
		r := &rows[i]
		r.MeanDP = dp[i].mean()
		r.Chr20MeanDP = dp20[i].mean()
		if r.NHomVar > 0 {
			r.RHetHomVar = float64(r.NHet) / float64(r.NHomVar)
		}
		var filters []string
		if dp[i].n == 0 {
			filters = append(filters, filterNoCalls)
		} else if r.MeanDP < e.MinCoverage {
			filters = append(filters, filterLowCoverage)
		}
		r.Filters = strings.Join(filters, ",")
		if r.filtered() {
			nfail++
		}
	}
	log.Printf("sample QC: %d of %d samples fail hard filters", nfail, len(rows))
	return writeTable(ctx, out, rows)
}

// readSampleQC returns the sample QC table keyed by sample.
func readSampleQC(ctx context.Context, path string) (map[string]*sampleQCRow, error) {
	rows, err := readTable[sampleQCRow](ctx, path)
	if err != nil {
		return nil, err
	}
	m := map[string]*sampleQCRow{}
	for i := range rows {
		m[rows[i].S] = &rows[i]
	}
	return m, nil
}

// siteRow keys a table by variant.
type siteRow struct {
	Contig string `tsv:"contig"`
	Pos    int    `tsv:"pos"`
	Ref    string `tsv:"ref"`
	Alt    string `tsv:"alt"`
}

func (r *siteRow) variant() Variant { return Variant{Locus{r.Contig, r.Pos}, r.Ref, r.Alt} }

// denseRow is one site of a dense matrix table. GT holds one genotype code
// per column: '0', '1', '2' alt alleles, or '.' for no call.
type denseRow struct {
	Contig string `tsv:"contig"`
	Pos    int    `tsv:"pos"`
	Ref    string `tsv:"ref"`
	Alt    string `tsv:"alt"`
	GT     string `tsv:"gt"`
}

func (r *denseRow) variant() Variant { return Variant{Locus{r.Contig, r.Pos}, r.Ref, r.Alt} }

type denseMT struct {
	samples []string
	rows    []denseRow
}

// DenseSubset extracts a dense matrix of the biallelic SNPs, restricted to
// the QC sites when configured.
//
//   args: in.vds out.mt
func (e *Engine) DenseSubset(ctx context.Context, args []string) error {
	if err := checkArgs(pipeline.FuncDenseSubset, args, 2); err != nil {
		return err
	}
	in, out := args[0], args[1]
	if skip, err := e.begin(ctx, pipeline.FuncDenseSubset, out); skip || err != nil {
		return err
	}
	d, err := readVDS(ctx, in)
	if err != nil {
		return err
	}
	var qcSites *llrb.Tree
	if e.QCVariants != "" {
		rows, err := readTable[siteRow](ctx, e.QCVariants)
		if err != nil {
			return err
		}
		qcSites = &llrb.Tree{}
		for i := range rows {
			qcSites.Insert(rows[i].variant())
		}
	}
	// Loci with more than one alt allele in the cohort are not biallelic.
	nalts := map[Locus]map[string]bool{}
	for _, entry := range d.entries {
		l := Locus{entry.Contig, entry.Pos}
		if nalts[l] == nil {
			nalts[l] = map[string]bool{}
		}
		nalts[l][entry.Ref+">"+entry.Alt] = true
	}
	blocks := newBlockIndex(d.blocks)
	sites, calls := groupSites(d.entries)
	dense := denseMT{samples: d.samples}
	for i, v := range sites {
		if !v.isSNP() || len(nalts[v.Locus]) > 1 {
			continue
		}
		if qcSites != nil && qcSites.Get(v) == nil {
			continue
		}
		gt := make([]byte, len(d.samples))
		for j, s := range d.samples {
			gt[j] = gtCode(blocks.genotype(s, v, calls[i]))
		}
		dense.rows = append(dense.rows, denseRow{v.Contig, v.Pos, v.Ref, v.Alt, string(gt)})
	}
	log.Printf("dense subset: %d of %d sites", len(dense.rows), len(sites))
	return writeDense(ctx, out, &dense)
}

func writeDense(ctx context.Context, path string, m *denseMT) error {
	if err := writeCols(ctx, path, m.samples); err != nil {
		return err
	}
	if err := writeRows(ctx, path+"/"+rowsFile, m.rows); err != nil {
		return err
	}
	return markDone(ctx, path)
}

func readDense(ctx context.Context, path string) (*denseMT, error) {
	if err := checkComplete(ctx, path); err != nil {
		return nil, err
	}
	m := &denseMT{}
	var err error
	if m.samples, err = readCols(ctx, path); err != nil {
		return nil, err
	}
	if m.rows, err = readRows[denseRow](ctx, path+"/"+rowsFile); err != nil {
		return nil, err
	}
	return m, nil
}
