// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package localquery

import (
	"context"

	"github.com/grailbio/base/log"
	"github.com/grailbio/larcoh/pipeline"
)

// Thresholds of high quality ("adj") genotypes.
const (
	adjMinGQ = 20
	adjMinDP = 10
)

type freqRow struct {
	Contig  string  `tsv:"contig"`
	Pos     int     `tsv:"pos"`
	Ref     string  `tsv:"ref"`
	Alt     string  `tsv:"alt"`
	AC      int     `tsv:"ac"`
	AN      int     `tsv:"an"`
	AF      float64 `tsv:"af"`
	NHom    int     `tsv:"n_hom"`
	ACAdj   int     `tsv:"ac_adj"`
	ANAdj   int     `tsv:"an_adj"`
	AFAdj   float64 `tsv:"af_adj"`
	NHomAdj int     `tsv:"n_hom_adj"`
	// InbreedingCoeff is 1 - observed/expected heterozygotes, assuming all
	// samples are unrelated.
	InbreedingCoeff float64 `tsv:"inbreeding_coeff"`
}

func ratio(a, b int) float64 {
	if b == 0 {
		return 0
	}
	return float64(a) / float64(b)
}

// siteFrequencies computes the frequencies at a site. It returns false if
// no sample carries the alt allele.
func siteFrequencies(v Variant, calls []cohortCall) (freqRow, bool) {
	r := freqRow{Contig: v.Contig, Pos: v.Pos, Ref: v.Ref, Alt: v.Alt}
	var nhet int
	for _, c := range calls {
		if c.gt == missing {
			continue
		}
		r.AN += 2
		r.AC += c.gt
		switch c.gt {
		case 1:
			nhet++
		case 2:
			r.NHom++
		}
		if c.gq >= adjMinGQ && c.dp >= adjMinDP {
			r.ANAdj += 2
			r.ACAdj += c.gt
			if c.gt == 2 {
				r.NHomAdj++
			}
		}
	}
	if r.AC == 0 {
		return r, false
	}
	r.AF = ratio(r.AC, r.AN)
	r.AFAdj = ratio(r.ACAdj, r.ANAdj)
	n := float64(r.AN / 2)
	if exp := 2 * r.AF * (1 - r.AF) * n; exp > 0 {
		r.InbreedingCoeff = 1 - float64(nhet)/exp
	}
	return r, true
}

// Frequencies computes the allele frequencies of the unrelated samples that
// pass QC. Sites where no such sample carries the alt allele are dropped.
//
//   args: in.vds sample_qc.ht relateds_to_drop.ht out.ht
func (e *Engine) Frequencies(ctx context.Context, args []string) error {
	if err := checkArgs(pipeline.FuncFrequencies, args, 4); err != nil {
		return err
	}
	out := args[3]
	if skip, err := e.begin(ctx, pipeline.FuncFrequencies, out); skip || err != nil {
		return err
	}
	d, keep, err := readCohort(ctx, args[0], args[1], args[2])
	if err != nil {
		return err
	}
	var rows []freqRow
	err = eachSite(d, keep, func(v Variant, calls []cohortCall) error {
		if r, ok := siteFrequencies(v, calls); ok {
			rows = append(rows, r)
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.Printf("frequencies: %d sites over %d samples", len(rows), len(keep))
	return writeTable(ctx, out, rows)
}
