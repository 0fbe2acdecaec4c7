// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package localquery

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/hts/bgzf"
	"github.com/grailbio/larcoh/pipeline"
	"github.com/klauspost/compress/gzip"
	pkgerrors "github.com/pkg/errors"
)

// Soft filter of the local VQSR stand-in.
const (
	filterPass    = "PASS"
	filterLowQual = "LowQual"
	minQD         = 2
)

// bgzfShards is the compression parallelism of BGZF outputs.
const bgzfShards = 4

type siteOnlyRow struct {
	Contig     string  `tsv:"contig"`
	Pos        int     `tsv:"pos"`
	Ref        string  `tsv:"ref"`
	Alt        string  `tsv:"alt"`
	AC         int     `tsv:"ac"`
	AN         int     `tsv:"an"`
	AF         float64 `tsv:"af"`
	DP         int     `tsv:"dp"`
	QUALapprox float64 `tsv:"qual_approx"`
	VarDP      int     `tsv:"as_var_dp"`
	QD         float64 `tsv:"qd"`
}

func (r *siteOnlyRow) info() string {
	return fmt.Sprintf("AC=%d;AN=%d;AF=%s;DP=%d;QUALapprox=%s;QD=%s;AS_QD=%s;AS_VarDP=%d",
		r.AC, r.AN, formatFloat(r.AF), r.DP, formatFloat(r.QUALapprox),
		formatFloat(r.QD), formatFloat(r.QD), r.VarDP)
}

func formatFloat(f float64) string { return strconv.FormatFloat(f, 'g', 6, 64) }

const siteOnlyHeader = `##fileformat=VCFv4.2
##INFO=<ID=AC,Number=A,Type=Integer,Description="Allele count">
##INFO=<ID=AN,Number=1,Type=Integer,Description="Total number of alleles">
##INFO=<ID=AF,Number=A,Type=Float,Description="Allele frequency">
##INFO=<ID=DP,Number=1,Type=Integer,Description="Site depth">
##INFO=<ID=QUALapprox,Number=1,Type=Float,Description="Sum of the QUAL of carriers">
##INFO=<ID=QD,Number=1,Type=Float,Description="QUALapprox normalized by variant depth">
##INFO=<ID=AS_QD,Number=A,Type=Float,Description="Allele-specific QD">
##INFO=<ID=AS_VarDP,Number=A,Type=Integer,Description="Depth of carriers">
`

const vcfColumns = "#CHROM\tPOS\tID\tREF\tALT\tQUAL\tFILTER\tINFO"

// cohortCall is the densified call of one sample at a site.
type cohortCall struct {
	gt, dp, gq int
	qual       float64
}

// keptSamples returns the samples that pass QC and are not dropped as
// related.
func keptSamples(samples []string, qc map[string]*sampleQCRow, dropped map[string]bool) []string {
	var keep []string
	for _, s := range samples {
		if r, ok := qc[s]; ok && r.filtered() {
			continue
		}
		if dropped[s] {
			continue
		}
		keep = append(keep, s)
	}
	return keep
}

// eachSite calls fn for every site of d with the calls of samples, in site
// order.
func eachSite(d *vds, samples []string, fn func(v Variant, calls []cohortCall) error) error {
	blocks := newBlockIndex(d.blocks)
	sites, entries := groupSites(d.entries)
	calls := make([]cohortCall, len(samples))
	for i, v := range sites {
		for j, s := range samples {
			c := cohortCall{gt: missing}
			if e, ok := entries[i][s]; ok {
				c = cohortCall{gt: e.GT, dp: e.DP, gq: e.GQ, qual: e.Qual}
			} else if b := blocks.covering(s, v.Locus); b != nil {
				c = cohortCall{gt: 0, dp: b.DP, gq: b.GQ}
			}
			calls[j] = c
		}
		if err := fn(v, calls); err != nil {
			return err
		}
	}
	return nil
}

// readCohort reads the inputs shared by the variant QC functions.
func readCohort(ctx context.Context, vdsPath, qcPath, dropPath string) (*vds, []string, error) {
	d, err := readVDS(ctx, vdsPath)
	if err != nil {
		return nil, nil, err
	}
	qc, err := readSampleQC(ctx, qcPath)
	if err != nil {
		return nil, nil, err
	}
	dropped, err := readDropped(ctx, dropPath)
	if err != nil {
		return nil, nil, err
	}
	return d, keptSamples(d.samples, qc, dropped), nil
}

// SiteOnlyVCF summarizes the sites of the unrelated samples that pass QC,
// writing a table and a BGZF-compressed site-only VCF.
//
//   args: in.vds sample_qc.ht relateds_to_drop.ht site_only.ht site_only.vcf.bgz
func (e *Engine) SiteOnlyVCF(ctx context.Context, args []string) error {
	if err := checkArgs(pipeline.FuncSiteOnlyVCF, args, 5); err != nil {
		return err
	}
	htPath, vcfPath := args[3], args[4]
	var rows []siteOnlyRow
	skipHT, err := e.begin(ctx, pipeline.FuncSiteOnlyVCF, htPath)
	if err != nil {
		return err
	}
	if skipHT {
		if rows, err = readTable[siteOnlyRow](ctx, htPath); err != nil {
			return err
		}
	} else {
		d, keep, err := readCohort(ctx, args[0], args[1], args[2])
		if err != nil {
			return err
		}
		err = eachSite(d, keep, func(v Variant, calls []cohortCall) error {
			r := siteOnlyRow{Contig: v.Contig, Pos: v.Pos, Ref: v.Ref, Alt: v.Alt}
			for _, c := range calls {
				if c.gt == missing {
					continue
				}
				r.AN += 2
				r.AC += c.gt
				r.DP += c.dp
				if c.gt > 0 {
					r.QUALapprox += c.qual
					r.VarDP += c.dp
				}
			}
			// Sites with no carrier left are dropped.
			if r.AC == 0 {
				return nil
			}
			r.AF = float64(r.AC) / float64(r.AN)
			if r.VarDP > 0 {
				r.QD = r.QUALapprox / float64(r.VarDP)
			}
			rows = append(rows, r)
			return nil
		})
		if err != nil {
			return err
		}
		log.Printf("site-only: %d sites over %d samples", len(rows), len(keep))
		if err := writeTable(ctx, htPath, rows); err != nil {
			return err
		}
	}
	if skip, err := e.begin(ctx, pipeline.FuncSiteOnlyVCF, vcfPath); skip || err != nil {
		return err
	}
	return writeSiteOnlyVCF(ctx, vcfPath, rows)
}

func writeSiteOnlyVCF(ctx context.Context, path string, rows []siteOnlyRow) (err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, "create", path)
	}
	defer commit(ctx, out, &err)
	bw := bgzf.NewWriter(out.Writer(ctx), bgzfShards)
	defer func() {
		if e := bw.Close(); e != nil && err == nil {
			err = e
		}
	}()
	w := bufio.NewWriter(bw)
	w.WriteString(siteOnlyHeader)
	w.WriteString(vcfColumns + "\n")
	for i := range rows {
		r := &rows[i]
		fmt.Fprintf(w, "%s\t%d\t.\t%s\t%s\t.\t.\t%s\n", r.Contig, r.Pos, r.Ref, r.Alt, r.info())
	}
	return w.Flush()
}

// vcfRecord is a site-only VCF record. INFO keeps the order of the file.
type vcfRecord struct {
	chrom  string
	pos    int
	ref    string
	alts   []string
	qual   string
	filter string
	info   []infoField
}

type infoField struct {
	key, value string
	// flag fields have no value.
	flag bool
}

func (r *vcfRecord) get(key string) (string, bool) {
	for _, f := range r.info {
		if f.key == key {
			return f.value, true
		}
	}
	return "", false
}

func (r *vcfRecord) String() string {
	info := make([]string, len(r.info))
	for i, f := range r.info {
		if f.flag {
			info[i] = f.key
		} else {
			info[i] = f.key + "=" + f.value
		}
	}
	infoStr := strings.Join(info, ";")
	if infoStr == "" {
		infoStr = "."
	}
	return strings.Join([]string{r.chrom, strconv.Itoa(r.pos), ".", r.ref, strings.Join(r.alts, ","),
		r.qual, r.filter, infoStr}, "\t")
}

func parseVCFRecord(line string) (*vcfRecord, error) {
	f := strings.Split(line, "\t")
	if len(f) < 8 {
		return nil, pkgerrors.Errorf("expected at least 8 columns, got %d", len(f))
	}
	pos, err := strconv.Atoi(f[1])
	if err != nil {
		return nil, pkgerrors.Wrap(err, "position")
	}
	r := &vcfRecord{chrom: f[0], pos: pos, ref: f[3], alts: strings.Split(f[4], ","), qual: f[5], filter: f[6]}
	if f[7] != "." {
		for _, kv := range strings.Split(f[7], ";") {
			if i := strings.IndexByte(kv, '='); i >= 0 {
				r.info = append(r.info, infoField{key: kv[:i], value: kv[i+1:]})
			} else {
				r.info = append(r.info, infoField{key: kv, flag: true})
			}
		}
	}
	return r, nil
}

// scanVCF calls header for each header line and record for each record of
// the VCF at path.
func scanVCF(ctx context.Context, path string, header func(string), record func(*vcfRecord) error) (err error) {
	in, closeIn, err := openText(ctx, path)
	if err != nil {
		return errors.E(err, "open", path)
	}
	defer func() {
		if e := closeIn(); e != nil && err == nil {
			err = e
		}
	}()
	sc := newScanner(in)
	for line := 1; sc.Scan(); line++ {
		text := sc.Text()
		if strings.HasPrefix(text, "#") {
			if header != nil {
				header(text)
			}
			continue
		}
		r, err := parseVCFRecord(text)
		if err != nil {
			return errors.E(errors.Invalid, pkgerrors.Wrapf(err, "%s:%d", path, line))
		}
		if err := record(r); err != nil {
			return err
		}
	}
	return sc.Err()
}

// VQSR soft-filters the site-only VCF. The local engine cannot train a
// Gaussian mixture; it flags sites with QD below 2 as LowQual and reports
// QD-2 as the log-odds.
//
//   args: site_only.vcf.bgz vqsr.vcf.gz
func (e *Engine) VQSR(ctx context.Context, args []string) (err error) {
	if err := checkArgs(pipeline.FuncVQSR, args, 2); err != nil {
		return err
	}
	in, out := args[0], args[1]
	if skip, err := e.begin(ctx, pipeline.FuncVQSR, out); skip || err != nil {
		return err
	}
	f, err := file.Create(ctx, out)
	if err != nil {
		return errors.E(err, "create", out)
	}
	defer commit(ctx, f, &err)
	gz := gzip.NewWriter(f.Writer(ctx))
	defer func() {
		if e := gz.Close(); e != nil && err == nil {
			err = e
		}
	}()
	w := bufio.NewWriter(gz)
	var nsites, nfail int
	header := func(line string) {
		if strings.HasPrefix(line, "#CHROM") {
			io.WriteString(w, `##FILTER=<ID=LowQual,Description="QD below 2">
##INFO=<ID=AS_VQSLOD,Number=A,Type=Float,Description="Log-odds of being a true variant">
##INFO=<ID=AS_culprit,Number=A,Type=String,Description="Annotation driving the filter">
`)
		}
		io.WriteString(w, line+"\n")
	}
	err = scanVCF(ctx, in, header, func(r *vcfRecord) error {
		qd := 0.0
		if v, ok := r.get("QD"); ok {
			var err error
			if qd, err = strconv.ParseFloat(v, 64); err != nil {
				return errors.E(errors.Invalid, "bad QD", v, "at", r.chrom, strconv.Itoa(r.pos))
			}
		}
		r.filter = filterPass
		if qd < minQD {
			r.filter = filterLowQual
			nfail++
		}
		r.info = append(r.info,
			infoField{key: "AS_VQSLOD", value: formatFloat(qd - minQD)},
			infoField{key: "AS_culprit", value: "QD"})
		nsites++
		_, err := io.WriteString(w, r.String()+"\n")
		return err
	})
	if err != nil {
		return err
	}
	log.Printf("vqsr: %d of %d sites filtered", nfail, nsites)
	return w.Flush()
}

type vqsrRow struct {
	Contig  string `tsv:"contig"`
	Pos     int    `tsv:"pos"`
	Ref     string `tsv:"ref"`
	Alt     string `tsv:"alt"`
	Filters string `tsv:"filters"`
	// Info holds the remaining INFO fields, as in the VCF.
	Info string `tsv:"info"`
}

// LoadVQSR loads the VQSR VCF into a table with one row per alt allele.
// The SB field and the allele-specific fields are dropped.
//
//   args: vqsr.vcf.gz vqsr.ht
func (e *Engine) LoadVQSR(ctx context.Context, args []string) error {
	if err := checkArgs(pipeline.FuncLoadVQSR, args, 2); err != nil {
		return err
	}
	in, out := args[0], args[1]
	if skip, err := e.begin(ctx, pipeline.FuncLoadVQSR, out); skip || err != nil {
		return err
	}
	var (
		rows    []vqsrRow
		unsplit int
	)
	err := scanVCF(ctx, in, nil, func(r *vcfRecord) error {
		unsplit++
		var kept []infoField
		for _, f := range r.info {
			if f.key == "SB" || strings.HasPrefix(f.key, "AS_") {
				continue
			}
			kept = append(kept, f)
		}
		for i, alt := range r.alts {
			info := make([]string, len(kept))
			for j, f := range kept {
				if f.flag {
					info[j] = f.key
				} else {
					info[j] = f.key + "=" + alleleValue(f.value, i, len(r.alts))
				}
			}
			rows = append(rows, vqsrRow{r.chrom, r.pos, r.ref, alt, r.filter, strings.Join(info, ";")})
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.Printf("load vqsr: %d unsplit and %d split variants", unsplit, len(rows))
	return writeTable(ctx, out, rows)
}

// alleleValue picks the value of allele i from a per-allele INFO value.
// Other values are returned as is.
func alleleValue(value string, i, nalts int) string {
	if nalts == 1 {
		return value
	}
	parts := strings.Split(value, ",")
	if len(parts) != nalts {
		return value
	}
	return parts[i]
}
