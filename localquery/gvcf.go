// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package localquery

import (
	"bufio"
	"context"
	"io"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/klauspost/compress/gzip"
	pkgerrors "github.com/pkg/errors"
)

// variantEntry is the call of one sample at a biallelic variant. Entries
// split from the same multi-allelic record have NAlts > 1.
type variantEntry struct {
	Contig string  `tsv:"contig"`
	Pos    int     `tsv:"pos"`
	Ref    string  `tsv:"ref"`
	Alt    string  `tsv:"alt"`
	S      string  `tsv:"s"`
	GT     int     `tsv:"gt"`
	DP     int     `tsv:"dp"`
	GQ     int     `tsv:"gq"`
	Qual   float64 `tsv:"qual"`
	NAlts  int     `tsv:"n_alts"`
}

func (e *variantEntry) variant() Variant {
	return Variant{Locus{e.Contig, e.Pos}, e.Ref, e.Alt}
}

// refBlock is a run of homozygous reference positions of one sample.
type refBlock struct {
	Contig string `tsv:"contig"`
	Start  int    `tsv:"start"`
	End    int    `tsv:"end"`
	S      string `tsv:"s"`
	DP     int    `tsv:"dp"`
	GQ     int    `tsv:"gq"`
}

type gvcf struct {
	sample  string
	entries []variantEntry
	blocks  []refBlock
}

// openText opens path for reading, decompressing gzip and BGZF files.
func openText(ctx context.Context, path string) (io.Reader, func() error, error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	closeFile := func() error { return f.Close(ctx) }
	if !strings.HasSuffix(path, ".gz") && !strings.HasSuffix(path, ".bgz") {
		return f.Reader(ctx), closeFile, nil
	}
	gz, err := gzip.NewReader(f.Reader(ctx))
	if err != nil {
		_ = f.Close(ctx)
		return nil, nil, errors.E(err, "gunzip", path)
	}
	return gz, func() error {
		err := gz.Close()
		if e := closeFile(); err == nil {
			err = e
		}
		return err
	}, nil
}

func newScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 1<<16), 1<<26)
	return sc
}

// readGVCF reads the single-sample gVCF at path, keeping the records inside
// ivs. Multi-allelic records are split into one entry per alt allele; the
// symbolic <NON_REF> allele is dropped.
func readGVCF(ctx context.Context, path string, ivs intervalSet) (g *gvcf, err error) {
	r, closer, err := openText(ctx, path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if e := closer(); e != nil && err == nil {
			err = e
		}
	}()
	g = &gvcf{}
	sc := newScanner(r)
	for lineno := 1; sc.Scan(); lineno++ {
		line := sc.Text()
		if strings.HasPrefix(line, "##") || line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if strings.HasPrefix(line, "#CHROM") {
			if len(fields) != 10 {
				return nil, errors.E(errors.Invalid, path, "is not a single-sample VCF")
			}
			g.sample = fields[9]
			continue
		}
		if g.sample == "" {
			return nil, errors.E(errors.Invalid, path, "has no #CHROM header")
		}
		if err := g.parseRecord(fields, ivs); err != nil {
			return nil, errors.E(errors.Invalid, pkgerrors.Wrapf(err, "%s:%d", path, lineno))
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errors.E(err, "read", path)
	}
	if g.sample == "" {
		return nil, errors.E(errors.Invalid, path, "has no #CHROM header")
	}
	return g, nil
}

func (g *gvcf) parseRecord(f []string, ivs intervalSet) error {
	if len(f) < 10 {
		return pkgerrors.Errorf("expected 10 columns, found %d", len(f))
	}
	pos, err := strconv.Atoi(f[1])
	if err != nil {
		return pkgerrors.Wrap(err, "POS")
	}
	contig, ref := f[0], f[3]
	format := strings.Split(f[8], ":")
	values := strings.Split(f[9], ":")
	value := func(key string) string {
		for i, k := range format {
			if k == key && i < len(values) {
				return values[i]
			}
		}
		return ""
	}
	dp := atoiOr(value("DP"), 0)
	if dp == 0 {
		dp = atoiOr(value("MIN_DP"), 0)
	}
	gq := atoiOr(value("GQ"), 0)

	// Alt alleles with their index in the record.
	type alt struct {
		allele string
		index  int
	}
	var alts []alt
	for i, a := range strings.Split(f[4], ",") {
		if a == "<NON_REF>" || a == "<*>" || a == "." {
			continue
		}
		alts = append(alts, alt{a, i + 1})
	}
	if len(alts) == 0 {
		end := pos
		for _, kv := range strings.Split(f[7], ";") {
			if strings.HasPrefix(kv, "END=") {
				if end, err = strconv.Atoi(kv[4:]); err != nil {
					return pkgerrors.Wrap(err, "INFO/END")
				}
			}
		}
		for _, sp := range ivs.clip(contig, pos, end) {
			g.blocks = append(g.blocks, refBlock{contig, sp.start, sp.end, g.sample, dp, gq})
		}
		return nil
	}
	if !ivs.contains(Locus{contig, pos}) {
		return nil
	}
	qual := 0.0
	if f[5] != "." {
		if qual, err = strconv.ParseFloat(f[5], 64); err != nil {
			return pkgerrors.Wrap(err, "QUAL")
		}
	}
	alleles := strings.FieldsFunc(value("GT"), func(r rune) bool { return r == '/' || r == '|' })
	for _, a := range alts {
		gt := 0
		for _, allele := range alleles {
			if allele == "." {
				gt = missing
				break
			}
			idx, err := strconv.Atoi(allele)
			if err != nil {
				return pkgerrors.Wrapf(err, "GT %q", value("GT"))
			}
			if idx == a.index {
				gt++
			}
		}
		if len(alleles) == 0 {
			gt = missing
		}
		g.entries = append(g.entries, variantEntry{
			Contig: contig, Pos: pos, Ref: ref, Alt: a.allele, S: g.sample,
			GT: gt, DP: dp, GQ: gq, Qual: qual, NAlts: len(alts),
		})
	}
	return nil
}

func atoiOr(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
