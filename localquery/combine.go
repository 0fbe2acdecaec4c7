// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package localquery

import (
	"context"
	"sort"

	"github.com/biogo/store/llrb"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/larcoh/pipeline"
)

// siteNode holds the calls of all samples at one variant.
type siteNode struct {
	v       Variant
	entries []variantEntry
}

// Compare implements llrb.Comparable.
func (n *siteNode) Compare(c llrb.Comparable) int { return n.v.compare(c.(*siteNode).v) }

// vds is a sparse variant dataset: the calls at variant sites plus the
// reference blocks of every sample.
type vds struct {
	samples []string
	entries []variantEntry
	blocks  []refBlock
}

// Combine merges gVCFs into a variant dataset.
//
//   args: out.vds gvcf...
func (e *Engine) Combine(ctx context.Context, args []string) error {
	if err := checkArgs(pipeline.FuncCombiner, args, 2); err != nil {
		return err
	}
	out, paths := args[0], args[1:]
	if skip, err := e.begin(ctx, pipeline.FuncCombiner, out); skip || err != nil {
		return err
	}
	ivs, err := parseIntervals(e.Intervals)
	if err != nil {
		return err
	}
	gvcfs := make([]*gvcf, len(paths))
	err = traverse.Each(len(paths), func(i int) error {
		var err error
		gvcfs[i], err = readGVCF(ctx, paths[i], ivs)
		return err
	})
	if err != nil {
		return err
	}

	d := &vds{}
	seen := map[string]string{}
	sites := llrb.Tree{}
	for i, g := range gvcfs {
		if prev, ok := seen[g.sample]; ok {
			return errors.E(errors.Invalid, "sample", g.sample, "appears in both", prev, "and", paths[i])
		}
		seen[g.sample] = paths[i]
		d.samples = append(d.samples, g.sample)
		for _, entry := range g.entries {
			probe := &siteNode{v: entry.variant()}
			if n := sites.Get(probe); n != nil {
				probe = n.(*siteNode)
			} else {
				sites.Insert(probe)
			}
			probe.entries = append(probe.entries, entry)
		}
		blocks := append([]refBlock(nil), g.blocks...)
		sort.SliceStable(blocks, func(i, j int) bool {
			return Locus{blocks[i].Contig, blocks[i].Start}.compare(Locus{blocks[j].Contig, blocks[j].Start}) < 0
		})
		d.blocks = append(d.blocks, blocks...)
	}
	sites.Do(func(c llrb.Comparable) bool {
		d.entries = append(d.entries, c.(*siteNode).entries...)
		return false
	})
	log.Printf("combined %d samples: %d sites, %d entries, %d reference blocks",
		len(d.samples), sites.Len(), len(d.entries), len(d.blocks))
	return writeVDS(ctx, out, d)
}

func writeVDS(ctx context.Context, path string, d *vds) error {
	vd := path + "/" + variantData
	if err := writeCols(ctx, vd, d.samples); err != nil {
		return err
	}
	if err := writeRows(ctx, vd+"/"+entriesFile, d.entries); err != nil {
		return err
	}
	if err := markDone(ctx, vd); err != nil {
		return err
	}
	rd := path + "/" + referenceData
	if err := writeCols(ctx, rd, d.samples); err != nil {
		return err
	}
	if err := writeRows(ctx, rd+"/"+blocksFile, d.blocks); err != nil {
		return err
	}
	return markDone(ctx, rd)
}

func readVDS(ctx context.Context, path string) (*vds, error) {
	if err := checkComplete(ctx, path); err != nil {
		return nil, err
	}
	var (
		d   = &vds{}
		err error
	)
	if d.samples, err = readCols(ctx, path+"/"+variantData); err != nil {
		return nil, err
	}
	if d.entries, err = readRows[variantEntry](ctx, path+"/"+variantData+"/"+entriesFile); err != nil {
		return nil, err
	}
	if d.blocks, err = readRows[refBlock](ctx, path+"/"+referenceData+"/"+blocksFile); err != nil {
		return nil, err
	}
	return d, nil
}

// blockNode indexes a reference block by its start.
type blockNode struct {
	start Locus
	block *refBlock
}

// Compare implements llrb.Comparable.
func (n blockNode) Compare(c llrb.Comparable) int { return n.start.compare(c.(blockNode).start) }

// blockIndex finds the reference block covering a locus, per sample.
type blockIndex map[string]*llrb.Tree

func newBlockIndex(blocks []refBlock) blockIndex {
	idx := blockIndex{}
	for i := range blocks {
		b := &blocks[i]
		t, ok := idx[b.S]
		if !ok {
			t = &llrb.Tree{}
			idx[b.S] = t
		}
		t.Insert(blockNode{Locus{b.Contig, b.Start}, b})
	}
	return idx
}

// covering returns the block of sample s covering l, or nil.
func (idx blockIndex) covering(s string, l Locus) *refBlock {
	t, ok := idx[s]
	if !ok {
		return nil
	}
	c := t.Floor(blockNode{start: l})
	if c == nil {
		return nil
	}
	b := c.(blockNode).block
	if b.Contig != l.Contig || b.End < l.Pos {
		return nil
	}
	return b
}

// genotype is the densified genotype of sample s at v: its call if there
// is one, homozygous reference inside a reference block, missing otherwise.
// calls maps sample to entry at v.
func (idx blockIndex) genotype(s string, v Variant, calls map[string]*variantEntry) int {
	if e, ok := calls[s]; ok {
		return e.GT
	}
	if idx.covering(s, v.Locus) != nil {
		return 0
	}
	return missing
}

// groupSites groups the entries of d by variant, in entry order, which is
// site order for a combined dataset.
func groupSites(entries []variantEntry) (sites []Variant, calls []map[string]*variantEntry) {
	for i := range entries {
		e := &entries[i]
		v := e.variant()
		if n := len(sites); n == 0 || sites[n-1] != v {
			sites = append(sites, v)
			calls = append(calls, map[string]*variantEntry{})
		}
		calls[len(calls)-1][e.S] = e
	}
	return sites, calls
}
