// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package localquery

import (
	"context"
	"sort"

	"github.com/grailbio/base/log"
	"github.com/grailbio/larcoh/pipeline"
)

// minKinship is the kinship below which pairs are not recorded.
const minKinship = 0.05

type relatednessRow struct {
	I    string  `tsv:"i"`
	J    string  `tsv:"j"`
	Kin  float64 `tsv:"kin"`
	IBS0 float64 `tsv:"ibs0"`
	N    int     `tsv:"n_sites"`
}

// kinship estimates the kinship coefficient of two samples with the KING
// robust estimator
//
//   phi = (N(het,het) - 2 N(opposite homozygotes)) / (N(het, i) + N(het, j))
//
// over the sites where both are called. It also returns the fraction of
// those sites where the samples are opposite homozygotes and their count.
func kinship(a, b []int) (phi, ibs0 float64, n int) {
	var hetHet, oppHom, hetA, hetB int
	for k := range a {
		x, y := a[k], b[k]
		if x == missing || y == missing {
			continue
		}
		n++
		if x == 1 {
			hetA++
		}
		if y == 1 {
			hetB++
		}
		switch {
		case x == 1 && y == 1:
			hetHet++
		case x == 0 && y == 2, x == 2 && y == 0:
			oppHom++
		}
	}
	if n == 0 {
		return 0, 0, 0
	}
	ibs0 = float64(oppHom) / float64(n)
	if hetA+hetB == 0 {
		return 0, ibs0, n
	}
	return float64(hetHet-2*oppHom) / float64(hetA+hetB), ibs0, n
}

// genotypeMatrix returns the genotypes of the dense matrix per sample.
func (m *denseMT) genotypeMatrix() [][]int {
	g := make([][]int, len(m.samples))
	for i := range g {
		g[i] = make([]int, len(m.rows))
	}
	for k, r := range m.rows {
		for i := range m.samples {
			g[i][k] = gtDecode(r.GT[i])
		}
	}
	return g
}

// PCRelate computes the kinship of all pairs of samples and keeps the pairs
// with kinship of at least 0.05. It checkpoints PCA scores of the samples to
// the tmp table.
//
//   args: dense.mt out.ht scores.ht
func (e *Engine) PCRelate(ctx context.Context, args []string) error {
	if err := checkArgs(pipeline.FuncPCRelate, args, 3); err != nil {
		return err
	}
	in, out, scoresPath := args[0], args[1], args[2]
	if skip, err := e.begin(ctx, pipeline.FuncPCRelate, out); skip || err != nil {
		return err
	}
	m, err := readDense(ctx, in)
	if err != nil {
		return err
	}
	g := m.genotypeMatrix()

	if skip, err := e.begin(ctx, pipeline.FuncPCRelate, scoresPath); err != nil {
		return err
	} else if !skip {
		k := len(m.samples) / 3
		if k > 10 {
			k = 10
		}
		if k < 1 {
			k = 1
		}
		all := make([]bool, len(m.samples))
		for i := range all {
			all[i] = true
		}
		res, err := hwePCA(g, all, k)
		if err != nil {
			return err
		}
		if err := writeTable(ctx, scoresPath, scoreRows(m.samples, res.scores, all)); err != nil {
			return err
		}
	}

	var rows []relatednessRow
	for i := range m.samples {
		for j := i + 1; j < len(m.samples); j++ {
			phi, ibs0, n := kinship(g[i], g[j])
			if phi < minKinship {
				continue
			}
			rows = append(rows, relatednessRow{m.samples[i], m.samples[j], phi, ibs0, n})
		}
	}
	log.Printf("relatedness: %d pairs with kinship >= %g", len(rows), minKinship)
	return writeTable(ctx, out, rows)
}

type rankRow struct {
	S        string `tsv:"s"`
	Rank     int    `tsv:"rank"`
	Filtered int    `tsv:"filtered"`
}

// rankSamples orders samples by hard filters, then by decreasing chr20
// coverage. A lower rank is better.
func rankSamples(qc map[string]*sampleQCRow) []rankRow {
	samples := make([]*sampleQCRow, 0, len(qc))
	for _, r := range qc {
		samples = append(samples, r)
	}
	sort.Slice(samples, func(i, j int) bool {
		a, b := samples[i], samples[j]
		if a.filtered() != b.filtered() {
			return !a.filtered()
		}
		if a.Chr20MeanDP != b.Chr20MeanDP {
			return a.Chr20MeanDP > b.Chr20MeanDP
		}
		return a.S < b.S
	})
	ranks := make([]rankRow, len(samples))
	for i, s := range samples {
		ranks[i] = rankRow{S: s.S, Rank: i}
		if s.filtered() {
			ranks[i].Filtered = 1
		}
	}
	return ranks
}

type dropRow struct {
	S    string `tsv:"s"`
	Rank int    `tsv:"rank"`
}

// relatedToDrop returns the samples to drop so that no two remaining
// samples have kinship above maxKin. Filtered samples are ignored: they are
// dropped anyway. The result is a greedy maximal independent set: the
// sample with the most related samples goes first, ties broken by dropping
// the worse ranked one.
func relatedToDrop(pairs []relatednessRow, ranks []rankRow, maxKin float64) []dropRow {
	rank := map[string]int{}
	filtered := map[string]bool{}
	for _, r := range ranks {
		rank[r.S] = r.Rank
		filtered[r.S] = r.Filtered != 0
	}
	adj := map[string]map[string]bool{}
	link := func(a, b string) {
		if adj[a] == nil {
			adj[a] = map[string]bool{}
		}
		adj[a][b] = true
	}
	for _, p := range pairs {
		if p.Kin <= maxKin || p.I == p.J || filtered[p.I] || filtered[p.J] {
			continue
		}
		link(p.I, p.J)
		link(p.J, p.I)
	}
	var drop []dropRow
	for {
		var (
			worst  string
			degree int
		)
		for s, nbrs := range adj {
			d := len(nbrs)
			if d == 0 {
				continue
			}
			if d > degree || (d == degree && (rank[s] > rank[worst] || rank[s] == rank[worst] && s > worst)) {
				worst, degree = s, d
			}
		}
		if degree == 0 {
			break
		}
		drop = append(drop, dropRow{worst, rank[worst]})
		for nbr := range adj[worst] {
			delete(adj[nbr], worst)
		}
		delete(adj, worst)
	}
	sort.Slice(drop, func(i, j int) bool { return drop[i].Rank < drop[j].Rank })
	return drop
}

// FlagRelated picks the related samples to drop, keeping the best ranked
// sample of each family.
//
//   args: relatedness.ht sample_qc.ht out.ht rankings.ht
func (e *Engine) FlagRelated(ctx context.Context, args []string) error {
	if err := checkArgs(pipeline.FuncFlagRelated, args, 4); err != nil {
		return err
	}
	relPath, qcPath, out, rankPath := args[0], args[1], args[2], args[3]
	if skip, err := e.begin(ctx, pipeline.FuncFlagRelated, out); skip || err != nil {
		return err
	}
	pairs, err := readTable[relatednessRow](ctx, relPath)
	if err != nil {
		return err
	}
	var ranks []rankRow
	skip, err := e.begin(ctx, pipeline.FuncFlagRelated, rankPath)
	if err != nil {
		return err
	}
	if skip {
		if ranks, err = readTable[rankRow](ctx, rankPath); err != nil {
			return err
		}
	} else {
		qc, err := readSampleQC(ctx, qcPath)
		if err != nil {
			return err
		}
		ranks = rankSamples(qc)
		if err := writeTable(ctx, rankPath, ranks); err != nil {
			return err
		}
	}
	drop := relatedToDrop(pairs, ranks, e.MaxKin)
	log.Printf("flag related: dropping %d samples", len(drop))
	return writeTable(ctx, out, drop)
}

// readDropped returns the set of samples listed in a relateds-to-drop table.
func readDropped(ctx context.Context, path string) (map[string]bool, error) {
	rows, err := readTable[dropRow](ctx, path)
	if err != nil {
		return nil, err
	}
	m := map[string]bool{}
	for _, r := range rows {
		m[r.S] = true
	}
	return m, nil
}
