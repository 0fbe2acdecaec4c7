// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package localquery

import (
	"context"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/larcoh/pipeline"
	"gonum.org/v1/gonum/mat"
)

// popOther labels samples whose population could not be inferred.
const popOther = "oth"

type pcaResult struct {
	// scores has one row per sample, one column per PC.
	scores [][]float64
	// eigenvalues are in decreasing order.
	eigenvalues []float64
	// loadings has one row per site in sites.
	loadings [][]float64
	// sites are the indices of the sites used, the polymorphic ones of the
	// training samples.
	sites []int
}

// hwePCA runs a PCA of HWE-normalized genotypes. The principal axes are
// fitted on the samples with train set and all samples are projected onto
// them. At most k PCs are computed.
func hwePCA(g [][]int, train []bool, k int) (*pcaResult, error) {
	n := len(g)
	var ntrain int
	for _, t := range train {
		if t {
			ntrain++
		}
	}
	if ntrain == 0 {
		return nil, errors.E(errors.Invalid, "pca: no training samples")
	}
	nsites := 0
	if n > 0 {
		nsites = len(g[0])
	}
	// Allele frequencies and normalization of each site, from the training
	// samples.
	res := &pcaResult{}
	var mean, scale []float64
	for r := 0; r < nsites; r++ {
		var sum, called float64
		for i := 0; i < n; i++ {
			if train[i] && g[i][r] != missing {
				sum += float64(g[i][r])
				called++
			}
		}
		if called == 0 {
			continue
		}
		p := sum / (2 * called)
		if p <= 0 || p >= 1 {
			continue
		}
		res.sites = append(res.sites, r)
		mean = append(mean, 2*p)
		scale = append(scale, math.Sqrt(2*p*(1-p)))
	}
	m := len(res.sites)
	if k > ntrain {
		k = ntrain
	}
	if k > m {
		k = m
	}
	res.scores = make([][]float64, n)
	for i := range res.scores {
		res.scores[i] = make([]float64, k)
	}
	if k == 0 {
		return res, nil
	}
	norm := func(i int) []float64 {
		row := make([]float64, m)
		for c, r := range res.sites {
			if gt := g[i][r]; gt != missing {
				row[c] = (float64(gt) - mean[c]) / (scale[c] * math.Sqrt(float64(m)))
			}
		}
		return row
	}
	x := mat.NewDense(ntrain, m, nil)
	all := mat.NewDense(n, m, nil)
	for i, t := 0, 0; i < n; i++ {
		row := norm(i)
		all.SetRow(i, row)
		if train[i] {
			x.SetRow(t, row)
			t++
		}
	}
	var svd mat.SVD
	if ok := svd.Factorize(x, mat.SVDThin); !ok {
		return nil, errors.E(errors.Invalid, "pca: SVD did not converge")
	}
	values := svd.Values(nil)
	var v mat.Dense
	svd.VTo(&v)
	vk := mat.DenseCopyOf(v.Slice(0, m, 0, k))
	// Fix the sign of each axis: its largest loading is positive.
	for c := 0; c < k; c++ {
		best := 0
		for r := 0; r < m; r++ {
			if math.Abs(vk.At(r, c)) > math.Abs(vk.At(best, c)) {
				best = r
			}
		}
		if vk.At(best, c) < 0 {
			for r := 0; r < m; r++ {
				vk.Set(r, c, -vk.At(r, c))
			}
		}
	}
	var scores mat.Dense
	scores.Mul(all, vk)
	for i := 0; i < n; i++ {
		for c := 0; c < k; c++ {
			res.scores[i][c] = scores.At(i, c)
		}
	}
	for c := 0; c < k; c++ {
		res.eigenvalues = append(res.eigenvalues, values[c]*values[c])
	}
	res.loadings = make([][]float64, m)
	for r := range res.loadings {
		res.loadings[r] = mat.Row(nil, r, vk)[:k]
	}
	return res, nil
}

func formatFloats(v []float64) string {
	s := make([]string, len(v))
	for i, f := range v {
		s[i] = strconv.FormatFloat(f, 'g', -1, 64)
	}
	return strings.Join(s, ",")
}

func parseFloats(s string) ([]float64, error) {
	if s == "" {
		return nil, nil
	}
	fields := strings.Split(s, ",")
	v := make([]float64, len(fields))
	for i, f := range fields {
		var err error
		if v[i], err = strconv.ParseFloat(f, 64); err != nil {
			return nil, errors.E(errors.Invalid, "bad float list", s)
		}
	}
	return v, nil
}

// pad extends v with zeros to length n.
func pad(v []float64, n int) []float64 {
	for len(v) < n {
		v = append(v, 0)
	}
	return v
}

type scoreRow struct {
	S      string `tsv:"s"`
	Scores string `tsv:"scores"`
	// Training is 1 for the samples the axes were fitted on.
	Training int `tsv:"training"`
}

func scoreRows(samples []string, scores [][]float64, train []bool) []scoreRow {
	rows := make([]scoreRow, len(samples))
	for i, s := range samples {
		rows[i] = scoreRow{S: s, Scores: formatFloats(scores[i])}
		if train[i] {
			rows[i].Training = 1
		}
	}
	return rows
}

type eigenvalueRow struct {
	PC         int     `tsv:"pc"`
	Eigenvalue float64 `tsv:"eigenvalue"`
}

type loadingRow struct {
	Contig   string `tsv:"contig"`
	Pos      int    `tsv:"pos"`
	Ref      string `tsv:"ref"`
	Alt      string `tsv:"alt"`
	Loadings string `tsv:"loadings"`
}

type popRow struct {
	S   string `tsv:"s"`
	Pop string `tsv:"pop"`
	// TrainingPop is the known population of the sample, if any.
	TrainingPop string `tsv:"training_pop"`
}

// knownPop is a row of the population training file.
type knownPop struct {
	S   string `tsv:"s"`
	Pop string `tsv:"pop"`
}

// inferPops assigns each sample the population with the nearest centroid
// of known samples in PC space. Without known samples everyone is "oth".
func inferPops(samples []string, scores [][]float64, known map[string]string) []popRow {
	type centroid struct {
		sum []float64
		n   float64
	}
	centroids := map[string]*centroid{}
	for i, s := range samples {
		pop, ok := known[s]
		if !ok {
			continue
		}
		c := centroids[pop]
		if c == nil {
			c = &centroid{sum: make([]float64, len(scores[i]))}
			centroids[pop] = c
		}
		for j, x := range scores[i] {
			c.sum[j] += x
		}
		c.n++
	}
	pops := make([]string, 0, len(centroids))
	for pop := range centroids {
		pops = append(pops, pop)
	}
	sort.Strings(pops)
	rows := make([]popRow, len(samples))
	for i, s := range samples {
		rows[i] = popRow{S: s, Pop: popOther, TrainingPop: known[s]}
		best := math.Inf(1)
		for _, pop := range pops {
			c := centroids[pop]
			var d float64
			for j, x := range scores[i] {
				diff := x - c.sum[j]/c.n
				d += diff * diff
			}
			if d < best {
				best, rows[i].Pop = d, pop
			}
		}
	}
	return rows
}

// AncestryPCA runs a PCA on the unrelated samples that pass QC, projects
// the other samples and infers populations.
//
//   args: dense.mt sample_qc.ht relateds_to_drop.ht scores.ht eigenvalues.ht loadings.ht inferred_pop.ht
func (e *Engine) AncestryPCA(ctx context.Context, args []string) error {
	if err := checkArgs(pipeline.FuncAncestryPCA, args, 7); err != nil {
		return err
	}
	densePath, qcPath, dropPath := args[0], args[1], args[2]
	scoresPath, eigenPath, loadingsPath, popPath := args[3], args[4], args[5], args[6]
	if skip, err := e.begin(ctx, pipeline.FuncAncestryPCA, args[3:]...); skip || err != nil {
		return err
	}
	m, err := readDense(ctx, densePath)
	if err != nil {
		return err
	}
	qc, err := readSampleQC(ctx, qcPath)
	if err != nil {
		return err
	}
	dropped, err := readDropped(ctx, dropPath)
	if err != nil {
		return err
	}
	train := make([]bool, len(m.samples))
	for i, s := range m.samples {
		r, ok := qc[s]
		train[i] = !dropped[s] && (!ok || !r.filtered())
	}
	res, err := hwePCA(m.genotypeMatrix(), train, e.NPCs)
	if err != nil {
		return err
	}
	for i := range res.scores {
		res.scores[i] = pad(res.scores[i], e.NPCs)
	}
	log.Printf("ancestry: %d samples, %d training, %d sites, %d PCs",
		len(m.samples), countTrue(train), len(res.sites), len(res.eigenvalues))

	if err := writeTable(ctx, scoresPath, scoreRows(m.samples, res.scores, train)); err != nil {
		return err
	}
	eigen := make([]eigenvalueRow, e.NPCs)
	values := pad(append([]float64(nil), res.eigenvalues...), e.NPCs)
	for i := range eigen {
		eigen[i] = eigenvalueRow{PC: i + 1, Eigenvalue: values[i]}
	}
	if err := writeTable(ctx, eigenPath, eigen); err != nil {
		return err
	}
	loadings := make([]loadingRow, len(res.sites))
	for c, r := range res.sites {
		row := m.rows[r]
		loadings[c] = loadingRow{row.Contig, row.Pos, row.Ref, row.Alt, formatFloats(res.loadings[c])}
	}
	if err := writeTable(ctx, loadingsPath, loadings); err != nil {
		return err
	}
	known := map[string]string{}
	if e.PopTraining != "" {
		rows, err := readRows[knownPop](ctx, e.PopTraining)
		if err != nil {
			return err
		}
		for _, r := range rows {
			known[r.S] = r.Pop
		}
	}
	return writeTable(ctx, popPath, inferPops(m.samples, res.scores, known))
}

func countTrue(v []bool) int {
	n := 0
	for _, b := range v {
		if b {
			n++
		}
	}
	return n
}
