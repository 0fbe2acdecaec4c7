// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package localquery

import (
	"context"
	"fmt"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/larcoh/artifact"
	"github.com/grailbio/larcoh/pipeline"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

const plotSize = 6 * vg.Inch

// scatterGroup is one labelled series of a PC scatter plot.
type scatterGroup struct {
	label  string
	points plotter.XYs
}

// pcLabel labels the axis of pc (0-based) with its share of the variance.
func pcLabel(pc int, eigenvalues []float64) string {
	var total float64
	for _, v := range eigenvalues {
		total += v
	}
	if total == 0 || pc >= len(eigenvalues) {
		return fmt.Sprintf("PC%d", pc+1)
	}
	return fmt.Sprintf("PC%d (%.1f%%)", pc+1, 100*eigenvalues[pc]/total)
}

// drawScatter writes a PNG of the groups to path.
func drawScatter(ctx context.Context, path, title, xlabel, ylabel string, groups []scatterGroup) (err error) {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = xlabel
	p.Y.Label.Text = ylabel
	for i, g := range groups {
		s, err := plotter.NewScatter(g.points)
		if err != nil {
			return errors.E(err, "plot", path)
		}
		s.GlyphStyle.Color = plotutil.Color(i)
		s.GlyphStyle.Shape = draw.CircleGlyph{}
		s.GlyphStyle.Radius = vg.Points(2)
		p.Add(s)
		p.Legend.Add(g.label, s)
	}
	wt, err := p.WriterTo(plotSize, plotSize, artifact.PlotExt)
	if err != nil {
		return errors.E(err, "plot", path)
	}
	f, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer commit(ctx, f, &err)
	_, err = wt.WriteTo(f.Writer(ctx))
	return err
}

// AncestryPlots draws scatter plots of consecutive PC pairs of the samples
// that pass QC, coloured by dataset and by inferred population.
//
//   args: scores.ht eigenvalues.ht inferred_pop.ht sample_qc.ht plot_dir
func (e *Engine) AncestryPlots(ctx context.Context, args []string) error {
	if err := checkArgs(pipeline.FuncAncestryPlot, args, 5); err != nil {
		return err
	}
	scoresPath, eigenPath, popPath, qcPath, dir := args[0], args[1], args[2], args[3], args[4]
	var outputs []string
	for _, scope := range artifact.PlotScopes {
		for pc := 1; pc < e.NPCs; pc++ {
			outputs = append(outputs, dir+"/"+artifact.PlotName(scope, pc)+"."+artifact.PlotExt)
		}
	}
	if skip, err := e.begin(ctx, pipeline.FuncAncestryPlot, outputs...); skip || err != nil {
		return err
	}
	scores, err := readTable[scoreRow](ctx, scoresPath)
	if err != nil {
		return err
	}
	eigen, err := readTable[eigenvalueRow](ctx, eigenPath)
	if err != nil {
		return err
	}
	sort.Slice(eigen, func(i, j int) bool { return eigen[i].PC < eigen[j].PC })
	eigenvalues := make([]float64, len(eigen))
	for i, r := range eigen {
		eigenvalues[i] = r.Eigenvalue
	}
	pops, err := readTable[popRow](ctx, popPath)
	if err != nil {
		return err
	}
	pop := map[string]string{}
	for _, r := range pops {
		pop[r.S] = r.Pop
	}
	qc, err := readSampleQC(ctx, qcPath)
	if err != nil {
		return err
	}
	type sample struct {
		s      string
		scores []float64
	}
	var samples []sample
	for _, r := range scores {
		if q, ok := qc[r.S]; ok && q.filtered() {
			continue
		}
		v, err := parseFloats(r.Scores)
		if err != nil {
			return err
		}
		samples = append(samples, sample{r.S, pad(v, e.NPCs)})
	}
	dataset := e.Dataset
	if dataset == "" {
		dataset = "dataset"
	}
	labelOf := map[string]func(string) string{
		"dataset":    func(string) string { return dataset },
		"population": func(s string) string { return pop[s] },
	}
	n := 0
	for _, scope := range artifact.PlotScopes {
		label := labelOf[scope]
		for pc := 1; pc < e.NPCs; pc++ {
			byLabel := map[string]*scatterGroup{}
			var groups []*scatterGroup
			for _, s := range samples {
				l := label(s.s)
				g := byLabel[l]
				if g == nil {
					g = &scatterGroup{label: l}
					byLabel[l] = g
					groups = append(groups, g)
				}
				g.points = append(g.points, plotter.XY{X: s.scores[pc-1], Y: s.scores[pc]})
			}
			sort.Slice(groups, func(i, j int) bool { return groups[i].label < groups[j].label })
			flat := make([]scatterGroup, len(groups))
			for i, g := range groups {
				flat[i] = *g
			}
			path := dir + "/" + artifact.PlotName(scope, pc) + "." + artifact.PlotExt
			title := fmt.Sprintf("%s: PC%d vs PC%d", scope, pc, pc+1)
			if err := drawScatter(ctx, path, title, pcLabel(pc-1, eigenvalues), pcLabel(pc, eigenvalues), flat); err != nil {
				return err
			}
			n++
		}
	}
	log.Printf("ancestry plots: wrote %d plots of %d samples to %s", n, len(samples), dir)
	return nil
}
