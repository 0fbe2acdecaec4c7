// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pipeline_test

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/grailbio/larcoh/artifact"
	"github.com/grailbio/larcoh/cohort"
	"github.com/grailbio/larcoh/config"
	"github.com/grailbio/larcoh/dataproc"
	"github.com/grailbio/larcoh/pipeline"
	"github.com/grailbio/larcoh/stage"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	cfg    *config.Config
	rec    *dataproc.Recorder
	stages []stage.Stage
	cohort *cohort.Cohort
}

func newEnv(t *testing.T, dir string, extra string) *testEnv {
	cfg, err := config.Parse(fmt.Sprintf(`
[workflow]
dataset = "tg"
output_version = "0.1"
sample_manifest = "samples.tsv"
path_scheme = "local"
local_dir = %q
scatter_count = 75
[hail]
query_backend = "local"
[larcoh]
max_kin = 0.1
n_pcs = 4
`, dir), extra)
	require.NoError(t, err)
	rec := &dataproc.Recorder{}
	env := &pipeline.Env{
		Config:     cfg,
		Layout:     artifact.NewLayout(cfg),
		Gate:       artifact.NewGate(artifact.FileStore{}, cfg.ReuseEnabled()),
		Dispatcher: dataproc.NewDispatcher(rec, dataproc.Opts{ScatterCount: cfg.Workflow.ScatterCount}),
	}
	c, err := cohort.New("tg", []cohort.Sample{
		{ID: "CPG1", GVCF: dir + "/CPG1.g.vcf.gz"},
		{ID: "CPG2", GVCF: dir + "/CPG2.g.vcf.gz"},
	})
	require.NoError(t, err)
	return &testEnv{cfg: cfg, rec: rec, stages: pipeline.Stages(env), cohort: c}
}

func (e *testEnv) run(t *testing.T, finals ...stage.ID) *stage.Result {
	g, err := stage.NewGraph(e.stages...)
	require.NoError(t, err)
	res, err := (&stage.Runner{Graph: g, Cohort: e.cohort}).Run(context.Background(), finals...)
	require.NoError(t, err)
	return res
}

func (e *testEnv) complete(t *testing.T, stages ...stage.ID) {
	for _, s := range e.stages {
		want := len(stages) == 0
		for _, id := range stages {
			want = want || id == s.Name()
		}
		if !want {
			continue
		}
		for _, path := range s.ExpectedOutputs(e.cohort) {
			touchMarkers(t, path)
		}
	}
}

func touchMarkers(t *testing.T, path string) {
	for _, m := range artifact.Markers(path) {
		require.NoError(t, os.MkdirAll(filepath.Dir(m), 0755))
		require.NoError(t, ioutil.WriteFile(m, nil, 0644))
	}
}

func jobsByName(jobs []*dataproc.Job) map[string]*dataproc.Job {
	m := map[string]*dataproc.Job{}
	for _, j := range jobs {
		m[j.Name] = j
	}
	return m
}

func TestFreshRun(t *testing.T) {
	tmpDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	e := newEnv(t, tmpDir, "")
	res := e.run(t)
	expect.EQ(t, res.Order, []stage.ID{
		pipeline.Combiner, pipeline.SampleQC, pipeline.DenseSubset, pipeline.Relatedness,
		pipeline.Ancestry, pipeline.AncestryPlots, pipeline.MakeSiteOnlyVcf, pipeline.Vqsr,
		pipeline.VariantAnnotation,
	})
	jobs := e.rec.Jobs()
	expect.EQ(t, len(jobs), 11)
	byName := jobsByName(jobs)

	combiner := byName["Combiner"]
	expect.EQ(t, combiner.Function, pipeline.FuncCombiner)
	expect.EQ(t, combiner.Cluster.AutoscalingPolicy, "vcf-combiner-100")
	expect.EQ(t, combiner.Args[1:], e.cohort.GVCFs())

	pcrelate := byName["Relatedness/pcrelate"]
	flag := byName["Relatedness/flag_related"]
	expect.EQ(t, pcrelate.Cluster.SecondaryWorkers, 0)
	expect.EQ(t, pcrelate.Parents, []int{byName["Combiner"].ID, byName["SampleQC"].ID, byName["DenseSubset"].ID})
	expect.EQ(t, flag.Parents, []int{0, 1, 2, pcrelate.ID})

	expect.EQ(t, byName["VariantAnnotation/frequencies"].Cluster.MaxAge, "48h")
	expect.EQ(t, len(byName["AncestryPlots"].Cluster.Init), 1)
	expect.EQ(t, byName["MakeSiteOnlyVcf"].Cluster.WorkerBootDiskSize, 200)

	// Vqsr waits for everything upstream of the site-only VCF.
	vqsr := byName["Vqsr"]
	expect.EQ(t, vqsr.Parents, []int{0, 1, 2, pcrelate.ID, flag.ID, byName["MakeSiteOnlyVcf"].ID})
}

func TestCompleteRunQueuesNothing(t *testing.T) {
	tmpDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	e := newEnv(t, tmpDir, "")
	e.complete(t)
	res := e.run(t)
	expect.EQ(t, res.Jobs, 0)
	expect.EQ(t, len(res.Reused), 9)
	expect.EQ(t, len(e.rec.Jobs()), 0)
}

func TestOverwriteQueuesEverything(t *testing.T) {
	tmpDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	e := newEnv(t, tmpDir, `
[workflow]
overwrite = true
`)
	e.complete(t)
	res := e.run(t)
	expect.EQ(t, res.Jobs, 11)
}

func TestPartialRelatedness(t *testing.T) {
	tmpDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	e := newEnv(t, tmpDir, "")
	e.complete(t, pipeline.Combiner, pipeline.SampleQC, pipeline.DenseSubset)
	l := artifact.NewLayout(e.cfg)
	touchMarkers(t, l.Relatedness())

	res := e.run(t, pipeline.Relatedness)
	expect.EQ(t, res.Reused, []stage.ID{pipeline.Combiner, pipeline.SampleQC, pipeline.DenseSubset})
	jobs := e.rec.Jobs()
	require.Equal(t, 1, len(jobs))
	expect.EQ(t, jobs[0].Name, "Relatedness/flag_related")
	expect.EQ(t, len(jobs[0].Parents), 0)
}

func TestExpectedOutputs(t *testing.T) {
	tmpDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	e := newEnv(t, tmpDir, "")
	res := e.run(t)
	for _, s := range e.stages {
		outs := s.ExpectedOutputs(e.cohort)
		expect.EQ(t, s.ExpectedOutputs(e.cohort), outs)
		for _, id := range outs.IDs() {
			path, err := res.Table.Lookup(s.Name(), id)
			require.NoError(t, err)
			expect.EQ(t, path, outs[id])
		}
	}
	plots := e.stages[5].ExpectedOutputs(e.cohort)
	expect.EQ(t, len(plots), 6)
	expect.EQ(t, plots["population_pc3"], tmpDir+"/cpg-tg-test-web/larcoh/v0-1/ancestry/population_pc3.png")

	relatedness := e.stages[3].ExpectedOutputs(e.cohort)
	expect.EQ(t, relatedness.IDs(), []stage.OutputID{pipeline.OutRelatedness, pipeline.OutRelatedsToDrop})
}
