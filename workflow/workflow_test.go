// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/larcoh/artifact"
	"github.com/grailbio/larcoh/cohort"
	"github.com/grailbio/larcoh/config"
	"github.com/grailbio/larcoh/dataproc"
	"github.com/grailbio/larcoh/pipeline"
	"github.com/grailbio/larcoh/stage"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/expect"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const nsamples = 8

// writeCohort writes plain-text gVCFs of nsamples samples and their
// manifest under dir. It returns the manifest path.
func writeCohort(t *testing.T, dir string) string {
	r := rand.New(rand.NewSource(1))
	var manifest strings.Builder
	manifest.WriteString("s\texternal_id\tgvcf\n")
	for i := 0; i < nsamples; i++ {
		s := fmt.Sprintf("CPG%d", i)
		var b strings.Builder
		fmt.Fprintf(&b, "##fileformat=VCFv4.2\n#CHROM\tPOS\tID\tREF\tALT\tQUAL\tFILTER\tINFO\tFORMAT\t%s\n", s)
		fmt.Fprintf(&b, "chr20\t1\t.\tA\t<NON_REF>\t.\t.\tEND=2000\tGT:MIN_DP:GQ\t0/0:30:40\n")
		for k := 0; k < 150; k++ {
			gt := r.Intn(3)
			if k%7 == i%7 && gt == 0 {
				gt = 1
			}
			if gt == 0 {
				continue
			}
			fmt.Fprintf(&b, "chr20\t%d\t.\tG\tT,<NON_REF>\t40\t.\t.\tGT:DP:GQ\t%s:30:50\n",
				10+k*10, [...]string{"", "0/1", "1/1"}[gt])
		}
		name := s + ".g.vcf"
		require.NoError(t, ioutil.WriteFile(filepath.Join(dir, name), []byte(b.String()), 0644))
		fmt.Fprintf(&manifest, "%s\tEXT%d\t%s\n", s, i, name)
	}
	path := filepath.Join(dir, "samples.tsv")
	require.NoError(t, ioutil.WriteFile(path, []byte(manifest.String()), 0644))
	return path
}

func testConfig(t *testing.T, dir, extra string) *config.Config {
	cfg, err := config.Parse(fmt.Sprintf(`
[workflow]
dataset = "tg"
output_version = "0.1"
path_scheme = "local"
local_dir = %q
sample_manifest = %q
[hail]
query_backend = "local"
[larcoh]
max_kin = 0.2
n_pcs = 3
min_coverage = 10
`, filepath.Join(dir, "buckets"), filepath.Join(dir, "samples.tsv")), extra)
	require.NoError(t, err)
	return cfg
}

func TestLocalRun(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	writeCohort(t, dir)

	w, err := New(ctx, testConfig(t, dir, ""))
	require.NoError(t, err)
	_, ok := w.Backend.(*dataproc.Local)
	require.True(t, ok)
	expect.EQ(t, w.Cohort.IDs()[0], "CPG0")

	res, err := w.Execute(ctx, true)
	require.NoError(t, err)
	expect.EQ(t, res.Jobs, 11)
	expect.EQ(t, len(res.Queued), 9)
	expect.EQ(t, len(res.Reused), 0)
	expect.EQ(t, promtest.ToFloat64(w.metrics.jobs), 11.0)
	expect.EQ(t, promtest.ToFloat64(w.metrics.stages.WithLabelValues("queued")), 9.0)

	status, err := w.Status(ctx)
	require.NoError(t, err)
	// Combiner, sample QC, dense subset and VQSR have one output; 2 for
	// relatedness, site-only and annotation; 4 ancestry tables and 4 plots.
	expect.EQ(t, len(status), 4+2*3+4+4)
	for _, st := range status {
		expect.True(t, st.Complete, "%s/%s %s", st.Stage, st.Output, st.Path)
		expect.True(t, st.Reusable)
	}
	plot := filepath.Join(dir, "buckets/cpg-tg-test-web/larcoh/v0-1/ancestry/population_pc2.png")
	_, err = os.Stat(plot)
	require.NoError(t, err)

	// Everything is reusable: a second run submits nothing.
	again, err := New(ctx, testConfig(t, dir, ""))
	require.NoError(t, err)
	res, err = again.Execute(ctx, false)
	require.NoError(t, err)
	expect.EQ(t, res.Jobs, 0)
	expect.EQ(t, len(res.Reused), 9)
	expect.EQ(t, promtest.ToFloat64(again.metrics.stages.WithLabelValues("reused")), 9.0)

	// Overwrite recomputes everything.
	over, err := New(ctx, testConfig(t, dir, "[workflow]\noverwrite = true\n"))
	require.NoError(t, err)
	res, err = over.Execute(ctx, false, pipeline.SampleQC)
	require.NoError(t, err)
	expect.EQ(t, res.Jobs, 2)
}

func TestDryRun(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	writeCohort(t, dir)

	w, err := New(ctx, testConfig(t, dir, "[hail]\ndry_run = true\n"))
	require.NoError(t, err)
	rec, ok := w.Backend.(*dataproc.Recorder)
	require.True(t, ok)
	res, err := w.Execute(ctx, false, pipeline.Relatedness)
	require.NoError(t, err)
	// combiner, sample QC, dense subset and the two relatedness jobs.
	expect.EQ(t, res.Jobs, 5)
	expect.EQ(t, res.Order, []stage.ID{pipeline.Combiner, pipeline.SampleQC, pipeline.DenseSubset, pipeline.Relatedness})

	data, err := ioutil.ReadFile(w.Run.PlanPath())
	require.NoError(t, err)
	var plan dataproc.Plan
	require.NoError(t, json.Unmarshal(data, &plan))
	expect.EQ(t, plan.RunID, w.Run.ID)
	expect.EQ(t, len(plan.Jobs), 5)
	expect.EQ(t, plan.Fingerprint, rec.Plan().Fingerprint)

	// Nothing ran.
	ok, err = w.Gate.Complete(ctx, w.Run.VDS())
	require.NoError(t, err)
	expect.False(t, ok)

	// A second dry run of the same configuration plans the same jobs.
	w2, err := New(ctx, testConfig(t, dir, "[hail]\ndry_run = true\n"))
	require.NoError(t, err)
	_, err = w2.Execute(ctx, false, pipeline.Relatedness)
	require.NoError(t, err)
	expect.EQ(t, w2.Backend.(*dataproc.Recorder).Plan().Fingerprint, plan.Fingerprint)
	expect.True(t, w2.Run.ID != w.Run.ID)
}

type brokenStage struct{}

func (brokenStage) Name() stage.ID       { return "Broken" }
func (brokenStage) Requires() []stage.ID { return []stage.ID{pipeline.Combiner} }

func (brokenStage) ExpectedOutputs(c *cohort.Cohort) stage.Outputs {
	return stage.Outputs{stage.Default: "/nonexistent/broken.ht"}
}

func (brokenStage) QueueJobs(ctx context.Context, c *cohort.Cohort, in *stage.Inputs) ([]*dataproc.Job, error) {
	return nil, errors.E(errors.Unavailable, "store down")
}

func TestStageFailureKeepsSubmittedJobs(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	writeCohort(t, dir)

	w, err := New(ctx, testConfig(t, dir, "[hail]\ndry_run = true\n"))
	require.NoError(t, err)
	w.Graph, err = stage.NewGraph(append(w.Graph.Stages(), brokenStage{})...)
	require.NoError(t, err)
	_, err = w.Execute(ctx, false, "Broken")
	expect.True(t, errors.Is(errors.Unavailable, err))

	data, err := ioutil.ReadFile(w.Run.PlanPath())
	require.NoError(t, err)
	var plan dataproc.Plan
	require.NoError(t, json.Unmarshal(data, &plan))
	require.Equal(t, 1, len(plan.Jobs))
	expect.EQ(t, plan.Jobs[0].Function, "larcoh.combiner.run")
}

func TestWaitTimesOut(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	writeCohort(t, dir)
	w, err := New(context.Background(), testConfig(t, dir, "[hail]\ndry_run = true\n"))
	require.NoError(t, err)
	w.PollInterval = 5 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = w.Execute(ctx, true, pipeline.Combiner)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "waiting for 1 outputs")
}

func TestUnknownStage(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	writeCohort(t, dir)
	w, err := New(context.Background(), testConfig(t, dir, "[hail]\ndry_run = true\n"))
	require.NoError(t, err)
	res, err := w.Execute(context.Background(), false, "Nope")
	expect.True(t, errors.Is(errors.Invalid, err))
	expect.True(t, res == nil)
	expect.EQ(t, len(w.Backend.(*dataproc.Recorder).Jobs()), 0)

	_, err = w.Status(context.Background(), "Nope")
	expect.True(t, errors.Is(errors.Invalid, err))
}

func TestMetricsPush(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	writeCohort(t, dir)

	var (
		mu    sync.Mutex
		paths []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		rw.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testConfig(t, dir, fmt.Sprintf("[workflow]\nmetrics_pushgateway = %q\n[hail]\ndry_run = true\n", srv.URL))
	w, err := New(context.Background(), cfg)
	require.NoError(t, err)
	_, err = w.Execute(context.Background(), false, pipeline.Combiner)
	require.NoError(t, err)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, len(paths))
	expect.EQ(t, paths[0], "/metrics/job/larcoh/dataset/tg/run_id/"+w.Run.ID)
}

func TestParseStages(t *testing.T) {
	expect.EQ(t, ParseStages(""), []stage.ID(nil))
	expect.EQ(t, ParseStages("SampleQC, Relatedness,"), []stage.ID{"SampleQC", "Relatedness"})
}

func TestNewStore(t *testing.T) {
	s, err := NewStore(context.Background(), config.SchemeLocal)
	require.NoError(t, err)
	_, ok := s.(artifact.FileStore)
	expect.True(t, ok)
	_, err = NewStore(context.Background(), "ftp")
	expect.True(t, errors.Is(errors.Invalid, err))
}
