// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package stage_test

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/larcoh/cohort"
	"github.com/grailbio/larcoh/dataproc"
	"github.com/grailbio/larcoh/stage"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStage struct {
	name     stage.ID
	requires []stage.ID
	// reads defaults to requires.
	reads []stage.ID
	reuse bool
	d     *dataproc.Dispatcher
	calls *[]stage.ID
}

func (s *fakeStage) Name() stage.ID       { return s.name }
func (s *fakeStage) Requires() []stage.ID { return s.requires }

func (s *fakeStage) ExpectedOutputs(c *cohort.Cohort) stage.Outputs {
	return stage.Outputs{stage.Default: "/out/" + c.Dataset + "/" + string(s.name) + ".ht"}
}

func (s *fakeStage) QueueJobs(ctx context.Context, c *cohort.Cohort, in *stage.Inputs) ([]*dataproc.Job, error) {
	*s.calls = append(*s.calls, s.name)
	var args []string
	reads := s.reads
	if reads == nil {
		reads = s.requires
	}
	for _, r := range reads {
		path, err := in.Default(r)
		if err != nil {
			return nil, err
		}
		args = append(args, path)
	}
	if s.reuse {
		return nil, nil
	}
	job, err := s.d.Submit(ctx, string(s.name), "larcoh.fake.run", args, dataproc.Shape{}, in.After()...)
	if err != nil {
		return nil, err
	}
	return []*dataproc.Job{job}, nil
}

type fixture struct {
	rec   *dataproc.Recorder
	d     *dataproc.Dispatcher
	calls []stage.ID
}

func newFixture() *fixture {
	f := &fixture{rec: &dataproc.Recorder{}}
	f.d = dataproc.NewDispatcher(f.rec, dataproc.Opts{})
	return f
}

func (f *fixture) stage(name string, requires ...string) *fakeStage {
	s := &fakeStage{name: stage.ID(name), d: f.d, calls: &f.calls}
	for _, r := range requires {
		s.requires = append(s.requires, stage.ID(r))
	}
	return s
}

func testCohort(t *testing.T) *cohort.Cohort {
	c, err := cohort.New("tg", []cohort.Sample{{ID: "CPG1", GVCF: "/gvcf/CPG1.g.vcf.gz"}})
	require.NoError(t, err)
	return c
}

func run(t *testing.T, stages []stage.Stage, finals ...stage.ID) (*stage.Result, error) {
	g, err := stage.NewGraph(stages...)
	require.NoError(t, err)
	r := &stage.Runner{Graph: g, Cohort: testCohort(t)}
	return r.Run(context.Background(), finals...)
}

func TestOrderTiesFollowDeclaration(t *testing.T) {
	f := newFixture()
	res, err := run(t, []stage.Stage{
		f.stage("SampleQC", "Combiner"),
		f.stage("Combiner"),
		f.stage("DenseSubset", "Combiner"),
		f.stage("Relatedness", "SampleQC", "DenseSubset"),
		f.stage("Unused"),
	}, "Relatedness")
	require.NoError(t, err)
	expect.EQ(t, res.Order, []stage.ID{"Combiner", "SampleQC", "DenseSubset", "Relatedness"})
	expect.EQ(t, f.calls, res.Order)

	jobs := f.rec.Jobs()
	require.Equal(t, 4, len(jobs))
	// Relatedness depends on every ancestor job.
	expect.EQ(t, jobs[3].Parents, []int{0, 1, 2})
	expect.EQ(t, jobs[3].Args, []string{"/out/tg/SampleQC.ht", "/out/tg/DenseSubset.ht"})

	path, err := res.Table.Lookup("SampleQC", stage.Default)
	require.NoError(t, err)
	expect.EQ(t, path, "/out/tg/SampleQC.ht")
	_, err = res.Table.Lookup("SampleQC", "vcf")
	require.Error(t, err)
	_, err = res.Table.Lookup("Unused", stage.Default)
	require.Error(t, err)
}

func TestReusedStageKeepsEdges(t *testing.T) {
	f := newFixture()
	mid := f.stage("b", "a")
	mid.reuse = true
	res, err := run(t, []stage.Stage{f.stage("a"), mid, f.stage("c", "b")})
	require.NoError(t, err)
	expect.EQ(t, res.Queued, []stage.ID{"a", "c"})
	expect.EQ(t, res.Reused, []stage.ID{"b"})
	expect.EQ(t, res.Jobs, 2)
	jobs := f.rec.Jobs()
	expect.EQ(t, jobs[1].Parents, []int{0})
}

func TestUndeclaredInput(t *testing.T) {
	f := newFixture()
	bad := f.stage("b")
	bad.reads = []stage.ID{"a"}
	_, err := run(t, []stage.Stage{f.stage("a"), bad})
	require.Error(t, err)
	expect.True(t, errors.Is(errors.Invalid, err))
	expect.EQ(t, len(f.rec.Jobs()), 1)
}

func TestCycleQueuesNothing(t *testing.T) {
	f := newFixture()
	_, err := run(t, []stage.Stage{
		f.stage("ok"),
		f.stage("a", "ok", "c"),
		f.stage("b", "a"),
		f.stage("c", "b"),
	})
	require.Error(t, err)
	expect.True(t, errors.Is(errors.Invalid, err))
	expect.EQ(t, len(f.calls), 0)
	expect.EQ(t, len(f.rec.Jobs()), 0)
}

func TestMissingStage(t *testing.T) {
	f := newFixture()
	_, err := run(t, []stage.Stage{f.stage("a", "nope")})
	require.Error(t, err)
	expect.True(t, errors.Is(errors.Invalid, err))
	expect.EQ(t, len(f.calls), 0)

	_, err = run(t, []stage.Stage{f.stage("a")}, "b")
	require.Error(t, err)
}

func TestUnknownStageSuggestion(t *testing.T) {
	f := newFixture()
	g, err := stage.NewGraph(f.stage("SampleQC"), f.stage("Relatedness", "SampleQC"))
	require.NoError(t, err)
	_, err = g.Order("sampleqc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did you mean SampleQC?")
	_, err = g.Order("Ancestry")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "did you mean")
}

func TestDuplicateStage(t *testing.T) {
	f := newFixture()
	_, err := stage.NewGraph(f.stage("a"), f.stage("a"))
	require.Error(t, err)
	expect.True(t, errors.Is(errors.Invalid, err))
}

type failingStage struct{ *fakeStage }

func (s failingStage) QueueJobs(ctx context.Context, c *cohort.Cohort, in *stage.Inputs) ([]*dataproc.Job, error) {
	return nil, errors.E(errors.Unavailable, "store down")
}

func TestStageFailureAborts(t *testing.T) {
	f := newFixture()
	res, err := run(t, []stage.Stage{
		f.stage("a"),
		failingStage{f.stage("b", "a")},
		f.stage("c", "b"),
	})
	require.Error(t, err)
	expect.True(t, errors.Is(errors.Unavailable, err))
	expect.EQ(t, res.Order, []stage.ID{"a"})
	// The job of a is not withdrawn.
	expect.EQ(t, len(f.rec.Jobs()), 1)
}

// randomDAG declares n stages in shuffled order; stage i may only require
// stages j < i.
func randomDAG(f *fixture, r *rand.Rand, n int) []stage.Stage {
	stages := make([]stage.Stage, n)
	for i := 0; i < n; i++ {
		var requires []string
		for j := 0; j < i; j++ {
			if r.Intn(3) == 0 {
				requires = append(requires, fmt.Sprint("s", j))
			}
		}
		stages[i] = f.stage(fmt.Sprint("s", i), requires...)
	}
	r.Shuffle(n, func(i, j int) { stages[i], stages[j] = stages[j], stages[i] })
	return stages
}

func TestRandomDAG(t *testing.T) {
	for seed := int64(0); seed < 50; seed++ {
		n := 2 + int(seed%12)
		f := newFixture()
		stages := randomDAG(f, rand.New(rand.NewSource(seed)), n)
		res, err := run(t, stages)
		require.NoError(t, err)
		require.Equal(t, n, len(res.Order))

		pos := map[stage.ID]int{}
		for i, id := range res.Order {
			pos[id] = i
		}
		jobs := map[string]*dataproc.Job{}
		for _, job := range f.rec.Jobs() {
			jobs[job.Name] = job
		}
		for _, s := range stages {
			for _, r := range s.Requires() {
				require.True(t, pos[r] < pos[s.Name()], "seed %d: %s before %s", seed, r, s.Name())
				parent := jobs[string(r)]
				found := false
				for _, p := range jobs[string(s.Name())].Parents {
					found = found || p == parent.ID
				}
				require.True(t, found, "seed %d: %s waits for %s", seed, s.Name(), r)
			}
		}

		// Same graph, same job graph.
		f2 := newFixture()
		_, err = run(t, randomDAG(f2, rand.New(rand.NewSource(seed)), n))
		require.NoError(t, err)
		expect.EQ(t, dataproc.Fingerprint(f2.rec.Jobs()), dataproc.Fingerprint(f.rec.Jobs()))
	}
}

func TestOutputs(t *testing.T) {
	outs := stage.Outputs{"vcf": "/b.vcf.bgz", "ht": "/a.ht"}
	expect.EQ(t, outs.IDs(), []stage.OutputID{"ht", "vcf"})
	expect.EQ(t, outs.Paths(), []string{"/a.ht", "/b.vcf.bgz"})
}
