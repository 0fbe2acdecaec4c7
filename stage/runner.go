// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package stage

import (
	"context"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/larcoh/cohort"
	"github.com/grailbio/larcoh/dataproc"
)

// Runner queues the jobs of a graph for one cohort.
type Runner struct {
	Graph  *Graph
	Cohort *cohort.Cohort
}

// Result describes a finished Run.
type Result struct {
	// Order lists the processed stages.
	Order []ID
	// Table holds the outputs and jobs of every processed stage.
	Table *Table
	// Queued lists the stages that submitted jobs, Reused those whose
	// outputs were all reused.
	Queued, Reused []ID
	// Jobs is the number of submitted jobs.
	Jobs int
}

// Run processes the stages needed for finals, or all stages if none are
// given. The graph is ordered, and checked, before any stage queues jobs.
// The first stage failure stops the run; jobs already submitted are not
// withdrawn.
func (r *Runner) Run(ctx context.Context, finals ...ID) (*Result, error) {
	order, err := r.Graph.Order(finals...)
	if err != nil {
		return nil, err
	}
	res := &Result{Table: newTable()}
	ancestors := map[ID][]ID{}
	for _, s := range order {
		name := s.Name()
		anc := ancestorsOf(s, ancestors)
		ancestors[name] = anc
		in := &Inputs{stage: name, table: res.Table, ancestors: anc, isAnc: map[ID]bool{}}
		for _, a := range anc {
			in.isAnc[a] = true
		}
		outs := s.ExpectedOutputs(r.Cohort)
		jobs, err := s.QueueJobs(ctx, r.Cohort, in)
		if err != nil {
			return res, errors.E(err, "stage", string(name))
		}
		res.Table.add(name, outs, jobs)
		res.Order = append(res.Order, name)
		res.Jobs += len(jobs)
		if len(jobs) == 0 {
			log.Printf("stage %s: reusing %d outputs", name, len(outs))
			res.Reused = append(res.Reused, name)
		} else {
			log.Printf("stage %s: queued %d jobs", name, len(jobs))
			res.Queued = append(res.Queued, name)
		}
	}
	return res, nil
}

// ancestorsOf returns the transitive requirements of s, every stage after
// its own ancestors. The ancestors of every requirement are in known.
func ancestorsOf(s Stage, known map[ID][]ID) []ID {
	seen := map[ID]bool{}
	var anc []ID
	add := func(id ID) {
		if !seen[id] {
			seen[id] = true
			anc = append(anc, id)
		}
	}
	for _, r := range s.Requires() {
		for _, a := range known[r] {
			add(a)
		}
		add(r)
	}
	return anc
}

// AllJobs returns the jobs of the given result in run order.
func (res *Result) AllJobs() []*dataproc.Job {
	var jobs []*dataproc.Job
	for _, id := range res.Order {
		jobs = append(jobs, res.Table.Jobs(id)...)
	}
	return jobs
}
