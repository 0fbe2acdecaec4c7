// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package stage runs a fixed graph of named pipeline stages.
//
// A Stage declares the stages it requires, the artifacts it produces and how
// to queue the jobs producing them. The Runner orders the stages needed for
// the requested final stages, lets each one queue its jobs and records the
// declared outputs so that downstream stages find their inputs.
package stage

import (
	"context"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/larcoh/cohort"
	"github.com/grailbio/larcoh/dataproc"
)

// ID names a stage. It is unique within a graph.
type ID string

// OutputID names one output of a stage.
type OutputID string

// Default is the output id of stages that produce a single artifact.
const Default OutputID = "default"

// Outputs maps output ids to artifact paths.
type Outputs map[OutputID]string

// IDs returns the output ids in sorted order.
func (o Outputs) IDs() []OutputID {
	ids := make([]OutputID, 0, len(o))
	for id := range o {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Paths returns the artifact paths in output id order.
func (o Outputs) Paths() []string {
	var paths []string
	for _, id := range o.IDs() {
		paths = append(paths, o[id])
	}
	return paths
}

// Stage is one step of the pipeline.
type Stage interface {
	// Name is the unique name of the stage.
	Name() ID
	// Requires lists the stages whose outputs this stage reads.
	Requires() []ID
	// ExpectedOutputs returns where the outputs of the stage are written. It
	// depends only on the configuration and the cohort.
	ExpectedOutputs(c *cohort.Cohort) Outputs
	// QueueJobs submits the jobs producing the stage outputs and returns
	// them. It returns no jobs if all outputs can be reused.
	QueueJobs(ctx context.Context, c *cohort.Cohort, in *Inputs) ([]*dataproc.Job, error)
}

type key struct {
	stage ID
	out   OutputID
}

// Table holds the outputs and jobs of the stages processed by one run.
type Table struct {
	outputs map[key]string
	jobs    map[ID][]*dataproc.Job
}

func newTable() *Table {
	return &Table{outputs: map[key]string{}, jobs: map[ID][]*dataproc.Job{}}
}

func (t *Table) add(stage ID, outs Outputs, jobs []*dataproc.Job) {
	for id, path := range outs {
		t.outputs[key{stage, id}] = path
	}
	t.jobs[stage] = jobs
}

// Lookup returns the path of output out of stage. It is an error to look up
// an output that was never recorded.
func (t *Table) Lookup(stage ID, out OutputID) (string, error) {
	path, ok := t.outputs[key{stage, out}]
	if !ok {
		return "", errors.E(errors.Invalid, "stage: no output", string(out), "of stage", string(stage))
	}
	return path, nil
}

// Jobs returns the jobs queued by stage.
func (t *Table) Jobs(stage ID) []*dataproc.Job { return t.jobs[stage] }

// Inputs gives a stage access to the outputs of its ancestors.
type Inputs struct {
	stage     ID
	table     *Table
	ancestors []ID
	isAnc     map[ID]bool
}

// Path returns output out of the ancestor stage.
func (in *Inputs) Path(stage ID, out OutputID) (string, error) {
	if !in.isAnc[stage] {
		return "", errors.E(errors.Invalid, "stage:", string(in.stage), "does not depend on", string(stage))
	}
	return in.table.Lookup(stage, out)
}

// Default returns the Default output of the ancestor stage.
func (in *Inputs) Default(stage ID) (string, error) { return in.Path(stage, Default) }

// After returns the jobs queued by all ancestors, in run order. Jobs of the
// stage must not start before these.
func (in *Inputs) After() []*dataproc.Job {
	var jobs []*dataproc.Job
	for _, id := range in.ancestors {
		jobs = append(jobs, in.table.Jobs(id)...)
	}
	return jobs
}
