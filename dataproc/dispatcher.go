// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dataproc

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"blainsmith.com/go/seahash"
	farm "github.com/dgryski/go-farm"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// Job is one submitted call of a pipeline function.
type Job struct {
	// ID is the submission index within the run, starting at 0.
	ID   int    `json:"id"`
	Name string `json:"name"`
	// Function is the fully qualified name of the pipeline function, e.g.
	// "larcoh.sample_qc.run".
	Function string   `json:"function"`
	Args     []string `json:"args"`
	Cluster  Cluster  `json:"cluster"`
	// Parents are the IDs of the jobs that must succeed before this one
	// starts, in increasing order.
	Parents []int `json:"depends_on,omitempty"`
	// Key hashes the function, arguments and cluster. Jobs that compute the
	// same thing on the same cluster shape share a key across runs.
	Key string `json:"key"`
}

// Backend executes submitted jobs.
type Backend interface {
	// Submit hands the job to the backend. It must not block until the job
	// finishes. Every parent of job was submitted before it.
	Submit(ctx context.Context, job *Job) error
	// Wait blocks until all submitted jobs finish and returns the first
	// error.
	Wait(ctx context.Context) error
}

// Dispatcher turns job requests into submitted jobs. It is used by one run
// from a single goroutine.
type Dispatcher struct {
	backend Backend
	opts    Opts
	jobs    []*Job
	names   map[string]*Job
}

// NewDispatcher creates a dispatcher submitting to backend.
func NewDispatcher(backend Backend, opts Opts) *Dispatcher {
	if opts.ScatterCount <= 0 {
		opts.ScatterCount = DefaultOpts.ScatterCount
	}
	return &Dispatcher{backend: backend, opts: opts, names: map[string]*Job{}}
}

// Submit submits a call of fn over args on a cluster of the given shape. The
// job starts once all of after have succeeded; nil entries are ignored.
// Submission errors are returned as is. A job is never submitted twice: a
// second job with the same name is rejected.
func (d *Dispatcher) Submit(ctx context.Context, name, fn string, args []string, shape Shape, after ...*Job) (*Job, error) {
	if name == "" || fn == "" {
		return nil, errors.E(errors.Invalid, "dataproc: job needs a name and a function")
	}
	if _, ok := d.names[name]; ok {
		return nil, errors.E(errors.Invalid, "dataproc: job", name, "already submitted")
	}
	seen := map[int]bool{}
	var parents []int
	for _, p := range after {
		if p == nil || seen[p.ID] {
			continue
		}
		if p.ID >= len(d.jobs) || d.jobs[p.ID] != p {
			return nil, errors.E(errors.Invalid, "dataproc: job", name, "depends on", p.Name, "which was not submitted by this run")
		}
		seen[p.ID] = true
		parents = append(parents, p.ID)
	}
	sort.Ints(parents)
	job := &Job{
		ID:       len(d.jobs),
		Name:     name,
		Function: fn,
		Args:     append([]string(nil), args...),
		Cluster:  d.opts.Resolve(shape),
		Parents:  parents,
	}
	job.Key = jobKey(job)
	if err := d.backend.Submit(ctx, job); err != nil {
		return nil, errors.E(err, "dataproc: submit", name)
	}
	log.Printf("submitted job %d %s: %s %v", job.ID, name, fn, job.Args)
	d.jobs = append(d.jobs, job)
	d.names[name] = job
	return job, nil
}

// Jobs returns the submitted jobs in submission order.
func (d *Dispatcher) Jobs() []*Job { return d.jobs }

// Wait waits for the backend to finish all submitted jobs.
func (d *Dispatcher) Wait(ctx context.Context) error {
	return d.backend.Wait(ctx)
}

// Fingerprint hashes the job graph. Two runs that queue the same jobs in the
// same order with the same arguments and edges have the same fingerprint.
func Fingerprint(jobs []*Job) uint64 {
	data, err := json.Marshal(jobs)
	if err != nil {
		// Jobs are plain data.
		log.Panicf("dataproc: marshal jobs: %v", err)
	}
	return farm.Fingerprint64(data)
}

func jobKey(job *Job) string {
	data, err := json.Marshal(struct {
		Function string   `json:"function"`
		Args     []string `json:"args"`
		Cluster  Cluster  `json:"cluster"`
	}{job.Function, job.Args, job.Cluster})
	if err != nil {
		log.Panicf("dataproc: marshal job %s: %v", job.Name, err)
	}
	return fmt.Sprintf("%016x", seahash.Sum64(data))
}
