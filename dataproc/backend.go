// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dataproc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
)

// Plan is the recorded job graph of a run.
type Plan struct {
	RunID       string `json:"run_id"`
	Fingerprint string `json:"fingerprint"`
	Jobs        []*Job `json:"jobs"`
}

// Recorder is a Backend that doesn't execute anything. It keeps the
// submitted jobs and, on Wait, writes them as a JSON Plan to PlanPath. The
// plan is the submission artifact picked up by the cluster scheduler, or the
// only output of a dry run.
type Recorder struct {
	RunID string
	// PlanPath is where Wait writes the plan. If empty, nothing is written.
	PlanPath string

	mu   sync.Mutex
	jobs []*Job
}

// Submit implements Backend.
func (r *Recorder) Submit(ctx context.Context, job *Job) error {
	r.mu.Lock()
	r.jobs = append(r.jobs, job)
	r.mu.Unlock()
	return nil
}

// Jobs returns the jobs submitted so far.
func (r *Recorder) Jobs() []*Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Job(nil), r.jobs...)
}

// Plan returns the plan of the jobs submitted so far.
func (r *Recorder) Plan() Plan {
	jobs := r.Jobs()
	return Plan{
		RunID:       r.RunID,
		Fingerprint: fmt.Sprintf("%016x", Fingerprint(jobs)),
		Jobs:        jobs,
	}
}

// Wait implements Backend.
func (r *Recorder) Wait(ctx context.Context) (err error) {
	if r.PlanPath == "" {
		return nil
	}
	plan := r.Plan()
	out, err := file.Create(ctx, r.PlanPath)
	if err != nil {
		return errors.E(err, "dataproc: create plan")
	}
	defer func() {
		if err != nil {
			out.Discard(ctx)
			return
		}
		file.CloseAndReport(ctx, out, &err)
	}()
	enc := json.NewEncoder(out.Writer(ctx))
	enc.SetIndent("", "  ")
	if err = enc.Encode(plan); err != nil {
		return errors.E(err, "dataproc: write plan", r.PlanPath)
	}
	log.Printf("wrote plan of %d jobs to %s", len(plan.Jobs), r.PlanPath)
	return nil
}

// Func is the in-process implementation of a pipeline function.
type Func func(ctx context.Context, args []string) error

// Local is a Backend that runs jobs in the current process. Each job runs in
// its own goroutine once its parents have succeeded; a job whose parent
// failed doesn't run. At most Parallelism functions execute at a time.
type Local struct {
	funcs map[string]Func
	sem   chan struct{}

	mu   sync.Mutex
	jobs []*localJob
	wg   sync.WaitGroup
	err  errors.Once
}

type localJob struct {
	job  *Job
	done chan struct{}
	err  error
}

// NewLocal creates a local backend over the given function registry.
func NewLocal(funcs map[string]Func, parallelism int) *Local {
	if parallelism <= 0 {
		parallelism = 1
	}
	return &Local{funcs: funcs, sem: make(chan struct{}, parallelism)}
}

// Submit implements Backend. The job runs under ctx.
func (l *Local) Submit(ctx context.Context, job *Job) error {
	fn, ok := l.funcs[job.Function]
	if !ok {
		return errors.E(errors.NotSupported, "dataproc: no local implementation of", job.Function)
	}
	l.mu.Lock()
	var parents []*localJob
	for _, id := range job.Parents {
		if id >= len(l.jobs) {
			l.mu.Unlock()
			return errors.E(errors.Invalid, fmt.Sprintf("dataproc: job %s: unknown parent %d", job.Name, id))
		}
		parents = append(parents, l.jobs[id])
	}
	lj := &localJob{job: job, done: make(chan struct{})}
	l.jobs = append(l.jobs, lj)
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer close(lj.done)
		if lj.err = l.run(ctx, lj, parents, fn); lj.err != nil {
			l.err.Set(lj.err)
		}
	}()
	return nil
}

func (l *Local) run(ctx context.Context, lj *localJob, parents []*localJob, fn Func) error {
	for _, p := range parents {
		select {
		case <-p.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		if p.err != nil {
			return errors.E(errors.Precondition, "job", lj.job.Name, "not run: parent", p.job.Name, "failed")
		}
	}
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-l.sem }()
	log.Debug.Printf("local: start %s", lj.job.Name)
	if err := fn(ctx, lj.job.Args); err != nil {
		log.Error.Printf("local: job %s failed: %v", lj.job.Name, err)
		return errors.E(err, "job", lj.job.Name)
	}
	log.Debug.Printf("local: done %s", lj.job.Name)
	return nil
}

// Wait implements Backend.
func (l *Local) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return l.err.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
