// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package workflow assembles a larcoh run from its configuration: the
// artifact store, the cohort, the backend and the stage graph.
package workflow

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/larcoh/artifact"
	"github.com/grailbio/larcoh/cohort"
	"github.com/grailbio/larcoh/config"
	"github.com/grailbio/larcoh/dataproc"
	"github.com/grailbio/larcoh/localquery"
	"github.com/grailbio/larcoh/pipeline"
	"github.com/grailbio/larcoh/stage"
)

// DefaultPollInterval is how often Execute checks for outputs when asked to
// wait for a remote backend.
const DefaultPollInterval = 30 * time.Second

// Workflow is one configured run.
type Workflow struct {
	Config     *config.Config
	Run        *artifact.Run
	Gate       *artifact.Gate
	Cohort     *cohort.Cohort
	Backend    dataproc.Backend
	Dispatcher *dataproc.Dispatcher
	Graph      *stage.Graph
	// PollInterval is used by Execute when waiting for outputs.
	PollInterval time.Duration

	metrics *metrics
}

// NewStore returns the artifact store serving the given path scheme. Local
// paths are always served, by the file store.
func NewStore(ctx context.Context, scheme string) (artifact.Store, error) {
	switch scheme {
	case config.SchemeLocal:
		return artifact.FileStore{}, nil
	case config.SchemeGS:
		gcs, err := artifact.NewGCSStore(ctx)
		if err != nil {
			return nil, err
		}
		return &artifact.MultiStore{
			Schemes: map[string]artifact.Store{config.SchemeGS: gcs},
			Default: artifact.FileStore{},
		}, nil
	case config.SchemeS3:
		sess, err := session.NewSession()
		if err != nil {
			return nil, errors.E(errors.Unavailable, err, "create AWS session")
		}
		return &artifact.MultiStore{
			Schemes: map[string]artifact.Store{config.SchemeS3: &artifact.S3Store{Client: s3.New(sess)}},
			Default: artifact.FileStore{},
		}, nil
	}
	return nil, errors.E(errors.Invalid, "no artifact store for scheme", scheme)
}

// New configures a run, using the store of the configured path scheme.
func New(ctx context.Context, cfg *config.Config) (*Workflow, error) {
	store, err := NewStore(ctx, cfg.Workflow.PathScheme)
	if err != nil {
		return nil, err
	}
	return NewWithStore(ctx, cfg, store)
}

// NewWithStore configures a run whose reuse checks go to store.
//
// Pipeline functions run in-process when the query backend is local and
// the run is not a dry run. Otherwise the submitted jobs are recorded in a
// plan under the tmp prefix.
func NewWithStore(ctx context.Context, cfg *config.Config, store artifact.Store) (*Workflow, error) {
	w := &Workflow{
		Config:       cfg,
		Run:          artifact.NewRun(cfg),
		Gate:         artifact.NewGate(store, cfg.ReuseEnabled()),
		PollInterval: DefaultPollInterval,
		metrics:      newMetrics(),
	}
	var err error
	w.Cohort, err = cohort.Load(ctx, cohort.Manifest{Path: cfg.Workflow.SampleManifest}, cfg.Workflow.Dataset)
	if err != nil {
		return nil, err
	}
	if cfg.Local() && !cfg.Hail.DryRun {
		w.Backend = dataproc.NewLocal(localquery.New(cfg, w.Gate).Funcs(), runtime.NumCPU())
	} else {
		w.Backend = &dataproc.Recorder{RunID: w.Run.ID, PlanPath: w.Run.PlanPath()}
	}
	w.Dispatcher = dataproc.NewDispatcher(w.Backend, dataproc.Opts{
		ScatterCount:   cfg.Workflow.ScatterCount,
		HighmemWorkers: cfg.Workflow.HighmemWorkers,
	})
	env := &pipeline.Env{
		Config:     cfg,
		Layout:     w.Run.Layout,
		Gate:       w.Gate,
		Dispatcher: w.Dispatcher,
	}
	if w.Graph, err = stage.NewGraph(pipeline.Stages(env)...); err != nil {
		return nil, err
	}
	return w, nil
}

// ParseStages parses a comma-separated list of stage names. An empty list
// selects every stage.
func ParseStages(list string) []stage.ID {
	var ids []stage.ID
	for _, s := range strings.Split(list, ",") {
		if s = strings.TrimSpace(s); s != "" {
			ids = append(ids, stage.ID(s))
		}
	}
	return ids
}

// Execute queues the stages needed for finals, or all stages, and waits for
// the backend, also when a stage fails to queue. With wait set it then blocks until every output of the
// processed stages is complete. Metrics are pushed when a gateway is
// configured, whether or not the run succeeded.
func (w *Workflow) Execute(ctx context.Context, wait bool, finals ...stage.ID) (*stage.Result, error) {
	log.Printf("run %s: dataset %s, %d samples, outputs under %s",
		w.Run.ID, w.Cohort.Dataset, len(w.Cohort.Samples), w.Run.Prefix())
	runner := &stage.Runner{Graph: w.Graph, Cohort: w.Cohort}
	res, err := runner.Run(ctx, finals...)
	// Jobs submitted before a stage failed stay submitted.
	if werr := w.Dispatcher.Wait(ctx); werr != nil {
		if err == nil {
			err = errors.E(werr, "run", w.Run.ID)
		} else {
			log.Error.Printf("run %s: %v", w.Run.ID, werr)
		}
	}
	if err == nil && wait {
		err = w.waitOutputs(ctx, res.Order)
	}
	if res != nil {
		w.metrics.observe(res)
		log.Printf("run %s: %d stages queued, %d reused, %d jobs",
			w.Run.ID, len(res.Queued), len(res.Reused), res.Jobs)
	}
	if url := w.Config.Workflow.MetricsPushgateway; url != "" {
		if perr := w.metrics.push(ctx, url, w.Cohort.Dataset, w.Run.ID); perr != nil {
			log.Error.Printf("run %s: %v", w.Run.ID, perr)
		}
	}
	return res, err
}

func (w *Workflow) outputs(ids []stage.ID) []string {
	var paths []string
	for _, id := range ids {
		if s, ok := w.Graph.Lookup(id); ok {
			paths = append(paths, s.ExpectedOutputs(w.Cohort).Paths()...)
		}
	}
	return paths
}

func (w *Workflow) waitOutputs(ctx context.Context, ids []stage.ID) error {
	pending := w.outputs(ids)
	for {
		var left []string
		for _, path := range pending {
			ok, err := w.Gate.Complete(ctx, path)
			if err != nil {
				return err
			}
			if !ok {
				left = append(left, path)
			}
		}
		if len(left) == 0 {
			return nil
		}
		log.Printf("run %s: waiting for %d outputs, e.g. %s", w.Run.ID, len(left), left[0])
		pending = left
		select {
		case <-ctx.Done():
			return errors.E(ctx.Err(), fmt.Sprintf("run %s: waiting for %d outputs", w.Run.ID, len(left)))
		case <-time.After(w.PollInterval):
		}
	}
}

// OutputStatus describes one expected output of a stage.
type OutputStatus struct {
	Stage  stage.ID
	Output stage.OutputID
	Path   string
	// Complete is set if the output exists with its completeness marker.
	Complete bool
	// Reusable is set if a run would reuse the output.
	Reusable bool
}

// Status reports the expected outputs of the stages needed for finals, in
// run order, without queuing anything.
func (w *Workflow) Status(ctx context.Context, finals ...stage.ID) ([]OutputStatus, error) {
	order, err := w.Graph.Order(finals...)
	if err != nil {
		return nil, err
	}
	var status []OutputStatus
	for _, s := range order {
		outs := s.ExpectedOutputs(w.Cohort)
		for _, id := range outs.IDs() {
			st := OutputStatus{Stage: s.Name(), Output: id, Path: outs[id]}
			if st.Complete, err = w.Gate.Complete(ctx, st.Path); err != nil {
				return nil, err
			}
			if st.Reusable, err = w.Gate.CanReuse(ctx, st.Path); err != nil {
				return nil, err
			}
			status = append(status, st)
		}
	}
	return status, nil
}
