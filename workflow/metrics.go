// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package workflow

import (
	"context"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/larcoh/stage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

const pushJob = "larcoh"

// metrics counts what a run did. They are kept in their own registry and
// pushed once the run is over; the process doesn't serve them.
type metrics struct {
	registry *prometheus.Registry
	stages   *prometheus.CounterVec
	jobs     prometheus.Counter
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		stages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "larcoh_stages_total",
			Help: "Stages processed, by whether they queued jobs or reused all outputs.",
		}, []string{"status"}),
		jobs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "larcoh_jobs_submitted_total",
			Help: "Jobs submitted to the backend.",
		}),
	}
	m.registry.MustRegister(m.stages, m.jobs)
	return m
}

func (m *metrics) observe(res *stage.Result) {
	m.stages.WithLabelValues("queued").Add(float64(len(res.Queued)))
	m.stages.WithLabelValues("reused").Add(float64(len(res.Reused)))
	m.jobs.Add(float64(res.Jobs))
}

// push sends the metrics to the gateway at url, grouped by dataset and run.
func (m *metrics) push(ctx context.Context, url, dataset, runID string) error {
	err := push.New(url, pushJob).
		Gatherer(m.registry).
		Grouping("dataset", dataset).
		Grouping("run_id", runID).
		PushContext(ctx)
	if err != nil {
		return errors.E(errors.Unavailable, err, "push metrics to", url)
	}
	return nil
}
