// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package dataproc submits pipeline functions as jobs to an autoscaling
// compute cluster.
//
// A job is a call of a named pipeline function over a list of path
// arguments. The Dispatcher resolves the requested resource Shape into a
// concrete Cluster, records the dependency edges between jobs and hands the
// job to a Backend. Submission is fire-and-forget: the returned *Job is only
// used to declare predecessors of later jobs.
package dataproc

import (
	"fmt"
	"time"
)

const (
	// MaxPrimaryWorkers is the GCP quota on the number of non-preemptible
	// workers of a cluster.
	MaxPrimaryWorkers = 50
	// MinPrimaryWorkers is the smallest primary pool Dataproc accepts.
	MinPrimaryWorkers = 2

	// The primary pool of a preemptible cluster is 5-10% of the secondary
	// pool; 8% is used.
	primaryPercent = 8

	machineStandard = "n1-standard-8"
	machineHighmem  = "n1-highmem-8"

	maxAge     = 24 * time.Hour
	maxAgeLong = 48 * time.Hour

	phantomjsInit = "gs://cpg-reference/hail_dataproc/install_phantomjs.sh"
)

// Packages are installed on every cluster.
var Packages = []string{
	"cpg-utils",
	"coloredlogs",
	"click",
	"cpg-gnomad==0.6.3",
	"google",
	"slackclient",
	"fsspec",
	"sklearn",
	"gcloud",
	"selenium",
}

// Shape is the resource request of a job.
type Shape struct {
	// NumWorkers is the requested worker count. Zero selects the run's
	// scatter count.
	NumWorkers int
	// Preemptible places the requested workers in the secondary,
	// preemptible pool.
	Preemptible bool
	// AutoscalingPolicy names a Dataproc autoscaling policy. When set, the
	// service manages the pool sizes.
	AutoscalingPolicy string
	// Long raises the maximum age of the cluster, for jobs known to run for
	// more than a day, e.g. frequency calculation.
	Long bool
	// Phantomjs installs phantomjs on the cluster, needed to export plots.
	Phantomjs bool
	// Boot disk sizes in GB; zero keeps the service default.
	WorkerBootDiskSize          int
	SecondaryWorkerBootDiskSize int
}

// Cluster is the concrete cluster a job runs on.
type Cluster struct {
	PrimaryWorkers              int      `json:"num_workers"`
	SecondaryWorkers            int      `json:"num_secondary_workers"`
	AutoscalingPolicy           string   `json:"autoscaling_policy,omitempty"`
	MachineType                 string   `json:"worker_machine_type"`
	MaxAge                      string   `json:"max_age"`
	WorkerBootDiskSize          int      `json:"worker_boot_disk_size,omitempty"`
	SecondaryWorkerBootDiskSize int      `json:"secondary_worker_boot_disk_size,omitempty"`
	Packages                    []string `json:"packages"`
	Init                        []string `json:"init,omitempty"`
	PyFiles                     []string `json:"pyfiles"`
}

// Opts are the run-level settings that affect cluster sizing.
type Opts struct {
	// ScatterCount is the worker count of jobs that don't request one.
	ScatterCount int
	// HighmemWorkers selects high-memory machines.
	HighmemWorkers bool
}

// DefaultOpts are used for zero fields of Opts.
var DefaultOpts = Opts{ScatterCount: 50}

// Resolve translates a resource request into a cluster.
func (o Opts) Resolve(s Shape) Cluster {
	n := s.NumWorkers
	if n <= 0 {
		n = o.ScatterCount
	}
	if n <= 0 {
		n = DefaultOpts.ScatterCount
	}
	c := Cluster{
		AutoscalingPolicy:           s.AutoscalingPolicy,
		MachineType:                 machineStandard,
		MaxAge:                      formatAge(maxAge),
		WorkerBootDiskSize:          s.WorkerBootDiskSize,
		SecondaryWorkerBootDiskSize: s.SecondaryWorkerBootDiskSize,
		Packages:                    Packages,
		PyFiles:                     []string{"larcoh"},
	}
	switch {
	case s.AutoscalingPolicy != "":
		// Sizing is left to the policy.
	case s.Preemptible:
		c.SecondaryWorkers = n
		c.PrimaryWorkers = clampPrimary((n*primaryPercent + 99) / 100)
	default:
		c.PrimaryWorkers = clampPrimary(n)
	}
	if o.HighmemWorkers {
		c.MachineType = machineHighmem
	}
	if s.Long {
		c.MaxAge = formatAge(maxAgeLong)
	}
	if s.Phantomjs {
		c.Init = []string{phantomjsInit}
	}
	return c
}

func clampPrimary(n int) int {
	if n < MinPrimaryWorkers {
		return MinPrimaryWorkers
	}
	if n > MaxPrimaryWorkers {
		return MaxPrimaryWorkers
	}
	return n
}

func formatAge(d time.Duration) string {
	return fmt.Sprintf("%dh", int(d/time.Hour))
}

// AutoscalingTier returns the worker tier of the autoscaling policies
// matching the scatter count: up to 50 workers, up to 100, or 200.
func AutoscalingTier(scatterCount int) string {
	switch {
	case scatterCount > 100:
		return "200"
	case scatterCount > 50:
		return "100"
	default:
		return "50"
	}
}

// CombinerPolicy is the autoscaling policy used by the combiner.
func CombinerPolicy(scatterCount int) string {
	return "vcf-combiner-" + AutoscalingTier(scatterCount)
}
