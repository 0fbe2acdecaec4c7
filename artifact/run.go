// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package artifact

import (
	"time"

	"github.com/google/uuid"
	"github.com/grailbio/larcoh/config"
)

// Run identifies one invocation of the workflow. Its fields don't change
// after NewRun.
type Run struct {
	// ID is unique per invocation. It names the submission plan.
	ID      string
	Started time.Time
	*Layout
}

// NewRun starts a run described by cfg.
func NewRun(cfg *config.Config) *Run {
	return &Run{
		ID:      uuid.New().String(),
		Started: time.Now(),
		Layout:  NewLayout(cfg),
	}
}

// PlanPath is where the job graph submitted by the run is recorded.
func (r *Run) PlanPath() string { return r.Tmp("plans/" + r.ID + ".json") }
