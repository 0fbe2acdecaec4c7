// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package cohort describes the samples processed together in one run.
package cohort

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
)

// Sample is one sequenced individual.
type Sample struct {
	// ID is the internal sample identifier, e.g. "CPG12345".
	ID string `tsv:"s"`
	// ExternalID is the identifier used by the sequencing provider.
	ExternalID string `tsv:"external_id"`
	// GVCF is the path of the single-sample variant call file.
	GVCF string `tsv:"gvcf"`
}

// Cohort is the set of samples of one dataset. It is read-only once created.
type Cohort struct {
	Dataset string
	Samples []*Sample
}

// New creates a cohort, checking that every sample resolves to exactly one
// call file.
func New(dataset string, samples []Sample) (*Cohort, error) {
	if len(samples) == 0 {
		return nil, errors.E(errors.Invalid, "cohort", dataset, "has no samples")
	}
	c := &Cohort{Dataset: dataset}
	seen := map[string]string{}
	for i := range samples {
		s := samples[i]
		if s.ID == "" {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("cohort %s: sample #%d has no id", dataset, i))
		}
		if s.GVCF == "" {
			return nil, errors.E(errors.Invalid, "cohort", dataset, "sample", s.ID, "has no gVCF")
		}
		if prev, ok := seen[s.ID]; ok {
			return nil, errors.E(errors.Invalid, "cohort", dataset, "sample", s.ID,
				"resolves to more than one gVCF:", prev, s.GVCF)
		}
		seen[s.ID] = s.GVCF
		c.Samples = append(c.Samples, &s)
	}
	return c, nil
}

// IDs returns the sample ids in cohort order.
func (c *Cohort) IDs() []string {
	ids := make([]string, len(c.Samples))
	for i, s := range c.Samples {
		ids[i] = s.ID
	}
	return ids
}

// GVCFs returns the call files in cohort order.
func (c *Cohort) GVCFs() []string {
	paths := make([]string, len(c.Samples))
	for i, s := range c.Samples {
		paths[i] = s.GVCF
	}
	return paths
}

// Metadata looks up the samples of a dataset.
type Metadata interface {
	Samples(ctx context.Context, dataset string) ([]Sample, error)
}

// Load creates the cohort of dataset from the metadata service.
func Load(ctx context.Context, md Metadata, dataset string) (*Cohort, error) {
	samples, err := md.Samples(ctx, dataset)
	if err != nil {
		return nil, errors.E(err, "cohort: look up samples of", dataset)
	}
	return New(dataset, samples)
}

// Manifest is a Metadata backed by a TSV file with header
//
//   s	external_id	gvcf
//
// Relative gVCF paths are resolved against the directory of the manifest.
type Manifest struct {
	Path string
}

// Samples implements Metadata. The manifest lists the samples of a single
// dataset, so dataset is not used for filtering.
func (m Manifest) Samples(ctx context.Context, dataset string) (samples []Sample, err error) {
	in, err := file.Open(ctx, m.Path)
	if err != nil {
		return nil, err
	}
	defer file.CloseAndReport(ctx, in, &err)
	r := tsv.NewReader(in.Reader(ctx))
	r.HasHeaderRow = true
	r.UseHeaderNames = true
	dir := file.Dir(m.Path)
	for {
		var s Sample
		if err := r.Read(&s); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.E(err, "read manifest", m.Path)
		}
		if s.ExternalID == "" {
			s.ExternalID = s.ID
		}
		if s.GVCF != "" && !isAbs(s.GVCF) {
			s.GVCF = dir + "/" + s.GVCF
		}
		samples = append(samples, s)
	}
	return samples, nil
}

func isAbs(path string) bool {
	return strings.HasPrefix(path, "/") || strings.Contains(path, "://")
}
