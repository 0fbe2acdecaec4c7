// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package config loads the layered TOML configuration of a larcoh run.
//
// A run is configured by an ordered list of TOML files. Each file is decoded
// on top of the result of the previous ones, so a later file overrides only
// the keys it sets. Paths listed in $CPG_CONFIG_PATH (comma-separated) come
// before the paths given on the command line.
package config

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/imdario/mergo"
)

// EnvConfigPath names the environment variable holding extra config paths.
const EnvConfigPath = "CPG_CONFIG_PATH"

// Query backends recognized in hail.query_backend.
const (
	BackendSpark      = "spark"
	BackendBatch      = "batch"
	BackendLocal      = "local"
	BackendSparkLocal = "spark_local"
)

// Path schemes recognized in workflow.path_scheme.
const (
	SchemeGS    = "gs"
	SchemeS3    = "s3"
	SchemeLocal = "local"
)

// Workflow is the [workflow] section.
type Workflow struct {
	Dataset       string `toml:"dataset"`
	AccessLevel   string `toml:"access_level"`
	OutputVersion string `toml:"output_version"`
	// VDSVersion overrides the output version when naming the combined
	// variant dataset.
	VDSVersion string `toml:"vds_version"`
	PathScheme string `toml:"path_scheme"`
	// LocalDir is the root of all buckets when PathScheme is "local".
	LocalDir string `toml:"local_dir"`
	// ScatterCount is the default number of workers of a cluster, and selects
	// the autoscaling policy tier of the combiner.
	ScatterCount   int  `toml:"scatter_count"`
	HighmemWorkers bool `toml:"highmem_workers"`
	// CheckIntermediates enables reuse of existing outputs. It is a pointer so
	// that an explicit false in a later layer is distinguishable from unset.
	CheckIntermediates *bool `toml:"check_intermediates"`
	// Overwrite forces every stage to recompute its outputs.
	Overwrite          bool   `toml:"overwrite"`
	SampleManifest     string `toml:"sample_manifest"`
	MetricsPushgateway string `toml:"metrics_pushgateway"`
}

// Hail is the [hail] section.
type Hail struct {
	BillingProject string `toml:"billing_project"`
	QueryBackend   string `toml:"query_backend"`
	DryRun         bool   `toml:"dry_run"`
}

// Larcoh is the [larcoh] section.
type Larcoh struct {
	// MaxKin is the kinship above which two samples are considered related.
	MaxKin float64 `toml:"max_kin"`
	// NPCs is the number of principal components computed by the ancestry
	// stage.
	NPCs int `toml:"n_pcs"`
	// MinCoverage is the mean depth below which a sample fails QC.
	MinCoverage float64 `toml:"min_coverage"`
	// PopTraining is an optional TSV (s, pop) of samples with known
	// populations.
	PopTraining string `toml:"pop_training"`
}

// Combiner is the [combiner] section.
type Combiner struct {
	Intervals []string `toml:"intervals"`
}

// References is the [references] section.
type References struct {
	QCVariants string `toml:"qc_variants"`
}

// Config is the merged configuration of a run.
type Config struct {
	Workflow   Workflow   `toml:"workflow"`
	Hail       Hail       `toml:"hail"`
	Larcoh     Larcoh     `toml:"larcoh"`
	Combiner   Combiner   `toml:"combiner"`
	References References `toml:"references"`
}

// Defaults are applied to every key left unset by all layers.
var Defaults = Config{
	Workflow: Workflow{
		AccessLevel:  "test",
		PathScheme:   SchemeGS,
		ScatterCount: 50,
	},
	Hail: Hail{
		QueryBackend: BackendSpark,
	},
	Larcoh: Larcoh{
		NPCs:        16,
		MinCoverage: 1,
	},
}

// Paths returns the effective list of config paths: the entries of
// $CPG_CONFIG_PATH followed by args.
func Paths(args []string) []string {
	var paths []string
	if env := os.Getenv(EnvConfigPath); env != "" {
		for _, p := range strings.Split(env, ",") {
			if p = strings.TrimSpace(p); p != "" {
				paths = append(paths, p)
			}
		}
	}
	return append(paths, args...)
}

// Load reads and merges the given TOML files in order, applies defaults and
// validates the result.
func Load(paths ...string) (*Config, error) {
	if len(paths) == 0 {
		return nil, errors.E(errors.Invalid, "config: no config paths given")
	}
	cfg := &Config{}
	for _, path := range paths {
		data, err := readFile(path)
		if err != nil {
			return nil, errors.E(err, "config: read", path)
		}
		if err := decodeLayer(cfg, data); err != nil {
			return nil, errors.E(errors.Invalid, err, "config: decode", path)
		}
	}
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse is like Load, but reads the layers from strings.
func Parse(layers ...string) (*Config, error) {
	cfg := &Config{}
	for i, layer := range layers {
		if err := decodeLayer(cfg, layer); err != nil {
			return nil, errors.E(errors.Invalid, err, fmt.Sprintf("config: decode layer %d", i))
		}
	}
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readFile(path string) (_ string, err error) {
	ctx := context.Background()
	f, err := file.Open(ctx, path)
	if err != nil {
		return "", err
	}
	defer file.CloseAndReport(ctx, f, &err)
	data, err := ioutil.ReadAll(f.Reader(ctx))
	return string(data), err
}

func decodeLayer(cfg *Config, data string) error {
	_, err := toml.Decode(data, cfg)
	return err
}

func (c *Config) finish() error {
	if err := mergo.Merge(c, Defaults); err != nil {
		return errors.E(err, "config: apply defaults")
	}
	if c.Workflow.CheckIntermediates == nil {
		check := true
		c.Workflow.CheckIntermediates = &check
	}
	return c.Validate()
}

// Local reports whether pipeline functions run in-process.
func (c *Config) Local() bool {
	return c.Hail.QueryBackend == BackendLocal || c.Hail.QueryBackend == BackendSparkLocal
}

// Validate checks required keys and value ranges.
func (c *Config) Validate() error {
	required := []struct {
		key, val string
	}{
		{"workflow.dataset", c.Workflow.Dataset},
		{"workflow.output_version", c.Workflow.OutputVersion},
		{"workflow.sample_manifest", c.Workflow.SampleManifest},
	}
	for _, r := range required {
		if r.val == "" {
			return errors.E(errors.Invalid, "config: missing required key", r.key)
		}
	}
	switch c.Hail.QueryBackend {
	case BackendLocal, BackendSparkLocal:
	case BackendSpark, BackendBatch:
		if c.Hail.BillingProject == "" {
			return errors.E(errors.Invalid, "config: missing required key hail.billing_project")
		}
	default:
		return errors.E(errors.Invalid, fmt.Sprintf("config: unknown hail.query_backend %q", c.Hail.QueryBackend))
	}
	switch c.Workflow.PathScheme {
	case SchemeGS, SchemeS3:
	case SchemeLocal:
		if c.Workflow.LocalDir == "" {
			return errors.E(errors.Invalid, "config: workflow.local_dir is required with path_scheme=local")
		}
	default:
		return errors.E(errors.Invalid, fmt.Sprintf("config: unknown workflow.path_scheme %q", c.Workflow.PathScheme))
	}
	if c.Workflow.ScatterCount <= 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("config: workflow.scatter_count must be positive, got %d", c.Workflow.ScatterCount))
	}
	if c.Larcoh.MaxKin <= 0 || c.Larcoh.MaxKin > 0.5 {
		return errors.E(errors.Invalid, fmt.Sprintf("config: larcoh.max_kin must be in (0, 0.5], got %v", c.Larcoh.MaxKin))
	}
	if c.Larcoh.NPCs < 2 {
		return errors.E(errors.Invalid, fmt.Sprintf("config: larcoh.n_pcs must be at least 2, got %d", c.Larcoh.NPCs))
	}
	return nil
}

// ReuseEnabled reports whether existing outputs may be reused.
func (c *Config) ReuseEnabled() bool {
	return !c.Workflow.Overwrite && (c.Workflow.CheckIntermediates == nil || *c.Workflow.CheckIntermediates)
}
