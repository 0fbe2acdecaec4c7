// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package artifact

import (
	"context"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// SuccessMarker is the file a table writer creates once the table is
// complete.
const SuccessMarker = "_SUCCESS"

// Markers returns the objects whose existence proves that the artifact at
// path was completely written.
//
// Tables (.ht) and matrix tables (.mt) are directories and are complete once
// their _SUCCESS marker exists. A variant dataset (.vds) holds two matrix
// tables. Any other artifact is a single object that the writer commits
// atomically, so the object itself is the marker.
func Markers(path string) []string {
	p := strings.TrimSuffix(path, "/")
	switch {
	case strings.HasSuffix(p, ".ht"), strings.HasSuffix(p, ".mt"):
		return []string{p + "/" + SuccessMarker}
	case strings.HasSuffix(p, ".vds"):
		return []string{
			p + "/variant_data/" + SuccessMarker,
			p + "/reference_data/" + SuccessMarker,
		}
	default:
		return []string{p}
	}
}

// Gate decides whether existing outputs can be reused instead of being
// recomputed.
type Gate struct {
	store Store
	reuse bool
}

// NewGate creates a gate over the given store. If reuse is false, CanReuse
// always returns false: the run asked for every output to be recomputed.
func NewGate(store Store, reuse bool) *Gate {
	return &Gate{store: store, reuse: reuse}
}

// Complete reports whether the artifact at path exists and was completely
// written, regardless of whether reuse is enabled.
func (g *Gate) Complete(ctx context.Context, path string) (bool, error) {
	if path == "" {
		return false, errors.E(errors.Invalid, "empty artifact path")
	}
	for _, marker := range Markers(path) {
		ok, err := g.store.Exists(ctx, marker)
		if err != nil {
			return false, errors.E(err, "check", path)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// CanReuse reports whether every path holds a complete artifact and reuse is
// enabled. It returns an error, not false, if the store cannot be queried.
func (g *Gate) CanReuse(ctx context.Context, paths ...string) (bool, error) {
	if !g.reuse || len(paths) == 0 {
		return false, nil
	}
	for _, path := range paths {
		ok, err := g.Complete(ctx, path)
		if err != nil || !ok {
			return false, err
		}
	}
	log.Debug.Printf("reusing existing %v", paths)
	return true, nil
}
