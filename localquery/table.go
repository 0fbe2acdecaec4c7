// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package localquery

import (
	"bufio"
	"context"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/larcoh/artifact"
)

// On-disk layout of tables and matrix tables. A table directory holds
// rows.tsv; a matrix table directory holds cols.tsv and entries.tsv, and the
// reference blocks of a variant dataset are kept next to its entries in
// blocks.tsv. Every directory is complete once its _SUCCESS marker exists.
const (
	rowsFile    = "rows.tsv"
	colsFile    = "cols.tsv"
	entriesFile = "entries.tsv"
	blocksFile  = "blocks.tsv"

	variantData   = "variant_data"
	referenceData = "reference_data"
)

type colRow struct {
	S string `tsv:"s"`
}

// commit closes f if *err is nil. Otherwise f is discarded so that nothing
// is left at its path: a single-object artifact is complete once it exists.
func commit(ctx context.Context, f file.File, err *error) {
	if *err != nil {
		f.Discard(ctx)
		return
	}
	file.CloseAndReport(ctx, f, err)
}

func writeRows[T any](ctx context.Context, path string, rows []T) (err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, "create", path)
	}
	defer commit(ctx, out, &err)
	w := tsv.NewRowWriter(out.Writer(ctx))
	for i := range rows {
		if err = w.Write(&rows[i]); err != nil {
			return errors.E(err, "write", path)
		}
	}
	return w.Flush()
}

func readRows[T any](ctx context.Context, path string) (rows []T, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, "open", path)
	}
	defer file.CloseAndReport(ctx, in, &err)
	// The header goes out with the first row, so a table without rows is an
	// empty file.
	br := bufio.NewReader(in.Reader(ctx))
	if _, err := br.Peek(1); err == io.EOF {
		return nil, nil
	}
	r := tsv.NewReader(br)
	r.HasHeaderRow = true
	r.UseHeaderNames = true
	for {
		var row T
		if err := r.Read(&row); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.E(err, "read", path)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// clearMarkers removes the completeness markers of the given directory
// artifacts so that a partial rewrite is never taken for a complete one.
func clearMarkers(ctx context.Context, paths ...string) error {
	for _, path := range paths {
		for _, m := range artifact.Markers(path) {
			if m == path {
				// Single-object artifacts are replaced atomically.
				continue
			}
			if err := file.Remove(ctx, m); err != nil && !artifact.IsNotExist(err) {
				return errors.E(err, "remove stale marker", m)
			}
		}
	}
	return nil
}

func markDone(ctx context.Context, dir string) error {
	out, err := file.Create(ctx, dir+"/"+artifact.SuccessMarker)
	if err != nil {
		return errors.E(err, "create marker in", dir)
	}
	return out.Close(ctx)
}

// checkComplete fails unless the directory artifact at path is complete.
func checkComplete(ctx context.Context, path string) error {
	for _, m := range artifact.Markers(path) {
		if _, err := file.Stat(ctx, m); err != nil {
			if artifact.IsNotExist(err) {
				return errors.E(errors.Precondition, "input", path, "is incomplete")
			}
			return errors.E(err, "stat", m)
		}
	}
	return nil
}

func writeTable[T any](ctx context.Context, dir string, rows []T) error {
	if err := writeRows(ctx, dir+"/"+rowsFile, rows); err != nil {
		return err
	}
	return markDone(ctx, dir)
}

func readTable[T any](ctx context.Context, dir string) ([]T, error) {
	if err := checkComplete(ctx, dir); err != nil {
		return nil, err
	}
	return readRows[T](ctx, dir+"/"+rowsFile)
}

func readCols(ctx context.Context, dir string) ([]string, error) {
	rows, err := readRows[colRow](ctx, dir+"/"+colsFile)
	if err != nil {
		return nil, err
	}
	samples := make([]string, len(rows))
	for i, r := range rows {
		samples[i] = r.S
	}
	return samples, nil
}

func writeCols(ctx context.Context, dir string, samples []string) error {
	rows := make([]colRow, len(samples))
	for i, s := range samples {
		rows[i].S = s
	}
	return writeRows(ctx, dir+"/"+colsFile, rows)
}
