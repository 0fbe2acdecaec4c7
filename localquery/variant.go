// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package localquery

import (
	"sort"
	"strconv"
	"strings"

	"github.com/biogo/store/llrb"
	"github.com/grailbio/base/errors"
)

// missing is the genotype of a sample with no call.
const missing = -1

// contigRank orders contigs as chr1..chr22, chrX, chrY, chrM, then any other
// contig after them.
func contigRank(contig string) int {
	c := strings.TrimPrefix(contig, "chr")
	switch c {
	case "X":
		return 23
	case "Y":
		return 24
	case "M", "MT":
		return 25
	}
	if n, err := strconv.Atoi(c); err == nil && n > 0 && n <= 22 {
		return n
	}
	return 26
}

// Locus is a 1-based position on a contig.
type Locus struct {
	Contig string
	Pos    int
}

func (l Locus) compare(o Locus) int {
	if d := contigRank(l.Contig) - contigRank(o.Contig); d != 0 {
		return d
	}
	if l.Contig != o.Contig {
		return strings.Compare(l.Contig, o.Contig)
	}
	return l.Pos - o.Pos
}

// Variant is a biallelic variant.
type Variant struct {
	Locus
	Ref, Alt string
}

func (v Variant) compare(o Variant) int {
	if d := v.Locus.compare(o.Locus); d != 0 {
		return d
	}
	if d := strings.Compare(v.Ref, o.Ref); d != 0 {
		return d
	}
	return strings.Compare(v.Alt, o.Alt)
}

// isSNP reports whether the variant changes a single base.
func (v Variant) isSNP() bool { return len(v.Ref) == 1 && len(v.Alt) == 1 && v.Alt != "*" }

// Compare implements llrb.Comparable.
func (v Variant) Compare(c llrb.Comparable) int { return v.compare(c.(Variant)) }

// String returns "chr1:100:A:C".
func (v Variant) String() string {
	return v.Contig + ":" + strconv.Itoa(v.Pos) + ":" + v.Ref + ":" + v.Alt
}

// Interval is a closed range of positions on a contig. End == 0 means the
// whole contig from Start.
type Interval struct {
	Contig     string
	Start, End int
}

// parseInterval parses "chr20", "chr20:1000", "chr20:1000-2000" and
// "chr20:start-end", where start is the first position of the contig and end
// its last.
func parseInterval(s string) (Interval, error) {
	iv := Interval{Start: 1}
	colon := strings.IndexByte(s, ':')
	if colon < 0 {
		iv.Contig = s
		return iv, nil
	}
	iv.Contig = s[:colon]
	rng := strings.Replace(s[colon+1:], ",", "", -1)
	var err error
	if dash := strings.IndexByte(rng, '-'); dash >= 0 {
		if rng[:dash] != "start" {
			iv.Start, err = strconv.Atoi(rng[:dash])
		}
		if err == nil && rng[dash+1:] != "end" {
			if iv.End, err = strconv.Atoi(rng[dash+1:]); err == nil && iv.End < 1 {
				err = errors.E(errors.Invalid, "end before the contig")
			}
		}
	} else if rng != "start" {
		iv.Start, err = strconv.Atoi(rng)
	}
	if err != nil || iv.Contig == "" || iv.Start < 1 || (iv.End != 0 && iv.End < iv.Start) {
		return Interval{}, errors.E(errors.Invalid, "bad interval", s)
	}
	return iv, nil
}

// intervalSet is empty or a union of intervals. An empty set contains every
// position.
type intervalSet []Interval

func parseIntervals(specs []string) (intervalSet, error) {
	var set intervalSet
	for _, s := range specs {
		iv, err := parseInterval(s)
		if err != nil {
			return nil, err
		}
		set = append(set, iv)
	}
	return set, nil
}

// span is a closed range of positions.
type span struct{ start, end int }

// clip returns the parts of [start, end] on contig covered by the set, in
// order and without overlaps.
func (set intervalSet) clip(contig string, start, end int) []span {
	if len(set) == 0 {
		return []span{{start, end}}
	}
	var spans []span
	for _, iv := range set {
		if iv.Contig != contig {
			continue
		}
		s, e := start, end
		if s < iv.Start {
			s = iv.Start
		}
		if iv.End != 0 && e > iv.End {
			e = iv.End
		}
		if s <= e {
			spans = append(spans, span{s, e})
		}
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	merged := spans[:0]
	for _, sp := range spans {
		if n := len(merged); n > 0 && sp.start <= merged[n-1].end+1 {
			if sp.end > merged[n-1].end {
				merged[n-1].end = sp.end
			}
			continue
		}
		merged = append(merged, sp)
	}
	return merged
}

func (set intervalSet) contains(l Locus) bool {
	return len(set.clip(l.Contig, l.Pos, l.Pos)) > 0
}

// gtCode encodes an alt allele count as one character of a dense genotype
// row.
func gtCode(gt int) byte {
	if gt == missing {
		return '.'
	}
	return byte('0' + gt)
}

func gtDecode(b byte) int {
	if b == '.' {
		return missing
	}
	return int(b - '0')
}
