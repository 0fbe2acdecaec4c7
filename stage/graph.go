// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package stage

import (
	"strings"

	"github.com/antzucaro/matchr"
	"github.com/grailbio/base/errors"
)

// Graph is the set of stages available to a run, in declaration order.
type Graph struct {
	stages []Stage
	index  map[ID]int
}

// NewGraph creates a graph of the given stages. Stage names must be unique.
// Requirements are checked when the graph is ordered, so stages may be
// declared in any order.
func NewGraph(stages ...Stage) (*Graph, error) {
	g := &Graph{index: map[ID]int{}}
	for _, s := range stages {
		name := s.Name()
		if name == "" {
			return nil, errors.E(errors.Invalid, "stage: unnamed stage")
		}
		if _, ok := g.index[name]; ok {
			return nil, errors.E(errors.Invalid, "stage: duplicate stage", string(name))
		}
		g.index[name] = len(g.stages)
		g.stages = append(g.stages, s)
	}
	return g, nil
}

// Stages returns all stages in declaration order.
func (g *Graph) Stages() []Stage { return g.stages }

// Lookup returns the stage with the given name.
func (g *Graph) Lookup(name ID) (Stage, bool) {
	i, ok := g.index[name]
	if !ok {
		return nil, false
	}
	return g.stages[i], true
}

// Order returns the stages needed to produce finals, including finals,
// in an order where every stage comes after the stages it requires. Among
// stages whose requirements are met, the one declared first comes first.
// With no finals, all stages are ordered.
//
// Order fails if a required stage is not in the graph or if the
// requirements form a cycle.
func (g *Graph) Order(finals ...ID) ([]Stage, error) {
	if len(finals) == 0 {
		for _, s := range g.stages {
			finals = append(finals, s.Name())
		}
	}
	// Transitive closure of the finals.
	needed := map[int]bool{}
	stack := []ID{}
	for _, f := range finals {
		if _, ok := g.index[f]; !ok {
			if near := g.nearest(f); near != "" {
				return nil, errors.E(errors.Invalid, "stage: unknown stage", string(f), "(did you mean "+string(near)+"?)")
			}
			return nil, errors.E(errors.Invalid, "stage: unknown stage", string(f))
		}
		stack = append(stack, f)
	}
	for len(stack) > 0 {
		name := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		i := g.index[name]
		if needed[i] {
			continue
		}
		needed[i] = true
		for _, r := range g.stages[i].Requires() {
			if _, ok := g.index[r]; !ok {
				return nil, errors.E(errors.Invalid, "stage:", string(name), "requires unregistered stage", string(r))
			}
			stack = append(stack, r)
		}
	}

	// Kahn's algorithm; ready stages are taken in declaration order.
	indegree := map[int]int{}
	children := map[int][]int{}
	for i := range needed {
		for _, r := range g.stages[i].Requires() {
			p := g.index[r]
			indegree[i]++
			children[p] = append(children[p], i)
		}
	}
	done := map[int]bool{}
	order := make([]Stage, 0, len(needed))
	for len(order) < len(needed) {
		next := -1
		for i := range g.stages {
			if needed[i] && !done[i] && indegree[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			var cycle []string
			for i, s := range g.stages {
				if needed[i] && !done[i] {
					cycle = append(cycle, string(s.Name()))
				}
			}
			return nil, errors.E(errors.Invalid, "stage: dependency cycle among", strings.Join(cycle, ", "))
		}
		done[next] = true
		order = append(order, g.stages[next])
		for _, c := range children[next] {
			indegree[c]--
		}
	}
	return order, nil
}

// nearest returns the registered stage closest to name by edit distance,
// ignoring case, or "" if none is within a third of the name's length.
func (g *Graph) nearest(name ID) ID {
	best, dist := ID(""), len(name)/3+1
	for _, s := range g.stages {
		d := matchr.Levenshtein(strings.ToLower(string(name)), strings.ToLower(string(s.Name())))
		if d < dist {
			best, dist = s.Name(), d
		}
	}
	return best
}
