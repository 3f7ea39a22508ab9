package graph

import (
	"fmt"
	"strings"

	"golang.org/x/exp/slices"
)

// terminals are the passes nothing depends on, in insertion order.
func (g *Graph) terminals() []string {
	var out []string
	for _, name := range g.names {
		if len(g.outgoing[name]) == 0 {
			out = append(out, name)
		}
	}
	return out
}

// schedule walks incoming edges level by level, starting from the terminal
// passes. A pass seen again is moved from its old position to the end, so it
// ends up behind everything that depends on it. The reversed list runs
// dependencies first. The graph must be acyclic.
func (g *Graph) schedule() []string {
	var sorted []string
	level := g.terminals()
	for len(level) > 0 {
		for _, name := range level {
			if i := slices.Index(sorted, name); i >= 0 {
				sorted = slices.Delete(sorted, i, i+1)
			}
			sorted = append(sorted, name)
		}

		var next []string
		for _, name := range level {
			for _, e := range g.incoming[name] {
				next = append(next, e.Producer)
			}
		}
		level = keepLast(next)
	}

	slices.Reverse(sorted)
	return sorted
}

// keepLast drops every occurrence of a name but the last one. Re-inserting
// the full list would end in the same order.
func keepLast(names []string) []string {
	last := make(map[string]int, len(names))
	for i, name := range names {
		last[name] = i
	}
	out := make([]string, 0, len(last))
	for i, name := range names {
		if last[name] == i {
			out = append(out, name)
		}
	}
	return out
}

const (
	white = iota
	grey
	black
)

// findCycle returns the passes of one cycle, first pass repeated at the end,
// or nil when the graph is acyclic.
func (g *Graph) findCycle() []string {
	colour := make(map[string]int, len(g.names))
	var stack []string

	var visit func(name string) []string
	visit = func(name string) []string {
		colour[name] = grey
		stack = append(stack, name)
		for _, e := range g.outgoing[name] {
			switch colour[e.Consumer] {
			case grey:
				start := slices.Index(stack, e.Consumer)
				return append(slices.Clone(stack[start:]), e.Consumer)
			case white:
				if cycle := visit(e.Consumer); cycle != nil {
					return cycle
				}
			}
		}
		stack = stack[:len(stack)-1]
		colour[name] = black
		return nil
	}

	for _, name := range g.names {
		if colour[name] != white {
			continue
		}
		if cycle := visit(name); cycle != nil {
			return cycle
		}
	}
	return nil
}

// Order returns the pass names in execution order.
func (g *Graph) Order() ([]string, error) {
	if cycle := g.findCycle(); cycle != nil {
		return nil, fmt.Errorf("%w: %s", ErrCycle, strings.Join(cycle, " -> "))
	}
	return g.schedule(), nil
}
