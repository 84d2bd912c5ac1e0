// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package patterns

// Edge is one directed edge in the relationship graph.
type Edge struct {
	From     string
	To       string
	Kind     string
	Strength float64
}

// Graph is the relationship neighborhood of one entity.
//
// The graph is built once per analysis attempt, before any neighbor-aware
// matcher (flow, cause_effect, combination) runs, and is read-only from
// that point on.
type Graph struct {
	root     string
	outgoing map[string][]Edge
	entities map[string]*Entity
}

// BuildGraph assembles the relationship graph for an entity.
//
// Description:
//
//	Folds the entity's own relationships and those of the context neighbors
//	into a single adjacency structure. Neighbor edges let matchers follow
//	chains that pass through the entity rather than only edges leaving it.
//
// Inputs:
//
//	entity - The entity under analysis. Must not be nil.
//	neighbors - Related entities from the submission context. May be empty.
//
// Outputs:
//
//	*Graph - Read-only adjacency over the entity and its neighbors.
func BuildGraph(entity *Entity, neighbors []*Entity) *Graph {
	g := &Graph{
		root:     entity.ID,
		outgoing: make(map[string][]Edge),
		entities: make(map[string]*Entity),
	}
	g.addEntity(entity)
	for _, n := range neighbors {
		if n == nil || n.ID == entity.ID {
			continue
		}
		g.addEntity(n)
	}
	return g
}

func (g *Graph) addEntity(e *Entity) {
	g.entities[e.ID] = e
	for _, rel := range e.Relationships {
		g.outgoing[e.ID] = append(g.outgoing[e.ID], Edge{
			From:     e.ID,
			To:       rel.TargetID,
			Kind:     rel.Kind,
			Strength: rel.Strength,
		})
	}
}

// Root returns the id of the entity the graph was built for.
func (g *Graph) Root() string {
	return g.root
}

// Entity returns a known entity by id, or nil.
func (g *Graph) Entity(id string) *Entity {
	return g.entities[id]
}

// Outgoing returns the outgoing edges of an entity, filtered by kind.
// With no kinds given, all outgoing edges are returned.
func (g *Graph) Outgoing(id string, kinds ...string) []Edge {
	edges := g.outgoing[id]
	if len(kinds) == 0 {
		return edges
	}
	var out []Edge
	for _, e := range edges {
		for _, k := range kinds {
			if e.Kind == k {
				out = append(out, e)
				break
			}
		}
	}
	return out
}

// Incoming returns edges pointing at an entity, filtered by kind.
func (g *Graph) Incoming(id string, kinds ...string) []Edge {
	var out []Edge
	for _, edges := range g.outgoing {
		for _, e := range edges {
			if e.To != id {
				continue
			}
			if len(kinds) == 0 {
				out = append(out, e)
				continue
			}
			for _, k := range kinds {
				if e.Kind == k {
					out = append(out, e)
					break
				}
			}
		}
	}
	return out
}

// ChainDepth returns the longest chain of same-kind edges starting at the
// root, capped at maxDepth to bound matcher cost on cyclic graphs.
func (g *Graph) ChainDepth(kinds []string, maxDepth int) int {
	seen := make(map[string]bool)
	return g.walk(g.root, kinds, maxDepth, seen)
}

func (g *Graph) walk(id string, kinds []string, budget int, seen map[string]bool) int {
	if budget == 0 || seen[id] {
		return 0
	}
	seen[id] = true
	defer delete(seen, id)

	best := 0
	for _, e := range g.Outgoing(id, kinds...) {
		d := 1 + g.walk(e.To, kinds, budget-1, seen)
		if d > best {
			best = d
		}
	}
	return best
}

// MaxStrength returns the strongest edge of the given kinds leaving the
// root, and whether any such edge exists.
func (g *Graph) MaxStrength(kinds ...string) (float64, bool) {
	edges := g.Outgoing(g.root, kinds...)
	if len(edges) == 0 {
		return 0, false
	}
	best := 0.0
	for _, e := range edges {
		if e.Strength > best {
			best = e.Strength
		}
	}
	return best, true
}
