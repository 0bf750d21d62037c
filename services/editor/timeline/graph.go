// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package timeline

import (
	"fmt"
	"sort"
)

// Relationship is how a dependent track follows the track it depends on.
type Relationship int

const (
	// Independent means no relationship. It is never stored.
	Independent Relationship = iota

	// Locked mirrors every edit of the target onto the dependent.
	Locked

	// TimingDependent follows time shifts of the target, re-mapped through
	// both tracks' anchors.
	TimingDependent

	// VisibilityDependent follows mute and hide changes of the target.
	VisibilityDependent
)

var relationshipNames = [...]string{
	Independent:         "independent",
	Locked:              "locked",
	TimingDependent:     "timing_dependent",
	VisibilityDependent: "visibility_dependent",
}

func (r Relationship) String() string {
	if !r.Valid() {
		return "unknown"
	}
	return relationshipNames[r]
}

// Valid reports whether r is a defined relationship.
func (r Relationship) Valid() bool {
	return r >= 0 && int(r) < len(relationshipNames)
}

// ParseRelationship parses a name produced by String.
func ParseRelationship(s string) (Relationship, error) {
	for i, name := range relationshipNames {
		if name == s {
			return Relationship(i), nil
		}
	}
	return Independent, fmt.Errorf("unknown relationship %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (r Relationship) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("invalid relationship %d", int(r))
	}
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Relationship) UnmarshalText(text []byte) error {
	parsed, err := ParseRelationship(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Edge is one stored relationship: Source depends on Target.
type Edge struct {
	Source   TrackID      `json:"source"`
	Target   TrackID      `json:"target"`
	Relation Relationship `json:"relation"`
}

// Graph is the directed dependency graph between tracks.
//
// # Description
//
// forward[a][b] holds the relationship by which a depends on b; reverse[b]
// holds every a with such an edge. The two maps are kept consistent and the
// graph is kept acyclic: an edge that would close a cycle is rejected.
//
// # Thread Safety
//
// Not safe for concurrent use; guarded by the owning Timeline's caller.
type Graph struct {
	forward map[TrackID]map[TrackID]Relationship
	reverse map[TrackID]map[TrackID]struct{}
	has     func(TrackID) bool
}

// NewGraph creates an empty graph. has reports whether a track exists.
func NewGraph(has func(TrackID) bool) *Graph {
	return &Graph{
		forward: make(map[TrackID]map[TrackID]Relationship),
		reverse: make(map[TrackID]map[TrackID]struct{}),
		has:     has,
	}
}

// AddRelationship makes source depend on target.
//
// # Description
//
// Adding Independent removes any existing edge. Replacing an existing
// edge's relationship is allowed.
//
// # Outputs
//
//   - error: TrackNotFoundError if either track is missing;
//     CircularDependencyError if target already reaches source (or
//     source == target); ErrInvalidOperation for an unknown relationship.
func (g *Graph) AddRelationship(source, target TrackID, rel Relationship) error {
	_, err := g.SetRelationship(source, target, rel)
	return err
}

// SetRelationship is AddRelationship returning the previous relationship,
// Independent if there was none.
func (g *Graph) SetRelationship(source, target TrackID, rel Relationship) (Relationship, error) {
	if !g.has(source) {
		return Independent, trackNotFound(source)
	}
	if !g.has(target) {
		return Independent, trackNotFound(target)
	}
	if !rel.Valid() {
		return Independent, invalid("add relationship", fmt.Sprintf("unknown relationship %d", int(rel)))
	}
	prev := g.Relationship(source, target)
	if rel == Independent {
		g.RemoveRelationship(source, target)
		return prev, nil
	}
	if g.WouldCreateCircularDependency(source, target) {
		return Independent, &CircularDependencyError{Source: source, Target: target}
	}

	if g.forward[source] == nil {
		g.forward[source] = make(map[TrackID]Relationship)
	}
	g.forward[source][target] = rel
	if g.reverse[target] == nil {
		g.reverse[target] = make(map[TrackID]struct{})
	}
	g.reverse[target][source] = struct{}{}
	return prev, nil
}

// RemoveRelationship deletes the edge source -> target if present.
func (g *Graph) RemoveRelationship(source, target TrackID) (Relationship, bool) {
	rel, ok := g.forward[source][target]
	if !ok {
		return Independent, false
	}
	delete(g.forward[source], target)
	if len(g.forward[source]) == 0 {
		delete(g.forward, source)
	}
	delete(g.reverse[target], source)
	if len(g.reverse[target]) == 0 {
		delete(g.reverse, target)
	}
	return rel, true
}

// WouldCreateCircularDependency reports whether adding source -> target
// would close a cycle, i.e. whether target already reaches source.
func (g *Graph) WouldCreateCircularDependency(source, target TrackID) bool {
	if source == target {
		return true
	}
	visited := map[TrackID]struct{}{target: {}}
	queue := []TrackID{target}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for next := range g.forward[cur] {
			if next == source {
				return true
			}
			if _, seen := visited[next]; seen {
				continue
			}
			visited[next] = struct{}{}
			queue = append(queue, next)
		}
	}
	return false
}

// Relationship returns the relationship by which source depends on target.
func (g *Graph) Relationship(source, target TrackID) Relationship {
	if rel, ok := g.forward[source][target]; ok {
		return rel
	}
	return Independent
}

// Dependents returns the tracks that depend on id, sorted.
func (g *Graph) Dependents(id TrackID) []TrackID {
	out := make([]TrackID, 0, len(g.reverse[id]))
	for d := range g.reverse[id] {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Dependencies returns the tracks id depends on, sorted.
func (g *Graph) Dependencies(id TrackID) []TrackID {
	out := make([]TrackID, 0, len(g.forward[id]))
	for d := range g.forward[id] {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Edges returns every stored edge sorted by source then target.
func (g *Graph) Edges() []Edge {
	var out []Edge
	for s, targets := range g.forward {
		for t, rel := range targets {
			out = append(out, Edge{Source: s, Target: t, Relation: rel})
		}
	}
	sortEdges(out)
	return out
}

// Len returns the number of stored edges.
func (g *Graph) Len() int {
	n := 0
	for _, targets := range g.forward {
		n += len(targets)
	}
	return n
}

// RemoveTrack purges every edge touching id and returns them, sorted.
func (g *Graph) RemoveTrack(id TrackID) []Edge {
	var removed []Edge
	for t, rel := range g.forward[id] {
		removed = append(removed, Edge{Source: id, Target: t, Relation: rel})
	}
	for s := range g.reverse[id] {
		removed = append(removed, Edge{Source: s, Target: id, Relation: g.forward[s][id]})
	}
	for _, e := range removed {
		g.RemoveRelationship(e.Source, e.Target)
	}
	sortEdges(removed)
	return removed
}

func (g *Graph) clone(has func(TrackID) bool) *Graph {
	out := NewGraph(has)
	for s, targets := range g.forward {
		m := make(map[TrackID]Relationship, len(targets))
		for t, rel := range targets {
			m[t] = rel
		}
		out.forward[s] = m
	}
	for t, sources := range g.reverse {
		m := make(map[TrackID]struct{}, len(sources))
		for s := range sources {
			m[s] = struct{}{}
		}
		out.reverse[t] = m
	}
	return out
}

func sortEdges(edges []Edge) {
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Source != edges[j].Source {
			return edges[i].Source < edges[j].Source
		}
		return edges[i].Target < edges[j].Target
	})
}
