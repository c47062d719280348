// Copyright 2025 Chainguard, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package graph turns a resolved manifest into a deduplicated dependency
// graph and orders it so dependencies come before their dependents.
package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/chainguard-dev/clog"
	"go.opentelemetry.io/otel"
	"golang.org/x/exp/slices"
)

var (
	// ErrDependencyCycle is returned when no installation order exists.
	ErrDependencyCycle = errors.New("dependency cycle")

	// ErrUnknownDependency is returned when a package depends on an
	// identity the manifest does not describe.
	ErrUnknownDependency = errors.New("unknown dependency")
)

// Source says where a package's tarball comes from. Exactly one of URL,
// Path or Tarball is expected to be set.
type Source struct {
	URL     string `json:"url,omitempty"`
	Path    string `json:"path,omitempty"`
	Tarball []byte `json:"-"`

	// Integrity is an SRI string ("sha512-..."), Shasum a hex sha1.
	Integrity string `json:"integrity,omitempty"`
	Shasum    string `json:"shasum,omitempty"`
}

// Key identifies the source for caching.
func (s Source) Key() string {
	switch {
	case s.URL != "":
		return s.URL
	case s.Path != "":
		return "path:" + s.Path
	default:
		return ""
	}
}

// Package is one manifest entry.
type Package struct {
	ID           Identity   `json:"id"`
	Dependencies []Identity `json:"dependencies,omitempty"`
	Source       Source     `json:"source"`
}

// Manifest is the resolved input to Build. Root lists the project's direct
// dependencies; Packages is every resolved package, in manifest order.
type Manifest struct {
	Root     []Identity `json:"root"`
	Packages []Package  `json:"packages"`
}

// Node is a deduplicated package in the graph.
type Node struct {
	Index       int
	Fingerprint string
	Package     Package
	// Deps and Parents hold node indices.
	Deps    []int
	Parents []int
}

func (n *Node) ID() Identity { return n.Package.ID }

// Graph is an arena of nodes addressed by index. Index order is manifest
// order of first appearance.
type Graph struct {
	Nodes []*Node
	Roots []int

	byFingerprint map[string]int
}

// CycleError names the members of one dependency cycle, in cycle order.
type CycleError struct {
	Members []Identity
}

func (e *CycleError) Error() string {
	names := make([]string, 0, len(e.Members)+1)
	for _, m := range e.Members {
		names = append(names, m.String())
	}
	if len(e.Members) > 0 {
		names = append(names, e.Members[0].String())
	}
	return fmt.Sprintf("%v: %s", ErrDependencyCycle, strings.Join(names, " -> "))
}

func (e *CycleError) Is(target error) bool { return target == ErrDependencyCycle }

// Build indexes the manifest. Packages with the same identity collapse into
// one node; the first dependency list wins.
func Build(ctx context.Context, m Manifest) (*Graph, error) {
	ctx, span := otel.Tracer("linkfs").Start(ctx, "Build")
	defer span.End()
	log := clog.FromContext(ctx)

	g := &Graph{byFingerprint: make(map[string]int, len(m.Packages))}
	for _, pkg := range m.Packages {
		fp := pkg.ID.Fingerprint()
		if i, ok := g.byFingerprint[fp]; ok {
			if !slices.Equal(g.Nodes[i].Package.Dependencies, pkg.Dependencies) {
				log.Warnf("%s listed twice with different dependencies, keeping the first", pkg.ID)
			}
			continue
		}
		g.byFingerprint[fp] = len(g.Nodes)
		g.Nodes = append(g.Nodes, &Node{
			Index:       len(g.Nodes),
			Fingerprint: fp,
			Package:     pkg,
		})
	}

	var errs []error
	for _, n := range g.Nodes {
		for _, dep := range n.Package.Dependencies {
			d, ok := g.byFingerprint[dep.Fingerprint()]
			if !ok {
				errs = append(errs, fmt.Errorf("%w: %s requires %s", ErrUnknownDependency, n.ID(), dep))
				continue
			}
			if slices.Contains(n.Deps, d) {
				continue
			}
			n.Deps = append(n.Deps, d)
			g.Nodes[d].Parents = append(g.Nodes[d].Parents, n.Index)
		}
	}
	for _, id := range m.Root {
		r, ok := g.byFingerprint[id.Fingerprint()]
		if !ok {
			errs = append(errs, fmt.Errorf("%w: project requires %s", ErrUnknownDependency, id))
			continue
		}
		if !slices.Contains(g.Roots, r) {
			g.Roots = append(g.Roots, r)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	log.Debugf("built graph with %d nodes from %d manifest entries", len(g.Nodes), len(m.Packages))
	return g, nil
}

// Order returns every node with each dependency ahead of its dependents.
// Among nodes that are ready at the same time, manifest order wins. When no
// order exists the returned error is a *CycleError.
func (g *Graph) Order() ([]*Node, error) {
	pending := make([]int, len(g.Nodes))
	ready := []int{}
	for i, n := range g.Nodes {
		pending[i] = len(n.Deps)
		if pending[i] == 0 {
			ready = append(ready, i)
		}
	}

	out := make([]*Node, 0, len(g.Nodes))
	for len(ready) > 0 {
		i := ready[0]
		ready = ready[1:]
		out = append(out, g.Nodes[i])
		for _, p := range g.Nodes[i].Parents {
			pending[p]--
			if pending[p] == 0 {
				at, _ := slices.BinarySearch(ready, p)
				ready = slices.Insert(ready, at, p)
			}
		}
	}

	if len(out) < len(g.Nodes) {
		return nil, g.cycle(pending)
	}
	return out, nil
}

// cycle finds one cycle among the nodes Kahn's algorithm could not emit.
// Every such node still has an unemitted dependency, so following those
// from any of them must loop.
func (g *Graph) cycle(pending []int) *CycleError {
	start := -1
	for i, p := range pending {
		if p > 0 {
			start = i
			break
		}
	}

	seen := map[int]int{}
	walk := []int{}
	for cur := start; ; {
		if at, ok := seen[cur]; ok {
			members := make([]Identity, 0, len(walk)-at)
			for _, i := range walk[at:] {
				members = append(members, g.Nodes[i].ID())
			}
			return &CycleError{Members: members}
		}
		seen[cur] = len(walk)
		walk = append(walk, cur)
		for _, d := range g.Nodes[cur].Deps {
			if pending[d] > 0 {
				cur = d
				break
			}
		}
	}
}
