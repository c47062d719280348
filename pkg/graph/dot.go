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

package graph

import (
	"github.com/tmc/dot"
)

// Dot renders the graph, with the project as a synthetic root pointing at
// its direct dependencies.
func (g *Graph) Dot(project string) *dot.Graph {
	out := dot.NewGraph("dependencies")
	if err := out.Set("rankdir", "LR"); err != nil {
		panic(err)
	}
	out.SetType(dot.DIGRAPH)

	nodes := make([]*dot.Node, len(g.Nodes))
	for i, n := range g.Nodes {
		d := dot.NewNode(n.ID().String())
		if err := d.Set("tooltip", n.ID().PURL()); err != nil {
			panic(err)
		}
		out.AddNode(d)
		nodes[i] = d
	}

	root := dot.NewNode(project)
	if err := root.Set("shape", "box"); err != nil {
		panic(err)
	}
	out.AddNode(root)
	for _, r := range g.Roots {
		out.AddEdge(dot.NewEdge(root, nodes[r]))
	}

	for i, n := range g.Nodes {
		for _, d := range n.Deps {
			out.AddEdge(dot.NewEdge(nodes[i], nodes[d]))
		}
	}
	return out
}
