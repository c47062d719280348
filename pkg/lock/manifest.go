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

package lock

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/chainguard-dev/clog"
	"github.com/zeebo/blake3"

	"chainguard.dev/linkfs/pkg/graph"
)

// ErrUnresolved is returned when a required dependency has no entry that
// Node's lookup rules would find.
var ErrUnresolved = errors.New("unresolved dependency")

const nodeModules = "node_modules/"

// Omit names a class of packages left out of an install, as in npm's
// --omit flag.
type Omit string

const (
	OmitDev      Omit = "dev"
	OmitOptional Omit = "optional"
	OmitPeer     Omit = "peer"
)

// ParseOmit validates an --omit value.
func ParseOmit(s string) (Omit, error) {
	switch o := Omit(strings.ToLower(strings.TrimSpace(s))); o {
	case OmitDev, OmitOptional, OmitPeer:
		return o, nil
	default:
		return "", fmt.Errorf("unknown omit type %q, want one of dev, optional, peer", s)
	}
}

// Options controls the conversion into a manifest.
type Options struct {
	Omit []Omit
}

func (o Options) omits(kind Omit) bool {
	for _, k := range o.Omit {
		if k == kind {
			return true
		}
	}
	return false
}

func (o Options) skip(pkg *Package) (string, bool) {
	switch {
	case pkg.Dev && o.omits(OmitDev):
		return "dev", true
	case pkg.Optional && o.omits(OmitOptional):
		return "optional", true
	case pkg.DevOptional && o.omits(OmitDev) && o.omits(OmitOptional):
		return "dev and optional", true
	case pkg.Peer && o.omits(OmitPeer):
		return "peer", true
	}
	return "", false
}

// SlotName returns the package name an install path provides, which is the
// name dependents require it by. For aliased installs that differs from the
// entry's own name.
func SlotName(installPath string) string {
	if i := strings.LastIndex(installPath, nodeModules); i >= 0 {
		return installPath[i+len(nodeModules):]
	}
	return installPath
}

// parentPath returns the install path whose node_modules holds installPath,
// "" for the project.
func parentPath(installPath string) string {
	i := strings.LastIndex(installPath, "/"+nodeModules)
	if i < 0 {
		return ""
	}
	return installPath[:i]
}

func childPath(base, name string) string {
	if base == "" {
		return nodeModules + name
	}
	return base + "/" + nodeModules + name
}

// lookup finds the entry that require(name) sees from installPath: the
// nearest node_modules/name walking up toward the project.
func (lock PackageLock) lookup(from, name string) (string, bool) {
	for base := from; ; base = parentPath(base) {
		candidate := childPath(base, name)
		if _, ok := lock.Packages.ByPath[candidate]; ok {
			return candidate, true
		}
		if base == "" {
			return "", false
		}
	}
}

func sourceOf(pkg *Package) graph.Source {
	src := graph.Source{Integrity: pkg.Integrity, Shasum: pkg.Shasum}
	switch r := pkg.Resolved; {
	case strings.HasPrefix(r, "http://"), strings.HasPrefix(r, "https://"), strings.HasPrefix(r, "file://"), strings.HasPrefix(r, "git+"):
		src.URL = r
	default:
		src.Path = strings.TrimPrefix(r, "file:")
	}
	return src
}

func identityOf(installPath string, pkg *Package) graph.Identity {
	integrity := pkg.Integrity
	if integrity == "" {
		integrity = pkg.Shasum
	}
	return graph.Identity{Name: SlotName(installPath), Version: pkg.Version, Integrity: integrity}
}

type request struct {
	name     string
	required bool
}

// requests lists the dependency names of pkg, required ones first, each
// group sorted by name so the result does not depend on map order.
func requests(groups ...map[string]string) []request {
	seen := map[string]bool{}
	out := []request{}
	for i, g := range groups {
		names := make([]string, 0, len(g))
		for n := range g {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			if seen[n] {
				continue
			}
			seen[n] = true
			out = append(out, request{name: n, required: i == 0})
		}
	}
	return out
}

// Manifest resolves every dependency edge of the lockfile into concrete
// identities. Entries omitted by opts, entries without a resolved tarball,
// link entries and optional entries with platform constraints are left
// out, and edges to them are dropped.
func (lock PackageLock) Manifest(ctx context.Context, opts Options) (graph.Manifest, error) {
	log := clog.FromContext(ctx)

	included := map[string]graph.Identity{}
	m := graph.Manifest{}
	for _, path := range lock.Packages.Paths {
		if path == "" {
			continue
		}
		pkg := lock.Packages.ByPath[path]
		id := identityOf(path, pkg)
		if reason, skip := opts.skip(pkg); skip {
			log.Debugf("%s: omitted (%s)", id, reason)
			continue
		}
		if pkg.Link {
			log.Warnf("%s: link entries are not supported, skipping", path)
			continue
		}
		if pkg.Optional && (len(pkg.OS) > 0 || len(pkg.CPU) > 0) {
			log.Debugf("%s: skipped (optional with platform constraints)", id)
			continue
		}
		if pkg.Resolved == "" {
			log.Warnf("%s: no resolved field, skipping", id)
			continue
		}
		if pkg.Name != "" && pkg.Name != id.Name {
			log.Debugf("%s: installed as alias of %s", path, pkg.Name)
		}
		included[path] = id
	}

	var errs []error
	resolve := func(from string, reqs []request) []string {
		deps := []string{}
		for _, r := range reqs {
			target, ok := lock.lookup(from, r.name)
			if !ok {
				if r.required {
					errs = append(errs, fmt.Errorf("%w: %q requires %s", ErrUnresolved, from, r.name))
				}
				continue
			}
			if _, ok := included[target]; !ok {
				log.Debugf("%q: dependency %s at %s is not installed", from, r.name, target)
				continue
			}
			deps = append(deps, target)
		}
		return deps
	}

	order := []string{}
	edges := map[string][]string{}
	for _, path := range lock.Packages.Paths {
		if _, ok := included[path]; !ok {
			continue
		}
		pkg := lock.Packages.ByPath[path]
		order = append(order, path)
		edges[path] = resolve(path, requests(pkg.Dependencies, pkg.OptionalDependencies, pkg.PeerDependencies))
	}
	ids := variants(order, included, edges)
	identities := func(paths []string) []graph.Identity {
		out := make([]graph.Identity, 0, len(paths))
		for _, p := range paths {
			out = append(out, ids[p])
		}
		return out
	}

	for _, path := range order {
		if id := ids[path]; id.Variant != "" {
			log.Debugf("%q: dependencies differ from other installs of %s@%s, installing as %s", path, id.Name, id.Version, id)
		}
		m.Packages = append(m.Packages, graph.Package{
			ID:           ids[path],
			Dependencies: identities(edges[path]),
			Source:       sourceOf(lock.Packages.ByPath[path]),
		})
	}

	if root, ok := lock.Packages.ByPath[""]; ok {
		groups := []map[string]string{root.Dependencies}
		if !opts.omits(OmitDev) {
			groups[0] = merge(root.Dependencies, root.DevDependencies)
		}
		if !opts.omits(OmitOptional) {
			groups = append(groups, root.OptionalDependencies)
		}
		if !opts.omits(OmitPeer) {
			groups = append(groups, root.PeerDependencies)
		}
		m.Root = identities(resolve("", requests(groups...)))
	} else {
		// Without a root entry, everything hoisted to the top is a direct
		// dependency.
		for _, path := range order {
			if parentPath(path) == "" && strings.HasPrefix(path, nodeModules) {
				m.Root = append(m.Root, ids[path])
			}
		}
	}

	if err := errors.Join(errs...); err != nil {
		return graph.Manifest{}, err
	}
	return m, nil
}

// variants partitions the install paths of each identity into classes whose
// dependencies resolve to the same classes, refining until the partition is
// stable so that dependency cycles terminate. The class holding the first
// path of an identity keeps it unchanged; every other class is tagged with a
// Variant.
func variants(order []string, ids map[string]graph.Identity, edges map[string][]string) map[string]graph.Identity {
	class := make(map[string]int, len(order))
	byFP := map[string]int{}
	for _, p := range order {
		fp := ids[p].Fingerprint()
		c, ok := byFP[fp]
		if !ok {
			c = len(byFP)
			byFP[fp] = c
		}
		class[p] = c
	}

	for n := len(byFP); ; {
		next := make(map[string]int, len(order))
		sigs := map[string]int{}
		for _, p := range order {
			var sb strings.Builder
			fmt.Fprintf(&sb, "%d", class[p])
			for _, d := range edges[p] {
				fmt.Fprintf(&sb, ",%d", class[d])
			}
			c, ok := sigs[sb.String()]
			if !ok {
				c = len(sigs)
				sigs[sb.String()] = c
			}
			next[p] = c
		}
		class = next
		if len(sigs) == n {
			break
		}
		n = len(sigs)
	}

	out := make(map[string]graph.Identity, len(order))
	first := map[string]int{}
	tags := map[int]string{}
	used := map[string]bool{}
	for _, p := range order {
		id := ids[p]
		fp := id.Fingerprint()
		c := class[p]
		fc, seen := first[fp]
		if !seen {
			first[fp] = c
		} else if fc != c {
			tag, ok := tags[c]
			if !ok {
				tag = variantTag("", edges[p], ids)
				if used[fp+tag] {
					tag = variantTag(p, edges[p], ids)
				}
				used[fp+tag] = true
				tags[c] = tag
			}
			id.Variant = tag
		}
		out[p] = id
	}
	return out
}

// variantTag digests the resolved dependencies of a path.
func variantTag(salt string, deps []string, ids map[string]graph.Identity) string {
	h := blake3.New()
	_, _ = h.Write([]byte(salt))
	for _, d := range deps {
		_, _ = h.Write([]byte(ids[d].Fingerprint()))
	}
	return hex.EncodeToString(h.Sum(nil))[:8]
}

func merge(a, b map[string]string) map[string]string {
	out := make(map[string]string, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}
