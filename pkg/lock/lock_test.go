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
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"chainguard.dev/linkfs/pkg/graph"
)

func identities(ids []graph.Identity) []string {
	out := []string{}
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}

func TestFromFileKeepsOrder(t *testing.T) {
	lock, err := FromFile(filepath.Join("testdata", "package-lock.json"))
	require.NoError(t, err)
	require.Equal(t, "demo", lock.Name)
	require.Equal(t, 3, lock.LockfileVersion)

	want := []string{
		"",
		"node_modules/is-odd",
		"node_modules/is-number",
		"node_modules/other",
		"node_modules/other/node_modules/is-number",
		"node_modules/tap",
		"node_modules/fsevents",
		"node_modules/workspace-pkg",
	}
	if diff := cmp.Diff(want, lock.Packages.Paths); diff != "" {
		t.Errorf("Paths (-want, +got) = %s", diff)
	}

	pkg, ok := lock.Packages.Get("node_modules/fsevents")
	require.True(t, ok)
	require.True(t, pkg.Optional)
	require.Equal(t, []string{"darwin"}, pkg.OS)
}

func TestParseErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		in   string
	}{
		{name: "not json", in: "{"},
		{name: "v1", in: `{"lockfileVersion": 1, "dependencies": {}}`},
		{name: "no packages", in: `{"lockfileVersion": 3}`},
		{name: "packages not an object", in: `{"lockfileVersion": 3, "packages": []}`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.in))
			require.Error(t, err)
		})
	}
}

func TestManifest(t *testing.T) {
	lock, err := FromFile(filepath.Join("testdata", "package-lock.json"))
	require.NoError(t, err)

	m, err := lock.Manifest(context.Background(), Options{})
	require.NoError(t, err)

	// optional fsevents is platform specific and the workspace link has no
	// tarball, so neither shows up
	require.Equal(t, []string{"is-odd@3.0.1", "other@1.0.0", "tap@18.0.0"}, identities(m.Root))

	got := map[string][]string{}
	for _, p := range m.Packages {
		got[p.ID.String()] = identities(p.Dependencies)
	}
	want := map[string][]string{
		"is-odd@3.0.1":    {"is-number@6.0.0"},
		"is-number@6.0.0": {},
		"other@1.0.0":     {"is-number@7.0.0"},
		"is-number@7.0.0": {},
		"tap@18.0.0":      {},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("dependencies (-want, +got) = %s", diff)
	}

	require.Equal(t, "https://registry.npmjs.org/is-odd/-/is-odd-3.0.1.tgz", m.Packages[0].Source.URL)
	require.Equal(t, "sha512-odd301", m.Packages[0].Source.Integrity)

	g, err := graph.Build(context.Background(), m)
	require.NoError(t, err)
	_, err = g.Order()
	require.NoError(t, err)
}

func TestManifestOmitDev(t *testing.T) {
	lock, err := FromFile(filepath.Join("testdata", "package-lock.json"))
	require.NoError(t, err)

	m, err := lock.Manifest(context.Background(), Options{Omit: []Omit{OmitDev}})
	require.NoError(t, err)
	require.Equal(t, []string{"is-odd@3.0.1", "other@1.0.0"}, identities(m.Root))
	for _, p := range m.Packages {
		require.NotEqual(t, "tap", p.ID.Name)
	}
}

func TestManifestUnresolved(t *testing.T) {
	lock, err := Parse([]byte(`{
  "lockfileVersion": 3,
  "packages": {
    "": {"dependencies": {"a": "1"}},
    "node_modules/a": {
      "version": "1.0.0",
      "resolved": "https://example.com/a.tgz",
      "dependencies": {"missing": "1"},
      "optionalDependencies": {"also-missing": "1"}
    }
  }
}`))
	require.NoError(t, err)

	_, err = lock.Manifest(context.Background(), Options{})
	require.ErrorIs(t, err, ErrUnresolved)
}

func TestManifestWithoutRootEntry(t *testing.T) {
	lock, err := Parse([]byte(`{
  "lockfileVersion": 2,
  "packages": {
    "node_modules/b": {"version": "1.0.0", "resolved": "b.tgz", "shasum": "abc"},
    "node_modules/a": {"version": "2.0.0", "resolved": "file:a.tgz"},
    "node_modules/a/node_modules/b": {"version": "2.0.0", "resolved": "https://example.com/b2.tgz"}
  }
}`))
	require.NoError(t, err)

	m, err := lock.Manifest(context.Background(), Options{})
	require.NoError(t, err)
	require.Equal(t, []string{"b@1.0.0", "a@2.0.0"}, identities(m.Root))
	require.Equal(t, "b.tgz", m.Packages[0].Source.Path)
	require.Equal(t, "abc", m.Packages[0].ID.Integrity)
	require.Equal(t, "a.tgz", m.Packages[1].Source.Path)
}

func TestManifestVariants(t *testing.T) {
	lock, err := Parse([]byte(`{
  "lockfileVersion": 3,
  "packages": {
    "": {"dependencies": {"shared": "1", "b": "1", "c": "1"}},
    "node_modules/shared": {"version": "1.0.0", "resolved": "s.tgz", "integrity": "sha512-s", "dependencies": {"dep": "*"}},
    "node_modules/dep": {"version": "1.0.0", "resolved": "d1.tgz"},
    "node_modules/b": {"version": "1.0.0", "resolved": "b.tgz", "dependencies": {"shared": "1"}},
    "node_modules/b/node_modules/shared": {"version": "1.0.0", "resolved": "s.tgz", "integrity": "sha512-s", "dependencies": {"dep": "*"}},
    "node_modules/b/node_modules/dep": {"version": "2.0.0", "resolved": "d2.tgz"},
    "node_modules/c": {"version": "1.0.0", "resolved": "c.tgz", "dependencies": {"shared": "1"}}
  }
}`))
	require.NoError(t, err)

	m, err := lock.Manifest(context.Background(), Options{})
	require.NoError(t, err)

	deps := map[string][]graph.Identity{}
	for _, p := range m.Packages {
		deps[p.ID.Name+"@"+p.ID.Version+"/"+p.ID.Variant] = p.Dependencies
	}
	top := deps["b@1.0.0/"][0]
	require.Equal(t, "shared", top.Name)
	require.NotEmpty(t, top.Variant, "shared under b resolves dep@2 and needs its own entry")
	require.Equal(t, "dep@2.0.0", deps["shared@1.0.0/"+top.Variant][0].String())

	// c sees the same shared@1.0.0 as the project, so it is not split
	c := deps["c@1.0.0/"][0]
	require.Empty(t, c.Variant)
	require.Equal(t, "dep@1.0.0", deps["shared@1.0.0/"][0].String())
	require.NotEqual(t, c.Fingerprint(), top.Fingerprint())

	g, err := graph.Build(context.Background(), m)
	require.NoError(t, err)
	require.Len(t, g.Nodes, 6)
}

func TestManifestVariantsWithCycle(t *testing.T) {
	lock, err := Parse([]byte(`{
  "lockfileVersion": 3,
  "packages": {
    "": {"dependencies": {"x": "1", "w": "1"}},
    "node_modules/x": {"version": "1.0.0", "resolved": "x.tgz", "dependencies": {"y": "1"}},
    "node_modules/y": {"version": "1.0.0", "resolved": "y.tgz", "dependencies": {"x": "1"}},
    "node_modules/w": {"version": "1.0.0", "resolved": "w.tgz", "dependencies": {"x": "1"}},
    "node_modules/w/node_modules/x": {"version": "1.0.0", "resolved": "x.tgz", "dependencies": {"y": "1"}}
  }
}`))
	require.NoError(t, err)

	m, err := lock.Manifest(context.Background(), Options{})
	require.NoError(t, err)
	for _, p := range m.Packages {
		// both copies of x resolve y the same way, through the cycle
		require.Empty(t, p.ID.Variant, p.ID.String())
	}
}

func TestSlotName(t *testing.T) {
	for in, want := range map[string]string{
		"node_modules/a":                   "a",
		"node_modules/@scope/a":            "@scope/a",
		"node_modules/a/node_modules/@s/b": "@s/b",
		"node_modules/a/node_modules/b":    "b",
	} {
		require.Equal(t, want, SlotName(in), in)
	}
	require.Equal(t, "node_modules/a", parentPath("node_modules/a/node_modules/@s/b"))
	require.Equal(t, "", parentPath("node_modules/a"))
}

func TestParseOmit(t *testing.T) {
	o, err := ParseOmit(" Dev ")
	require.NoError(t, err)
	require.Equal(t, OmitDev, o)
	_, err = ParseOmit("prod")
	require.Error(t, err)
}
