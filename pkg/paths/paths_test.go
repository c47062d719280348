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

package paths

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"/", "/"},
		{"a", "/a"},
		{"/a/b", "/a/b"},
		{"./a/b/", "/a/b"},
		{"a//b///c", "/a/b/c"},
		{"/a/./b/../c", "/a/c"},
		{"node_modules/@types/node", "/node_modules/@types/node"},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			p, err := Normalize(tt.raw)
			require.NoError(t, err)
			require.Equal(t, tt.want, p.String())
		})
	}
}

func TestNormalizeInvalid(t *testing.T) {
	for _, raw := range []string{
		"",
		"a\\b",
		"a\x00b",
		"..",
		"/a/../..",
		"/a/fuse.link",
		"fuse.link/b",
	} {
		t.Run(raw, func(t *testing.T) {
			_, err := Normalize(raw)
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrInvalidPath), "expected ErrInvalidPath, got %v", err)
		})
	}
}

func TestIsRelative(t *testing.T) {
	require.True(t, IsRelative("a/b"))
	require.True(t, IsRelative("./a"))
	require.False(t, IsRelative("/a"))
}

func TestJoinAndParent(t *testing.T) {
	base := MustNormalize("/stores/a")
	p, err := Join(base, "node_modules/c")
	require.NoError(t, err)
	require.Equal(t, "/stores/a/node_modules/c", p.String())
	require.Equal(t, "c", p.Base())

	_, err = Join(base, "x/fuse.link")
	require.ErrorIs(t, err, ErrInvalidPath)

	parent, ok := p.Parent()
	require.True(t, ok)
	require.Equal(t, "/stores/a/node_modules", parent.String())

	_, ok = Root().Parent()
	require.False(t, ok)

	// Appending to a parent must not clobber the child's segments.
	sibling := parent.Append("d")
	require.Equal(t, "/stores/a/node_modules/c", p.String())
	require.Equal(t, "/stores/a/node_modules/d", sibling.String())
}

func TestEqual(t *testing.T) {
	p := MustNormalize("/a/b/c")
	require.True(t, p.Equal(MustNormalize("a/b/c")))
	require.True(t, p.Equal(MustNormalize("/a/./b/x/../c")))
	require.False(t, p.Equal(MustNormalize("/a/b")))
	require.False(t, p.Equal(MustNormalize("/a/b/d")))
	require.True(t, Root().Equal(MustNormalize("/")))
}

func TestMarker(t *testing.T) {
	require.Equal(t, "/fuse.link", Root().Marker())
	require.Equal(t, "/a/b/fuse.link", MustNormalize("a/b").Marker())
}

func TestResolvePath(t *testing.T) {
	tmpDir := t.TempDir()
	inc := filepath.Join(tmpDir, "include")
	require.NoError(t, os.MkdirAll(inc, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(inc, "linkfs.yaml"), []byte("jobs: 1\n"), 0o644))

	got, err := ResolvePath("linkfs.yaml", []string{tmpDir, inc})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(inc, "linkfs.yaml"), got)

	_, err = ResolvePath("missing.yaml", []string{inc})
	require.ErrorIs(t, err, os.ErrNotExist)
}
