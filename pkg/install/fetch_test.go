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

package install

import (
	"archive/tar"
	"context"
	"crypto/sha1" //nolint:gosec
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.lsp.dev/uri"

	"chainguard.dev/linkfs/pkg/fs"
	"chainguard.dev/linkfs/pkg/fuse"
	"chainguard.dev/linkfs/pkg/graph"
	"chainguard.dev/linkfs/pkg/limitio"
	"chainguard.dev/linkfs/pkg/lock"
	"chainguard.dev/linkfs/pkg/paths"
)

func TestHTTPFetcher(t *testing.T) {
	tgz := npmTarball(t, map[string]string{"index.js": "remote"})
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/pkg.tgz" {
			http.NotFound(w, r)
			return
		}
		hits.Add(1)
		_, _ = w.Write(tgz)
	}))
	defer srv.Close()

	f, err := NewHTTPFetcher("", 4)
	require.NoError(t, err)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, err := f.Fetch(ctx, graph.Source{URL: srv.URL + "/pkg.tgz"})
			if err != nil {
				t.Error(err)
				return
			}
			if string(b) != string(tgz) {
				t.Error("unexpected tarball")
			}
		}()
	}
	wg.Wait()

	// cached from here on
	_, err = f.Fetch(ctx, graph.Source{URL: srv.URL + "/pkg.tgz"})
	require.NoError(t, err)
	require.LessOrEqual(t, hits.Load(), int32(8))
	before := hits.Load()
	_, err = f.Fetch(ctx, graph.Source{URL: srv.URL + "/pkg.tgz"})
	require.NoError(t, err)
	require.Equal(t, before, hits.Load())

	_, err = f.Fetch(ctx, graph.Source{URL: srv.URL + "/missing.tgz"})
	require.ErrorContains(t, err, "404")
}

func TestHTTPFetcherLocal(t *testing.T) {
	dir := t.TempDir()
	tgz := npmTarball(t, map[string]string{"index.js": "local"})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "local.tgz"), tgz, 0o644))

	f, err := NewHTTPFetcher(dir, 0)
	require.NoError(t, err)
	ctx := context.Background()

	for _, src := range []graph.Source{
		{Path: "local.tgz"},
		{Path: filepath.Join(dir, "local.tgz")},
		{URL: string(uri.File(filepath.Join(dir, "local.tgz")))},
		{Tarball: tgz},
	} {
		b, err := f.Fetch(ctx, src)
		require.NoError(t, err, src.Key())
		require.Equal(t, tgz, b)
	}

	_, err = f.Fetch(ctx, graph.Source{Path: "nope.tgz"})
	require.Error(t, err)
	_, err = f.Fetch(ctx, graph.Source{})
	require.Error(t, err)
	_, err = f.Fetch(ctx, graph.Source{URL: "ftp://example.com/x.tgz"})
	require.Error(t, err)
}

func TestHTTPFetcherMaxSize(t *testing.T) {
	tgz := npmTarball(t, map[string]string{"index.js": strings.Repeat("big ", 1024)})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(tgz)
	}))
	defer srv.Close()

	f, err := NewHTTPFetcher("", 0)
	require.NoError(t, err)
	f.MaxSize = int64(len(tgz)) - 1
	_, err = f.Fetch(context.Background(), graph.Source{URL: srv.URL + "/pkg.tgz"})
	require.ErrorIs(t, err, limitio.ErrLimitExceeded)

	f.MaxSize = int64(len(tgz))
	b, err := f.Fetch(context.Background(), graph.Source{URL: srv.URL + "/pkg.tgz"})
	require.NoError(t, err)
	require.Equal(t, tgz, b)
}

func TestVerify(t *testing.T) {
	data := []byte("tarball bytes")
	sum := sha1.Sum(data) //nolint:gosec
	shasum := hex.EncodeToString(sum[:])

	for _, tc := range []struct {
		name    string
		src     graph.Source
		wantErr bool
	}{
		{name: "nothing to check", src: graph.Source{}},
		{name: "sha512", src: graph.Source{Integrity: sri(data)}},
		{name: "sha512 mismatch", src: graph.Source{Integrity: sri([]byte("other"))}, wantErr: true},
		{name: "strongest wins", src: graph.Source{Integrity: "sha1-bogus " + sri(data)}},
		{name: "unsupported", src: graph.Source{Integrity: "md5-abc"}, wantErr: true},
		{name: "shasum", src: graph.Source{Shasum: shasum}},
		{name: "shasum upper case", src: graph.Source{Shasum: hexUpper(shasum)}},
		{name: "shasum mismatch", src: graph.Source{Shasum: "00"}, wantErr: true},
		{name: "integrity beats shasum", src: graph.Source{Integrity: sri(data), Shasum: "00"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := Verify(tc.src, data)
			if tc.wantErr {
				require.ErrorIs(t, err, ErrIntegrity)
				return
			}
			require.NoError(t, err)
		})
	}
}

func hexUpper(s string) string {
	out := []byte(s)
	for i, c := range out {
		if c >= 'a' && c <= 'f' {
			out[i] = c - 'a' + 'A'
		}
	}
	return string(out)
}

func TestExtract(t *testing.T) {
	ctx := context.Background()
	files, err := Extract(ctx, tarball(t,
		tarEntry{name: "package/", typeflag: tar.TypeDir},
		tarEntry{name: "package/package.json", body: "{}"},
		tarEntry{name: "package/lib/index.js", body: "x"},
		tarEntry{name: "package/link", typeflag: tar.TypeSymlink, linkname: "lib"},
		tarEntry{name: "stray", body: "no leading directory"},
	), -1)
	require.NoError(t, err)

	got := map[string]string{}
	for _, f := range files {
		got[f.Path.String()] = string(f.Data)
	}
	require.Equal(t, map[string]string{"/package.json": "{}", "/lib/index.js": "x"}, got)

	for _, bad := range []string{"package/../../etc/passwd", "package/node_modules/x/fuse.link"} {
		_, err := Extract(ctx, tarball(t, tarEntry{name: bad, body: "x"}), -1)
		require.ErrorIs(t, err, paths.ErrInvalidPath, bad)
	}

	_, err = Extract(ctx, []byte("not gzip"), -1)
	require.Error(t, err)

	// a small archive that inflates past the limit
	bomb := tarball(t, tarEntry{name: "package/zeros", body: strings.Repeat("\x00", 1<<20)})
	require.Less(t, len(bomb), 1<<16)
	_, err = Extract(ctx, bomb, 1<<16)
	require.ErrorIs(t, err, limitio.ErrLimitExceeded)
}

func TestInstallDependencies(t *testing.T) {
	isNumber := npmTarball(t, map[string]string{"index.js": "module.exports = n => typeof n === 'number'"})
	isOdd := npmTarball(t, map[string]string{"index.js": "require('is-number')"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/is-number.tgz":
			_, _ = w.Write(isNumber)
		case "/is-odd.tgz":
			_, _ = w.Write(isOdd)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	pl, err := lock.Parse([]byte(`{
  "name": "app",
  "lockfileVersion": 3,
  "packages": {
    "": {"dependencies": {"is-odd": "^3.0.0"}, "devDependencies": {"is-number": "^7.0.0"}},
    "node_modules/is-odd": {
      "version": "3.0.1",
      "resolved": "` + srv.URL + `/is-odd.tgz",
      "integrity": "` + sri(isOdd) + `",
      "dependencies": {"is-number": "^7.0.0"}
    },
    "node_modules/is-number": {
      "version": "7.0.0",
      "resolved": "` + srv.URL + `/is-number.tgz",
      "integrity": "` + sri(isNumber) + `"
    }
  }
}`))
	require.NoError(t, err)

	ctx := context.Background()
	fsys, err := fuse.New(fs.NewMemFS(), fuse.WithLinkCache(32))
	require.NoError(t, err)
	inst, err := New(fsys, WithProjectRoot("/app"), WithStoreRoot("/store"))
	require.NoError(t, err)

	report, err := inst.InstallDependencies(ctx, pl)
	require.NoError(t, err)
	require.Equal(t, 2, report.Installed)
	require.Equal(t, "require('is-number')", readString(t, fsys, "/app/node_modules/is-odd/index.js"))
	require.Equal(t, readString(t, fsys, "/app/node_modules/is-number/index.js"),
		readString(t, fsys, "/app/node_modules/is-odd/node_modules/is-number/index.js"))

	// without dev dependencies the project no longer links is-number
	prod, err := New(fsys, WithProjectRoot("/prod"), WithStoreRoot("/store"), WithOmit(lock.OmitDev))
	require.NoError(t, err)
	report, err = prod.InstallDependencies(ctx, pl)
	require.NoError(t, err)
	require.Equal(t, 2, report.Reused)
	entries, err := fsys.ReadDir(ctx, "/prod/node_modules")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "is-odd", entries[0].Name())
}

func TestInstallDependenciesVariants(t *testing.T) {
	blobs := map[string][]byte{
		"/shared.tgz": npmTarball(t, map[string]string{"index.js": "require('dep')"}),
		"/dep1.tgz":   npmTarball(t, map[string]string{"index.js": "dep1"}),
		"/dep2.tgz":   npmTarball(t, map[string]string{"index.js": "dep2"}),
		"/b.tgz":      npmTarball(t, map[string]string{"index.js": "require('shared')"}),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, ok := blobs[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(b)
	}))
	defer srv.Close()

	entry := func(version, file, deps string) string {
		return `{"version": "` + version + `", "resolved": "` + srv.URL + file + `", "integrity": "` + sri(blobs[file]) + `", "dependencies": {` + deps + `}}`
	}
	pl, err := lock.Parse([]byte(`{
  "lockfileVersion": 3,
  "packages": {
    "": {"dependencies": {"shared": "1", "b": "1"}},
    "node_modules/shared": ` + entry("1.0.0", "/shared.tgz", `"dep": "*"`) + `,
    "node_modules/dep": ` + entry("1.0.0", "/dep1.tgz", "") + `,
    "node_modules/b": ` + entry("1.0.0", "/b.tgz", `"shared": "1"`) + `,
    "node_modules/b/node_modules/shared": ` + entry("1.0.0", "/shared.tgz", `"dep": "*"`) + `,
    "node_modules/b/node_modules/dep": ` + entry("2.0.0", "/dep2.tgz", "") + `
  }
}`))
	require.NoError(t, err)

	ctx := context.Background()
	storage := fs.NewMemFS()
	fsys, err := fuse.New(storage)
	require.NoError(t, err)
	inst, err := New(fsys, WithProjectRoot("/app"), WithStoreRoot("/store"))
	require.NoError(t, err)

	report, err := inst.InstallDependencies(ctx, pl)
	require.NoError(t, err)
	require.Equal(t, 5, report.Installed)

	// each copy of shared sees the dep its lock position resolves to
	require.Equal(t, "dep1", readString(t, fsys, "/app/node_modules/shared/node_modules/dep/index.js"))
	require.Equal(t, "dep2", readString(t, fsys, "/app/node_modules/b/node_modules/shared/node_modules/dep/index.js"))

	entries, err := storage.ReadDir(ctx, "/store/shared")
	require.NoError(t, err)
	require.Len(t, entries, 2)
}
