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
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/chainguard-dev/clog"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/klauspost/compress/gzip"

	"chainguard.dev/linkfs/pkg/limitio"
)

// gitPrefix marks npm git dependencies, e.g.
// git+https://github.com/user/repo.git#<commit>.
const gitPrefix = "git+"

// gitRef is a repository and the revision the lockfile pinned, taken from
// the URL fragment. An empty revision means the remote HEAD.
type gitRef struct {
	Repository string
	Revision   string
}

func (r gitRef) String() string {
	if r.Revision == "" {
		return redact(r.Repository)
	}
	return fmt.Sprintf("%s@%s", redact(r.Repository), r.Revision)
}

func parseGitRef(raw string) (gitRef, error) {
	rest, ok := strings.CutPrefix(raw, gitPrefix)
	if !ok || rest == "" {
		return gitRef{}, fmt.Errorf("not a git source: %q", raw)
	}
	repo, rev, _ := strings.Cut(rest, "#")
	if repo == "" {
		return gitRef{}, fmt.Errorf("git source %q has no repository", raw)
	}
	return gitRef{Repository: repo, Revision: rev}, nil
}

// fetchGit clones the repository, checks out the pinned revision and packs
// the work tree the way npm pack would lay it out.
func (f *HTTPFetcher) fetchGit(ctx context.Context, raw string) ([]byte, error) {
	log := clog.FromContext(ctx)

	ref, err := parseGitRef(raw)
	if err != nil {
		return nil, err
	}

	tempDir, err := os.MkdirTemp("", "linkfs-git-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create tempdir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	repo, err := git.PlainCloneContext(ctx, tempDir, false, &git.CloneOptions{
		URL: ref.Repository,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to clone %s: %w", ref, err)
	}

	var hash *plumbing.Hash
	if ref.Revision == "" {
		head, err := repo.Head()
		if err != nil {
			return nil, fmt.Errorf("failed to fetch repository head: %w", err)
		}
		h := head.Hash()
		hash = &h
	} else {
		hash, err = repo.ResolveRevision(plumbing.Revision(ref.Revision))
		if err != nil {
			return nil, fmt.Errorf("failed to fetch repository rev %s: %w", ref.Revision, err)
		}
	}

	tree, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("failed to get worktree: %w", err)
	}
	if err := tree.Checkout(&git.CheckoutOptions{Hash: *hash, Force: true}); err != nil {
		return nil, fmt.Errorf("failed to checkout %s: %w", hash, err)
	}

	b, err := packDir(ctx, tempDir)
	if err != nil {
		return nil, fmt.Errorf("packing %s: %w", ref, err)
	}
	if f.MaxSize >= 0 && int64(len(b)) > f.MaxSize {
		return nil, fmt.Errorf("packing %s: %w", ref, &limitio.LimitError{Limit: f.MaxSize})
	}
	log.Debugf("packed %s at %s", ref, hash)
	return b, nil
}

// packDir writes the regular files under dir, minus .git, into a gzipped
// tarball rooted at package/.
func packDir(ctx context.Context, dir string) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(zw)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := tw.WriteHeader(&tar.Header{
			Name:     "package/" + filepath.ToSlash(rel),
			Mode:     0o644,
			Size:     int64(len(data)),
			Typeflag: tar.TypeReg,
		}); err != nil {
			return err
		}
		_, err = tw.Write(data)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
