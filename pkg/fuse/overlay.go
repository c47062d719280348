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

// Package fuse layers directory links over a Storage. A directory holding a
// file named fuse.link is an alias for the path written in that file, and
// every operation on the overlay sees through such aliases.
package fuse

import (
	"context"
	"errors"
	"fmt"
	iofs "io/fs"

	"github.com/chainguard-dev/clog"
	lru "github.com/hashicorp/golang-lru"
	"go.opentelemetry.io/otel"

	"chainguard.dev/linkfs/pkg/fs"
	"chainguard.dev/linkfs/pkg/paths"
)

// FS is a link-aware view over a Storage. It is safe for concurrent use as
// long as the underlying Storage is.
type FS struct {
	storage fs.Storage
	r       *resolver
}

type opts struct {
	cacheSize int
}

// Option configures an FS.
type Option func(*opts) error

// WithLinkCache caches up to size parsed link markers. The cache is kept
// coherent with changes made through the FS; changes made to the Storage
// behind its back may be observed late. A size of zero disables it.
func WithLinkCache(size int) Option {
	return func(o *opts) error {
		if size < 0 {
			return fmt.Errorf("link cache size must not be negative, got %d", size)
		}
		o.cacheSize = size
		return nil
	}
}

// New returns an FS backed by storage.
func New(storage fs.Storage, options ...Option) (*FS, error) {
	o := &opts{}
	for _, opt := range options {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	r := &resolver{storage: storage}
	if o.cacheSize > 0 {
		c, err := lru.New(o.cacheSize)
		if err != nil {
			return nil, fmt.Errorf("creating link cache: %w", err)
		}
		r.cache = c
	}
	return &FS{storage: storage, r: r}, nil
}

// Storage returns the physical storage behind the overlay.
func (f *FS) Storage() fs.Storage { return f.storage }

// Resolve maps a logical path to its physical location.
func (f *FS) Resolve(ctx context.Context, path string) (Location, error) {
	p, err := paths.Normalize(path)
	if err != nil {
		return Location{}, err
	}
	return f.r.resolve(ctx, p)
}

func (f *FS) physical(ctx context.Context, path string) (paths.Path, error) {
	loc, err := f.Resolve(ctx, path)
	if err != nil {
		return paths.Path{}, err
	}
	return loc.Physical, nil
}

// ReadDir lists the directory at path. When path is a link, the listing is
// the target's. The marker file itself never appears.
func (f *FS) ReadDir(ctx context.Context, path string) ([]iofs.DirEntry, error) {
	p, err := f.physical(ctx, path)
	if err != nil {
		return nil, err
	}
	entries, err := f.storage.ReadDir(ctx, p.String())
	if err != nil {
		return nil, err
	}
	out := entries[:0]
	for _, e := range entries {
		if e.Name() == paths.LinkMarker {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// ReadFile returns the contents of the file at path.
func (f *FS) ReadFile(ctx context.Context, path string) ([]byte, error) {
	p, err := f.physical(ctx, path)
	if err != nil {
		return nil, err
	}
	return f.storage.ReadFile(ctx, p.String())
}

// WriteFile writes data to path, creating missing parent directories at the
// resolved location.
func (f *FS) WriteFile(ctx context.Context, path string, data []byte) error {
	p, err := f.physical(ctx, path)
	if err != nil {
		return err
	}
	parent, ok := p.Parent()
	if !ok {
		return &fs.IOError{Op: "write", Path: p.String(), Err: errors.New("is a directory")}
	}
	if err := fs.MkdirAll(ctx, f.storage, parent.String()); err != nil {
		return err
	}
	return f.storage.WriteFile(ctx, p.String(), data)
}

// MkdirAll creates the directory at path and any missing parents.
func (f *FS) MkdirAll(ctx context.Context, path string) error {
	p, err := f.physical(ctx, path)
	if err != nil {
		return err
	}
	return fs.MkdirAll(ctx, f.storage, p.String())
}

// Exists reports whether path resolves to an existing entry. A dangling link
// or a cycle on the way is an error rather than false.
func (f *FS) Exists(ctx context.Context, path string) (bool, error) {
	p, err := f.physical(ctx, path)
	if err != nil {
		return false, err
	}
	return f.storage.Exists(ctx, p.String())
}

// Remove deletes the entry named by path along with anything below it. Only
// the parent is resolved, so removing a linked directory removes the link and
// leaves its target alone.
func (f *FS) Remove(ctx context.Context, path string) error {
	p, err := paths.Normalize(path)
	if err != nil {
		return err
	}
	parent, ok := p.Parent()
	if !ok {
		return &fs.IOError{Op: "remove", Path: p.String(), Err: errors.New("can not remove root")}
	}
	dir, err := f.r.resolve(ctx, parent)
	if err != nil {
		return err
	}
	target := dir.Physical.Append(p.Base())
	if err := f.storage.Remove(ctx, target.String()); err != nil {
		return err
	}
	f.r.forget(target)
	return nil
}

// FuseLink makes src an alias of dst. The directory at src is created when
// missing. dst is not required to exist yet; reads through src fail with
// ErrDanglingLink until it does.
func (f *FS) FuseLink(ctx context.Context, src, dst string) error {
	ctx, span := otel.Tracer("linkfs").Start(ctx, "FuseLink")
	defer span.End()

	s, err := paths.Normalize(src)
	if err != nil {
		return err
	}
	d, err := paths.Normalize(dst)
	if err != nil {
		return err
	}

	// The last segment is taken literally, so an existing link at src is
	// replaced instead of followed.
	dir := paths.Root()
	if parent, ok := s.Parent(); ok {
		loc, err := f.r.resolve(ctx, parent)
		if err != nil {
			return err
		}
		dir = loc.Physical.Append(s.Base())
	}
	if err := fs.MkdirAll(ctx, f.storage, dir.String()); err != nil {
		return err
	}
	if err := f.storage.WriteFile(ctx, dir.Marker(), formatMarker(d)); err != nil {
		return err
	}
	f.r.remember(dir, d)
	clog.FromContext(ctx).Debugf("linked %s -> %s", s, d)
	return nil
}

// Unlink removes the link marker at src, exposing whatever the directory
// held before. It returns ErrNotExist when src is not a link.
func (f *FS) Unlink(ctx context.Context, src string) error {
	s, err := paths.Normalize(src)
	if err != nil {
		return err
	}
	dir := paths.Root()
	if parent, ok := s.Parent(); ok {
		loc, err := f.r.resolve(ctx, parent)
		if err != nil {
			return err
		}
		dir = loc.Physical.Append(s.Base())
	}
	f.r.forget(dir)
	return f.storage.Remove(ctx, dir.Marker())
}
