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

// Package fs defines the storage boundary the overlay filesystem is built
// on: a hierarchical namespace with primitive read, write, list, mkdir,
// remove and existence checks, and at most one writer per node.
package fs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

var (
	// ErrNotExist is returned (wrapped in a *fs.PathError) when a node or
	// one of its ancestors is missing.
	ErrNotExist = fs.ErrNotExist

	// ErrIO is the kind of every other storage failure.
	ErrIO = errors.New("storage i/o error")
)

// IOError is an opaque storage failure.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func (e *IOError) Is(target error) bool { return target == ErrIO }

func notExist(op, path string) error {
	return &fs.PathError{Op: op, Path: path, Err: fs.ErrNotExist}
}

func ioError(op, path string, err error) error {
	return &IOError{Op: op, Path: path, Err: err}
}

// Storage is the primitive, asynchronous storage namespace. Paths are
// physical, absolute and slash separated. Implementations must allow only
// one in-flight writer per node.
type Storage interface {
	// ReadFile returns the content of the file at path.
	ReadFile(ctx context.Context, path string) ([]byte, error)
	// WriteFile replaces the content of the file at path, creating it if
	// needed. The parent directory must exist.
	WriteFile(ctx context.Context, path string, data []byte) error
	// ReadDir lists the entries of the directory at path, sorted by name.
	ReadDir(ctx context.Context, path string) ([]fs.DirEntry, error)
	// Mkdir creates a single directory. The parent must exist; an existing
	// directory is not an error.
	Mkdir(ctx context.Context, path string) error
	// Remove deletes the node at path, including any subtree.
	Remove(ctx context.Context, path string) error
	// Exists reports whether a node is present at path.
	Exists(ctx context.Context, path string) (bool, error)
}

// MkdirAll creates path and every missing ancestor on s, starting from the
// deepest existing prefix.
func MkdirAll(ctx context.Context, s Storage, path string) error {
	segs := split(path)
	existing := len(segs)
	for ; existing > 0; existing-- {
		ok, err := s.Exists(ctx, join(segs[:existing]))
		if err != nil {
			return err
		}
		if ok {
			break
		}
	}
	for i := existing + 1; i <= len(segs); i++ {
		if err := s.Mkdir(ctx, join(segs[:i])); err != nil {
			return err
		}
	}
	return nil
}

// Clean turns any slash separated path into the absolute form storage
// backends expect.
func Clean(path string) string {
	return join(split(path))
}

func split(path string) []string {
	parts := strings.Split(path, "/")
	out := parts[:0]
	for _, p := range parts {
		if p == "" || p == "." {
			continue
		}
		out = append(out, p)
	}
	return out
}

func join(segs []string) string {
	return "/" + strings.Join(segs, "/")
}

func dirAndBase(path string) (string, string) {
	segs := split(path)
	if len(segs) == 0 {
		return "/", ""
	}
	return join(segs[:len(segs)-1]), segs[len(segs)-1]
}

func sortEntries(de []fs.DirEntry) {
	// consistent order, by filename, which is what os.ReadDir() does
	sort.Slice(de, func(i, j int) bool {
		return de[i].Name() < de[j].Name()
	})
}
