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

package fs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"syscall"

	"github.com/spf13/afero"
)

type aferoFS struct {
	fs    afero.Fs
	locks KeyedMutex
}

// NewAferoFS adapts an afero filesystem to Storage. Writers are serialized
// per physical path, since afero itself gives no such guarantee.
func NewAferoFS(fsys afero.Fs) Storage {
	return &aferoFS{fs: fsys}
}

// DirFS returns a Storage rooted at the host directory root, creating it if
// needed.
func DirFS(root string) (Storage, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage root %q: %w", root, err)
	}
	return NewAferoFS(afero.NewBasePathFs(afero.NewOsFs(), root)), nil
}

func classify(op, path string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
		return notExist(op, path)
	}
	return ioError(op, path, err)
}

func (a *aferoFS) lock(ctx context.Context, path string) (func(), error) {
	return a.locks.Lock(ctx, path)
}

func (a *aferoFS) isDir(op, path string) (bool, error) {
	info, err := a.fs.Stat(path)
	if err != nil {
		return false, classify(op, path, err)
	}
	return info.IsDir(), nil
}

func (a *aferoFS) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path = Clean(path)
	dir, err := a.isDir("read", path)
	if err != nil {
		return nil, err
	}
	if dir {
		return nil, ioError("read", path, errors.New("is a directory"))
	}
	b, err := afero.ReadFile(a.fs, path)
	return b, classify("read", path, err)
}

func (a *aferoFS) WriteFile(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path = Clean(path)
	parent, base := dirAndBase(path)
	if base == "" {
		return ioError("write", path, errors.New("is a directory"))
	}
	unlock, err := a.lock(ctx, path)
	if err != nil {
		return err
	}
	defer unlock()

	pdir, err := a.isDir("write", parent)
	if err != nil {
		return err
	}
	if !pdir {
		return notExist("write", path)
	}
	return classify("write", path, afero.WriteFile(a.fs, path, data, 0o644))
}

func (a *aferoFS) ReadDir(ctx context.Context, path string) ([]fs.DirEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path = Clean(path)
	dir, err := a.isDir("readdir", path)
	if err != nil {
		return nil, err
	}
	if !dir {
		return nil, ioError("readdir", path, errors.New("not a directory"))
	}
	infos, err := afero.ReadDir(a.fs, path)
	if err != nil {
		return nil, classify("readdir", path, err)
	}
	de := make([]fs.DirEntry, 0, len(infos))
	for _, info := range infos {
		de = append(de, fs.FileInfoToDirEntry(info))
	}
	sortEntries(de)
	return de, nil
}

func (a *aferoFS) Mkdir(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path = Clean(path)
	parent, base := dirAndBase(path)
	if base == "" {
		return nil
	}
	unlock, err := a.lock(ctx, path)
	if err != nil {
		return err
	}
	defer unlock()

	pdir, err := a.isDir("mkdir", parent)
	if err != nil {
		return err
	}
	if !pdir {
		return notExist("mkdir", path)
	}
	if err := a.fs.Mkdir(path, 0o755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			dir, serr := a.isDir("mkdir", path)
			if serr == nil && dir {
				return nil
			}
			return ioError("mkdir", path, fs.ErrExist)
		}
		return classify("mkdir", path, err)
	}
	return nil
}

func (a *aferoFS) Remove(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path = Clean(path)
	if path == "/" {
		return ioError("remove", path, errors.New("can not remove root"))
	}
	unlock, err := a.lock(ctx, path)
	if err != nil {
		return err
	}
	defer unlock()

	if _, err := a.fs.Stat(path); err != nil {
		return classify("remove", path, err)
	}
	return classify("remove", path, a.fs.RemoveAll(path))
}

func (a *aferoFS) Exists(ctx context.Context, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	path = Clean(path)
	_, err := a.fs.Stat(path)
	if err == nil {
		return true, nil
	}
	if err := classify("stat", path, err); !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	return false, nil
}
