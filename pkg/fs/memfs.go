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
	"io/fs"
	"sync"
	"time"
)

type memFS struct {
	tree *node
}

// NewMemFS returns an empty in-memory Storage. Each node carries its own
// mutex, so writers to the same node are serialized while unrelated nodes
// proceed in parallel.
func NewMemFS() Storage {
	return &memFS{
		tree: &node{
			dir:      true,
			children: map[string]*node{},
			name:     "/",
			modTime:  time.Now(),
		},
	}
}

// getNode returns the node for the given path. If the path is not found,
// or a component is not a directory, it returns an error.
func (m *memFS) getNode(path string) (*node, error) {
	anode := m.tree
	for _, part := range split(path) {
		if !anode.dir {
			return nil, notExist("walk", path)
		}
		anode.mu.Lock()
		child, ok := anode.children[part]
		// unlock right away, the next iteration locks the child
		anode.mu.Unlock()
		if !ok {
			return nil, notExist("walk", path)
		}
		anode = child
	}
	return anode, nil
}

func (m *memFS) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	anode, err := m.getNode(path)
	if err != nil {
		return nil, err
	}
	if anode.dir {
		return nil, ioError("read", path, errors.New("is a directory"))
	}
	anode.mu.Lock()
	defer anode.mu.Unlock()
	out := make([]byte, len(anode.data))
	copy(out, anode.data)
	return out, nil
}

func (m *memFS) WriteFile(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	parent, base := dirAndBase(path)
	if base == "" {
		return ioError("write", path, errors.New("is a directory"))
	}
	pnode, err := m.getNode(parent)
	if err != nil {
		return err
	}
	if !pnode.dir {
		return notExist("write", path)
	}
	pnode.mu.Lock()
	anode, ok := pnode.children[base]
	if ok && anode.dir {
		pnode.mu.Unlock()
		return ioError("write", path, errors.New("is a directory"))
	}
	if !ok {
		anode = &node{name: base}
		pnode.children[base] = anode
	}
	pnode.mu.Unlock()

	buf := make([]byte, len(data))
	copy(buf, data)

	anode.mu.Lock()
	defer anode.mu.Unlock()
	anode.data = buf
	anode.modTime = time.Now()
	return nil
}

func (m *memFS) ReadDir(ctx context.Context, path string) ([]fs.DirEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	anode, err := m.getNode(path)
	if err != nil {
		return nil, err
	}
	if !anode.dir {
		return nil, ioError("readdir", path, errors.New("not a directory"))
	}
	anode.mu.Lock()
	de := make([]fs.DirEntry, 0, len(anode.children))
	for name, child := range anode.children {
		de = append(de, fs.FileInfoToDirEntry(child.fileInfo(name)))
	}
	anode.mu.Unlock()
	sortEntries(de)
	return de, nil
}

func (m *memFS) Mkdir(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	parent, base := dirAndBase(path)
	if base == "" {
		return nil
	}
	pnode, err := m.getNode(parent)
	if err != nil {
		return err
	}
	if !pnode.dir {
		return notExist("mkdir", path)
	}
	pnode.mu.Lock()
	defer pnode.mu.Unlock()
	if existing, ok := pnode.children[base]; ok {
		if existing.dir {
			return nil
		}
		return ioError("mkdir", path, fs.ErrExist)
	}
	pnode.children[base] = &node{
		name:     base,
		dir:      true,
		children: map[string]*node{},
		modTime:  time.Now(),
	}
	return nil
}

func (m *memFS) Remove(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	parent, base := dirAndBase(path)
	if base == "" {
		return ioError("remove", path, errors.New("can not remove root"))
	}
	pnode, err := m.getNode(parent)
	if err != nil {
		return err
	}
	if !pnode.dir {
		return notExist("remove", path)
	}
	pnode.mu.Lock()
	defer pnode.mu.Unlock()
	if _, ok := pnode.children[base]; !ok {
		return notExist("remove", path)
	}
	delete(pnode.children, base)
	return nil
}

func (m *memFS) Exists(ctx context.Context, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if _, err := m.getNode(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

type node struct {
	mu       sync.Mutex
	dir      bool
	name     string
	data     []byte
	modTime  time.Time
	children map[string]*node
}

func (n *node) fileInfo(name string) fs.FileInfo {
	return &memFileInfo{
		node: n,
		name: name,
	}
}

type memFileInfo struct {
	*node
	name string
}

func (m *memFileInfo) Name() string {
	return m.name
}
func (m *memFileInfo) Size() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.data))
}
func (m *memFileInfo) Mode() fs.FileMode {
	if m.dir {
		return fs.ModeDir | 0o755
	}
	return 0o644
}
func (m *memFileInfo) ModTime() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.modTime
}
func (m *memFileInfo) IsDir() bool {
	return m.dir
}
func (m *memFileInfo) Sys() any {
	return nil
}
