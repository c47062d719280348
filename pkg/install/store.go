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
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
	"golang.org/x/time/rate"

	"chainguard.dev/linkfs/pkg/fs"
	"chainguard.dev/linkfs/pkg/fuse"
	"chainguard.dev/linkfs/pkg/graph"
	"chainguard.dev/linkfs/pkg/paths"
)

const (
	stateDir     = ".state"
	lockSuffix   = ".lock"
	doneSuffix   = ".done"
	nodeModules  = "node_modules"
	fpPrefixSize = 16
)

// Installers in one process that share a Storage share the in-process half
// of the per-fingerprint coordination.
var storeLocks sync.Map // storeKey -> *fs.KeyedMutex

type storeKey struct {
	storage fs.Storage
	root    string
}

// store owns the layout of the store root and the coordination markers
// that keep two writers off the same entry.
type store struct {
	fsys  *fuse.FS
	root  paths.Path
	locks *fs.KeyedMutex

	staleAge     time.Duration
	pollInterval time.Duration
	now          func() time.Time
}

func newStore(fsys *fuse.FS, root paths.Path, staleAge, pollInterval time.Duration) *store {
	km, _ := storeLocks.LoadOrStore(storeKey{storage: fsys.Storage(), root: root.String()}, &fs.KeyedMutex{})
	return &store{
		fsys:         fsys,
		root:         root,
		locks:        km.(*fs.KeyedMutex),
		staleAge:     staleAge,
		pollInterval: pollInterval,
		now:          time.Now,
	}
}

// nameSegments splits a package name into path segments. Scoped names
// ("@scope/name") take two.
func nameSegments(name string) ([]string, error) {
	segs := strings.Split(name, "/")
	if len(segs) > 2 || (len(segs) == 2 && !strings.HasPrefix(segs[0], "@")) {
		return nil, &paths.InvalidPathError{Raw: name, Reason: "not a package name"}
	}
	for _, s := range segs {
		if err := checkSegment(name, s); err != nil {
			return nil, err
		}
	}
	return segs, nil
}

func checkSegment(raw, s string) error {
	switch {
	case s == "", s == ".", s == "..", s == paths.LinkMarker, s == stateDir:
		return &paths.InvalidPathError{Raw: raw, Reason: fmt.Sprintf("illegal segment %q", s)}
	case strings.ContainsAny(s, "\\\x00"):
		return &paths.InvalidPathError{Raw: raw, Reason: "illegal separator"}
	}
	return nil
}

// entryPath is <root>/<name>/<version>-<fingerprint prefix>.
func (s *store) entryPath(n *graph.Node) (paths.Path, error) {
	id := n.ID()
	segs, err := nameSegments(id.Name)
	if err != nil {
		return paths.Path{}, err
	}
	leaf := id.Version + "-" + n.Fingerprint[:fpPrefixSize]
	if err := checkSegment(id.Version, leaf); err != nil || strings.Contains(leaf, "/") {
		return paths.Path{}, &paths.InvalidPathError{Raw: id.Version, Reason: "not a version"}
	}
	return s.root.Append(segs...).Append(leaf), nil
}

// slot is where dir's dependency on name is linked from.
func slot(dir paths.Path, name string) (paths.Path, error) {
	segs, err := nameSegments(name)
	if err != nil {
		return paths.Path{}, err
	}
	return dir.Append(nodeModules).Append(segs...), nil
}

func (s *store) marker(fp, suffix string) string {
	return s.root.Append(stateDir, fp+suffix).String()
}

func (s *store) done(ctx context.Context, fp string) (bool, error) {
	return s.fsys.Exists(ctx, s.marker(fp, doneSuffix))
}

// claim is a held store entry.
type claim struct {
	s      *store
	fp     string
	unlock func()
}

// acquire takes the entry for fp. When the entry is already complete the
// returned claim is nil and reused is true. Otherwise the caller owns the
// entry until release.
func (s *store) acquire(ctx context.Context, fp string) (c *claim, reused bool, err error) {
	log := clog.FromContext(ctx)

	unlock, err := s.locks.Lock(ctx, fp)
	if err != nil {
		return nil, false, err
	}
	defer func() {
		if c == nil {
			unlock()
		}
	}()

	if ok, err := s.done(ctx, fp); err != nil {
		return nil, false, err
	} else if ok {
		return nil, true, nil
	}

	// Another process may be writing the same entry.
	lockPath := s.marker(fp, lockSuffix)
	lim := rate.NewLimiter(rate.Every(s.pollInterval), 1)
	for waited := false; ; waited = true {
		b, err := s.fsys.ReadFile(ctx, lockPath)
		if errors.Is(err, fs.ErrNotExist) {
			break
		} else if err != nil {
			return nil, false, err
		}

		since, perr := time.Parse(time.RFC3339Nano, strings.TrimSpace(string(b)))
		if perr != nil {
			log.Warnf("taking over entry %s: unreadable lock %q", fp, b)
			break
		}
		age := s.now().Sub(since)
		if age >= s.staleAge {
			if !waited {
				log.Warnf("taking over entry %s: lock is %s old", fp, age.Round(time.Millisecond))
				break
			}
			return nil, false, fmt.Errorf("%w: lock held for %s", ErrConcurrentWrite, age.Round(time.Millisecond))
		}
		if err := lim.Wait(ctx); err != nil {
			return nil, false, err
		}
		if ok, err := s.done(ctx, fp); err != nil {
			return nil, false, err
		} else if ok {
			return nil, true, nil
		}
	}

	// the previous holder may have finished before letting go
	if ok, err := s.done(ctx, fp); err != nil {
		return nil, false, err
	} else if ok {
		return nil, true, nil
	}

	if err := s.fsys.WriteFile(ctx, lockPath, []byte(s.now().UTC().Format(time.RFC3339Nano)+"\n")); err != nil {
		return nil, false, err
	}
	return &claim{s: s, fp: fp, unlock: unlock}, false, nil
}

// commit marks the entry complete.
func (c *claim) commit(ctx context.Context) error {
	return c.s.fsys.WriteFile(ctx, c.s.marker(c.fp, doneSuffix), []byte(c.s.now().UTC().Format(time.RFC3339Nano)+"\n"))
}

// release drops the lock marker, even when ctx is already cancelled, so an
// abandoned install does not block the next one.
func (c *claim) release(ctx context.Context) {
	defer c.unlock()
	if err := c.s.fsys.Remove(context.WithoutCancel(ctx), c.s.marker(c.fp, lockSuffix)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		clog.FromContext(ctx).Warnf("removing lock for %s: %v", c.fp, err)
	}
}
