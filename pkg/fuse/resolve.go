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

package fuse

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/chainguard-dev/clog"
	lru "github.com/hashicorp/golang-lru"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"chainguard.dev/linkfs/pkg/fs"
	"chainguard.dev/linkfs/pkg/paths"
)

// MaxHops is the maximum number of links followed while resolving a single
// path, the same budget the Linux kernel gives symlinks. A chain of exactly
// MaxHops links resolves; one more is reported as ErrLinkCycle.
const MaxHops = 40

// Hop is one redirection taken during resolution.
type Hop struct {
	// Link is the physical directory holding the marker.
	Link paths.Path
	// Target is where the marker pointed.
	Target paths.Path
}

// Location is the outcome of resolving a logical path.
type Location struct {
	Physical paths.Path
	Hops     []Hop
}

type resolver struct {
	storage fs.Storage
	// marker path -> paths.Path, nil when caching is off
	cache *lru.Cache
}

func (r *resolver) resolve(ctx context.Context, logical paths.Path) (Location, error) {
	ctx, span := otel.Tracer("linkfs").Start(ctx, "Resolve", trace.WithAttributes(attribute.String("path", logical.String())))
	defer span.End()

	loc := Location{}
	working := paths.Root()

	// a marker at the root redirects everything, listings included
	working, err := r.follow(ctx, working, &loc)
	if err != nil {
		return loc, &LinkError{Op: "resolve", Path: logical, Hops: loc.Hops, Err: err}
	}
	for i := 0; i < logical.Len(); i++ {
		working, err = r.follow(ctx, working.Append(logical.Seg(i)), &loc)
		if err != nil {
			return loc, &LinkError{Op: "resolve", Path: logical, Hops: loc.Hops, Err: err}
		}
	}
	loc.Physical = working

	if len(loc.Hops) > 0 {
		clog.FromContext(ctx).Debugf("resolved %s -> %s in %d hops", logical, working, len(loc.Hops))
	}
	span.SetAttributes(attribute.Int("hops", len(loc.Hops)))
	return loc, nil
}

// follow keeps redirecting dir while it carries a marker and returns the
// first directory that does not.
func (r *resolver) follow(ctx context.Context, dir paths.Path, loc *Location) (paths.Path, error) {
	for {
		target, ok, err := r.readMarker(ctx, dir)
		if err != nil {
			return dir, err
		}
		if !ok {
			return dir, nil
		}
		if len(loc.Hops) >= MaxHops {
			return dir, ErrLinkCycle
		}
		exists, err := r.storage.Exists(ctx, target.String())
		if err != nil {
			return dir, err
		}
		loc.Hops = append(loc.Hops, Hop{Link: dir, Target: target})
		if !exists {
			return dir, fmt.Errorf("%w: %s -> %s", ErrDanglingLink, dir, target)
		}
		dir = target
	}
}

// readMarker returns the target stored in dir's marker, if there is one.
func (r *resolver) readMarker(ctx context.Context, dir paths.Path) (paths.Path, bool, error) {
	marker := dir.Marker()
	if r.cache != nil {
		if v, ok := r.cache.Get(marker); ok {
			return v.(paths.Path), true, nil
		}
	}

	b, err := r.storage.ReadFile(ctx, marker)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		return paths.Path{}, false, nil
	case errors.Is(err, fs.ErrIO):
		// A directory with the reserved name is still a marker, just not
		// one that can be followed.
		if _, derr := r.storage.ReadDir(ctx, marker); derr == nil {
			return paths.Path{}, false, fmt.Errorf("%w: %s is a directory", ErrDanglingLink, marker)
		}
		return paths.Path{}, false, err
	default:
		return paths.Path{}, false, err
	}

	target, err := parseMarker(b)
	if err != nil {
		return paths.Path{}, false, fmt.Errorf("%w: %s: %w", ErrDanglingLink, marker, err)
	}
	if r.cache != nil {
		r.cache.Add(marker, target)
	}
	return target, true, nil
}

// parseMarker reads the target from the first line of a marker file.
func parseMarker(b []byte) (paths.Path, error) {
	line, _, _ := strings.Cut(string(b), "\n")
	line = strings.TrimSpace(line)
	if line == "" {
		return paths.Path{}, errors.New("empty marker")
	}
	return paths.Normalize(line)
}

func formatMarker(target paths.Path) []byte {
	return []byte(target.String() + "\n")
}

func (r *resolver) remember(dir, target paths.Path) {
	if r.cache != nil {
		r.cache.Add(dir.Marker(), target)
	}
}

// forget drops every cached marker at or below dir.
func (r *resolver) forget(dir paths.Path) {
	if r.cache == nil {
		return
	}
	prefix := dir.String()
	if !dir.IsRoot() {
		prefix += paths.Separator
	}
	for _, k := range r.cache.Keys() {
		if strings.HasPrefix(k.(string), prefix) {
			r.cache.Remove(k)
		}
	}
}
