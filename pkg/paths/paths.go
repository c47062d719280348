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

// Package paths implements the logical path model shared by the overlay
// filesystem and the installer.
package paths

import (
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
)

const (
	// Separator is the only separator accepted in logical paths.
	Separator = "/"

	// LinkMarker is the reserved file name of a fuse link marker. Any entry
	// with this name inside a directory is a link marker, never ordinary
	// content, so it can not be used as a path segment.
	LinkMarker = "fuse.link"
)

// ErrInvalidPath is the kind of every path normalization failure.
var ErrInvalidPath = errors.New("invalid path")

// InvalidPathError describes why a raw path was rejected.
type InvalidPathError struct {
	Raw    string
	Reason string
}

func (e *InvalidPathError) Error() string {
	return fmt.Sprintf("invalid path %q: %s", e.Raw, e.Reason)
}

func (e *InvalidPathError) Is(target error) bool {
	return target == ErrInvalidPath
}

// Path is a normalized, immutable sequence of non-empty segments anchored at
// the logical root. The zero value is the root.
type Path struct {
	segs []string
}

// Root returns the root path.
func Root() Path { return Path{} }

// Normalize parses raw into a Path. Absolute and relative forms are both
// anchored at the root; "." segments are dropped and ".." pops a segment.
func Normalize(raw string) (Path, error) {
	if raw == "" {
		return Path{}, &InvalidPathError{Raw: raw, Reason: "empty"}
	}
	if strings.ContainsAny(raw, "\\\x00") {
		return Path{}, &InvalidPathError{Raw: raw, Reason: "illegal separator"}
	}

	segs := make([]string, 0, strings.Count(raw, Separator)+1)
	for _, seg := range strings.Split(raw, Separator) {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(segs) == 0 {
				return Path{}, &InvalidPathError{Raw: raw, Reason: "escapes root"}
			}
			segs = segs[:len(segs)-1]
		case LinkMarker:
			return Path{}, &InvalidPathError{Raw: raw, Reason: "reserved segment " + LinkMarker}
		default:
			segs = append(segs, seg)
		}
	}
	return Path{segs: segs}, nil
}

// MustNormalize is like Normalize but panics on error. It is meant for
// constants and tests.
func MustNormalize(raw string) Path {
	p, err := Normalize(raw)
	if err != nil {
		panic(err)
	}
	return p
}

// IsRelative reports whether raw is written without a leading separator.
// Normalize anchors both forms at the root, so callers that care about the
// difference must ask before normalizing.
func IsRelative(raw string) bool {
	return !strings.HasPrefix(raw, Separator)
}

// Join normalizes rel and appends it to base.
func Join(base Path, rel string) (Path, error) {
	if rel == "" {
		return base, nil
	}
	r, err := Normalize(rel)
	if err != nil {
		return Path{}, err
	}
	return base.Append(r.segs...), nil
}

// Append returns a new path with segs added. Segments are taken as-is and
// must already be valid.
func (p Path) Append(segs ...string) Path {
	out := make([]string, 0, len(p.segs)+len(segs))
	out = append(out, p.segs...)
	out = append(out, segs...)
	return Path{segs: out}
}

// Concat appends every segment of q to p.
func (p Path) Concat(q Path) Path {
	return p.Append(q.segs...)
}

// Parent returns the containing path, or false for the root.
func (p Path) Parent() (Path, bool) {
	if len(p.segs) == 0 {
		return Path{}, false
	}
	return Path{segs: p.segs[:len(p.segs)-1:len(p.segs)-1]}, true
}

// Base returns the last segment, or "" for the root.
func (p Path) Base() string {
	if len(p.segs) == 0 {
		return ""
	}
	return p.segs[len(p.segs)-1]
}

func (p Path) Len() int { return len(p.segs) }

func (p Path) IsRoot() bool { return len(p.segs) == 0 }

// Seg returns the i-th segment.
func (p Path) Seg(i int) string { return p.segs[i] }

// Equal compares segment-wise.
func (p Path) Equal(q Path) bool {
	if len(p.segs) != len(q.segs) {
		return false
	}
	for i := range p.segs {
		if p.segs[i] != q.segs[i] {
			return false
		}
	}
	return true
}

// String renders the absolute, slash separated form.
func (p Path) String() string {
	return Separator + strings.Join(p.segs, Separator)
}

// Marker returns the physical storage location of the link marker inside
// the directory p. The result is a storage path, not a Path, since the
// marker name is not a valid segment.
func (p Path) Marker() string {
	if len(p.segs) == 0 {
		return Separator + LinkMarker
	}
	return p.String() + Separator + LinkMarker
}

// ResolvePath returns p if it exists on the host, or the first existing
// candidate under includePaths.
func ResolvePath(p string, includePaths []string) (string, error) {
	_, err := os.Stat(p)
	if err == nil {
		return p, nil
	}
	for _, pathPrefix := range includePaths {
		resolvedPath := path.Join(pathPrefix, p)
		_, err := os.Stat(resolvedPath)
		if err == nil {
			return resolvedPath, nil
		}
	}
	return "", os.ErrNotExist
}
