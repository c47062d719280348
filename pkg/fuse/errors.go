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
	"errors"
	"fmt"

	"chainguard.dev/linkfs/pkg/paths"
)

var (
	// ErrLinkCycle is returned when resolution needs more than MaxHops link
	// hops, which includes every true cycle.
	ErrLinkCycle = errors.New("too many fuse link hops")

	// ErrDanglingLink is returned when a link marker can not be followed:
	// its target is missing, or its content is not a valid path.
	ErrDanglingLink = errors.New("dangling fuse link")
)

// LinkError records a resolution failure together with the hops taken
// before it happened.
type LinkError struct {
	Op   string
	Path paths.Path
	Hops []Hop
	Err  error
}

func (e *LinkError) Error() string {
	if len(e.Hops) == 0 {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
	}
	last := e.Hops[len(e.Hops)-1]
	return fmt.Sprintf("%s %s: %v (after %d hops, last %s -> %s)", e.Op, e.Path, e.Err, len(e.Hops), last.Link, last.Target)
}

func (e *LinkError) Unwrap() error { return e.Err }
