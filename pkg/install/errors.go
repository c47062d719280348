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
	"errors"
	"fmt"

	"chainguard.dev/linkfs/pkg/graph"
)

var (
	// ErrConcurrentWrite is returned when another writer held a store
	// entry's lock for longer than the stale lock age.
	ErrConcurrentWrite = errors.New("store entry is being written by another installer")

	// ErrIntegrity is returned when a tarball does not match its hash.
	ErrIntegrity = errors.New("integrity check failed")

	// ErrDependencyFailed marks packages skipped because something they
	// depend on could not be installed.
	ErrDependencyFailed = errors.New("dependency failed")
)

// PackageError is the failure of a single package.
type PackageError struct {
	Package graph.Identity
	Err     error
}

func (e *PackageError) Error() string {
	return fmt.Sprintf("installing %s: %v", e.Package, e.Err)
}

func (e *PackageError) Unwrap() error { return e.Err }
