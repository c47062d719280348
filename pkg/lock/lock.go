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

// Package lock reads npm package-lock.json files (lockfileVersion 2 and 3)
// and turns them into the resolved manifest the installer consumes.
package lock

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// PackageLock is the subset of package-lock.json this module understands.
type PackageLock struct {
	Name            string   `json:"name"`
	Version         string   `json:"version"`
	LockfileVersion int      `json:"lockfileVersion"`
	Requires        bool     `json:"requires,omitempty"`
	Packages        Packages `json:"packages"`
}

// Package is one entry of the "packages" map. The map key is the install
// path, "" for the project itself.
type Package struct {
	Name                 string            `json:"name,omitempty"`
	Version              string            `json:"version,omitempty"`
	Resolved             string            `json:"resolved,omitempty"`
	Integrity            string            `json:"integrity,omitempty"`
	Shasum               string            `json:"shasum,omitempty"`
	License              string            `json:"license,omitempty"`
	Dependencies         map[string]string `json:"dependencies,omitempty"`
	DevDependencies      map[string]string `json:"devDependencies,omitempty"`
	OptionalDependencies map[string]string `json:"optionalDependencies,omitempty"`
	PeerDependencies     map[string]string `json:"peerDependencies,omitempty"`
	Dev                  bool              `json:"dev,omitempty"`
	Optional             bool              `json:"optional,omitempty"`
	DevOptional          bool              `json:"devOptional,omitempty"`
	Peer                 bool              `json:"peer,omitempty"`
	Link                 bool              `json:"link,omitempty"`
	OS                   []string          `json:"os,omitempty"`
	CPU                  []string          `json:"cpu,omitempty"`
}

// Packages keeps the entries of the "packages" object in file order, which
// is what makes installation order reproducible.
type Packages struct {
	Paths  []string
	ByPath  map[string]*Package
}

// Get returns the entry installed at path.
func (p Packages) Get(path string) (*Package, bool) {
	pkg, ok := p.ByPath[path]
	return pkg, ok
}

// Len is the number of entries.
func (p Packages) Len() int { return len(p.Paths) }

// UnmarshalJSON decodes the object token by token to keep key order.
func (p *Packages) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("packages: expected object, got %v", tok)
	}

	p.Paths = nil
	p.ByPath = map[string]*Package{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("packages: expected key, got %v", tok)
		}
		pkg := &Package{}
		if err := dec.Decode(pkg); err != nil {
			return fmt.Errorf("packages[%q]: %w", key, err)
		}
		if _, dup := p.ByPath[key]; !dup {
			p.Paths = append(p.Paths, key)
		}
		p.ByPath[key] = pkg
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	return nil
}

// Parse decodes a package-lock.json document.
func Parse(b []byte) (PackageLock, error) {
	var lock PackageLock
	if err := json.Unmarshal(b, &lock); err != nil {
		return PackageLock{}, fmt.Errorf("failed to parse lockfile: %w", err)
	}
	if lock.LockfileVersion < 2 {
		return PackageLock{}, fmt.Errorf("unsupported lockfileVersion %d, regenerate it with npm 7 or later", lock.LockfileVersion)
	}
	if lock.Packages.ByPath == nil {
		return PackageLock{}, errors.New("lockfile has no packages")
	}
	return lock, nil
}

// FromFile reads and parses the lockfile at lockFile.
func FromFile(lockFile string) (PackageLock, error) {
	payload, err := os.ReadFile(lockFile)
	if err != nil {
		return PackageLock{}, fmt.Errorf("failed to load lockfile: %w", err)
	}
	return Parse(payload)
}

