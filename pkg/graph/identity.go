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

package graph

import (
	"encoding/binary"
	"encoding/hex"
	"strings"

	purl "github.com/package-url/packageurl-go"
	"github.com/zeebo/blake3"
)

// Identity names one resolved package version. Integrity is the content hash
// the version was resolved with, so two tarballs published under the same
// name and version never share a store entry.
//
// Variant tells apart installs of one version whose dependencies resolve to
// different packages. Each variant gets its own store entry, since dependency
// links live inside the entry.
type Identity struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Integrity string `json:"integrity,omitempty"`
	Variant   string `json:"variant,omitempty"`
}

func (id Identity) String() string {
	if id.Variant != "" {
		return id.Name + "@" + id.Version + "+" + id.Variant
	}
	return id.Name + "@" + id.Version
}

// Fingerprint returns the hex BLAKE3 digest of the identity. Fields are
// length prefixed so that no two distinct identities collide on a shared
// boundary. An empty Variant is not hashed at all.
func (id Identity) Fingerprint() string {
	h := blake3.New()
	var buf []byte
	fields := []string{id.Name, id.Version, id.Integrity}
	if id.Variant != "" {
		fields = append(fields, id.Variant)
	}
	for _, f := range fields {
		buf = binary.AppendUvarint(buf[:0], uint64(len(f)))
		_, _ = h.Write(buf)
		_, _ = h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// PURL renders the identity as an npm package URL.
func (id Identity) PURL() string {
	namespace, name := "", id.Name
	if scope, rest, ok := strings.Cut(id.Name, "/"); ok && strings.HasPrefix(scope, "@") {
		namespace, name = scope, rest
	}
	return purl.NewPackageURL(purl.TypeNPM, namespace, name, id.Version, nil, "").ToString()
}
