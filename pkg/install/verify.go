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
	"crypto/sha1" //nolint:gosec // npm shasum is sha1
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"chainguard.dev/linkfs/pkg/graph"
)

// strongest first
var sriAlgorithms = []struct {
	name string
	new  func() hash.Hash
}{
	{"sha512", sha512.New},
	{"sha384", sha512.New384},
	{"sha256", sha256.New},
	{"sha1", sha1.New},
}

// Verify checks data against the source's integrity string, falling back to
// the hex sha1 shasum. A source with neither is accepted as is.
func Verify(src graph.Source, data []byte) error {
	if src.Integrity != "" {
		return verifySRI(src.Integrity, data)
	}
	if src.Shasum != "" {
		h := sha1.New() //nolint:gosec
		h.Write(data)
		if got := hex.EncodeToString(h.Sum(nil)); !strings.EqualFold(got, src.Shasum) {
			return fmt.Errorf("%w: shasum %s, expected %s", ErrIntegrity, got, src.Shasum)
		}
	}
	return nil
}

// verifySRI checks the strongest hash in a subresource integrity string,
// which may list several space separated "<alg>-<base64>" entries.
func verifySRI(sri string, data []byte) error {
	byAlg := map[string][]string{}
	for _, f := range strings.Fields(sri) {
		alg, digest, ok := strings.Cut(f, "-")
		if !ok {
			continue
		}
		// options after '?' are allowed and ignored
		digest, _, _ = strings.Cut(digest, "?")
		byAlg[alg] = append(byAlg[alg], digest)
	}

	for _, a := range sriAlgorithms {
		want, ok := byAlg[a.name]
		if !ok {
			continue
		}
		h := a.new()
		h.Write(data)
		got := base64.StdEncoding.EncodeToString(h.Sum(nil))
		for _, w := range want {
			if got == w {
				return nil
			}
		}
		return fmt.Errorf("%w: %s-%s, expected %s", ErrIntegrity, a.name, got, strings.Join(want, " or "))
	}
	return fmt.Errorf("%w: no supported algorithm in %q", ErrIntegrity, sri)
}
