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
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chainguard-dev/clog"
	"github.com/klauspost/compress/gzip"

	"chainguard.dev/linkfs/pkg/limitio"
	"chainguard.dev/linkfs/pkg/paths"
)

// File is one regular file from a package tarball, relative to the package
// root.
type File struct {
	Path paths.Path
	Data []byte
}

// Extract reads a gzipped npm tarball. The leading directory every npm
// tarball wraps its contents in ("package/" usually) is dropped. Only
// regular files are returned; paths that would escape the package or that
// use the link marker name are rejected. At most limit bytes are
// decompressed, a negative limit disables the check.
func Extract(ctx context.Context, data []byte, limit int64) ([]File, error) {
	log := clog.FromContext(ctx)

	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("opening gzip stream: %w", err)
	}
	defer zr.Close()

	var files []File
	tr := tar.NewReader(limitio.NewReader(zr, limit))
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return nil, fmt.Errorf("reading tar: %w", err)
		}

		switch hdr.Typeflag {
		case tar.TypeReg, tar.TypeRegA: //nolint:staticcheck // old npm tarballs use TypeRegA
		case tar.TypeDir:
			continue
		default:
			log.Debugf("skipping %s: unsupported tar entry type %q", hdr.Name, hdr.Typeflag)
			continue
		}

		_, rel, ok := strings.Cut(strings.TrimPrefix(hdr.Name, "./"), "/")
		if !ok || rel == "" {
			continue
		}
		p, err := paths.Normalize(rel)
		if err != nil {
			return nil, fmt.Errorf("tar entry %q: %w", hdr.Name, err)
		}
		if p.IsRoot() {
			continue
		}

		b, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", hdr.Name, err)
		}
		files = append(files, File{Path: p, Data: b})
	}
	return files, nil
}
