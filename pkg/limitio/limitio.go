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

// Package limitio bounds how much is read from a stream, so that a hostile
// tarball or server can not exhaust memory.
package limitio

import (
	"errors"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
)

// ErrLimitExceeded matches every *LimitError.
var ErrLimitExceeded = errors.New("size limit exceeded")

type LimitError struct {
	Limit int64
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("size limit exceeded: limit is %s", humanize.IBytes(uint64(e.Limit)))
}

func (e *LimitError) Is(target error) bool { return target == ErrLimitExceeded }

// Reader passes through up to limit bytes and fails with *LimitError when
// the stream holds more. Reading exactly limit bytes is not an error.
type Reader struct {
	r     io.Reader
	limit int64
	// remaining goes to -1 once an extra byte was seen
	remaining int64
}

// NewReader limits r. A negative limit means no limit and returns r itself.
func NewReader(r io.Reader, limit int64) io.Reader {
	if limit < 0 {
		return r
	}
	return &Reader{r: r, limit: limit, remaining: limit}
}

func (l *Reader) Read(p []byte) (int, error) {
	if l.remaining < 0 {
		return 0, &LimitError{Limit: l.limit}
	}
	// one byte past the limit tells a full stream from an oversized one
	if int64(len(p)) > l.remaining+1 {
		p = p[:l.remaining+1]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		return n - 1, &LimitError{Limit: l.limit}
	}
	return n, err
}

// ReadAll reads r to the end, failing once more than limit bytes arrive.
func ReadAll(r io.Reader, limit int64) ([]byte, error) {
	return io.ReadAll(NewReader(r, limit))
}
