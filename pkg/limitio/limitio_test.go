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

package limitio

import (
	"bytes"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/require"
)

func TestReadAll(t *testing.T) {
	for _, tc := range []struct {
		name    string
		input   string
		limit   int64
		wantErr bool
	}{
		{"under", "abc", 4, false},
		{"exact", "abcd", 4, false},
		{"over", "abcde", 4, true},
		{"empty", "", 0, false},
		{"zero limit", "a", 0, true},
		{"unlimited", strings.Repeat("x", 1<<16), -1, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			b, err := ReadAll(strings.NewReader(tc.input), tc.limit)
			if tc.wantErr {
				require.ErrorIs(t, err, ErrLimitExceeded)
				require.Len(t, b, int(tc.limit))
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.input, string(b))
		})
	}
}

func TestReaderSmallReads(t *testing.T) {
	// one byte per Read call
	r := NewReader(iotest.OneByteReader(bytes.NewReader([]byte("hello world"))), 5)
	b, err := ReadAll(r, -1)
	require.ErrorIs(t, err, ErrLimitExceeded)
	require.Equal(t, "hello", string(b))

	// sticky once exceeded
	_, err = r.Read(make([]byte, 8))
	require.ErrorIs(t, err, ErrLimitExceeded)
}

func TestLimitErrorMessage(t *testing.T) {
	require.Equal(t, "size limit exceeded: limit is 1.0 KiB", (&LimitError{Limit: 1024}).Error())
}
