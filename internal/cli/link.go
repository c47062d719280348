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

package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"chainguard.dev/linkfs/pkg/fuse"
)

func linkCmd(ro *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "link",
		Short: "Make a directory an alias of another",
		Long: `Make a directory an alias of another.

The link lives in storage as a marker file, so it survives restarts and is
visible to every process sharing the storage directory. Linking over an
existing link replaces it.
`,
		Example: `  linkfs link /app/node_modules/is-odd /stores/is-odd/3.0.1-0f1e2d3c4b5a6978`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fsys, err := ro.fs()
			if err != nil {
				return err
			}
			return fsys.FuseLink(cmd.Context(), args[0], args[1])
		},
	}
}

func unlinkCmd(ro *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "unlink",
		Short: "Remove a link, leaving its target in place",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fsys, err := ro.fs()
			if err != nil {
				return err
			}
			return fsys.Unlink(cmd.Context(), args[0])
		},
	}
}

func resolveCmd(ro *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "resolve",
		Short:   "Show the physical location of a path and the links followed to get there",
		Example: `  linkfs resolve /app/node_modules/is-odd/node_modules/is-number/index.js`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fsys, err := ro.fs()
			if err != nil {
				return err
			}
			return ResolveCmd(cmd.Context(), cmd.OutOrStdout(), fsys, args[0])
		},
	}
}

func ResolveCmd(ctx context.Context, w io.Writer, fsys *fuse.FS, path string) error {
	loc, err := fsys.Resolve(ctx, path)
	if err != nil {
		return err
	}
	for _, h := range loc.Hops {
		fmt.Fprintf(w, "%s -> %s\n", h.Link, h.Target)
	}
	fmt.Fprintln(w, loc.Physical)
	return nil
}
