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
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"chainguard.dev/linkfs/pkg/fuse"
	"chainguard.dev/linkfs/pkg/paths"
)

func lsCmd(ro *rootOptions) *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:     "ls",
		Short:   "List a directory, following fuse links",
		Example: `  linkfs ls -l /app/node_modules`,
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "/"
			if len(args) == 1 {
				dir = args[0]
			}
			fsys, err := ro.fs()
			if err != nil {
				return err
			}
			return LsCmd(cmd.Context(), cmd.OutOrStdout(), fsys, dir, long)
		},
	}
	cmd.Flags().BoolVarP(&long, "long", "l", false, "show sizes and link targets")
	return cmd
}

// LsCmd lists dir. In long form, entries that are links show their target.
func LsCmd(ctx context.Context, w io.Writer, fsys *fuse.FS, dir string, long bool) error {
	entries, err := fsys.ReadDir(ctx, dir)
	if err != nil {
		return err
	}
	if !long {
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() {
				name += "/"
			}
			fmt.Fprintln(w, name)
		}
		return nil
	}

	parent, err := fsys.Resolve(ctx, dir)
	if err != nil {
		return err
	}
	base, err := paths.Normalize(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			return err
		}
		if !e.IsDir() {
			fmt.Fprintf(w, "-  %8s  %s\n", humanize.Bytes(uint64(info.Size())), e.Name())
			continue
		}
		child, err := fsys.Resolve(ctx, base.Append(e.Name()).String())
		if err != nil {
			// dangling links are still listed
			fmt.Fprintf(w, "l  %8s  %s -> ? (%v)\n", "", e.Name(), err)
			continue
		}
		if len(child.Hops) > len(parent.Hops) {
			fmt.Fprintf(w, "l  %8s  %s -> %s\n", "", e.Name(), child.Hops[len(child.Hops)-1].Target)
			continue
		}
		fmt.Fprintf(w, "d  %8s  %s/\n", "", e.Name())
	}
	return nil
}

func catCmd(ro *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "cat",
		Short:   "Print a file, following fuse links",
		Example: `  linkfs cat /app/node_modules/is-odd/package.json`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fsys, err := ro.fs()
			if err != nil {
				return err
			}
			return CatCmd(cmd.Context(), cmd.OutOrStdout(), fsys, args[0])
		},
	}
}

func CatCmd(ctx context.Context, w io.Writer, fsys *fuse.FS, path string) error {
	b, err := fsys.ReadFile(ctx, path)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

func writeCmd(ro *rootOptions) *cobra.Command {
	var from string
	cmd := &cobra.Command{
		Use:   "write",
		Short: "Write a file from stdin or a host file, creating parent directories",
		Example: `  echo hi | linkfs write /app/hello.txt
  linkfs write /app/package.json --from package.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r := cmd.InOrStdin()
			if from != "" {
				f, err := os.Open(from)
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			fsys, err := ro.fs()
			if err != nil {
				return err
			}
			return WriteCmd(cmd.Context(), fsys, args[0], r)
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "host file to copy instead of reading stdin")
	return cmd
}

func WriteCmd(ctx context.Context, fsys *fuse.FS, path string, r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	return fsys.WriteFile(ctx, path, b)
}

func mkdirCmd(ro *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir",
		Short: "Create a directory and its parents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fsys, err := ro.fs()
			if err != nil {
				return err
			}
			for _, dir := range args {
				if err := fsys.MkdirAll(cmd.Context(), dir); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func rmCmd(ro *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rm",
		Short: "Remove a file or directory tree",
		Long: `Remove a file or directory tree.

When the last element is a link, the link itself is removed and its target
is left alone.
`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fsys, err := ro.fs()
			if err != nil {
				return err
			}
			for _, p := range args {
				if err := fsys.Remove(cmd.Context(), p); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
