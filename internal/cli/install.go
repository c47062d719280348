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
	"path/filepath"

	"github.com/chainguard-dev/clog"
	"github.com/spf13/cobra"

	"chainguard.dev/linkfs/pkg/config"
	"chainguard.dev/linkfs/pkg/install"
	"chainguard.dev/linkfs/pkg/lock"
)

func installCmd(ro *rootOptions) *cobra.Command {
	var omit []string
	var jobs int
	var storeRoot, projectRoot string

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install the packages of an npm lockfile",
		Long: `Install the packages of an npm lockfile.

Every package is written once to the store and linked from the project's
node_modules and from the node_modules of the packages depending on it.
Relative tarball paths in the lockfile are taken from the lockfile's
directory.
`,
		Example: `  linkfs install package-lock.json --project-root /app --omit dev`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := ro.cfg
			flags := cmd.Flags()
			if flags.Changed("omit") {
				cfg.Omit = omit
			}
			if flags.Changed("jobs") {
				cfg.Jobs = jobs
			}
			if flags.Changed("store-root") {
				cfg.StoreRoot = storeRoot
			}
			if flags.Changed("project-root") {
				cfg.ProjectRoot = projectRoot
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return InstallCmd(cmd.Context(), cmd.OutOrStdout(), cfg, args[0])
		},
	}

	cmd.Flags().StringSliceVar(&omit, "omit", nil, "dependency types to leave out: dev, optional, peer")
	cmd.Flags().IntVarP(&jobs, "jobs", "j", install.DefaultJobs, "how many packages to install at once")
	cmd.Flags().StringVar(&storeRoot, "store-root", install.DefaultStoreRoot, "where store entries live")
	cmd.Flags().StringVar(&projectRoot, "project-root", install.DefaultProjectRoot, "directory whose node_modules receives the direct dependencies")

	return cmd
}

func InstallCmd(ctx context.Context, w io.Writer, cfg config.Config, lockFile string) error {
	log := clog.FromContext(ctx)
	cfg.Summarize(log)

	pl, err := lock.FromFile(lockFile)
	if err != nil {
		return err
	}
	fsys, err := cfg.FS()
	if err != nil {
		return err
	}
	opts, err := cfg.InstallOptions(filepath.Dir(lockFile))
	if err != nil {
		return err
	}
	opts = append(opts, install.WithUserAgent(userAgent()))

	inst, err := install.New(fsys, opts...)
	if err != nil {
		return err
	}
	report, err := inst.InstallDependencies(ctx, pl)
	if report != nil {
		fmt.Fprintf(w, "installed %d, reused %d, linked %d\n", report.Installed, report.Reused, report.Linked)
		for _, id := range report.Failed {
			fmt.Fprintf(w, "failed %s\n", id)
		}
	}
	return err
}
