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
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/chainguard-dev/clog"
	"github.com/chainguard-dev/clog/slag"
	charmlog "github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"sigs.k8s.io/release-utils/version"

	"chainguard.dev/linkfs/pkg/config"
	"chainguard.dev/linkfs/pkg/fuse"
	linklog "chainguard.dev/linkfs/pkg/log"
)

// rootOptions are the flags every command shares, and the configuration
// they produce.
type rootOptions struct {
	workDir    string
	configFile string
	storageDir string
	logLevel   slag.Level
	logPolicy  []string

	cfg config.Config
}

func New() *cobra.Command {
	ro := &rootOptions{logLevel: slag.Level(slog.LevelInfo)}
	cwd, err := os.Getwd()
	if err != nil {
		cwd = ""
	}

	cmd := &cobra.Command{
		Use:               "linkfs",
		Short:             "Install npm lockfiles into a content-addressed store linked with fuse links",
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if ro.workDir != "" && ro.workDir != cwd {
				if err := os.Chdir(ro.workDir); err != nil {
					return fmt.Errorf("failed to change dir to %s: %w", ro.workDir, err)
				}
			}
			if err := ro.load(cmd); err != nil {
				return err
			}

			var h slog.Handler
			if len(ro.cfg.LogPolicy) != 0 {
				h, err = linklog.Handler(ro.cfg.LogPolicy, slog.Level(ro.logLevel))
				if err != nil {
					return err
				}
			} else {
				h = charmlog.NewWithOptions(os.Stderr, charmlog.Options{
					ReportTimestamp: true,
					Level:           charmlog.Level(ro.logLevel),
				})
			}
			slog.SetDefault(slog.New(h))
			cmd.SetContext(clog.WithLogger(cmd.Context(), clog.New(h)))
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&ro.workDir, "workdir", "C", cwd, "working dir (default is current dir where executed)")
	cmd.PersistentFlags().StringVarP(&ro.configFile, "config", "c", "", fmt.Sprintf("path to a config file (default %s when present)", config.DefaultFile))
	cmd.PersistentFlags().StringVar(&ro.storageDir, "storage-dir", "", "host directory backing the filesystem")
	cmd.PersistentFlags().Var(&ro.logLevel, "log-level", "log level (e.g. debug, info, warn, error)")
	cmd.PersistentFlags().StringSliceVar(&ro.logPolicy, "log-policy", nil, "log targets: builtin:stderr, builtin:stdout, builtin:discard or a file path")

	cmd.AddCommand(installCmd(ro))
	cmd.AddCommand(lsCmd(ro))
	cmd.AddCommand(catCmd(ro))
	cmd.AddCommand(writeCmd(ro))
	cmd.AddCommand(mkdirCmd(ro))
	cmd.AddCommand(rmCmd(ro))
	cmd.AddCommand(linkCmd(ro))
	cmd.AddCommand(unlinkCmd(ro))
	cmd.AddCommand(resolveCmd(ro))
	cmd.AddCommand(dotCmd(ro))
	cmd.AddCommand(showConfigCmd(ro))
	cmd.AddCommand(version.Version())

	return cmd
}

// load reads the config file, if any, and applies flag overrides.
func (ro *rootOptions) load(cmd *cobra.Command) error {
	ro.cfg = config.Default()
	switch {
	case ro.configFile != "":
		if err := ro.cfg.Load(ro.configFile, nil); err != nil {
			return err
		}
	default:
		if _, err := os.Stat(config.DefaultFile); err == nil {
			if err := ro.cfg.Load(config.DefaultFile, nil); err != nil {
				return err
			}
		} else if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("storage-dir") {
		ro.cfg.StorageDir = ro.storageDir
	}
	if flags.Changed("log-policy") {
		ro.cfg.LogPolicy = ro.logPolicy
	}
	return ro.cfg.Validate()
}

func (ro *rootOptions) fs() (*fuse.FS, error) {
	return ro.cfg.FS()
}

func userAgent() string {
	return fmt.Sprintf("linkfs/%s", version.GetVersionInfo().GitVersion)
}
