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
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"chainguard.dev/linkfs/pkg/config"
	"chainguard.dev/linkfs/pkg/graph"
	"chainguard.dev/linkfs/pkg/lock"
)

func dotCmd(ro *rootOptions) *cobra.Command {
	var omit []string
	cmd := &cobra.Command{
		Use:   "dot",
		Short: "Output a digraph of the packages in an npm lockfile",
		Long: `Output a digraph of the packages in an npm lockfile.

# Render an svg of package-lock.json
linkfs dot package-lock.json | dot -Tsvg > graph.svg
`,
		Example: `  linkfs dot <package-lock.json>`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("omit") {
				omit = ro.cfg.Omit
			}
			parsed := make([]lock.Omit, 0, len(omit))
			for _, o := range omit {
				p, err := lock.ParseOmit(o)
				if err != nil {
					return err
				}
				parsed = append(parsed, p)
			}
			return DotCmd(cmd.Context(), cmd.OutOrStdout(), args[0], parsed...)
		},
	}
	cmd.Flags().StringSliceVar(&omit, "omit", nil, "dependency types to leave out: dev, optional, peer")
	return cmd
}

func DotCmd(ctx context.Context, w io.Writer, lockFile string, omit ...lock.Omit) error {
	pl, err := lock.FromFile(lockFile)
	if err != nil {
		return err
	}
	m, err := pl.Manifest(ctx, lock.Options{Omit: omit})
	if err != nil {
		return err
	}
	g, err := graph.Build(ctx, m)
	if err != nil {
		return err
	}

	project := pl.Name
	if project == "" {
		project = strings.TrimSuffix(filepath.Base(lockFile), filepath.Ext(lockFile))
	}
	_, err = fmt.Fprintln(w, g.Dot(project).String())
	return err
}

func showConfigCmd(ro *rootOptions) *cobra.Command {
	var schema bool
	cmd := &cobra.Command{
		Use:   "show-config",
		Short: "Show the configuration after defaults, config file and flags are applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if schema {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(config.Schema(nil))
			}
			return ShowConfigCmd(cmd.OutOrStdout(), ro.cfg)
		},
	}
	cmd.Flags().BoolVar(&schema, "schema", false, "print the JSON schema of the config file instead")
	return cmd
}

func ShowConfigCmd(w io.Writer, cfg config.Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode YAML document: %w", err)
	}
	return enc.Close()
}
