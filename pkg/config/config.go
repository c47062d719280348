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

// Package config holds the settings of the linkfs command line, read from a
// YAML file and overridden by flags.
package config

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"reflect"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/dustin/go-humanize"
	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"

	"chainguard.dev/linkfs/pkg/fs"
	"chainguard.dev/linkfs/pkg/fuse"
	"chainguard.dev/linkfs/pkg/install"
	"chainguard.dev/linkfs/pkg/lock"
	"chainguard.dev/linkfs/pkg/paths"
)

//go:generate go run ../../internal/gen-jsonschema -o linkfs.schema.json

// DefaultFile is looked up when no config file is named.
const DefaultFile = ".linkfs.yaml"

type Config struct {
	// StorageDir is the host directory backing the storage namespace.
	StorageDir string `json:"storageDir,omitempty" yaml:"storageDir"`
	// StoreRoot and ProjectRoot are paths inside the namespace.
	StoreRoot   string `json:"storeRoot,omitempty" yaml:"storeRoot"`
	ProjectRoot string `json:"projectRoot,omitempty" yaml:"projectRoot"`

	Jobs int      `json:"jobs,omitempty" yaml:"jobs"`
	Omit []string `json:"omit,omitempty" yaml:"omit"`

	// LinkCacheSize and TarballCacheSize bound the marker and tarball
	// caches. Zero turns a cache off; an omitted key keeps the default.
	LinkCacheSize    int           `json:"linkCacheSize,omitempty" yaml:"linkCacheSize"`
	TarballCacheSize int           `json:"tarballCacheSize,omitempty" yaml:"tarballCacheSize"`
	StaleLockAge     time.Duration `json:"staleLockAge,omitempty" yaml:"staleLockAge"`

	// Size bounds such as "256MiB", or "unlimited".
	MaxTarballSize  string `json:"maxTarballSize,omitempty" yaml:"maxTarballSize"`
	MaxUnpackedSize string `json:"maxUnpackedSize,omitempty" yaml:"maxUnpackedSize"`

	// LogPolicy lists log targets. Empty means the interactive logger on
	// stderr.
	LogPolicy []string `json:"logPolicy,omitempty" yaml:"logPolicy"`
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		StorageDir:       ".linkfs",
		StoreRoot:        install.DefaultStoreRoot,
		ProjectRoot:      install.DefaultProjectRoot,
		Jobs:             install.DefaultJobs,
		LinkCacheSize:    1024,
		TarballCacheSize: install.DefaultTarballCacheSize,
		StaleLockAge:     install.DefaultStaleLockAge,
		MaxTarballSize:   humanize.IBytes(install.DefaultMaxTarballSize),
		MaxUnpackedSize:  humanize.IBytes(install.DefaultMaxUnpackedSize),
	}
}

// Load reads configPath, looking it up under includePaths when it is not
// found as given, over the defaults. Unknown keys are an error.
func (c *Config) Load(configPath string, includePaths []string) error {
	resolved, err := paths.ResolvePath(configPath, includePaths)
	if err != nil {
		return fmt.Errorf("failed to find config file %s: %w", configPath, err)
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", resolved, err)
	}
	return nil
}

// Validate checks the settings and fills in anything left empty. Cache sizes
// are left alone since zero is a valid setting.
func (c *Config) Validate() error {
	d := Default()
	if c.StorageDir == "" {
		c.StorageDir = d.StorageDir
	}
	if c.StoreRoot == "" {
		c.StoreRoot = d.StoreRoot
	}
	if c.ProjectRoot == "" {
		c.ProjectRoot = d.ProjectRoot
	}
	if c.Jobs == 0 {
		c.Jobs = d.Jobs
	}
	if c.StaleLockAge == 0 {
		c.StaleLockAge = d.StaleLockAge
	}
	if c.MaxTarballSize == "" {
		c.MaxTarballSize = d.MaxTarballSize
	}
	if c.MaxUnpackedSize == "" {
		c.MaxUnpackedSize = d.MaxUnpackedSize
	}

	if c.Jobs < 0 {
		return fmt.Errorf("jobs must be positive, got %d", c.Jobs)
	}
	if c.LinkCacheSize < 0 || c.TarballCacheSize < 0 {
		return fmt.Errorf("cache sizes must not be negative")
	}
	for _, p := range []string{c.StoreRoot, c.ProjectRoot} {
		if paths.IsRelative(p) {
			return fmt.Errorf("root %q must be absolute within the storage namespace", p)
		}
		if _, err := paths.Normalize(p); err != nil {
			return err
		}
	}
	if _, err := c.omit(); err != nil {
		return err
	}
	if _, _, err := c.sizeLimits(); err != nil {
		return err
	}
	return nil
}

func parseSize(s string) (int64, error) {
	if s == "unlimited" {
		return -1, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n == 0 || n > math.MaxInt64 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return int64(n), nil
}

func (c *Config) sizeLimits() (tarball, unpacked int64, err error) {
	if tarball, err = parseSize(c.MaxTarballSize); err != nil {
		return 0, 0, err
	}
	if unpacked, err = parseSize(c.MaxUnpackedSize); err != nil {
		return 0, 0, err
	}
	return tarball, unpacked, nil
}

func (c *Config) omit() ([]lock.Omit, error) {
	out := make([]lock.Omit, 0, len(c.Omit))
	for _, o := range c.Omit {
		parsed, err := lock.ParseOmit(o)
		if err != nil {
			return nil, err
		}
		out = append(out, parsed)
	}
	return out, nil
}

// Storage opens the host directory backing the namespace.
func (c *Config) Storage() (fs.Storage, error) {
	return fs.DirFS(c.StorageDir)
}

// FS opens the link-aware view of the namespace.
func (c *Config) FS() (*fuse.FS, error) {
	storage, err := c.Storage()
	if err != nil {
		return nil, err
	}
	return fuse.New(storage, fuse.WithLinkCache(c.LinkCacheSize))
}

// InstallOptions turns the settings into installer options. baseDir
// anchors relative tarball paths.
func (c *Config) InstallOptions(baseDir string) ([]install.Option, error) {
	omit, err := c.omit()
	if err != nil {
		return nil, err
	}
	tarball, unpacked, err := c.sizeLimits()
	if err != nil {
		return nil, err
	}
	return []install.Option{
		install.WithStoreRoot(c.StoreRoot),
		install.WithProjectRoot(c.ProjectRoot),
		install.WithJobs(c.Jobs),
		install.WithStaleLockAge(c.StaleLockAge),
		install.WithTarballCacheSize(c.TarballCacheSize),
		install.WithBaseDir(baseDir),
		install.WithSizeLimits(tarball, unpacked),
		install.WithOmit(omit...),
	}, nil
}

// Schema describes the config file. r may carry doc comments loaded with
// AddGoComments; nil reflects the bare types.
func Schema(r *jsonschema.Reflector) *jsonschema.Schema {
	if r == nil {
		r = &jsonschema.Reflector{}
	}
	// durations are written the way time.ParseDuration reads them
	r.Mapper = func(t reflect.Type) *jsonschema.Schema {
		if t == reflect.TypeOf(time.Duration(0)) {
			return &jsonschema.Schema{Type: "string", Pattern: `^([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`}
		}
		return nil
	}
	return r.Reflect(&Config{})
}

// Summarize logs the effective settings.
func (c *Config) Summarize(log *clog.Logger) {
	log.Infof("configuration:")
	log.Infof("  storage dir:  %s", c.StorageDir)
	log.Infof("  store root:   %s", c.StoreRoot)
	log.Infof("  project root: %s", c.ProjectRoot)
	log.Infof("  jobs:         %d", c.Jobs)
	if len(c.Omit) != 0 {
		log.Infof("  omit:         %v", c.Omit)
	}
}
