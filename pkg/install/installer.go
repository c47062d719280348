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

// Package install lays a dependency graph out on a fuse.FS. Each package
// version is written once into a content addressed store entry, and every
// place that depends on it gets a link to that entry.
package install

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"chainguard.dev/linkfs/pkg/fs"
	"chainguard.dev/linkfs/pkg/fuse"
	"chainguard.dev/linkfs/pkg/graph"
	"chainguard.dev/linkfs/pkg/lock"
	"chainguard.dev/linkfs/pkg/paths"
)

const (
	DefaultStoreRoot        = "/stores"
	DefaultProjectRoot      = "/"
	DefaultJobs             = 20
	DefaultStaleLockAge     = 10 * time.Minute
	DefaultTarballCacheSize = 64
	DefaultMaxTarballSize   = 256 << 20
	DefaultMaxUnpackedSize  = 1 << 30

	defaultPollInterval = 250 * time.Millisecond
)

type opts struct {
	storeRoot        string
	projectRoot      string
	jobs             int
	fetcher          Fetcher
	baseDir          string
	staleLockAge     time.Duration
	pollInterval     time.Duration
	tarballCacheSize int
	userAgent        string
	maxTarballSize   int64
	maxUnpackedSize  int64
	omit             []lock.Omit
}

func defaultOpts() *opts {
	return &opts{
		storeRoot:        DefaultStoreRoot,
		projectRoot:      DefaultProjectRoot,
		jobs:             DefaultJobs,
		staleLockAge:     DefaultStaleLockAge,
		pollInterval:     defaultPollInterval,
		tarballCacheSize: DefaultTarballCacheSize,
		maxTarballSize:   DefaultMaxTarballSize,
		maxUnpackedSize:  DefaultMaxUnpackedSize,
	}
}

// Option configures an Installer.
type Option func(*opts) error

// WithStoreRoot sets where store entries live.
func WithStoreRoot(root string) Option {
	return func(o *opts) error {
		o.storeRoot = root
		return nil
	}
}

// WithProjectRoot sets the directory whose node_modules receives the
// project's direct dependencies.
func WithProjectRoot(root string) Option {
	return func(o *opts) error {
		o.projectRoot = root
		return nil
	}
}

// WithJobs bounds how many packages are installed at once.
func WithJobs(jobs int) Option {
	return func(o *opts) error {
		if jobs < 1 {
			return fmt.Errorf("jobs must be at least 1, got %d", jobs)
		}
		o.jobs = jobs
		return nil
	}
}

// WithFetcher replaces the default HTTPFetcher.
func WithFetcher(f Fetcher) Option {
	return func(o *opts) error {
		o.fetcher = f
		return nil
	}
}

// WithBaseDir anchors relative tarball paths for the default fetcher.
func WithBaseDir(dir string) Option {
	return func(o *opts) error {
		o.baseDir = dir
		return nil
	}
}

// WithStaleLockAge sets how long another writer's lock on a store entry is
// honored.
func WithStaleLockAge(d time.Duration) Option {
	return func(o *opts) error {
		if d <= 0 {
			return fmt.Errorf("stale lock age must be positive, got %s", d)
		}
		o.staleLockAge = d
		return nil
	}
}

// WithLockPollInterval sets how often a foreign lock is checked while
// waiting on it.
func WithLockPollInterval(d time.Duration) Option {
	return func(o *opts) error {
		if d <= 0 {
			return fmt.Errorf("lock poll interval must be positive, got %s", d)
		}
		o.pollInterval = d
		return nil
	}
}

// WithTarballCacheSize sets how many tarballs the default fetcher keeps.
func WithTarballCacheSize(n int) Option {
	return func(o *opts) error {
		if n < 0 {
			return fmt.Errorf("tarball cache size must not be negative, got %d", n)
		}
		o.tarballCacheSize = n
		return nil
	}
}

// WithUserAgent sets the User-Agent the default fetcher sends.
func WithUserAgent(ua string) Option {
	return func(o *opts) error {
		o.userAgent = ua
		return nil
	}
}

// WithSizeLimits bounds the size of a fetched tarball and of its unpacked
// contents. Negative values lift the bound.
func WithSizeLimits(tarball, unpacked int64) Option {
	return func(o *opts) error {
		if tarball == 0 || unpacked == 0 {
			return errors.New("size limits must not be zero")
		}
		o.maxTarballSize = tarball
		o.maxUnpackedSize = unpacked
		return nil
	}
}

// WithOmit leaves classes of packages out when installing from a lockfile.
func WithOmit(omit ...lock.Omit) Option {
	return func(o *opts) error {
		o.omit = append(o.omit, omit...)
		return nil
	}
}

// Installer materializes dependency graphs.
type Installer struct {
	fsys        *fuse.FS
	store       *store
	fetcher     Fetcher
	projectRoot paths.Path
	jobs        int
	maxUnpacked int64
	omit        []lock.Omit
}

// New returns an Installer writing through fsys.
func New(fsys *fuse.FS, options ...Option) (*Installer, error) {
	o := defaultOpts()
	for _, opt := range options {
		if err := opt(o); err != nil {
			return nil, err
		}
	}

	storeRoot, err := paths.Normalize(o.storeRoot)
	if err != nil {
		return nil, fmt.Errorf("store root: %w", err)
	}
	projectRoot, err := paths.Normalize(o.projectRoot)
	if err != nil {
		return nil, fmt.Errorf("project root: %w", err)
	}

	fetcher := o.fetcher
	if fetcher == nil {
		hf, err := NewHTTPFetcher(o.baseDir, o.tarballCacheSize)
		if err != nil {
			return nil, err
		}
		hf.UserAgent = o.userAgent
		hf.MaxSize = o.maxTarballSize
		fetcher = hf
	}

	return &Installer{
		fsys:        fsys,
		store:       newStore(fsys, storeRoot, o.staleLockAge, o.pollInterval),
		fetcher:     fetcher,
		projectRoot: projectRoot,
		jobs:        o.jobs,
		maxUnpacked: o.maxUnpackedSize,
		omit:        o.omit,
	}, nil
}

// Report summarizes an install run.
type Report struct {
	// Installed counts entries written by this run, Reused entries that
	// were already complete.
	Installed int
	Reused    int
	// Linked counts links created.
	Linked int
	// Failed lists packages that failed or were skipped because a
	// dependency failed.
	Failed []graph.Identity

	mu sync.Mutex
}

func (r *Report) add(f func(r *Report)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f(r)
}

// EntryPath returns the store entry a package is installed to.
func (i *Installer) EntryPath(id graph.Identity) (paths.Path, error) {
	return i.store.entryPath(&graph.Node{Package: graph.Package{ID: id}, Fingerprint: id.Fingerprint()})
}

// Install lays out m. A dependency cycle fails before anything is written.
// Otherwise each package fails on its own: the returned error joins every
// package failure, and the report tells what did succeed.
func (i *Installer) Install(ctx context.Context, m graph.Manifest) (*Report, error) {
	ctx, span := otel.Tracer("linkfs").Start(ctx, "Install")
	defer span.End()
	log := clog.FromContext(ctx)

	g, err := graph.Build(ctx, m)
	if err != nil {
		return nil, err
	}
	order, err := g.Order()
	if err != nil {
		return nil, err
	}

	roots := map[int]bool{}
	for _, r := range g.Roots {
		roots[r] = true
	}

	report := &Report{}
	entries := make([]paths.Path, len(g.Nodes))
	failed := make([]error, len(g.Nodes))

	// A slice of pseudo-promises that get closed when a node is finished,
	// successfully or not.
	done := make([]chan struct{}, len(g.Nodes))
	for _, n := range g.Nodes {
		done[n.Index] = make(chan struct{})
	}

	var eg errgroup.Group
	eg.SetLimit(i.jobs)

	// Nodes are started in dependency order, so everything a node waits
	// on has already been started and the limit can not deadlock.
	for _, n := range order {
		eg.Go(func() error {
			defer close(done[n.Index])

			for _, d := range n.Deps {
				select {
				case <-ctx.Done():
					failed[n.Index] = ctx.Err()
					return ctx.Err()
				case <-done[d]:
				}
				if failed[d] != nil {
					failed[n.Index] = fmt.Errorf("%w: %s", ErrDependencyFailed, g.Nodes[d].ID())
					return nil
				}
			}

			entry, err := i.installNode(ctx, g, n, entries, report)
			if err != nil {
				failed[n.Index] = err
				return nil
			}
			entries[n.Index] = entry

			if roots[n.Index] {
				if err := i.link(ctx, i.projectRoot, n.ID().Name, entry); err != nil {
					failed[n.Index] = err
					return nil
				}
				report.add(func(r *Report) { r.Linked++ })
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return report, err
	}

	var errs []error
	for _, n := range g.Nodes {
		if err := failed[n.Index]; err != nil {
			report.Failed = append(report.Failed, n.ID())
			errs = append(errs, &PackageError{Package: n.ID(), Err: err})
		}
	}
	log.Infof("installed %d packages, reused %d, created %d links, %d failed", report.Installed, report.Reused, report.Linked, len(report.Failed))
	return report, errors.Join(errs...)
}

// installNode makes sure the store entry for n is complete and returns its
// path. Dependencies of n are complete by the time this runs.
func (i *Installer) installNode(ctx context.Context, g *graph.Graph, n *graph.Node, entries []paths.Path, report *Report) (paths.Path, error) {
	ctx, span := otel.Tracer("linkfs").Start(ctx, "install", trace.WithAttributes(attribute.String("package", n.ID().String())))
	defer span.End()
	ctx = clog.WithLogger(ctx, clog.FromContext(ctx).With("package", n.ID().String()))

	entry, err := i.store.entryPath(n)
	if err != nil {
		return paths.Path{}, err
	}

	c, reused, err := i.store.acquire(ctx, n.Fingerprint)
	if err != nil {
		return paths.Path{}, err
	}
	if reused {
		clog.FromContext(ctx).Debugf("%s: reusing %s", n.ID(), entry)
		report.add(func(r *Report) { r.Reused++ })
		return entry, nil
	}
	defer c.release(ctx)

	linked, err := i.materialize(ctx, g, n, entry, entries)
	if err != nil {
		return paths.Path{}, err
	}
	if err := c.commit(ctx); err != nil {
		return paths.Path{}, err
	}
	report.add(func(r *Report) {
		r.Installed++
		r.Linked += linked
	})
	return entry, nil
}

// materialize writes n's files and dependency links into entry.
func (i *Installer) materialize(ctx context.Context, g *graph.Graph, n *graph.Node, entry paths.Path, entries []paths.Path) (int, error) {
	ctx, span := otel.Tracer("linkfs").Start(ctx, "materialize")
	defer span.End()
	log := clog.FromContext(ctx)

	// Anything already here is left over from an interrupted run.
	switch err := i.fsys.Remove(ctx, entry.String()); {
	case err == nil:
		log.Warnf("%s: removed incomplete entry %s", n.ID(), entry)
	case !errors.Is(err, fs.ErrNotExist):
		return 0, err
	}

	tgz, err := i.fetcher.Fetch(ctx, n.Package.Source)
	if err != nil {
		return 0, err
	}
	if err := Verify(n.Package.Source, tgz); err != nil {
		return 0, err
	}
	files, err := Extract(ctx, tgz, i.maxUnpacked)
	if err != nil {
		return 0, err
	}

	if err := i.fsys.MkdirAll(ctx, entry.String()); err != nil {
		return 0, err
	}
	var size int
	for _, f := range files {
		if err := i.fsys.WriteFile(ctx, entry.Concat(f.Path).String(), f.Data); err != nil {
			return 0, err
		}
		size += len(f.Data)
	}

	linked := 0
	for _, d := range n.Deps {
		if err := i.link(ctx, entry, g.Nodes[d].ID().Name, entries[d]); err != nil {
			return 0, err
		}
		linked++
	}

	log.Infof("%s: installed %d files (%s)", n.ID(), len(files), humanize.Bytes(uint64(size)))
	return linked, nil
}

// link points dir's slot for name at target.
func (i *Installer) link(ctx context.Context, dir paths.Path, name string, target paths.Path) error {
	ctx, span := otel.Tracer("linkfs").Start(ctx, "link")
	defer span.End()

	src, err := slot(dir, name)
	if err != nil {
		return err
	}
	return i.fsys.FuseLink(ctx, src.String(), target.String())
}

// InstallDependencies converts a lockfile into a manifest and installs it.
func (i *Installer) InstallDependencies(ctx context.Context, pl lock.PackageLock) (*Report, error) {
	m, err := pl.Manifest(ctx, lock.Options{Omit: i.omit})
	if err != nil {
		return nil, err
	}
	return i.Install(ctx, m)
}
