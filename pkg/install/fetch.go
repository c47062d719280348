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
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/chainguard-dev/clog"
	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-retryablehttp"
	lru "github.com/hashicorp/golang-lru"
	"go.lsp.dev/uri"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"chainguard.dev/linkfs/pkg/graph"
	"chainguard.dev/linkfs/pkg/limitio"
)

// Fetcher retrieves package tarballs.
type Fetcher interface {
	Fetch(ctx context.Context, src graph.Source) ([]byte, error)
}

// HTTPFetcher fetches tarballs over http(s) with retries, from the local
// filesystem for file:// URLs and plain paths, or packs them from a git
// checkout for git+ URLs. Concurrent requests for the same source share one
// download and recent tarballs are kept in memory.
type HTTPFetcher struct {
	client *retryablehttp.Client
	// baseDir anchors relative paths, normally the lockfile's directory.
	baseDir string
	// UserAgent is sent with http requests when set.
	UserAgent string
	// MaxSize bounds a single tarball, negative for no bound.
	MaxSize int64

	group singleflight.Group
	cache *lru.Cache
}

// NewHTTPFetcher returns a fetcher caching up to cacheSize tarballs. A
// cacheSize of zero disables the cache.
func NewHTTPFetcher(baseDir string, cacheSize int) (*HTTPFetcher, error) {
	client := retryablehttp.NewClient()
	client.RetryMax = 4
	client.Logger = nil
	client.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt > 0 {
			clog.FromContext(req.Context()).Warnf("retrying %s (attempt %d)", redact(req.URL.String()), attempt)
		}
	}

	f := &HTTPFetcher{client: client, baseDir: baseDir, MaxSize: DefaultMaxTarballSize}
	if cacheSize > 0 {
		c, err := lru.New(cacheSize)
		if err != nil {
			return nil, fmt.Errorf("creating tarball cache: %w", err)
		}
		f.cache = c
	}
	return f, nil
}

// Fetch returns the tarball described by src.
func (f *HTTPFetcher) Fetch(ctx context.Context, src graph.Source) ([]byte, error) {
	if len(src.Tarball) > 0 {
		return src.Tarball, nil
	}
	key := src.Key()
	if key == "" {
		return nil, errors.New("package has no source")
	}
	if f.cache != nil {
		if v, ok := f.cache.Get(key); ok {
			return v.([]byte), nil
		}
	}

	v, err, shared := f.group.Do(key, func() (any, error) {
		b, err := f.fetch(ctx, src)
		if err != nil {
			return nil, err
		}
		if f.cache != nil {
			f.cache.Add(key, b)
		}
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		clog.FromContext(ctx).Debugf("shared download of %s", redact(key))
	}
	return v.([]byte), nil
}

// sourceAsURL normalizes the source as a URI, so that local paths become
// file:// URLs that url.Parse understands.
func (f *HTTPFetcher) sourceAsURL(src graph.Source) (*url.URL, error) {
	u := src.URL
	if u == "" {
		u = src.Path
		if !filepath.IsAbs(u) && f.baseDir != "" {
			u = filepath.Join(f.baseDir, u)
		}
	}
	if strings.HasPrefix(u, "https://") || strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "file://") {
		parsed, err := uri.Parse(u)
		if err != nil {
			return nil, err
		}
		return url.Parse(string(parsed))
	}
	abs, err := filepath.Abs(u)
	if err != nil {
		return nil, err
	}
	return url.Parse(string(uri.File(abs)))
}

func (f *HTTPFetcher) fetch(ctx context.Context, src graph.Source) ([]byte, error) {
	log := clog.FromContext(ctx)
	ctx, span := otel.Tracer("linkfs").Start(ctx, "fetch", trace.WithAttributes(attribute.String("source", redact(src.Key()))))
	defer span.End()

	if strings.HasPrefix(src.URL, gitPrefix) {
		return f.fetchGit(ctx, src.URL)
	}

	asURL, err := f.sourceAsURL(src)
	if err != nil {
		return nil, fmt.Errorf("failed to parse source %q as URL: %w", src.Key(), err)
	}

	var b []byte
	switch asURL.Scheme {
	case "file":
		in, err := os.Open(uri.URI(asURL.String()).Filename())
		if err != nil {
			return nil, fmt.Errorf("failed to read tarball: %w", err)
		}
		defer in.Close()
		b, err = limitio.ReadAll(in, f.MaxSize)
		if err != nil {
			return nil, fmt.Errorf("failed to read tarball %s: %w", in.Name(), err)
		}
	case "https", "http":
		req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, asURL.String(), nil)
		if err != nil {
			return nil, err
		}
		if f.UserAgent != "" {
			req.Header.Set("User-Agent", f.UserAgent)
		}
		res, err := f.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("unable to get tarball at %s: %w", redact(asURL.String()), err)
		}
		defer res.Body.Close()
		if res.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("unable to get tarball at %s: %v", redact(asURL.String()), res.Status)
		}
		b, err = limitio.ReadAll(res.Body, f.MaxSize)
		if err != nil {
			return nil, fmt.Errorf("reading tarball from %s: %w", redact(asURL.String()), err)
		}
	default:
		return nil, fmt.Errorf("source scheme %s not supported", asURL.Scheme)
	}

	log.Debugf("fetched %s (%s)", redact(asURL.String()), humanize.Bytes(uint64(len(b))))
	span.SetAttributes(attribute.Int("bytes", len(b)))
	return b, nil
}

func redact(in string) string {
	asURL, err := url.Parse(in)
	if err != nil {
		return in
	}
	return asURL.Redacted()
}
