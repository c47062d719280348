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

// Package log renders slog records for terminals and log files.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/term"
)

// PackageKey is the attribute shown in the leading column of each line.
const PackageKey = "package"

// writerFromTarget returns a writer given a target specification.
func writerFromTarget(target string) (io.Writer, error) {
	switch target {
	case "builtin:stderr":
		return os.Stderr, nil
	case "builtin:stdout":
		return os.Stdout, nil
	case "builtin:discard":
		return io.Discard, nil
	default:
		if strings.HasPrefix(target, "builtin:") {
			return nil, fmt.Errorf("unknown log target %q", target)
		}
		if strings.Contains(target, "/") {
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return nil, err
			}
		}

		out, err := os.OpenFile(target, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
		if err != nil {
			return nil, err
		}
		return out, nil
	}
}

// writer returns a writer which writes to multiple target specifications.
func writer(targets []string) (io.Writer, error) {
	if len(targets) == 1 {
		return writerFromTarget(targets[0])
	}

	writers := make([]io.Writer, 0, len(targets))
	for _, target := range targets {
		w, err := writerFromTarget(target)
		if err != nil {
			return nil, err
		}
		writers = append(writers, w)
	}
	return io.MultiWriter(writers...), nil
}

const (
	reset   = 0
	yellow  = 33
	magenta = 35
	gray    = 37
)

func isTerminal(w io.Writer) bool {
	if f, ok := w.(*os.File); ok {
		return term.IsTerminal(int(f.Fd()))
	}
	return false
}

func color(w io.Writer, color int) string {
	if !isTerminal(w) {
		return ""
	}
	return fmt.Sprintf("\x1b[%dm", color)
}

func levelToColor(l slog.Level) int {
	switch {
	case l >= slog.LevelError:
		return magenta
	case l >= slog.LevelWarn:
		return yellow
	default:
		return gray
	}
}

func levelEmoji(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "❌ "
	case l >= slog.LevelWarn:
		return "⚠️ "
	case l >= slog.LevelInfo:
		return "ℹ️ "
	default:
		return "❕"
	}
}

// Handler writes records at or above level to every target in logPolicy.
// Targets are builtin:stderr, builtin:stdout, builtin:discard or a file path.
func Handler(logPolicy []string, level slog.Level) (slog.Handler, error) {
	if len(logPolicy) == 0 {
		logPolicy = []string{"builtin:stderr"}
	}
	out, err := writer(logPolicy)
	if err != nil {
		return nil, fmt.Errorf("opening log targets: %w", err)
	}
	return &handler{out: out, level: level, mu: &sync.Mutex{}}, nil
}

type handler struct {
	level slog.Level
	out   io.Writer
	attrs []slog.Attr

	// shared by handlers derived through WithAttrs
	mu *sync.Mutex
}

func (h *handler) Enabled(_ context.Context, l slog.Level) bool { return l >= h.level }

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &handler{level: h.level, out: h.out, attrs: merged, mu: h.mu}
}

func (h *handler) Handle(ctx context.Context, r slog.Record) error {
	if !h.Enabled(ctx, r.Level) {
		return nil
	}

	var pkg string
	for _, a := range h.attrs {
		if a.Key == PackageKey {
			pkg = a.Value.String()
			break
		}
	}
	if pkg == "" {
		r.Attrs(func(a slog.Attr) bool {
			if a.Key == PackageKey {
				pkg = a.Value.String()
				return false
			}
			return true
		})
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	c := color(h.out, levelToColor(r.Level))
	_, err := fmt.Fprintf(h.out, "%s %s%-24s|%s %s%s%s\n", levelEmoji(r.Level), c, pkg, color(h.out, reset), c, r.Message, color(h.out, reset))
	return err
}

// Groups are flattened.
func (h *handler) WithGroup(string) slog.Handler { return h }
