// Copyright 2026 The Duplexio Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package safelist implements the class-name deny-list guard the codec
// consults before resolving any dynamically typed value.
package safelist

import (
	"os"
	"regexp"
	"sync"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"
)

// List is a configurable set of deny patterns. A type name is rejected
// if it matches any pattern; everything else is allowed. The zero
// value is an empty (allow-all) list; use Default for the built-in
// deny set.
type List struct {
	mu       sync.RWMutex
	patterns []*regexp.Regexp
}

// defaultPatterns targets the known unsafe-deserialization gadget
// families for a Go process: reflect-driven constructors, os/exec
// invocation helpers, and plugin loaders impersonating themselves.
var defaultPatterns = []string{
	`^os/exec\.`,
	`^plugin\.`,
	`^reflect\.`,
	`.*\$\$.*`, // synthetic/generated type names are never legitimate wire names
}

// Default returns a List seeded with the built-in deny patterns.
func Default() *List {
	l := &List{}
	for _, p := range defaultPatterns {
		l.patterns = append(l.patterns, regexp.MustCompile(p))
	}
	return l
}

// Allowed reports whether name may be resolved.
func (l *List) Allowed(name string) bool {
	if l == nil {
		return true
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, p := range l.patterns {
		if p.MatchString(name) {
			return false
		}
	}
	return true
}

// Deny adds a pattern to the list.
func (l *List) Deny(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return trace.Wrap(err, "invalid safelist pattern %q", pattern)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.patterns = append(l.patterns, re)
	return nil
}

// fileFormat is the on-disk YAML shape for a configured safelist file.
type fileFormat struct {
	Deny []string `yaml:"deny"`
}

// LoadFile loads deny patterns from a YAML file and merges them with
// the built-in defaults. A missing file is not an error: LoadFile then
// returns Default() with nothing merged.
func LoadFile(path string) (*List, error) {
	l := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return l, nil
		}
		return nil, trace.Wrap(err, "reading safelist file %s", path)
	}
	var ff fileFormat
	if err := yaml.Unmarshal(data, &ff); err != nil {
		return nil, trace.Wrap(err, "parsing safelist file %s", path)
	}
	for _, p := range ff.Deny {
		if err := l.Deny(p); err != nil {
			return nil, err
		}
	}
	return l, nil
}
