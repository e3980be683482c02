// Copyright (c) 2026 ToeiRei
// dbsession - namespaced database session registry
// This source code is licensed under the MIT license found in the LICENSE file.

// Package factory hands out shared, reference-counted session handles keyed
// by namespace and qualifier.
//
// Every namespace has one base handle whose qualifier equals the namespace.
// The first acquire in a cold namespace opens the base handle and runs the
// schema migrator on it before any other session in that namespace is
// created. Callers own the reference returned by Acquire and give it back
// with Handle.Release; the factory's map keeps its own reference until the
// session is released through Release or one of the sweeps.
package factory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/toeirei/dbsession/internal/handle"
	"github.com/toeirei/dbsession/internal/logging"
	"github.com/toeirei/dbsession/internal/metrics"
	"github.com/toeirei/dbsession/internal/registry"
)

// BackendOpener opens the physical resource behind one session. Transient
// lock failures must wrap ErrLocked.
type BackendOpener interface {
	Open(ctx context.Context, namespace, qualifier string) (handle.Conn, error)
}

// SchemaMigrator prepares a namespace's schema. It only ever runs against
// the base handle, inside an exclusive transaction.
type SchemaMigrator interface {
	TargetVersion() int
	OnCreate(ctx context.Context, conn handle.Conn) error
	OnUpgrade(ctx context.Context, conn handle.Conn, from, to int) error
}

// Factory is safe for concurrent use.
type Factory struct {
	opener       BackendOpener
	migrator     SchemaMigrator
	log          logging.Logger
	metrics      *metrics.Metrics
	retry        RetryPolicy
	pollInterval time.Duration

	mu         sync.Mutex
	registries map[string]*registry.Registry
}

// New returns a factory opening sessions through opener. A nil migrator
// leaves every schema at version 0.
func New(opener BackendOpener, migrator SchemaMigrator, opts ...Option) *Factory {
	if migrator == nil {
		migrator = noopMigrator{}
	}
	f := &Factory{
		opener:       opener,
		migrator:     migrator,
		log:          logging.Default(),
		retry:        DefaultRetryPolicy(),
		pollInterval: defaultPollInterval,
		registries:   map[string]*registry.Registry{},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// registry returns the namespace's registry, creating it on first use.
// Registries are never removed.
func (f *Factory) registry(namespace string) *registry.Registry {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.registries[namespace]
	if !ok {
		r = registry.New(namespace)
		f.registries[namespace] = r
	}
	return r
}

func (f *Factory) lookup(namespace string) *registry.Registry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registries[namespace]
}

// Namespaces lists every namespace seen so far, sorted.
func (f *Factory) Namespaces() []string {
	f.mu.Lock()
	out := make([]string, 0, len(f.registries))
	for ns := range f.registries {
		out = append(out, ns)
	}
	f.mu.Unlock()
	sort.Strings(out)
	return out
}

// Reset releases every session and forgets all namespaces. It exists for
// test harnesses that reuse one factory across cases.
func (f *Factory) Reset() {
	f.ReleaseEverything()
	f.mu.Lock()
	f.registries = map[string]*registry.Registry{}
	f.mu.Unlock()
}

// DumpDiagnostics renders the state and recent history of every namespace.
func (f *Factory) DumpDiagnostics() string {
	var b strings.Builder
	names := f.Namespaces()
	if len(names) == 0 {
		b.WriteString("no namespaces\n")
		return b.String()
	}
	for i, ns := range names {
		if i > 0 {
			b.WriteByte('\n')
		}
		if r := f.lookup(ns); r != nil {
			r.Dump(&b)
		}
	}
	return b.String()
}

// LogDiagnostics writes one dump per namespace to the factory logger, at
// error level when asError is set.
func (f *Factory) LogDiagnostics(asError bool) {
	for _, ns := range f.Namespaces() {
		r := f.lookup(ns)
		if r == nil {
			continue
		}
		var b strings.Builder
		r.Dump(&b)
		if asError {
			f.log.Error(ns, b.String())
		} else {
			f.log.Info(ns, b.String())
		}
	}
}

type noopMigrator struct{}

func (noopMigrator) TargetVersion() int { return 0 }

func (noopMigrator) OnCreate(context.Context, handle.Conn) error { return nil }

func (noopMigrator) OnUpgrade(context.Context, handle.Conn, int, int) error { return nil }
