// Copyright (c) 2026 ToeiRei
// dbsession - namespaced database session registry
// This source code is licensed under the MIT license found in the LICENSE file.

package factory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/toeirei/dbsession/internal/handle"
	"github.com/toeirei/dbsession/internal/metrics"
	"github.com/toeirei/dbsession/internal/registry"
)

// initKey marks a context as belonging to the base initialization of the
// namespaces it carries.
type initKey struct{}

func withInit(ctx context.Context, namespace string) context.Context {
	prev, _ := ctx.Value(initKey{}).([]string)
	next := append(slices.Clone(prev), namespace)
	return context.WithValue(ctx, initKey{}, next)
}

func initializing(ctx context.Context, namespace string) bool {
	active, _ := ctx.Value(initKey{}).([]string)
	return slices.Contains(active, namespace)
}

// Acquire returns the session handle for (namespace, qualifier) with one
// reference owned by the caller, opening it if needed. The base qualifier
// (equal to namespace) is refused here; trusted callers use AcquireBase.
func (f *Factory) Acquire(ctx context.Context, namespace, qualifier string) (*handle.Handle, error) {
	if err := ValidateNamespace(namespace); err != nil {
		return nil, err
	}
	if err := ValidateQualifier(qualifier); err != nil {
		return nil, err
	}
	if qualifier == namespace {
		return nil, fmt.Errorf("%w: %q is the base qualifier of its namespace", ErrInvalidQualifier, qualifier)
	}
	if initializing(ctx, namespace) {
		return nil, fmt.Errorf("%w: namespace %q", ErrReentrantInit, namespace)
	}
	return f.acquireSession(ctx, f.registry(namespace), qualifier)
}

// AcquireBase returns the base handle of namespace once its initialization
// has succeeded.
func (f *Factory) AcquireBase(ctx context.Context, namespace string) (*handle.Handle, error) {
	if err := ValidateNamespace(namespace); err != nil {
		return nil, err
	}
	if initializing(ctx, namespace) {
		return nil, fmt.Errorf("%w: namespace %q", ErrReentrantInit, namespace)
	}
	reg := f.registry(namespace)
	if base := reg.GetExisting(namespace); base != nil {
		return f.awaitBase(ctx, base)
	}
	return f.openBase(ctx, reg)
}

// AcquireGroupInstance acquires the session of one instance in a group.
func (f *Factory) AcquireGroupInstance(ctx context.Context, namespace, group, instance string) (*handle.Handle, error) {
	q, err := groupQualifier(group, instance)
	if err != nil {
		return nil, err
	}
	return f.Acquire(ctx, namespace, q)
}

func groupQualifier(group, instance string) (string, error) {
	if group == "" || instance == "" {
		return "", fmt.Errorf("%w: group and instance must both be set", ErrInvalidQualifier)
	}
	if IsGroupMember(instance) {
		return "", fmt.Errorf("%w: instance %q contains %q", ErrInvalidQualifier, instance, GroupDivider)
	}
	q := GroupQualifier(group, instance)
	// A leading '-' on the instance would shift the last divider into it.
	if g, _ := SplitGroup(q); g != group {
		return "", fmt.Errorf("%w: %q does not split back into group %q", ErrInvalidQualifier, q, group)
	}
	return q, nil
}

func (f *Factory) acquireSession(ctx context.Context, reg *registry.Registry, qualifier string) (*handle.Handle, error) {
	ns := reg.Namespace()
	base := reg.GetExisting(ns)
	target := reg.GetExisting(qualifier)

	baseReady := false
	if base != nil {
		ok, err := base.WaitForInit(ctx)
		base.Release()
		if err != nil {
			if target != nil {
				target.Release()
			}
			return nil, err
		}
		baseReady = ok
	}

	// A session that outlived a failed or missing base is still handed out;
	// only newly created sessions wait on the schema.
	if target != nil {
		return target, nil
	}
	if base != nil && !baseReady {
		return nil, fmt.Errorf("%w: namespace %q", ErrInitFailed, ns)
	}
	if base == nil {
		b, err := f.openBase(ctx, reg)
		if err != nil {
			return nil, err
		}
		b.Release()
	}
	return f.openSession(ctx, reg, qualifier)
}

func (f *Factory) awaitBase(ctx context.Context, base *handle.Handle) (*handle.Handle, error) {
	ok, err := base.WaitForInit(ctx)
	if err != nil {
		base.Release()
		return nil, err
	}
	if !ok {
		base.Release()
		return nil, fmt.Errorf("%w: namespace %q", ErrInitFailed, base.Namespace())
	}
	return base, nil
}

// openBase opens and initializes the base handle. If another caller wins
// the insert, the speculative open is discarded and the winner's outcome is
// adopted.
func (f *Factory) openBase(ctx context.Context, reg *registry.Registry) (*handle.Handle, error) {
	ns := reg.Namespace()
	conn, err := f.openWithRetry(ctx, reg, ns)
	if err != nil {
		f.metrics.ObserveInit(ns, metrics.InitFailed)
		return nil, err
	}
	h := f.newHandle(reg, ns, conn)
	if winner := reg.SetOrAdopt(ns, h); winner != nil {
		h.Release()
		return f.awaitBase(ctx, winner)
	}

	outcome, err := f.initialize(ctx, h)
	if err != nil {
		f.metrics.ObserveInit(ns, metrics.InitFailed)
		f.log.Error(ns, fmt.Sprintf("base initialization failed: %v", err))
		// Remove before signalling: a waiter that retries must not find
		// the failed generation.
		if reg.RemoveIfCurrent(ns, h) {
			h.Release()
		}
		h.SignalInit(false)
		h.Release()
		return nil, fmt.Errorf("%w: namespace %q: %w", ErrInitFailed, ns, err)
	}
	f.metrics.ObserveInit(ns, outcome)
	h.SignalInit(true)
	return h, nil
}

// initialize brings the schema of the base handle to the migrator's target
// version inside one exclusive transaction. It runs to completion even if
// the caller's context is cancelled, because other callers may be waiting on
// its outcome.
func (f *Factory) initialize(ctx context.Context, h *handle.Handle) (string, error) {
	ictx := withInit(context.WithoutCancel(ctx), h.Namespace())
	target := f.migrator.TargetVersion()
	outcome := metrics.InitCurrent

	err := h.WithConn(ictx, "initialize", func(c handle.Conn) error {
		if err := c.BeginExclusive(ictx); err != nil {
			return fmt.Errorf("begin exclusive: %w", err)
		}
		err := func() error {
			version, err := c.Version(ictx)
			if err != nil {
				return fmt.Errorf("read schema version: %w", err)
			}
			switch {
			case version > target:
				return fmt.Errorf("%w: stored %d, supported %d", ErrSchemaTooNew, version, target)
			case version == 0:
				if err := f.migrator.OnCreate(ictx, c); err != nil {
					return fmt.Errorf("create schema: %w", err)
				}
				outcome = metrics.InitCreated
			case version < target:
				if err := f.migrator.OnUpgrade(ictx, c, version, target); err != nil {
					return fmt.Errorf("upgrade schema %d -> %d: %w", version, target, err)
				}
				outcome = metrics.InitUpgraded
			}
			if version != target {
				if err := c.SetVersion(ictx, target); err != nil {
					return fmt.Errorf("set schema version: %w", err)
				}
			}
			return c.Commit(ictx)
		}()
		if err != nil {
			for i := 0; c.InTransaction() && i < handle.MaxRollbacks; i++ {
				if rbErr := c.Rollback(ictx); rbErr != nil {
					return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
				}
			}
		}
		return err
	})
	return outcome, err
}

// openSession opens a non-base session and publishes it, adopting the
// winner if another caller published the same qualifier first.
func (f *Factory) openSession(ctx context.Context, reg *registry.Registry, qualifier string) (*handle.Handle, error) {
	conn, err := f.openWithRetry(ctx, reg, qualifier)
	if err != nil {
		return nil, err
	}
	h := f.newHandle(reg, qualifier, conn, handle.Ready())
	if winner := reg.SetOrAdopt(qualifier, h); winner != nil {
		f.log.Warn(reg.Namespace(), fmt.Sprintf("concurrent open of session %q; adopting %s", qualifier, winner))
		h.Release()
		return winner, nil
	}
	return h, nil
}

func (f *Factory) newHandle(reg *registry.Registry, qualifier string, conn handle.Conn, opts ...handle.Option) *handle.Handle {
	ns := reg.Namespace()
	reg.OpLog().TickOpen()
	f.metrics.ObserveOpen(ns)
	base := []handle.Option{
		handle.WithLogger(f.log),
		handle.WithOpLog(reg.OpLog()),
		handle.WithPollInterval(f.pollInterval),
		handle.WithOnClose(func() { f.metrics.ObserveClose(ns) }),
	}
	return handle.New(ns, qualifier, conn, append(base, opts...)...)
}

// openWithRetry retries transient lock errors on the fixed two-tier cadence
// of the retry policy. Any other error is returned at once.
func (f *Factory) openWithRetry(ctx context.Context, reg *registry.Registry, qualifier string) (handle.Conn, error) {
	ns := reg.Namespace()
	ops := reg.OpLog()
	cookie := ops.Begin(qualifier, "open")

	var last error
	for attempt := 1; attempt <= f.retry.MaxAttempts; attempt++ {
		conn, err := f.opener.Open(ctx, ns, qualifier)
		if err == nil {
			ops.End(cookie)
			return conn, nil
		}
		if !IsTransient(err) {
			ops.Fail(cookie, err)
			return nil, fmt.Errorf("open session %s/%s: %w", ns, qualifier, err)
		}
		last = err
		if attempt == f.retry.MaxAttempts {
			break
		}
		f.metrics.ObserveLockRetry(ns)
		if attempt%f.retry.logEvery() == 0 {
			f.log.Warn(ns, fmt.Sprintf("session %q still locked after %d attempts", qualifier, attempt))
		}
		if err := sleep(ctx, f.retry.delay(attempt)); err != nil {
			ops.Fail(cookie, err)
			return nil, err
		}
	}
	err := fmt.Errorf("%w: %s/%s after %d attempts: %w", ErrBackendUnavailable, ns, qualifier, f.retry.MaxAttempts, last)
	ops.Fail(cookie, err)
	return nil, err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
