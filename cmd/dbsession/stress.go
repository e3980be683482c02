// Copyright (c) 2026 ToeiRei
// dbsession - namespaced database session registry
// This source code is licensed under the MIT license found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/toeirei/dbsession/internal/db"
	"github.com/toeirei/dbsession/internal/factory"
	"github.com/toeirei/dbsession/internal/handle"
	"github.com/toeirei/dbsession/internal/logging"
	"github.com/toeirei/dbsession/internal/metrics"
)

type stressOptions struct {
	workers     int
	iterations  int
	groups      int
	metricsAddr string
}

func newStressCmd(a *app) *cobra.Command {
	var opts stressOptions
	cmd := &cobra.Command{
		Use:   "stress <namespace>",
		Short: "Exercise the session registry with concurrent workers",
		Long: `Runs workers that concurrently acquire shared, private and group
sessions of one namespace, write through them, release them and sweep
groups. When done every session is released and the physical opens and
closes must balance.`,
		Args: namespaceArg,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.stress(cmd, args[0], opts)
		},
	}
	cmd.Flags().IntVar(&opts.workers, "workers", 8, "Number of concurrent workers")
	cmd.Flags().IntVar(&opts.iterations, "iterations", 50, "Iterations per worker")
	cmd.Flags().IntVar(&opts.groups, "groups", 2, "Number of session groups (0 disables group sessions)")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while running")
	return cmd
}

func (a *app) stress(cmd *cobra.Command, ns string, opts stressOptions) error {
	if opts.workers <= 0 || opts.iterations <= 0 || opts.groups < 0 {
		return fmt.Errorf("workers and iterations must be positive, groups must not be negative")
	}
	addr := opts.metricsAddr
	if addr == "" {
		addr = a.config.Metrics.Listen
	}
	if addr != "" {
		srv, bound, err := metrics.Serve(addr, a.promReg)
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}()
		fmt.Fprintf(cmd.OutOrStdout(), "serving metrics on http://%s/metrics\n", bound)
	}

	start := time.Now()
	g, ctx := errgroup.WithContext(cmd.Context())
	for w := range opts.workers {
		g.Go(func() error {
			return a.stressWorker(ctx, ns, w, opts)
		})
	}
	err := g.Wait()
	rows := 0
	if err == nil {
		rows, err = a.verifyStress(cmd.Context(), ns, opts)
	}
	if a.verbose {
		a.sessions.LogDiagnostics(false)
	}
	a.sessions.ReleaseEverything()
	if err != nil {
		return err
	}

	opens, closes := a.metrics.Totals(ns)
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%d workers x %d iterations in %s\n", opts.workers, opts.iterations, time.Since(start).Round(time.Millisecond))
	fmt.Fprintf(out, "key/value rows %d\n", rows)
	fmt.Fprintf(out, "physical opens %d, closes %d, lock retries %d\n", opens, closes, a.metrics.LockRetryTotal(ns))
	if opens != closes {
		return fmt.Errorf("%w: %d opens, %d closes", errUnbalanced, opens, closes)
	}
	fmt.Fprintln(out, "balanced")
	return nil
}

// stressWorker rotates through three kinds of session: one shared by all
// workers, a private opaque one, and a group member that is swept now and
// then.
func (a *app) stressWorker(ctx context.Context, ns string, w int, opts stressOptions) error {
	for i := range opts.iterations {
		var (
			h       *handle.Handle
			err     error
			private string
		)
		switch {
		case i%3 == 1 || (i%3 == 2 && opts.groups == 0):
			private = factory.NewOpaqueQualifier()
			h, err = a.sessions.Acquire(ctx, ns, private)
		case i%3 == 2:
			group := fmt.Sprintf("g%d", i%opts.groups)
			h, err = a.sessions.AcquireGroupInstance(ctx, ns, group, fmt.Sprintf("w%d", w))
		default:
			h, err = a.sessions.Acquire(ctx, ns, "shared")
		}
		if err != nil {
			return fmt.Errorf("worker %d iteration %d: %w", w, i, err)
		}

		key, value := fmt.Sprintf("w%d", w), fmt.Sprintf("%d", i)
		err = h.WithConn(ctx, "put", func(c handle.Conn) error {
			if err := db.Put(ctx, c, key, value); err != nil {
				return err
			}
			got, err := db.Get(ctx, c, key)
			if err != nil {
				return err
			}
			if got != value {
				return fmt.Errorf("read back %q for %s, wrote %q", got, key, value)
			}
			if private == "" {
				return nil
			}
			scratch := key + "-" + private
			if err := db.Put(ctx, c, scratch, value); err != nil {
				return err
			}
			return db.Delete(ctx, c, scratch)
		})
		h.Release()
		if private != "" {
			_, _ = a.sessions.Release(ns, private)
		}
		if err != nil {
			return fmt.Errorf("worker %d iteration %d: %w", w, i, err)
		}

		if opts.groups > 0 && i%10 == 9 {
			group := fmt.Sprintf("g%d", (w+i)%opts.groups)
			if a.sessions.ReleaseGroupConnections(ns, group, true) {
				logging.Debugf("worker %d swept group %s", w, group)
			}
		}
	}
	return nil
}

// verifyStress checks through an internal session that every worker's last
// write survived and returns the number of stored keys.
func (a *app) verifyStress(ctx context.Context, ns string, opts stressOptions) (int, error) {
	q := factory.NewInternalQualifier()
	h, err := a.sessions.Acquire(ctx, ns, q)
	if err != nil {
		return 0, err
	}
	defer func() {
		h.Release()
		_, _ = a.sessions.Release(ns, q)
	}()

	want := fmt.Sprintf("%d", opts.iterations-1)
	var rows int
	err = h.WithConn(ctx, "verify", func(c handle.Conn) error {
		for w := range opts.workers {
			key := fmt.Sprintf("w%d", w)
			got, err := db.Get(ctx, c, key)
			if err != nil {
				return err
			}
			if got != want {
				return fmt.Errorf("%s holds %q, want %q", key, got, want)
			}
		}
		var err error
		rows, err = db.Count(ctx, c)
		return err
	})
	return rows, err
}
