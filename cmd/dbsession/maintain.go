// Copyright (c) 2026 ToeiRei
// dbsession - namespaced database session registry
// This source code is licensed under the MIT license found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/toeirei/dbsession/internal/db"
	"github.com/toeirei/dbsession/internal/factory"
	"github.com/toeirei/dbsession/internal/handle"
	"github.com/toeirei/dbsession/internal/logging"
)

func newMaintainCmd(a *app) *cobra.Command {
	var skipIntegrity bool
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "maintain <namespace>",
		Short: "Run database maintenance (VACUUM/OPTIMIZE) for a namespace",
		Long: `Runs engine-specific maintenance tasks (VACUUM, OPTIMIZE TABLE, PRAGMA
optimize) on a private internal session of the namespace.`,
		Args: namespaceArg,
		RunE: func(cmd *cobra.Command, args []string) error {
			ns := args[0]
			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			if skipIntegrity {
				fmt.Fprintln(cmd.OutOrStdout(), "Skipping integrity_check may speed up maintenance on large databases")
			}

			q := factory.NewInternalQualifier()
			h, err := a.sessions.Acquire(ctx, ns, q)
			if err != nil {
				return err
			}
			defer func() {
				h.Release()
				_, _ = a.sessions.Release(ns, q)
			}()

			start := time.Now()
			err = h.WithConn(ctx, "maintain", func(c handle.Conn) error {
				return db.Maintain(ctx, c, db.MaintainOptions{SkipIntegrity: skipIntegrity})
			})
			if err != nil {
				logging.Errorf("maintenance of %s failed after %s: %v", ns, time.Since(start).Round(time.Millisecond), err)
				return fmt.Errorf("maintenance failed: %w", err)
			}
			elapsed := time.Since(start).Round(time.Millisecond)
			logging.Infof("maintenance of %s finished in %s", ns, elapsed)
			fmt.Fprintf(cmd.OutOrStdout(), "Maintenance of %s completed successfully in %s\n", ns, elapsed)
			return nil
		},
	}
	cmd.Flags().BoolVar(&skipIntegrity, "skip-integrity", false, "Skip integrity_check (SQLite) during maintenance")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Timeout for maintenance (0 means no timeout)")
	return cmd
}
