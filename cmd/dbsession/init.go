// Copyright (c) 2026 ToeiRei
// dbsession - namespaced database session registry
// This source code is licensed under the MIT license found in the LICENSE file.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/toeirei/dbsession/internal/handle"
)

func newInitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init <namespace>",
		Short: "Create or upgrade the schema of a namespace",
		Long: `Opens the base session of the namespace, which creates or upgrades its
schema, then prints the stored schema version and the registry state.`,
		Args: namespaceArg,
		RunE: func(cmd *cobra.Command, args []string) error {
			ns := args[0]
			ctx := cmd.Context()
			base, err := a.sessions.AcquireBase(ctx, ns)
			if err != nil {
				return err
			}
			defer base.Release()

			var version int
			err = base.WithConn(ctx, "version", func(c handle.Conn) error {
				var err error
				version, err = c.Version(ctx)
				return err
			})
			if err != nil {
				return fmt.Errorf("read schema version: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "namespace %s ready at schema version %d\n", ns, version)
			fmt.Fprintln(out, indent(a.sessions.DumpDiagnostics()))
			return nil
		},
	}
}
