// Copyright (c) 2026 ToeiRei
// dbsession - namespaced database session registry
// This source code is licensed under the MIT license found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func newDebugCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "debug",
		Short: "Dump debug information about config, env and flags",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "--- DBSESSION DEBUG ---")

			b, err := yaml.Marshal(a.config)
			if err != nil {
				return fmt.Errorf("could not marshal effective config: %w", err)
			}
			fmt.Fprintln(out, "-- effective config --")
			fmt.Fprint(out, string(b))

			fmt.Fprintln(out, "-- flags --")
			cmd.Flags().VisitAll(func(f *pflag.Flag) {
				fmt.Fprintf(out, "%s = %s\n", f.Name, f.Value.String())
			})

			fmt.Fprintln(out, "-- environment (DBSESSION_*) --")
			var env []string
			for _, e := range os.Environ() {
				if strings.HasPrefix(e, "DBSESSION_") {
					env = append(env, e)
				}
			}
			sort.Strings(env)
			for _, e := range env {
				fmt.Fprintln(out, e)
			}

			fmt.Fprintln(out, "-- sessions --")
			fmt.Fprint(out, a.sessions.DumpDiagnostics())
			fmt.Fprintln(out, "--- END DEBUG ---")
			return nil
		},
	}
}
