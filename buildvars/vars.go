// Copyright (c) 2026 ToeiRei
// dbsession - namespaced database session registry
// This source code is licensed under the MIT license found in the LICENSE file.

// Package buildvars contains variables injected at build time.
package buildvars

// Set at link time via `-ldflags -X github.com/toeirei/dbsession/buildvars.Version=...`
// (and .Commit, .Date). They are empty for local or development builds.
var (
	Version string
	Commit  string
	Date    string
)

// VersionOrDefault returns `Version` if set, otherwise returns the provided default.
func VersionOrDefault(def string) string {
	if len(Version) > 0 {
		return Version
	}
	return def
}
