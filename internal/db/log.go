// Copyright (c) 2026 ToeiRei
// dbsession - namespaced database session registry
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"sync/atomic"

	"github.com/toeirei/dbsession/internal/logging"
)

var debugEnabled atomic.Bool

// SetDebug enables or disables DB debug logging. Disabled by default.
func SetDebug(enabled bool) {
	debugEnabled.Store(enabled)
}

func dbLogf(format string, v ...any) {
	if debugEnabled.Load() {
		logging.Debugf(format, v...)
	}
}
