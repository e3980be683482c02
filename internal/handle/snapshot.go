// Copyright (c) 2026 ToeiRei
// dbsession - namespaced database session registry
// This source code is licensed under the MIT license found in the LICENSE file.

package handle

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// Snapshot is a point-in-time copy of a handle's diagnostic state.
type Snapshot struct {
	Namespace  string
	Qualifier  string
	Generation string
	RefCount   int
	InitState  InitState
	LastAction string
	OpenedAt   time.Time
	ClosedAt   time.Time
	Closed     bool
}

// Snapshot captures the handle's state under its state lock.
func (h *Handle) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Snapshot{
		Namespace:  h.namespace,
		Qualifier:  h.qualifier,
		Generation: h.generation,
		RefCount:   h.refCount,
		InitState:  h.state,
		LastAction: h.lastAction,
		OpenedAt:   h.openedAt,
		ClosedAt:   h.closedAt,
		Closed:     h.closed,
	}
}

// String renders the snapshot as one dump line.
func (s Snapshot) String() string {
	line := fmt.Sprintf("%s generation=%s refCount=%d init=%s lastAction=%s opened %s",
		s.Qualifier, s.Generation, s.RefCount, s.InitState, s.LastAction, humanize.Time(s.OpenedAt))
	if s.Closed {
		line += " closed " + humanize.Time(s.ClosedAt)
	}
	return line
}
