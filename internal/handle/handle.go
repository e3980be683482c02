// Copyright (c) 2026 ToeiRei
// dbsession - namespaced database session registry
// This source code is licensed under the MIT license found in the LICENSE file.

// Package handle implements the reference-counted session handle: one open
// backend connection for a (namespace, qualifier) pair, a one-time
// initialization barrier, and an exactly-once wrap-up when the last
// reference is released.
package handle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/toeirei/dbsession/internal/logging"
	"github.com/toeirei/dbsession/internal/oplog"
)

// DefaultPollInterval is how often WaitForInit reports that it is still waiting.
const DefaultPollInterval = 100 * time.Millisecond

// MaxRollbacks bounds every loop that unwinds nested transactions, so a
// connection that keeps claiming an open transaction cannot spin forever.
const MaxRollbacks = 64

// ErrClosed is returned by WithConn once the handle has been wrapped up.
var ErrClosed = errors.New("session handle is closed")

// Conn is the physical backend resource owned by a Handle.
type Conn interface {
	BeginExclusive(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	InTransaction() bool
	Version(ctx context.Context) (int, error)
	SetVersion(ctx context.Context, version int) error
	Close() error
}

// InitState is the outcome of the one-time initialization barrier.
type InitState int

const (
	InitPending InitState = iota
	InitSucceeded
	InitFailed
)

func (s InitState) String() string {
	switch s {
	case InitPending:
		return "Pending"
	case InitSucceeded:
		return "Succeeded"
	case InitFailed:
		return "Failed"
	default:
		return fmt.Sprintf("InitState(%d)", int(s))
	}
}

// Handle is one generation of a session connection.
//
// mu guards the reference count and diagnostic state; ioMu serializes use of
// the physical connection, including the final close. A caller holding a
// reference may therefore run long backend work through WithConn without
// blocking RefCount, Snapshot or Acquire on other goroutines.
type Handle struct {
	namespace  string
	qualifier  string
	generation string
	openedAt   time.Time

	conn    Conn
	log     logging.Logger
	ops     *oplog.Log
	onClose func()
	poll    time.Duration

	mu         sync.Mutex
	refCount   int
	closed     bool
	closedAt   time.Time
	lastAction string
	state      InitState

	ioMu sync.Mutex

	initOnce sync.Once
	initDone chan struct{}
}

// Option configures a Handle at construction.
type Option func(*Handle)

// WithLogger sets the Logger used for warnings about misuse.
func WithLogger(l logging.Logger) Option {
	return func(h *Handle) {
		if l != nil {
			h.log = l
		}
	}
}

// WithOpLog attaches the namespace operation log.
func WithOpLog(ops *oplog.Log) Option {
	return func(h *Handle) { h.ops = ops }
}

// WithOnClose registers fn to run once, right after the physical close.
func WithOnClose(fn func()) Option {
	return func(h *Handle) { h.onClose = fn }
}

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) Option {
	return func(h *Handle) {
		if d > 0 {
			h.poll = d
		}
	}
}

// Ready marks the handle as initialized at construction. Only the base
// handle of a namespace carries schema responsibility; every other
// qualifier is usable as soon as it is opened.
func Ready() Option {
	return func(h *Handle) {
		h.state = InitSucceeded
		h.initOnce.Do(func() { close(h.initDone) })
	}
}

// New wraps an open connection. The returned handle holds one reference,
// owned by the caller.
func New(namespace, qualifier string, conn Conn, opts ...Option) *Handle {
	h := &Handle{
		namespace:  namespace,
		qualifier:  qualifier,
		generation: xid.New().String(),
		openedAt:   time.Now(),
		conn:       conn,
		log:        logging.Default(),
		poll:       DefaultPollInterval,
		refCount:   1,
		lastAction: "created",
		initDone:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handle) Namespace() string { return h.namespace }
func (h *Handle) Qualifier() string { return h.qualifier }
func (h *Handle) Generation() string { return h.generation }

// Conn returns the physical connection. Callers must hold a reference and
// should prefer WithConn, which serializes access and refuses closed handles.
func (h *Handle) Conn() Conn { return h.conn }

// IsBase reports whether this is the schema-owning handle of its namespace.
func (h *Handle) IsBase() bool { return h.qualifier == h.namespace }

func (h *Handle) String() string {
	return fmt.Sprintf("%s/%s#%s", h.namespace, h.qualifier, h.generation)
}

// Acquire adds a reference and returns h.
func (h *Handle) Acquire() *Handle {
	h.mu.Lock()
	h.refCount++
	h.lastAction = "acquire"
	closed := h.closed
	h.mu.Unlock()
	if closed {
		h.log.Warn(h.namespace, fmt.Sprintf("acquire on wrapped-up session %s", h))
	}
	return h
}

// Release drops a reference. The first time the count reaches zero (or
// below) the connection is wrapped up: open transactions are rolled back and
// the connection is closed. Any later crossing only logs.
func (h *Handle) Release() {
	h.mu.Lock()
	h.refCount--
	count := h.refCount
	wrapUp := count <= 0 && !h.closed
	if wrapUp {
		h.closed = true
		h.closedAt = time.Now()
	}
	switch {
	case count == 0:
		h.lastAction = "releaseIsZero"
	case count < 0:
		h.lastAction = "releaseIsNegative"
	default:
		h.lastAction = "release"
	}
	h.mu.Unlock()

	if count < 0 {
		h.log.Warn(h.namespace, fmt.Sprintf("reference count of session %s dropped to %d", h, count))
	}
	if !wrapUp {
		if count <= 0 {
			h.log.Warn(h.namespace, fmt.Sprintf("session %s already wrapped up; ignoring release", h))
		}
		return
	}
	if err := h.wrapUp(); err != nil {
		h.log.Error(h.namespace, fmt.Sprintf("wrap-up of session %s failed: %v", h, err))
	}
}

func (h *Handle) wrapUp() error {
	h.ioMu.Lock()
	defer h.ioMu.Unlock()

	cookie := h.ops.Begin(h.qualifier, "wrapUp")
	var errs []error
	ctx := context.Background()
	for i := 0; h.conn.InTransaction(); i++ {
		if i == MaxRollbacks {
			errs = append(errs, fmt.Errorf("transaction still open after %d rollbacks", i))
			break
		}
		if err := h.conn.Rollback(ctx); err != nil {
			errs = append(errs, fmt.Errorf("rollback: %w", err))
			break
		}
	}
	if err := h.conn.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}
	h.ops.TickClose()
	if h.onClose != nil {
		h.onClose()
	}

	err := errors.Join(errs...)
	if err != nil {
		h.ops.Fail(cookie, err)
	} else {
		h.ops.End(cookie)
	}

	h.mu.Lock()
	h.lastAction = "closed"
	h.mu.Unlock()
	return err
}

// WithConn runs fn against the physical connection while holding the
// handle's I/O lock. The caller must hold a reference. action names the
// operation in diagnostics.
func (h *Handle) WithConn(ctx context.Context, action string, fn func(Conn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.ioMu.Lock()
	defer h.ioMu.Unlock()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return fmt.Errorf("%s on %s: %w", action, h, ErrClosed)
	}
	h.lastAction = action
	h.mu.Unlock()

	cookie := h.ops.Begin(h.qualifier, action)
	err := fn(h.conn)
	if err != nil {
		h.ops.Fail(cookie, err)
		return err
	}
	h.ops.End(cookie)
	return nil
}

// SignalInit publishes the initialization outcome and wakes every waiter.
// Only the first call has an effect.
func (h *Handle) SignalInit(ok bool) {
	fired := false
	h.initOnce.Do(func() {
		h.mu.Lock()
		if ok {
			h.state = InitSucceeded
		} else {
			h.state = InitFailed
		}
		h.lastAction = fmt.Sprintf("signalInit(%t)", ok)
		h.mu.Unlock()
		close(h.initDone)
		fired = true
	})
	if !fired {
		h.log.Warn(h.namespace, fmt.Sprintf("initialization of session %s already signalled; ignoring signalInit(%t)", h, ok))
	}
}

// WaitForInit blocks until SignalInit has been called and reports whether
// initialization succeeded. It returns early with ctx.Err() if ctx ends.
func (h *Handle) WaitForInit(ctx context.Context) (bool, error) {
	select {
	case <-h.initDone:
		return h.InitState() == InitSucceeded, nil
	default:
	}

	ticker := time.NewTicker(h.poll)
	defer ticker.Stop()
	start := time.Now()
	for {
		select {
		case <-h.initDone:
			return h.InitState() == InitSucceeded, nil
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
			logging.Debugf("session %s: still waiting for initialization after %s", h, time.Since(start).Round(time.Millisecond))
		}
	}
}

// InitState returns the current initialization state.
func (h *Handle) InitState() InitState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// RefCount returns the current reference count.
func (h *Handle) RefCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refCount
}

// LastAction returns the most recent state-changing operation.
func (h *Handle) LastAction() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastAction
}

// Closed reports whether the handle has been wrapped up.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}
