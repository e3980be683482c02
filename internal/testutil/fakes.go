// Copyright (c) 2026 ToeiRei
// dbsession - namespaced database session registry
// This source code is licensed under the MIT license found in the LICENSE file.

// Package testutil provides in-memory doubles for the backend opener, its
// connections and the schema migrator, so registry tests can count physical
// opens and closes without touching a database.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/toeirei/dbsession/internal/handle"
)

// ErrAlreadyClosed is returned by FakeConn.Close after the first call.
var ErrAlreadyClosed = errors.New("fake connection already closed")

type key struct{ namespace, qualifier string }

// FakeOpener hands out FakeConns and records every open and close per
// (namespace, qualifier). Versions are shared per namespace, like a real
// database file would be.
type FakeOpener struct {
	mu         sync.Mutex
	attempts   map[key]int
	opens      map[key]int
	closes     map[key]int
	doubles    int
	versions   map[string]int
	locked     map[string]int
	lockErr    error
	openErr    map[string]error
	conns      []*FakeConn
	closeOrder []string
	BeforeOpen func(namespace, qualifier string)
	// StuckTx makes every opened connection report an open transaction
	// no matter how often it is rolled back.
	StuckTx bool
}

// NewFakeOpener returns an opener with no injected failures.
func NewFakeOpener() *FakeOpener {
	return &FakeOpener{
		attempts: map[key]int{},
		opens:    map[key]int{},
		closes:   map[key]int{},
		versions: map[string]int{},
		locked:   map[string]int{},
		openErr:  map[string]error{},
	}
}

// LockFor makes the next n open attempts in namespace fail with err.
func (o *FakeOpener) LockFor(namespace string, n int, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.locked[namespace] = n
	o.lockErr = err
}

// FailWith makes every open in namespace fail with err. A nil err clears it.
func (o *FakeOpener) FailWith(namespace string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err == nil {
		delete(o.openErr, namespace)
		return
	}
	o.openErr[namespace] = err
}

// SetVersion presets the stored schema version of namespace.
func (o *FakeOpener) SetVersion(namespace string, v int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.versions[namespace] = v
}

// Version returns the committed schema version of namespace.
func (o *FakeOpener) Version(namespace string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.versions[namespace]
}

// Open implements the backend opener contract.
func (o *FakeOpener) Open(ctx context.Context, namespace, qualifier string) (handle.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if o.BeforeOpen != nil {
		o.BeforeOpen(namespace, qualifier)
	}
	k := key{namespace, qualifier}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.attempts[k]++
	if err, ok := o.openErr[namespace]; ok {
		return nil, err
	}
	if o.locked[namespace] > 0 {
		o.locked[namespace]--
		return nil, fmt.Errorf("open %s/%s: %w", namespace, qualifier, o.lockErr)
	}
	o.opens[k]++
	c := &FakeConn{opener: o, key: k, stuck: o.StuckTx}
	o.conns = append(o.conns, c)
	return c, nil
}

// Attempts returns how many times Open was called for (namespace, qualifier).
func (o *FakeOpener) Attempts(namespace, qualifier string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.attempts[key{namespace, qualifier}]
}

// Opens returns the successful opens for (namespace, qualifier).
func (o *FakeOpener) Opens(namespace, qualifier string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens[key{namespace, qualifier}]
}

// Closes returns the physical closes for (namespace, qualifier).
func (o *FakeOpener) Closes(namespace, qualifier string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closes[key{namespace, qualifier}]
}

// TotalOpens sums successful opens across all keys.
func (o *FakeOpener) TotalOpens() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, v := range o.opens {
		n += v
	}
	return n
}

// TotalCloses sums physical closes across all keys.
func (o *FakeOpener) TotalCloses() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, v := range o.closes {
		n += v
	}
	return n
}

// DoubleCloses counts Close calls on connections that were already closed.
func (o *FakeOpener) DoubleCloses() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.doubles
}

// Conns returns every connection handed out so far, in open order.
func (o *FakeOpener) Conns() []*FakeConn {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*FakeConn(nil), o.conns...)
}

// CloseOrder returns the qualifiers of closed connections, oldest first.
func (o *FakeOpener) CloseOrder() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.closeOrder...)
}

// FakeConn is an in-memory connection with nested transaction tracking. A
// version written inside a transaction only becomes visible to other
// connections once the outermost transaction commits.
type FakeConn struct {
	opener *FakeOpener
	key    key

	mu        sync.Mutex
	depth     int
	pending   int
	hasWrite  bool
	closed    bool
	stuck     bool
	rollbacks int
}

func (c *FakeConn) Namespace() string { return c.key.namespace }
func (c *FakeConn) Qualifier() string { return c.key.qualifier }

func (c *FakeConn) BeginExclusive(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrAlreadyClosed
	}
	c.depth++
	return nil
}

func (c *FakeConn) Commit(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.depth == 0 {
		return errors.New("commit without transaction")
	}
	c.depth--
	if c.depth == 0 && c.hasWrite {
		c.opener.SetVersion(c.key.namespace, c.pending)
		c.hasWrite = false
	}
	return nil
}

func (c *FakeConn) Rollback(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.depth == 0 {
		return errors.New("rollback without transaction")
	}
	c.rollbacks++
	if c.stuck {
		return nil
	}
	c.depth--
	if c.depth == 0 {
		c.hasWrite = false
	}
	return nil
}

func (c *FakeConn) InTransaction() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.depth > 0
}

func (c *FakeConn) Version(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hasWrite {
		return c.pending, nil
	}
	return c.opener.Version(c.key.namespace), nil
}

func (c *FakeConn) SetVersion(ctx context.Context, v int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.depth == 0 {
		c.opener.SetVersion(c.key.namespace, v)
		return nil
	}
	c.pending = v
	c.hasWrite = true
	return nil
}

func (c *FakeConn) Close() error {
	c.mu.Lock()
	already := c.closed
	c.closed = true
	c.mu.Unlock()

	c.opener.mu.Lock()
	defer c.opener.mu.Unlock()
	if already {
		c.opener.doubles++
		return ErrAlreadyClosed
	}
	c.opener.closes[c.key]++
	c.opener.closeOrder = append(c.opener.closeOrder, c.key.qualifier)
	return nil
}

// Closed reports whether Close has been called.
func (c *FakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Rollbacks counts Rollback calls that unwound a transaction level.
func (c *FakeConn) Rollbacks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rollbacks
}

// FakeMigrator records schema callbacks. CreateErr and UpgradeErr, when set,
// are returned from the matching callback. Gate, when non-nil, blocks
// OnCreate until it is closed.
type FakeMigrator struct {
	Target     int
	CreateErr  error
	UpgradeErr error
	Gate       chan struct{}
	OnCreateFn func(ctx context.Context, conn handle.Conn) error

	creates  atomic.Int32
	upgrades atomic.Int32
	started  chan struct{}
	once     sync.Once
}

// NewFakeMigrator returns a migrator targeting version target.
func NewFakeMigrator(target int) *FakeMigrator {
	return &FakeMigrator{Target: target, started: make(chan struct{})}
}

func (m *FakeMigrator) TargetVersion() int { return m.Target }

func (m *FakeMigrator) OnCreate(ctx context.Context, conn handle.Conn) error {
	m.creates.Add(1)
	m.markStarted()
	if m.Gate != nil {
		select {
		case <-m.Gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if m.OnCreateFn != nil {
		if err := m.OnCreateFn(ctx, conn); err != nil {
			return err
		}
	}
	return m.CreateErr
}

func (m *FakeMigrator) OnUpgrade(ctx context.Context, conn handle.Conn, from, to int) error {
	m.upgrades.Add(1)
	m.markStarted()
	return m.UpgradeErr
}

func (m *FakeMigrator) markStarted() {
	if m.started == nil {
		return
	}
	m.once.Do(func() { close(m.started) })
}

// Started is closed once the first schema callback has begun.
func (m *FakeMigrator) Started() <-chan struct{} { return m.started }

// Creates returns how many times OnCreate ran.
func (m *FakeMigrator) Creates() int { return int(m.creates.Load()) }

// Upgrades returns how many times OnUpgrade ran.
func (m *FakeMigrator) Upgrades() int { return int(m.upgrades.Load()) }
