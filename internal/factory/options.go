// Copyright (c) 2026 ToeiRei
// dbsession - namespaced database session registry
// This source code is licensed under the MIT license found in the LICENSE file.

package factory

import (
	"time"

	"github.com/toeirei/dbsession/internal/handle"
	"github.com/toeirei/dbsession/internal/logging"
	"github.com/toeirei/dbsession/internal/metrics"
)

// RetryPolicy is the fixed two-tier cadence used while the backend reports a
// lock: ShortDelay after every failed attempt, LongDelay instead on every
// LongEvery-th, giving up after MaxAttempts opens.
type RetryPolicy struct {
	MaxAttempts int
	ShortDelay  time.Duration
	LongDelay   time.Duration
	LongEvery   int
}

// DefaultRetryPolicy returns the stock cadence.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 200,
		ShortDelay:  20 * time.Millisecond,
		LongDelay:   500 * time.Millisecond,
		LongEvery:   10,
	}
}

// delay returns the sleep after failed attempt n (1-based).
func (p RetryPolicy) delay(n int) time.Duration {
	if p.LongEvery > 0 && n%p.LongEvery == 0 {
		return p.LongDelay
	}
	return p.ShortDelay
}

// logEvery is how many failed attempts pass between "still locked" warnings.
func (p RetryPolicy) logEvery() int {
	if p.LongEvery > 0 {
		return p.LongEvery
	}
	return 10
}

func (p RetryPolicy) normalized() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.ShortDelay < 0 {
		p.ShortDelay = 0
	}
	if p.LongDelay < 0 {
		p.LongDelay = 0
	}
	return p
}

// Option configures a Factory.
type Option func(*Factory)

// WithLogger sets the diagnostics sink. The default logs through the
// package-level logger.
func WithLogger(l logging.Logger) Option {
	return func(f *Factory) {
		if l != nil {
			f.log = l
		}
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Factory) { f.metrics = m }
}

// WithRetryPolicy overrides DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(f *Factory) { f.retry = p.normalized() }
}

// WithInitPollInterval sets how often waiters on a base initialization log
// that they are still waiting.
func WithInitPollInterval(d time.Duration) Option {
	return func(f *Factory) {
		if d > 0 {
			f.pollInterval = d
		}
	}
}

var defaultPollInterval = handle.DefaultPollInterval
