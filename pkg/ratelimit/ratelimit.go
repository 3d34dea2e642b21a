// Package ratelimit pairs a token-bucket limiter with klog, the idiomatic
// Go equivalent of the original's VLOG_RATE_LIMIT_INIT(rate, burst) plus
// VLOG_DROP_DBG/VLOG_WARN_RL helpers.
package ratelimit

import (
	"sync/atomic"

	"golang.org/x/time/rate"
	"k8s.io/klog/v2"
)

// Limiter rate-limits a family of related log lines. rate is messages per
// second sustained; burst is the initial allowance, matching
// VLOG_RATE_LIMIT_INIT's (rate, burst) pair.
type Limiter struct {
	tokens  *rate.Limiter
	dropped int64
}

// New constructs a Limiter allowing perSecond messages per second with
// burst initial capacity.
func New(perSecond, burst int) *Limiter {
	return &Limiter{tokens: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (l *Limiter) allow() bool {
	if l.tokens.Allow() {
		return true
	}
	atomic.AddInt64(&l.dropped, 1)
	return false
}

// Dropped returns how many log lines this limiter has suppressed so far.
func (l *Limiter) Dropped() int64 {
	return atomic.LoadInt64(&l.dropped)
}

func (l *Limiter) Infof(format string, args ...interface{}) {
	if l.allow() {
		klog.Infof(format, args...)
	}
}

func (l *Limiter) Warningf(format string, args ...interface{}) {
	if l.allow() {
		klog.Warningf(format, args...)
	}
}

func (l *Limiter) Errorf(format string, args ...interface{}) {
	if l.allow() {
		klog.Errorf(format, args...)
	}
}
