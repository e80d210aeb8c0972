package net

import (
	"sync/atomic"

	"go.uber.org/ratelimit"
	"golang.org/x/time/rate"
)

// RecvLimiter is a token bucket over inbound messages of one connection. It never blocks:
// a message without a token is dropped by the caller. Reload swaps the bucket atomically.
type RecvLimiter struct {
	limiter atomic.Pointer[rate.Limiter]
}

// NewRecvLimiter allows limit messages per second with the given burst. limit <= 0 means
// unlimited.
func NewRecvLimiter(limit int, burst int) *RecvLimiter {
	l := &RecvLimiter{}
	l.Reload(limit, burst)
	return l
}

func newRateLimiter(limit int, burst int) *rate.Limiter {
	if limit <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst <= 0 {
		burst = limit
	}
	return rate.NewLimiter(rate.Limit(limit), burst)
}

// Allow takes a token if one is available.
func (l *RecvLimiter) Allow() bool {
	return l.limiter.Load().Allow()
}

func (l *RecvLimiter) Reload(limit int, burst int) {
	l.limiter.Store(newRateLimiter(limit, burst))
}

// ConnectPacer spaces outbound connect attempts evenly, perSec <= 0 means unpaced.
type ConnectPacer struct {
	limiter atomic.Pointer[ratelimit.Limiter]
}

func NewConnectPacer(perSec int) *ConnectPacer {
	p := &ConnectPacer{}
	p.Reload(perSec)
	return p
}

// Take blocks until the next attempt may start.
func (p *ConnectPacer) Take() {
	_ = (*p.limiter.Load()).Take()
}

func (p *ConnectPacer) Reload(perSec int) {
	var limiter ratelimit.Limiter
	if perSec <= 0 {
		limiter = ratelimit.NewUnlimited()
	} else {
		limiter = ratelimit.New(perSec)
	}
	p.limiter.Store(&limiter)
}
