// Copyright (C) 2026 ICCT Registry Authors.
// See LICENSE for copying information.

// Package retry provides the shared retry and circuit breaker policies
// wrapped around external dependency call sites.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/eapache/go-resiliency/breaker"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var mon = monkit.Package()

// Error is the default error class for the retry package.
var Error = errs.Class("retry")

// ErrCircuitOpen is returned when a call short-circuits on an open breaker.
var ErrCircuitOpen = errs.Class("circuit open")

// Policy describes an exponential backoff retry envelope.
type Policy struct {
	MaxAttempts   int           `help:"maximum attempts including the first" default:"3"`
	InitialDelay  time.Duration `help:"delay before the first retry" default:"200ms"`
	MaxDelay      time.Duration `help:"upper bound for a single delay" default:"5s"`
	Factor        float64       `help:"delay multiplier between retries" default:"2"`
	Randomization float64       `help:"jitter fraction applied to each delay" default:"0.25"`
}

// DefaultPolicy matches the envelope used for object-store uploads.
var DefaultPolicy = Policy{
	MaxAttempts:   3,
	InitialDelay:  200 * time.Millisecond,
	MaxDelay:      5 * time.Second,
	Factor:        2,
	Randomization: 0.25,
}

// Permanent marks err as not retryable; Run returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Run invokes op until it succeeds, returns a permanent error, the attempt
// budget is exhausted, or ctx is done.
func (policy Policy) Run(ctx context.Context, op func(ctx context.Context) error) (err error) {
	defer mon.Task()(&ctx)(&err)

	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = policy.InitialDelay
	expo.MaxInterval = policy.MaxDelay
	expo.Multiplier = policy.Factor
	expo.RandomizationFactor = policy.Randomization
	expo.MaxElapsedTime = 0
	expo.Reset()

	return backoff.Retry(func() error {
		return op(ctx)
	}, backoff.WithContext(backoff.WithMaxRetries(expo, uint64(attempts-1)), ctx))
}

// Breaker is a three-state circuit breaker guarding one external dependency.
// It opens after Threshold consecutive failures, stays open for CoolOff and
// then admits a single probe.
type Breaker struct {
	br *breaker.Breaker
}

// BreakerConfig configures a Breaker.
type BreakerConfig struct {
	Threshold int           `help:"consecutive failures before the breaker opens" default:"5"`
	CoolOff   time.Duration `help:"how long the breaker stays open" default:"30s"`
}

// NewBreaker creates a Breaker from config.
func NewBreaker(config BreakerConfig) *Breaker {
	threshold := config.Threshold
	if threshold < 1 {
		threshold = 5
	}
	coolOff := config.CoolOff
	if coolOff <= 0 {
		coolOff = 30 * time.Second
	}
	return &Breaker{br: breaker.New(threshold, 1, coolOff)}
}

// Run executes op unless the breaker is open. An open breaker yields an
// ErrCircuitOpen error without invoking op.
func (b *Breaker) Run(ctx context.Context, op func(ctx context.Context) error) (err error) {
	defer mon.Task()(&ctx)(&err)

	err = b.br.Run(func() error {
		return op(ctx)
	})
	if err == breaker.ErrBreakerOpen {
		mon.Event("circuit_breaker_open")
		return ErrCircuitOpen.New("dependency call short-circuited")
	}
	return err
}
