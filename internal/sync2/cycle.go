// Copyright (C) 2026 ICCT Registry Authors.
// See LICENSE for copying information.

// Package sync2 provides a controllable recurring event loop for chores.
package sync2

import (
	"context"
	"sync"
	"time"
)

// Cycle implements a controllable recurring event. Run executes fn once per
// interval until the context is done or the cycle is closed; Trigger forces
// an immediate run, which tests use instead of waiting out the interval.
type Cycle struct {
	interval time.Duration

	trigger chan chan struct{}
	quit    chan struct{}

	init sync.Once
}

// NewCycle creates a new cycle with the specified interval.
func NewCycle(interval time.Duration) *Cycle {
	cycle := &Cycle{interval: interval}
	cycle.initialize()
	return cycle
}

func (cycle *Cycle) initialize() {
	cycle.init.Do(func() {
		cycle.trigger = make(chan chan struct{})
		cycle.quit = make(chan struct{})
	})
}

// Run executes fn on every tick. A non-nil error from fn stops the cycle
// and is returned.
func (cycle *Cycle) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	cycle.initialize()

	ticker := time.NewTicker(cycle.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				return err
			}
		case done := <-cycle.trigger:
			err := fn(ctx)
			close(done)
			if err != nil {
				return err
			}
		case <-cycle.quit:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// TriggerWait forces fn to run and waits for it to complete.
func (cycle *Cycle) TriggerWait() {
	cycle.initialize()
	done := make(chan struct{})
	select {
	case cycle.trigger <- done:
		<-done
	case <-cycle.quit:
	}
}

// Close stops the cycle permanently.
func (cycle *Cycle) Close() {
	cycle.initialize()
	select {
	case <-cycle.quit:
	default:
		close(cycle.quit)
	}
}
