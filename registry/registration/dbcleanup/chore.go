// Copyright (C) 2026 ICCT Registry Authors.
// See LICENSE for copying information.

// Package dbcleanup garbage-collects expired idempotency records.
package dbcleanup

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/icctcup/registry/internal/sync2"
	"github.com/icctcup/registry/registry/registration"
)

var (
	// Error defines the dbcleanup chore errors class.
	Error = errs.Class("dbcleanup chore")
	mon   = monkit.Package()
)

// Config contains configurable values for the cleanup chore.
type Config struct {
	Interval time.Duration `help:"the time between cleanup runs" default:"1h"`
}

// Chore periodically deletes expired idempotency records.
//
// architecture: Chore
type Chore struct {
	log  *zap.Logger
	idem registration.Idempotency
	Loop *sync2.Cycle
}

// NewChore creates a new cleanup chore.
func NewChore(log *zap.Logger, idem registration.Idempotency, config Config) *Chore {
	interval := config.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	return &Chore{
		log:  log,
		idem: idem,
		Loop: sync2.NewCycle(interval),
	}
}

// Run starts the cleanup loop.
func (chore *Chore) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	return chore.Loop.Run(ctx, func(ctx context.Context) error {
		deleted, err := chore.idem.DeleteExpired(ctx, time.Now())
		if err != nil {
			chore.log.Error("idempotency cleanup failed", zap.Error(err))
			return nil
		}
		if deleted > 0 {
			chore.log.Info("idempotency records expired", zap.Int64("deleted", deleted))
		}
		return nil
	})
}

// Close stops the cleanup loop.
func (chore *Chore) Close() error {
	chore.Loop.Close()
	return nil
}
