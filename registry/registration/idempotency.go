// Copyright (C) 2026 ICCT Registry Authors.
// See LICENSE for copying information.

package registration

import (
	"context"
	"time"

	"github.com/zeebo/errs"
)

// ErrIdempotency is the error class for idempotency store failures.
var ErrIdempotency = errs.Class("idempotency")

// BeginState classifies the outcome of Idempotency.Begin.
type BeginState int

// Begin outcomes.
const (
	// BeginNew means the key was unknown and an in-flight record was
	// inserted; the caller owns the submission.
	BeginNew BeginState = iota
	// BeginDuplicateInFlight means another submission with the same key
	// is currently being processed.
	BeginDuplicateInFlight
	// BeginCompleted means the key already finished; the cached response
	// must be replayed verbatim.
	BeginCompleted
	// BeginConflict means the key is known but the payload hash differs.
	BeginConflict
)

// BeginResult is the outcome of Begin, carrying the cached response body
// when State is BeginCompleted.
type BeginResult struct {
	State    BeginState
	Response []byte
}

// Idempotency deduplicates submissions by a caller-supplied key. Records
// expire after a configured window and are then treated as absent.
//
// architecture: Database
type Idempotency interface {
	// Begin atomically claims key for a payload hash. On a key collision
	// it classifies the existing record instead of inserting.
	Begin(ctx context.Context, key, payloadHash string, ttl time.Duration) (BeginResult, error)
	// Complete transitions the record from in-flight to completed and
	// stores the response body to be replayed.
	Complete(ctx context.Context, key string, response []byte) error
	// Abort deletes the in-flight record so the caller may retry.
	Abort(ctx context.Context, key string) error
	// DeleteExpired garbage-collects expired records.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
