// Copyright (C) 2026 ICCT Registry Authors.
// See LICENSE for copying information.

package registrationdb

import (
	"context"
	"database/sql"
	"time"

	"github.com/icctcup/registry/registry/registration"
)

// ensures that idempotency implements registration.Idempotency.
var _ registration.Idempotency = (*idempotency)(nil)

// idempotency exposes the idempotency table.
type idempotency struct {
	db *DB
}

// Begin implements registration.Idempotency.
func (i *idempotency) Begin(ctx context.Context, key, payloadHash string, ttl time.Duration) (result registration.BeginResult, err error) {
	defer mon.Task()(&ctx)(&err)
	ctx, cancel := i.db.stmtCtx(ctx)
	defer cancel()

	// Expired records count as absent; clearing them first keeps the
	// insert below a plain conflict-or-claim.
	_, err = i.db.db.ExecContext(ctx,
		`DELETE FROM idempotency WHERE key = $1 AND expires_at <= now()`, key)
	if err != nil {
		return result, Error.Wrap(err)
	}

	var inserted bool
	err = i.db.db.QueryRowContext(ctx, `
		INSERT INTO idempotency (key, payload_hash, status, expires_at)
		VALUES ($1, $2, 'in-flight', now() + $3 * interval '1 second')
		ON CONFLICT (key) DO NOTHING
		RETURNING true`,
		key, payloadHash, int64(ttl/time.Second)).Scan(&inserted)
	if err == nil && inserted {
		result.State = registration.BeginNew
		return result, nil
	}
	if err != nil && err != sql.ErrNoRows {
		return result, Error.Wrap(err)
	}

	var existingHash, status string
	var response []byte
	err = i.db.db.QueryRowContext(ctx,
		`SELECT payload_hash, status, response_body FROM idempotency WHERE key = $1`,
		key).Scan(&existingHash, &status, &response)
	if err != nil {
		if err == sql.ErrNoRows {
			// The colliding record expired between the insert and
			// this read; treat the submission as new by retrying.
			return i.Begin(ctx, key, payloadHash, ttl)
		}
		return result, Error.Wrap(err)
	}

	switch {
	case existingHash != payloadHash:
		result.State = registration.BeginConflict
	case status == "completed":
		result.State = registration.BeginCompleted
		result.Response = response
	default:
		result.State = registration.BeginDuplicateInFlight
	}
	return result, nil
}

// Complete implements registration.Idempotency.
func (i *idempotency) Complete(ctx context.Context, key string, response []byte) (err error) {
	defer mon.Task()(&ctx)(&err)
	ctx, cancel := i.db.stmtCtx(ctx)
	defer cancel()

	result, err := i.db.db.ExecContext(ctx, `
		UPDATE idempotency SET status = 'completed', response_body = $2
		WHERE key = $1 AND status = 'in-flight'`, key, response)
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return registration.ErrIdempotency.New("no in-flight record for key")
	}
	return nil
}

// Abort implements registration.Idempotency.
func (i *idempotency) Abort(ctx context.Context, key string) (err error) {
	defer mon.Task()(&ctx)(&err)
	ctx, cancel := i.db.stmtCtx(ctx)
	defer cancel()

	_, err = i.db.db.ExecContext(ctx,
		`DELETE FROM idempotency WHERE key = $1 AND status = 'in-flight'`, key)
	return Error.Wrap(err)
}

// DeleteExpired implements registration.Idempotency.
func (i *idempotency) DeleteExpired(ctx context.Context, now time.Time) (deleted int64, err error) {
	defer mon.Task()(&ctx)(&err)
	ctx, cancel := i.db.stmtCtx(ctx)
	defer cancel()

	result, err := i.db.db.ExecContext(ctx,
		`DELETE FROM idempotency WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	deleted, err = result.RowsAffected()
	return deleted, Error.Wrap(err)
}
