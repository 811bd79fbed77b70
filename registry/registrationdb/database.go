// Copyright (C) 2026 ICCT Registry Authors.
// See LICENSE for copying information.

// Package registrationdb implements registration.DB on PostgreSQL.
package registrationdb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/icctcup/registry/registry/registration"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the registrationdb package.
	Error = errs.Class("registrationdb")
)

// Config configures the database connection.
type Config struct {
	URL             string        `help:"postgres connection string" default:"postgres://localhost/registry?sslmode=disable"`
	MaxOpenConns    int           `help:"maximum open connections" default:"25"`
	MaxIdleConns    int           `help:"maximum idle connections" default:"5"`
	ConnMaxLifetime time.Duration `help:"connection lifetime" default:"30m"`
	StatementTime   time.Duration `help:"per statement budget" default:"10s"`
}

// DB implements registration.DB on a PostgreSQL database.
type DB struct {
	log *zap.Logger
	db  *sql.DB

	stmtBudget time.Duration
}

var _ registration.DB = (*DB)(nil)

// Open connects to the configured PostgreSQL database.
func Open(ctx context.Context, log *zap.Logger, config Config) (*DB, error) {
	db, err := sql.Open("postgres", config.URL)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, Error.Wrap(errs.Combine(err, db.Close()))
	}

	stmtBudget := config.StatementTime
	if stmtBudget <= 0 {
		stmtBudget = 10 * time.Second
	}
	return &DB{log: log, db: db, stmtBudget: stmtBudget}, nil
}

// Schema returns the DDL for all registration tables.
func Schema() string {
	return `
	CREATE TABLE IF NOT EXISTS teams (
		id bigserial PRIMARY KEY,
		team_id text NOT NULL,
		team_name text NOT NULL,
		church_name text NOT NULL,
		church_name_key text NOT NULL,
		captain_name text NOT NULL,
		captain_phone text NOT NULL,
		captain_whatsapp text NOT NULL,
		captain_email text NOT NULL,
		vice_captain_name text NOT NULL,
		vice_captain_phone text NOT NULL,
		vice_captain_whatsapp text NOT NULL,
		vice_captain_email text NOT NULL,
		pastor_letter text NOT NULL DEFAULT '',
		payment_receipt text NOT NULL DEFAULT '',
		group_photo text NOT NULL DEFAULT '',
		registration_status text NOT NULL DEFAULT 'pending'
			CHECK (registration_status IN ('pending', 'confirmed', 'rejected')),
		created_at timestamptz NOT NULL DEFAULT now(),
		updated_at timestamptz NOT NULL DEFAULT now(),
		CONSTRAINT teams_team_id_key UNIQUE (team_id),
		CONSTRAINT teams_team_name_captain_phone_key UNIQUE (team_name, captain_phone)
	);
	CREATE INDEX IF NOT EXISTS teams_church_name_key_index ON teams (church_name_key);
	CREATE INDEX IF NOT EXISTS teams_registration_status_index ON teams (registration_status);

	CREATE TABLE IF NOT EXISTS players (
		id bigserial PRIMARY KEY,
		team_fk bigint NOT NULL REFERENCES teams (id) ON DELETE RESTRICT,
		player_id text NOT NULL,
		position integer NOT NULL,
		name text NOT NULL,
		role text NOT NULL DEFAULT '',
		aadhar_file text NOT NULL DEFAULT '',
		subscription_file text NOT NULL DEFAULT '',
		CONSTRAINT players_player_id_key UNIQUE (player_id),
		CONSTRAINT players_team_position_key UNIQUE (team_fk, position)
	);

	CREATE TABLE IF NOT EXISTS team_sequence (
		id integer PRIMARY KEY,
		last_number integer NOT NULL DEFAULT 0,
		updated_at timestamptz NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS idempotency (
		key text PRIMARY KEY,
		payload_hash text NOT NULL,
		status text NOT NULL DEFAULT 'in-flight'
			CHECK (status IN ('in-flight', 'completed')),
		response_body bytea,
		created_at timestamptz NOT NULL DEFAULT now(),
		expires_at timestamptz NOT NULL
	);`
}

// CreateTables applies the schema and seeds the sequence row.
func (db *DB) CreateTables(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if _, err := db.db.ExecContext(ctx, Schema()); err != nil {
		return Error.Wrap(err)
	}
	_, err = db.db.ExecContext(ctx,
		`INSERT INTO team_sequence (id, last_number) VALUES (1, 0) ON CONFLICT (id) DO NOTHING`)
	return Error.Wrap(err)
}

// Teams implements registration.DB.
func (db *DB) Teams() registration.Teams { return &teams{db: db} }

// Idempotency implements registration.DB.
func (db *DB) Idempotency() registration.Idempotency { return &idempotency{db: db} }

// Ping implements registration.DB.
func (db *DB) Ping(ctx context.Context) error { return Error.Wrap(db.db.PingContext(ctx)) }

// Close implements registration.DB.
func (db *DB) Close() error { return Error.Wrap(db.db.Close()) }

// AllocateTeamID implements registration.DB. It locks the church's team
// rows, re-counts them, enforces the quota and advances the locked sequence
// row, all in one transaction.
func (db *DB) AllocateTeamID(ctx context.Context, churchName string, opts registration.AllocateOptions) (teamID string, err error) {
	defer mon.Task()(&ctx)(&err)

	churchKey := registration.NormalizeChurchName(churchName)

	err = db.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		// Locking the existing rows serializes concurrent submissions
		// for the same church; the count below runs in a fresh
		// statement and therefore observes rows committed while we
		// waited for the lock.
		if _, err := tx.ExecContext(ctx,
			`SELECT id FROM teams WHERE church_name_key = $1 FOR UPDATE`, churchKey); err != nil {
			return err
		}
		var count int
		if err := tx.QueryRowContext(ctx,
			`SELECT count(*) FROM teams WHERE church_name_key = $1`, churchKey).Scan(&count); err != nil {
			return err
		}
		if count >= opts.MaxTeamsPerChurch {
			return registration.ErrQuotaExceeded.New(
				"maximum %d teams already registered for this church", opts.MaxTeamsPerChurch)
		}

		var last int
		if err := tx.QueryRowContext(ctx,
			`SELECT last_number FROM team_sequence WHERE id = 1 FOR UPDATE`).Scan(&last); err != nil {
			if err == sql.ErrNoRows {
				last = 0
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO team_sequence (id, last_number) VALUES (1, 0)`); err != nil {
					return err
				}
			} else {
				return err
			}
		}
		next := last + 1
		if _, err := tx.ExecContext(ctx,
			`UPDATE team_sequence SET last_number = $1, updated_at = now() WHERE id = 1`, next); err != nil {
			return err
		}
		teamID = fmt.Sprintf("%s-%03d", opts.Prefix, next)
		return nil
	})
	if err != nil {
		return "", err
	}
	return teamID, nil
}

// ReconcileSequence implements registration.DB.
func (db *DB) ReconcileSequence(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	return db.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var maxNumber int
		err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(NULLIF(substring(team_id from '[0-9]+$'), '')::int), 0)
			FROM teams`).Scan(&maxNumber)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO team_sequence (id, last_number) VALUES (1, $1)
			ON CONFLICT (id) DO UPDATE
			SET last_number = GREATEST(team_sequence.last_number, EXCLUDED.last_number),
			    updated_at = now()`, maxNumber)
		return err
	})
}

// withTx runs fn inside a transaction and retries on serialization failures
// and deadlocks. fn may run more than once; side effects outside the
// database must be idempotent.
func (db *DB) withTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) (err error) {
	defer mon.Task()(&ctx)(&err)

	start := time.Now()
	for i := 0; ; i++ {
		err := db.withTxOnce(ctx, fn)
		if time.Since(start) < time.Minute && i < 10 {
			if code := pqErrCode(err); code == "40001" || code == "40P01" {
				mon.Event(fmt.Sprintf("transaction_retry_%d", i+1))
				continue
			}
		}
		return err
	}
}

// stmtCtx bounds one statement or transaction attempt by the configured
// per-statement budget.
func (db *DB) stmtCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, db.stmtBudget)
}

func (db *DB) withTxOnce(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) (err error) {
	ctx, cancel := db.stmtCtx(ctx)
	defer cancel()

	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() {
		if err == nil {
			err = Error.Wrap(tx.Commit())
		} else {
			err = errs.Combine(err, Error.Wrap(tx.Rollback()))
		}
	}()
	return fn(ctx, tx)
}

// pqErrCode returns the postgres error code in the chain of errors walked
// by unwrapping.
func pqErrCode(err error) (code string) {
	errs.IsFunc(err, func(err error) bool {
		if pgerr, ok := err.(*pq.Error); ok {
			code = string(pgerr.Code)
			return true
		}
		return false
	})
	return code
}

// classifyInsertError maps unique violations to business error classes.
func classifyInsertError(err error) error {
	if err == nil {
		return nil
	}
	var constraint string
	errs.IsFunc(err, func(err error) bool {
		if pgerr, ok := err.(*pq.Error); ok && string(pgerr.Code) == "23505" {
			constraint = pgerr.Constraint
			return true
		}
		return false
	})
	switch constraint {
	case "teams_team_id_key", "players_player_id_key", "players_team_position_key":
		return registration.ErrTeamIDTaken.Wrap(err)
	case "teams_team_name_captain_phone_key":
		return registration.ErrDuplicateTeam.Wrap(err)
	}
	return Error.Wrap(err)
}
