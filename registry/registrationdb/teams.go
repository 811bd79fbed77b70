// Copyright (C) 2026 ICCT Registry Authors.
// See LICENSE for copying information.

package registrationdb

import (
	"context"
	"database/sql"
	"strconv"
	"strings"

	"github.com/zeebo/errs"

	"github.com/icctcup/registry/registry/objectstore"
	"github.com/icctcup/registry/registry/registration"
)

// ensures that teams implements registration.Teams.
var _ registration.Teams = (*teams)(nil)

// teams exposes the teams and players tables.
type teams struct {
	db *DB
}

const teamColumns = `
	id, team_id, team_name, church_name,
	captain_name, captain_phone, captain_whatsapp, captain_email,
	vice_captain_name, vice_captain_phone, vice_captain_whatsapp, vice_captain_email,
	pastor_letter, payment_receipt, group_photo,
	registration_status, created_at, updated_at`

// Insert implements registration.Teams.
func (t *teams) Insert(ctx context.Context, team *registration.Team, maxTeamsPerChurch int) (_ *registration.Team, err error) {
	defer mon.Task()(&ctx)(&err)

	churchKey := registration.NormalizeChurchName(team.ChurchName)

	created := *team
	err = t.db.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`SELECT id FROM teams WHERE church_name_key = $1 FOR UPDATE`, churchKey); err != nil {
			return Error.Wrap(err)
		}
		var count int
		if err := tx.QueryRowContext(ctx,
			`SELECT count(*) FROM teams WHERE church_name_key = $1`, churchKey).Scan(&count); err != nil {
			return Error.Wrap(err)
		}
		if count >= maxTeamsPerChurch {
			return registration.ErrQuotaExceeded.New(
				"maximum %d teams already registered for this church", maxTeamsPerChurch)
		}

		err := tx.QueryRowContext(ctx, `
			INSERT INTO teams (
				team_id, team_name, church_name, church_name_key,
				captain_name, captain_phone, captain_whatsapp, captain_email,
				vice_captain_name, vice_captain_phone, vice_captain_whatsapp, vice_captain_email,
				pastor_letter, payment_receipt, group_photo, registration_status
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
			RETURNING id, created_at, updated_at`,
			team.TeamID, team.TeamName, team.ChurchName,
			registration.NormalizeChurchName(team.ChurchName),
			team.Captain.Name, team.Captain.Phone, team.Captain.Whatsapp, team.Captain.Email,
			team.ViceCaptain.Name, team.ViceCaptain.Phone, team.ViceCaptain.Whatsapp, team.ViceCaptain.Email,
			team.PastorLetterURL, team.PaymentReceiptURL, team.GroupPhotoURL,
			string(registration.StatusPending),
		).Scan(&created.ID, &created.CreatedAt, &created.UpdatedAt)
		if err != nil {
			return classifyInsertError(err)
		}

		for i := range created.Players {
			player := &created.Players[i]
			err := tx.QueryRowContext(ctx, `
				INSERT INTO players (
					team_fk, player_id, position, name, role, aadhar_file, subscription_file
				) VALUES ($1, $2, $3, $4, $5, $6, $7)
				RETURNING id`,
				created.ID, player.PlayerID, player.Position, player.Name, player.Role,
				player.AadharFileURL, player.SubscriptionFileURL,
			).Scan(&player.ID)
			if err != nil {
				return classifyInsertError(err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	created.RegistrationStatus = registration.StatusPending
	return &created, nil
}

// GetByTeamID implements registration.Teams.
func (t *teams) GetByTeamID(ctx context.Context, teamID string) (_ *registration.Team, err error) {
	defer mon.Task()(&ctx)(&err)
	ctx, cancel := t.db.stmtCtx(ctx)
	defer cancel()

	team, err := scanTeam(t.db.db.QueryRowContext(ctx,
		`SELECT`+teamColumns+` FROM teams WHERE team_id = $1`, teamID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, registration.ErrTeamNotFound.New("%s", teamID)
		}
		return nil, Error.Wrap(err)
	}

	team.Players, err = t.playersOf(ctx, team.ID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return team, nil
}

func (t *teams) playersOf(ctx context.Context, teamFk int64) (_ []registration.Player, err error) {
	rows, err := t.db.db.QueryContext(ctx, `
		SELECT id, player_id, position, name, role, aadhar_file, subscription_file
		FROM players WHERE team_fk = $1 ORDER BY position`, teamFk)
	if err != nil {
		return nil, err
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var players []registration.Player
	for rows.Next() {
		var player registration.Player
		err := rows.Scan(&player.ID, &player.PlayerID, &player.Position,
			&player.Name, &player.Role, &player.AadharFileURL, &player.SubscriptionFileURL)
		if err != nil {
			return nil, err
		}
		players = append(players, player)
	}
	return players, rows.Err()
}

// GetPlayer implements registration.Teams.
func (t *teams) GetPlayer(ctx context.Context, playerID string) (_ *registration.Player, _ *registration.TeamSummary, err error) {
	defer mon.Task()(&ctx)(&err)
	ctx, cancel := t.db.stmtCtx(ctx)
	defer cancel()

	var player registration.Player
	var summary registration.TeamSummary
	err = t.db.db.QueryRowContext(ctx, `
		SELECT p.id, p.player_id, p.position, p.name, p.role, p.aadhar_file, p.subscription_file,
		       t.team_id, t.team_name, t.church_name, t.captain_name, t.captain_phone,
		       t.registration_status, t.created_at,
		       (SELECT count(*) FROM players WHERE team_fk = t.id)
		FROM players p
		JOIN teams t ON t.id = p.team_fk
		WHERE p.player_id = $1`, playerID,
	).Scan(&player.ID, &player.PlayerID, &player.Position, &player.Name, &player.Role,
		&player.AadharFileURL, &player.SubscriptionFileURL,
		&summary.TeamID, &summary.TeamName, &summary.ChurchName,
		&summary.CaptainName, &summary.CaptainPhone,
		&summary.RegistrationStatus, &summary.CreatedAt, &summary.PlayerCount)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil, registration.ErrPlayerNotFound.New("%s", playerID)
		}
		return nil, nil, Error.Wrap(err)
	}
	return &player, &summary, nil
}

// List implements registration.Teams.
func (t *teams) List(ctx context.Context, cursor registration.TeamsCursor) (_ *registration.TeamsPage, err error) {
	defer mon.Task()(&ctx)(&err)
	ctx, cancel := t.db.stmtCtx(ctx)
	defer cancel()

	page := &registration.TeamsPage{Skip: cursor.Skip, Limit: cursor.Limit}

	where, args := "", []interface{}{}
	if cursor.Status != "" {
		where = ` WHERE registration_status = $1`
		args = append(args, string(cursor.Status))
	}

	err = t.db.db.QueryRowContext(ctx, `SELECT count(*) FROM teams`+where, args...).Scan(&page.TotalCount)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	query := `
		SELECT t.team_id, t.team_name, t.church_name, t.captain_name, t.captain_phone,
		       t.registration_status, t.created_at,
		       (SELECT count(*) FROM players WHERE team_fk = t.id)
		FROM teams t` + where + `
		ORDER BY t.created_at DESC, t.id DESC
		LIMIT ` + strconv.Itoa(cursor.Limit) + ` OFFSET ` + strconv.Itoa(cursor.Skip)

	rows, err := t.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	for rows.Next() {
		var summary registration.TeamSummary
		err := rows.Scan(&summary.TeamID, &summary.TeamName, &summary.ChurchName,
			&summary.CaptainName, &summary.CaptainPhone,
			&summary.RegistrationStatus, &summary.CreatedAt, &summary.PlayerCount)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		page.Teams = append(page.Teams, summary)
	}
	return page, Error.Wrap(rows.Err())
}

// UpdateStatus implements registration.Teams.
func (t *teams) UpdateStatus(ctx context.Context, teamID string, status registration.TeamStatus, urls map[string]string) (_ *registration.Team, err error) {
	defer mon.Task()(&ctx)(&err)

	if !status.Valid() {
		return nil, Error.New("invalid status %q", status)
	}

	err = t.db.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		// The status predicate makes the transition single-shot: a write
		// racing a concurrent confirm/reject affects zero rows instead of
		// overwriting the terminal state.
		result, err := tx.ExecContext(ctx, `
			UPDATE teams SET
				registration_status = $2,
				pastor_letter = COALESCE(NULLIF($3, ''), pastor_letter),
				payment_receipt = COALESCE(NULLIF($4, ''), payment_receipt),
				group_photo = COALESCE(NULLIF($5, ''), group_photo),
				updated_at = now()
			WHERE team_id = $1 AND registration_status = 'pending'`,
			teamID, string(status),
			urls[objectstore.SlotPastorLetter],
			urls[objectstore.SlotPaymentReceipt],
			urls[objectstore.SlotGroupPhoto])
		if err != nil {
			return err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			var current string
			err := tx.QueryRowContext(ctx,
				`SELECT registration_status FROM teams WHERE team_id = $1`, teamID).Scan(&current)
			if err == sql.ErrNoRows {
				return registration.ErrTeamNotFound.New("%s", teamID)
			}
			if err != nil {
				return err
			}
			return registration.ErrInvalidTransition.New("team %s is already %s", teamID, current)
		}

		for slot, url := range urls {
			position, column, ok := playerSlotColumn(slot)
			if !ok {
				continue
			}
			_, err := tx.ExecContext(ctx, `
				UPDATE players SET `+column+` = $2
				WHERE player_id = $1`,
				registration.PlayerIDFor(teamID, position), url)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t.GetByTeamID(ctx, teamID)
}

// playerSlotColumn parses a "player_NN_<slot>" artifact id into the player
// position and URL column it addresses.
func playerSlotColumn(slot string) (position int, column string, ok bool) {
	rest, found := strings.CutPrefix(slot, "player_")
	if !found {
		return 0, "", false
	}
	numStr, kind, found := strings.Cut(rest, "_")
	if !found {
		return 0, "", false
	}
	position, err := strconv.Atoi(numStr)
	if err != nil || position < 1 {
		return 0, "", false
	}
	switch kind {
	case objectstore.SlotAadhar:
		return position, "aadhar_file", true
	case objectstore.SlotSubscription:
		return position, "subscription_file", true
	}
	return 0, "", false
}

// CountByChurch implements registration.Teams.
func (t *teams) CountByChurch(ctx context.Context, churchName string) (count int, err error) {
	defer mon.Task()(&ctx)(&err)
	ctx, cancel := t.db.stmtCtx(ctx)
	defer cancel()

	err = t.db.db.QueryRowContext(ctx,
		`SELECT count(*) FROM teams WHERE church_name_key = $1`,
		registration.NormalizeChurchName(churchName)).Scan(&count)
	return count, Error.Wrap(err)
}

// ChurchAvailability implements registration.Teams.
func (t *teams) ChurchAvailability(ctx context.Context) (_ []registration.ChurchAvailability, err error) {
	defer mon.Task()(&ctx)(&err)
	ctx, cancel := t.db.stmtCtx(ctx)
	defer cancel()

	rows, err := t.db.db.QueryContext(ctx, `
		SELECT min(church_name), count(*)
		FROM teams
		GROUP BY church_name_key
		ORDER BY min(church_name)`)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	var churches []registration.ChurchAvailability
	for rows.Next() {
		var church registration.ChurchAvailability
		if err := rows.Scan(&church.ChurchName, &church.TeamCount); err != nil {
			return nil, Error.Wrap(err)
		}
		churches = append(churches, church)
	}
	return churches, Error.Wrap(rows.Err())
}

func scanTeam(row *sql.Row) (*registration.Team, error) {
	var team registration.Team
	err := row.Scan(&team.ID, &team.TeamID, &team.TeamName, &team.ChurchName,
		&team.Captain.Name, &team.Captain.Phone, &team.Captain.Whatsapp, &team.Captain.Email,
		&team.ViceCaptain.Name, &team.ViceCaptain.Phone, &team.ViceCaptain.Whatsapp, &team.ViceCaptain.Email,
		&team.PastorLetterURL, &team.PaymentReceiptURL, &team.GroupPhotoURL,
		&team.RegistrationStatus, &team.CreatedAt, &team.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &team, nil
}
