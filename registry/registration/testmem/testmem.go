// Copyright (C) 2026 ICCT Registry Authors.
// See LICENSE for copying information.

// Package testmem provides an in-memory registration.DB for tests.
package testmem

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/icctcup/registry/registry/objectstore"
	"github.com/icctcup/registry/registry/registration"
)

// DB is an in-memory implementation of registration.DB. All operations are
// serialized on one mutex, which models the row-lock serialization the
// PostgreSQL implementation gets from FOR UPDATE.
type DB struct {
	mu sync.Mutex

	lastNumber int
	nextRowID  int64
	teams      []*registration.Team
	idem       map[string]*idemRecord

	// InsertError, when set, is returned by the next Insert call and
	// then cleared. Used to simulate insert races and outages.
	InsertError error
}

type idemRecord struct {
	payloadHash string
	status      string
	response    []byte
	expiresAt   time.Time
}

// New creates an empty in-memory DB.
func New() *DB {
	return &DB{idem: map[string]*idemRecord{}}
}

var _ registration.DB = (*DB)(nil)

// Teams implements registration.DB.
func (db *DB) Teams() registration.Teams { return (*memTeams)(db) }

// Idempotency implements registration.DB.
func (db *DB) Idempotency() registration.Idempotency { return (*memIdempotency)(db) }

// Ping implements registration.DB.
func (db *DB) Ping(ctx context.Context) error { return ctx.Err() }

// Close implements registration.DB.
func (db *DB) Close() error { return nil }

// AllocateTeamID implements registration.DB.
func (db *DB) AllocateTeamID(ctx context.Context, churchName string, opts registration.AllocateOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	db.mu.Lock()
	defer db.mu.Unlock()

	key := registration.NormalizeChurchName(churchName)
	count := 0
	for _, team := range db.teams {
		if registration.NormalizeChurchName(team.ChurchName) == key {
			count++
		}
	}
	if count >= opts.MaxTeamsPerChurch {
		return "", registration.ErrQuotaExceeded.New(
			"maximum %d teams already registered for this church", opts.MaxTeamsPerChurch)
	}

	db.lastNumber++
	return fmt.Sprintf("%s-%03d", opts.Prefix, db.lastNumber), nil
}

// ReconcileSequence implements registration.DB.
func (db *DB) ReconcileSequence(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	db.mu.Lock()
	defer db.mu.Unlock()

	for _, team := range db.teams {
		if i := strings.LastIndex(team.TeamID, "-"); i >= 0 {
			if n, err := strconv.Atoi(team.TeamID[i+1:]); err == nil && n > db.lastNumber {
				db.lastNumber = n
			}
		}
	}
	return nil
}

// SetLastNumber overrides the sequence counter, letting tests provoke team
// id collisions.
func (db *DB) SetLastNumber(n int) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.lastNumber = n
}

// TeamCount returns how many teams are committed.
func (db *DB) TeamCount() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.teams)
}

type memTeams DB

var _ registration.Teams = (*memTeams)(nil)

// Insert implements registration.Teams.
func (t *memTeams) Insert(ctx context.Context, team *registration.Team, maxTeamsPerChurch int) (*registration.Team, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	db := (*DB)(t)
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.InsertError != nil {
		err := db.InsertError
		db.InsertError = nil
		return nil, err
	}

	key := registration.NormalizeChurchName(team.ChurchName)
	count := 0
	for _, existing := range db.teams {
		if registration.NormalizeChurchName(existing.ChurchName) == key {
			count++
		}
	}
	if count >= maxTeamsPerChurch {
		return nil, registration.ErrQuotaExceeded.New(
			"maximum %d teams already registered for this church", maxTeamsPerChurch)
	}

	for _, existing := range db.teams {
		if existing.TeamID == team.TeamID {
			return nil, registration.ErrTeamIDTaken.New("%s", team.TeamID)
		}
		if existing.TeamName == team.TeamName && existing.Captain.Phone == team.Captain.Phone {
			return nil, registration.ErrDuplicateTeam.New("%s", team.TeamName)
		}
	}

	now := time.Now().UTC()
	created := *team
	db.nextRowID++
	created.ID = db.nextRowID
	created.CreatedAt = now
	created.UpdatedAt = now
	created.RegistrationStatus = registration.StatusPending
	created.Players = append([]registration.Player(nil), team.Players...)
	for i := range created.Players {
		db.nextRowID++
		created.Players[i].ID = db.nextRowID
	}

	db.teams = append(db.teams, &created)
	snapshot := cloneTeam(&created)
	return snapshot, nil
}

// GetByTeamID implements registration.Teams.
func (t *memTeams) GetByTeamID(ctx context.Context, teamID string) (*registration.Team, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	db := (*DB)(t)
	db.mu.Lock()
	defer db.mu.Unlock()

	for _, team := range db.teams {
		if team.TeamID == teamID {
			return cloneTeam(team), nil
		}
	}
	return nil, registration.ErrTeamNotFound.New("%s", teamID)
}

// GetPlayer implements registration.Teams.
func (t *memTeams) GetPlayer(ctx context.Context, playerID string) (*registration.Player, *registration.TeamSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	db := (*DB)(t)
	db.mu.Lock()
	defer db.mu.Unlock()

	for _, team := range db.teams {
		for i := range team.Players {
			if team.Players[i].PlayerID == playerID {
				player := team.Players[i]
				summary := summaryOf(team)
				return &player, &summary, nil
			}
		}
	}
	return nil, nil, registration.ErrPlayerNotFound.New("%s", playerID)
}

// List implements registration.Teams.
func (t *memTeams) List(ctx context.Context, cursor registration.TeamsCursor) (*registration.TeamsPage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	db := (*DB)(t)
	db.mu.Lock()
	defer db.mu.Unlock()

	var matching []*registration.Team
	for _, team := range db.teams {
		if cursor.Status == "" || team.RegistrationStatus == cursor.Status {
			matching = append(matching, team)
		}
	}
	sort.SliceStable(matching, func(i, j int) bool {
		return matching[i].CreatedAt.After(matching[j].CreatedAt)
	})

	page := &registration.TeamsPage{
		TotalCount: len(matching),
		Skip:       cursor.Skip,
		Limit:      cursor.Limit,
	}
	for i := cursor.Skip; i < len(matching) && len(page.Teams) < cursor.Limit; i++ {
		page.Teams = append(page.Teams, summaryOf(matching[i]))
	}
	return page, nil
}

// UpdateStatus implements registration.Teams.
func (t *memTeams) UpdateStatus(ctx context.Context, teamID string, status registration.TeamStatus, urls map[string]string) (*registration.Team, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	db := (*DB)(t)
	db.mu.Lock()
	defer db.mu.Unlock()

	for _, team := range db.teams {
		if team.TeamID != teamID {
			continue
		}
		if team.RegistrationStatus != registration.StatusPending {
			return nil, registration.ErrInvalidTransition.New(
				"team %s is already %s", teamID, team.RegistrationStatus)
		}
		team.RegistrationStatus = status
		team.UpdatedAt = time.Now().UTC()
		if url := urls[objectstore.SlotPastorLetter]; url != "" {
			team.PastorLetterURL = url
		}
		if url := urls[objectstore.SlotPaymentReceipt]; url != "" {
			team.PaymentReceiptURL = url
		}
		if url := urls[objectstore.SlotGroupPhoto]; url != "" {
			team.GroupPhotoURL = url
		}
		for i := range team.Players {
			position := team.Players[i].Position
			if url := urls[objectstore.PlayerSlotID(position, objectstore.SlotAadhar)]; url != "" {
				team.Players[i].AadharFileURL = url
			}
			if url := urls[objectstore.PlayerSlotID(position, objectstore.SlotSubscription)]; url != "" {
				team.Players[i].SubscriptionFileURL = url
			}
		}
		return cloneTeam(team), nil
	}
	return nil, registration.ErrTeamNotFound.New("%s", teamID)
}

// CountByChurch implements registration.Teams.
func (t *memTeams) CountByChurch(ctx context.Context, churchName string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	db := (*DB)(t)
	db.mu.Lock()
	defer db.mu.Unlock()

	key := registration.NormalizeChurchName(churchName)
	count := 0
	for _, team := range db.teams {
		if registration.NormalizeChurchName(team.ChurchName) == key {
			count++
		}
	}
	return count, nil
}

// ChurchAvailability implements registration.Teams.
func (t *memTeams) ChurchAvailability(ctx context.Context) ([]registration.ChurchAvailability, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	db := (*DB)(t)
	db.mu.Lock()
	defer db.mu.Unlock()

	counts := map[string]*registration.ChurchAvailability{}
	for _, team := range db.teams {
		key := registration.NormalizeChurchName(team.ChurchName)
		if entry, ok := counts[key]; ok {
			entry.TeamCount++
			continue
		}
		counts[key] = &registration.ChurchAvailability{
			ChurchName: team.ChurchName,
			TeamCount:  1,
		}
	}

	var churches []registration.ChurchAvailability
	for _, entry := range counts {
		churches = append(churches, *entry)
	}
	sort.Slice(churches, func(i, j int) bool {
		return churches[i].ChurchName < churches[j].ChurchName
	})
	return churches, nil
}

type memIdempotency DB

var _ registration.Idempotency = (*memIdempotency)(nil)

// Begin implements registration.Idempotency.
func (i *memIdempotency) Begin(ctx context.Context, key, payloadHash string, ttl time.Duration) (result registration.BeginResult, err error) {
	if err := ctx.Err(); err != nil {
		return result, err
	}
	db := (*DB)(i)
	db.mu.Lock()
	defer db.mu.Unlock()

	record, ok := db.idem[key]
	if ok && time.Now().After(record.expiresAt) {
		delete(db.idem, key)
		ok = false
	}
	if !ok {
		db.idem[key] = &idemRecord{
			payloadHash: payloadHash,
			status:      "in-flight",
			expiresAt:   time.Now().Add(ttl),
		}
		result.State = registration.BeginNew
		return result, nil
	}

	switch {
	case record.payloadHash != payloadHash:
		result.State = registration.BeginConflict
	case record.status == "completed":
		result.State = registration.BeginCompleted
		result.Response = append([]byte(nil), record.response...)
	default:
		result.State = registration.BeginDuplicateInFlight
	}
	return result, nil
}

// Complete implements registration.Idempotency.
func (i *memIdempotency) Complete(ctx context.Context, key string, response []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	db := (*DB)(i)
	db.mu.Lock()
	defer db.mu.Unlock()

	record, ok := db.idem[key]
	if !ok || record.status != "in-flight" {
		return registration.ErrIdempotency.New("no in-flight record for key")
	}
	record.status = "completed"
	record.response = append([]byte(nil), response...)
	return nil
}

// Abort implements registration.Idempotency.
func (i *memIdempotency) Abort(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	db := (*DB)(i)
	db.mu.Lock()
	defer db.mu.Unlock()

	if record, ok := db.idem[key]; ok && record.status == "in-flight" {
		delete(db.idem, key)
	}
	return nil
}

// DeleteExpired implements registration.Idempotency.
func (i *memIdempotency) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	db := (*DB)(i)
	db.mu.Lock()
	defer db.mu.Unlock()

	var deleted int64
	for key, record := range db.idem {
		if !record.expiresAt.After(now) {
			delete(db.idem, key)
			deleted++
		}
	}
	return deleted, nil
}

func summaryOf(team *registration.Team) registration.TeamSummary {
	return registration.TeamSummary{
		TeamID:             team.TeamID,
		TeamName:           team.TeamName,
		ChurchName:         team.ChurchName,
		CaptainName:        team.Captain.Name,
		CaptainPhone:       team.Captain.Phone,
		PlayerCount:        len(team.Players),
		RegistrationStatus: team.RegistrationStatus,
		CreatedAt:          team.CreatedAt,
	}
}

func cloneTeam(team *registration.Team) *registration.Team {
	clone := *team
	clone.Players = append([]registration.Player(nil), team.Players...)
	return &clone
}
