// Copyright (C) 2026 ICCT Registry Authors.
// See LICENSE for copying information.

// Package registration implements the core of the tournament registration
// pipeline: payload decoding, the registration coordinator and the admin
// transitions, on top of pluggable database and object store backends.
package registration

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/zeebo/errs"
	"golang.org/x/text/unicode/norm"
)

// Error classes shared by the database implementations and the service.
var (
	// Error is the default error class for the registration package.
	Error = errs.Class("registration")

	// ErrTeamNotFound is returned when a team id resolves to nothing.
	ErrTeamNotFound = errs.Class("team not found")
	// ErrPlayerNotFound is returned when a player id resolves to nothing.
	ErrPlayerNotFound = errs.Class("player not found")
	// ErrQuotaExceeded is returned when a church already has the maximum
	// number of registered teams.
	ErrQuotaExceeded = errs.Class("church quota exceeded")
	// ErrTeamIDTaken is returned when an insert races on the team id
	// unique constraint. The coordinator re-allocates and retries.
	ErrTeamIDTaken = errs.Class("team id taken")
	// ErrDuplicateTeam is returned when the (teamName, captainPhone)
	// unique constraint rejects an insert.
	ErrDuplicateTeam = errs.Class("duplicate team")
	// ErrInvalidTransition is returned when a terminal team is asked to
	// transition again to a different state.
	ErrInvalidTransition = errs.Class("invalid status transition")
)

// TeamStatus is the registration state of a team.
type TeamStatus string

// Registration states. Confirmed and rejected are terminal.
const (
	StatusPending   TeamStatus = "pending"
	StatusConfirmed TeamStatus = "confirmed"
	StatusRejected  TeamStatus = "rejected"
)

// Valid reports whether the status is one of the known states.
func (status TeamStatus) Valid() bool {
	switch status {
	case StatusPending, StatusConfirmed, StatusRejected:
		return true
	}
	return false
}

// Contact holds the reachable identity of a captain or vice-captain.
type Contact struct {
	Name     string `json:"name"`
	Phone    string `json:"phone"`
	Whatsapp string `json:"whatsapp"`
	Email    string `json:"email"`
}

// Team is a registered team row.
type Team struct {
	ID          int64   `json:"-"`
	TeamID      string  `json:"teamId"`
	TeamName    string  `json:"teamName"`
	ChurchName  string  `json:"churchName"`
	Captain     Contact `json:"captain"`
	ViceCaptain Contact `json:"viceCaptain"`

	PastorLetterURL   string `json:"pastorLetterUrl,omitempty"`
	PaymentReceiptURL string `json:"paymentReceiptUrl,omitempty"`
	GroupPhotoURL     string `json:"groupPhotoUrl,omitempty"`

	RegistrationStatus TeamStatus `json:"registrationStatus"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`

	Players []Player `json:"players,omitempty"`
}

// Player is one of a team's 11 to 15 players, ordered by insertion.
type Player struct {
	ID       int64  `json:"-"`
	PlayerID string `json:"playerId"`
	Position int    `json:"position"`
	Name     string `json:"name"`
	Role     string `json:"role,omitempty"`

	AadharFileURL       string `json:"aadharFileUrl,omitempty"`
	SubscriptionFileURL string `json:"subscriptionFileUrl,omitempty"`
}

// PlayerIDFor derives the external player id from the team id and the
// player's 1-based position: "ICCT-001-P03".
func PlayerIDFor(teamID string, position int) string {
	return fmt.Sprintf("%s-P%02d", teamID, position)
}

// TeamSummary is the list-view projection of a team.
type TeamSummary struct {
	TeamID             string     `json:"teamId"`
	TeamName           string     `json:"teamName"`
	ChurchName         string     `json:"churchName"`
	CaptainName        string     `json:"captainName"`
	CaptainPhone       string     `json:"captainPhone"`
	PlayerCount        int        `json:"playerCount"`
	RegistrationStatus TeamStatus `json:"registrationStatus"`
	CreatedAt          time.Time  `json:"createdAt"`
}

// TeamsCursor selects a page of teams.
type TeamsCursor struct {
	Status TeamStatus // empty matches all
	Skip   int
	Limit  int
}

// TeamsPage is one page of team summaries.
type TeamsPage struct {
	Teams      []TeamSummary `json:"teams"`
	TotalCount int           `json:"totalCount"`
	Skip       int           `json:"skip"`
	Limit      int           `json:"limit"`
}

// ChurchAvailability reports how many teams a church has registered and
// whether it is locked out of further registrations.
type ChurchAvailability struct {
	ChurchName string `json:"churchName"`
	TeamCount  int    `json:"teamCount"`
	Locked     bool   `json:"locked"`
}

// NormalizeChurchName produces the comparison key for church quota checks:
// NFC-normalized, trimmed and case-folded. Display casing is preserved on
// the row, the key only serves equality.
func NormalizeChurchName(name string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFC.String(name)))
}

// Teams exposes the team and player tables.
//
// architecture: Database
type Teams interface {
	// Insert persists a team and its players in a single transaction.
	// Player ids and positions must already be set by the caller. The
	// church quota is re-checked under lock inside the same transaction
	// so the quota holds even across allocate/insert interleavings.
	Insert(ctx context.Context, team *Team, maxTeamsPerChurch int) (*Team, error)
	// GetByTeamID returns the full team with players.
	GetByTeamID(ctx context.Context, teamID string) (*Team, error)
	// GetPlayer returns a player and a summary of its parent team.
	GetPlayer(ctx context.Context, playerID string) (*Player, *TeamSummary, error)
	// List returns a page of team summaries, newest first.
	List(ctx context.Context, cursor TeamsCursor) (*TeamsPage, error)
	// UpdateStatus transitions a pending team's status and, when urls is
	// not empty, overwrites artifact URL columns keyed by artifact id
	// ("pastor_letter", "player_03_aadhar", ...). Bumps updatedAt.
	// Returns ErrInvalidTransition when the row is already terminal, so
	// confirmed and rejected can never overwrite each other.
	UpdateStatus(ctx context.Context, teamID string, status TeamStatus, urls map[string]string) (*Team, error)
	// CountByChurch counts committed teams for a normalized church key.
	CountByChurch(ctx context.Context, churchName string) (int, error)
	// ChurchAvailability lists every known church with its team count.
	ChurchAvailability(ctx context.Context) ([]ChurchAvailability, error)
}

// AllocateOptions parameterize team id allocation.
type AllocateOptions struct {
	Prefix            string
	MaxTeamsPerChurch int
}

// DB is the storage the registration service runs on.
//
// architecture: Master Database
type DB interface {
	Teams() Teams
	Idempotency() Idempotency

	// AllocateTeamID enforces the per-church quota and advances the team
	// sequence inside a single transaction, returning the formatted next
	// team id. The church's existing rows are locked for the duration so
	// concurrent submissions for one church serialize here.
	AllocateTeamID(ctx context.Context, churchName string, opts AllocateOptions) (string, error)

	// ReconcileSequence raises the sequence row to the highest committed
	// team number if it lags, creating the row when missing. Never
	// decreases the counter. Called once at process start.
	ReconcileSequence(ctx context.Context) error

	// Ping checks database reachability.
	Ping(ctx context.Context) error
	// Close releases the underlying connections.
	Close() error
}
