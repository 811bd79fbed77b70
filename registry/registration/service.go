// Copyright (C) 2026 ICCT Registry Authors.
// See LICENSE for copying information.

package registration

import (
	"context"
	"encoding/json"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/icctcup/registry/registry/objectstore"
)

var mon = monkit.Package()

// Business error classes surfaced to callers.
var (
	// ErrDuplicateRequest means a submission with the same idempotency
	// key is still in flight.
	ErrDuplicateRequest = errs.Class("duplicate request")
	// ErrIdempotencyConflict means the idempotency key was reused with a
	// different payload.
	ErrIdempotencyConflict = errs.Class("idempotency conflict")
)

// SubmittedMessage is returned to callers on successful registration. The
// team id is withheld until admin confirmation.
const SubmittedMessage = "Registration submitted successfully. Please wait for admin confirmation."

// Config configures the registration service.
type Config struct {
	TeamIDPrefix      string        `help:"prefix of generated team ids" default:"ICCT"`
	MaxTeamsPerChurch int           `help:"maximum committed teams per church" default:"2"`
	InsertRetries     int           `help:"attempts for the team insert when the id races" default:"5"`
	IdempotencyTTL    time.Duration `help:"retention window for idempotency records" default:"24h"`
	EndToEndDeadline  time.Duration `help:"overall budget for one registration" default:"60s"`
	RevealTeamID      bool          `help:"include the team id in the submission response" default:"false"`

	Decode DecodeConfig
}

// DefaultConfig is the tournament default configuration.
var DefaultConfig = Config{
	TeamIDPrefix:      "ICCT",
	MaxTeamsPerChurch: 2,
	InsertRetries:     5,
	IdempotencyTTL:    24 * time.Hour,
	EndToEndDeadline:  60 * time.Second,
	Decode:            DefaultDecodeConfig,
}

// Event describes a completed submission handed to the notification sink.
type Event struct {
	TeamName         string
	ChurchName       string
	CaptainName      string
	CaptainEmail     string
	ViceCaptainEmail string
	PlayerCount      int
}

// Notifier receives registration events. Enqueue must not block and must
// never surface errors to the registration path.
type Notifier interface {
	EnqueueRegistration(event Event)
}

// Service coordinates the registration pipeline and the admin transitions.
//
// architecture: Service
type Service struct {
	log      *zap.Logger
	db       DB
	uploader *objectstore.Uploader
	notifier Notifier
	config   Config
}

// NewService creates a registration service.
func NewService(log *zap.Logger, db DB, uploader *objectstore.Uploader, notifier Notifier, config Config) (*Service, error) {
	if log == nil {
		return nil, errs.New("log can't be nil")
	}
	if db == nil {
		return nil, errs.New("db can't be nil")
	}
	if uploader == nil {
		return nil, errs.New("uploader can't be nil")
	}
	if config.TeamIDPrefix == "" {
		config.TeamIDPrefix = "ICCT"
	}
	if config.MaxTeamsPerChurch == 0 {
		config.MaxTeamsPerChurch = 2
	}
	if config.InsertRetries == 0 {
		config.InsertRetries = 5
	}
	if config.IdempotencyTTL == 0 {
		config.IdempotencyTTL = 24 * time.Hour
	}
	if config.EndToEndDeadline == 0 {
		config.EndToEndDeadline = 60 * time.Second
	}
	if config.Decode == (DecodeConfig{}) {
		config.Decode = DefaultDecodeConfig
	}
	return &Service{
		log:      log,
		db:       db,
		uploader: uploader,
		notifier: notifier,
		config:   config,
	}, nil
}

// DecodeConfig returns the decoder bounds the service was configured with.
func (service *Service) DecodeConfig() DecodeConfig {
	return service.config.Decode
}

// MaxTeamsPerChurch returns the configured per-church quota.
func (service *Service) MaxTeamsPerChurch() int {
	return service.config.MaxTeamsPerChurch
}

// RegisterResponse is the submission success body. TeamID is only included
// when the service is configured to reveal it.
type RegisterResponse struct {
	Success            bool   `json:"success"`
	TeamID             string `json:"teamId,omitempty"`
	TeamName           string `json:"teamName"`
	PlayerCount        int    `json:"playerCount"`
	RegistrationStatus string `json:"registrationStatus"`
	Message            string `json:"message"`
}

// RegisterResult carries the serialized response body plus internal detail
// that never reaches the submitting caller.
type RegisterResult struct {
	TeamID   string
	Body     []byte
	Replayed bool
}

// Register runs the registration protocol: idempotency begin, quota check
// and id allocation in a short transaction, artifact uploads, the insert
// transaction with bounded id re-allocation, the notification hand-off and
// idempotency completion. Compensations clean up pending artifacts and
// release the idempotency key on every failure path.
func (service *Service) Register(ctx context.Context, sub *Submission, artifacts []objectstore.Artifact, idemKey string) (_ *RegisterResult, err error) {
	defer mon.Task()(&ctx)(&err)

	ctx, cancel := context.WithTimeout(ctx, service.config.EndToEndDeadline)
	defer cancel()

	payloadHash := sub.Fingerprint(artifacts)

	idemBegun := false
	if idemKey != "" {
		begin, err := service.db.Idempotency().Begin(ctx, idemKey, payloadHash, service.config.IdempotencyTTL)
		if err != nil {
			return nil, ErrIdempotency.Wrap(err)
		}
		switch begin.State {
		case BeginCompleted:
			mon.Event("registration_replayed")
			return &RegisterResult{Body: begin.Response, Replayed: true}, nil
		case BeginDuplicateInFlight:
			return nil, ErrDuplicateRequest.New("a submission with this idempotency key is in flight")
		case BeginConflict:
			return nil, ErrIdempotencyConflict.New("idempotency key was already used with a different payload")
		}
		idemBegun = true
	}

	abortIdem := func() {
		if !idemBegun {
			return
		}
		if err := service.db.Idempotency().Abort(context.WithoutCancel(ctx), idemKey); err != nil {
			service.log.Warn("idempotency abort failed", zap.String("key", idemKey), zap.Error(err))
		}
	}

	// Short transaction: church lock, quota check, sequence advance. The
	// uploads below run outside of it so the church lock stays brief.
	teamID, err := service.db.AllocateTeamID(ctx, sub.ChurchName, AllocateOptions{
		Prefix:            service.config.TeamIDPrefix,
		MaxTeamsPerChurch: service.config.MaxTeamsPerChurch,
	})
	if err != nil {
		abortIdem()
		return nil, err
	}

	cleanupArtifacts := func(id string) {
		if err := service.uploader.DeleteAll(context.WithoutCancel(ctx), id, objectstore.NamespacePending); err != nil {
			mon.Event("pending_cleanup_failed")
			service.log.Error("pending artifacts were not cleaned up",
				zap.String("teamId", id), zap.Error(err))
		}
	}

	urls, err := service.uploader.UploadPending(ctx, teamID, artifacts)
	if err != nil {
		cleanupArtifacts(teamID)
		abortIdem()
		return nil, err
	}

	team := buildTeam(sub, teamID, urls)
	for attempt := 1; ; attempt++ {
		created, insertErr := service.db.Teams().Insert(ctx, team, service.config.MaxTeamsPerChurch)
		if insertErr == nil {
			team = created
			break
		}
		if ErrTeamIDTaken.Has(insertErr) && attempt < service.config.InsertRetries {
			// A parallel committer won the id despite the sequence
			// lock; allocate a fresh id and carry the uploads over.
			mon.Event("team_id_collision")
			service.log.Warn("team id collision, re-allocating",
				zap.String("teamId", teamID), zap.Int("attempt", attempt))

			newID, allocErr := service.db.AllocateTeamID(ctx, sub.ChurchName, AllocateOptions{
				Prefix:            service.config.TeamIDPrefix,
				MaxTeamsPerChurch: service.config.MaxTeamsPerChurch,
			})
			if allocErr != nil {
				cleanupArtifacts(teamID)
				abortIdem()
				return nil, allocErr
			}
			urls, err = service.uploader.Rename(ctx, objectstore.NamespacePending, teamID, newID)
			if err != nil {
				cleanupArtifacts(teamID)
				cleanupArtifacts(newID)
				abortIdem()
				return nil, err
			}
			teamID = newID
			team = buildTeam(sub, teamID, urls)
			continue
		}
		cleanupArtifacts(teamID)
		abortIdem()
		return nil, insertErr
	}

	response := RegisterResponse{
		Success:            true,
		TeamName:           team.TeamName,
		PlayerCount:        len(team.Players),
		RegistrationStatus: string(StatusPending),
		Message:            SubmittedMessage,
	}
	if service.config.RevealTeamID {
		response.TeamID = team.TeamID
	}
	body, err := json.Marshal(response)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	if service.notifier != nil {
		service.notifier.EnqueueRegistration(Event{
			TeamName:         team.TeamName,
			ChurchName:       team.ChurchName,
			CaptainName:      team.Captain.Name,
			CaptainEmail:     team.Captain.Email,
			ViceCaptainEmail: team.ViceCaptain.Email,
			PlayerCount:      len(team.Players),
		})
	}

	if idemBegun {
		if err := service.db.Idempotency().Complete(context.WithoutCancel(ctx), idemKey, body); err != nil {
			// The team is committed; the worst case is that a replay
			// re-runs and trips on the duplicate team constraint.
			service.log.Warn("idempotency complete failed",
				zap.String("key", idemKey), zap.Error(err))
		}
	}

	service.log.Info("team registered",
		zap.String("teamId", team.TeamID),
		zap.String("church", team.ChurchName),
		zap.Int("players", len(team.Players)))

	return &RegisterResult{TeamID: team.TeamID, Body: body}, nil
}

// buildTeam assembles the team row with derived player ids and artifact
// URLs. Re-run whenever the team id changes.
func buildTeam(sub *Submission, teamID string, urls map[string]string) *Team {
	team := &Team{
		TeamID:             teamID,
		TeamName:           sub.TeamName,
		ChurchName:         sub.ChurchName,
		Captain:            sub.Captain,
		ViceCaptain:        sub.ViceCaptain,
		PastorLetterURL:    urls[objectstore.SlotPastorLetter],
		PaymentReceiptURL:  urls[objectstore.SlotPaymentReceipt],
		GroupPhotoURL:      urls[objectstore.SlotGroupPhoto],
		RegistrationStatus: StatusPending,
	}
	for i, player := range sub.Players {
		position := i + 1
		team.Players = append(team.Players, Player{
			PlayerID:            PlayerIDFor(teamID, position),
			Position:            position,
			Name:                player.Name,
			Role:                player.Role,
			AadharFileURL:       urls[objectstore.PlayerSlotID(position, objectstore.SlotAadhar)],
			SubscriptionFileURL: urls[objectstore.PlayerSlotID(position, objectstore.SlotSubscription)],
		})
	}
	return team
}

// TransitionResult is the outcome of an admin confirm or reject.
type TransitionResult struct {
	Team        *Team
	AlreadyDone bool
	URLs        map[string]string
	FailedSlots []string
}

// ConfirmTeam transitions a pending team to confirmed, moving its artifacts
// from the pending to the confirmed namespace. Re-confirming a confirmed
// team is a no-op reported via AlreadyDone; confirming a rejected team is an
// invalid transition.
func (service *Service) ConfirmTeam(ctx context.Context, teamID string) (_ *TransitionResult, err error) {
	defer mon.Task()(&ctx)(&err)
	return service.transition(ctx, teamID, StatusConfirmed, objectstore.NamespaceConfirmed)
}

// RejectTeam transitions a pending team to rejected. Artifacts move to the
// rejected namespace and are kept for audit.
func (service *Service) RejectTeam(ctx context.Context, teamID string) (_ *TransitionResult, err error) {
	defer mon.Task()(&ctx)(&err)
	return service.transition(ctx, teamID, StatusRejected, objectstore.NamespaceRejected)
}

func (service *Service) transition(ctx context.Context, teamID string, target TeamStatus, namespace string) (*TransitionResult, error) {
	team, err := service.db.Teams().GetByTeamID(ctx, teamID)
	if err != nil {
		return nil, err
	}

	if team.RegistrationStatus == target {
		return &TransitionResult{Team: team, AlreadyDone: true}, nil
	}
	if team.RegistrationStatus != StatusPending {
		return nil, ErrInvalidTransition.New("team %s is already %s", teamID, team.RegistrationStatus)
	}

	// The database row is the system of record: the status advances even
	// when some artifact moves fail, and the failed slots keep pointing
	// at their pending URLs. A later retry of the move is idempotent.
	move, err := service.uploader.Move(ctx, teamID, objectstore.NamespacePending, namespace)
	if err != nil {
		service.log.Error("artifact move failed",
			zap.String("teamId", teamID),
			zap.String("namespace", namespace),
			zap.Error(err))
	}

	updated, err := service.db.Teams().UpdateStatus(ctx, teamID, target, move.URLs)
	if err != nil {
		// UpdateStatus only advances a pending row, so a concurrent
		// admin call may have won the transition since the read above.
		if ErrInvalidTransition.Has(err) {
			current, getErr := service.db.Teams().GetByTeamID(ctx, teamID)
			if getErr == nil && current.RegistrationStatus == target {
				return &TransitionResult{Team: current, AlreadyDone: true}, nil
			}
		}
		return nil, err
	}

	service.log.Info("team transitioned",
		zap.String("teamId", teamID),
		zap.String("status", string(target)),
		zap.Int("movedSlots", len(move.URLs)),
		zap.Strings("failedSlots", move.Failed))

	return &TransitionResult{Team: updated, URLs: move.URLs, FailedSlots: move.Failed}, nil
}

// GetTeam returns a team with its players.
func (service *Service) GetTeam(ctx context.Context, teamID string) (_ *Team, err error) {
	defer mon.Task()(&ctx)(&err)
	return service.db.Teams().GetByTeamID(ctx, teamID)
}

// GetPlayer returns a player and its parent team summary.
func (service *Service) GetPlayer(ctx context.Context, playerID string) (_ *Player, _ *TeamSummary, err error) {
	defer mon.Task()(&ctx)(&err)
	return service.db.Teams().GetPlayer(ctx, playerID)
}

// ListTeams returns a page of team summaries.
func (service *Service) ListTeams(ctx context.Context, cursor TeamsCursor) (_ *TeamsPage, err error) {
	defer mon.Task()(&ctx)(&err)
	if cursor.Limit <= 0 || cursor.Limit > 100 {
		cursor.Limit = 50
	}
	if cursor.Skip < 0 {
		cursor.Skip = 0
	}
	return service.db.Teams().List(ctx, cursor)
}

// ChurchAvailability lists every known church with its team count and
// whether the quota locks it.
func (service *Service) ChurchAvailability(ctx context.Context) (_ []ChurchAvailability, err error) {
	defer mon.Task()(&ctx)(&err)
	churches, err := service.db.Teams().ChurchAvailability(ctx)
	if err != nil {
		return nil, err
	}
	for i := range churches {
		churches[i].Locked = churches[i].TeamCount >= service.config.MaxTeamsPerChurch
	}
	return churches, nil
}
