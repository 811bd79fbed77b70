// Copyright (C) 2026 ICCT Registry Authors.
// See LICENSE for copying information.

package registration_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/errs"
	"go.uber.org/zap/zaptest"

	"github.com/icctcup/registry/internal/retry"
	"github.com/icctcup/registry/registry/objectstore"
	"github.com/icctcup/registry/registry/registration"
	"github.com/icctcup/registry/registry/registration/testmem"
)

type captureNotifier struct {
	mu     sync.Mutex
	events []registration.Event
}

func (n *captureNotifier) EnqueueRegistration(event registration.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *captureNotifier) Events() []registration.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]registration.Event(nil), n.events...)
}

type fixture struct {
	db       *testmem.DB
	store    *objectstore.TestStore
	notifier *captureNotifier
	service  *registration.Service
}

func newFixture(t *testing.T, config registration.Config) *fixture {
	db := testmem.New()
	store := objectstore.NewTestStore()
	notifier := &captureNotifier{}
	uploader := objectstore.NewUploader(zaptest.NewLogger(t), store, objectstore.UploaderConfig{
		Retry:   retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Factor: 2},
		Breaker: retry.BreakerConfig{Threshold: 1000, CoolOff: time.Millisecond},
	})
	service, err := registration.NewService(zaptest.NewLogger(t), db, uploader, notifier, config)
	require.NoError(t, err)
	return &fixture{db: db, store: store, notifier: notifier, service: service}
}

func submissionFor(team, church string) (*registration.Submission, []objectstore.Artifact) {
	sub := &registration.Submission{
		ChurchName: church,
		TeamName:   team,
		Captain: registration.Contact{
			Name: "Captain of " + team, Phone: "+91987654" + fmt.Sprintf("%04d", len(team)),
			Whatsapp: "9876543210", Email: "captain@" + team + ".example.com",
		},
		ViceCaptain: registration.Contact{
			Name: "Vice of " + team, Phone: "+919812345678",
			Whatsapp: "9812345678", Email: "vice@" + team + ".example.com",
		},
	}
	for i := 1; i <= 11; i++ {
		sub.Players = append(sub.Players, registration.SubmittedPlayer{
			Name: fmt.Sprintf("%s player %d", team, i),
			Role: "batsman",
		})
	}
	artifacts := []objectstore.Artifact{
		objectstore.NewArtifact(objectstore.SlotPastorLetter, 0, []byte("%PDF-letter "+team), "application/pdf"),
		objectstore.NewArtifact(objectstore.SlotGroupPhoto, 0, []byte("photo "+team), "image/png"),
		objectstore.NewArtifact(objectstore.SlotAadhar, 1, []byte("%PDF-aadhar "+team), "application/pdf"),
		objectstore.NewArtifact(objectstore.SlotSubscription, 1, []byte("%PDF-sub "+team), "application/pdf"),
	}
	return sub, artifacts
}

func TestRegisterHappyPath(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, registration.Config{})

	sub, artifacts := submissionFor("Thunder XI", "St. Thomas Church")
	result, err := f.service.Register(ctx, sub, artifacts, "key-1")
	require.NoError(t, err)
	require.Equal(t, "ICCT-001", result.TeamID)
	require.False(t, result.Replayed)

	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(result.Body, &response))
	assert.Equal(t, true, response["success"])
	assert.Equal(t, "Thunder XI", response["teamName"])
	assert.Equal(t, float64(11), response["playerCount"])
	assert.Equal(t, "pending", response["registrationStatus"])
	assert.Equal(t, registration.SubmittedMessage, response["message"])
	// the team id is withheld until admin confirmation
	_, revealed := response["teamId"]
	assert.False(t, revealed)

	team, err := f.service.GetTeam(ctx, "ICCT-001")
	require.NoError(t, err)
	assert.Equal(t, registration.StatusPending, team.RegistrationStatus)
	require.Len(t, team.Players, 11)
	assert.Equal(t, "ICCT-001-P01", team.Players[0].PlayerID)
	assert.Equal(t, "ICCT-001-P11", team.Players[10].PlayerID)
	assert.Contains(t, team.PastorLetterURL, "pending/ICCT-001/")
	assert.Contains(t, team.Players[0].AadharFileURL, "pending/ICCT-001/")

	require.Equal(t, 4, f.store.Len())
	for _, key := range f.store.Keys() {
		assert.Contains(t, key, "pending/ICCT-001/")
	}

	events := f.notifier.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "Thunder XI", events[0].TeamName)
	assert.Equal(t, 11, events[0].PlayerCount)
	assert.Equal(t, "captain@Thunder XI.example.com", events[0].CaptainEmail)
}

func TestRegisterSequentialIDs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, registration.Config{})

	for i, church := range []string{"Church A", "Church B", "Church C"} {
		sub, artifacts := submissionFor(fmt.Sprintf("Team %d", i+1), church)
		result, err := f.service.Register(ctx, sub, artifacts, "")
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("ICCT-%03d", i+1), result.TeamID)
	}
}

func TestRegisterRevealTeamID(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, registration.Config{RevealTeamID: true})

	sub, artifacts := submissionFor("Thunder XI", "St. Thomas Church")
	result, err := f.service.Register(ctx, sub, artifacts, "")
	require.NoError(t, err)

	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(result.Body, &response))
	assert.Equal(t, "ICCT-001", response["teamId"])
}

func TestRegisterChurchQuota(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, registration.Config{})

	for i := 0; i < 2; i++ {
		sub, artifacts := submissionFor(fmt.Sprintf("Quota Team %d", i+1), "St. Thomas Church")
		_, err := f.service.Register(ctx, sub, artifacts, "")
		require.NoError(t, err)
	}

	sub, artifacts := submissionFor("Quota Team 3", "st. thomas church ")
	_, err := f.service.Register(ctx, sub, artifacts, "")
	require.True(t, registration.ErrQuotaExceeded.Has(err))
	require.Equal(t, 2, f.db.TeamCount())

	// another church is unaffected
	sub, artifacts = submissionFor("Other Team", "Grace Assembly")
	_, err = f.service.Register(ctx, sub, artifacts, "")
	require.NoError(t, err)
}

func TestRegisterChurchQuotaConcurrent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, registration.Config{})

	sub, artifacts := submissionFor("Existing Team", "St. Thomas Church")
	_, err := f.service.Register(ctx, sub, artifacts, "")
	require.NoError(t, err)

	// One slot left; concurrent submissions race for it.
	const contenders = 8
	errors := make([]error, contenders)
	var wg sync.WaitGroup
	for i := 0; i < contenders; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub, artifacts := submissionFor(fmt.Sprintf("Racer %d", i), "St. Thomas Church")
			_, errors[i] = f.service.Register(ctx, sub, artifacts, "")
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errors {
		if err == nil {
			succeeded++
		} else {
			require.True(t, registration.ErrQuotaExceeded.Has(err), "unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, succeeded)
	require.Equal(t, 2, f.db.TeamCount())
}

func TestRegisterConcurrentDistinctChurches(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, registration.Config{})

	const teams = 10
	ids := make([]string, teams)
	var wg sync.WaitGroup
	for i := 0; i < teams; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub, artifacts := submissionFor(fmt.Sprintf("Parallel %d", i), fmt.Sprintf("Church %d", i))
			result, err := f.service.Register(ctx, sub, artifacts, "")
			if err == nil {
				ids[i] = result.TeamID
			}
		}()
	}
	wg.Wait()

	// Every registration succeeds and the ids are exactly ICCT-001..ICCT-010,
	// no gaps and no duplicates, regardless of commit order.
	seen := map[string]bool{}
	for _, id := range ids {
		require.NotEmpty(t, id)
		seen[id] = true
	}
	require.Len(t, seen, teams)
	for i := 1; i <= teams; i++ {
		require.True(t, seen[fmt.Sprintf("ICCT-%03d", i)])
	}
}

func TestRegisterIdempotentReplay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, registration.Config{})

	sub, artifacts := submissionFor("Thunder XI", "St. Thomas Church")
	first, err := f.service.Register(ctx, sub, artifacts, "key-1")
	require.NoError(t, err)

	second, err := f.service.Register(ctx, sub, artifacts, "key-1")
	require.NoError(t, err)
	require.True(t, second.Replayed)
	require.Equal(t, first.Body, second.Body)

	// no second team, no extra objects, no extra mail
	require.Equal(t, 1, f.db.TeamCount())
	require.Equal(t, 4, f.store.Len())
	require.Len(t, f.notifier.Events(), 1)
}

func TestRegisterIdempotencyConflict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, registration.Config{})

	sub, artifacts := submissionFor("Thunder XI", "St. Thomas Church")
	_, err := f.service.Register(ctx, sub, artifacts, "key-1")
	require.NoError(t, err)

	other, otherArtifacts := submissionFor("Different XI", "Grace Assembly")
	_, err = f.service.Register(ctx, other, otherArtifacts, "key-1")
	require.True(t, registration.ErrIdempotencyConflict.Has(err))
}

func TestRegisterDuplicateInFlight(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, registration.Config{})

	sub, artifacts := submissionFor("Thunder XI", "St. Thomas Church")
	hash := sub.Fingerprint(artifacts)

	begin, err := f.db.Idempotency().Begin(ctx, "key-1", hash, time.Hour)
	require.NoError(t, err)
	require.Equal(t, registration.BeginNew, begin.State)

	_, err = f.service.Register(ctx, sub, artifacts, "key-1")
	require.True(t, registration.ErrDuplicateRequest.Has(err))
}

func TestRegisterDuplicateTeam(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, registration.Config{})

	sub, artifacts := submissionFor("Thunder XI", "Church A")
	_, err := f.service.Register(ctx, sub, artifacts, "")
	require.NoError(t, err)

	// same team name and captain phone, different church
	dup, dupArtifacts := submissionFor("Thunder XI", "Church B")
	_, err = f.service.Register(ctx, dup, dupArtifacts, "")
	require.True(t, registration.ErrDuplicateTeam.Has(err))

	// the failed submission leaves no artifacts behind
	require.Equal(t, 4, f.store.Len())
	for _, key := range f.store.Keys() {
		assert.Contains(t, key, "ICCT-001")
	}
}

func TestRegisterTeamIDCollision(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, registration.Config{})

	sub, artifacts := submissionFor("First Team", "Church A")
	_, err := f.service.Register(ctx, sub, artifacts, "")
	require.NoError(t, err)

	// Rewind the sequence so the next allocation collides with ICCT-001.
	f.db.SetLastNumber(0)

	sub, artifacts = submissionFor("Second Team", "Church B")
	result, err := f.service.Register(ctx, sub, artifacts, "")
	require.NoError(t, err)
	require.Equal(t, "ICCT-002", result.TeamID)

	// the retried team's artifacts were renamed along with the id
	team, err := f.service.GetTeam(ctx, "ICCT-002")
	require.NoError(t, err)
	assert.Contains(t, team.PastorLetterURL, "pending/ICCT-002/")
	assert.Contains(t, team.Players[0].AadharFileURL, "ICCT-002-P01_aadhar")
	for _, key := range f.store.Keys() {
		assert.NotContains(t, key, "pending/ICCT-002/ICCT-001")
	}
}

func TestRegisterUploadFailureCleansUp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, registration.Config{})
	f.store.PutError = errs.New("store outage")

	sub, artifacts := submissionFor("Thunder XI", "St. Thomas Church")
	_, err := f.service.Register(ctx, sub, artifacts, "key-1")
	require.True(t, objectstore.ErrUpload.Has(err))

	require.Equal(t, 0, f.store.Len())
	require.Equal(t, 0, f.db.TeamCount())
	require.Empty(t, f.notifier.Events())

	// the idempotency key was released, so a retry goes through
	f.store.PutError = nil
	result, err := f.service.Register(ctx, sub, artifacts, "key-1")
	require.NoError(t, err)
	require.False(t, result.Replayed)
	require.Equal(t, 1, f.db.TeamCount())
}

func TestRegisterInsertFailureCleansUp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, registration.Config{})
	f.db.InsertError = errs.New("connection reset")

	sub, artifacts := submissionFor("Thunder XI", "St. Thomas Church")
	_, err := f.service.Register(ctx, sub, artifacts, "key-1")
	require.Error(t, err)

	require.Equal(t, 0, f.store.Len())
	require.Equal(t, 0, f.db.TeamCount())

	result, err := f.service.Register(ctx, sub, artifacts, "key-1")
	require.NoError(t, err)
	require.False(t, result.Replayed)
}

func TestConfirmTeam(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, registration.Config{})

	sub, artifacts := submissionFor("Thunder XI", "St. Thomas Church")
	result, err := f.service.Register(ctx, sub, artifacts, "")
	require.NoError(t, err)

	confirmed, err := f.service.ConfirmTeam(ctx, result.TeamID)
	require.NoError(t, err)
	require.False(t, confirmed.AlreadyDone)
	require.Empty(t, confirmed.FailedSlots)
	require.Equal(t, registration.StatusConfirmed, confirmed.Team.RegistrationStatus)
	assert.Contains(t, confirmed.Team.PastorLetterURL, "confirmed/ICCT-001/")
	assert.Contains(t, confirmed.Team.Players[0].AadharFileURL, "confirmed/ICCT-001/")

	for _, key := range f.store.Keys() {
		assert.Contains(t, key, "confirmed/ICCT-001/")
	}

	// confirming again is a no-op
	again, err := f.service.ConfirmTeam(ctx, result.TeamID)
	require.NoError(t, err)
	require.True(t, again.AlreadyDone)

	// rejecting a confirmed team is invalid
	_, err = f.service.RejectTeam(ctx, result.TeamID)
	require.True(t, registration.ErrInvalidTransition.Has(err))
}

func TestRejectTeam(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, registration.Config{})

	sub, artifacts := submissionFor("Thunder XI", "St. Thomas Church")
	result, err := f.service.Register(ctx, sub, artifacts, "")
	require.NoError(t, err)

	rejected, err := f.service.RejectTeam(ctx, result.TeamID)
	require.NoError(t, err)
	require.Equal(t, registration.StatusRejected, rejected.Team.RegistrationStatus)
	for _, key := range f.store.Keys() {
		assert.Contains(t, key, "rejected/ICCT-001/")
	}

	_, err = f.service.ConfirmTeam(ctx, result.TeamID)
	require.True(t, registration.ErrInvalidTransition.Has(err))

	// rejection does not free the church quota slot
	count, err := f.db.Teams().CountByChurch(ctx, "St. Thomas Church")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestTransitionUnknownTeam(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, registration.Config{})

	_, err := f.service.ConfirmTeam(ctx, "ICCT-999")
	require.True(t, registration.ErrTeamNotFound.Has(err))
}

func TestTransitionTerminalStateNotOverwritten(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, registration.Config{})

	sub, artifacts := submissionFor("Thunder XI", "St. Thomas Church")
	result, err := f.service.Register(ctx, sub, artifacts, "")
	require.NoError(t, err)

	_, err = f.service.RejectTeam(ctx, result.TeamID)
	require.NoError(t, err)

	// the write a confirm would issue after a stale pending read
	_, err = f.db.Teams().UpdateStatus(ctx, result.TeamID, registration.StatusConfirmed, nil)
	require.True(t, registration.ErrInvalidTransition.Has(err))

	team, err := f.service.GetTeam(ctx, result.TeamID)
	require.NoError(t, err)
	require.Equal(t, registration.StatusRejected, team.RegistrationStatus)
}

func TestConcurrentConfirmReject(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, registration.Config{})

	sub, artifacts := submissionFor("Thunder XI", "St. Thomas Church")
	result, err := f.service.Register(ctx, sub, artifacts, "")
	require.NoError(t, err)

	type outcome struct {
		target registration.TeamStatus
		result *registration.TransitionResult
		err    error
	}
	outcomes := make(chan outcome, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		res, err := f.service.ConfirmTeam(ctx, result.TeamID)
		outcomes <- outcome{registration.StatusConfirmed, res, err}
	}()
	go func() {
		defer wg.Done()
		res, err := f.service.RejectTeam(ctx, result.TeamID)
		outcomes <- outcome{registration.StatusRejected, res, err}
	}()
	wg.Wait()
	close(outcomes)

	team, err := f.service.GetTeam(ctx, result.TeamID)
	require.NoError(t, err)

	// exactly one call transitions; the other observes the terminal state
	var won, lost int
	for o := range outcomes {
		switch {
		case o.err == nil && !o.result.AlreadyDone:
			won++
			require.Equal(t, o.target, team.RegistrationStatus)
		case registration.ErrInvalidTransition.Has(o.err):
			lost++
		default:
			t.Fatalf("unexpected transition outcome: %+v %v", o.result, o.err)
		}
	}
	require.Equal(t, 1, won)
	require.Equal(t, 1, lost)
}

func TestListTeams(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, registration.Config{})

	for i := 0; i < 3; i++ {
		sub, artifacts := submissionFor(fmt.Sprintf("Team %d", i+1), fmt.Sprintf("Church %d", i+1))
		_, err := f.service.Register(ctx, sub, artifacts, "")
		require.NoError(t, err)
	}
	_, err := f.service.ConfirmTeam(ctx, "ICCT-002")
	require.NoError(t, err)

	page, err := f.service.ListTeams(ctx, registration.TeamsCursor{})
	require.NoError(t, err)
	require.Equal(t, 3, page.TotalCount)
	require.Len(t, page.Teams, 3)

	pending, err := f.service.ListTeams(ctx, registration.TeamsCursor{Status: registration.StatusPending})
	require.NoError(t, err)
	require.Equal(t, 2, pending.TotalCount)

	confirmed, err := f.service.ListTeams(ctx, registration.TeamsCursor{Status: registration.StatusConfirmed})
	require.NoError(t, err)
	require.Equal(t, 1, confirmed.TotalCount)
	require.Equal(t, "ICCT-002", confirmed.Teams[0].TeamID)
}

func TestGetPlayer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, registration.Config{})

	sub, artifacts := submissionFor("Thunder XI", "St. Thomas Church")
	_, err := f.service.Register(ctx, sub, artifacts, "")
	require.NoError(t, err)

	player, team, err := f.service.GetPlayer(ctx, "ICCT-001-P05")
	require.NoError(t, err)
	assert.Equal(t, 5, player.Position)
	assert.Equal(t, "Thunder XI player 5", player.Name)
	assert.Equal(t, "ICCT-001", team.TeamID)
	assert.Equal(t, 11, team.PlayerCount)

	_, _, err = f.service.GetPlayer(ctx, "ICCT-001-P99")
	require.True(t, registration.ErrPlayerNotFound.Has(err))
}

func TestChurchAvailability(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, registration.Config{})

	for _, reg := range []struct{ team, church string }{
		{"Team A1", "Church A"},
		{"Team A2", "Church A"},
		{"Team B1", "Church B"},
	} {
		sub, artifacts := submissionFor(reg.team, reg.church)
		_, err := f.service.Register(ctx, sub, artifacts, "")
		require.NoError(t, err)
	}

	churches, err := f.service.ChurchAvailability(ctx)
	require.NoError(t, err)
	require.Len(t, churches, 2)
	assert.Equal(t, "Church A", churches[0].ChurchName)
	assert.Equal(t, 2, churches[0].TeamCount)
	assert.True(t, churches[0].Locked)
	assert.Equal(t, "Church B", churches[1].ChurchName)
	assert.False(t, churches[1].Locked)
}
