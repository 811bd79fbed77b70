// Copyright (C) 2026 ICCT Registry Authors.
// See LICENSE for copying information.

package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/icctcup/registry/internal/retry"
	"github.com/icctcup/registry/registry/objectstore"
	"github.com/icctcup/registry/registry/registration"
	"github.com/icctcup/registry/registry/registration/testmem"
)

const testToken = "super-secret"

type env struct {
	db      *testmem.DB
	store   *objectstore.TestStore
	service *registration.Service
	server  *Server
}

func newEnv(t *testing.T) *env {
	log := zaptest.NewLogger(t)
	db := testmem.New()
	store := objectstore.NewTestStore()
	uploader := objectstore.NewUploader(log, store, objectstore.UploaderConfig{
		Retry: retry.Policy{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Factor: 2},
	})
	service, err := registration.NewService(log, db, uploader, nil, registration.Config{})
	require.NoError(t, err)
	return &env{
		db:      db,
		store:   store,
		service: service,
		server:  NewServer(log, nil, service, Config{AuthorizationToken: testToken}),
	}
}

func (e *env) register(t *testing.T, team, church string) string {
	sub := &registration.Submission{
		ChurchName: church,
		TeamName:   team,
		Captain: registration.Contact{
			Name: "Captain", Phone: "+919876543210",
			Whatsapp: "9876543210", Email: "captain@example.com",
		},
		ViceCaptain: registration.Contact{
			Name: "Vice", Phone: "+919812345678",
			Whatsapp: "9812345678", Email: "vice@example.com",
		},
	}
	for i := 1; i <= 11; i++ {
		sub.Players = append(sub.Players, registration.SubmittedPlayer{Name: fmt.Sprintf("%s player %d", team, i)})
	}
	artifacts := []objectstore.Artifact{
		objectstore.NewArtifact(objectstore.SlotPastorLetter, 0, []byte("%PDF-"+team), "application/pdf"),
		objectstore.NewArtifact(objectstore.SlotAadhar, 1, []byte("%PDF-a-"+team), "application/pdf"),
	}
	result, err := e.service.Register(context.Background(), sub, artifacts, "")
	require.NoError(t, err)
	return result.TeamID
}

func (e *env) do(t *testing.T, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	rec := httptest.NewRecorder()
	e.server.server.Handler.ServeHTTP(rec, req)
	return rec
}

func TestAuthRequired(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, "GET", "/api/admin/teams", "")
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = e.do(t, "GET", "/api/admin/teams", "wrong-token")
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = e.do(t, "GET", "/api/admin/teams", testToken)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthDisabledRejectsEverything(t *testing.T) {
	e := newEnv(t)
	e.server.config.AuthorizationToken = ""

	rec := e.do(t, "GET", "/api/admin/teams", "anything")
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestListAndGetTeams(t *testing.T) {
	e := newEnv(t)
	id := e.register(t, "Thunder XI", "Church A")
	e.register(t, "Lightning", "Church B")

	rec := e.do(t, "GET", "/api/admin/teams", testToken)
	require.Equal(t, http.StatusOK, rec.Code)
	var page registration.TeamsPage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Equal(t, 2, page.TotalCount)

	rec = e.do(t, "GET", "/api/admin/teams?status=pending", testToken)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, "GET", "/api/admin/teams?status=bogus", testToken)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, "GET", "/api/admin/teams/"+id, testToken)
	require.Equal(t, http.StatusOK, rec.Code)
	var team registration.Team
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &team))
	assert.Equal(t, "Thunder XI", team.TeamName)
	assert.Len(t, team.Players, 11)

	rec = e.do(t, "GET", "/api/admin/teams/ICCT-999", testToken)
	require.Equal(t, http.StatusNotFound, rec.Code)
	var envelope map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "TEAM_NOT_FOUND", envelope["code"])
}

func TestConfirmAndRejectEndpoints(t *testing.T) {
	e := newEnv(t)
	id := e.register(t, "Thunder XI", "Church A")

	rec := e.do(t, "PUT", "/api/admin/teams/"+id+"/confirm", testToken)
	require.Equal(t, http.StatusOK, rec.Code)
	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, true, response["success"])
	assert.Equal(t, "confirmed", response["status"])
	urls, ok := response["urls"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, urls["pastor_letter"], "confirmed/"+id)

	// idempotent re-confirm
	rec = e.do(t, "PUT", "/api/admin/teams/"+id+"/confirm", testToken)
	require.Equal(t, http.StatusOK, rec.Code)
	response = map[string]interface{}{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, true, response["alreadyConfirmed"])

	// rejecting a confirmed team conflicts
	rec = e.do(t, "PUT", "/api/admin/teams/"+id+"/reject", testToken)
	require.Equal(t, http.StatusConflict, rec.Code)
	response = map[string]interface{}{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, "INVALID_TRANSITION", response["code"])

	// fresh team rejects cleanly
	other := e.register(t, "Lightning", "Church B")
	rec = e.do(t, "PUT", "/api/admin/teams/"+other+"/reject", testToken)
	require.Equal(t, http.StatusOK, rec.Code)
	response = map[string]interface{}{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, "rejected", response["status"])
}

func TestGetPlayerEndpoint(t *testing.T) {
	e := newEnv(t)
	id := e.register(t, "Thunder XI", "Church A")

	rec := e.do(t, "GET", "/api/admin/players/"+id+"-P03", testToken)
	require.Equal(t, http.StatusOK, rec.Code)
	var response struct {
		Player registration.Player      `json:"player"`
		Team   registration.TeamSummary `json:"team"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, 3, response.Player.Position)
	assert.Equal(t, id, response.Team.TeamID)

	rec = e.do(t, "GET", "/api/admin/players/"+id+"-P99", testToken)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChurchAvailabilityEndpoint(t *testing.T) {
	e := newEnv(t)
	e.register(t, "Team A1", "Church A")
	e.register(t, "Team A2", "Church A")
	e.register(t, "Team B1", "Church B")

	rec := e.do(t, "GET", "/api/admin/churches/availability", testToken)
	require.Equal(t, http.StatusOK, rec.Code)

	var churches []registration.ChurchAvailability
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &churches))
	require.Len(t, churches, 2)
	assert.True(t, churches[0].Locked)
	assert.False(t, churches[1].Locked)
}
