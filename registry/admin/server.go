// Copyright (C) 2026 ICCT Registry Authors.
// See LICENSE for copying information.

// Package admin implements the administrative endpoints of the registration
// service.
package admin

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/icctcup/registry/internal/web"
	"github.com/icctcup/registry/registry/registration"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the admin package.
	Error = errs.Class("admin")
)

// Config defines configuration for the admin server.
type Config struct {
	Address            string `help:"admin http listening address" default:":8443"`
	AuthorizationToken string `internal:"true"`
}

// Server provides endpoints for administrative tasks.
type Server struct {
	log *zap.Logger

	listener net.Listener
	server   http.Server

	service *registration.Service
	config  Config
}

// NewServer returns a new administration Server.
func NewServer(log *zap.Logger, listener net.Listener, service *registration.Service, config Config) *Server {
	server := &Server{
		log:      log,
		listener: listener,
		service:  service,
		config:   config,
	}

	root := mux.NewRouter()
	api := root.PathPrefix("/api/admin/").Subrouter()
	api.Use(server.withAuth)

	api.HandleFunc("/teams", server.listTeams).Methods("GET")
	api.HandleFunc("/teams/{teamId}", server.getTeam).Methods("GET")
	api.HandleFunc("/teams/{teamId}/confirm", server.confirmTeam).Methods("PUT")
	api.HandleFunc("/teams/{teamId}/reject", server.rejectTeam).Methods("PUT")
	api.HandleFunc("/players/{playerId}", server.getPlayer).Methods("GET")
	api.HandleFunc("/churches/availability", server.churchAvailability).Methods("GET")

	server.server.Handler = root
	return server
}

// Run starts the admin endpoint.
func (server *Server) Run(ctx context.Context) error {
	if server.listener == nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	var group errgroup.Group
	group.Go(func() error {
		<-ctx.Done()
		return Error.Wrap(server.server.Shutdown(context.Background()))
	})
	group.Go(func() error {
		defer cancel()
		err := server.server.Serve(server.listener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		return Error.Wrap(err)
	})
	return group.Wait()
}

// Close closes server and underlying listener.
func (server *Server) Close() error {
	return Error.Wrap(server.server.Close())
}

// Addr returns the address the server listens on, or "" without a listener.
func (server *Server) Addr() string {
	if server.listener == nil {
		return ""
	}
	return server.listener.Addr().String()
}

// withAuth requires a valid authorization token on every admin request.
func (server *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if server.config.AuthorizationToken == "" {
			web.ServeError(server.log, w, http.StatusForbidden,
				"FORBIDDEN", "authorization not enabled", "")
			return
		}
		if !validateToken(server.config.AuthorizationToken, r.Header.Get("Authorization")) {
			web.ServeError(server.log, w, http.StatusForbidden,
				"FORBIDDEN", "required a valid authorization token", "")
			return
		}

		server.log.Info("admin action",
			zap.String("action", r.Method+"-"+r.RequestURI))
		next.ServeHTTP(w, r)
	})
}

func validateToken(configured, sent string) bool {
	return subtle.ConstantTimeCompare([]byte(sent), []byte(configured)) == 1
}

func (server *Server) listTeams(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	query := r.URL.Query()
	cursor := registration.TeamsCursor{
		Status: registration.TeamStatus(query.Get("status")),
	}
	if cursor.Status != "" && !cursor.Status.Valid() {
		web.ServeError(server.log, w, http.StatusBadRequest,
			"VALIDATION_FAILED", "unknown status filter", "status")
		return
	}
	cursor.Skip, _ = strconv.Atoi(query.Get("skip"))
	cursor.Limit, _ = strconv.Atoi(query.Get("limit"))

	page, err := server.service.ListTeams(ctx, cursor)
	if err != nil {
		server.serveError(w, err)
		return
	}
	web.ServeJSON(server.log, w, http.StatusOK, page)
}

func (server *Server) getTeam(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	team, err := server.service.GetTeam(ctx, mux.Vars(r)["teamId"])
	if err != nil {
		server.serveError(w, err)
		return
	}
	web.ServeJSON(server.log, w, http.StatusOK, team)
}

func (server *Server) getPlayer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	player, team, err := server.service.GetPlayer(ctx, mux.Vars(r)["playerId"])
	if err != nil {
		server.serveError(w, err)
		return
	}
	web.ServeJSON(server.log, w, http.StatusOK, map[string]interface{}{
		"player": player,
		"team":   team,
	})
}

func (server *Server) confirmTeam(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	teamID := mux.Vars(r)["teamId"]
	result, err := server.service.ConfirmTeam(ctx, teamID)
	if err != nil {
		server.serveError(w, err)
		return
	}
	server.serveTransition(w, teamID, registration.StatusConfirmed, result)
}

func (server *Server) rejectTeam(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	teamID := mux.Vars(r)["teamId"]
	result, err := server.service.RejectTeam(ctx, teamID)
	if err != nil {
		server.serveError(w, err)
		return
	}
	server.serveTransition(w, teamID, registration.StatusRejected, result)
}

func (server *Server) serveTransition(w http.ResponseWriter, teamID string, status registration.TeamStatus, result *registration.TransitionResult) {
	response := map[string]interface{}{
		"success": true,
		"teamId":  teamID,
		"status":  string(status),
	}
	if result.AlreadyDone {
		switch status {
		case registration.StatusConfirmed:
			response["alreadyConfirmed"] = true
		case registration.StatusRejected:
			response["alreadyRejected"] = true
		}
	} else {
		response["urls"] = result.URLs
		if len(result.FailedSlots) > 0 {
			response["failedSlots"] = result.FailedSlots
		}
	}
	web.ServeJSON(server.log, w, http.StatusOK, response)
}

func (server *Server) churchAvailability(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	churches, err := server.service.ChurchAvailability(ctx)
	if err != nil {
		server.serveError(w, err)
		return
	}
	if churches == nil {
		churches = []registration.ChurchAvailability{}
	}
	web.ServeJSON(server.log, w, http.StatusOK, churches)
}

func (server *Server) serveError(w http.ResponseWriter, err error) {
	switch {
	case registration.ErrTeamNotFound.Has(err):
		web.ServeError(server.log, w, http.StatusNotFound,
			"TEAM_NOT_FOUND", "team does not exist", "")
	case registration.ErrPlayerNotFound.Has(err):
		web.ServeError(server.log, w, http.StatusNotFound,
			"PLAYER_NOT_FOUND", "player does not exist", "")
	case registration.ErrInvalidTransition.Has(err):
		web.ServeError(server.log, w, http.StatusConflict,
			"INVALID_TRANSITION", "team is already in a terminal state", "")
	default:
		server.log.Error("admin request failed", zap.Error(err))
		web.ServeError(server.log, w, http.StatusInternalServerError,
			"DATABASE_ERROR", "request could not be completed", "")
	}
}
