// Copyright (C) 2026 ICCT Registry Authors.
// See LICENSE for copying information.

// Package web implements the public registration HTTP API.
package web

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/icctcup/registry/internal/retry"
	"github.com/icctcup/registry/internal/web"
	"github.com/icctcup/registry/registry/objectstore"
	"github.com/icctcup/registry/registry/registration"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the web package.
	Error = errs.Class("registration web")
)

// Config defines configuration for the public server.
type Config struct {
	Address      string `help:"public http listening address" default:":8080"`
	MaxBodyBytes int64  `help:"request body cap, sized for base64 artifacts" default:"134217728"`
	ArtifactsDir string `help:"when set, serve this directory read-only under /artifacts/" default:""`
}

// Server exposes the submission endpoint and health probes.
type Server struct {
	log *zap.Logger

	listener net.Listener
	server   http.Server

	service *registration.Service
	db      registration.DB
	config  Config
}

// NewServer creates the public registration server.
func NewServer(log *zap.Logger, listener net.Listener, service *registration.Service, db registration.DB, config Config) *Server {
	server := &Server{
		log:      log,
		listener: listener,
		service:  service,
		db:       db,
		config:   config,
	}

	router := mux.NewRouter()
	router.Use(server.withRequestLog)
	router.HandleFunc("/api/register/team", server.registerTeam).Methods("POST")
	router.HandleFunc("/health", server.health).Methods("GET")
	router.HandleFunc("/status", server.status).Methods("GET")
	if config.ArtifactsDir != "" {
		router.PathPrefix("/artifacts/").Handler(
			http.StripPrefix("/artifacts/", http.FileServer(http.Dir(config.ArtifactsDir)))).Methods("GET")
	}

	server.server.Handler = router
	return server
}

// Run starts the public endpoint until ctx is canceled.
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

func (server *Server) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := uuid.NewString()
		r.Header.Set("X-Correlation-Id", correlationID)
		w.Header().Set("X-Correlation-Id", correlationID)
		server.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("correlationId", correlationID))
		next.ServeHTTP(w, r)
	})
}

func (server *Server) registerTeam(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, server.config.MaxBodyBytes))
	if err != nil {
		web.ServeError(server.log, w, http.StatusRequestEntityTooLarge,
			"VALIDATION_FAILED", "request body too large", "")
		return
	}

	sub, artifacts, err := registration.Decode(body, server.service.DecodeConfig())
	if err != nil {
		server.serveError(w, r, err)
		return
	}

	idemKey := r.Header.Get("X-Idempotency-Key")

	result, err := server.service.Register(ctx, sub, artifacts, idemKey)
	if err != nil {
		server.serveError(w, r, err)
		return
	}

	web.ServeRaw(server.log, w, http.StatusCreated, result.Body)
}

func (server *Server) health(w http.ResponseWriter, r *http.Request) {
	web.ServeJSON(server.log, w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (server *Server) status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := server.db.Ping(ctx); err != nil {
		web.ServeJSON(server.log, w, http.StatusServiceUnavailable, map[string]string{
			"status":   "degraded",
			"database": "unreachable",
		})
		return
	}
	web.ServeJSON(server.log, w, http.StatusOK, map[string]string{
		"status":   "healthy",
		"database": "reachable",
	})
}

// serveError maps domain failures onto the error envelope and status codes.
func (server *Server) serveError(w http.ResponseWriter, r *http.Request, err error) {
	correlationID := r.Header.Get("X-Correlation-Id")

	switch {
	case registration.ErrValidation.Has(err):
		field, message := "", "validation failed"
		if fe := registration.AsFieldError(err); fe != nil {
			field, message = fe.Field, fe.Message
		}
		web.ServeError(server.log, w, http.StatusUnprocessableEntity,
			"VALIDATION_FAILED", message, field)

	case registration.ErrQuotaExceeded.Has(err):
		web.ServeError(server.log, w, http.StatusConflict,
			"CHURCH_QUOTA_EXCEEDED", fmt.Sprintf(
				"Maximum %d teams already registered for this church",
				server.service.MaxTeamsPerChurch()), "")

	case registration.ErrDuplicateTeam.Has(err):
		web.ServeError(server.log, w, http.StatusConflict,
			"DUPLICATE_TEAM", "a team with this name and captain phone already exists", "")

	case registration.ErrDuplicateRequest.Has(err):
		web.ServeError(server.log, w, http.StatusConflict,
			"DUPLICATE_REQUEST", "a submission with this idempotency key is already in flight", "")

	case registration.ErrIdempotencyConflict.Has(err):
		web.ServeError(server.log, w, http.StatusConflict,
			"IDEMPOTENCY_CONFLICT", "idempotency key was already used with a different payload", "")

	case retry.ErrCircuitOpen.Has(err):
		web.ServeError(server.log, w, http.StatusServiceUnavailable,
			"CIRCUIT_OPEN", "a dependency is temporarily unavailable, retry later", "")

	case objectstore.ErrUpload.Has(err), objectstore.ErrMove.Has(err):
		web.ServeError(server.log, w, http.StatusBadGateway,
			"UPLOAD_FAILED", "file upload failed, retry later", "")

	case errors.Is(err, context.DeadlineExceeded):
		web.ServeError(server.log, w, http.StatusGatewayTimeout,
			"DEADLINE_EXCEEDED", "the registration did not complete in time", "")

	default:
		server.log.Error("registration failed",
			zap.String("correlationId", correlationID), zap.Error(err))
		web.ServeErrorDetails(server.log, w, http.StatusInternalServerError,
			"DATABASE_ERROR", "registration could not be completed", "",
			map[string]interface{}{"correlationId": correlationID})
	}
}
