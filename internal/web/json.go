// Copyright (C) 2026 ICCT Registry Authors.
// See LICENSE for copying information.

// Package web holds the JSON envelope helpers shared by the public and
// admin HTTP servers.
package web

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// ErrorResponse is the error envelope every endpoint returns on failure.
type ErrorResponse struct {
	Success bool                   `json:"success"`
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Field   string                 `json:"field,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// ServeJSON writes value as a JSON response with the given status.
func ServeJSON(log *zap.Logger, w http.ResponseWriter, status int, value interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(value); err != nil {
		log.Error("failed to write json response", zap.Error(err))
	}
}

// ServeRaw writes a pre-serialized JSON body with the given status.
func ServeRaw(log *zap.Logger, w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		log.Error("failed to write json response", zap.Error(err))
	}
}

// ServeError writes the error envelope.
func ServeError(log *zap.Logger, w http.ResponseWriter, status int, code, message, field string) {
	ServeErrorDetails(log, w, status, code, message, field, nil)
}

// ServeErrorDetails writes the error envelope with extra details.
func ServeErrorDetails(log *zap.Logger, w http.ResponseWriter, status int, code, message, field string, details map[string]interface{}) {
	ServeJSON(log, w, status, ErrorResponse{
		Success: false,
		Code:    code,
		Message: message,
		Field:   field,
		Details: details,
	})
}
