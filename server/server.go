// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package server exposes session validation, tenant context resolution,
// scoped queries and health over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/cors"

	"axonflow/tenantdb/access"
	"axonflow/tenantdb/connections/breaker"
	"axonflow/tenantdb/connections/registry"
	"axonflow/tenantdb/sessions"
	"axonflow/tenantdb/sessions/cache"
	"axonflow/tenantdb/shared/apperr"
	"axonflow/tenantdb/shared/logger"
	"axonflow/tenantdb/shared/metrics"
	"axonflow/tenantdb/tenancy"
)

// RequestIDHeader carries the request id in and out.
const RequestIDHeader = "X-Request-ID"

// SessionValidator validates and revokes session tokens.
type SessionValidator interface {
	Validate(ctx context.Context, token string) (sessions.View, error)
	Revoke(ctx context.Context, token string) error
}

// ContextResolver resolves and switches tenant context.
type ContextResolver interface {
	Resolve(ctx context.Context, userID string, hint tenancy.Hint) (tenancy.Scope, error)
	SetActive(ctx context.Context, userID, orgID string) error
}

// ConnectionLister lists masked connection records.
type ConnectionLister interface {
	List(ctx context.Context, projectID string) ([]registry.View, error)
	All(ctx context.Context) ([]registry.View, error)
}

// QueryRunner runs tenant-scoped queries.
type QueryRunner interface {
	Execute(ctx context.Context, req access.Request) (*access.Response, error)
}

// Deps are the components the server exposes.
type Deps struct {
	Sessions    SessionValidator
	Resolver    ContextResolver
	Connections ConnectionLister
	Queries     QueryRunner
	Breakers    func() []breaker.Snapshot
	// CacheStats is optional.
	CacheStats func() cache.Stats
	Metrics    *metrics.Metrics
	Gatherer   prometheus.Gatherer
}

// Server routes HTTP requests to Deps.
type Server struct {
	deps    Deps
	router  *mux.Router
	handler http.Handler
	log     *logger.Logger
	started time.Time
}

type ctxKey int

const requestIDKey ctxKey = iota

// New builds the router. corsOrigins lists allowed browser origins; with
// none, CORS headers are never sent.
func New(deps Deps, corsOrigins []string) *Server {
	s := &Server{
		deps:    deps,
		router:  mux.NewRouter(),
		log:     logger.New("http-server"),
		started: time.Now(),
	}
	s.routes()

	var h http.Handler = s.router
	if len(corsOrigins) > 0 {
		h = cors.New(cors.Options{
			AllowedOrigins:   corsOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowedHeaders:   []string{"Content-Type", "Authorization", RequestIDHeader},
			ExposedHeaders:   []string{RequestIDHeader, "Retry-After"},
			AllowCredentials: true,
		}).Handler(h)
	}
	s.handler = requestID(h)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router
	if s.deps.Metrics != nil {
		r.Use(func(next http.Handler) http.Handler {
			return s.deps.Metrics.Instrument(routeLabel, next)
		})
	}

	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.HandleFunc("/health/connections", s.connectionHealthHandler).Methods("GET")
	if s.deps.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(s.deps.Gatherer)).Methods("GET")
	}

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/sessions/validate", s.validateSessionHandler).Methods("POST")
	v1.HandleFunc("/sessions/revoke", s.revokeSessionHandler).Methods("POST")
	v1.HandleFunc("/context/resolve", s.resolveContextHandler).Methods("POST")
	v1.HandleFunc("/users/{user}/active-organization", s.setActiveOrganizationHandler).Methods("PUT")
	v1.HandleFunc("/projects/{project}/connections", s.listConnectionsHandler).Methods("GET")
	v1.HandleFunc("/query", s.queryHandler).Methods("POST")
}

func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// requestID propagates or assigns a request id.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" || len(id) > 128 {
			id = ulid.Make().String()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// RequestIDFrom returns the id assigned to the request carrying ctx.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// bearerToken extracts the token from "Authorization: Bearer <token>".
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// authenticate validates the bearer token on r.
func (s *Server) authenticate(r *http.Request) (sessions.View, error) {
	token := bearerToken(r)
	if token == "" {
		return sessions.View{}, &apperr.AuthenticationError{Reason: "missing bearer token"}
	}
	return s.deps.Sessions.Validate(r.Context(), token)
}

// decodeJSON reads a JSON body into dst, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Invalid("request body is required")
		}
		return apperr.Invalid("malformed request body: %v", err)
	}
	return nil
}

// decodeOptionalJSON is decodeJSON for endpoints whose body may be empty.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return apperr.Invalid("malformed request body: %v", err)
	}
	return nil
}

// writeJSONResponse writes a JSON response with the given status code
func writeJSONResponse(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[HTTPServer] Error encoding response: %v", err)
	}
}

// writeError maps err onto the error taxonomy's status code. Internal
// errors are logged and replaced with a generic message.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.StatusCode(err)
	code := apperr.Code(err)
	message := err.Error()
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable && status != http.StatusBadGateway {
		s.log.ErrorWithCode("", RequestIDFrom(r.Context()), "request failed", status, err, map[string]interface{}{
			"path": r.URL.Path,
		})
		message = "internal error"
	}
	if d := apperr.RetryAfter(err); d > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int((d+time.Second-1)/time.Second)))
	}
	writeJSONResponse(w, map[string]interface{}{
		"error": map[string]interface{}{
			"code":       code,
			"message":    message,
			"request_id": RequestIDFrom(r.Context()),
		},
	}, status)
}
