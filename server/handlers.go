// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"axonflow/tenantdb/access"
	"axonflow/tenantdb/connections/base"
	"axonflow/tenantdb/connections/breaker"
	"axonflow/tenantdb/shared/apperr"
	"axonflow/tenantdb/tenancy"
)

type validateSessionRequest struct {
	Token string `json:"token"`
}

// validateSessionHandler returns {session_id, user_id, expires_at} for a
// live session.
func (s *Server) validateSessionHandler(w http.ResponseWriter, r *http.Request) {
	var req validateSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Token == "" {
		s.writeError(w, r, &apperr.AuthenticationError{Reason: "missing session token"})
		return
	}
	view, err := s.deps.Sessions.Validate(r.Context(), req.Token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSONResponse(w, view, http.StatusOK)
}

func (s *Server) revokeSessionHandler(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		s.writeError(w, r, &apperr.AuthenticationError{Reason: "missing bearer token"})
		return
	}
	if err := s.deps.Sessions.Revoke(r.Context(), token); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type resolveContextRequest struct {
	ProjectID string `json:"project_id"`
}

// resolveContextHandler resolves the caller's scope for an optional
// project. The user always comes from the session, never the body.
func (s *Server) resolveContextHandler(w http.ResponseWriter, r *http.Request) {
	session, err := s.authenticate(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req resolveContextRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	scope, err := s.deps.Resolver.Resolve(r.Context(), session.UserID, tenancy.Hint{ProjectID: req.ProjectID})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSONResponse(w, scope, http.StatusOK)
}

type setActiveOrganizationRequest struct {
	OrganizationID string `json:"organization_id"`
}

func (s *Server) setActiveOrganizationHandler(w http.ResponseWriter, r *http.Request) {
	session, err := s.authenticate(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	userID := mux.Vars(r)["user"]
	if userID != session.UserID {
		s.writeError(w, r, &apperr.AuthorizationError{UserID: session.UserID, Resource: "user " + userID, Reason: "can only change own active organization"})
		return
	}
	var req setActiveOrganizationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Resolver.SetActive(r.Context(), userID, req.OrganizationID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSONResponse(w, map[string]string{"user_id": userID, "organization_id": req.OrganizationID}, http.StatusOK)
}

// listConnectionsHandler lists a project's connections with masked secrets
// for members of the project.
func (s *Server) listConnectionsHandler(w http.ResponseWriter, r *http.Request) {
	session, err := s.authenticate(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	projectID := mux.Vars(r)["project"]
	if _, err := s.deps.Resolver.Resolve(r.Context(), session.UserID, tenancy.Hint{ProjectID: projectID}); err != nil {
		s.writeError(w, r, err)
		return
	}
	views, err := s.deps.Connections.List(r.Context(), projectID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSONResponse(w, map[string]interface{}{
		"project_id":  projectID,
		"count":       len(views),
		"connections": views,
	}, http.StatusOK)
}

type queryRequest struct {
	ProjectID    string                 `json:"project_id"`
	ConnectionID string                 `json:"connection_id"`
	Statement    string                 `json:"statement"`
	Args         []interface{}          `json:"args,omitempty"`
	Parameters   map[string]interface{} `json:"parameters,omitempty"`
	Limit        int                    `json:"limit,omitempty"`
	TimeoutMs    int                    `json:"timeout_ms,omitempty"`
}

func (s *Server) queryHandler(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.deps.Queries.Execute(r.Context(), access.Request{
		Token:        bearerToken(r),
		ProjectID:    req.ProjectID,
		ConnectionID: req.ConnectionID,
		Query: base.Query{
			Statement:  req.Statement,
			Args:       req.Args,
			Parameters: req.Parameters,
			Limit:      req.Limit,
			Timeout:    time.Duration(req.TimeoutMs) * time.Millisecond,
		},
		RequestID: RequestIDFrom(r.Context()),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSONResponse(w, resp, http.StatusOK)
}

type healthResponse struct {
	Status       string            `json:"status"`
	Timestamp    time.Time         `json:"timestamp"`
	Uptime       string            `json:"uptime"`
	OpenBreakers []string          `json:"open_breakers"`
	Cache        *cacheHealth      `json:"session_cache,omitempty"`
	Components   map[string]string `json:"components"`
}

type cacheHealth struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Fallbacks int64   `json:"fallbacks"`
	HitRatio  float64 `json:"hit_ratio"`
	Effective bool    `json:"effective"`
}

// healthHandler reports process health. Open breakers degrade the status
// but never fail it; one broken backend is not a broken service.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:       "healthy",
		Timestamp:    time.Now().UTC(),
		Uptime:       time.Since(s.started).Round(time.Second).String(),
		OpenBreakers: []string{},
		Components:   map[string]string{},
	}
	if s.deps.Breakers != nil {
		for _, b := range s.deps.Breakers() {
			if b.State != breaker.Closed.String() {
				resp.OpenBreakers = append(resp.OpenBreakers, b.Key)
			}
		}
	}
	if len(resp.OpenBreakers) > 0 {
		resp.Status = "degraded"
	}
	if s.deps.CacheStats != nil {
		st := s.deps.CacheStats()
		resp.Cache = &cacheHealth{
			Hits:      st.Hits,
			Misses:    st.Misses,
			Fallbacks: st.Fallbacks,
			HitRatio:  st.HitRatio(),
			Effective: st.Effective(),
		}
		resp.Components["session_cache"] = "healthy"
		if st.Fallbacks > 0 && st.Hits == 0 {
			resp.Components["session_cache"] = "bypassed"
		}
	}
	writeJSONResponse(w, resp, http.StatusOK)
}

type connectionHealth struct {
	ConnectionID  string            `json:"connection_id"`
	ProjectID     string            `json:"project_id"`
	Type          base.BackendType  `json:"type"`
	Status        base.HealthStatus `json:"status"`
	LastCheckedAt *time.Time        `json:"last_checked_at"`
}

// connectionHealthHandler lists every connection's last known health as
// recorded by the background sweep. It never contacts a backend; on-demand
// checks go through the admin CLI.
func (s *Server) connectionHealthHandler(w http.ResponseWriter, r *http.Request) {
	views, err := s.deps.Connections.All(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]connectionHealth, 0, len(views))
	for _, v := range views {
		out = append(out, connectionHealth{
			ConnectionID:  v.ID,
			ProjectID:     v.ProjectID,
			Type:          v.Type,
			Status:        v.Health,
			LastCheckedAt: v.LastHealthCheck,
		})
	}
	writeJSONResponse(w, map[string]interface{}{
		"count":       len(out),
		"connections": out,
	}, http.StatusOK)
}
