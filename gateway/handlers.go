// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"axonflow/veil/audit"
	"axonflow/veil/budget"
	"axonflow/veil/performance"
	"axonflow/veil/shared/logger"
	"axonflow/veil/shared/types"
)

// QueryRequest is the body of POST /api/v1/query.
type QueryRequest struct {
	SQL     string `json:"sql"`
	Context struct {
		UserID   string `json:"user_id,omitempty"`
		UserRole string `json:"user_role,omitempty"`
	} `json:"context"`
}

type apiEnvelope struct {
	Status string      `json:"status"`
	Data   interface{} `json:"data,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// Server exposes the driver and its collaborators over HTTP.
type Server struct {
	driver  *Driver
	budget  *budget.Manager
	audit   *audit.Logger
	limiter *performance.RateLimiter
	metrics *performance.Metrics
	auth    *Authenticator
	router  *mux.Router
	log     *logger.Logger
}

// ServerOption customizes a Server.
type ServerOption func(*Server)

// WithRateLimiter enables request rate limiting on the query endpoint.
func WithRateLimiter(rl *performance.RateLimiter) ServerOption {
	return func(s *Server) { s.limiter = rl }
}

// WithServerMetrics mounts /metrics and counts rate-limited requests.
func WithServerMetrics(m *performance.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// WithAuthenticator requires bearer tokens on the API routes.
func WithAuthenticator(a *Authenticator) ServerOption {
	return func(s *Server) { s.auth = a }
}

// NewServer builds the HTTP layer. budget and audit power the management
// endpoints; pass the same instances the driver uses.
func NewServer(driver *Driver, budgetMgr *budget.Manager, auditLog *audit.Logger, opts ...ServerOption) *Server {
	s := &Server{
		driver: driver,
		budget: budgetMgr,
		audit:  auditLog,
		log:    logger.New("gateway"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.buildRouter()
	return s
}

// Router returns the configured handler tree.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api/v1").Subrouter()
	if s.auth != nil {
		api.Use(s.auth.Middleware)
	}
	api.HandleFunc("/query", s.handleQuery).Methods(http.MethodPost)

	api.HandleFunc("/budget/{user}", s.handleBudgetStatus).Methods(http.MethodGet)
	api.HandleFunc("/budget/{user}/reset", s.handleBudgetReset).Methods(http.MethodPost)
	api.HandleFunc("/budget/{user}/history", s.handleBudgetHistory).Methods(http.MethodGet)

	api.HandleFunc("/audit", s.handleAuditQuery).Methods(http.MethodGet)
	api.HandleFunc("/audit/statistics", s.handleAuditStatistics).Methods(http.MethodGet)
	api.HandleFunc("/audit/export", s.handleAuditExport).Methods(http.MethodGet)
	api.HandleFunc("/audit/verify", s.handleAuditVerify).Methods(http.MethodGet)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, apiEnvelope{Status: "error", Error: "invalid request body"})
		return
	}
	if req.SQL == "" {
		writeJSON(w, http.StatusBadRequest, apiEnvelope{Status: "error", Error: "sql is required"})
		return
	}

	userID, userRole := req.Context.UserID, req.Context.UserRole
	if claims, ok := ClaimsFromContext(r.Context()); ok {
		userID, userRole = claims.UserID, claims.Role
	}
	qctx := types.NewQueryContext(userID, userRole)

	if s.limiter != nil {
		limit := s.limiter.CheckAndRecord(qctx.EffectiveUser())
		if !limit.Allowed {
			if s.metrics != nil {
				s.metrics.RecordRateLimited()
			}
			w.Header().Set("Retry-After", strconv.Itoa(int(limit.RetryAfter.Seconds())+1))
			writeJSON(w, http.StatusTooManyRequests, apiEnvelope{Status: "error", Error: limit.Reason})
			return
		}
	}

	resp := s.driver.ProcessQuery(r.Context(), req.SQL, qctx)

	status := http.StatusOK
	envelope := apiEnvelope{Status: "success", Data: resp}
	switch resp.Type {
	case TypeError:
		status = http.StatusBadRequest
		envelope.Status = "error"
	case TypeBudgetError:
		status = http.StatusTooManyRequests
		envelope.Status = "error"
	}
	writeJSON(w, status, envelope)
}

func (s *Server) handleBudgetStatus(w http.ResponseWriter, r *http.Request) {
	user := mux.Vars(r)["user"]
	writeJSON(w, http.StatusOK, apiEnvelope{Status: "success", Data: s.budget.GetBudgetStatus(user)})
}

func (s *Server) handleBudgetReset(w http.ResponseWriter, r *http.Request) {
	user := mux.Vars(r)["user"]
	s.budget.ResetBudget(user)
	s.audit.LogBudgetReset(user, map[string]interface{}{"source": "api"})
	writeJSON(w, http.StatusOK, apiEnvelope{Status: "success"})
}

func (s *Server) handleBudgetHistory(w http.ResponseWriter, r *http.Request) {
	user := mux.Vars(r)["user"]
	limit := intQuery(r, "limit", 0)
	writeJSON(w, http.StatusOK, apiEnvelope{Status: "success", Data: s.budget.GetBudgetHistory(user, limit)})
}

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := audit.Filter{
		UserID:        q.Get("user_id"),
		QueryID:       q.Get("query_id"),
		PrivacyMethod: q.Get("privacy_method"),
		Offset:        intQuery(r, "offset", 0),
		Limit:         intQuery(r, "limit", 100),
	}
	for _, et := range q["event_type"] {
		filter.EventTypes = append(filter.EventTypes, audit.EventType(et))
	}
	if from := q.Get("from"); from != "" {
		if ts, err := time.Parse(time.RFC3339, from); err == nil {
			filter.From = ts
		}
	}
	if to := q.Get("to"); to != "" {
		if ts, err := time.Parse(time.RFC3339, to); err == nil {
			filter.To = ts
		}
	}
	if q.Get("exclude_rejected") == "true" {
		filter.ExcludeRejected = true
	}
	writeJSON(w, http.StatusOK, apiEnvelope{Status: "success", Data: s.audit.Query(filter)})
}

func (s *Server) handleAuditStatistics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, apiEnvelope{Status: "success", Data: s.audit.GetStatistics()})
}

func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "csv" {
		data, err := s.audit.ExportCSV()
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, apiEnvelope{Status: "error", Error: err.Error()})
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="audit.csv"`)
		_, _ = w.Write(data)
		return
	}
	data, err := s.audit.ExportJSON()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, apiEnvelope{Status: "error", Error: err.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, apiEnvelope{Status: "success", Data: map[string]bool{
		"chain_intact": s.audit.VerifyChainIntegrity(),
	}})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func intQuery(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
