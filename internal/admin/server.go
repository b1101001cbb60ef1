// Package admin serves the management plane: rule CRUD, system settings,
// analytics queries and the live analytics stream. It binds to loopback;
// the public port's guard rejects these paths.
package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
)

import (
	"github.com/gorilla/mux"
)

import (
	"github.com/nanjiek/pixiu-gateway/internal/analytics"
	"github.com/nanjiek/pixiu-gateway/internal/metrics"
	"github.com/nanjiek/pixiu-gateway/internal/rule"
	"github.com/nanjiek/pixiu-gateway/internal/rules"
	"github.com/nanjiek/pixiu-gateway/internal/sysconfig"
	"github.com/nanjiek/pixiu-gateway/internal/ws"
)

// BasePath anchors every admin route.
const BasePath = "/poormansRateLimit/api/admin"

// QueuePatch is the PATCH /rules/{id}/queue payload.
type QueuePatch struct {
	QueueEnabled      bool `json:"queueEnabled"`
	MaxQueueSize      int  `json:"maxQueueSize"`
	DelayPerRequestMs int  `json:"delayPerRequestMs"`
}

// BodyLimitPatch is the PATCH /rules/{id}/body-limit payload.
type BodyLimitPatch struct {
	BodyLimitEnabled bool   `json:"bodyLimitEnabled"`
	BodyFieldPath    string `json:"bodyFieldPath"`
	BodyLimitType    string `json:"bodyLimitType"`
}

// ConfigUpdate is the POST /config/{key} payload.
type ConfigUpdate struct {
	Value string `json:"value"`
}

// Server wires the admin handlers.
type Server struct {
	rules       *rules.Cache
	cfg         *sysconfig.Service
	analytics   *analytics.Service
	broadcaster *ws.Broadcaster
	logger      *slog.Logger
}

func NewServer(ruleCache *rules.Cache, cfg *sysconfig.Service, svc *analytics.Service, broadcaster *ws.Broadcaster, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		rules:       ruleCache,
		cfg:         cfg,
		analytics:   svc,
		broadcaster: broadcaster,
		logger:      logger,
	}
}

// RegisterRoutes mounts every admin endpoint on the router.
func (s *Server) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix(BasePath).Subrouter()

	api.HandleFunc("/rules", s.listRules).Methods(http.MethodGet)
	api.HandleFunc("/rules/active", s.listActiveRules).Methods(http.MethodGet)
	api.HandleFunc("/rules/refresh", s.refreshRules).Methods(http.MethodPost)
	api.HandleFunc("/rules/{id}", s.getRule).Methods(http.MethodGet)
	api.HandleFunc("/rules", s.createRule).Methods(http.MethodPost)
	api.HandleFunc("/rules/{id}", s.updateRule).Methods(http.MethodPut)
	api.HandleFunc("/rules/{id}/queue", s.patchQueue).Methods(http.MethodPatch)
	api.HandleFunc("/rules/{id}/body-limit", s.patchBodyLimit).Methods(http.MethodPatch)
	api.HandleFunc("/rules/{id}", s.deleteRule).Methods(http.MethodDelete)

	api.HandleFunc("/config", s.listConfig).Methods(http.MethodGet)
	api.HandleFunc("/config/{key}", s.updateConfig).Methods(http.MethodPost)

	api.HandleFunc("/analytics/summary", s.analyticsSummary).Methods(http.MethodGet)
	api.HandleFunc("/analytics/timeseries", s.analyticsTimeSeries).Methods(http.MethodGet)
	api.HandleFunc("/analytics/traffic", s.analyticsTraffic).Methods(http.MethodGet)
	api.Handle("/ws/analytics", s.broadcaster)

	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
}

// ---------------- rules ----------------

func (s *Server) listRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.rules.List())
}

func (s *Server) listActiveRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.rules.Active())
}

func (s *Server) getRule(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	found, ok := s.rules.Get(id)
	if !ok {
		errResp(w, http.StatusNotFound, "rule not found: "+id)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (s *Server) createRule(w http.ResponseWriter, r *http.Request) {
	var payload rule.Rule
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		errResp(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	saved, err := s.rules.Upsert(r.Context(), payload)
	if err != nil {
		errResp(w, http.StatusInternalServerError, "failed to create rule: "+err.Error())
		return
	}
	s.logger.Info("created rate limit rule", "id", saved.ID, "pattern", saved.PathPattern)
	writeJSON(w, http.StatusCreated, saved)
}

func (s *Server) updateRule(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, ok := s.rules.Get(id); !ok {
		errResp(w, http.StatusNotFound, "rule not found: "+id)
		return
	}
	var payload rule.Rule
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		errResp(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	payload.ID = id
	saved, err := s.rules.Upsert(r.Context(), payload)
	if err != nil {
		errResp(w, http.StatusInternalServerError, "failed to update rule: "+err.Error())
		return
	}
	s.logger.Info("updated rate limit rule", "id", id)
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) patchQueue(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	existing, ok := s.rules.Get(id)
	if !ok {
		errResp(w, http.StatusNotFound, "rule not found: "+id)
		return
	}
	var patch QueuePatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		errResp(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	existing.QueueEnabled = patch.QueueEnabled
	existing.MaxQueueSize = patch.MaxQueueSize
	existing.DelayPerRequestMs = patch.DelayPerRequestMs

	saved, err := s.rules.Upsert(r.Context(), existing)
	if err != nil {
		errResp(w, http.StatusInternalServerError, "failed to patch rule: "+err.Error())
		return
	}
	s.logger.Info("updated queue settings", "id", id,
		"enabled", patch.QueueEnabled, "max", patch.MaxQueueSize, "delay_ms", patch.DelayPerRequestMs)
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) patchBodyLimit(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	existing, ok := s.rules.Get(id)
	if !ok {
		errResp(w, http.StatusNotFound, "rule not found: "+id)
		return
	}
	var patch BodyLimitPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		errResp(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	existing.BodyLimitEnabled = patch.BodyLimitEnabled
	existing.BodyFieldPath = patch.BodyFieldPath
	existing.BodyLimitType = patch.BodyLimitType

	saved, err := s.rules.Upsert(r.Context(), existing)
	if err != nil {
		errResp(w, http.StatusInternalServerError, "failed to patch rule: "+err.Error())
		return
	}
	s.logger.Info("updated body limit settings", "id", id,
		"enabled", patch.BodyLimitEnabled, "field", patch.BodyFieldPath)
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) deleteRule(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.rules.Delete(r.Context(), id); err != nil {
		errResp(w, http.StatusInternalServerError, "failed to delete rule: "+err.Error())
		return
	}
	s.logger.Info("deleted rate limit rule", "id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) refreshRules(w http.ResponseWriter, r *http.Request) {
	if err := s.rules.ReloadAll(r.Context()); err != nil {
		errResp(w, http.StatusInternalServerError, "failed to refresh rules: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "refreshed"})
}

// ---------------- config ----------------

func (s *Server) listConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.All(r.Context()))
}

func (s *Server) updateConfig(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	var update ConfigUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		errResp(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := s.cfg.Set(r.Context(), key, update.Value); err != nil {
		errResp(w, http.StatusInternalServerError, "failed to update config: "+err.Error())
		return
	}
	s.logger.Info("updated system config", "key", key, "value", update.Value)
	writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": update.Value})
}

// ---------------- analytics ----------------

func (s *Server) analyticsSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.analytics.GetSummary(r.Context())
	if err != nil {
		errResp(w, http.StatusInternalServerError, "failed to compute summary: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) analyticsTimeSeries(w http.ResponseWriter, r *http.Request) {
	hours, _ := strconv.Atoi(r.URL.Query().Get("hours"))
	points, err := s.analytics.GetTimeSeries(r.Context(), hours)
	if err != nil {
		errResp(w, http.StatusInternalServerError, "failed to load timeseries: "+err.Error())
		return
	}
	if points == nil {
		points = []analytics.TimeSeriesPoint{}
	}
	writeJSON(w, http.StatusOK, points)
}

func (s *Server) analyticsTraffic(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.ParseInt(r.URL.Query().Get("limit"), 10, 64)
	entries, err := s.analytics.RecentTraffic(r.Context(), limit)
	if err != nil {
		errResp(w, http.StatusInternalServerError, "failed to load traffic: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// ---------------- helpers ----------------

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func errResp(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
