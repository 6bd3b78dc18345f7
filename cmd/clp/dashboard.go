package main

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/clp-proxy/clp/internal/auth"
	"github.com/clp-proxy/clp/internal/configstore"
	"github.com/clp-proxy/clp/internal/loadbalancer"
	"github.com/clp-proxy/clp/internal/requestlog"
)

// dashboardAPI is the supplemented REST read surface named in
// SPEC_FULL.md §4: GET-only endpoints exposing config, request-log, and
// load-balancer state to a dashboard UI (out of scope to build) the way
// internal/dashboard/dashboard.go's APIHandler does for the teacher's
// rule engine — same GET-only guard + writeJSON style, different data.
type dashboardAPI struct {
	configs *configstore.Store
	log     *requestlog.Log
	lb      *loadbalancer.LoadBalancer
	service string
}

func newDashboardAPI(service string, configs *configstore.Store, log *requestlog.Log, lb *loadbalancer.LoadBalancer) *dashboardAPI {
	return &dashboardAPI{configs: configs, log: log, lb: lb, service: service}
}

func (d *dashboardAPI) register(mux *http.ServeMux, gate *auth.Gate) {
	mux.HandleFunc("/api/configs", d.gated(gate, d.handleConfigs))
	mux.HandleFunc("/api/requests", d.gated(gate, d.handleRequests))
	mux.HandleFunc("/api/lb", d.gated(gate, d.handleLB))
}

// gated applies the same token check the proxy path uses, so the
// dashboard read surface honors auth.json once it's enabled instead of
// bypassing it as an implicit local-only exception.
func (d *dashboardAPI) gated(gate *auth.Gate, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !gate.Check(d.service, r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (d *dashboardAPI) handleLB(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, d.lb.Snapshot(d.service))
}

func (d *dashboardAPI) handleConfigs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	snap, err := d.configs.Get()
	if err != nil {
		http.Error(w, "config store unavailable", http.StatusInternalServerError)
		return
	}
	redacted := make(map[string]any, len(snap))
	for name, c := range snap {
		redacted[name] = map[string]any{
			"name": c.Name, "base_url": c.BaseURL, "weight": c.Weight,
			"active": c.Active, "deleted": c.Deleted, "has_credential": c.APIKey != "" || c.AuthToken != "",
		}
	}
	writeJSON(w, http.StatusOK, redacted)
}

func (d *dashboardAPI) handleRequests(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if id := r.URL.Query().Get("id"); id != "" {
		record, ok := d.log.Get(id)
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, record)
		return
	}
	if since := r.URL.Query().Get("since"); since != "" {
		idx := d.log.Index()
		if idx == nil {
			http.Error(w, "request log index unavailable", http.StatusServiceUnavailable)
			return
		}
		records, err := idx.QueryRecords(requestlog.QueryParams{Service: d.service, Since: since, Limit: limit})
		if err != nil {
			http.Error(w, "querying request log index", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, records)
		return
	}
	writeJSON(w, http.StatusOK, d.log.List(limit))
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
