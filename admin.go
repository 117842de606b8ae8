package netguard

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// AdminAPI provides REST endpoints for inspecting and managing a
// running proxy: status, counters, the active block set, and restart.
// It is served on the admin listener, never on the proxy ports.
//
// All endpoints return JSON with appropriate status codes.
type AdminAPI struct {
	// Server is the proxy instance to manage.
	Server *Server

	// Logger for admin API events.
	Logger *slog.Logger

	// PAC optionally serves a proxy auto-config file at /proxy.pac.
	PAC *PACGenerator
}

// NewAdminAPI creates an AdminAPI wired to the given server.
func NewAdminAPI(s *Server) *AdminAPI {
	a := &AdminAPI{
		Server: s,
		Logger: s.Logger,
		PAC:    NewPACGenerator(s.ProxyAddr()),
	}
	return a
}

// Router builds the admin route tree: /healthz, /metrics, /proxy.pac,
// and the JSON API under /api.
func (a *AdminAPI) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.handleHealthz)
	if a.Server.Metrics != nil {
		r.Handle("/metrics", a.Server.Metrics.Handler())
	}
	if a.PAC != nil {
		r.Get("/proxy.pac", a.PAC.ServeHTTP)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.SetHeader("Content-Type", "application/json"))

		r.Get("/status", a.handleStatus)
		r.Get("/stats", a.handleStats)
		r.Get("/config", a.handleConfig)
		r.Get("/domains", a.handleListDomains)
		r.Put("/domains", a.handleUpdateDomains)
		r.Post("/restart", a.handleRestart)
	})

	return r
}

// --------------------------------------------------------------------------
// Response types
// --------------------------------------------------------------------------

// StatusResponse is returned by GET /api/status.
type StatusResponse struct {
	Status         string `json:"status"`
	BlockedDomains int    `json:"blocked_domains"`
	Uptime         string `json:"uptime,omitempty"`
}

// DomainsResponse is returned by GET /api/domains.
type DomainsResponse struct {
	Count   int      `json:"count"`
	Domains []string `json:"domains"`
}

// DomainsRequest is the body for PUT /api/domains. It replaces the
// whole block set.
type DomainsRequest struct {
	Domains []string `json:"domains"`
}

// ErrorResponse is returned for error conditions.
type ErrorResponse struct {
	Error string `json:"error"`
}

// MessageResponse is returned for successful mutations.
type MessageResponse struct {
	Message string `json:"message"`
}

// --------------------------------------------------------------------------
// Handlers
// --------------------------------------------------------------------------

func (a *AdminAPI) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	status := a.Server.GetStatus()
	code := http.StatusOK
	if status != StatusRunning {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	a.writeJSON(w, code, StatusResponse{
		Status:         status.String(),
		BlockedDomains: a.Server.blockSet.Load().Len(),
	})
}

func (a *AdminAPI) handleStatus(w http.ResponseWriter, _ *http.Request) {
	snap := a.Server.GetStats()
	a.writeJSON(w, http.StatusOK, StatusResponse{
		Status:         a.Server.GetStatus().String(),
		BlockedDomains: a.Server.blockSet.Load().Len(),
		Uptime:         snap.Uptime.Truncate(time.Second).String(),
	})
}

func (a *AdminAPI) handleStats(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.Server.GetStats())
}

func (a *AdminAPI) handleConfig(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.Server.GetConfig())
}

func (a *AdminAPI) handleListDomains(w http.ResponseWriter, _ *http.Request) {
	domains := a.Server.BlockedDomains()
	a.writeJSON(w, http.StatusOK, DomainsResponse{Count: len(domains), Domains: domains})
}

func (a *AdminAPI) handleUpdateDomains(w http.ResponseWriter, r *http.Request) {
	var req DomainsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}

	a.Server.UpdateBlockedDomains(req.Domains)
	a.Logger.Info("block set replaced via admin API", "domains", a.Server.blockSet.Load().Len())
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "block set updated"})
}

// handleRestart triggers a restart asynchronously. A synchronous
// restart would deadlock: Stop shuts down the admin server, which
// waits for this very handler to return.
func (a *AdminAPI) handleRestart(w http.ResponseWriter, _ *http.Request) {
	go func() {
		if err := a.Server.Restart(); err != nil {
			a.Logger.Error("restart via admin API failed", "error", err)
		}
	}()

	a.Logger.Info("restart requested via admin API")
	a.writeJSON(w, http.StatusAccepted, MessageResponse{Message: "restart initiated"})
}

func (a *AdminAPI) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.Logger.Error("admin API write error", "error", err)
	}
}
