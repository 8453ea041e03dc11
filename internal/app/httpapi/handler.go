// Package httpapi exposes the backend REST API consumed by the dashboard
// and by external automation.
package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/nce-iot/sim-platform/internal/app/services/inventory"
	"github.com/nce-iot/sim-platform/internal/app/services/sims"
	svcerr "github.com/nce-iot/sim-platform/internal/errors"
	"github.com/nce-iot/sim-platform/internal/httputil"
	"github.com/nce-iot/sim-platform/internal/metrics"
	"github.com/nce-iot/sim-platform/internal/middleware"
	"github.com/nce-iot/sim-platform/pkg/logger"
)

// Options wires the handler's dependencies.
type Options struct {
	Sims           *sims.Service
	Syncer         *inventory.Syncer
	Metrics        *metrics.Metrics
	Log            *logger.Logger
	RateLimiter    *middleware.RateLimiter
	AllowedOrigins []string
}

type handler struct {
	sims    *sims.Service
	syncer  *inventory.Syncer
	log     *logger.Logger
	started time.Time
}

// NewHandler builds the API router with the standard middleware chain.
func NewHandler(opts Options) http.Handler {
	log := opts.Log
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	h := &handler{
		sims:    opts.Sims,
		syncer:  opts.Syncer,
		log:     log,
		started: time.Now(),
	}

	r := mux.NewRouter()
	r.Use(middleware.Logging(log))
	if opts.Metrics != nil {
		r.Use(middleware.Metrics("api", opts.Metrics))
	}
	if opts.RateLimiter != nil {
		r.Use(opts.RateLimiter.Handler)
	}
	r.Use(middleware.NewCORS(opts.AllowedOrigins).Handler)

	r.HandleFunc("/", h.root).Methods(http.MethodGet)
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.HandleFunc("/test-auth", h.testAuth).Methods(http.MethodGet)
	r.HandleFunc("/sims", h.listSims).Methods(http.MethodGet)
	r.HandleFunc("/sims/{iccid}", h.getSim).Methods(http.MethodGet)
	r.HandleFunc("/sims/{iccid}/quota", h.getQuota).Methods(http.MethodGet)
	r.HandleFunc("/sims/{iccid}/usage", h.getUsage).Methods(http.MethodGet)
	r.HandleFunc("/sims/{iccid}/sms", h.listSMS).Methods(http.MethodGet)
	r.HandleFunc("/sims/{iccid}/events", h.listEvents).Methods(http.MethodGet)
	r.HandleFunc("/sim-status-summary", h.statusSummary).Methods(http.MethodGet)
	r.HandleFunc("/sync-status", h.syncStatus).Methods(http.MethodGet)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics.Handler()).Methods(http.MethodGet)
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteErrorResponse(w, r, http.StatusNotFound, "NOT_FOUND", "unknown endpoint", nil)
	})

	return r
}

func (h *handler) root(w http.ResponseWriter, r *http.Request) {
	body := h.healthBody(r)
	body["service"] = "1nce-sim-platform"
	body["endpoints"] = []string{
		"/healthz",
		"/test-auth",
		"/sims",
		"/sims/{iccid}",
		"/sims/{iccid}/quota",
		"/sims/{iccid}/usage",
		"/sims/{iccid}/sms",
		"/sims/{iccid}/events",
		"/sim-status-summary",
		"/sync-status",
		"/metrics",
	}
	httputil.WriteJSON(w, http.StatusOK, body)
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.healthBody(r))
}

// healthBody verifies the upstream token grant alongside liveness. Auth
// failures degrade the body but never the HTTP status: a broken credential
// must not make the process look dead.
func (h *handler) healthBody(r *http.Request) map[string]interface{} {
	body := map[string]interface{}{
		"status":                 "ok",
		"uptime_seconds":         int(time.Since(h.started).Seconds()),
		"credentials_configured": h.sims.HasCredentials(),
	}
	status, err := h.sims.TestAuth(r.Context())
	if err != nil {
		body["authenticated"] = false
		body["error"] = err.Error()
		return body
	}
	body["authenticated"] = true
	body["token_expires_in"] = status.ExpiresIn
	return body
}

func (h *handler) testAuth(w http.ResponseWriter, r *http.Request) {
	status, err := h.sims.TestAuth(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, status)
}

func (h *handler) listSims(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "page_size", 50)

	result, err := h.sims.ListSims(r.Context(), page, pageSize)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

func (h *handler) getSim(w http.ResponseWriter, r *http.Request) {
	result, err := h.sims.GetSim(r.Context(), mux.Vars(r)["iccid"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

func (h *handler) getQuota(w http.ResponseWriter, r *http.Request) {
	result, err := h.sims.GetQuota(r.Context(), mux.Vars(r)["iccid"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

func (h *handler) getUsage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	result, err := h.sims.GetUsage(r.Context(), mux.Vars(r)["iccid"], q.Get("start_date"), q.Get("end_date"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"items": result})
}

func (h *handler) listSMS(w http.ResponseWriter, r *http.Request) {
	result, err := h.sims.ListSMS(r.Context(), mux.Vars(r)["iccid"], queryInt(r, "page", 1), queryInt(r, "page_size", 50))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"items": result})
}

func (h *handler) listEvents(w http.ResponseWriter, r *http.Request) {
	result, err := h.sims.ListEvents(r.Context(), mux.Vars(r)["iccid"], queryInt(r, "page", 1), queryInt(r, "page_size", 50))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

func (h *handler) statusSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.sims.StatusSummary(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, summary)
}

func (h *handler) syncStatus(w http.ResponseWriter, r *http.Request) {
	if h.syncer == nil {
		httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"enabled": false})
		return
	}
	status := h.syncer.Status()
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"enabled":    true,
		"last_run":   status.LastRun,
		"last_count": status.LastCount,
		"last_error": status.LastError,
	})
}

func (h *handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if serr := svcerr.GetServiceError(err); serr != nil {
		if serr.HTTPStatus >= 500 {
			h.log.WithContext(r.Context()).WithError(err).Error("request failed")
		}
		httputil.WriteErrorResponse(w, r, serr.HTTPStatus, string(serr.Code), serr.Message, serr.Details)
		return
	}
	h.log.WithContext(r.Context()).WithError(err).Error("request failed")
	httputil.WriteErrorResponse(w, r, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return -1
	}
	return n
}
