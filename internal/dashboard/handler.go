// Package dashboard serves the browser UI: a login page backed by the 1NCE
// credential check, inventory and per-SIM views, and CSV exports.
package dashboard

import (
	"context"
	"embed"
	"encoding/csv"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/nce-iot/sim-platform/internal/app/services/inventory"
	"github.com/nce-iot/sim-platform/internal/app/services/sims"
	svcerr "github.com/nce-iot/sim-platform/internal/errors"
	"github.com/nce-iot/sim-platform/internal/metrics"
	"github.com/nce-iot/sim-platform/internal/middleware"
	"github.com/nce-iot/sim-platform/internal/nce"
	"github.com/nce-iot/sim-platform/pkg/logger"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// Authenticator is the credential surface the login flow needs from the
// 1NCE client.
type Authenticator interface {
	HasCredentials() bool
	VerifyCredentials(ctx context.Context, username, password string) (nce.TokenInfo, error)
	SetCredentials(username, password string)
}

// Options wires the dashboard's dependencies.
type Options struct {
	Sims     *sims.Service
	Auth     Authenticator
	Sessions *middleware.SessionManager
	Syncer   *inventory.Syncer
	Metrics  *metrics.Metrics
	Log      *logger.Logger
}

type handler struct {
	sims      *sims.Service
	auth      Authenticator
	sessions  *middleware.SessionManager
	syncer    *inventory.Syncer
	log       *logger.Logger
	templates *template.Template
}

// NewHandler builds the dashboard router.
func NewHandler(opts Options) (http.Handler, error) {
	log := opts.Log
	if log == nil {
		log = logger.NewDefault("dashboard")
	}
	templates, err := template.New("").Funcs(template.FuncMap{
		"percent": func(ratio float64) string {
			return fmt.Sprintf("%.1f%%", ratio*100)
		},
	}).ParseFS(templateFS, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse dashboard templates: %w", err)
	}

	h := &handler{
		sims:      opts.Sims,
		auth:      opts.Auth,
		sessions:  opts.Sessions,
		syncer:    opts.Syncer,
		log:       log,
		templates: templates,
	}

	r := mux.NewRouter()
	r.Use(middleware.Logging(log))
	if opts.Metrics != nil {
		r.Use(middleware.Metrics("dashboard", opts.Metrics))
	}

	r.HandleFunc("/login", h.loginPage).Methods(http.MethodGet)
	r.HandleFunc("/login", h.loginSubmit).Methods(http.MethodPost)
	r.HandleFunc("/logout", h.logout).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)

	protected := r.NewRoute().Subrouter()
	protected.Use(h.sessions.RequireSession("/login"))
	protected.HandleFunc("/", h.overview).Methods(http.MethodGet)
	protected.HandleFunc("/sims", h.simList).Methods(http.MethodGet)
	protected.HandleFunc("/sims/{iccid}", h.simDetail).Methods(http.MethodGet)
	protected.HandleFunc("/export/sims.csv", h.exportSims).Methods(http.MethodGet)
	protected.HandleFunc("/export/usage/{iccid}.csv", h.exportUsage).Methods(http.MethodGet)
	protected.HandleFunc("/export/events/{iccid}.csv", h.exportEvents).Methods(http.MethodGet)
	protected.HandleFunc("/refresh", h.refresh).Methods(http.MethodPost)

	return r, nil
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "ok")
}

type loginData struct {
	Error       string
	EnvLoggedIn bool
}

func (h *handler) loginPage(w http.ResponseWriter, r *http.Request) {
	h.render(w, "login", loginData{EnvLoggedIn: h.auth.HasCredentials()})
}

func (h *handler) loginSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.render(w, "login", loginData{Error: "invalid form submission"})
		return
	}
	username := r.PostFormValue("username")
	password := r.PostFormValue("password")

	info, err := h.auth.VerifyCredentials(r.Context(), username, password)
	if err != nil {
		h.log.WithContext(r.Context()).WithError(err).Warn("dashboard login failed")
		h.render(w, "login", loginData{Error: "login failed; check your 1NCE credentials"})
		return
	}

	// When the process was started without credentials, the first
	// successful login installs them for the whole platform.
	if !h.auth.HasCredentials() {
		h.auth.SetCredentials(username, password)
		h.log.WithContext(r.Context()).Info("credentials installed from dashboard login")
	}

	token, err := h.sessions.Issue(username, info.OrganizationID)
	if err != nil {
		h.log.WithContext(r.Context()).WithError(err).Error("session issue failed")
		h.render(w, "login", loginData{Error: "internal error; try again"})
		return
	}
	h.sessions.SetCookie(w, token)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (h *handler) logout(w http.ResponseWriter, r *http.Request) {
	h.sessions.ClearCookie(w)
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

type overviewData struct {
	Username   string
	Summary    interface{}
	SyncStatus *inventory.Status
	Error      string
}

func (h *handler) overview(w http.ResponseWriter, r *http.Request) {
	data := overviewData{Username: sessionUser(r)}

	summary, err := h.sims.StatusSummary(r.Context())
	if err != nil {
		data.Error = "could not load the SIM status summary"
		h.log.WithContext(r.Context()).WithError(err).Warn("overview summary failed")
	} else {
		data.Summary = summary
	}

	if h.syncer != nil {
		status := h.syncer.Status()
		data.SyncStatus = &status
	}

	h.render(w, "overview", data)
}

type simListData struct {
	Username string
	Page     int
	PageSize int
	NextPage int
	PrevPage int
	Total    int
	Items    []nce.Sim
	Error    string
}

func (h *handler) simList(w http.ResponseWriter, r *http.Request) {
	page := formInt(r, "page", 1)
	pageSize := formInt(r, "page_size", 50)

	data := simListData{Username: sessionUser(r), Page: page, PageSize: pageSize}

	result, err := h.sims.ListSims(r.Context(), page, pageSize)
	if err != nil {
		data.Error = "could not load the SIM inventory"
		h.log.WithContext(r.Context()).WithError(err).Warn("sim list failed")
	} else {
		data.Items = result.Items
		data.Total = result.TotalItems
		if page > 1 {
			data.PrevPage = page - 1
		}
		if page*pageSize < result.TotalItems {
			data.NextPage = page + 1
		}
	}

	h.render(w, "sims", data)
}

type simDetailData struct {
	Username string
	ICCID    string
	Sim      nce.Sim
	Quota    *nce.Quota
	Usage    []nce.UsageRecord
	SMS      []nce.SMSRecord
	Events   []nce.Event
	Error    string
}

func (h *handler) simDetail(w http.ResponseWriter, r *http.Request) {
	iccid := mux.Vars(r)["iccid"]
	data := simDetailData{Username: sessionUser(r), ICCID: iccid}
	ctx := r.Context()

	record, err := h.sims.GetSim(ctx, iccid)
	if err != nil {
		data.Error = "could not load this SIM"
		h.log.WithContext(ctx).WithError(err).WithField("iccid", iccid).Warn("sim detail failed")
		h.render(w, "sim_detail", data)
		return
	}
	data.Sim = record

	// Sections degrade independently; a missing quota must not blank the
	// whole page.
	if quota, err := h.sims.GetQuota(ctx, iccid); err == nil {
		data.Quota = &quota
	}
	if usage, err := h.sims.GetUsage(ctx, iccid, "", ""); err == nil {
		data.Usage = usage
	}
	if smsRecords, err := h.sims.ListSMS(ctx, iccid, 1, 30); err == nil {
		data.SMS = smsRecords
	}
	if events, err := h.sims.ListEvents(ctx, iccid, 1, 30); err == nil {
		data.Events = events.Items
	}

	h.render(w, "sim_detail", data)
}

func (h *handler) exportSims(w http.ResponseWriter, r *http.Request) {
	page := 1
	writer := csv.NewWriter(w)
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="sims.csv"`)

	writer.Write([]string{"iccid", "imsi", "msisdn", "imei", "ip_address", "label", "status"})
	for {
		result, err := h.sims.ListSims(r.Context(), page, 100)
		if err != nil {
			h.log.WithContext(r.Context()).WithError(err).Warn("sim export failed")
			break
		}
		for _, s := range result.Items {
			writer.Write([]string{s.ICCID, s.IMSI, s.MSISDN, s.IMEI, s.IPAddress, s.Label, string(s.Status)})
		}
		if len(result.Items) < 100 || page >= 100 {
			break
		}
		page++
	}
	writer.Flush()
}

func (h *handler) exportUsage(w http.ResponseWriter, r *http.Request) {
	iccid := mux.Vars(r)["iccid"]
	q := r.URL.Query()

	usage, err := h.sims.GetUsage(r.Context(), iccid, q.Get("start_date"), q.Get("end_date"))
	if err != nil {
		h.exportError(w, r, "usage export failed", err)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "usage-"+iccid+".csv"))

	writer := csv.NewWriter(w)
	writer.Write([]string{"date", "volume_mb", "tx_mb", "rx_mb"})
	for _, record := range usage {
		writer.Write([]string{
			record.Date,
			strconv.FormatFloat(record.Volume, 'f', -1, 64),
			strconv.FormatFloat(record.VolumeTX, 'f', -1, 64),
			strconv.FormatFloat(record.VolumeRX, 'f', -1, 64),
		})
	}
	writer.Flush()
}

func (h *handler) exportEvents(w http.ResponseWriter, r *http.Request) {
	iccid := mux.Vars(r)["iccid"]

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "events-"+iccid+".csv"))

	writer := csv.NewWriter(w)
	wroteHeader := false
	page := 1
	for {
		result, err := h.sims.ListEvents(r.Context(), iccid, page, 100)
		if err != nil {
			if !wroteHeader {
				w.Header().Del("Content-Type")
				w.Header().Del("Content-Disposition")
				h.exportError(w, r, "events export failed", err)
				return
			}
			h.log.WithContext(r.Context()).WithError(err).WithField("iccid", iccid).Warn("events export truncated")
			break
		}
		if !wroteHeader {
			writer.Write([]string{"timestamp", "event_type", "description", "network", "country"})
			wroteHeader = true
		}
		for _, event := range result.Items {
			writer.Write([]string{event.Timestamp, event.EventType, event.Description, event.Network, event.Country})
		}
		if len(result.Items) < 100 || page >= 100 {
			break
		}
		page++
	}
	writer.Flush()
}

// exportError surfaces the mapped service status so a bad date range comes
// back as 400 rather than a blanket upstream failure.
func (h *handler) exportError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	status := http.StatusBadGateway
	if serr := svcerr.GetServiceError(err); serr != nil {
		status = serr.HTTPStatus
	}
	h.log.WithContext(r.Context()).WithError(err).Warn(msg)
	http.Error(w, msg, status)
}

func (h *handler) refresh(w http.ResponseWriter, r *http.Request) {
	if h.syncer != nil {
		ctx, cancel := context.WithTimeout(r.Context(), time.Minute)
		defer cancel()
		if err := h.syncer.RunOnce(ctx); err != nil {
			h.log.WithContext(r.Context()).WithError(err).Warn("manual inventory refresh failed")
		}
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (h *handler) render(w http.ResponseWriter, name string, data interface{}) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := h.templates.ExecuteTemplate(w, name, data); err != nil {
		h.log.WithError(err).WithField("template", name).Error("template render failed")
	}
}

func sessionUser(r *http.Request) string {
	if claims, ok := middleware.SessionFromContext(r.Context()); ok {
		return claims.Username
	}
	return ""
}

func formInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
