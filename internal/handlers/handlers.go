package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tphummel/lab_boot/internal/db"
	"github.com/tphummel/lab_boot/internal/discovery"
	"github.com/tphummel/lab_boot/internal/lifecycle"
	"github.com/tphummel/lab_boot/internal/metrics"
	"github.com/tphummel/lab_boot/internal/middleware"
	"github.com/tphummel/lab_boot/internal/scheduler"
)

const maxBodyBytes = 64 * 1024

var errBodyTooLarge = errors.New("request body too large")

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	DB        *db.DB
	Discovery *discovery.Reconciler
	Scheduler *scheduler.Scheduler
	Tracker   *lifecycle.Tracker
	Installs  *lifecycle.InstallGate
	Logger    *slog.Logger
	Version   string
	Commit    string
}

// New wires a Handler and its components over d.
func New(d *db.DB, logger *slog.Logger, installs *lifecycle.InstallGate) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		DB:        d,
		Discovery: discovery.New(d, logger),
		Scheduler: scheduler.New(d, logger),
		Tracker:   lifecycle.New(d, logger),
		Installs:  installs,
		Logger:    logger,
	}
}

// Routes registers every endpoint on mux. Creating schedules requires the
// Bearer token; everything else is open to booting machines.
func (h *Handler) Routes(mux *http.ServeMux, token string) {
	handle := func(pattern string, next http.Handler) {
		_, path, _ := strings.Cut(pattern, " ")
		mux.Handle(pattern, metrics.Middleware(path, next))
	}

	handle("GET /healthz", http.HandlerFunc(h.Health))
	handle("GET /openapi.yaml", http.HandlerFunc(h.OpenAPISpec))
	handle("GET /docs", http.HandlerFunc(h.Docs))

	handle("POST /discovery", http.HandlerFunc(h.PostDiscovery))
	handle("GET /discovery", http.HandlerFunc(h.ListDiscovery))
	handle("GET /discovery/interfaces", http.HandlerFunc(h.ListInterfaces))

	handle("POST /scheduler", middleware.Auth(token, http.HandlerFunc(h.CreateSchedule)))
	handle("GET /scheduler", http.HandlerFunc(h.ListSchedules))
	handle("GET /scheduler/available", http.HandlerFunc(h.AvailableMachines))
	handle("GET /scheduler/ip-list/{role}", http.HandlerFunc(h.RoleIPList))
	handle("GET /scheduler/mac/{mac}", http.HandlerFunc(h.RolesByMAC))
	handle("GET /scheduler/{roles}", http.HandlerFunc(h.MachinesByRoles))

	handle("POST /lifecycle/state", http.HandlerFunc(h.ReportState))
	handle("GET /lifecycle/states", http.HandlerFunc(h.ListStates))
	handle("POST /lifecycle/install/{status}/{query}", http.HandlerFunc(h.ReportInstall))
	handle("GET /install-authorization/{query}", http.HandlerFunc(h.InstallAuthorization))
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	io.WriteString(w, msg)
}

// readBody reads at most maxBodyBytes of the request body.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return nil, errBodyTooLarge
	}
	return body, err
}

// Health handles GET /healthz without auth.
// Returns 503 if the database is unreachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.DB.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": h.Version,
		"commit":  h.Commit,
	})
}
