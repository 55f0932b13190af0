package handlers

import (
	"bytes"
	"errors"
	"net/http"
	"strings"

	"github.com/tphummel/lab_boot/internal/models"
)

// scheduleTemplate is returned with 406 so callers can see the expected shape.
var scheduleTemplate = map[string]any{
	"roles":    models.AllRoles,
	"selector": map[string]string{"mac": ""},
}

// CreateSchedule handles POST /scheduler and echoes the accepted request.
func (h *Handler) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if errors.Is(err, errBodyTooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	req, err := models.ParseScheduleRequest(bytes.NewReader(body))
	if err != nil {
		h.logger().WarnContext(r.Context(), "schedule rejected", "error", err)
		writeJSON(w, http.StatusNotAcceptable, scheduleTemplate)
		return
	}

	if err := h.Scheduler.CreateSchedule(r.Context(), req); err != nil {
		h.logger().ErrorContext(r.Context(), "schedule not stored", "mac", req.Selector.MAC, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create schedule")
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// ListSchedules handles GET /scheduler.
func (h *Handler) ListSchedules(w http.ResponseWriter, r *http.Request) {
	all, err := h.Scheduler.AllSchedules(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list schedules")
		return
	}
	writeJSON(w, http.StatusOK, all)
}

// AvailableMachines handles GET /scheduler/available.
func (h *Handler) AvailableMachines(w http.ResponseWriter, r *http.Request) {
	machines, err := h.Scheduler.AvailableMachines(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list available machines")
		return
	}
	writeJSON(w, http.StatusOK, machines)
}

// RoleIPList handles GET /scheduler/ip-list/{role}.
func (h *Handler) RoleIPList(w http.ResponseWriter, r *http.Request) {
	role, err := models.ParseRole(r.PathValue("role"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ips, err := h.Scheduler.RoleIPList(r.Context(), role)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list role addresses")
		return
	}
	writeJSON(w, http.StatusOK, ips)
}

// RolesByMAC handles GET /scheduler/mac/{mac}.
func (h *Handler) RolesByMAC(w http.ResponseWriter, r *http.Request) {
	roles, err := h.Scheduler.RolesByMAC(r.Context(), r.PathValue("mac"))
	var verr *models.ValidationError
	if errors.As(err, &verr) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list roles")
		return
	}
	writeJSON(w, http.StatusOK, roles)
}

// MachinesByRoles handles GET /scheduler/{roles}, where roles are joined
// with "&". One role lists every machine holding it; several list only the
// machines holding exactly that set.
func (h *Handler) MachinesByRoles(w http.ResponseWriter, r *http.Request) {
	var roles []models.Role
	for _, s := range strings.Split(r.PathValue("roles"), "&") {
		role, err := models.ParseRole(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		roles = append(roles, role)
	}

	machines, err := h.Scheduler.MachinesByRoles(r.Context(), roles...)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list machines")
		return
	}
	writeJSON(w, http.StatusOK, machines)
}
