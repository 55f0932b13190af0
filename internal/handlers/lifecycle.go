package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tphummel/lab_boot/internal/models"
)

const defaultStatesWindow = 60 * time.Minute

type stateReport struct {
	MAC   string       `json:"mac"`
	State models.State `json:"state"`
}

// ReportState handles POST /lifecycle/state. Known states are accepted with
// 204 whether or not they could be recorded.
func (h *Handler) ReportState(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if errors.Is(err, errBodyTooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	var req stateReport
	if err != nil || json.NewDecoder(bytes.NewReader(body)).Decode(&req) != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if !models.ValidStates[req.State] {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown state %q", req.State))
		return
	}
	mac, err := models.NormalizeMAC(req.MAC)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid mac")
		return
	}

	h.Tracker.Update(r.Context(), mac, req.State)
	w.WriteHeader(http.StatusNoContent)
}

// ListStates handles GET /lifecycle/states with an optional ?minutes= window.
func (h *Handler) ListStates(w http.ResponseWriter, r *http.Request) {
	window := defaultStatesWindow
	if raw := r.URL.Query().Get("minutes"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "minutes must be a positive integer")
			return
		}
		window = time.Duration(n) * time.Minute
	}

	states, err := h.Tracker.Fetch(r.Context(), window)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list states")
		return
	}
	writeJSON(w, http.StatusOK, states)
}

// ReportInstall handles POST /lifecycle/install/{status}/{query}, sent by
// the installer with the query string it booted with.
func (h *Handler) ReportInstall(w http.ResponseWriter, r *http.Request) {
	query := r.PathValue("query")

	var state models.State
	switch strings.ToLower(r.PathValue("status")) {
	case "success":
		state = models.StateInstallationSucceeded
	case "fail":
		state = models.StateInstallationFailed
	default:
		writeError(w, http.StatusForbidden, fmt.Sprintf("status must be success or fail, got %q", r.PathValue("status")))
		return
	}

	mac, err := macFromRawQuery(query)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.Tracker.Update(r.Context(), mac, state)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":           state == models.StateInstallationSucceeded,
		"request_raw_query": query,
	})
}

// InstallAuthorization handles GET /install-authorization/{query}. With an
// install lock period configured only one machine is granted per period;
// the others get 403 and retry.
func (h *Handler) InstallAuthorization(w http.ResponseWriter, r *http.Request) {
	query := r.PathValue("query")
	mac, macErr := macFromRawQuery(query)

	granted, holder := h.Installs.Acquire(query)
	state := models.StateOSInstallationGranted
	if !granted {
		state = models.StateOSInstallationDenied
	}

	if macErr != nil {
		h.logger().WarnContext(r.Context(), "install authorization without mac", "query", query, "error", macErr)
	} else {
		h.Tracker.Update(r.Context(), mac, state)
	}

	if !granted {
		h.logger().InfoContext(r.Context(), "install locked", "query", query, "holder", holder)
		writeText(w, http.StatusForbidden, "Locked by "+holder)
		return
	}
	h.logger().InfoContext(r.Context(), "install granted", "query", query)
	writeText(w, http.StatusOK, "Granted")
}

// macFromRawQuery extracts the mac parameter of a boot query string, where
// the MAC is written with hyphens.
func macFromRawQuery(raw string) (string, error) {
	values, err := url.ParseQuery(raw)
	if err != nil {
		return "", fmt.Errorf("invalid query %q: %w", raw, err)
	}
	mac := values.Get("mac")
	if mac == "" {
		return "", fmt.Errorf("no mac in query %q", raw)
	}
	return models.NormalizeMAC(strings.ReplaceAll(mac, "-", ":"))
}
