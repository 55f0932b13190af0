package handlers

import (
	"bytes"
	"errors"
	"net/http"

	"github.com/tphummel/lab_boot/internal/metrics"
	"github.com/tphummel/lab_boot/internal/models"
)

// emptyDiscovery is returned with 406 so agents can see the expected shape.
var emptyDiscovery = map[string]any{
	"boot-info":  map[string]any{},
	"lldp":       map[string]any{},
	"interfaces": []any{},
	"disks":      []any{},
}

// PostDiscovery handles POST /discovery.
func (h *Handler) PostDiscovery(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if errors.Is(err, errBodyTooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	report, err := models.ParseDiscoveryReport(bytes.NewReader(body))
	if err != nil {
		h.rejectDiscovery(w, r, err)
		return
	}

	res, err := h.Discovery.Upsert(r.Context(), report)
	if err != nil {
		var verr *models.ValidationError
		if errors.As(err, &verr) {
			h.rejectDiscovery(w, r, err)
			return
		}
		metrics.ObserveDiscovery(metrics.OutcomeError)
		h.logger().ErrorContext(r.Context(), "discovery not stored", "mac", report.BootInfo.MAC, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to store discovery")
		return
	}

	if res.New {
		metrics.ObserveDiscovery(metrics.OutcomeNew)
	} else {
		metrics.ObserveDiscovery(metrics.OutcomeUpdated)
	}
	h.Tracker.Update(r.Context(), report.BootInfo.MAC, models.StateDiscovery)
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) rejectDiscovery(w http.ResponseWriter, r *http.Request, err error) {
	metrics.ObserveDiscovery(metrics.OutcomeInvalid)
	h.logger().WarnContext(r.Context(), "discovery rejected", "error", err)
	writeJSON(w, http.StatusNotAcceptable, emptyDiscovery)
}

// ListDiscovery handles GET /discovery.
func (h *Handler) ListDiscovery(w http.ResponseWriter, r *http.Request) {
	records, err := h.Discovery.ListDiscovery(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list discovery")
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// ListInterfaces handles GET /discovery/interfaces.
func (h *Handler) ListInterfaces(w http.ResponseWriter, r *http.Request) {
	ifaces, err := h.Discovery.ListInterfaces(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list interfaces")
		return
	}
	writeJSON(w, http.StatusOK, ifaces)
}
