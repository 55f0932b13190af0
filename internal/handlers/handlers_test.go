package handlers_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tphummel/lab_boot/internal/db"
	"github.com/tphummel/lab_boot/internal/handlers"
	"github.com/tphummel/lab_boot/internal/lifecycle"
	"github.com/tphummel/lab_boot/internal/models"
)

const (
	apiToken = "test-token"
	bootMAC  = "00:00:00:00:00:00"
	bootUUID = "b7f5f93a-b029-475f-b3a4-479ba198cb8a"
)

// newTestMux builds the same mux as the serve command, backed by an
// in-memory DB and an install gate with the given period.
func newTestMux(t *testing.T, installLock time.Duration) (http.Handler, *handlers.Handler) {
	t.Helper()
	d, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	h := handlers.New(d, logger, lifecycle.NewInstallGate(installLock))

	mux := http.NewServeMux()
	h.Routes(mux, apiToken)
	return mux, h
}

// authReq builds a request with the test Bearer token already attached.
func authReq(method, path string, body []byte) *http.Request {
	r := jsonReq(method, path, body)
	r.Header.Set("Authorization", "Bearer "+apiToken)
	return r
}

func jsonReq(method, path string, body []byte) *http.Request {
	var r *http.Request
	if body != nil {
		r = httptest.NewRequest(method, path, bytes.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	return r
}

// serve is a small helper that runs a request through the mux and returns the recorder.
func serve(mux http.Handler, r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	return w
}

// decodeBody unmarshals a recorder's body into v.
func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode response body: %v\nbody: %s", err, w.Body.String())
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func report(uuid, mac, ip string) map[string]any {
	return map[string]any{
		"boot-info": map[string]any{"uuid": uuid, "mac": mac},
		"interfaces": []map[string]any{{
			"name": "eth0", "netmask": 24, "mac": mac,
			"ipv4": ip, "cidrv4": ip + "/24", "gateway": "10.10.10.1", "fqdn": "node.example",
		}},
		"disks": []map[string]any{{"path": "/dev/sda", "size-bytes": 21474836480}},
		"lldp":  nil,
	}
}

// discover posts a discovery report and fails the test unless it is accepted.
func discover(t *testing.T, mux http.Handler, uuid, mac, ip string) {
	t.Helper()
	w := serve(mux, jsonReq(http.MethodPost, "/discovery", mustJSON(t, report(uuid, mac, ip))))
	if w.Code != http.StatusOK {
		t.Fatalf("POST /discovery: got %d, want 200; body: %s", w.Code, w.Body.String())
	}
}

func states(t *testing.T, mux http.Handler) map[string]models.State {
	t.Helper()
	w := serve(mux, httptest.NewRequest(http.MethodGet, "/lifecycle/states", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("GET /lifecycle/states: got %d", w.Code)
	}
	var list []models.LifecycleState
	decodeBody(t, w, &list)
	out := make(map[string]models.State, len(list))
	for _, s := range list {
		out[s.MAC] = s.State
	}
	return out
}

// --- Health ---

func TestHealth(t *testing.T) {
	mux, h := newTestMux(t, 0)
	h.Version = "v1.2.3"
	w := serve(mux, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status: got %d, want 200", w.Code)
	}
	var body map[string]string
	decodeBody(t, w, &body)
	if body["status"] != "ok" {
		t.Errorf("status field: got %q, want %q", body["status"], "ok")
	}
	if body["version"] != "v1.2.3" {
		t.Errorf("version field: got %q, want v1.2.3", body["version"])
	}
}

func TestHealth_DBClosed(t *testing.T) {
	mux, h := newTestMux(t, 0)
	h.DB.Close()

	w := serve(mux, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status: got %d, want 503", w.Code)
	}
}

// --- Auth guard on protected routes ---

func TestCreateSchedule_RequiresAuth(t *testing.T) {
	mux, _ := newTestMux(t, 0)

	body := mustJSON(t, map[string]any{"selector": map[string]string{"mac": bootMAC}, "roles": []string{"etcd-member"}})
	for name, r := range map[string]*http.Request{
		"no header":   jsonReq(http.MethodPost, "/scheduler", body),
		"wrong token": func() *http.Request { r := jsonReq(http.MethodPost, "/scheduler", body); r.Header.Set("Authorization", "Bearer nope"); return r }(),
	} {
		t.Run(name, func(t *testing.T) {
			if w := serve(mux, r); w.Code != http.StatusUnauthorized {
				t.Errorf("expected 401, got %d", w.Code)
			}
		})
	}
}

func TestReadRoutes_NoAuth(t *testing.T) {
	mux, _ := newTestMux(t, 0)

	for _, path := range []string{
		"/discovery",
		"/discovery/interfaces",
		"/scheduler",
		"/scheduler/available",
		"/scheduler/etcd-member",
		"/scheduler/ip-list/kubernetes-node",
		"/scheduler/mac/00-00-00-00-00-00",
		"/lifecycle/states",
	} {
		t.Run(path, func(t *testing.T) {
			w := serve(mux, httptest.NewRequest(http.MethodGet, path, nil))
			if w.Code != http.StatusOK {
				t.Errorf("got %d, want 200; body: %s", w.Code, w.Body.String())
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type: got %q, want application/json", ct)
			}
		})
	}
}

// --- Discovery ---

func TestPostDiscovery_NewThenKnown(t *testing.T) {
	mux, _ := newTestMux(t, 0)
	body := mustJSON(t, report(bootUUID, bootMAC, "10.10.10.10"))

	for i, wantNew := range []bool{true, false} {
		w := serve(mux, jsonReq(http.MethodPost, "/discovery", body))
		if w.Code != http.StatusOK {
			t.Fatalf("post %d: got %d, want 200; body: %s", i, w.Code, w.Body.String())
		}
		var res struct {
			Total int  `json:"total_machines"`
			New   bool `json:"new"`
		}
		decodeBody(t, w, &res)
		if res.Total != 1 || res.New != wantNew {
			t.Errorf("post %d: got %+v, want total 1 new %v", i, res, wantNew)
		}
	}

	if got := states(t, mux)[bootMAC]; got != models.StateDiscovery {
		t.Errorf("lifecycle state: got %q, want %q", got, models.StateDiscovery)
	}
}

func TestPostDiscovery_Rejected(t *testing.T) {
	mux, h := newTestMux(t, 0)

	missingMAC := report(bootUUID, bootMAC, "10.10.10.10")
	missingMAC["boot-info"] = map[string]any{"uuid": bootUUID}

	tests := map[string][]byte{
		"not json":     []byte("{nope"),
		"empty object": []byte("{}"),
		"missing mac":  mustJSON(t, missingMAC),
		"bad uuid":     mustJSON(t, report("not-a-uuid", bootMAC, "10.10.10.10")),
		"bad ipv4":     mustJSON(t, report(bootUUID, bootMAC, "10.10.10")),
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			w := serve(mux, jsonReq(http.MethodPost, "/discovery", body))
			if w.Code != http.StatusNotAcceptable {
				t.Fatalf("got %d, want 406; body: %s", w.Code, w.Body.String())
			}
			var got map[string]json.RawMessage
			decodeBody(t, w, &got)
			for key, want := range map[string]string{"boot-info": "{}", "lldp": "{}", "interfaces": "[]", "disks": "[]"} {
				if string(got[key]) != want {
					t.Errorf("%s: got %s, want %s", key, got[key], want)
				}
			}
		})
	}

	c, err := h.DB.Counts(t.Context())
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if c.Machines != 0 {
		t.Errorf("machines stored after rejected reports: %d", c.Machines)
	}
}

func TestPostDiscovery_BodyTooLarge(t *testing.T) {
	mux, _ := newTestMux(t, 0)
	big := bytes.Repeat([]byte("x"), 65*1024)
	w := serve(mux, jsonReq(http.MethodPost, "/discovery", big))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("got %d, want 413", w.Code)
	}
}

func TestPostDiscovery_StorageError(t *testing.T) {
	mux, h := newTestMux(t, 0)
	h.DB.Close()

	w := serve(mux, jsonReq(http.MethodPost, "/discovery", mustJSON(t, report(bootUUID, bootMAC, "10.10.10.10"))))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("got %d, want 500", w.Code)
	}
}

func TestListDiscovery(t *testing.T) {
	mux, _ := newTestMux(t, 0)
	discover(t, mux, bootUUID, bootMAC, "10.10.10.10")

	w := serve(mux, httptest.NewRequest(http.MethodGet, "/discovery", nil))
	var records []models.DiscoveryRecord
	decodeBody(t, w, &records)
	if len(records) != 1 {
		t.Fatalf("records: got %d, want 1", len(records))
	}
	if records[0].BootInfo.UUID != bootUUID || records[0].BootInfo.MAC != bootMAC {
		t.Errorf("boot-info: got %+v", records[0].BootInfo)
	}
	if len(records[0].Disks) != 1 || records[0].Disks[0].SizeBytes != 21474836480 {
		t.Errorf("disks: got %+v", records[0].Disks)
	}

	w = serve(mux, httptest.NewRequest(http.MethodGet, "/discovery/interfaces", nil))
	var ifaces []models.Interface
	decodeBody(t, w, &ifaces)
	if len(ifaces) != 1 || !ifaces[0].AsBoot || ifaces[0].IPv4 != "10.10.10.10" {
		t.Errorf("interfaces: got %+v", ifaces)
	}
}

// --- Scheduler ---

func TestScheduler_EndToEnd(t *testing.T) {
	mux, _ := newTestMux(t, 0)
	discover(t, mux, bootUUID, bootMAC, "10.10.10.10")

	w := serve(mux, httptest.NewRequest(http.MethodGet, "/scheduler/available", nil))
	var avail []models.MachineSummary
	decodeBody(t, w, &avail)
	if len(avail) != 1 || avail[0].MAC != bootMAC {
		t.Fatalf("available before schedule: got %+v", avail)
	}

	req := map[string]any{
		"selector": map[string]string{"mac": bootMAC},
		"roles":    []string{"etcd-member", "kubernetes-control-plane"},
	}
	w = serve(mux, authReq(http.MethodPost, "/scheduler", mustJSON(t, req)))
	if w.Code != http.StatusOK {
		t.Fatalf("POST /scheduler: got %d; body: %s", w.Code, w.Body.String())
	}

	w = serve(mux, httptest.NewRequest(http.MethodGet, "/scheduler/available", nil))
	decodeBody(t, w, &avail)
	if len(avail) != 0 {
		t.Errorf("available after schedule: got %+v", avail)
	}

	w = serve(mux, httptest.NewRequest(http.MethodGet, "/scheduler/etcd-member&kubernetes-control-plane", nil))
	var machines []models.MachineWithRoles
	decodeBody(t, w, &machines)
	if len(machines) != 1 || machines[0].MAC != bootMAC || machines[0].IPv4 != "10.10.10.10" {
		t.Fatalf("exact set: got %+v", machines)
	}
	if len(machines[0].Roles) != 2 {
		t.Errorf("roles: got %v", machines[0].Roles)
	}

	w = serve(mux, httptest.NewRequest(http.MethodGet, "/scheduler/etcd-member", nil))
	decodeBody(t, w, &machines)
	if len(machines) != 1 {
		t.Errorf("membership: got %d machines, want 1", len(machines))
	}

	w = serve(mux, httptest.NewRequest(http.MethodGet, "/scheduler/etcd-member&kubernetes-node", nil))
	decodeBody(t, w, &machines)
	if len(machines) != 0 {
		t.Errorf("different set: got %d machines, want 0", len(machines))
	}

	w = serve(mux, httptest.NewRequest(http.MethodGet, "/scheduler/ip-list/etcd-member", nil))
	var ips []string
	decodeBody(t, w, &ips)
	if len(ips) != 1 || ips[0] != "10.10.10.10" {
		t.Errorf("ip-list: got %v", ips)
	}

	w = serve(mux, httptest.NewRequest(http.MethodGet, "/scheduler", nil))
	var all map[string][]models.Role
	decodeBody(t, w, &all)
	if len(all[bootMAC]) != 2 {
		t.Errorf("all schedules: got %v", all)
	}

	w = serve(mux, httptest.NewRequest(http.MethodGet, "/scheduler/mac/00-00-00-00-00-00", nil))
	var roles []models.Role
	decodeBody(t, w, &roles)
	if len(roles) != 2 || roles[0] != models.RoleEtcdMember {
		t.Errorf("roles by mac: got %v", roles)
	}
}

func TestCreateSchedule_Invalid(t *testing.T) {
	mux, _ := newTestMux(t, 0)

	tests := map[string][]byte{
		"not json":     []byte("nope"),
		"no roles":     mustJSON(t, map[string]any{"selector": map[string]string{"mac": bootMAC}, "roles": []string{}}),
		"unknown role": mustJSON(t, map[string]any{"selector": map[string]string{"mac": bootMAC}, "roles": []string{"database"}}),
		"no selector":  mustJSON(t, map[string]any{"roles": []string{"etcd-member"}}),
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			w := serve(mux, authReq(http.MethodPost, "/scheduler", body))
			if w.Code != http.StatusNotAcceptable {
				t.Fatalf("got %d, want 406; body: %s", w.Code, w.Body.String())
			}
			var tmpl models.ScheduleRequest
			decodeBody(t, w, &tmpl)
			if len(tmpl.Roles) != len(models.AllRoles) || tmpl.Selector.MAC != "" {
				t.Errorf("template: got %+v", tmpl)
			}
		})
	}
}

func TestCreateSchedule_UnknownSelectorAccepted(t *testing.T) {
	mux, _ := newTestMux(t, 0)
	req := map[string]any{"selector": map[string]string{"mac": "aa:bb:cc:dd:ee:ff"}, "roles": []string{"kubernetes-node"}}

	w := serve(mux, authReq(http.MethodPost, "/scheduler", mustJSON(t, req)))
	if w.Code != http.StatusOK {
		t.Fatalf("got %d, want 200", w.Code)
	}
	w = serve(mux, httptest.NewRequest(http.MethodGet, "/scheduler", nil))
	if body := strings.TrimSpace(w.Body.String()); body != "{}" {
		t.Errorf("schedules: got %s, want {}", body)
	}
}

func TestSchedulerQueries_BadInput(t *testing.T) {
	mux, _ := newTestMux(t, 0)
	for _, path := range []string{
		"/scheduler/database",
		"/scheduler/etcd-member&database",
		"/scheduler/ip-list/database",
		"/scheduler/mac/not-a-mac",
	} {
		t.Run(path, func(t *testing.T) {
			if w := serve(mux, httptest.NewRequest(http.MethodGet, path, nil)); w.Code != http.StatusBadRequest {
				t.Errorf("got %d, want 400", w.Code)
			}
		})
	}
}

// --- Lifecycle ---

func TestReportState(t *testing.T) {
	mux, _ := newTestMux(t, 0)

	body := mustJSON(t, map[string]string{"mac": "52-54-00-E8-32-5B", "state": "booting"})
	w := serve(mux, jsonReq(http.MethodPost, "/lifecycle/state", body))
	if w.Code != http.StatusNoContent {
		t.Fatalf("got %d, want 204; body: %s", w.Code, w.Body.String())
	}
	if got := states(t, mux)["52:54:00:e8:32:5b"]; got != models.StateBooting {
		t.Errorf("state: got %q, want booting", got)
	}
}

func TestReportState_TrackerFailureStill204(t *testing.T) {
	mux, h := newTestMux(t, 0)
	h.DB.Close()

	body := mustJSON(t, map[string]string{"mac": bootMAC, "state": "booting"})
	if w := serve(mux, jsonReq(http.MethodPost, "/lifecycle/state", body)); w.Code != http.StatusNoContent {
		t.Errorf("got %d, want 204", w.Code)
	}
}

func TestReportState_Invalid(t *testing.T) {
	mux, _ := newTestMux(t, 0)
	for name, body := range map[string][]byte{
		"not json":      []byte("{"),
		"unknown state": mustJSON(t, map[string]string{"mac": bootMAC, "state": "exploded"}),
		"bad mac":       mustJSON(t, map[string]string{"mac": "zz", "state": "booting"}),
	} {
		t.Run(name, func(t *testing.T) {
			if w := serve(mux, jsonReq(http.MethodPost, "/lifecycle/state", body)); w.Code != http.StatusBadRequest {
				t.Errorf("got %d, want 400", w.Code)
			}
		})
	}
}

func TestListStates_Minutes(t *testing.T) {
	mux, _ := newTestMux(t, 0)
	for _, q := range []string{"abc", "0", "-5"} {
		w := serve(mux, httptest.NewRequest(http.MethodGet, "/lifecycle/states?minutes="+q, nil))
		if w.Code != http.StatusBadRequest {
			t.Errorf("minutes=%s: got %d, want 400", q, w.Code)
		}
	}
	w := serve(mux, httptest.NewRequest(http.MethodGet, "/lifecycle/states?minutes=5", nil))
	if w.Code != http.StatusOK {
		t.Errorf("minutes=5: got %d, want 200", w.Code)
	}
	if body := strings.TrimSpace(w.Body.String()); body != "[]" {
		t.Errorf("empty states: got %s, want []", body)
	}
}

func TestReportInstall(t *testing.T) {
	mux, _ := newTestMux(t, 0)

	tests := []struct {
		status    string
		mac       string
		wantState models.State
	}{
		{"success", "52-54-00-00-00-01", models.StateInstallationSucceeded},
		{"FAIL", "52-54-00-00-00-02", models.StateInstallationFailed},
	}
	for _, tt := range tests {
		query := fmt.Sprintf("uuid=%s&mac=%s&os=installed", bootUUID, tt.mac)
		w := serve(mux, httptest.NewRequest(http.MethodPost, "/lifecycle/install/"+tt.status+"/"+query, nil))
		if w.Code != http.StatusOK {
			t.Fatalf("%s: got %d; body: %s", tt.status, w.Code, w.Body.String())
		}
		var body map[string]any
		decodeBody(t, w, &body)
		if body["request_raw_query"] != query {
			t.Errorf("request_raw_query: got %v, want %q", body["request_raw_query"], query)
		}
		if body["success"] != (tt.wantState == models.StateInstallationSucceeded) {
			t.Errorf("success: got %v", body["success"])
		}
	}

	got := states(t, mux)
	for _, tt := range tests {
		mac := strings.ReplaceAll(tt.mac, "-", ":")
		if got[mac] != tt.wantState {
			t.Errorf("%s: got %q, want %q", mac, got[mac], tt.wantState)
		}
	}
}

func TestReportInstall_BadInput(t *testing.T) {
	mux, _ := newTestMux(t, 0)

	w := serve(mux, httptest.NewRequest(http.MethodPost, "/lifecycle/install/maybe/mac=52-54-00-00-00-01", nil))
	if w.Code != http.StatusForbidden {
		t.Errorf("unknown status: got %d, want 403", w.Code)
	}
	w = serve(mux, httptest.NewRequest(http.MethodPost, "/lifecycle/install/success/uuid=x", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("no mac: got %d, want 400", w.Code)
	}
}

func TestInstallAuthorization_Unlocked(t *testing.T) {
	mux, _ := newTestMux(t, 0)

	for _, mac := range []string{"00-00-00-00-00-01", "00-00-00-00-00-02"} {
		w := serve(mux, httptest.NewRequest(http.MethodGet, "/install-authorization/mac="+mac, nil))
		if w.Code != http.StatusOK || w.Body.String() != "Granted" {
			t.Errorf("%s: got %d %q, want 200 Granted", mac, w.Code, w.Body.String())
		}
	}
}

func TestInstallAuthorization_Locked(t *testing.T) {
	mux, _ := newTestMux(t, time.Hour)

	first := "uuid=a&mac=00-00-00-00-00-01"
	w := serve(mux, httptest.NewRequest(http.MethodGet, "/install-authorization/"+first, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("first: got %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type: got %q, want text/plain", ct)
	}

	w = serve(mux, httptest.NewRequest(http.MethodGet, "/install-authorization/uuid=b&mac=00-00-00-00-00-02", nil))
	if w.Code != http.StatusForbidden {
		t.Fatalf("second: got %d, want 403", w.Code)
	}
	if want := "Locked by " + first; w.Body.String() != want {
		t.Errorf("body: got %q, want %q", w.Body.String(), want)
	}

	got := states(t, mux)
	if got["00:00:00:00:00:01"] != models.StateOSInstallationGranted {
		t.Errorf("first state: got %q", got["00:00:00:00:00:01"])
	}
	if got["00:00:00:00:00:02"] != models.StateOSInstallationDenied {
		t.Errorf("second state: got %q", got["00:00:00:00:00:02"])
	}
}
