package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphummel/lab_boot/internal/db"
	"github.com/tphummel/lab_boot/internal/lifecycle"
	"github.com/tphummel/lab_boot/internal/models"
)

type fakeInventory struct {
	counts *db.Counts
	err    error
}

func (f fakeInventory) Counts(context.Context) (*db.Counts, error) {
	return f.counts, f.err
}

func gather(t *testing.T, src Inventory) map[string]*dto.MetricFamily {
	t.Helper()
	reg := prometheus.NewRegistry()
	Register(reg, src)
	families, err := reg.Gather()
	require.NoError(t, err)

	out := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		out[f.GetName()] = f
	}
	return out
}

func gaugeByLabel(f *dto.MetricFamily, label string) map[string]float64 {
	out := make(map[string]float64)
	for _, m := range f.GetMetric() {
		for _, l := range m.GetLabel() {
			if l.GetName() == label {
				out[l.GetValue()] = m.GetGauge().GetValue()
			}
		}
	}
	return out
}

func TestInventoryCollector(t *testing.T) {
	families := gather(t, fakeInventory{counts: &db.Counts{
		Machines:        3,
		Interfaces:      5,
		Disks:           4,
		SchedulesByRole: map[string]int{string(models.RoleEtcdMember): 2},
		StatesByName:    map[string]int{"booting": 1, "discovery": 2},
	}})

	require.Contains(t, families, "lab_boot_machines_total")
	assert.Equal(t, 3.0, families["lab_boot_machines_total"].GetMetric()[0].GetGauge().GetValue())
	assert.Equal(t, 5.0, families["lab_boot_interfaces_total"].GetMetric()[0].GetGauge().GetValue())
	assert.Equal(t, 4.0, families["lab_boot_disks_total"].GetMetric()[0].GetGauge().GetValue())

	assert.Equal(t, map[string]float64{
		"etcd-member":              2,
		"kubernetes-control-plane": 0,
		"kubernetes-node":          0,
	}, gaugeByLabel(families["lab_boot_schedules_total"], "role"))

	assert.Equal(t, map[string]float64{"booting": 1, "discovery": 2},
		gaugeByLabel(families["lab_boot_lifecycle_states_total"], "state"))
}

func TestInventoryCollector_Error(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg, fakeInventory{err: errors.New("db down")})
	_, err := reg.Gather()
	assert.Error(t, err)
}

func TestInventoryCollector_RealStore(t *testing.T) {
	d, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	c := newInventoryCollector(d)
	assert.Equal(t, 1+1+1+len(models.AllRoles), testutil.CollectAndCount(c))
}

func TestObserveDiscovery(t *testing.T) {
	before := testutil.ToFloat64(discoveryReportsTotal.WithLabelValues(OutcomeInvalid))
	ObserveDiscovery(OutcomeInvalid)
	ObserveDiscovery(OutcomeInvalid)
	assert.Equal(t, before+2, testutil.ToFloat64(discoveryReportsTotal.WithLabelValues(OutcomeInvalid)))
}

func TestTrackingFailed(t *testing.T) {
	before := testutil.ToFloat64(lifecycleFailuresTotal.WithLabelValues("booting"))
	TrackingFailed(&lifecycle.TrackingError{MAC: "00:00:00:00:00:01", State: models.StateBooting})
	assert.Equal(t, before+1, testutil.ToFloat64(lifecycleFailuresTotal.WithLabelValues("booting")))
}

func TestMiddleware_RecordsRoute(t *testing.T) {
	const pattern = "/scheduler/{roles}"
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, pattern, "404"))

	h := Middleware(pattern, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/scheduler/etcd-member", nil))

	assert.Equal(t, before+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, pattern, "404")))
	assert.Equal(t, 0.0, testutil.ToFloat64(httpRequestsInFlight))
}

func TestHandler_ServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg, fakeInventory{counts: &db.Counts{Machines: 7}})

	w := httptest.NewRecorder()
	Handler(reg).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "lab_boot_machines_total 7"), w.Body.String())
}
