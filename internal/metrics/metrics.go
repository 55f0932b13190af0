package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tphummel/lab_boot/internal/db"
	"github.com/tphummel/lab_boot/internal/lifecycle"
	"github.com/tphummel/lab_boot/internal/models"
)

// Discovery report outcomes.
const (
	OutcomeNew     = "new"
	OutcomeUpdated = "updated"
	OutcomeInvalid = "invalid"
	OutcomeError   = "error"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lab_boot_http_requests_total",
			Help: "Total number of HTTP requests by method, route, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lab_boot_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds by method and route.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	httpRequestsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lab_boot_http_requests_in_flight",
		Help: "Current number of HTTP requests being processed.",
	})

	discoveryReportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lab_boot_discovery_reports_total",
			Help: "Discovery reports received, by outcome.",
		},
		[]string{"outcome"},
	)

	lifecycleFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lab_boot_lifecycle_tracking_failures_total",
			Help: "Lifecycle states that could not be recorded, by state.",
		},
		[]string{"state"},
	)
)

// Inventory is the subset of db.DB needed to collect inventory metrics.
type Inventory interface {
	Counts(ctx context.Context) (*db.Counts, error)
}

// inventoryCollector queries the store on each scrape.
type inventoryCollector struct {
	src     Inventory
	timeout time.Duration

	machinesDesc   *prometheus.Desc
	interfacesDesc *prometheus.Desc
	disksDesc      *prometheus.Desc
	schedulesDesc  *prometheus.Desc
	statesDesc     *prometheus.Desc
}

func newInventoryCollector(src Inventory) *inventoryCollector {
	return &inventoryCollector{
		src:     src,
		timeout: 5 * time.Second,
		machinesDesc: prometheus.NewDesc(
			"lab_boot_machines_total",
			"Number of discovered machines.",
			nil, nil,
		),
		interfacesDesc: prometheus.NewDesc(
			"lab_boot_interfaces_total",
			"Number of known network interfaces.",
			nil, nil,
		),
		disksDesc: prometheus.NewDesc(
			"lab_boot_disks_total",
			"Number of known disks.",
			nil, nil,
		),
		schedulesDesc: prometheus.NewDesc(
			"lab_boot_schedules_total",
			"Number of machines scheduled, partitioned by role.",
			[]string{"role"}, nil,
		),
		statesDesc: prometheus.NewDesc(
			"lab_boot_lifecycle_states_total",
			"Number of MACs whose last reported lifecycle state is state.",
			[]string{"state"}, nil,
		),
	}
}

func (c *inventoryCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.machinesDesc
	ch <- c.interfacesDesc
	ch <- c.disksDesc
	ch <- c.schedulesDesc
	ch <- c.statesDesc
}

func (c *inventoryCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	counts, err := c.src.Counts(ctx)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.machinesDesc, err)
		return
	}

	ch <- prometheus.MustNewConstMetric(c.machinesDesc, prometheus.GaugeValue, float64(counts.Machines))
	ch <- prometheus.MustNewConstMetric(c.interfacesDesc, prometheus.GaugeValue, float64(counts.Interfaces))
	ch <- prometheus.MustNewConstMetric(c.disksDesc, prometheus.GaugeValue, float64(counts.Disks))
	for _, role := range models.AllRoles {
		n := counts.SchedulesByRole[string(role)]
		ch <- prometheus.MustNewConstMetric(c.schedulesDesc, prometheus.GaugeValue, float64(n), string(role))
	}
	for state, n := range counts.StatesByName {
		ch <- prometheus.MustNewConstMetric(c.statesDesc, prometheus.GaugeValue, float64(n), state)
	}
}

// Register registers all metrics with reg. Call once at startup after the
// database is initialised.
func Register(reg prometheus.Registerer, src Inventory) {
	reg.MustRegister(
		// Standard Go runtime and process metrics
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),

		// HTTP service metrics
		httpRequestsTotal,
		httpRequestDuration,
		httpRequestsInFlight,

		// Application metrics
		discoveryReportsTotal,
		lifecycleFailuresTotal,
		newInventoryCollector(src),
	)
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// ObserveDiscovery counts one discovery report with the given outcome.
func ObserveDiscovery(outcome string) {
	discoveryReportsTotal.WithLabelValues(outcome).Inc()
}

// TrackingFailed counts a lifecycle state that was not recorded. It matches
// lifecycle.Tracker.OnError.
func TrackingFailed(err *lifecycle.TrackingError) {
	lifecycleFailuresTotal.WithLabelValues(string(err.State)).Inc()
}

// responseWriter wraps http.ResponseWriter to capture the response status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware wraps an http.Handler to record HTTP metrics.
// pattern should be the route pattern string (e.g. "/scheduler/{roles}")
// so the path label has bounded cardinality.
func Middleware(pattern string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		httpRequestsInFlight.Inc()

		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			httpRequestsInFlight.Dec()
			status := strconv.Itoa(rw.status)
			httpRequestsTotal.WithLabelValues(r.Method, pattern, status).Inc()
			httpRequestDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
		}()

		next.ServeHTTP(rw, r)
	})
}
