package observ

import (
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// registry lazily creates Prometheus collectors keyed by metric name and
// the sorted label key set, so callers can keep calling IncCounter et al.
// with an ad-hoc label map the way the rest of this codebase does,
// without pre-declaring every metric's label schema up front.
type registry struct {
	mu         sync.Mutex
	reg        *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

var reg = newRegistry()

func newRegistry() *registry {
	return &registry{
		reg:        prometheus.NewRegistry(),
		counters:   map[string]*prometheus.CounterVec{},
		gauges:     map[string]*prometheus.GaugeVec{},
		histograms: map[string]*prometheus.HistogramVec{},
	}
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func vecKey(name string, names []string) string {
	return name + "|" + strings.Join(names, ",")
}

func IncCounter(name string, labels map[string]string) {
	IncCounterBy(name, labels, 1.0)
}

func IncCounterBy(name string, labels map[string]string, value float64) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	names := labelNames(labels)
	key := vecKey(name, names)
	cv, ok := reg.counters[key]
	if !ok {
		cv = prometheus.NewCounterVec(prometheus.CounterOpts{Name: sanitize(name)}, names)
		reg.reg.MustRegister(cv)
		reg.counters[key] = cv
	}
	cv.With(prometheus.Labels(labels)).Add(value)
}

func SetGauge(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	names := labelNames(labels)
	key := vecKey(name, names)
	gv, ok := reg.gauges[key]
	if !ok {
		gv = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: sanitize(name)}, names)
		reg.reg.MustRegister(gv)
		reg.gauges[key] = gv
	}
	gv.With(prometheus.Labels(labels)).Set(value)
}

func Observe(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	names := labelNames(labels)
	key := vecKey(name, names)
	hv, ok := reg.histograms[key]
	if !ok {
		hv = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: sanitize(name)}, names)
		reg.reg.MustRegister(hv)
		reg.histograms[key] = hv
	}
	hv.With(prometheus.Labels(labels)).Observe(value)
}

func sanitize(name string) string {
	return strings.ReplaceAll(name, ".", "_")
}

// Handler exposes metrics in the standard Prometheus text exposition
// format, wired into cmd/trader's /metrics endpoint.
func Handler() http.Handler {
	return promhttp.HandlerFor(reg.reg, promhttp.HandlerOpts{})
}

// Health reports process liveness; readiness (rate limiter state,
// gateway health, circuit breaker state) is reported by each owning
// component rather than centralized here.
func Health() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}
