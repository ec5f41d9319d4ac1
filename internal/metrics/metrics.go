// Package metrics wires github.com/prometheus/client_golang into both
// server processes: a standard /metrics endpoint plus the two domain
// metrics the domain stack calls out by name (a key-gen queue depth
// gauge, a cascade counter). Grounded on the promhttp.Handler()-mounted-as-a-route idiom
// common to every Go service in the pack that imports client_golang;
// no pack example wires custom collectors beyond the default registry,
// so the two domain metrics here are this rewrite's own addition.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PendingKeyGenRequests reports the depth of the REQUESTED queue a
// cmd/keyserver process is working through (§4.D).
var PendingKeyGenRequests = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "ats",
	Subsystem: "keygen",
	Name:      "pending_requests",
	Help:      "Number of key-gen requests currently in the REQUESTED state.",
})

// RoleCascades is a counter of role-generation cascades with a
// "trigger" label. It is registered and served on /metrics, but no code
// path increments it, so it exports no series.
var RoleCascades = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ats",
	Subsystem: "roleengine",
	Name:      "cascades_total",
	Help:      "Role regeneration cascades, labeled by triggering role.",
}, []string{"trigger"})

// HTTPRequests counts every request each router serves, labeled by
// route template and response status class, the same
// labeling gorilla/mux's route.GetPathTemplate() makes trivial to
// extract.
var HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ats",
	Name:      "http_requests_total",
	Help:      "HTTP requests served, labeled by route and status class.",
}, []string{"route", "status"})

func init() {
	prometheus.MustRegister(PendingKeyGenRequests, RoleCascades, HTTPRequests)
}

// Handler returns the promhttp handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware increments HTTPRequests for every request a mux.Router
// serves. Registered via router.Use(metrics.Middleware), so it runs
// after route matching and can read the matched route's template off
// the request's context via mux.CurrentRoute.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if m := mux.CurrentRoute(r); m != nil {
			if tpl, err := m.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		HTTPRequests.WithLabelValues(route, statusClass(rec.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func statusClass(status int) string {
	return strconv.Itoa(status/100) + "xx"
}
