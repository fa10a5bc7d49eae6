package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

const namespace = "call_gateway"

var labelEscaper = strings.NewReplacer("\\", "\\\\", "\"", "\\\"", "\n", "\\n")

// Handler serves the registry as JSON by default, or in Prometheus' text
// exposition format for ?format=prometheus or an Accept header preferring
// text/plain.
func Handler(m *Metrics) http.Handler {
	prom := PrometheusHandler(m)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if wantsPrometheus(r) {
			prom.ServeHTTP(w, r)
			return
		}
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}
		body := map[string]any{"events": m.Snapshot()}
		for k, v := range m.Gauges() {
			body[k] = v
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	})
}

func wantsPrometheus(r *http.Request) bool {
	if r.URL.Query().Get("format") == "prometheus" {
		return true
	}
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "text/plain") && !strings.Contains(accept, "application/json")
}

// PrometheusHandler exposes all counters as one metric with an event label and
// each gauge as its own metric.
func PrometheusHandler(m *Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		counters := m.Snapshot()
		gauges := m.Gauges()

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = fmt.Fprintf(w, "# HELP %s_events_total Internal event counters.\n", namespace)
		_, _ = fmt.Fprintf(w, "# TYPE %s_events_total counter\n", namespace)
		for _, k := range sortedKeys(counters) {
			_, _ = fmt.Fprintf(w, "%s_events_total{event=\"%s\"} %d\n", namespace, labelEscaper.Replace(k), counters[k])
		}
		for _, k := range sortedKeys(gauges) {
			name := namespace + "_" + k
			_, _ = fmt.Fprintf(w, "# TYPE %s gauge\n%s %d\n", name, name, gauges[k])
		}
	})
}
