// Package telemetry wires go-metrics to an in-memory sink. Both binaries
// install it at startup, serve it on GET /metrics and dump it to stderr on
// SIGUSR1.
package telemetry

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-metrics"
)

const (
	// Interval is the aggregation window of the sink.
	Interval = 10 * time.Second
	// Retain is how long finished windows are kept.
	Retain = time.Minute
)

// Telemetry is the process-wide metrics sink.
type Telemetry struct {
	Sink    *metrics.InmemSink
	Metrics *metrics.Metrics
	signal  *metrics.InmemSignal
}

// Setup makes a fresh in-memory sink the global go-metrics destination.
// Code that emits through the package-level metrics functions reports to
// it from then on.
func Setup() (*Telemetry, error) {
	sink := metrics.NewInmemSink(Interval, Retain)
	conf := metrics.DefaultConfig("")
	conf.EnableHostname = false
	m, err := metrics.NewGlobal(conf, sink)
	if err != nil {
		return nil, errors.Wrap(err, "install metrics sink")
	}
	return &Telemetry{Sink: sink, Metrics: m, signal: metrics.DefaultInmemSignal(sink)}, nil
}

// NewInmem returns a metrics instance with its own sink. It does not touch
// the global instance.
func NewInmem() (*metrics.Metrics, *metrics.InmemSink) {
	sink := metrics.NewInmemSink(Interval, Retain)
	// metrics.New never returns an error.
	m, _ := metrics.New(&metrics.Config{FilterDefault: true, TimerGranularity: time.Millisecond}, sink)
	return m, sink
}

// Counter sums the named counter over every retained window.
func Counter(sink *metrics.InmemSink, name string) int {
	total := 0
	for _, intv := range sink.Data() {
		intv.RLock()
		if v, ok := intv.Counters[name]; ok && v.AggregateSample != nil {
			total += v.Count
		}
		intv.RUnlock()
	}
	return total
}

// Handler serves the most recent windows as JSON.
func (t *Telemetry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		summary, err := t.Sink.DisplayMetrics(w, r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(summary)
	})
}

// Mount serves GET /metrics next to the routes of h.
func (t *Telemetry) Mount(h http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/", h)
	mux.Handle("GET /metrics", t.Handler())
	return mux
}

// Stop stops listening for SIGUSR1 and shuts the metrics instance down.
func (t *Telemetry) Stop() {
	t.signal.Stop()
	t.Metrics.Shutdown()
}
