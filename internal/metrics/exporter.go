// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics exposes the last completed meter cycle as
// Prometheus gauges and counters.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/flowmeter/internal/logging"
	"grimm.is/flowmeter/internal/meter"
)

var readingLabels = []string{"macaddr", "name", "direction"}

// Exporter is a prometheus.Collector over the most recent readings.
// The meter loop replaces the snapshot after each cycle; scrapes in
// between see the previous cycle, which is the intended semantics for
// a poll-based system.
type Exporter struct {
	mu       sync.RWMutex
	readings []meter.Reading
}

func NewExporter() *Exporter {
	return &Exporter{}
}

// Observe replaces the exported snapshot with the given cycle.
func (e *Exporter) Observe(readings []meter.Reading) {
	e.mu.Lock()
	e.readings = readings
	e.mu.Unlock()
}

func (e *Exporter) descBytes() *prometheus.Desc {
	return prometheus.NewDesc(
		"flowmeter_bytes_total",
		"Cumulative bytes counted for a device and direction",
		readingLabels, prometheus.Labels{},
	)
}

func (e *Exporter) descBandwidth() *prometheus.Desc {
	return prometheus.NewDesc(
		"flowmeter_bandwidth_bytes_per_second",
		"Bandwidth over the last sampling interval",
		readingLabels, prometheus.Labels{},
	)
}

func (e *Exporter) descDaily() *prometheus.Desc {
	return prometheus.NewDesc(
		"flowmeter_daily_bytes",
		"Bytes counted since the current day started",
		readingLabels, prometheus.Labels{},
	)
}

func (e *Exporter) descWeekly() *prometheus.Desc {
	return prometheus.NewDesc(
		"flowmeter_weekly_bytes",
		"Bytes counted since the current week started",
		readingLabels, prometheus.Labels{},
	)
}

func (e *Exporter) Describe(c chan<- *prometheus.Desc) {
	c <- e.descBytes()
	c <- e.descBandwidth()
	c <- e.descDaily()
	c <- e.descWeekly()
}

func (e *Exporter) Collect(c chan<- prometheus.Metric) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, r := range e.readings {
		labels := []string{r.MAC, r.Name, r.Direction.String()}
		c <- prometheus.MustNewConstMetric(
			e.descBytes(), prometheus.CounterValue, float64(r.Bytes), labels...)
		c <- prometheus.MustNewConstMetric(
			e.descBandwidth(), prometheus.GaugeValue, float64(r.Bandwidth), labels...)
		c <- prometheus.MustNewConstMetric(
			e.descDaily(), prometheus.GaugeValue, float64(r.Daily), labels...)
		c <- prometheus.MustNewConstMetric(
			e.descWeekly(), prometheus.GaugeValue, float64(r.Weekly), labels...)
	}
}

// Serve registers the exporter and blocks on an HTTP listener until
// the server fails. Callers run it in its own goroutine.
func Serve(addr string, exporter *Exporter, logger *logging.Logger) error {
	registry := prometheus.NewRegistry()
	if err := registry.Register(exporter); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	logger.Info("Serving metrics", "addr", addr)
	return http.ListenAndServe(addr, mux)
}
