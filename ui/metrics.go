package ui

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/etnz/apt-mirror/mirror"
)

// ServeMetrics exposes the run's progress counters as Prometheus gauges on
// addr while the process runs. It returns the server so the caller can shut
// it down; errors from the listener are logged, not fatal, since metrics
// are best-effort observability.
func ServeMetrics(addr string, p *mirror.Progress) *http.Server {
	registry := prometheus.NewRegistry()

	gauge := func(name, help string, value func() uint64) {
		registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: name, Help: help},
			func() float64 { return float64(value()) },
		))
	}

	gauge("apt_mirror_files_total", "Files queued in the current step", p.Files.Total)
	gauge("apt_mirror_files_success", "Files completed successfully in the current step", p.Files.Success)
	gauge("apt_mirror_files_skipped", "Files skipped in the current step", p.Files.Skipped)
	gauge("apt_mirror_files_failed", "Files failed in the current step", p.Files.Failed)
	gauge("apt_mirror_bytes_total", "Bytes expected in the current step", p.Bytes.Total)
	gauge("apt_mirror_bytes_success", "Bytes downloaded in the current step", p.Bytes.Success)
	gauge("apt_mirror_bytes_total_run", "Bytes downloaded over the whole run", p.GrandTotalBytes)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Warn("metrics server stopped", "error", err)
		}
	}()

	return server
}
