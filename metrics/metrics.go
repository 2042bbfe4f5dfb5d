// Package metrics exposes Prometheus collectors for the provisioning
// pipeline and the HTTP server that serves them.
package metrics

import (
	"context"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ALLTERCO/device-provisioning-service/common"
)

var registry = prometheus.NewRegistry()

// Pipeline collectors. Registered on a dedicated registry so tests never
// collide with the default registry.
var (
	JobsStarted = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Name: "provisioning_jobs_started_total",
		Help: "Provisioning jobs accepted.",
	})

	JobsCompleted = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "provisioning_jobs_completed_total",
		Help: "Provisioning jobs finished, by terminal state.",
	}, []string{"state"})

	JobDuration = promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
		Name:    "provisioning_job_duration_seconds",
		Help:    "Wall time from job acceptance to terminal state.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	CertificatesIssued = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Name: "provisioning_certificates_issued_total",
		Help: "Leaf certificates issued by the authority.",
	})

	CertificatesRevoked = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Name: "provisioning_certificates_revoked_total",
		Help: "Certificates revoked, including workflow rollbacks.",
	})

	DistributionRetries = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Name: "provisioning_distribution_retries_total",
		Help: "Distribution attempts beyond the first, across all jobs.",
	})

	ArchiveFailures = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Name: "provisioning_archive_failures_total",
		Help: "Artifact archive writes that failed. Archive failures never fail a job.",
	})
)

func init() {
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

var buildInfoOnce sync.Once

// MetricsServer serves the registry over HTTP on its own listener, separate
// from the API server.
type MetricsServer struct {
	srv *http.Server
}

// New creates a metrics server for the given service name and address. The
// name and build version are exported as the provisioning_build_info gauge.
// An empty address yields a server that is never started; callers guard
// ListenAndServe.
func New(name, addr string) (*MetricsServer, error) {
	buildInfoOnce.Do(func() {
		info := prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "provisioning_build_info",
			Help: "Service identity. Value is always 1.",
			ConstLabels: prometheus.Labels{
				"service": name,
				"version": common.Version,
			},
		})
		info.Set(1)
		registry.MustRegister(info)
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return &MetricsServer{
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}, nil
}

// ListenAndServe blocks serving the metrics endpoint.
func (s *MetricsServer) ListenAndServe() error {
	return s.srv.ListenAndServe()
}

// Shutdown gracefully stops the metrics server.
func (s *MetricsServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
