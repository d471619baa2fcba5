// Package metrics exposes reconciler and proxy counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	ctrllog "sigs.k8s.io/controller-runtime/pkg/log"
)

const namespace = "charon"

// Pass results
const (
	PassSucceeded     = "success"
	PassPartial       = "partial"
	PassUpstreamError = "upstream_error"
	PassSkipped       = "skipped"
)

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	passes            *prometheus.CounterVec
	passDuration      prometheus.Histogram
	operations        *prometheus.CounterVec
	upstreamFailures  *prometheus.CounterVec
	targetUnreachable *prometheus.CounterVec
}

// New creates the collectors and registers them on reg. activeProxies is
// sampled on every scrape.
func New(reg prometheus.Registerer, activeProxies func() int) *Metrics {
	m := &Metrics{
		passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_passes_total",
			Help:      "Reconciliation passes by result.",
		}, []string{"result"}),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_pass_duration_seconds",
			Help:      "Duration of completed reconciliation passes.",
			Buckets:   prometheus.DefBuckets,
		}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_operations_total",
			Help:      "Proxy add/remove operations by outcome.",
		}, []string{"operation", "result"}),
		upstreamFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_failures_total",
			Help:      "Failed reads of the rule store or client roster.",
		}, []string{"source"}),
		targetUnreachable: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "target_unreachable_total",
			Help:      "Forwarded requests or connections whose target could not be reached.",
		}, []string{"local_port"}),
	}

	reg.MustRegister(m.passes, m.passDuration, m.operations, m.upstreamFailures, m.targetUnreachable)

	if activeProxies != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_proxies",
			Help:      "Number of live forwarding listeners.",
		}, func() float64 { return float64(activeProxies()) }))
	}

	return m
}

// ObservePass records a finished (or skipped) reconciliation pass
func (m *Metrics) ObservePass(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.passes.WithLabelValues(result).Inc()
	if result != PassSkipped {
		m.passDuration.Observe(duration.Seconds())
	}
}

// ObserveOperation records one add/remove outcome
func (m *Metrics) ObserveOperation(operation string, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.operations.WithLabelValues(operation, result).Inc()
}

// ObserveUpstreamFailure records a failed read of source ("rules" or "roster")
func (m *Metrics) ObserveUpstreamFailure(source string) {
	if m == nil {
		return
	}
	m.upstreamFailures.WithLabelValues(source).Inc()
}

// ObserveTargetUnreachable records a failed dial from the proxy on localPort
func (m *Metrics) ObserveTargetUnreachable(localPort int) {
	if m == nil {
		return
	}
	m.targetUnreachable.WithLabelValues(strconv.Itoa(localPort)).Inc()
}

// Serve exposes gatherer on addr at /metrics until ctx is cancelled
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer) error {
	logger := ctrllog.FromContext(ctx).WithValues("component", "metrics")

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("Serving metrics", "addr", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
