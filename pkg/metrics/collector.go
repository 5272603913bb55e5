package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type ICollector interface {
	ProviderRequest(method string, start time.Time, err error)
	BatchStatusPolled(status string)
	UserOperationSubmitted(chainID uint64)
	UserOperationCompleted(chainID uint64, success bool)
}

type PrometheusCollector struct {
	providerRequestDurations *prometheus.HistogramVec
	providerErrors           *prometheus.CounterVec
	batchPolls               *prometheus.CounterVec
	userOpsSubmitted         *prometheus.CounterVec
	userOpsCompleted         *prometheus.CounterVec
}

// NewCollector registers the collectors on reg. When registration fails the
// returned collector is a noop so callers never have to nil-check.
func NewCollector(reg prometheus.Registerer, l *zap.Logger) ICollector {
	providerRequestDurations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aa_provider_request_duration_seconds",
		Help:    "Duration of JSON-RPC requests sent to wallets, bundlers and paymasters",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	providerErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aa_provider_errors_total",
		Help: "Total number of failed JSON-RPC requests",
	}, []string{"method"})

	batchPolls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aa_call_batch_polls_total",
		Help: "Total number of call batch status polls by observed status",
	}, []string{"status"})

	userOpsSubmitted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aa_user_operations_submitted_total",
		Help: "Total number of user operations handed to a bundler",
	}, []string{"chain_id"})

	userOpsCompleted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aa_user_operations_completed_total",
		Help: "Total number of user operations with a receipt",
	}, []string{"chain_id", "success"})

	collectors := []prometheus.Collector{providerRequestDurations, providerErrors, batchPolls, userOpsSubmitted, userOpsCompleted}
	if err := registerMetrics(reg, collectors...); err != nil {
		l.Sugar().Warnw("using noop collector as metric registration failed", "error", err)
		return NewNoopCollector()
	}

	return &PrometheusCollector{
		providerRequestDurations: providerRequestDurations,
		providerErrors:           providerErrors,
		batchPolls:               batchPolls,
		userOpsSubmitted:         userOpsSubmitted,
		userOpsCompleted:         userOpsCompleted,
	}
}

func registerMetrics(reg prometheus.Registerer, collectors ...prometheus.Collector) error {
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (c *PrometheusCollector) ProviderRequest(method string, start time.Time, err error) {
	c.providerRequestDurations.With(prometheus.Labels{"method": method}).Observe(time.Since(start).Seconds())
	if err != nil {
		c.providerErrors.With(prometheus.Labels{"method": method}).Inc()
	}
}

func (c *PrometheusCollector) BatchStatusPolled(status string) {
	c.batchPolls.With(prometheus.Labels{"status": status}).Inc()
}

func (c *PrometheusCollector) UserOperationSubmitted(chainID uint64) {
	c.userOpsSubmitted.With(prometheus.Labels{"chain_id": strconv.FormatUint(chainID, 10)}).Inc()
}

func (c *PrometheusCollector) UserOperationCompleted(chainID uint64, success bool) {
	c.userOpsCompleted.With(prometheus.Labels{
		"chain_id": strconv.FormatUint(chainID, 10),
		"success":  strconv.FormatBool(success),
	}).Inc()
}

// Handler exposes the metrics gathered by g in the prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
