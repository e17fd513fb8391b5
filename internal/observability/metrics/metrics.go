// Package metrics 以 Prometheus 格式暴露作业生命周期与 HTTP 指标。
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agentmarket"

// Metrics 持有独立的注册表，避免测试之间互相污染全局默认注册表。
type Metrics struct {
	registry      *prometheus.Registry
	transitions   *prometheus.CounterVec
	drops         *prometheus.CounterVec
	verifications *prometheus.CounterVec
	payments      *prometheus.CounterVec
	purged        prometheus.Counter
	httpRequests  *prometheus.CounterVec
	httpLatency   *prometheus.HistogramVec
}

// New 创建并注册全部指标。
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_transitions_total",
			Help:      "Job state transitions by agent role and target status.",
		}, []string{"role", "status"}),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_drops_total",
			Help:      "Messages silently dropped at the protocol boundary.",
		}, []string{"role", "reason"}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verifications_total",
			Help:      "Receipt verifications by task type and outcome.",
		}, []string{"task", "outcome"}),
		payments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payments_total",
			Help:      "Settlement transfers by rail, kind and result.",
		}, []string{"rail", "kind", "result"}),
		purged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_purged_total",
			Help:      "Terminal jobs removed by the retention loop.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.transitions, m.drops, m.verifications, m.payments, m.purged,
		m.httpRequests, m.httpLatency,
	)
	return m
}

// ObserveTransition 记录一次状态迁移。
func (m *Metrics) ObserveTransition(role, status string) {
	m.transitions.WithLabelValues(role, status).Inc()
}

// ObserveDrop 记录一次静默丢弃。
func (m *Metrics) ObserveDrop(role, reason string) {
	m.drops.WithLabelValues(role, reason).Inc()
}

// ObserveVerification 记录校验结果。
func (m *Metrics) ObserveVerification(task string, verified bool) {
	outcome := "rejected"
	if verified {
		outcome = "verified"
	}
	m.verifications.WithLabelValues(task, outcome).Inc()
}

// ObservePayment 记录一次转账。kind 为 payment 或 bond，result 为 success 或错误码。
func (m *Metrics) ObservePayment(rail, kind, result string) {
	m.payments.WithLabelValues(rail, kind, result).Inc()
}

// ObservePurge 记录清理的作业数量。
func (m *Metrics) ObservePurge(removed int64) {
	if removed > 0 {
		m.purged.Add(float64(removed))
	}
}

// ObserveHTTPRequest 记录一次 HTTP 请求。
func (m *Metrics) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	m.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	m.httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// Registry 返回底层注册表。
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler 以 Prometheus 文本格式输出指标。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer 启动只暴露 /metrics 的独立 HTTP 服务。
func (m *Metrics) StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
