// Package metrics 暴露 agentos 的 Prometheus 指标。所有采集器注册在包内的
// 独立 Registry 上，避免与引入方的全局默认注册表冲突。
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

const namespace = "agentos"

// Registry 汇总本进程的全部指标。
var Registry = prometheus.NewRegistry()

var (
	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests processed.",
	}, []string{"handler", "method", "code"})

	httpErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_request_errors_total",
		Help:      "Total number of HTTP requests that resulted in a server error.",
	}, []string{"handler", "method"})

	httpLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"handler", "method"})

	hireTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "hire_transitions_total",
		Help:      "Hiring request state transitions.",
	}, []string{"state", "reason"})

	hireSpend = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "hire_spend_usdc_total",
		Help:      "USDC paid to agents through completed hires.",
	}, []string{"agent"})

	escrowHolds = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "escrow_holds_total",
		Help:      "Escrow holds by resulting state.",
	}, []string{"state"})

	escrowHeld = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "escrow_held_usdc",
		Help:      "USDC currently locked in open escrow holds.",
	})

	ledgerEntries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ledger_transactions_total",
		Help:      "Ledger transactions by kind and status.",
	}, []string{"kind", "status"})

	taskStatus = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "task_status_total",
		Help:      "Task status changes observed by the worker pool.",
	}, []string{"status"})

	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "task_queue_depth",
		Help:      "Tasks waiting in the submission queue.",
	})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		httpRequests, httpErrors, httpLatency,
		hireTransitions, hireSpend,
		escrowHolds, escrowHeld,
		ledgerEntries, taskStatus, queueDepth,
	)
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		httpErrors.WithLabelValues(handler, method).Inc()
	}
	httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveHire 记录一次雇佣状态迁移，paid 非零时累计支付金额。
func ObserveHire(state, reason, agentID string, paid float64) {
	hireTransitions.WithLabelValues(state, reason).Inc()
	if paid > 0 && agentID != "" {
		hireSpend.WithLabelValues(agentID).Add(paid)
	}
}

// ObserveHold 记录托管状态变化。opened 为 true 表示新建冻结，否则表示资金解除冻结。
func ObserveHold(state string, amount float64, opened bool) {
	escrowHolds.WithLabelValues(state).Inc()
	if opened {
		escrowHeld.Add(amount)
		return
	}
	escrowHeld.Sub(amount)
}

// ObserveLedger 记录账本写入。
func ObserveLedger(kind, status string) {
	ledgerEntries.WithLabelValues(kind, status).Inc()
}

// ObserveTaskStatus 记录任务状态变化。
func ObserveTaskStatus(status string) {
	taskStatus.WithLabelValues(status).Inc()
}

// SetQueueDepth 更新提交队列深度。
func SetQueueDepth(depth int) {
	queueDepth.Set(float64(depth))
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

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
