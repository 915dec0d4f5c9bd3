// Package metrics 配网任务的 Prometheus 指标
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry 独立注册表，避免与默认注册表上的其他组件冲突
	Registry = prometheus.NewRegistry()

	tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pynq",
			Subsystem: "provision",
			Name:      "tasks_total",
			Help:      "Total number of provision tasks by final status",
		},
		[]string{"status"},
	)

	taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pynq",
			Subsystem: "provision",
			Name:      "task_duration_seconds",
			Help:      "Duration of provision tasks in seconds",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~8.5min
		},
		[]string{"status"},
	)

	loginDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pynq",
			Subsystem: "serial",
			Name:      "login_duration_seconds",
			Help:      "Time from port open to authenticated shell prompt",
			Buckets:   prometheus.LinearBuckets(1, 2, 12),
		},
		[]string{"result"},
	)

	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pynq",
			Subsystem: "serial",
			Name:      "active_sessions",
			Help:      "Number of serial sessions currently open",
		},
	)

	serialBytesRead = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pynq",
			Subsystem: "serial",
			Name:      "bytes_read_total",
			Help:      "Raw bytes read from serial consoles",
		},
	)

	remoteCommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pynq",
			Subsystem: "remote",
			Name:      "commands_total",
			Help:      "Remote commands executed after handoff by result",
		},
		[]string{"result"},
	)
)

func init() {
	Registry.MustRegister(
		tasksTotal,
		taskDuration,
		loginDuration,
		activeSessions,
		serialBytesRead,
		remoteCommandsTotal,
	)
}

// RecordTask 任务结束
func RecordTask(status string, seconds float64) {
	tasksTotal.WithLabelValues(status).Inc()
	taskDuration.WithLabelValues(status).Observe(seconds)
}

// RecordLogin 登录耗时，result 为 ok / timeout / error
func RecordLogin(result string, seconds float64) {
	loginDuration.WithLabelValues(result).Observe(seconds)
}

// SessionOpened / SessionClosed 维护活跃会话数
func SessionOpened() { activeSessions.Inc() }

func SessionClosed() { activeSessions.Dec() }

// AddSerialBytes 累计读取字节
func AddSerialBytes(n int64) {
	if n > 0 {
		serialBytesRead.Add(float64(n))
	}
}

// RecordRemoteCommand 远程命令结果
func RecordRemoteCommand(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	remoteCommandsTotal.WithLabelValues(result).Inc()
}

// Handler /metrics 处理器
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
