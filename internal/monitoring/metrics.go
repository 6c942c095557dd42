package monitoring

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标
type Metrics struct {
	// 入站邮件指标
	MessagesReceivedTotal prometheus.Counter
	MessagesRoutedTotal   prometheus.Counter
	MessagesDroppedTotal  *prometheus.CounterVec

	// 出站投递指标
	DeliveriesTotal           *prometheus.CounterVec
	DeliveryRetriesTotal      prometheus.Counter
	AttachmentsForwardedTotal prometheus.Counter
	AttachmentFailuresTotal   prometheus.Counter

	// 注册表指标
	BindingsActive prometheus.Gauge

	// SMTP 连接指标
	SMTPConnectionsRejectedTotal prometheus.Counter
}

var (
	metricsOnce sync.Once
	metrics     *Metrics
)

// NewMetrics 创建监控指标。
//
// promauto 会向全局 Registry 注册指标，重复注册会 panic，
// 因此进程内只构建一次并复用同一实例。
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		metrics = &Metrics{
			MessagesReceivedTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "telemail_messages_received_total",
					Help: "Total number of inbound SMTP messages accepted",
				},
			),
			MessagesRoutedTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "telemail_messages_routed_total",
					Help: "Total number of inbound messages routed to a session",
				},
			),
			MessagesDroppedTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "telemail_messages_dropped_total",
					Help: "Total number of inbound messages dropped",
				},
				[]string{"reason"},
			),
			DeliveriesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "telemail_deliveries_total",
					Help: "Total number of outbound deliveries by result",
				},
				[]string{"result"},
			),
			DeliveryRetriesTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "telemail_delivery_retries_total",
					Help: "Total number of outbound send retries",
				},
			),
			AttachmentsForwardedTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "telemail_attachments_forwarded_total",
					Help: "Total number of attachments forwarded successfully",
				},
			),
			AttachmentFailuresTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "telemail_attachment_failures_total",
					Help: "Total number of attachments that exhausted retries",
				},
			),
			BindingsActive: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "telemail_bindings_active",
					Help: "Number of active mailbox bindings",
				},
			),
			SMTPConnectionsRejectedTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "telemail_smtp_connections_rejected_total",
					Help: "Total number of SMTP connections rejected by the limiter",
				},
			),
		}
	})
	return metrics
}

// HTTPHandler 返回 Prometheus 指标端点处理器。
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.Handler()
}
