// Package metrics exposes postoffice's Prometheus metrics: a fixed set of
// collectors registered once at startup and a single HTTP handler for
// Prometheus to scrape.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every collector postoffice exposes. Construct one with New;
// cmd/postoffice hands it to the gateway and feeds a few collectors from the
// worker pool and resource guard callbacks. Several collectors are
// registered but not updated anywhere.
type Metrics struct {
	// Gateway connections
	ConnectionsTotal  prometheus.Counter
	ConnectionsActive prometheus.Gauge
	ConnectionsMax    prometheus.Gauge
	ConnectionsFailed *prometheus.CounterVec // reason

	// Gateway messages
	MessagesSent     prometheus.Counter
	MessagesReceived prometheus.Counter
	BytesSent        prometheus.Counter
	BytesReceived    prometheus.Counter

	// Pub/sub core
	SubscriptionsActive *prometheus.GaugeVec // namespace: exact|pattern|filter
	PublishesTotal      *prometheus.CounterVec // scope
	DeliveriesTotal     prometheus.Counter
	DeliveriesDropped   prometheus.Counter

	// Worker pool
	WorkerQueueDepth       prometheus.Gauge
	WorkerQueueCapacity    prometheus.Gauge
	WorkerTasksDropped     prometheus.Counter

	// Cluster
	ClusterFramesSent     *prometheus.CounterVec // frame_type
	ClusterFramesReceived *prometheus.CounterVec // frame_type
	ClusterChildrenActive prometheus.Gauge

	// Engines
	EngineMessagesReceived *prometheus.CounterVec // engine
	EngineMessagesDropped  *prometheus.CounterVec // engine

	// Resource guard
	MemoryUsageBytes prometheus.Gauge
	MemoryLimitBytes prometheus.Gauge
	CPUUsagePercent  prometheus.Gauge
	GoroutinesActive prometheus.Gauge
	CapacityRejections *prometheus.CounterVec // reason
	ConnRateLimited    *prometheus.CounterVec // scope: global|per_ip

	// Errors
	ErrorsTotal *prometheus.CounterVec // type
}

// New builds and registers every collector against reg. Both tests and
// cmd/postoffice pass a fresh prometheus.NewRegistry(), which avoids the
// global default registry's duplicate-registration panics; the binary then
// serves that same registry through Handler.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "postoffice_connections_total",
			Help: "Total number of gateway connections established",
		}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "postoffice_connections_active",
			Help: "Current number of active gateway connections",
		}),
		ConnectionsMax: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "postoffice_connections_max",
			Help: "Maximum allowed gateway connections",
		}),
		ConnectionsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postoffice_connections_failed_total",
			Help: "Total failed connection attempts by reason",
		}, []string{"reason"}),

		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "postoffice_messages_sent_total",
			Help: "Total messages sent to gateway clients",
		}),
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "postoffice_messages_received_total",
			Help: "Total messages received from gateway clients",
		}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "postoffice_bytes_sent_total",
			Help: "Total bytes sent to gateway clients",
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "postoffice_bytes_received_total",
			Help: "Total bytes received from gateway clients",
		}),

		SubscriptionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "postoffice_subscriptions_active",
			Help: "Current subscriptions by namespace",
		}, []string{"namespace"}),
		PublishesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postoffice_publishes_total",
			Help: "Total publish calls by scope",
		}, []string{"scope"}),
		DeliveriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "postoffice_deliveries_total",
			Help: "Total subscriber callback deliveries",
		}),
		DeliveriesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "postoffice_deliveries_dropped_total",
			Help: "Total gateway deliveries dropped by the slow-client disconnect policy",
		}),

		WorkerQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "postoffice_worker_queue_depth",
			Help: "Current number of tasks waiting in the worker pool queue",
		}),
		WorkerQueueCapacity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "postoffice_worker_queue_capacity",
			Help: "Maximum capacity of the worker pool queue",
		}),
		WorkerTasksDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "postoffice_worker_tasks_dropped_total",
			Help: "Total worker pool tasks dropped due to a full queue",
		}),

		ClusterFramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postoffice_cluster_frames_sent_total",
			Help: "Total cluster frames sent by frame type",
		}, []string{"frame_type"}),
		ClusterFramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postoffice_cluster_frames_received_total",
			Help: "Total cluster frames received by frame type",
		}, []string{"frame_type"}),
		ClusterChildrenActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "postoffice_cluster_children_active",
			Help: "Current number of worker links connected to the root",
		}),

		EngineMessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postoffice_engine_messages_received_total",
			Help: "Total messages received from external engines",
		}, []string{"engine"}),
		EngineMessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postoffice_engine_messages_dropped_total",
			Help: "Total engine messages dropped due to backpressure",
		}, []string{"engine"}),

		MemoryUsageBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "postoffice_memory_bytes",
			Help: "Current process memory usage in bytes",
		}),
		MemoryLimitBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "postoffice_memory_limit_bytes",
			Help: "Configured memory limit in bytes",
		}),
		CPUUsagePercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "postoffice_cpu_usage_percent",
			Help: "Current CPU usage relative to allocation",
		}),
		GoroutinesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "postoffice_goroutines_active",
			Help: "Current number of active goroutines",
		}),
		CapacityRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postoffice_capacity_rejections_total",
			Help: "Total connection rejections by reason",
		}, []string{"reason"}),
		ConnRateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postoffice_conn_rate_limited_total",
			Help: "Total connections rejected by the rate limiter",
		}, []string{"scope"}),

		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postoffice_errors_total",
			Help: "Total errors by type",
		}, []string{"type"}),
	}

	reg.MustRegister(
		m.ConnectionsTotal, m.ConnectionsActive, m.ConnectionsMax, m.ConnectionsFailed,
		m.MessagesSent, m.MessagesReceived, m.BytesSent, m.BytesReceived,
		m.SubscriptionsActive, m.PublishesTotal, m.DeliveriesTotal, m.DeliveriesDropped,
		m.WorkerQueueDepth, m.WorkerQueueCapacity, m.WorkerTasksDropped,
		m.ClusterFramesSent, m.ClusterFramesReceived, m.ClusterChildrenActive,
		m.EngineMessagesReceived, m.EngineMessagesDropped,
		m.MemoryUsageBytes, m.MemoryLimitBytes, m.CPUUsagePercent, m.GoroutinesActive,
		m.CapacityRejections, m.ConnRateLimited,
		m.ErrorsTotal,
	)

	return m
}

// Handler returns the HTTP handler Prometheus scrapes, using the same
// registry passed to New so the handler only ever serves these collectors.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
