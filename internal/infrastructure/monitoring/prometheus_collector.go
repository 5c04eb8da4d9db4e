package monitoring

import (
	"time"

	"atrium/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	// Gauges
	roomsActive    prometheus.Gauge
	peersConnected *prometheus.GaugeVec

	// Counters
	joinsTotal     *prometheus.CounterVec
	evictionsTotal *prometheus.CounterVec
	syncsTotal     *prometheus.CounterVec
	handlerErrors  *prometheus.CounterVec

	// Histograms
	handlerDuration *prometheus.HistogramVec
	sweepDuration   prometheus.Histogram
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		roomsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "atrium_rooms_active",
			Help: "Number of open rooms",
		}),

		peersConnected: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "atrium_peers_connected",
			Help: "Number of connected peers per room",
		}, []string{"room_id"}),

		joinsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "atrium_joins_total",
			Help: "Total number of join requests",
		}, []string{"room_id"}),

		evictionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "atrium_evictions_total",
			Help: "Total number of stale peer evictions",
		}, []string{"room_id"}),

		syncsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "atrium_syncs_total",
			Help: "Total number of sync polls handled",
		}, []string{"room_id"}),

		handlerErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "atrium_handler_errors_total",
			Help: "Total number of signaling handler errors by method and code",
		}, []string{"method", "code"}),

		handlerDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "atrium_handler_duration_seconds",
			Help:    "Latency of signaling request handlers",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"method"}),

		sweepDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "atrium_sweep_duration_seconds",
			Help:    "Duration of eviction sweeps",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
	}
}

func (p *PrometheusCollector) RecordRoomOpened(roomID domain.RoomID) {
	p.roomsActive.Inc()
}

func (p *PrometheusCollector) RecordRoomClosed(roomID domain.RoomID) {
	p.roomsActive.Dec()
	p.peersConnected.DeleteLabelValues(string(roomID))
	p.joinsTotal.DeleteLabelValues(string(roomID))
	p.evictionsTotal.DeleteLabelValues(string(roomID))
	p.syncsTotal.DeleteLabelValues(string(roomID))
}

func (p *PrometheusCollector) RecordPeerJoined(roomID domain.RoomID) {
	p.joinsTotal.WithLabelValues(string(roomID)).Inc()
	p.peersConnected.WithLabelValues(string(roomID)).Inc()
}

func (p *PrometheusCollector) RecordPeerLeft(roomID domain.RoomID) {
	p.peersConnected.WithLabelValues(string(roomID)).Dec()
}

func (p *PrometheusCollector) RecordPeerEvicted(roomID domain.RoomID) {
	p.evictionsTotal.WithLabelValues(string(roomID)).Inc()
	p.peersConnected.WithLabelValues(string(roomID)).Dec()
}

func (p *PrometheusCollector) RecordSync(roomID domain.RoomID) {
	p.syncsTotal.WithLabelValues(string(roomID)).Inc()
}

func (p *PrometheusCollector) RecordHandlerError(method, code string) {
	p.handlerErrors.WithLabelValues(method, code).Inc()
}

func (p *PrometheusCollector) RecordHandlerDuration(method string, duration time.Duration) {
	p.handlerDuration.WithLabelValues(method).Observe(duration.Seconds())
}

func (p *PrometheusCollector) RecordSweepDuration(duration time.Duration) {
	p.sweepDuration.Observe(duration.Seconds())
}
