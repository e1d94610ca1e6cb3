// Package metrics wraps a prometheus.Registry as a single explicit,
// construction-injected dependency. No package-level default registry is
// used anywhere in this module: every component that records a metric
// takes a *Registry (or one of its narrow recorder interfaces) at
// construction time, per spec.md §9's redesign note against global
// metrics singletons. Grounded on Klickk-SecuMSG-Server's use of
// prometheus/client_golang for simple request counters, generalized into
// the handful of counters/histograms this pipeline's components need.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/relaymesh/delivery/domain"
)

type Registry struct {
	reg *prometheus.Registry

	pushLatency      *prometheus.HistogramVec
	queueDepth       *prometheus.GaugeVec
	deliveriesTotal  *prometheus.CounterVec
	persistedTotal   prometheus.Counter
	pushAttemptsTotal *prometheus.CounterVec
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		pushLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "delivery_push_latency_seconds",
			Help:    "Time between a device's queue becoming non-empty and delivery being confirmed.",
			Buckets: prometheus.DefBuckets,
		}, []string{"platform"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "delivery_queue_depth",
			Help: "Number of times a device's queue went from empty to non-empty.",
		}, []string{"device_id"}),
		deliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "delivery_deliveries_total",
			Help: "Count of delivery outcomes by path.",
		}, []string{"path"}),
		persistedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "delivery_messages_persisted_total",
			Help: "Count of envelopes moved from cache to durable storage.",
		}),
		pushAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "delivery_push_attempts_total",
			Help: "Count of push fallback attempts by platform and outcome.",
		}, []string{"platform", "outcome"}),
	}
	reg.MustRegister(r.pushLatency, r.queueDepth, r.deliveriesTotal, r.persistedTotal, r.pushAttemptsTotal)
	return r
}

func (r *Registry) Prometheus() *prometheus.Registry { return r.reg }

func (r *Registry) RecordDelivery(path string) {
	r.deliveriesTotal.WithLabelValues(path).Inc()
}

func (r *Registry) RecordPersisted(n int) {
	r.persistedTotal.Add(float64(n))
}

func (r *Registry) RecordPushAttempt(platform, outcome string) {
	r.pushAttemptsTotal.WithLabelValues(platform, outcome).Inc()
}

// firstInsertRecorder adapts Registry to messages.PushLatencyRecorder
// without messages importing metrics (metrics imports domain only, never
// the other way around).
type firstInsertRecorder struct {
	r *Registry
}

func (f firstInsertRecorder) RecordFirstInsert(device domain.DeviceKey) {
	f.r.queueDepth.WithLabelValues(device.AccountUUID.String() + ":" + strconv.FormatUint(uint64(device.DeviceID), 10)).Inc()
}

func (r *Registry) PushLatencyRecorder() interface{ RecordFirstInsert(domain.DeviceKey) } {
	return firstInsertRecorder{r: r}
}
