package subbuf

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "subbuf"

type allocatorMetrics struct {
	allocations      prometheus.Counter
	releases         prometheus.Counter
	growsInPlace     prometheus.Counter
	relocations      prometheus.Counter
	relocatedBytes   prometheus.Counter
	buffers          prometheus.Gauge
	bufferBytes      prometheus.Gauge
	allocatedBytes   prometheus.Gauge
	liveSubBuffers   prometheus.Gauge
	rejectedRequests *prometheus.CounterVec
}

// newAllocatorMetrics creates the allocator's metrics and registers them with reg. A nil reg leaves
// them unregistered.
func newAllocatorMetrics(reg prometheus.Registerer) *allocatorMetrics {
	factory := promauto.With(reg)

	return &allocatorMetrics{
		allocations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "allocations_total",
			Help:      "Total number of sub-buffers allocated, including those allocated to relocate a growing sub-buffer.",
		}),
		releases: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "releases_total",
			Help:      "Total number of sub-buffers released, including the old ranges of relocated sub-buffers.",
		}),
		growsInPlace: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "grows_in_place_total",
			Help:      "Total number of grow requests satisfied without moving the sub-buffer.",
		}),
		relocations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "relocations_total",
			Help:      "Total number of grow requests that moved the sub-buffer with a device copy.",
		}),
		relocatedBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "relocated_bytes_total",
			Help:      "Total number of bytes copied on the device to relocate growing sub-buffers.",
		}),
		buffers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "buffers",
			Help:      "Number of backing buffer objects.",
		}),
		bufferBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "buffer_bytes",
			Help:      "Total capacity of the backing buffer objects in bytes.",
		}),
		allocatedBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "allocated_bytes",
			Help:      "Number of bytes leased to live sub-buffers.",
		}),
		liveSubBuffers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "live_sub_buffers",
			Help:      "Number of live sub-buffers.",
		}),
		rejectedRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rejected_requests_total",
			Help:      "Total number of grow and release requests that were ignored because they were invalid.",
		}, []string{"operation", "reason"}),
	}
}

func (m *allocatorMetrics) bufferCreated(capacity int) {
	m.buffers.Inc()
	m.bufferBytes.Add(float64(capacity))
}

func (m *allocatorMetrics) bufferDestroyed(capacity int) {
	m.buffers.Dec()
	m.bufferBytes.Sub(float64(capacity))
}

func (m *allocatorMetrics) allocated(size int) {
	m.allocations.Inc()
	m.liveSubBuffers.Inc()
	m.allocatedBytes.Add(float64(size))
}

func (m *allocatorMetrics) released(size int) {
	m.releases.Inc()
	m.liveSubBuffers.Dec()
	m.allocatedBytes.Sub(float64(size))
}

func (m *allocatorMetrics) grewInPlace(oldSize, newSize int) {
	m.growsInPlace.Inc()
	m.allocatedBytes.Add(float64(newSize - oldSize))
}

func (m *allocatorMetrics) relocated(copiedBytes int) {
	m.relocations.Inc()
	m.relocatedBytes.Add(float64(copiedBytes))
}

func (m *allocatorMetrics) rejected(operation, reason string) {
	m.rejectedRequests.WithLabelValues(operation, reason).Inc()
}
