// Package metrics exports mesh statistics as Prometheus metrics.
//
// The collector reads a statistics snapshot on every scrape, so it adds no
// cost to the transport hot path.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/localrivet/midimesh"
)

// StatisticsSource supplies the statistics snapshot. Implemented by
// *midimesh.Mesh.
type StatisticsSource interface {
	Statistics() midimesh.Statistics
}

type metricSpec struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
	supplier  func(s midimesh.Statistics) float64
}

// MeshCollector implements prometheus.Collector over a mesh node.
type MeshCollector struct {
	source StatisticsSource
	specs  []metricSpec
}

// NewMeshCollector creates a collector for the given node. constLabels is
// meant for labels with values constant for the whole process (for example
// the node name).
func NewMeshCollector(source StatisticsSource, constLabels prometheus.Labels) *MeshCollector {
	c := &MeshCollector{source: source}
	c.addSpecs(constLabels)
	return c
}

func (c *MeshCollector) addSpecs(constLabels prometheus.Labels) {
	counter := func(name, help string, supplier func(s midimesh.Statistics) float64) {
		c.specs = append(c.specs, metricSpec{
			desc:      prometheus.NewDesc(name, help, nil, constLabels),
			valueType: prometheus.CounterValue,
			supplier:  supplier,
		})
	}
	gauge := func(name, help string, supplier func(s midimesh.Statistics) float64) {
		c.specs = append(c.specs, metricSpec{
			desc:      prometheus.NewDesc(name, help, nil, constLabels),
			valueType: prometheus.GaugeValue,
			supplier:  supplier,
		})
	}

	counter("midimesh_packets_sent_total", "Packets transmitted by the endpoint.",
		func(s midimesh.Statistics) float64 { return float64(s.Endpoint.PacketsSent) })
	counter("midimesh_packets_received_total", "Packets received and parsed by the endpoint.",
		func(s midimesh.Statistics) float64 { return float64(s.Endpoint.PacketsReceived) })
	counter("midimesh_bytes_sent_total", "Bytes transmitted by the endpoint.",
		func(s midimesh.Statistics) float64 { return float64(s.Endpoint.BytesSent) })
	counter("midimesh_bytes_received_total", "Bytes received by the endpoint.",
		func(s midimesh.Statistics) float64 { return float64(s.Endpoint.BytesReceived) })
	counter("midimesh_checksum_failures_total", "Datagrams dropped for integrity failure.",
		func(s midimesh.Statistics) float64 { return float64(s.Endpoint.ChecksumFailures) })
	counter("midimesh_parse_failures_total", "Datagrams dropped as malformed.",
		func(s midimesh.Statistics) float64 { return float64(s.Endpoint.ParseFailures) })
	counter("midimesh_send_failures_total", "Transmissions that failed at the OS level.",
		func(s midimesh.Statistics) float64 { return float64(s.Endpoint.SendFailures) })

	counter("midimesh_reliable_sent_total", "Reliable sends initiated.",
		func(s midimesh.Statistics) float64 { return float64(s.Reliability.PacketsSent) })
	counter("midimesh_retransmissions_total", "Retransmissions of reliable packets.",
		func(s midimesh.Statistics) float64 { return float64(s.Reliability.Retransmissions) })
	counter("midimesh_acks_received_total", "Acknowledgments matched to pending sends.",
		func(s midimesh.Statistics) float64 { return float64(s.Reliability.AcksReceived) })
	counter("midimesh_reliable_timeouts_total", "Reliable sends failed after exhausting retries.",
		func(s midimesh.Statistics) float64 { return float64(s.Reliability.Timeouts) })
	gauge("midimesh_reliable_pending", "Reliable sends awaiting acknowledgment.",
		func(s midimesh.Statistics) float64 { return float64(s.Reliability.Pending) })

	counter("midimesh_delivered_total", "DATA packets delivered in order.",
		func(s midimesh.Statistics) float64 { return float64(s.Reorder.Delivered) })
	gauge("midimesh_reorder_buffered_peak", "Peak number of buffered out-of-order packets.",
		func(s midimesh.Statistics) float64 { return float64(s.Reorder.BufferedPeak) })
	counter("midimesh_gap_forced_drops_total", "Packets dropped by gap-forced advance.",
		func(s midimesh.Statistics) float64 { return float64(s.Reorder.GapForcedDrops) })
	counter("midimesh_capacity_drops_total", "Packets evicted from a full reorder buffer.",
		func(s midimesh.Statistics) float64 { return float64(s.Reorder.CapacityDrops) })
	counter("midimesh_duplicate_drops_total", "Duplicate or stale packets dropped.",
		func(s midimesh.Statistics) float64 { return float64(s.Reorder.DuplicateDrops) })

	gauge("midimesh_peers", "Currently known peers.",
		func(s midimesh.Statistics) float64 { return float64(s.PeerCount) })
}

// Describe implements prometheus.Collector.
func (c *MeshCollector) Describe(descs chan<- *prometheus.Desc) {
	for _, spec := range c.specs {
		descs <- spec.desc
	}
}

// Collect implements prometheus.Collector.
func (c *MeshCollector) Collect(metrics chan<- prometheus.Metric) {
	s := c.source.Statistics()
	for _, spec := range c.specs {
		metrics <- prometheus.MustNewConstMetric(spec.desc, spec.valueType, spec.supplier(s))
	}
}

var _ prometheus.Collector = (*MeshCollector)(nil)
