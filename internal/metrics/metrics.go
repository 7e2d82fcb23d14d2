// Package metrics exposes the Prometheus collectors the core's modules
// report through, alongside each module's own get_status text output.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PacketsProcessedTotal counts packets a module's Process accepted,
	// labeled by the module's own name.
	PacketsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "captool_packets_processed_total",
			Help: "Total number of packets accepted by a pipeline module.",
		},
		[]string{"module"},
	)

	// PacketsDroppedTotal counts packets a module rejected, labeled by the
	// module and a short reason string (e.g. "short_header", "zero_src").
	PacketsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "captool_packets_dropped_total",
			Help: "Total number of packets dropped by a pipeline module.",
		},
		[]string{"module", "reason"},
	)

	// ProtocolBytesTotal accumulates IP total_length bytes (header
	// included) per IP protocol number, mirroring the IP decoder's
	// per-protocol traffic counters.
	ProtocolBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "captool_ip_protocol_bytes_total",
			Help: "Total bytes observed per IP protocol number.",
		},
		[]string{"protocol"},
	)

	// FragmentGroupsActive tracks how many fragment groups a Fragment
	// Store currently holds.
	FragmentGroupsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "captool_fragment_groups_active",
			Help: "Number of in-flight IP fragment groups awaiting reassembly.",
		},
	)

	// FragmentsDroppedTotal counts fragments refused by the Fragment
	// Store, labeled by reason. The IP decoder reports "capacity_or_allocator",
	// since a Dropped outcome does not say which of the two occurred.
	FragmentsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "captool_fragments_dropped_total",
			Help: "Total number of IP fragments dropped by the Fragment Store.",
		},
		[]string{"reason"},
	)

	// FlowsActive tracks the number of distinct flows a Tracker holds.
	FlowsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "captool_flows_active",
			Help: "Number of flows currently tracked.",
		},
	)
)
