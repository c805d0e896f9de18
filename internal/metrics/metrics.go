// Package metrics declares Prometheus metrics covering neighbors,
// MRE/MFC state, BSR/RP election, and the forwarding-agent RPC surface.
// No other package in this module updates them, so they keep their
// initial values.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	LabelVif       = "vif"
	LabelEntryType = "entry_type"
	LabelState     = "state"
	LabelOp        = "op"
	LabelResult    = "result"
)

var (
	Neighbors = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pimsmd_neighbors",
			Help: "Current number of PIM neighbors by vif",
		},
		[]string{LabelVif},
	)

	HelloReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pimsmd_hello_received_total",
			Help: "Count of Hello messages received",
		},
		[]string{LabelVif},
	)

	MREEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pimsmd_mre_entries",
			Help: "Current number of multicast routing entries by type",
		},
		[]string{LabelEntryType},
	)

	MFCEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pimsmd_mfc_entries",
			Help: "Current number of multicast forwarding cache entries",
		},
	)

	RegisterSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pimsmd_register_sent_total",
			Help: "Count of Register messages sent by this router as DR",
		},
	)

	RegisterReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pimsmd_register_received_total",
			Help: "Count of Register messages received by this router as RP",
		},
	)

	RegisterStopSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pimsmd_register_stop_sent_total",
			Help: "Count of Register-Stop messages sent",
		},
	)

	BSRElections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pimsmd_bsr_elections_total",
			Help: "Count of BSR election outcomes by resulting state",
		},
		[]string{LabelState},
	)

	RPCRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pimsmd_rpc_requests_total",
			Help: "Count of RPC calls to the forwarding agent and RIB, by operation and result",
		},
		[]string{LabelOp, LabelResult},
	)

	MalformedPackets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pimsmd_malformed_packets_total",
			Help: "Count of received PIM packets dropped for malformed content, bad checksum, or unknown type, by vif",
		},
		[]string{LabelVif},
	)
)
