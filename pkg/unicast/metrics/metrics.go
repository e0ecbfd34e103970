// Package metrics exposes a Layer's observables (spec §6.4) as a
// prometheus.Collector. Shaped after runZeroInc-sockstats's
// pkg/exporter.TCPInfoCollector: a fixed set of *prometheus.Desc built once,
// a Collect that walks live entries and emits one metric per entity per
// description, alongside the global counters.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Source is the subset of Layer's exported surface the collector needs.
// Scalar returns only, so any Layer[A] instantiation satisfies this without
// metrics importing unicast's struct types (and unicast needn't import
// metrics either).
type Source[A comparable] interface {
	Peers() []A
	PeerWindowStats(addr A) (sendSize, sendMissing, recvSize, recvMissing int, ok bool)
	PeerTableCounters(addr A) (
		sendCompactions, sendMoves, sendResizes, sendPurges uint64, hasSend bool,
		recvCompactions, recvMoves, recvResizes, recvPurges uint64, hasRecv bool,
	)
	ConnectionCount() (senders, receivers int)
	GlobalCounters() (
		messagesSent, messagesReceived, acksSent, acksReceived,
		retransmissions, xmitReqsSent, xmitReqsReceived, xmitRespsSent int64,
	)
}

// AddrLabeler renders an address as the Prometheus label value for
// per-peer metrics.
type AddrLabeler[A comparable] func(A) string

// Collector is a prometheus.Collector over a Layer's observables.
type Collector[A comparable] struct {
	src     Source[A]
	labeler AddrLabeler[A]

	sendWindowSize   *prometheus.Desc
	sendMissing      *prometheus.Desc
	recvWindowSize   *prometheus.Desc
	recvMissing      *prometheus.Desc
	sendCompactions  *prometheus.Desc
	sendMoves        *prometheus.Desc
	sendResizes      *prometheus.Desc
	sendPurges       *prometheus.Desc
	recvCompactions  *prometheus.Desc
	recvMoves        *prometheus.Desc
	recvResizes      *prometheus.Desc
	recvPurges       *prometheus.Desc
	connectionsDesc  *prometheus.Desc
	messagesSent     *prometheus.Desc
	messagesReceived *prometheus.Desc
	acksSent         *prometheus.Desc
	acksReceived     *prometheus.Desc
	retransmissions  *prometheus.Desc
	xmitReqsSent     *prometheus.Desc
	xmitReqsReceived *prometheus.Desc
	xmitRespsSent    *prometheus.Desc
}

// NewCollector builds a Collector for src. prefix namespaces every metric
// name (e.g. "unicast"); labeler renders a peer address as a label value
// (e.g. net.Addr.String).
func NewCollector[A comparable](src Source[A], prefix string, labeler AddrLabeler[A]) *Collector[A] {
	peerLabels := []string{"peer"}
	name := func(suffix string) string { return fmt.Sprintf("%s_%s", prefix, suffix) }
	return &Collector[A]{
		src:     src,
		labeler: labeler,

		sendWindowSize:  prometheus.NewDesc(name("send_window_size"), "Messages currently buffered in a peer's outbox.", peerLabels, nil),
		sendMissing:     prometheus.NewDesc(name("send_window_missing"), "Always zero; kept symmetric with recv_window_missing.", peerLabels, nil),
		recvWindowSize:  prometheus.NewDesc(name("recv_window_size"), "Messages currently buffered in a peer's inbox.", peerLabels, nil),
		recvMissing:     prometheus.NewDesc(name("recv_window_missing"), "Gaps currently outstanding in a peer's inbox.", peerLabels, nil),
		sendCompactions: prometheus.NewDesc(name("send_window_compactions_total"), "Outbox compaction passes.", peerLabels, nil),
		sendMoves:       prometheus.NewDesc(name("send_window_moves_total"), "Outbox rows shifted by compaction.", peerLabels, nil),
		sendResizes:     prometheus.NewDesc(name("send_window_resizes_total"), "Outbox row-count growths.", peerLabels, nil),
		sendPurges:      prometheus.NewDesc(name("send_window_purges_total"), "Outbox purge operations (acked ranges dropped).", peerLabels, nil),
		recvCompactions: prometheus.NewDesc(name("recv_window_compactions_total"), "Inbox compaction passes.", peerLabels, nil),
		recvMoves:       prometheus.NewDesc(name("recv_window_moves_total"), "Inbox rows shifted by compaction.", peerLabels, nil),
		recvResizes:     prometheus.NewDesc(name("recv_window_resizes_total"), "Inbox row-count growths.", peerLabels, nil),
		recvPurges:      prometheus.NewDesc(name("recv_window_purges_total"), "Inbox purge operations (delivered ranges dropped).", peerLabels, nil),
		connectionsDesc: prometheus.NewDesc(name("connections"), "Live connection entries by role.", []string{"role"}, nil),

		messagesSent:     prometheus.NewDesc(name("messages_sent_total"), "DATA messages sent.", nil, nil),
		messagesReceived: prometheus.NewDesc(name("messages_received_total"), "DATA messages received.", nil, nil),
		acksSent:         prometheus.NewDesc(name("acks_sent_total"), "ACKs sent.", nil, nil),
		acksReceived:     prometheus.NewDesc(name("acks_received_total"), "ACKs received.", nil, nil),
		retransmissions:  prometheus.NewDesc(name("retransmissions_total"), "Messages resent, for any reason.", nil, nil),
		xmitReqsSent:     prometheus.NewDesc(name("xmit_reqs_sent_total"), "XMIT_REQ messages sent.", nil, nil),
		xmitReqsReceived: prometheus.NewDesc(name("xmit_reqs_received_total"), "XMIT_REQ messages received.", nil, nil),
		xmitRespsSent:    prometheus.NewDesc(name("xmit_resps_sent_total"), "Retransmitted DATA messages sent in response to an XMIT_REQ.", nil, nil),
	}
}

func (c *Collector[A]) Describe(descs chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.sendWindowSize, c.sendMissing, c.recvWindowSize, c.recvMissing,
		c.sendCompactions, c.sendMoves, c.sendResizes, c.sendPurges,
		c.recvCompactions, c.recvMoves, c.recvResizes, c.recvPurges,
		c.connectionsDesc,
		c.messagesSent, c.messagesReceived, c.acksSent, c.acksReceived,
		c.retransmissions, c.xmitReqsSent, c.xmitReqsReceived, c.xmitRespsSent,
	} {
		descs <- d
	}
}

func (c *Collector[A]) Collect(metrics chan<- prometheus.Metric) {
	for _, addr := range c.src.Peers() {
		label := c.labeler(addr)
		if sendSize, sendMissing, recvSize, recvMissing, ok := c.src.PeerWindowStats(addr); ok {
			metrics <- prometheus.MustNewConstMetric(c.sendWindowSize, prometheus.GaugeValue, float64(sendSize), label)
			metrics <- prometheus.MustNewConstMetric(c.sendMissing, prometheus.GaugeValue, float64(sendMissing), label)
			metrics <- prometheus.MustNewConstMetric(c.recvWindowSize, prometheus.GaugeValue, float64(recvSize), label)
			metrics <- prometheus.MustNewConstMetric(c.recvMissing, prometheus.GaugeValue, float64(recvMissing), label)
		}
		sc, sm, sr, sp, hasSend, rc, rm, rr, rp, hasRecv := c.src.PeerTableCounters(addr)
		if hasSend {
			metrics <- prometheus.MustNewConstMetric(c.sendCompactions, prometheus.CounterValue, float64(sc), label)
			metrics <- prometheus.MustNewConstMetric(c.sendMoves, prometheus.CounterValue, float64(sm), label)
			metrics <- prometheus.MustNewConstMetric(c.sendResizes, prometheus.CounterValue, float64(sr), label)
			metrics <- prometheus.MustNewConstMetric(c.sendPurges, prometheus.CounterValue, float64(sp), label)
		}
		if hasRecv {
			metrics <- prometheus.MustNewConstMetric(c.recvCompactions, prometheus.CounterValue, float64(rc), label)
			metrics <- prometheus.MustNewConstMetric(c.recvMoves, prometheus.CounterValue, float64(rm), label)
			metrics <- prometheus.MustNewConstMetric(c.recvResizes, prometheus.CounterValue, float64(rr), label)
			metrics <- prometheus.MustNewConstMetric(c.recvPurges, prometheus.CounterValue, float64(rp), label)
		}
	}

	senders, receivers := c.src.ConnectionCount()
	metrics <- prometheus.MustNewConstMetric(c.connectionsDesc, prometheus.GaugeValue, float64(senders), "sender")
	metrics <- prometheus.MustNewConstMetric(c.connectionsDesc, prometheus.GaugeValue, float64(receivers), "receiver")

	messagesSent, messagesReceived, acksSent, acksReceived, retransmissions, xmitReqsSent, xmitReqsReceived, xmitRespsSent := c.src.GlobalCounters()
	metrics <- prometheus.MustNewConstMetric(c.messagesSent, prometheus.CounterValue, float64(messagesSent))
	metrics <- prometheus.MustNewConstMetric(c.messagesReceived, prometheus.CounterValue, float64(messagesReceived))
	metrics <- prometheus.MustNewConstMetric(c.acksSent, prometheus.CounterValue, float64(acksSent))
	metrics <- prometheus.MustNewConstMetric(c.acksReceived, prometheus.CounterValue, float64(acksReceived))
	metrics <- prometheus.MustNewConstMetric(c.retransmissions, prometheus.CounterValue, float64(retransmissions))
	metrics <- prometheus.MustNewConstMetric(c.xmitReqsSent, prometheus.CounterValue, float64(xmitReqsSent))
	metrics <- prometheus.MustNewConstMetric(c.xmitReqsReceived, prometheus.CounterValue, float64(xmitReqsReceived))
	metrics <- prometheus.MustNewConstMetric(c.xmitRespsSent, prometheus.CounterValue, float64(xmitRespsSent))
}
