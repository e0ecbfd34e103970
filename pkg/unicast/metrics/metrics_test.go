package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct{}

func (fakeSource) Peers() []string { return []string{"peer-a"} }

func (fakeSource) PeerWindowStats(addr string) (sendSize, sendMissing, recvSize, recvMissing int, ok bool) {
	return 3, 1, 5, 2, true
}

func (fakeSource) PeerTableCounters(addr string) (
	sendCompactions, sendMoves, sendResizes, sendPurges uint64, hasSend bool,
	recvCompactions, recvMoves, recvResizes, recvPurges uint64, hasRecv bool,
) {
	return 1, 2, 3, 4, true, 5, 6, 7, 8, true
}

func (fakeSource) ConnectionCount() (senders, receivers int) { return 1, 1 }

func (fakeSource) GlobalCounters() (
	messagesSent, messagesReceived, acksSent, acksReceived,
	retransmissions, xmitReqsSent, xmitReqsReceived, xmitRespsSent int64,
) {
	return 10, 9, 8, 7, 1, 2, 3, 4
}

func TestCollectorRegistersAndCollects(t *testing.T) {
	c := NewCollector[string](fakeSource{}, "unicast_test", func(s string) string { return s })

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(c))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)

	var sawConnections bool
	for _, f := range families {
		if f.GetName() == "unicast_test_connections" {
			sawConnections = true
			assert.Len(t, f.GetMetric(), 2) // sender + receiver role
		}
	}
	assert.True(t, sawConnections)
}
