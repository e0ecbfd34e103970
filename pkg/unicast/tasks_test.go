package unicast

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telepresenceio/unicast/pkg/unicast/internal/testctx"
)

func TestRetransmitTickFlushesDelayedAck(t *testing.T) {
	ctx := testctx.New(t)
	a, b, _, _ := newTestPair(t)
	bt := b.transport.(*memTransport)

	entry := NewReceiverEntry(0, 1, b.cfg.tableOptions())
	entry.Window.Add(1, msg("x"))
	require.True(t, entry.Window.TryAcquire())
	entry.Window.RemoveMany(true, 10)
	entry.ArmAck()
	b.recvTable.replace("a", entry)

	sentBefore := bt.sent
	b.retransmitTick(ctx)
	assert.Greater(t, bt.sent, sentBefore)
	assert.False(t, entry.ConsumeAck())

	_ = a // unused beyond newTestPair's symmetric setup
}

func TestRetransmitTickRequestsMissingAfterHysteresis(t *testing.T) {
	ctx := testctx.New(t)
	_, b, _, _ := newTestPair(t)
	bt := b.transport.(*memTransport)

	entry := NewReceiverEntry(0, 1, b.cfg.tableOptions())
	entry.Window.Add(1, msg("x"))
	entry.Window.Add(3, msg("z")) // gap at 2
	b.recvTable.replace("a", entry)

	sentBefore := bt.sent
	b.retransmitTick(ctx) // first tick: records prev, doesn't nag yet
	assert.Equal(t, sentBefore, bt.sent)

	b.retransmitTick(ctx) // second tick: gap still there, sends XMIT_REQ
	assert.Greater(t, bt.sent, sentBefore)
}

func TestStallDetectResendsWithoutProgress(t *testing.T) {
	ctx := testctx.New(t)
	a, _, _, _ := newTestPair(t)
	at := a.transport.(*memTransport)

	entry := NewSenderEntry(1, a.cfg.tableOptions())
	entry.Window.Add(1, msg("x"))
	a.sendTable.replace("b", entry)

	a.stallDetect(ctx, "b", entry) // first call just records the watermark
	sentBefore := at.sent
	a.stallDetect(ctx, "b", entry) // no progress since last call: resend
	assert.Greater(t, at.sent, sentBefore)
	assert.Equal(t, int64(1), a.StatsSnapshot().Retransmissions)
}

func TestStallDetectNoResendOnProgress(t *testing.T) {
	ctx := testctx.New(t)
	a, _, _, _ := newTestPair(t)
	at := a.transport.(*memTransport)

	entry := NewSenderEntry(1, a.cfg.tableOptions())
	entry.Window.Add(1, msg("x"))
	a.sendTable.replace("b", entry)

	a.stallDetect(ctx, "b", entry)
	entry.Window.Purge(1, true) // simulate the ack arriving: progress made
	sentBefore := at.sent
	a.stallDetect(ctx, "b", entry)
	assert.Equal(t, sentBefore, at.sent)
}

func TestReapTickRemovesIdleConnections(t *testing.T) {
	ctx := testctx.New(t)
	a, _, _, _ := newTestPair(t)
	a.cfg.ConnExpiryTimeout = 10 * time.Millisecond

	entry := NewSenderEntry(1, a.cfg.tableOptions())
	entry.Touch(time.Now().Add(-time.Hour))
	a.sendTable.replace("b", entry)

	a.reapTick(ctx)
	_, ok := a.sendTable.get("b")
	assert.False(t, ok)
}

func TestReapTickKeepsActiveConnections(t *testing.T) {
	ctx := testctx.New(t)
	a, _, _, _ := newTestPair(t)
	a.cfg.ConnExpiryTimeout = time.Hour

	entry := NewSenderEntry(1, a.cfg.tableOptions())
	a.sendTable.replace("b", entry)

	a.reapTick(ctx)
	_, ok := a.sendTable.get("b")
	assert.True(t, ok)
}
