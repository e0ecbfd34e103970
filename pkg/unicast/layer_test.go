package unicast

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telepresenceio/unicast/pkg/unicast/internal/testctx"
)

// memTransport and memUpward wire two Layers directly together in-process,
// letting tests inject loss/duplication/reorder deterministically instead
// of relying on a real socket.
type memTransport struct {
	mu   sync.Mutex
	peer *Layer[string]
	self string

	drop     map[int]bool // index -> drop
	dupCount map[int]int  // index -> extra copies
	hold     map[int]bool // index -> buffer instead of forwarding immediately
	held     [][]byte
	sent     int
}

func (m *memTransport) Send(ctx context.Context, dst string, wire []byte) error {
	m.mu.Lock()
	idx := m.sent
	m.sent++
	drop := m.drop[idx]
	dups := m.dupCount[idx]
	hold := m.hold[idx]
	cp := append([]byte(nil), wire...)
	if hold {
		m.held = append(m.held, cp)
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if drop {
		return nil
	}
	if err := m.peer.Up(ctx, m.self, cp); err != nil {
		return err
	}
	for i := 0; i < dups; i++ {
		_ = m.peer.Up(ctx, m.self, append([]byte(nil), wire...))
	}
	return nil
}

// releaseHeld delivers every buffered (held) datagram in reverse order,
// simulating network reordering of the earliest-sent messages.
func (m *memTransport) releaseHeld(ctx context.Context) {
	m.mu.Lock()
	held := m.held
	m.held = nil
	m.mu.Unlock()
	for i := len(held) - 1; i >= 0; i-- {
		_ = m.peer.Up(ctx, m.self, held[i])
	}
}

type memUpward struct {
	mu        sync.Mutex
	delivered []Message
}

func (u *memUpward) Deliver(ctx context.Context, src string, msg Message) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.delivered = append(u.delivered, msg)
	return nil
}

func (u *memUpward) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.delivered)
}

func newTestPair(t *testing.T) (a, b *Layer[string], au, bu *memUpward) {
	t.Helper()
	cfg := NewDefaultConfig()
	cfg.XmitInterval = 20 * time.Millisecond

	at := &memTransport{self: "a", drop: map[int]bool{}, dupCount: map[int]int{}, hold: map[int]bool{}}
	bt := &memTransport{self: "b", drop: map[int]bool{}, dupCount: map[int]int{}, hold: map[int]bool{}}
	au = &memUpward{}
	bu = &memUpward{}

	a = NewLayer[string](cfg, at, au, AlwaysMember[string]())
	b = NewLayer[string](cfg, bt, bu, AlwaysMember[string]())
	at.peer, bt.peer = b, a
	return a, b, au, bu
}

func TestLayerDeliversInOrderDespiteDuplication(t *testing.T) {
	ctx := testctx.New(t)
	a, b, _, bu := newTestPair(t)
	at := a.transport.(*memTransport)
	at.dupCount[0] = 3
	at.dupCount[5] = 2

	a.Start(ctx)
	b.Start(ctx)
	defer a.Stop(ctx) //nolint:errcheck
	defer b.Stop(ctx) //nolint:errcheck

	for i := 0; i < 20; i++ {
		require.NoError(t, a.Down(ctx, "b", Message{Payload: []byte{byte(i)}}))
	}

	require.Eventually(t, func() bool { return bu.count() >= 20 }, time.Second, time.Millisecond)
	assert.Equal(t, 20, bu.count(), "duplicates must not be delivered twice")
	for i, m := range bu.delivered {
		assert.Equal(t, byte(i), m.Payload[0])
	}
}

func TestLayerDeliversInOrderDespiteReorder(t *testing.T) {
	ctx := testctx.New(t)
	a, b, _, bu := newTestPair(t)
	at := a.transport.(*memTransport)
	// Hold back the 4th-6th DATA messages (seqnos 4,5,6); the first three
	// go through immediately and establish the receiver's connection.
	at.hold[3] = true
	at.hold[4] = true
	at.hold[5] = true

	a.Start(ctx)
	b.Start(ctx)
	defer a.Stop(ctx) //nolint:errcheck
	defer b.Stop(ctx) //nolint:errcheck

	for i := 0; i < 10; i++ {
		require.NoError(t, a.Down(ctx, "b", Message{Payload: []byte{byte(i)}}))
	}
	at.releaseHeld(ctx) // delivers seqnos 6,5,4 out of order, after 7..10 already arrived

	require.Eventually(t, func() bool { return bu.count() >= 10 }, time.Second, time.Millisecond)
	for i, m := range bu.delivered {
		assert.Equal(t, byte(i), m.Payload[0])
	}
}

func TestLayerRecoversFromDroppedData(t *testing.T) {
	ctx := testctx.New(t)
	a, b, _, bu := newTestPair(t)
	at := a.transport.(*memTransport)
	at.drop[2] = true // drop the 3rd DATA message sent

	a.Start(ctx)
	b.Start(ctx)
	defer a.Stop(ctx) //nolint:errcheck
	defer b.Stop(ctx) //nolint:errcheck

	for i := 0; i < 10; i++ {
		require.NoError(t, a.Down(ctx, "b", Message{Payload: []byte{byte(i)}}))
	}

	require.Eventually(t, func() bool { return bu.count() >= 10 }, 2*time.Second, 5*time.Millisecond)
}

func TestLayerConnIDMismatchOnFirstMessageResetsReceiver(t *testing.T) {
	ctx := testctx.New(t)
	a, b, _, bu := newTestPair(t)
	a.Start(ctx)
	b.Start(ctx)
	defer a.Stop(ctx) //nolint:errcheck
	defer b.Stop(ctx) //nolint:errcheck

	require.NoError(t, a.Down(ctx, "b", Message{Payload: []byte("1")}))
	require.Eventually(t, func() bool { return bu.count() >= 1 }, time.Second, time.Millisecond)

	// Simulate sender restart: a fresh SenderEntry with a new ConnID takes
	// over, but the receiver still has the old incarnation.
	a.sendTable.remove("b")
	require.NoError(t, a.Down(ctx, "b", Message{Payload: []byte("2")}))

	require.Eventually(t, func() bool { return bu.count() >= 2 }, time.Second, time.Millisecond)
}

func TestLayerDeliversOOBMessageEarlyThenExactlyOnce(t *testing.T) {
	ctx := testctx.New(t)
	a, b, _, bu := newTestPair(t)
	at := a.transport.(*memTransport)
	// Hold back seqnos 2 and 4; seqno 3 (flagged OOB) goes straight
	// through and must deliver immediately via the fast path, ahead of
	// the predecessor it's still missing (spec §8 "Out-of-order OOB").
	at.hold[1] = true
	at.hold[3] = true

	a.Start(ctx)
	b.Start(ctx)
	defer a.Stop(ctx) //nolint:errcheck
	defer b.Stop(ctx) //nolint:errcheck

	for i := 0; i < 5; i++ {
		msg := Message{Payload: []byte{byte(i)}}
		if i == 2 {
			msg.Flags = OOB
		}
		require.NoError(t, a.Down(ctx, "b", msg))
	}

	// seqno 1 delivered in order and seqno 3 delivered early via the OOB
	// fast path; seqnos 2 and 4 are still held, so nothing else has
	// reached the upward collaborator yet.
	assert.Equal(t, 2, bu.count(), "first DATA and the OOB DATA must deliver immediately")

	at.releaseHeld(ctx)

	require.Eventually(t, func() bool { return bu.count() >= 5 }, time.Second, time.Millisecond)
	assert.Equal(t, 5, bu.count(), "no duplicate re-delivery once the held messages close the gap")

	seen := map[byte]int{}
	for _, m := range bu.delivered {
		seen[m.Payload[0]]++
	}
	for i := byte(0); i < 5; i++ {
		assert.Equal(t, 1, seen[i], "payload %d delivered exactly once", i)
	}
}

func TestLayerReceiverColdStartTriggersSendFirstSeqnoReplay(t *testing.T) {
	ctx := testctx.New(t)
	a, b, _, bu := newTestPair(t)
	at := a.transport.(*memTransport)
	// Hold back the first three DATA messages so the 4th (first=false)
	// is what the receiver actually sees first: it has no entry yet, so
	// the message is dropped and answered with SEND_FIRST_SEQNO, which
	// makes the sender replay 1..4 with seqno 1 re-stamped first=true
	// (spec §8 "Receiver cold-start message").
	at.hold[0] = true
	at.hold[1] = true
	at.hold[2] = true

	a.Start(ctx)
	b.Start(ctx)
	defer a.Stop(ctx) //nolint:errcheck
	defer b.Stop(ctx) //nolint:errcheck

	for i := 0; i < 5; i++ {
		require.NoError(t, a.Down(ctx, "b", Message{Payload: []byte{byte(i)}}))
	}

	// The 4th DATA's SEND_FIRST_SEQNO round trip replays 1..4 before this
	// loop even reaches i==4, so all five are delivered, in order,
	// without the test ever releasing the held (now-stale) originals.
	require.Eventually(t, func() bool { return bu.count() >= 5 }, time.Second, time.Millisecond)
	assert.Equal(t, 5, bu.count())
	for i, m := range bu.delivered {
		assert.Equal(t, byte(i), m.Payload[0])
	}
}

// evictingUpward delivers normally except on its first call, where it also
// rips out the receiver's table entry out from under the in-progress
// UpBatch group — simulating a concurrent reap mid-batch.
type evictingUpward struct {
	mu        sync.Mutex
	delivered []Message
	evictOnce func()
}

func (u *evictingUpward) Deliver(ctx context.Context, src string, msg Message) error {
	u.mu.Lock()
	first := len(u.delivered) == 0
	u.delivered = append(u.delivered, msg)
	u.mu.Unlock()
	if first && u.evictOnce != nil {
		u.evictOnce()
	}
	return nil
}

// recordingTransport captures outbound wire frames instead of delivering
// them anywhere, so a test can assert on what a layer tried to send.
type recordingTransport struct {
	mu   sync.Mutex
	sent [][]byte
}

func (r *recordingTransport) Send(ctx context.Context, dst string, wire []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, append([]byte(nil), wire...))
	return nil
}

func (r *recordingTransport) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

// TestLayerUpBatchKeepsLastResolvedEntryAcrossGroup guards against UpBatch
// unconditionally overwriting its connID group's resolved *ReceiverEntry
// with every handleData result, including a later nil from a message that
// couldn't resolve. That bug discarded an earlier successful resolution
// and silently skipped the group's post-batch ack.
func TestLayerUpBatchKeepsLastResolvedEntryAcrossGroup(t *testing.T) {
	ctx := testctx.New(t)
	cfg := NewDefaultConfig()
	bu := &evictingUpward{}
	rt := &recordingTransport{}
	b := NewLayer[string](cfg, rt, bu, AlwaysMember[string]())
	b.Start(ctx)
	defer b.Stop(ctx) //nolint:errcheck

	const connID = ConnID(7)
	first, err := encodeDataPacket(Header{Type: Data, Seqno: 1, ConnID: connID, First: true}, Message{Payload: []byte{1}})
	require.NoError(t, err)
	second, err := encodeDataPacket(Header{Type: Data, Seqno: 2, ConnID: connID, First: false}, Message{Payload: []byte{2}})
	require.NoError(t, err)

	// Once the first message in the group delivers, evict "a"'s receiver
	// entry so handleData for the second message (same connID group) finds
	// no entry and returns nil.
	bu.evictOnce = func() { b.recvTable.remove("a") }

	require.NoError(t, b.UpBatch(ctx, "a", [][]byte{first, second}))

	require.Len(t, bu.delivered, 1, "only the resolvable message in the group delivers")
	// The unresolvable second message is answered with SEND_FIRST_SEQNO
	// (frame 0). The group saw a first=true message, so it must still ack
	// (frame 1) using the entry resolved for it, even though the group's
	// last handleData call returned nil.
	require.Equal(t, 2, rt.count(), "group ack must not be skipped just because a later message in it failed to resolve")
	hdr, err := DecodeHeader(bytes.NewReader(rt.sent[1]))
	require.NoError(t, err)
	assert.Equal(t, Ack, hdr.Type)
}

// TestLayerUpBatchSurvivesMalformedFrameAmongValidOnes guards against a
// single undecodable frame aborting UpBatch entirely: the messages decoded
// before it must still reach the window and get delivered.
func TestLayerUpBatchSurvivesMalformedFrameAmongValidOnes(t *testing.T) {
	ctx := testctx.New(t)
	a, b, _, bu := newTestPair(t)
	a.Start(ctx)
	b.Start(ctx)
	defer a.Stop(ctx) //nolint:errcheck
	defer b.Stop(ctx) //nolint:errcheck

	valid, err := encodeDataPacket(Header{Type: Data, Seqno: 1, ConnID: 0, First: true}, Message{Payload: []byte{9}})
	require.NoError(t, err)
	truncated := []byte{byte(Data)} // Data header with no seqno/connID/first bytes to follow

	require.NoError(t, b.UpBatch(ctx, "a", [][]byte{valid, truncated}))

	require.Eventually(t, func() bool { return bu.count() >= 1 }, time.Second, time.Millisecond)
	assert.Equal(t, byte(9), bu.delivered[0].Payload[0])
}

func TestLayerStopTearsDownConnections(t *testing.T) {
	ctx := testctx.New(t)
	a, b, _, _ := newTestPair(t)
	a.Start(ctx)
	b.Start(ctx)
	require.NoError(t, a.Down(ctx, "b", Message{Payload: []byte("x")}))
	require.Eventually(t, func() bool { s, _ := a.ConnectionCount(); return s == 1 }, time.Second, time.Millisecond)

	require.NoError(t, a.Stop(ctx))
	s, _ := a.ConnectionCount()
	assert.Equal(t, 0, s)
}

func TestLayerDownAfterStopReturnsErrStopped(t *testing.T) {
	ctx := testctx.New(t)
	a, _, _, _ := newTestPair(t)
	a.Start(ctx)
	require.NoError(t, a.Stop(ctx))
	err := a.Down(ctx, "b", Message{Payload: []byte("x")})
	assert.ErrorIs(t, err, ErrStopped)
}
