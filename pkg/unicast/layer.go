package unicast

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// Layer is the reliable point-to-point delivery core described by
// spec.md: it owns the send/receive connection tables, the connection-id
// allocator, the age-out cache, and the two periodic tasks, and exposes
// Down/Up as the entry points the enclosing stack drives (spec §6.2).
//
// Grounded on the teacher's handler struct in pkg/vif/tcp/handler.go (one
// instance per connection there; here one Layer owns many connections,
// one SenderEntry/ReceiverEntry per peer, mirroring spec §3's two tables).
type Layer[A Addr] struct {
	cfg Config

	transport Transport[A]
	upward    Upward[A]
	view      GroupView[A]

	sendTable *connTable[A, SenderEntry]
	recvTable *connTable[A, ReceiverEntry]
	recvMu    sync.Mutex // guards create/replace in receiver resolution only

	connIDs connIDAllocator
	ageOut  *ageOutCache[A]

	running int32 // atomic bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	// xmitTaskMap is owned exclusively by the retransmit task goroutine
	// (spec §5); no other goroutine touches it, so it needs no lock.
	xmitTaskMap map[A]Seqno

	stats Stats
}

// Stats holds the atomic counters backing the management surface (spec
// §6.4). All fields are updated with sync/atomic and may be read directly
// by a snapshot, matching the teacher's atomic-counter style
// (packetsLost, myWindowSize) in handler.go.
type Stats struct {
	MessagesSent     int64
	MessagesReceived int64
	AcksSent         int64
	AcksReceived     int64
	Retransmissions  int64
	XmitReqsSent     int64
	XmitReqsReceived int64
	XmitRespsSent    int64
}

// NewLayer constructs a Layer. view may be nil, in which case every
// destination is treated as a non-member and tracked by the age-out
// cache; pass AlwaysMember[A]() to disable age-out entirely.
func NewLayer[A Addr](cfg Config, transport Transport[A], upward Upward[A], view GroupView[A]) *Layer[A] {
	if view == nil {
		view = NeverMember[A]()
	}
	l := &Layer[A]{
		cfg:         cfg,
		transport:   transport,
		upward:      upward,
		view:        view,
		sendTable:   newConnTable[A, SenderEntry](),
		recvTable:   newConnTable[A, ReceiverEntry](),
		stopCh:      make(chan struct{}),
		xmitTaskMap: make(map[A]Seqno),
	}
	if cfg.MaxRetransmitTime > 0 {
		l.ageOut = newAgeOutCache[A](cfg.MaxRetransmitTime)
	}
	return l
}

// Start launches the retransmit sweep and, if configured, the connection
// reaper. Both run until Stop is called.
func (l *Layer[A]) Start(ctx context.Context) {
	atomic.StoreInt32(&l.running, 1)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.retransmitLoop(ctx)
	}()
	if l.cfg.ConnExpiryTimeout > 0 {
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.reapLoop(ctx)
		}()
	}
}

// transportCloser is the optional "the transport owns a resource" half of
// Transport (spec §6.2 keeps Transport itself narrow to Send only). Stop
// closes it on a best-effort basis if the caller's transport implements it.
type transportCloser interface {
	Close() error
}

// Stop halts both periodic tasks and tears down every connection (spec
// §5 "Cancellation and timeouts"). In-flight Down retries observe running
// on their next backoff check and exit; in-flight delivery drains
// naturally since the latch releases on an empty pull.
func (l *Layer[A]) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&l.running, 1, 0) {
		return nil
	}
	close(l.stopCh)
	l.wg.Wait()

	var errs *multierror.Error
	for addr := range l.sendTable.snapshot() {
		l.sendTable.remove(addr)
	}
	for addr := range l.recvTable.snapshot() {
		l.recvTable.remove(addr)
	}
	if closer, ok := l.transport.(transportCloser); ok {
		if err := closer.Close(); err != nil {
			errs = multierror.Append(errs, errors.Wrap(err, "unicast: closing transport"))
		}
	}
	dlog.Debugf(ctx, "unicast: layer stopped")
	return errs.ErrorOrNil()
}

func (l *Layer[A]) isRunning() bool {
	return atomic.LoadInt32(&l.running) == 1
}

// StatsSnapshot returns a copy of the layer's global counters.
func (l *Layer[A]) StatsSnapshot() Stats {
	return Stats{
		MessagesSent:     atomic.LoadInt64(&l.stats.MessagesSent),
		MessagesReceived: atomic.LoadInt64(&l.stats.MessagesReceived),
		AcksSent:         atomic.LoadInt64(&l.stats.AcksSent),
		AcksReceived:     atomic.LoadInt64(&l.stats.AcksReceived),
		Retransmissions:  atomic.LoadInt64(&l.stats.Retransmissions),
		XmitReqsSent:     atomic.LoadInt64(&l.stats.XmitReqsSent),
		XmitReqsReceived: atomic.LoadInt64(&l.stats.XmitReqsReceived),
		XmitRespsSent:    atomic.LoadInt64(&l.stats.XmitRespsSent),
	}
}

// ConnectionCount returns the number of live sender and receiver entries,
// for the management surface's "number of connections" observable.
func (l *Layer[A]) ConnectionCount() (senders, receivers int) {
	return l.sendTable.len(), l.recvTable.len()
}

// Peers returns the set of addresses with a live sender and/or receiver
// entry, for metrics exporters that enumerate per-peer observables.
func (l *Layer[A]) Peers() []A {
	seen := make(map[A]struct{})
	for addr := range l.sendTable.snapshot() {
		seen[addr] = struct{}{}
	}
	for addr := range l.recvTable.snapshot() {
		seen[addr] = struct{}{}
	}
	out := make([]A, 0, len(seen))
	for addr := range seen {
		out = append(out, addr)
	}
	return out
}

// PeerTableCounters returns the send and receive window TableStats
// counters for addr, if the corresponding entry exists (spec §6.4
// "compactions, moves, resizes, purges"). Scalar return so callers outside
// this package (e.g. a metrics collector) don't need to import TableStats.
func (l *Layer[A]) PeerTableCounters(addr A) (
	sendCompactions, sendMoves, sendResizes, sendPurges uint64, hasSend bool,
	recvCompactions, recvMoves, recvResizes, recvPurges uint64, hasRecv bool,
) {
	if se, ok := l.sendTable.get(addr); ok {
		s := se.Window.Stats()
		sendCompactions, sendMoves, sendResizes, sendPurges = s.Compactions, s.Moves, s.Resizes, s.Purges
		hasSend = true
	}
	if re, ok := l.recvTable.get(addr); ok {
		s := re.Window.Stats()
		recvCompactions, recvMoves, recvResizes, recvPurges = s.Compactions, s.Moves, s.Resizes, s.Purges
		hasRecv = true
	}
	return
}

// GlobalCounters returns a scalar snapshot of the layer's global counters,
// for a metrics collector that shouldn't need to import the Stats type.
func (l *Layer[A]) GlobalCounters() (
	messagesSent, messagesReceived, acksSent, acksReceived,
	retransmissions, xmitReqsSent, xmitReqsReceived, xmitRespsSent int64,
) {
	s := l.StatsSnapshot()
	return s.MessagesSent, s.MessagesReceived, s.AcksSent, s.AcksReceived,
		s.Retransmissions, s.XmitReqsSent, s.XmitReqsReceived, s.XmitRespsSent
}

// PeerWindowStats returns the send/receive window sizes and missing
// counts for addr, if entries exist (spec §6.4 "per-peer send/receive
// window sizes, missing counts").
func (l *Layer[A]) PeerWindowStats(addr A) (sendSize, sendMissing, recvSize, recvMissing int, ok bool) {
	if se, found := l.sendTable.get(addr); found {
		sendSize = se.Window.Size()
		sendMissing = se.Window.NumMissing()
		ok = true
	}
	if re, found := l.recvTable.get(addr); found {
		recvSize = re.Window.Size()
		recvMissing = re.Window.NumMissing()
		ok = true
	}
	return
}

func nowFunc() time.Time { return time.Now() }
