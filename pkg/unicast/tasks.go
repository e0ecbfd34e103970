package unicast

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dlog"
)

// retransmitLoop is the single periodic sweep described in spec §4.10:
// per ReceiverEntry it flushes a pending delayed ACK and, with one tick of
// hysteresis, emits XMIT_REQ for gaps that are still missing; per
// SenderEntry it runs the stall-detector liveness probe. Grounded on the
// teacher's processResends ticker loop in pkg/vif/tcp/handler.go,
// generalized from "always resend everything due" to the spec's NAK
// hysteresis and stall probe.
func (l *Layer[A]) retransmitLoop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			dlog.Errorf(ctx, "unicast: retransmit task panic: %+v", derror.PanicToError(r))
		}
	}()
	interval := l.cfg.XmitInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			l.xmitTaskMap = map[A]Seqno{}
			return
		case <-ticker.C:
			l.retransmitTick(ctx)
		}
	}
}

func (l *Layer[A]) retransmitTick(ctx context.Context) {
	for target, entry := range l.recvTable.snapshot() {
		l.retransmitTickReceiver(ctx, target, entry)
	}
	for target, entry := range l.sendTable.snapshot() {
		l.stallDetect(ctx, target, entry)
	}
}

func (l *Layer[A]) retransmitTickReceiver(ctx context.Context, target A, entry *ReceiverEntry) {
	if entry.ConsumeAck() {
		l.sendAck(ctx, target, entry)
	}

	if entry.Window.NumMissing() == 0 {
		delete(l.xmitTaskMap, target)
		return
	}

	missing := NewSeqnoList(entry.Window.GetMissing())
	h, ok := missing.Last()
	if !ok {
		delete(l.xmitTaskMap, target)
		return
	}

	prev, known := l.xmitTaskMap[target]
	if !known {
		// Give one interval for natural arrival before nagging the sender.
		l.xmitTaskMap[target] = h
		return
	}

	toSend := missing.Below(prev)
	if h > prev {
		prev = h
	}
	l.xmitTaskMap[target] = prev
	if toSend.Empty() {
		return
	}

	wire, err := encodeXmitReqPacket(toSend)
	if err != nil {
		dlog.Errorf(ctx, "unicast: %s, encoding XMIT_REQ: %v", target, err)
		return
	}
	if err := l.transport.Send(ctx, target, wire); err != nil {
		dlog.Debugf(ctx, "unicast: %s, sending XMIT_REQ failed: %v", target, err)
		return
	}
	atomic.AddInt64(&l.stats.XmitReqsSent, 1)
}

// stallDetect re-sends the most recently sent message when a sender's
// outbox has made no progress since the previous tick (spec §4.10, "stall
// detector"): a cheap liveness probe that catches the case where every ACK
// and every gap-driven XMIT_REQ has been lost.
func (l *Layer[A]) stallDetect(ctx context.Context, target A, entry *SenderEntry) {
	ha := entry.Window.HighestDelivered() // reads as "highest acked" on a send window
	hs := entry.Window.HighestReceived()  // reads as "highest sent" on a send window
	wm := entry.Watermark()

	if ha < hs && wm.highestAcked == ha && wm.highestSent == hs {
		msg := entry.Window.Get(hs)
		if msg != nil {
			h := Header{Type: Data, Seqno: hs, ConnID: entry.SendConnID, First: hs == FirstSeqno}
			wire, err := encodeDataPacket(h, *msg)
			if err != nil {
				dlog.Errorf(ctx, "unicast: %s, encoding stall probe: %v", target, err)
				return
			}
			if err := l.transport.Send(ctx, target, wire); err != nil {
				dlog.Debugf(ctx, "unicast: %s, stall probe send failed: %v", target, err)
				return
			}
			atomic.AddInt64(&l.stats.Retransmissions, 1)
		}
		return
	}
	entry.SetWatermark(watermark{highestAcked: ha, highestSent: hs})
}

// reapLoop removes idle connections every conn_expiry_timeout (spec
// §4.11) and sweeps the age-out cache for unconfirmed non-member
// destinations (spec §3 "Age-out cache").
func (l *Layer[A]) reapLoop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			dlog.Errorf(ctx, "unicast: reaper task panic: %+v", derror.PanicToError(r))
		}
	}()
	ticker := time.NewTicker(l.cfg.ConnExpiryTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.reapTick(ctx)
		}
	}
}

func (l *Layer[A]) reapTick(ctx context.Context) {
	now := nowFunc()
	for addr, entry := range l.sendTable.snapshot() {
		if entry.Age(now) >= l.cfg.ConnExpiryTimeout {
			if l.sendTable.removeIf(addr, entry) {
				dlog.Debugf(ctx, "unicast: %s, sender connection reaped (idle)", addr)
			}
		}
	}
	for addr, entry := range l.recvTable.snapshot() {
		if entry.Age(now) >= l.cfg.ConnExpiryTimeout {
			if l.recvTable.removeIf(addr, entry) {
				dlog.Debugf(ctx, "unicast: %s, receiver connection reaped (idle)", addr)
			}
		}
	}
	if l.ageOut != nil {
		l.ageOut.confirmMembers(l.view)
		for _, addr := range l.ageOut.sweep(now) {
			l.sendTable.remove(addr)
			l.recvTable.remove(addr)
			dlog.Debugf(ctx, "unicast: %s, expired (age-out, no membership confirmation)", addr)
		}
	}
}
