package unicast

import (
	"bytes"
	"context"
	"sync/atomic"
	"time"

	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dlog"
)

// Down is the outbound entry point (spec §4.4). It stamps msg with a DATA
// header, places it in the destination's outbox, and hands it to the
// transport below. A NoReliability message bypasses the layer entirely.
func (l *Layer[A]) Down(ctx context.Context, dst A, msg Message) error {
	if msg.Flags.Has(NoReliability) {
		return l.transport.Send(ctx, dst, msg.Payload)
	}
	if !l.isRunning() {
		return ErrStopped
	}

	entry, created := l.sendTable.putIfAbsent(dst, func() *SenderEntry {
		return NewSenderEntry(l.connIDs.allocate(), l.cfg.tableOptions())
	})
	if created && l.ageOut != nil && !l.view.IsMember(dst) {
		l.ageOut.register(dst, nowFunc())
	}

	seqno := entry.NextSeqno()
	hdr := Header{Type: Data, Seqno: seqno, ConnID: entry.SendConnID, First: seqno == FirstSeqno}

	if err := l.addWithBackoff(ctx, entry.Window, seqno, msg); err != nil {
		return err
	}
	entry.Touch(nowFunc())

	wire, err := encodeDataPacket(hdr, msg)
	if err != nil {
		return err
	}
	if err := l.transport.Send(ctx, dst, wire); err != nil {
		return err
	}
	atomic.AddInt64(&l.stats.MessagesSent, 1)
	return nil
}

// addWithBackoff retries Table.Add with exponential backoff capped at 5s
// while the layer is running (spec §4.4 step 5, §5 "the only blocking
// operation on the send path").
func (l *Layer[A]) addWithBackoff(ctx context.Context, w *Table, seqno Seqno, msg Message) error {
	backoff := 10 * time.Millisecond
	for {
		if w.Add(seqno, msg) {
			return nil
		}
		if !l.isRunning() {
			return ErrStopped
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > 5*time.Second {
			backoff = 5 * time.Second
		}
	}
}

// Up is the single-message inbound entry point (spec §4.5). It classifies
// the header and routes to the appropriate handler.
func (l *Layer[A]) Up(ctx context.Context, src A, wire []byte) error {
	r := bytes.NewReader(wire)
	hdr, err := DecodeHeader(r)
	if err != nil {
		if err == ErrUnknownHeaderType {
			dlog.Errorf(ctx, "unicast: %s, unknown header type, dropping", src)
			return nil
		}
		return err
	}
	switch hdr.Type {
	case Data:
		msg, err := decodeDataPayload(r)
		if err != nil {
			return err
		}
		atomic.AddInt64(&l.stats.MessagesReceived, 1)
		l.handleData(ctx, src, hdr, msg)
	case Ack:
		atomic.AddInt64(&l.stats.AcksReceived, 1)
		l.handleAck(ctx, src, hdr)
	case SendFirstSeqno:
		l.handleSendFirstSeqno(ctx, src, hdr)
	case XmitReq:
		atomic.AddInt64(&l.stats.XmitReqsReceived, 1)
		missing, err := decodeXmitReqPayload(r)
		if err != nil {
			return err
		}
		l.handleXmitReq(ctx, src, missing)
	default:
		dlog.Errorf(ctx, "unicast: %s, unknown header type, dropping", src)
	}
	return nil
}

// UpBatch delivers a batch of raw DATA wire messages from the same
// transport read, grouping by ConnID (preserving arrival order within a
// group) before feeding each group through handleData. After a group is
// drained it emits an immediate ACK of the highest delivered seqno when the
// group carried a first=true message or AckBatchesImmediately is set;
// otherwise the delayed-ACK flag armed by handleData is left for the next
// retransmit tick (spec §4.5).
func (l *Layer[A]) UpBatch(ctx context.Context, src A, wires [][]byte) error {
	type decoded struct {
		hdr Header
		msg Message
	}
	groups := map[ConnID][]decoded{}
	var order []ConnID
	for _, wire := range wires {
		r := bytes.NewReader(wire)
		hdr, err := DecodeHeader(r)
		if err != nil {
			// One malformed frame in a batch must not cost the rest of the
			// batch its already-decoded DATA messages (spec §7: malformed
			// input is dropped, never fatal to the caller).
			dlog.Errorf(ctx, "unicast: %s, decoding header in batch: %v, dropping frame", src, err)
			continue
		}
		if hdr.Type != Data {
			// Batches only carry DATA; anything else falls back to the
			// single-message path.
			if err := l.dispatchNonData(ctx, src, hdr, r); err != nil {
				dlog.Errorf(ctx, "unicast: %s, dispatching non-DATA in batch: %v, dropping frame", src, err)
			}
			continue
		}
		msg, err := decodeDataPayload(r)
		if err != nil {
			dlog.Errorf(ctx, "unicast: %s, decoding DATA payload in batch: %v, dropping frame", src, err)
			continue
		}
		atomic.AddInt64(&l.stats.MessagesReceived, 1)
		if _, ok := groups[hdr.ConnID]; !ok {
			order = append(order, hdr.ConnID)
		}
		groups[hdr.ConnID] = append(groups[hdr.ConnID], decoded{hdr, msg})
	}
	for _, connID := range order {
		var sawFirst bool
		var entry *ReceiverEntry
		for _, d := range groups[connID] {
			if e := l.handleData(ctx, src, d.hdr, d.msg); e != nil {
				entry = e
			}
			if d.hdr.First {
				sawFirst = true
			}
		}
		if entry == nil {
			continue
		}
		switch {
		case sawFirst:
			// Accelerate the handshake: confirm receipt without waiting
			// for the next retransmit tick (spec §4.6 batch variant).
			l.sendAck(ctx, src, entry)
		case l.cfg.AckBatchesImmediately:
			l.sendAck(ctx, src, entry)
		}
	}
	return nil
}

func (l *Layer[A]) dispatchNonData(ctx context.Context, src A, hdr Header, r *bytes.Reader) error {
	switch hdr.Type {
	case Ack:
		atomic.AddInt64(&l.stats.AcksReceived, 1)
		l.handleAck(ctx, src, hdr)
	case SendFirstSeqno:
		l.handleSendFirstSeqno(ctx, src, hdr)
	case XmitReq:
		atomic.AddInt64(&l.stats.XmitReqsReceived, 1)
		missing, err := decodeXmitReqPayload(r)
		if err != nil {
			return err
		}
		l.handleXmitReq(ctx, src, missing)
	}
	return nil
}

// handleData implements §4.6 (DATA reception and delivery pump). It
// returns the resolved ReceiverEntry (nil if the message was dropped) so
// the batch variant (§4.5) can decide on an immediate ACK after the whole
// connID group has been processed.
func (l *Layer[A]) handleData(ctx context.Context, src A, hdr Header, msg Message) *ReceiverEntry {
	entry, _ := l.resolveReceiver(ctx, src, hdr)
	if entry == nil {
		return nil
	}

	added := entry.Window.Add(hdr.Seqno, msg)

	if msg.Flags.Has(OOB) && added {
		if err := l.deliverSafely(ctx, src, msg); err != nil {
			dlog.Errorf(ctx, "unicast: %s, OOB delivery failed: %v", src, err)
		}
	}

	if entry.Window.TryAcquire() {
		l.drain(ctx, src, entry)
	}

	entry.ArmAck()
	entry.Touch(nowFunc())
	return entry
}

// resolveReceiver implements the fast-path/locked-path entry resolution
// in §4.6. Returns nil if the message was dropped (no entry and not
// first), in which case a SEND_FIRST_SEQNO has already been sent.
func (l *Layer[A]) resolveReceiver(ctx context.Context, src A, hdr Header) (entry *ReceiverEntry, isNew bool) {
	if e, ok := l.recvTable.get(src); ok && e.RecvConnID == hdr.ConnID {
		return e, false
	}

	l.recvMu.Lock()
	defer l.recvMu.Unlock()

	existing, ok := l.recvTable.get(src)
	if ok && existing.RecvConnID == hdr.ConnID {
		return existing, false
	}

	if hdr.First {
		fresh := NewReceiverEntry(hdr.Seqno-1, hdr.ConnID, l.cfg.tableOptions())
		l.recvTable.replace(src, fresh)
		return fresh, true
	}

	if ok {
		// Wrong incarnation mid-stream: drop the stale entry; the next
		// first=true DATA (primed by the SEND_FIRST_SEQNO below) creates
		// the replacement.
		l.recvTable.removeIf(src, existing)
	}
	l.recvMu.Unlock()
	l.sendSendFirstSeqno(ctx, src, hdr.Seqno)
	l.recvMu.Lock()
	return nil, false
}

// drain is the delivery pump (§4.1 remove_many / §4.6 step 3): the caller
// has just won the processing latch and must keep calling RemoveMany
// until it releases the latch by returning nil.
func (l *Layer[A]) drain(ctx context.Context, src A, entry *ReceiverEntry) {
	defer func() {
		if r := recover(); r != nil {
			dlog.Errorf(ctx, "unicast: %s, delivery pump panic: %+v", src, derror.PanicToError(r))
			entry.Window.ReleaseLatch()
		}
	}()
	maxBatch := l.cfg.MaxMsgBatchSize
	if maxBatch <= 0 {
		maxBatch = 1
	}
	for {
		batch := entry.Window.RemoveMany(true, maxBatch)
		if batch == nil {
			return
		}
		for _, msg := range batch {
			if msg.Flags.Has(OOB) {
				// Already delivered via the fast path; nulled out here so
				// it is never delivered a second time.
				continue
			}
			if err := l.deliverSafely(ctx, src, msg); err != nil {
				dlog.Errorf(ctx, "unicast: %s, delivery failed: %v", src, err)
			}
		}
	}
}

// deliverSafely calls the upward collaborator, converting a panic into a
// logged error so the delivery pump never aborts mid-batch (spec §7).
func (l *Layer[A]) deliverSafely(ctx context.Context, src A, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = derror.PanicToError(r)
		}
	}()
	return l.upward.Deliver(ctx, src, msg)
}

func (l *Layer[A]) sendAck(ctx context.Context, dst A, entry *ReceiverEntry) {
	entry.ConsumeAck()
	hdr := Header{Type: Ack, Seqno: entry.Window.HighestDelivered(), ConnID: entry.RecvConnID}
	wire, err := encodeAckPacket(hdr)
	if err != nil {
		dlog.Errorf(ctx, "unicast: %s, encoding ACK: %v", dst, err)
		return
	}
	if err := l.transport.Send(ctx, dst, wire); err != nil {
		dlog.Debugf(ctx, "unicast: %s, sending ACK failed: %v", dst, err)
		return
	}
	atomic.AddInt64(&l.stats.AcksSent, 1)
}

func (l *Layer[A]) sendSendFirstSeqno(ctx context.Context, dst A, seqno Seqno) {
	hdr := Header{Type: SendFirstSeqno, Seqno: seqno}
	var buf bytes.Buffer
	if err := hdr.Encode(&buf); err != nil {
		dlog.Errorf(ctx, "unicast: %s, encoding SEND_FIRST_SEQNO: %v", dst, err)
		return
	}
	if err := l.transport.Send(ctx, dst, buf.Bytes()); err != nil {
		dlog.Debugf(ctx, "unicast: %s, sending SEND_FIRST_SEQNO failed: %v", dst, err)
	}
}

// handleAck implements §4.7.
func (l *Layer[A]) handleAck(ctx context.Context, src A, hdr Header) {
	entry, ok := l.sendTable.get(src)
	if !ok {
		return
	}
	if entry.SendConnID != hdr.ConnID {
		return
	}
	entry.Window.Purge(hdr.Seqno, true)
	entry.Touch(nowFunc())
}

// handleSendFirstSeqno implements §4.8.
func (l *Layer[A]) handleSendFirstSeqno(ctx context.Context, src A, hdr Header) {
	entry, ok := l.sendTable.get(src)
	if !ok {
		dlog.Warnf(ctx, "unicast: %s, SEND_FIRST_SEQNO for unknown connection", src)
		return
	}
	low := entry.Window.Low()
	first := true
	for i := low; i <= hdr.Seqno; i++ {
		msg := entry.Window.Get(i)
		if msg == nil {
			continue
		}
		h := Header{Type: Data, Seqno: i, ConnID: entry.SendConnID, First: first}
		first = false
		wire, err := encodeDataPacket(h, *msg)
		if err != nil {
			dlog.Errorf(ctx, "unicast: %s, encoding replay of %d: %v", src, i, err)
			continue
		}
		if err := l.transport.Send(ctx, src, wire); err != nil {
			dlog.Debugf(ctx, "unicast: %s, replay of %d failed: %v", src, i, err)
		}
	}
}

// handleXmitReq implements §4.9.
func (l *Layer[A]) handleXmitReq(ctx context.Context, src A, missing *SeqnoList) {
	entry, ok := l.sendTable.get(src)
	if !ok {
		return
	}
	low := entry.Window.Low()
	for _, s := range missing.Slice() {
		msg := entry.Window.Get(s)
		if msg == nil {
			if l.cfg.LogNotFoundMsgs && s > low {
				dlog.Debugf(ctx, "unicast: %s, XMIT_REQ for seqno %d not in table (low=%d)", src, s, low)
			}
			continue
		}
		wire, err := encodeDataPacket(Header{Type: Data, Seqno: s, ConnID: entry.SendConnID, First: s == FirstSeqno}, *msg)
		if err != nil {
			dlog.Errorf(ctx, "unicast: %s, encoding retransmit of %d: %v", src, s, err)
			continue
		}
		if err := l.transport.Send(ctx, src, wire); err != nil {
			dlog.Debugf(ctx, "unicast: %s, retransmit of %d failed: %v", src, s, err)
			continue
		}
		atomic.AddInt64(&l.stats.XmitRespsSent, 1)
		atomic.AddInt64(&l.stats.Retransmissions, 1)
	}
}
