// Package unicast implements the core of a reliable point-to-point
// delivery layer for a group-communication stack: per-peer sliding-window
// retransmission, a mixed positive/negative acknowledgement regime, and a
// connection-id handshake that detects peer restarts without any explicit
// connection setup.
package unicast

// Seqno is a 64-bit, monotonically increasing per-(source, ConnID)
// sequence number.
type Seqno = uint64

// FirstSeqno is the seqno every new connection starts at.
const FirstSeqno Seqno = 1

// ConnID is a locally-allocated, 16-bit wrapping sender incarnation tag.
// The pair (sender, ConnID) names a logical connection; a change in ConnID
// observed at the receiver signals that the sender restarted.
type ConnID int16

// Flags are per-message reliability hints carried alongside the header.
type Flags uint8

const (
	// NoReliability bypasses this layer entirely: the message is handed
	// straight through without a seqno, window entry, or ack.
	NoReliability Flags = 1 << iota
	// OOB messages may be delivered ahead of their predecessors but are
	// still added to the window and are guaranteed exactly-once delivery.
	OOB
)

func (f Flags) Has(flag Flags) bool { return f&flag != 0 }

// Message is the opaque application payload flowing through the layer.
type Message struct {
	Payload []byte
	Flags   Flags
}

func (m Message) clone() Message {
	cp := make([]byte, len(m.Payload))
	copy(cp, m.Payload)
	return Message{Payload: cp, Flags: m.Flags}
}

// Addr is the constraint satisfied by any opaque, comparable peer
// identifier (spec §3 "Address"). Ordering is irrelevant, so the only
// requirement is comparability for map keys.
type Addr interface {
	comparable
}
