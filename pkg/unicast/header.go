package unicast

import (
	"bytes"
	"fmt"
	"io"
)

// HeaderType identifies the kind of control header carried by a message on
// the wire. It is always the first byte of the header.
type HeaderType byte

const (
	// Data carries an application payload plus the seqno/conn-id/first
	// bookkeeping needed to place it in the receiver's window.
	Data HeaderType = iota
	// Ack carries a positive acknowledgement up to and including a seqno.
	Ack
	// SendFirstSeqno asks the sender to replay its buffer with first=true,
	// used to prime a receiver that has no matching connection yet.
	SendFirstSeqno
	// XmitReq carries a SeqnoList of seqnos the requesting receiver is missing.
	XmitReq
)

func (t HeaderType) String() string {
	switch t {
	case Data:
		return "DATA"
	case Ack:
		return "ACK"
	case SendFirstSeqno:
		return "SEND_FIRST_SEQNO"
	case XmitReq:
		return "XMIT_REQ"
	default:
		return fmt.Sprintf("HeaderType(%d)", byte(t))
	}
}

// Header is the per-message control header described in spec §6.1. Not
// every field is meaningful for every Type; XmitReq carries none of them,
// its payload (a SeqnoList) travels as the message body.
type Header struct {
	Type   HeaderType
	Seqno  Seqno
	ConnID ConnID
	First  bool
}

// Encode writes the bit-exact wire form of h to w.
func (h Header) Encode(w io.Writer) error {
	if _, err := w.Write([]byte{byte(h.Type)}); err != nil {
		return err
	}
	switch h.Type {
	case Data:
		if err := encodeVarLong(w, uint64(h.Seqno)); err != nil {
			return err
		}
		if err := encodeConnID(w, h.ConnID); err != nil {
			return err
		}
		var first byte
		if h.First {
			first = 1
		}
		_, err := w.Write([]byte{first})
		return err
	case Ack:
		if err := encodeVarLong(w, uint64(h.Seqno)); err != nil {
			return err
		}
		return encodeConnID(w, h.ConnID)
	case SendFirstSeqno:
		return encodeVarLong(w, uint64(h.Seqno))
	case XmitReq:
		return nil
	default:
		return fmt.Errorf("unicast: unknown header type %d", byte(h.Type))
	}
}

// DecodeHeader reads a Header from r. ErrUnknownHeaderType is returned, and
// r left positioned just past the type byte, if the type is unrecognized;
// callers should treat this as §7's "protocol fatal" case: log and drop.
func DecodeHeader(r io.Reader) (Header, error) {
	var tb [1]byte
	if _, err := io.ReadFull(r, tb[:]); err != nil {
		return Header{}, err
	}
	h := Header{Type: HeaderType(tb[0])}
	switch h.Type {
	case Data:
		seqno, err := decodeVarLong(r)
		if err != nil {
			return Header{}, err
		}
		connID, err := decodeConnID(r)
		if err != nil {
			return Header{}, err
		}
		var fb [1]byte
		if _, err := io.ReadFull(r, fb[:]); err != nil {
			return Header{}, err
		}
		h.Seqno = Seqno(seqno)
		h.ConnID = connID
		h.First = fb[0] != 0
		return h, nil
	case Ack:
		seqno, err := decodeVarLong(r)
		if err != nil {
			return Header{}, err
		}
		connID, err := decodeConnID(r)
		if err != nil {
			return Header{}, err
		}
		h.Seqno = Seqno(seqno)
		h.ConnID = connID
		return h, nil
	case SendFirstSeqno:
		seqno, err := decodeVarLong(r)
		if err != nil {
			return Header{}, err
		}
		h.Seqno = Seqno(seqno)
		return h, nil
	case XmitReq:
		return h, nil
	default:
		return h, ErrUnknownHeaderType
	}
}

func encodeConnID(w io.Writer, c ConnID) error {
	var b [2]byte
	b[0] = byte(uint16(c) >> 8)
	b[1] = byte(uint16(c))
	_, err := w.Write(b[:])
	return err
}

func decodeConnID(r io.Reader) (ConnID, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return ConnID(uint16(b[0])<<8 | uint16(b[1])), nil
}

// encodeVarLong writes v using the host stack's compact variable-length long
// encoding: a 1-byte count of significant big-endian bytes (0-8) followed by
// those bytes. v==0 encodes as a single zero length byte.
func encodeVarLong(w io.Writer, v uint64) error {
	var buf [8]byte
	n := 0
	for tmp := v; tmp != 0; tmp >>= 8 {
		n++
	}
	for i := 0; i < n; i++ {
		buf[n-1-i] = byte(v >> (8 * uint(i)))
	}
	if _, err := w.Write([]byte{byte(n)}); err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	_, err := w.Write(buf[:n])
	return err
}

func decodeVarLong(r io.Reader) (uint64, error) {
	var lb [1]byte
	if _, err := io.ReadFull(r, lb[:]); err != nil {
		return 0, err
	}
	n := int(lb[0])
	if n == 0 {
		return 0, nil
	}
	if n > 8 {
		return 0, fmt.Errorf("unicast: varlong length %d out of range", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, err
	}
	var v uint64
	for _, b := range buf {
		v = v<<8 | uint64(b)
	}
	return v, nil
}

// EncodeHeader is a convenience wrapper returning the encoded bytes of h.
func EncodeHeader(h Header) ([]byte, error) {
	var buf bytes.Buffer
	if err := h.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
