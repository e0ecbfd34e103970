package unicast

import (
	"bytes"
	"io"
)

// A DATA packet on the wire is the bit-exact Header from spec §6.1
// immediately followed by a one-byte Flags envelope and the raw payload.
// The Flags byte is not part of the control header table in §6.1 (that
// table is the seqno/conn-id/first handshake contract only) but Message's
// OOB/NoReliability flags are ordinary application-message metadata that
// must still cross the wire intact, the same way the enclosing stack's
// own message envelope would carry them outside of this layer's header.

func encodeDataPacket(h Header, msg Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := h.Encode(&buf); err != nil {
		return nil, err
	}
	buf.WriteByte(byte(msg.Flags))
	buf.Write(msg.Payload)
	return buf.Bytes(), nil
}

func decodeDataPayload(r io.Reader) (Message, error) {
	var fb [1]byte
	if _, err := io.ReadFull(r, fb[:]); err != nil {
		return Message{}, err
	}
	payload, err := io.ReadAll(r)
	if err != nil {
		return Message{}, err
	}
	return Message{Payload: payload, Flags: Flags(fb[0])}, nil
}

func encodeAckPacket(h Header) ([]byte, error) {
	var buf bytes.Buffer
	if err := h.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeXmitReqPacket(missing *SeqnoList) ([]byte, error) {
	var buf bytes.Buffer
	if err := (Header{Type: XmitReq}).Encode(&buf); err != nil {
		return nil, err
	}
	if err := missing.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeXmitReqPayload(r io.Reader) (*SeqnoList, error) {
	return DecodeSeqnoList(r)
}
