package unicast

import (
	"bytes"
	"fmt"
	"io"
)

// seqnoRange is an inclusive [Low, High] run of consecutive missing seqnos.
type seqnoRange struct {
	Low, High Seqno
}

// SeqnoList is a compact ordered set of seqnos, run-length encoded on the
// wire as the XMIT_REQ payload (spec §6.1). Ranges are kept sorted and
// disjoint; Add coalesces adjacent/overlapping entries so that a long run
// of consecutive missing seqnos costs one range instead of N entries.
type SeqnoList struct {
	ranges []seqnoRange
}

// NewSeqnoList builds a SeqnoList from an ascending, deduplicated slice of
// seqnos, such as the gap list returned by Table.GetMissing.
func NewSeqnoList(seqnos []Seqno) *SeqnoList {
	l := &SeqnoList{}
	for _, s := range seqnos {
		l.Add(s)
	}
	return l
}

// Add inserts seqno, coalescing it into an existing adjacent range when
// possible. Expects mostly-ascending insertion (the natural order gap lists
// arrive in) but does not require it.
func (l *SeqnoList) Add(seqno Seqno) {
	for i := range l.ranges {
		r := &l.ranges[i]
		if seqno >= r.Low && seqno <= r.High {
			return
		}
		if seqno+1 == r.Low {
			r.Low = seqno
			l.mergeWithPrev(i)
			return
		}
		if r.High+1 == seqno {
			r.High = seqno
			l.mergeWithNext(i)
			return
		}
		if seqno < r.Low {
			l.ranges = append(l.ranges, seqnoRange{})
			copy(l.ranges[i+1:], l.ranges[i:])
			l.ranges[i] = seqnoRange{Low: seqno, High: seqno}
			return
		}
	}
	l.ranges = append(l.ranges, seqnoRange{Low: seqno, High: seqno})
}

func (l *SeqnoList) mergeWithPrev(i int) {
	if i == 0 {
		return
	}
	prev := &l.ranges[i-1]
	if prev.High+1 == l.ranges[i].Low {
		prev.High = l.ranges[i].High
		l.ranges = append(l.ranges[:i], l.ranges[i+1:]...)
	}
}

func (l *SeqnoList) mergeWithNext(i int) {
	if i+1 >= len(l.ranges) {
		return
	}
	next := &l.ranges[i+1]
	if l.ranges[i].High+1 == next.Low {
		l.ranges[i].High = next.High
		l.ranges = append(l.ranges[:i+1], l.ranges[i+2:]...)
	}
}

// Len returns the number of individual seqnos represented, not the number
// of ranges.
func (l *SeqnoList) Len() int {
	n := 0
	for _, r := range l.ranges {
		n += int(r.High-r.Low) + 1
	}
	return n
}

// Empty reports whether the list has no seqnos.
func (l *SeqnoList) Empty() bool {
	return len(l.ranges) == 0
}

// Last returns the highest seqno in the list, used by the retransmit
// hysteresis in §4.10.
func (l *SeqnoList) Last() (Seqno, bool) {
	if len(l.ranges) == 0 {
		return 0, false
	}
	return l.ranges[len(l.ranges)-1].High, true
}

// Slice expands the list back into an ascending slice of individual seqnos.
func (l *SeqnoList) Slice() []Seqno {
	out := make([]Seqno, 0, l.Len())
	for _, r := range l.ranges {
		for s := r.Low; s <= r.High; s++ {
			out = append(out, s)
			if s == ^Seqno(0) {
				break
			}
		}
	}
	return out
}

// Below returns a new SeqnoList containing only the seqnos of l that are
// <= bound. Used by the retransmit task to drop newly-discovered gaps that
// weren't missing in the previous sweep (spec §4.10).
func (l *SeqnoList) Below(bound Seqno) *SeqnoList {
	out := &SeqnoList{}
	for _, r := range l.ranges {
		if r.Low > bound {
			continue
		}
		hi := r.High
		if hi > bound {
			hi = bound
		}
		out.ranges = append(out.ranges, seqnoRange{Low: r.Low, High: hi})
	}
	return out
}

// Encode writes the run-length-encoded wire form: a varlong count of ranges
// followed by, per range, a varlong Low and a varlong count of additional
// seqnos in the run (High-Low).
func (l *SeqnoList) Encode(w io.Writer) error {
	if err := encodeVarLong(w, uint64(len(l.ranges))); err != nil {
		return err
	}
	for _, r := range l.ranges {
		if err := encodeVarLong(w, uint64(r.Low)); err != nil {
			return err
		}
		if err := encodeVarLong(w, uint64(r.High-r.Low)); err != nil {
			return err
		}
	}
	return nil
}

// maxSeqnoRangePrealloc caps the capacity DecodeSeqnoList will pre-allocate
// from an untrusted range count; a count larger than this still decodes
// correctly, it just grows the slice incrementally via append instead of
// sizing it up front from an attacker-controlled value.
const maxSeqnoRangePrealloc = 1024

// DecodeSeqnoList reads the wire form produced by Encode.
func DecodeSeqnoList(r io.Reader) (*SeqnoList, error) {
	n, err := decodeVarLong(r)
	if err != nil {
		return nil, err
	}
	prealloc := n
	if prealloc > maxSeqnoRangePrealloc {
		prealloc = maxSeqnoRangePrealloc
	}
	l := &SeqnoList{ranges: make([]seqnoRange, 0, prealloc)}
	for i := uint64(0); i < n; i++ {
		low, err := decodeVarLong(r)
		if err != nil {
			return nil, err
		}
		span, err := decodeVarLong(r)
		if err != nil {
			return nil, err
		}
		high := Seqno(low) + Seqno(span)
		if high < Seqno(low) {
			return nil, fmt.Errorf("unicast: seqno range overflow: low=%d span=%d", low, span)
		}
		l.ranges = append(l.ranges, seqnoRange{Low: Seqno(low), High: high})
	}
	return l, nil
}

// EncodeSeqnoList is a convenience wrapper returning the encoded bytes.
func EncodeSeqnoList(l *SeqnoList) ([]byte, error) {
	var buf bytes.Buffer
	if err := l.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
