package unicast

import (
	"math"
	"sync"
	"time"
)

// TableStats is a point-in-time snapshot of a Table's bookkeeping counters,
// surfaced through the management interface (spec §6.4).
type TableStats struct {
	Compactions uint64
	Moves       uint64
	Resizes     uint64
	Purges      uint64
}

// Table is the segmented retransmission table / sliding window described in
// spec §4.1: a 2D matrix of R rows by C columns addressed by seqno, with a
// logical origin (offset) that slides forward as entries are purged and
// compacted. It is the receiver's inbox or the sender's outbox depending on
// which entry owns it.
//
// Modeled on the teacher's pkg/vif/tcp/handler.go queueElement linked lists
// (ackWaitQueue, oooQueue), generalized from an O(n)-per-op list into the
// amortized-O(1) matrix spec §2 calls for.
type Table struct {
	mu sync.Mutex

	rows [][]*Message
	cols int

	resizeFactor float64

	offset           Seqno // logical base: slot for seqno s is at s-offset-1
	low              Seqno // lowest seqno still stored or reserved
	highestDelivered Seqno
	highestReceived  Seqno
	numMissing       int

	processing bool

	maxCompactionTime time.Duration
	lastCompaction    time.Time

	stats TableStats
}

// TableOptions configures a new Table; zero values fall back to sane
// defaults matching spec §6.3's option names.
type TableOptions struct {
	Rows              int
	Cols              int
	ResizeFactor      float64
	MaxCompactionTime time.Duration
}

func (o TableOptions) withDefaults() TableOptions {
	if o.Rows <= 0 {
		o.Rows = 100
	}
	if o.Cols <= 0 {
		o.Cols = 1000
	}
	if o.ResizeFactor <= 1 {
		o.ResizeFactor = 1.2
	}
	return o
}

// NewTable creates a Table whose origin is offset: the seqno just below the
// first addressable slot. A freshly (re)created ReceiverEntry sets offset
// to seqno-1 of the first DATA it accepts (spec §4.6); a freshly created
// SenderEntry's outbox starts at offset=0 since seqnos start at
// FirstSeqno==1.
func NewTable(offset Seqno, opts TableOptions) *Table {
	opts = opts.withDefaults()
	t := &Table{
		cols:              opts.Cols,
		resizeFactor:      opts.ResizeFactor,
		maxCompactionTime: opts.MaxCompactionTime,
		offset:            offset,
		low:               offset + 1,
		highestDelivered:  offset,
		highestReceived:   offset,
		lastCompaction:    time.Now(),
	}
	t.rows = make([][]*Message, opts.Rows)
	for i := range t.rows {
		t.rows[i] = make([]*Message, opts.Cols)
	}
	return t
}

// Add inserts msg at seqno iff seqno is newer than anything ever delivered
// and the slot is empty. Returns true on insert, false on duplicate/stale
// (spec §4.1 "add").
func (t *Table) Add(seqno Seqno, msg Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if seqno <= t.highestDelivered {
		return false
	}
	t.ensureCapacityLocked(seqno)

	row, col := t.slotLocked(seqno)
	if t.rows[row][col] != nil {
		return false
	}
	stored := msg.clone()
	t.rows[row][col] = &stored

	if seqno > t.highestReceived {
		t.numMissing += int(seqno - t.highestReceived - 1)
		t.highestReceived = seqno
	} else {
		t.numMissing--
	}
	return true
}

// slotLocked converts seqno to (row, col). Caller must hold t.mu and must
// have already ensured capacity.
func (t *Table) slotLocked(seqno Seqno) (int, int) {
	idx := seqno - t.offset - 1
	cols := uint64(t.cols)
	return int(idx / cols), int(idx % cols)
}

// ensureCapacityLocked grows the matrix by appending rows (capacity ×
// resizeFactor, ceiling) until seqno fits. Existing rows are left in place;
// only new rows are appended (spec §4.1 "Algorithmic notes").
func (t *Table) ensureCapacityLocked(seqno Seqno) {
	for seqno-t.offset > uint64(len(t.rows)*t.cols) {
		newRowCount := int(math.Ceil(float64(len(t.rows)) * t.resizeFactor))
		if newRowCount <= len(t.rows) {
			newRowCount = len(t.rows) + 1
		}
		for i := len(t.rows); i < newRowCount; i++ {
			t.rows = append(t.rows, make([]*Message, t.cols))
		}
		t.stats.Resizes++
	}
}

// TryAcquire attempts to take the delivery right (the processing latch).
// Returns true if this caller transitioned the latch false→true and must
// now drive RemoveMany until it returns nil.
func (t *Table) TryAcquire() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.processing {
		return false
	}
	t.processing = true
	return true
}

// ReleaseLatch forcibly clears the processing latch. Used only as the
// safety net in a deferred recover() around the delivery loop (spec §7
// "the latch release path in finally guarantees no deadlock"); the normal
// release path is RemoveMany returning nil.
func (t *Table) ReleaseLatch() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.processing = false
}

// RemoveMany returns up to max contiguous messages starting at
// highestDelivered+1. If none are ready it atomically clears the
// processing latch and returns nil — the handoff contract callers use to
// know the delivery right has been released (spec §4.1 "remove_many").
func (t *Table) RemoveMany(nullify bool, max int) []Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Message
	for max > 0 && len(out) < max {
		next := t.highestDelivered + 1
		if next > t.highestReceived {
			break
		}
		row, col := t.slotLocked(next)
		if row >= len(t.rows) || t.rows[row][col] == nil {
			break
		}
		out = append(out, *t.rows[row][col])
		if nullify {
			t.rows[row][col] = nil
		}
		t.highestDelivered = next
	}

	if len(out) == 0 {
		t.processing = false
		return nil
	}
	if nullify {
		t.considerCompactionLocked(time.Now())
	}
	return out
}

// Purge removes all slots <= seqno. When force is set, highestDelivered is
// advanced to seqno if it's behind (used by ACK handling on a sender's
// outbox, spec §4.7, where highestDelivered reads as "highest acked").
func (t *Table) Purge(seqno Seqno, force bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if force && seqno > t.highestDelivered {
		t.highestDelivered = seqno
	}
	if seqno+1 <= t.low {
		return
	}
	for s := t.low; s <= seqno && s <= t.highestReceived; s++ {
		row, col := t.slotLocked(s)
		if row < len(t.rows) && t.rows[row][col] != nil {
			t.rows[row][col] = nil
		}
	}
	t.low = seqno + 1
	t.stats.Purges++
	t.considerCompactionLocked(time.Now())
}

// considerCompactionLocked left-shifts fully-empty head rows whose seqnos
// are all <= highestDelivered and raises offset accordingly (spec §4.1).
// It compacts whenever such rows exist; when maxCompactionTime has elapsed
// and there is nothing to drop, it only resets the compaction timestamp.
func (t *Table) considerCompactionLocked(now time.Time) {
	dropRows := 0
	for i, row := range t.rows {
		if t.offset+Seqno((i+1)*t.cols) > t.highestDelivered {
			break
		}
		empty := true
		for _, m := range row {
			if m != nil {
				empty = false
				break
			}
		}
		if !empty {
			break
		}
		dropRows++
	}
	timedOut := t.maxCompactionTime > 0 && now.Sub(t.lastCompaction) >= t.maxCompactionTime
	if dropRows == 0 {
		if timedOut {
			t.lastCompaction = now
		}
		return
	}
	t.rows = append(t.rows[:0:0], t.rows[dropRows:]...)
	t.offset += Seqno(dropRows * t.cols)
	t.stats.Compactions++
	t.stats.Moves += uint64(len(t.rows))
	t.lastCompaction = now
}

// Get returns a copy of the message stored at seqno, or nil.
func (t *Table) Get(seqno Seqno) *Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	if seqno <= t.offset || seqno > t.highestReceived {
		return nil
	}
	row, col := t.slotLocked(seqno)
	if row >= len(t.rows) || t.rows[row][col] == nil {
		return nil
	}
	cp := t.rows[row][col].clone()
	return &cp
}

// GetMissing returns the ordered list of gaps in (highestDelivered,
// highestReceived]. Scans from max(low, offset+1, highestDelivered+1), not
// low itself: low only advances on an explicit Purge (the sender's
// ACK-driven outbox), so on a receiver's Table low stays put while
// delivery moves on, and starting at low would rescan (and report as
// missing) the connection's delivered, nulled-out slots on every call.
func (t *Table) GetMissing() []Seqno {
	t.mu.Lock()
	defer t.mu.Unlock()

	start := t.low
	if t.offset+1 > start {
		start = t.offset + 1
	}
	if t.highestDelivered+1 > start {
		start = t.highestDelivered + 1
	}
	var out []Seqno
	for s := start; s <= t.highestReceived; s++ {
		row, col := t.slotLocked(s)
		if row >= len(t.rows) || t.rows[row][col] == nil {
			out = append(out, s)
		}
	}
	return out
}

func (t *Table) HighestDelivered() Seqno {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.highestDelivered
}

func (t *Table) HighestReceived() Seqno {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.highestReceived
}

func (t *Table) Low() Seqno {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.low
}

func (t *Table) NumMissing() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.numMissing < 0 {
		return 0
	}
	return t.numMissing
}

// Size reports how many messages are currently stored, for the management
// surface's per-peer window-size observable (spec §6.4).
func (t *Table) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, row := range t.rows {
		for _, m := range row {
			if m != nil {
				n++
			}
		}
	}
	return n
}

func (t *Table) Stats() TableStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}
