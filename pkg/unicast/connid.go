package unicast

import "sync"

// connIDAllocator hands out locally-unique, strictly-increasing-until-wrap
// ConnID values (spec §4.12). There is no guarantee of uniqueness across
// process restarts; detection of a restart relies entirely on the receiver
// observing a ConnID mismatch, not on global uniqueness. 0 is a valid
// allocated value (spec §9's Open Question) - the only thing that treats 0
// specially is diagnostic tracing, which this layer does not implement.
type connIDAllocator struct {
	mu   sync.Mutex
	next ConnID
}

// allocate returns the next ConnID in sequence, wrapping from the signed
// 16-bit max back to 0.
func (a *connIDAllocator) allocate() ConnID {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.next
	if a.next == maxConnID || a.next < 0 {
		a.next = 0
	} else {
		a.next++
	}
	return id
}

const maxConnID ConnID = 1<<15 - 1
