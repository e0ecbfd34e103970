package unicast

import (
	"sync"
	"time"
)

// ageOutCache tracks deadlines for destinations that are not (yet, or no
// longer) known group members. When max_retransmit_time (spec §6.3)
// elapses without the destination being confirmed as a member, sweep
// reports it so the core can tear down both windows for that peer (spec
// §3 "Age-out cache"). Modeled on the teacher's single-timer idiom in
// pkg/vif/tcp/handler.go's setStopTimer, generalized to many peers swept
// by one periodic pass instead of one timer per connection.
type ageOutCache[A Addr] struct {
	mu       sync.Mutex
	deadline map[A]time.Time
	ttl      time.Duration
}

func newAgeOutCache[A Addr](ttl time.Duration) *ageOutCache[A] {
	return &ageOutCache[A]{deadline: make(map[A]time.Time), ttl: ttl}
}

// register records addr's deadline if it isn't already tracked. Repeated
// registration of an address that is still pending leaves the original
// deadline untouched, matching "registered on its first outbound message".
func (c *ageOutCache[A]) register(addr A, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.deadline[addr]; ok {
		return
	}
	c.deadline[addr] = now.Add(c.ttl)
}

// confirm removes addr from the cache, e.g. once it is observed in a
// VIEW_CHANGE membership list.
func (c *ageOutCache[A]) confirm(addr A) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.deadline, addr)
}

// confirmMembers drops every tracked address that view now reports as a
// member, e.g. one that appeared in a VIEW_CHANGE after being registered
// as a stranger on its first outbound message. Read out under the lock,
// confirmed outside it, so an IsMember implementation is never called
// while c.mu is held.
func (c *ageOutCache[A]) confirmMembers(view GroupView[A]) {
	c.mu.Lock()
	pending := make([]A, 0, len(c.deadline))
	for addr := range c.deadline {
		pending = append(pending, addr)
	}
	c.mu.Unlock()

	for _, addr := range pending {
		if view.IsMember(addr) {
			c.confirm(addr)
		}
	}
}

// sweep returns the addresses whose deadline has passed as of now, and
// removes them from the cache.
func (c *ageOutCache[A]) sweep(now time.Time) []A {
	c.mu.Lock()
	defer c.mu.Unlock()
	var expired []A
	for addr, dl := range c.deadline {
		if !now.Before(dl) {
			expired = append(expired, addr)
			delete(c.deadline, addr)
		}
	}
	return expired
}
