// Package groupview implements the narrow membership collaborator a Layer
// consults to decide whether a destination is a known group member (spec
// §3 "Age-out cache", §6.2 GroupView). It is a tiny typed event bus: a
// VIEW_CHANGE replaces the member set wholesale, SET_LOCAL_ADDRESS records
// this process's own address so it never counts as a foreign peer.
//
// Modeled on the tagged-union-over-a-channel idiom the teacher uses for
// tunnel.Message/tunnel.ConnID (pkg/tunnel, imported by pkg/vif/tcp/handler.go):
// one Event type, one EventKind discriminator, a channel carrying both.
package groupview

import (
	"context"
	"sync"
)

// EventKind discriminates the events a View accepts.
type EventKind int

const (
	// ViewChange replaces the current member set.
	ViewChange EventKind = iota
	// SetLocalAddress records this process's own address.
	SetLocalAddress
)

// Event is the tagged union moving through View.Apply.
type Event[A comparable] struct {
	Kind    EventKind
	Members []A // for ViewChange
	Local   A   // for SetLocalAddress
}

// View tracks the current membership set and answers IsMember, matching
// unicast.GroupView[A]'s shape so a *View[A] can be passed directly to
// unicast.NewLayer.
type View[A comparable] struct {
	mu      sync.RWMutex
	members map[A]struct{}
	local   A
	hasLocal bool

	subs []chan Event[A]
}

// New returns an empty View. Call Apply with a ViewChange event to
// populate it.
func New[A comparable]() *View[A] {
	return &View[A]{members: make(map[A]struct{})}
}

// IsMember reports whether addr is in the current view, or is this
// process's own local address.
func (v *View[A]) IsMember(addr A) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.hasLocal && addr == v.local {
		return true
	}
	_, ok := v.members[addr]
	return ok
}

// Apply processes ev, updating the membership set or local address, and
// fans it out to every subscriber registered via Subscribe.
func (v *View[A]) Apply(ctx context.Context, ev Event[A]) {
	v.mu.Lock()
	switch ev.Kind {
	case ViewChange:
		members := make(map[A]struct{}, len(ev.Members))
		for _, m := range ev.Members {
			members[m] = struct{}{}
		}
		v.members = members
	case SetLocalAddress:
		v.local = ev.Local
		v.hasLocal = true
	}
	subs := append([]chan Event[A]{}, v.subs...)
	v.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// Subscribe registers a channel to receive every future Apply call. The
// returned function unregisters it.
func (v *View[A]) Subscribe(buf int) (ch <-chan Event[A], unsubscribe func()) {
	c := make(chan Event[A], buf)
	v.mu.Lock()
	v.subs = append(v.subs, c)
	v.mu.Unlock()

	return c, func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		for i, s := range v.subs {
			if s == c {
				v.subs = append(v.subs[:i], v.subs[i+1:]...)
				close(c)
				return
			}
		}
	}
}

// Members returns a snapshot of the current member set.
func (v *View[A]) Members() []A {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]A, 0, len(v.members))
	for m := range v.members {
		out = append(out, m)
	}
	return out
}
