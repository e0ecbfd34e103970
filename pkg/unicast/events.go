package unicast

import "context"

// Transport is the narrow interface to "the layer below" (spec §6.2 /
// OUT OF SCOPE list: "the transport below"). Send must not block
// indefinitely; transport failures surface as an error, which the down
// pipeline and retransmit task both treat as non-fatal (spec §7: "the
// message remains in the Window and will be retransmitted").
type Transport[A Addr] interface {
	Send(ctx context.Context, dst A, wire []byte) error
}

// Upward is the narrow interface to "the next layer up" (spec §6.2). A
// panic or error from Deliver is caught and logged by the delivery pump;
// it never aborts the pump or leaks the processing latch (spec §7).
type Upward[A Addr] interface {
	Deliver(ctx context.Context, src A, msg Message) error
}

// GroupView answers "is addr a current member of the view" (spec §6.2
// VIEW_CHANGE), used to decide whether a brand-new destination should be
// registered with the age-out cache (spec §3 "Age-out cache").
type GroupView[A Addr] interface {
	IsMember(addr A) bool
}

// staticGroupView is a GroupView that always answers the same way, used
// when the enclosing stack has no membership concept (e.g. a point-to-point
// embedding with only ever one peer).
type staticGroupView[A Addr] struct{ member bool }

func (s staticGroupView[A]) IsMember(A) bool { return s.member }

// AlwaysMember is a GroupView under which every destination is considered
// a member, disabling the age-out cache's registration path entirely.
func AlwaysMember[A Addr]() GroupView[A] { return staticGroupView[A]{member: true} }

// NeverMember is a GroupView under which no destination is ever a member,
// so every destination is tracked by the age-out cache.
func NeverMember[A Addr]() GroupView[A] { return staticGroupView[A]{member: false} }
