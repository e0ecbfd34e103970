// Package udptransport is a concrete unicast.Transport over a plain
// net.UDPConn: the most natural unreliable, reordering, duplicating
// carrier for a reliability layer that assumes exactly those failure
// modes. A background read-loop goroutine feeds decoded datagrams to an
// Up/UpBatch caller, mirroring the read-loop-into-channel shape the
// teacher uses for its own packet sources (pkg/vif/tcp/handler.go's
// toMgrMsgCh, fed by a dedicated goroutine and drained by the state
// machine's main loop).
package udptransport

import (
	"context"
	"fmt"
	"net"

	"github.com/datawire/dlib/dlog"
)

// Addr is a comparable-by-value stand-in for *net.UDPAddr: unicast.Addr
// requires comparable, and two separately-read *net.UDPAddr values for the
// same peer are never == even when they name the same socket, so the
// layer's connection tables need a value type instead of a pointer.
type Addr struct {
	IP   [16]byte
	Zone string
	Port int
}

// FromUDPAddr converts a *net.UDPAddr to the comparable Addr form.
func FromUDPAddr(a *net.UDPAddr) Addr {
	var ip [16]byte
	copy(ip[:], a.IP.To16())
	return Addr{IP: ip, Zone: a.Zone, Port: a.Port}
}

// ToUDPAddr converts back to *net.UDPAddr for use with the standard
// library's net package.
func (a Addr) ToUDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IP(a.IP[:]), Zone: a.Zone, Port: a.Port}
}

func (a Addr) String() string {
	return a.ToUDPAddr().String()
}

// Receiver is called once per datagram read off the wire; it is expected
// to hand the bytes to a unicast.Layer's Up or UpBatch method.
type Receiver func(ctx context.Context, src Addr, wire []byte) error

// Transport implements unicast.Transport[Addr] over a bound net.UDPConn,
// plus a Run loop that feeds a Receiver.
type Transport struct {
	conn *net.UDPConn

	// Fault, if set, lets a demo or integration test mangle outgoing
	// datagrams to exercise the layer's recovery paths (spec §8
	// scenarios 2-5: loss, duplication, reorder).
	Fault FaultInjector
}

// FaultInjector optionally mangles outgoing datagrams before they hit the
// wire. A nil Fault (the zero Transport) never mangles anything.
type FaultInjector interface {
	// Mangle returns the datagrams that should actually be sent for one
	// call to Send; it may return zero, one, or more than one copy of
	// wire (drop, pass-through, or duplicate).
	Mangle(wire []byte) [][]byte
}

// Listen opens a UDP socket bound to laddr.
func Listen(laddr *net.UDPAddr) (*Transport, error) {
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}
	return &Transport{conn: conn}, nil
}

// LocalAddr returns the bound local address.
func (t *Transport) LocalAddr() Addr {
	return FromUDPAddr(t.conn.LocalAddr().(*net.UDPAddr))
}

// Close releases the underlying socket, unblocking any in-flight Run.
func (t *Transport) Close() error {
	return t.conn.Close()
}

// Send implements unicast.Transport[Addr]. It never blocks beyond the OS
// socket buffer and never retries; a dropped datagram is the layer's
// problem to notice and recover from (spec §2 "the transport may reorder,
// duplicate, and drop datagrams").
func (t *Transport) Send(ctx context.Context, dst Addr, wire []byte) error {
	copies := [][]byte{wire}
	if t.Fault != nil {
		copies = t.Fault.Mangle(wire)
	}
	for _, c := range copies {
		if _, err := t.conn.WriteToUDP(c, dst.ToUDPAddr()); err != nil {
			return fmt.Errorf("udptransport: write to %s: %w", dst, err)
		}
	}
	return nil
}

// Run reads datagrams until ctx is canceled or the socket is closed,
// invoking recv for each one. Grounded on the teacher's dedicated
// read-goroutine-into-channel pattern, collapsed here into a direct
// callback since this package owns no delivery ordering of its own (the
// Layer's own ConnID/seqno machinery handles that).
func (t *Transport) Run(ctx context.Context, recv Receiver) error {
	buf := make([]byte, 64*1024)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		wire := make([]byte, n)
		copy(wire, buf[:n])
		if err := recv(ctx, FromUDPAddr(addr), wire); err != nil {
			dlog.Errorf(ctx, "udptransport: %s, receive callback failed: %v", addr, err)
		}
	}
}
