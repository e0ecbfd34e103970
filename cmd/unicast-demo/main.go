// Command unicast-demo spins up two in-process unicast.Layer instances
// talking over loopback UDP, with configurable loss/duplication/reorder,
// and sends a stream of messages from A to B to show in-order, exactly-once
// delivery over a lossy link. It exercises no OOB messages, sender
// restarts or idle reaping. Grounded on the
// teacher's cobra.Command + RunE idiom (pkg/client/userd/service.go's
// Command/run split).
package main

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/telepresenceio/unicast/pkg/unicast"
	"github.com/telepresenceio/unicast/pkg/unicast/groupview"
	"github.com/telepresenceio/unicast/pkg/unicast/udptransport"
)

func main() {
	if err := command().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func command() *cobra.Command {
	var (
		count     int
		dropPct   int
		dupPct    int
		reorder   int
		batchSize int
	)
	c := &cobra.Command{
		Use:   "unicast-demo",
		Short: "Exchange messages between two loopback peers over a lossy unicast layer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), count, dropPct, dupPct, reorder, batchSize)
		},
	}
	c.Flags().IntVar(&count, "count", 200, "messages to send from A to B")
	c.Flags().IntVar(&dropPct, "drop-pct", 5, "percent chance a datagram is dropped")
	c.Flags().IntVar(&dupPct, "dup-pct", 5, "percent chance a datagram is duplicated")
	c.Flags().IntVar(&reorder, "reorder", 3, "max datagrams to hold back for later delivery")
	c.Flags().IntVar(&batchSize, "batch-size", 20, "max_msg_batch_size for both layers")
	return c
}

func run(ctx context.Context, count, dropPct, dupPct, reorder, batchSize int) error {
	ctx = dlog.WithLogger(ctx, dlog.WrapLogrus(logrus.StandardLogger()))
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt)
	defer cancel()

	sessionID := uuid.New().String()
	dlog.Infof(ctx, "unicast-demo session %s starting", sessionID)

	a, err := newPeer(ctx, "A", dropPct, dupPct, reorder, batchSize)
	if err != nil {
		return err
	}
	b, err := newPeer(ctx, "B", dropPct, dupPct, reorder, batchSize)
	if err != nil {
		return err
	}

	a.view.Apply(ctx, groupview.Event[udptransport.Addr]{Kind: groupview.ViewChange, Members: []udptransport.Addr{b.transport.LocalAddr()}})
	b.view.Apply(ctx, groupview.Event[udptransport.Addr]{Kind: groupview.ViewChange, Members: []udptransport.Addr{a.transport.LocalAddr()}})

	a.layer.Start(ctx)
	b.layer.Start(ctx)
	defer a.layer.Stop(ctx) //nolint:errcheck
	defer b.layer.Stop(ctx) //nolint:errcheck

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = a.transport.Run(ctx, func(ctx context.Context, src udptransport.Addr, wire []byte) error {
			return a.layer.Up(ctx, src, wire)
		})
	}()
	go func() {
		defer wg.Done()
		_ = b.transport.Run(ctx, func(ctx context.Context, src udptransport.Addr, wire []byte) error {
			return b.layer.Up(ctx, src, wire)
		})
	}()

	for i := 0; i < count; i++ {
		payload := []byte(fmt.Sprintf("msg-%d", i))
		if err := a.layer.Down(ctx, b.transport.LocalAddr(), unicast.Message{Payload: payload}); err != nil {
			dlog.Errorf(ctx, "send %d failed: %v", i, err)
		}
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-deadline:
			dlog.Infof(ctx, "delivered %d/%d messages to B", b.up.count(), count)
			return nil
		case <-ticker.C:
			if b.up.count() >= count {
				dlog.Infof(ctx, "delivered all %d messages to B", count)
				return nil
			}
		}
	}
}

type peer struct {
	transport *udptransport.Transport
	layer     *unicast.Layer[udptransport.Addr]
	view      *groupview.View[udptransport.Addr]
	up        *collector
}

func newPeer(ctx context.Context, name string, dropPct, dupPct, reorder, batchSize int) (*peer, error) {
	t, err := udptransport.Listen(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		return nil, fmt.Errorf("%s: listen: %w", name, err)
	}
	t.Fault = &faultInjector{dropPct: dropPct, dupPct: dupPct, reorderMax: reorder}

	view := groupview.New[udptransport.Addr]()
	cfg := unicast.NewDefaultConfig()
	cfg.MaxMsgBatchSize = batchSize
	cfg.XmitInterval = 100 * time.Millisecond

	up := &collector{name: name}
	layer := unicast.NewLayer[udptransport.Addr](cfg, t, up, view)

	dlog.Infof(ctx, "%s listening on %s", name, t.LocalAddr())
	return &peer{transport: t, layer: layer, view: view, up: up}, nil
}

// collector is the unicast.Upward sink used by the demo: it just counts
// and logs each delivered message.
type collector struct {
	name string

	mu  sync.Mutex
	got int
}

func (c *collector) Deliver(ctx context.Context, src udptransport.Addr, msg unicast.Message) error {
	c.mu.Lock()
	c.got++
	n := c.got
	c.mu.Unlock()
	dlog.Debugf(ctx, "%s delivered #%d from %s: %q", c.name, n, src, msg.Payload)
	return nil
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.got
}

// faultInjector implements udptransport.FaultInjector with independent
// per-send drop/duplicate rolls and a small reorder buffer; each call has a
// 30% chance of releasing the oldest held-back datagram.
type faultInjector struct {
	dropPct    int
	dupPct     int
	reorderMax int

	mu   sync.Mutex
	held [][]byte
	rng  *rand.Rand
}

func (f *faultInjector) Mangle(wire []byte) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rng == nil {
		f.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	if f.dropPct > 0 && f.rng.Intn(100) < f.dropPct {
		return nil
	}

	var out [][]byte
	if f.reorderMax > 0 && f.rng.Intn(100) < 20 && len(f.held) < f.reorderMax {
		f.held = append(f.held, wire)
	} else {
		out = append(out, wire)
		if f.dupPct > 0 && f.rng.Intn(100) < f.dupPct {
			out = append(out, wire)
		}
	}
	if len(f.held) > 0 && f.rng.Intn(100) < 30 {
		out = append(out, f.held[0])
		f.held = f.held[1:]
	}
	return out
}
