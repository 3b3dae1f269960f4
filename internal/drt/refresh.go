package drt

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// runRefresh periodically refreshes the routing table by looking up a
// random key, then republishes every registration so that new
// neighbours learn about them.
func (n *Node) runRefresh(ctx context.Context, interval time.Duration) {
	t := n.clk.Ticker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n.refresh(ctx, interval)
		}
	}
}

func (n *Node) refresh(ctx context.Context, interval time.Duration) {
	n.pingStale(ctx, interval)
	n.lookupNodes(ctx, RandomKey())
	n.maybeActive()
	for _, r := range n.regs.all() {
		if r.State() == RegistrationUnregistered {
			continue
		}
		pctx, cancel := context.WithTimeout(ctx, n.rpcBudget())
		n.publish(pctx, r, false)
		cancel()
	}
}

// pingStale pings every node entry not heard from within maxAge. A peer
// that never answers is dropped by call, which bounds each ping by its
// retries.
func (n *Node) pingStale(ctx context.Context, maxAge time.Duration) {
	cutoff := n.clk.Now().Add(-maxAge)
	var g errgroup.Group
	g.SetLimit(publishParallelism)
	for _, e := range n.rt.Entries() {
		e := e // per-iteration copy (pre-Go 1.22 loop semantics)
		if !e.IsNode() || e.LastSeen.After(cutoff) {
			continue
		}
		g.Go(func() error {
			_, _ = n.Ping(ctx, e.Addr)
			return nil
		})
	}
	_ = g.Wait()
}
