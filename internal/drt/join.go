package drt

import (
	"context"
	"net/netip"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"p2p-drt/internal/bootstrap"
)

const joinParallelism = 8

// join seeds the routing table from the bootstrap provider and reports
// the resulting status. Only fatal bootstrap errors are returned.
func (n *Node) join(ctx context.Context) (Status, error) {
	seeds, err := n.resolveSeeds(ctx)
	if err != nil {
		if bootstrap.IsFatal(err) {
			n.Logf("bootstrap failed: %v", err)
			return StatusFaulted, err
		}
		n.Logf("bootstrap: %v", err)
	}
	if len(seeds) == 0 {
		return StatusAlone, nil
	}

	var alive atomic.Int32
	var g errgroup.Group
	g.SetLimit(joinParallelism)
	for _, addr := range seeds {
		addr := addr // per-iteration copy (pre-Go 1.22 loop semantics)
		g.Go(func() error {
			if _, err := n.Ping(ctx, addr); err != nil {
				n.Logf("seed %s: %v", addr, err)
				return nil
			}
			alive.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	if alive.Load() == 0 {
		return StatusNoNetwork, nil
	}

	n.lookupNodes(ctx, n.key)
	return StatusActive, nil
}

// resolveSeeds runs one bootstrap resolution and collects its addresses,
// minus our own.
func (n *Node) resolveSeeds(ctx context.Context) ([]netip.AddrPort, error) {
	b := n.cfg.Bootstrap
	if b == nil {
		return nil, nil
	}
	rc, err := b.InitResolve(false, n.cfg.BootstrapTimeout, n.cfg.MaxBootstrapResults)
	if err != nil {
		return nil, err
	}

	self := n.tr.LocalAddr()
	seen := make(map[netip.AddrPort]bool)
	var seeds []netip.AddrPort
	err = b.IssueResolve(ctx, rc, func(_ context.Context, st bootstrap.Status, addrs []netip.AddrPort, _ bool) {
		if st != bootstrap.StatusOK {
			return
		}
		for _, a := range addrs {
			if a == self || seen[a] {
				continue
			}
			seen[a] = true
			seeds = append(seeds, a)
		}
	})
	if eerr := b.EndResolve(ctx, rc); eerr != nil && err == nil {
		n.Logf("end resolve: %v", eerr)
	}
	return seeds, err
}
