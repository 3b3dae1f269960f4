package drt

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"p2p-drt/internal/proto"
)

const publishParallelism = 8

// publish announces r (or its withdrawal) to the nodes closest to its key
// and returns how many acknowledged.
func (n *Node) publish(ctx context.Context, r *Registration, withdraw bool) int {
	targets := n.rt.Closest(r.Key, n.cfg.PublishFanout, true)
	if len(targets) == 0 {
		return 0
	}
	var flags uint32
	if withdraw {
		flags = proto.FlagWithdraw
	}
	nonce := newNonce()
	rec, err := n.packRegistration(r, nonce, flags)
	if err != nil {
		n.Logf("pack %s: %v", r.Key.Hex()[:16], err)
		return 0
	}

	var acks atomic.Int32
	var g errgroup.Group
	g.SetLimit(publishParallelism)
	for _, t := range targets {
		t := t // per-iteration copy (pre-Go 1.22 loop semantics)
		g.Go(func() error {
			resp, err := n.call(ctx, t.Addr, proto.Envelope{
				Kind:    proto.KindPublish,
				Nonce:   nonce,
				Records: []proto.Record{rec},
			})
			switch {
			case err != nil:
				n.Logf("publish %s to %s: %v", r.Key.Hex()[:16], t.Addr, err)
			case !resp.OK:
				n.Logf("publish %s to %s refused: %s", r.Key.Hex()[:16], t.Addr, resp.Error)
			default:
				acks.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(acks.Load())
}
