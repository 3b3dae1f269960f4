package drt

import (
	"context"
	"net/netip"

	"p2p-drt/internal/proto"
)

type LookupConfig struct {
	Alpha     int
	K         int
	MaxRounds int
}

func DefaultLookupConfig() LookupConfig {
	return LookupConfig{
		Alpha:     3,
		K:         20,
		MaxRounds: 32,
	}
}

// lookupNodes walks toward target, alpha queries at a time, and returns
// the K closest node entries it learned. Learned nodes are added to the
// routing table.
func (n *Node) lookupNodes(ctx context.Context, target Key) []Entry {
	cfg := n.cfg.Lookup
	if cfg.Alpha <= 0 {
		cfg.Alpha = 3
	}
	if cfg.K <= 0 {
		cfg.K = 20
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 32
	}

	best := n.rt.Closest(target, cfg.K, true)
	queried := make(map[netip.AddrPort]bool)
	seen := make(map[Key]bool)
	for _, e := range best {
		seen[e.Key] = true
	}
	queried[n.tr.LocalAddr()] = true

	// helper to choose next α
	pickNext := func() []Entry {
		out := make([]Entry, 0, cfg.Alpha)
		for _, e := range best {
			if len(out) == cfg.Alpha {
				break
			}
			if queried[e.Addr] {
				continue
			}
			queried[e.Addr] = true
			out = append(out, e)
		}
		return out
	}

	closerFound := true
	rounds := 0

	for closerFound && rounds < cfg.MaxRounds && ctx.Err() == nil {
		rounds++
		closerFound = false

		toQuery := pickNext()
		if len(toQuery) == 0 {
			break
		}

		type result struct {
			nodes []Entry
			ok    bool
		}
		resCh := make(chan result, len(toQuery))

		for _, peer := range toQuery {
			go func(addr netip.AddrPort) {
				resp, err := n.find(ctx, addr, findQuery{Mode: proto.FindNodes, Target: target})
				if err != nil {
					resCh <- result{ok: false}
					return
				}
				resCh <- result{nodes: resp.Nodes, ok: true}
			}(peer.Addr)
		}

		for i := 0; i < len(toQuery); i++ {
			r := <-resCh
			if !r.ok {
				continue
			}
			for _, e := range r.nodes {
				if !e.IsNode() || e.Key == n.key || seen[e.Key] {
					continue
				}
				seen[e.Key] = true
				if n.rt.Upsert(e) {
					n.leafsetChanged(LeafsetAdded, e)
				}
				best = append(best, e)
				closerFound = true
			}
		}

		SortByDistance(best, target)
		if len(best) > cfg.K {
			best = best[:cfg.K]
		}
	}
	return best
}
