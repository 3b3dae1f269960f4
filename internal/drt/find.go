package drt

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"p2p-drt/internal/proto"
)

// Node implements searchEnv.

func (n *Node) localMatches(q findQuery) []Result {
	self := []netip.AddrPort{n.tr.LocalAddr()}
	regs := n.regs.match(q)
	out := make([]Result, 0, len(regs))
	for _, r := range regs {
		out = append(out, Result{
			Key:             r.Key,
			AppData:         append([]byte(nil), r.AppData...),
			Addresses:       append([]netip.AddrPort(nil), self...),
			ProtocolVersion: n.cfg.ProtocolVersion,
		})
	}
	return out
}

func (n *Node) closestNodes(target Key, count int) []Entry {
	if count <= 0 {
		count = n.cfg.BucketSize
	}
	return n.rt.Closest(target, count, false)
}

func (n *Node) selfAddr() netip.AddrPort { return n.tr.LocalAddr() }

func (n *Node) observeSearch(kind string, hops int, d time.Duration, ok bool) {
	n.cfg.Metrics.ObserveSearch(kind, hops, d, ok)
}

func (n *Node) logf(format string, args ...any) { n.Logf(format, args...) }

// find asks one node for matches and closer entries. Records are sealed
// by the responder with a nonce fresh to this request, so a replayed
// answer fails validation.
func (n *Node) find(ctx context.Context, to netip.AddrPort, q findQuery) (findReply, error) {
	nonce := newNonce()
	req := proto.Envelope{
		Kind:  proto.KindFind,
		Nonce: nonce,
		Mode:  q.Mode,
		Limit: q.Limit,
	}
	if q.Target != (Key{}) {
		req.Target = q.Target.Hex()
	}
	if q.Mode == proto.FindRange {
		req.Min, req.Max = q.Min.Hex(), q.Max.Hex()
	}

	resp, err := n.call(ctx, to, req)
	if err != nil {
		return findReply{}, err
	}
	if resp.Kind != proto.KindFound {
		return findReply{}, fmt.Errorf("%w: %s to find", ErrBadReply, resp.Kind)
	}
	if resp.Error != "" {
		return findReply{}, fmt.Errorf("%w: %s", ErrBadReply, resp.Error)
	}

	results, err := n.unpackRecords(resp.Records, nonce, to)
	if err != nil {
		return findReply{}, err
	}
	return findReply{Results: results, Nodes: routeEntries(resp.Nodes)}, nil
}

// routeEntries converts wire routing entries, skipping malformed ones.
func routeEntries(nodes []proto.RouteNode) []Entry {
	out := make([]Entry, 0, len(nodes))
	for _, rn := range nodes {
		k, err := ParseKeyHex(rn.Key)
		if err != nil {
			continue
		}
		addr, err := netip.ParseAddrPort(rn.Addr)
		if err != nil {
			continue
		}
		out = append(out, Entry{Key: k, Addr: addr, Flags: rn.Flags & entryNode})
	}
	return out
}
