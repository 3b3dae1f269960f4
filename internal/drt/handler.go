package drt

import (
	"bytes"
	"errors"
	"fmt"
	"net/netip"

	"p2p-drt/internal/netx"
	"p2p-drt/internal/proto"
)

func (n *Node) recvLoop() {
	defer n.wg.Done()
	for {
		from, b, err := n.tr.Receive(n.ctx)
		if err != nil {
			if n.ctx.Err() != nil || errors.Is(err, netx.ErrClosed) {
				return
			}
			n.Logf("receive: %v", err)
			continue
		}
		n.handleDatagram(from, b)
	}
}

func (n *Node) handleDatagram(from netip.AddrPort, b []byte) {
	if !n.limiter.allow(from, n.clk.Now()) {
		return
	}
	env, err := proto.UnmarshalEnvelope(b)
	if err != nil {
		n.Logf("bad datagram from %s: %v", from, err)
		return
	}
	sender, err := ParseKeyHex(env.From)
	if err != nil || sender == n.key {
		return
	}

	// Update routing table on any traffic.
	n.observeNode(sender, from)

	if env.Kind.IsReply() {
		n.deliver(env)
		return
	}

	switch env.Kind {
	case proto.KindPing:
		n.reply(from, proto.Envelope{Kind: proto.KindPong, RPCID: env.RPCID, Credential: n.cred})
	case proto.KindFind:
		n.handleFind(from, env)
	case proto.KindPublish:
		n.handlePublish(from, env)
	default:
		n.Logf("unknown message %q from %s", env.Kind, from)
	}
}

// observeNode records a node we heard from. A full bucket pings its
// least recently seen entry off the receive path.
func (n *Node) observeNode(key Key, addr netip.AddrPort) {
	e := Entry{Key: key, Addr: addr, Flags: entryNode}
	if _, ok := n.rt.Get(key); ok {
		n.rt.Upsert(e)
		return
	}
	if n.rt.Upsert(e) {
		n.leafsetChanged(LeafsetAdded, e)
		return
	}
	n.goAsync(func() {
		added, evicted := n.rt.UpsertWithEviction(e, n.pingEntry)
		if evicted != nil {
			n.leafsetChanged(LeafsetDeleted, *evicted)
		}
		if added {
			n.leafsetChanged(LeafsetAdded, e)
		}
	})
}

func parseOptionalKey(s string) (Key, error) {
	if s == "" {
		return Key{}, nil
	}
	return ParseKeyHex(s)
}

func parseFind(env proto.Envelope) (findQuery, error) {
	q := findQuery{Mode: env.Mode, Limit: env.Limit}
	var err error
	if q.Target, err = parseOptionalKey(env.Target); err != nil {
		return q, err
	}
	if q.Min, err = parseOptionalKey(env.Min); err != nil {
		return q, err
	}
	if q.Max, err = parseOptionalKey(env.Max); err != nil {
		return q, err
	}
	if q.Mode == proto.FindRange && Compare(q.Min, q.Max) > 0 {
		return q, errors.New("range min above max")
	}
	return q, nil
}

func (n *Node) handleFind(from netip.AddrPort, env proto.Envelope) {
	q, err := parseFind(env)
	if err != nil {
		n.reply(from, proto.Envelope{Kind: proto.KindFound, RPCID: env.RPCID, Error: "bad_request"})
		return
	}

	var recs []proto.Record
	for _, r := range n.regs.match(q) {
		rec, err := n.packRegistration(r, env.Nonce, 0)
		if err != nil {
			n.Logf("pack %s: %v", r.Key.Hex()[:16], err)
			continue
		}
		recs = append(recs, rec)
	}

	steer := q.Target
	if q.Mode == proto.FindRange && steer == (Key{}) {
		steer = Midpoint(q.Min, q.Max)
	}
	closest := n.rt.Closest(steer, n.cfg.BucketSize, false)
	nodes := make([]proto.RouteNode, 0, len(closest))
	for _, e := range closest {
		if e.Addr == from {
			continue
		}
		nodes = append(nodes, proto.RouteNode{Key: e.Key.Hex(), Addr: e.Addr.String(), Flags: e.Flags})
	}

	n.reply(from, proto.Envelope{Kind: proto.KindFound, RPCID: env.RPCID, Records: recs, Nodes: nodes})
}

func (n *Node) handlePublish(from netip.AddrPort, env proto.Envelope) {
	results, err := n.unpackRecords(env.Records, env.Nonce, from)
	if err != nil {
		n.Logf("publish from %s rejected: %v", from, err)
		n.reply(from, proto.Envelope{Kind: proto.KindPublishAck, RPCID: env.RPCID, Error: err.Error()})
		return
	}

	for _, r := range results {
		addr := from
		if len(r.Addresses) > 0 {
			addr = r.Addresses[0]
		}
		e := Entry{Key: r.Key, Addr: addr}
		if r.Flags&proto.FlagWithdraw != 0 {
			cur, ok := n.rt.Get(r.Key)
			if !ok || cur.IsNode() || cur.Addr != addr {
				continue
			}
			if removed, promoted := n.rt.RemoveAndPromote(r.Key); removed {
				n.leafsetChanged(LeafsetDeleted, cur)
				if promoted != nil {
					n.leafsetChanged(LeafsetAdded, *promoted)
				}
			}
			continue
		}
		if n.rt.Upsert(e) {
			n.leafsetChanged(LeafsetAdded, e)
		}
	}
	n.reply(from, proto.Envelope{Kind: proto.KindPublishAck, RPCID: env.RPCID, OK: true})
}

// packRegistration seals r for a peer that asked with nonce.
func (n *Node) packRegistration(r *Registration, nonce []byte, flags uint32) (proto.Record, error) {
	addrs := proto.SocketAddresses([]netip.AddrPort{n.tr.LocalAddr()})
	p, err := n.sec.SecureAndPackPayload(n.cfg.ProtocolVersion, flags, r.Key.Bytes(), r.AppData, addrs, nonce)
	if err != nil {
		return proto.Record{}, err
	}
	return proto.Record{
		Key:       r.Key.Hex(),
		Secured:   p.SecuredPayload,
		Inner:     p.SecuredInnerPayload,
		CertChain: p.CertChain,
	}, nil
}

// unpackRecords validates every record against nonce. Any bad record
// rejects the whole batch.
func (n *Node) unpackRecords(recs []proto.Record, nonce []byte, from netip.AddrPort) ([]Result, error) {
	out := make([]Result, 0, len(recs))
	for _, rec := range recs {
		k, err := ParseKeyHex(rec.Key)
		if err != nil {
			return nil, fmt.Errorf("%w: record key: %v", proto.ErrInvalidMessage, err)
		}
		u, err := n.sec.ValidateAndUnpackPayload(rec.Secured, rec.Inner, rec.CertChain, nonce)
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(u.Key, k[:]) {
			return nil, fmt.Errorf("%w: record key mismatch", proto.ErrInvalidMessage)
		}
		out = append(out, Result{
			Key:             k,
			AppData:         u.Payload,
			Addresses:       fixAddrs(proto.AddrPorts(u.Addresses), from),
			Flags:           u.Flags,
			PublicKey:       u.PublicKey,
			ProtocolVersion: u.ProtocolVersion,
			From:            from,
		})
	}
	return out, nil
}

// fixAddrs replaces wildcard IPs with the address the record came from.
func fixAddrs(addrs []netip.AddrPort, from netip.AddrPort) []netip.AddrPort {
	for i, a := range addrs {
		if a.Addr().IsUnspecified() && from.IsValid() {
			addrs[i] = netip.AddrPortFrom(from.Addr(), a.Port())
		}
	}
	return addrs
}
