package drt

import (
	"context"
	"fmt"
	"net/netip"
	"strings"

	"p2p-drt/internal/proto"
)

// call sends req to addr and waits for the reply with the same RPC id.
// Each attempt waits RPCTimeout; the request is resent RPCRetries times.
func (n *Node) call(ctx context.Context, to netip.AddrPort, req proto.Envelope) (proto.Envelope, error) {
	req.RPCID = newRPCID()
	req.From = n.key.Hex()
	kind := strings.ToLower(string(req.Kind))

	b, err := req.Marshal()
	if err != nil {
		return proto.Envelope{}, err
	}

	ch := make(chan proto.Envelope, 1)
	n.pendingMu.Lock()
	n.pending[req.RPCID] = ch
	n.pendingMu.Unlock()
	defer func() {
		n.pendingMu.Lock()
		delete(n.pending, req.RPCID)
		n.pendingMu.Unlock()
	}()

	lastErr := ErrRPCTimeout
	for attempt := 0; attempt <= n.cfg.RPCRetries; attempt++ {
		if err := n.tr.Send(ctx, to, b); err != nil {
			lastErr = err
			break
		}

		timer := n.clk.Timer(n.cfg.RPCTimeout)
		select {
		case resp := <-ch:
			timer.Stop()
			n.cfg.Metrics.IncRPC(kind, true)
			return resp, nil
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			n.cfg.Metrics.IncRPC(kind, false)
			return proto.Envelope{}, ctx.Err()
		case <-n.ctx.Done():
			timer.Stop()
			n.cfg.Metrics.IncRPC(kind, false)
			return proto.Envelope{}, ErrNotOpen
		}
	}
	n.cfg.Metrics.IncRPC(kind, false)
	if lastErr == ErrRPCTimeout {
		n.dropPeer(to)
	}
	return proto.Envelope{}, fmt.Errorf("drt: %s to %s: %w", kind, to, lastErr)
}

// deliver hands a reply to the waiting call, if any.
func (n *Node) deliver(env proto.Envelope) bool {
	if env.RPCID == "" {
		return false
	}
	n.pendingMu.Lock()
	ch := n.pending[env.RPCID]
	if ch != nil {
		delete(n.pending, env.RPCID)
	}
	n.pendingMu.Unlock()
	if ch == nil {
		return false
	}
	select {
	case ch <- env:
	default:
	}
	return true
}

func (n *Node) reply(to netip.AddrPort, env proto.Envelope) {
	env.From = n.key.Hex()
	b, err := env.Marshal()
	if err != nil {
		n.Logf("marshal %s: %v", env.Kind, err)
		return
	}
	if err := n.tr.Send(n.ctx, to, b); err != nil {
		n.Logf("send %s to %s: %v", env.Kind, to, err)
	}
}

// Ping checks that addr is alive and returns its node key. Both sides
// add the other to their routing table.
func (n *Node) Ping(ctx context.Context, addr netip.AddrPort) (Key, error) {
	resp, err := n.call(ctx, addr, proto.Envelope{Kind: proto.KindPing, Credential: n.cred})
	if err != nil {
		if n.cfg.PeerStore != nil {
			_ = n.cfg.PeerStore.NoteFailure(addr)
		}
		return Key{}, err
	}
	if resp.Kind != proto.KindPong {
		return Key{}, fmt.Errorf("%w: %s to ping", ErrBadReply, resp.Kind)
	}
	k, err := ParseKeyHex(resp.From)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrBadReply, err)
	}
	if n.cfg.PeerStore != nil {
		if err := n.cfg.PeerStore.NoteSuccess(k.Hex(), addr); err != nil {
			n.Logf("peer store: %v", err)
		}
	}
	return k, nil
}

func (n *Node) pingEntry(e Entry) bool {
	_, err := n.Ping(n.ctx, e.Addr)
	return err == nil
}
