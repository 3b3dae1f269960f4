// Package sim runs many DRT nodes inside one process over a lossy
// in-memory datagram network. It exists to measure routing and search
// behavior, not to carry real traffic.
package sim

import (
	"context"
	"math/rand"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/multierr"

	"p2p-drt/internal/bootstrap"
	"p2p-drt/internal/drt"
	"p2p-drt/internal/netx"
	"p2p-drt/internal/telemetry"
)

type Network struct {
	Mem *netx.MemNetwork

	mu       sync.Mutex
	rng      *rand.Rand
	dropRate float64
	nodes    []*drt.Node
}

// NewNetwork builds an empty network whose packet loss is drawn from a
// generator seeded with seed.
func NewNetwork(seed int64) *Network {
	nw := &Network{
		Mem: netx.NewMemNetwork(),
		rng: rand.New(rand.NewSource(seed)),
	}
	nw.Mem.SetDropFunc(nw.shouldDrop)
	return nw
}

// SetDropRate sets the fraction (0..1) of datagrams silently lost.
func (nw *Network) SetDropRate(r float64) {
	nw.mu.Lock()
	nw.dropRate = r
	nw.mu.Unlock()
}

func (nw *Network) shouldDrop(_, _ netip.AddrPort) bool {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	return nw.dropRate > 0 && nw.rng.Float64() < nw.dropRate
}

// NodeConfig is the baseline config of spawned nodes: null security, no
// background refresh and short RPC timeouts.
func (nw *Network) NodeConfig() drt.Config {
	cfg := drt.DefaultConfig()
	cfg.Logger = telemetry.Discard()
	cfg.RPCTimeout = 200 * time.Millisecond
	cfg.SearchTimeout = 5 * time.Second
	cfg.RefreshInterval = -1
	return cfg
}

// Spawn opens a node that joins through seeds. With no seeds the node
// starts alone.
func (nw *Network) Spawn(ctx context.Context, seeds ...netip.AddrPort) (*drt.Node, error) {
	cfg := nw.NodeConfig()
	cfg.Transport = nw.Mem.Listen()
	if len(seeds) > 0 {
		b, err := bootstrap.NewCustom(bootstrap.CustomConfig{
			Sources: []bootstrap.PeerSource{bootstrap.StaticSource{Addrs: seeds, Label: "sim"}},
		})
		if err != nil {
			_ = cfg.Transport.Close()
			return nil, err
		}
		cfg.Bootstrap = b
	}
	n, err := drt.New(cfg)
	if err != nil {
		_ = cfg.Transport.Close()
		return nil, err
	}
	if err := n.Open(ctx); err != nil {
		return nil, err
	}
	nw.mu.Lock()
	nw.nodes = append(nw.nodes, n)
	nw.mu.Unlock()
	return n, nil
}

// Star spawns count nodes: the first alone, every other joining through it.
func (nw *Network) Star(ctx context.Context, count int) ([]*drt.Node, error) {
	root, err := nw.Spawn(ctx)
	if err != nil {
		return nil, err
	}
	out := []*drt.Node{root}
	for i := 1; i < count; i++ {
		n, err := nw.Spawn(ctx, root.LocalAddr())
		if err != nil {
			return out, err
		}
		out = append(out, n)
	}
	return out, nil
}

func (nw *Network) Nodes() []*drt.Node {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	return append([]*drt.Node(nil), nw.nodes...)
}

// Close closes every spawned node.
func (nw *Network) Close() error {
	var errs error
	for _, n := range nw.Nodes() {
		errs = multierr.Append(errs, n.Close())
	}
	return errs
}
