package bootstrap

import (
	"context"
	"fmt"
	"net/netip"

	"p2p-drt/internal/discovery"
)

type PeerSource interface {
	// Discover returns candidate peer addresses.
	Discover(ctx context.Context) ([]netip.AddrPort, error)
	Name() string
}

type StaticSource struct {
	Addrs []netip.AddrPort
	Label string
}

func (s StaticSource) Name() string {
	if s.Label != "" {
		return s.Label
	}
	return "static"
}

func (s StaticSource) Discover(ctx context.Context) ([]netip.AddrPort, error) {
	return append([]netip.AddrPort(nil), s.Addrs...), nil
}

// PeerCache is the persisted record of peers that answered before.
// drtbolt.Store satisfies it.
type PeerCache interface {
	Candidates(maxFailures, limit int) ([]netip.AddrPort, error)
}

type PeerCacheSource struct {
	Cache       PeerCache
	MaxFailures int
	Limit       int
}

func (s PeerCacheSource) Name() string { return "peercache" }

func (s PeerCacheSource) Discover(ctx context.Context) ([]netip.AddrPort, error) {
	return s.Cache.Candidates(s.MaxFailures, s.Limit)
}

type LANSource struct {
	Cfg        discovery.LANConfig
	ListenAddr string
	NameStr    string
}

func (s LANSource) Name() string { return "lan:" + s.Cfg.Cloud }

func (s LANSource) Discover(ctx context.Context) ([]netip.AddrPort, error) {
	addrs, err := discovery.DiscoverLANPeers(ctx, s.Cfg, s.ListenAddr, s.NameStr)
	if err != nil {
		return nil, err
	}
	out := make([]netip.AddrPort, 0, len(addrs))
	for _, a := range addrs {
		ap, err := netip.ParseAddrPort(a)
		if err != nil {
			continue
		}
		out = append(out, ap)
	}
	return out, nil
}

func sourceCandidates(sources []PeerSource) []candidate {
	out := make([]candidate, 0, len(sources))
	for _, s := range sources {
		if s == nil {
			continue
		}
		out = append(out, candidate{name: s.Name(), resolve: s.Discover})
	}
	return out
}

type CustomConfig struct {
	Options
	Sources      []PeerSource
	OnRegister   func(addrs []netip.AddrPort) error
	OnUnregister func()
}

// Custom resolves through host-supplied peer sources, each one a
// candidate.
type Custom struct {
	base
	cfg CustomConfig
}

func NewCustom(cfg CustomConfig) (*Custom, error) {
	if len(cfg.Sources) == 0 {
		return nil, fatal(fmt.Errorf("bootstrap: custom provider has no sources"))
	}
	return &Custom{base: newBase(cfg.Options), cfg: cfg}, nil
}

func (c *Custom) IssueResolve(ctx context.Context, rc *ResolveContext, fn ResolveFunc) error {
	return c.issue(ctx, rc, fn, sourceCandidates(c.cfg.Sources))
}

func (c *Custom) Register(addrs []netip.AddrPort) error {
	if c.cfg.OnRegister == nil {
		return nil
	}
	return c.cfg.OnRegister(addrs)
}

func (c *Custom) Unregister() {
	if c.cfg.OnUnregister != nil {
		c.cfg.OnUnregister()
	}
}
