package bootstrap

import (
	"context"
	"net/netip"
	"sync"

	"p2p-drt/internal/discovery"
)

type PeerNameConfig struct {
	Options
	LAN discovery.LANConfig
	// Cache seeds resolution with peers that answered in earlier runs.
	Cache       PeerCache
	MaxFailures int
	CacheLimit  int
	// Name is announced in LAN pongs.
	Name       string
	DisableLAN bool
}

// PeerName resolves a cloud name from the local peer cache, then from
// LAN discovery. Register announces the node on the LAN for the cloud.
type PeerName struct {
	base
	cfg PeerNameConfig

	mu      sync.Mutex
	listen  string
	stopLAN context.CancelFunc
}

func NewPeerName(cfg PeerNameConfig) *PeerName {
	if cfg.LAN.Port == 0 {
		def := discovery.DefaultLANConfig()
		def.Cloud = cfg.LAN.Cloud
		cfg.LAN = def
	}
	if cfg.LAN.Cloud == "" {
		cfg.LAN.Cloud = discovery.DefaultCloud
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.CacheLimit <= 0 {
		cfg.CacheLimit = 32
	}
	return &PeerName{base: newBase(cfg.Options), cfg: cfg}
}

func (p *PeerName) Cloud() string { return p.cfg.LAN.Cloud }

func (p *PeerName) sources() []PeerSource {
	var out []PeerSource
	if p.cfg.Cache != nil {
		out = append(out, PeerCacheSource{Cache: p.cfg.Cache, MaxFailures: p.cfg.MaxFailures, Limit: p.cfg.CacheLimit})
	}
	if !p.cfg.DisableLAN {
		p.mu.Lock()
		listen := p.listen
		p.mu.Unlock()
		out = append(out, LANSource{Cfg: p.cfg.LAN, ListenAddr: listen, NameStr: p.cfg.Name})
	}
	return out
}

func (p *PeerName) IssueResolve(ctx context.Context, rc *ResolveContext, fn ResolveFunc) error {
	return p.issue(ctx, rc, fn, sourceCandidates(p.sources()))
}

// Register starts answering LAN pings for the cloud with the first
// address in addrs. Calling it again replaces the announcement.
func (p *PeerName) Register(addrs []netip.AddrPort) error {
	if len(addrs) == 0 || p.cfg.DisableLAN {
		return nil
	}
	p.Unregister()

	ctx, cancel := context.WithCancel(context.Background())
	listen := addrs[0].String()
	if err := discovery.StartLANResponder(ctx, p.cfg.LAN, listen, p.cfg.Name); err != nil {
		cancel()
		return err
	}

	p.mu.Lock()
	p.listen = listen
	p.stopLAN = cancel
	p.mu.Unlock()
	p.logf("announcing %s on cloud %q", listen, p.cfg.LAN.Cloud)
	return nil
}

func (p *PeerName) Unregister() {
	p.mu.Lock()
	stop := p.stopLAN
	p.stopLAN = nil
	p.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (p *PeerName) Detach() {
	p.Unregister()
	p.base.Detach()
}
