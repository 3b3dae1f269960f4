package drtnode

import (
	"fmt"
	"net/netip"
	"os"
	"strings"

	"p2p-drt/internal/bootstrap"
	"p2p-drt/internal/discovery"
	"p2p-drt/internal/security"
	"p2p-drt/internal/telemetry"
)

func buildSecurity(cfg SecurityConfig, store security.CredentialStore, name string) (security.Provider, error) {
	switch cfg.Kind {
	case "", "null":
		return security.New(security.Config{Kind: security.KindNull})
	case "derived":
		roots := make([][]byte, 0, len(cfg.TrustedRoots))
		for _, p := range cfg.TrustedRoots {
			der, err := os.ReadFile(p)
			if err != nil {
				return nil, fmt.Errorf("trusted root %s: %w", p, err)
			}
			roots = append(roots, der)
		}
		return security.New(security.Config{
			Kind: security.KindDerivedKey,
			DerivedKey: security.DerivedKeyConfig{
				Store:        store,
				RootName:     "root",
				LeafName:     "leaf-" + name,
				TrustedRoots: roots,
			},
		})
	default:
		return nil, fmt.Errorf("unknown security kind %q", cfg.Kind)
	}
}

// ParsePeers parses a comma or space separated host:port list.
func ParsePeers(s string) ([]string, error) {
	var out []string
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' }) {
		if _, err := netip.ParseAddrPort(part); err != nil {
			return nil, fmt.Errorf("bad peer %q: %w", part, err)
		}
		out = append(out, part)
	}
	return out, nil
}

func buildBootstrap(cfg Config, cache bootstrap.PeerCache, logger telemetry.Logger) (bootstrap.Provider, error) {
	bc := cfg.Bootstrap
	opts := bootstrap.Options{EndResolveTimeout: bc.EndResolveTimeout, Logger: logger, Debug: cfg.Debug}

	switch bc.Kind {
	case "", "none":
		return nil, nil
	case "static":
		addrs := make([]netip.AddrPort, 0, len(bc.Peers))
		for _, p := range bc.Peers {
			ap, err := netip.ParseAddrPort(p)
			if err != nil {
				return nil, fmt.Errorf("bootstrap peer %q: %w", p, err)
			}
			addrs = append(addrs, ap)
		}
		return bootstrap.NewCustom(bootstrap.CustomConfig{
			Options: opts,
			Sources: []bootstrap.PeerSource{bootstrap.StaticSource{Addrs: addrs}},
		})
	case "dns":
		return bootstrap.NewDNS(bootstrap.DNSConfig{
			Options:    opts,
			Hostnames:  bc.Hostnames,
			Port:       bc.Port,
			Nameserver: bc.Nameserver,
		})
	case "peername":
		lan := discovery.DefaultLANConfig()
		if bc.LANPort > 0 {
			lan.Port = bc.LANPort
		}
		if bc.Cloud != "" {
			lan.Cloud = bc.Cloud
		}
		return bootstrap.NewPeerName(bootstrap.PeerNameConfig{
			Options:    opts,
			LAN:        lan,
			Cache:      cache,
			Name:       cfg.Name,
			DisableLAN: bc.DisableLAN,
		}), nil
	default:
		return nil, fmt.Errorf("unknown bootstrap kind %q", bc.Kind)
	}
}
