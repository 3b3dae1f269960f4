package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// HostResolver maps a hostname to IP addresses. *net.Resolver satisfies it.
type HostResolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

type DNSConfig struct {
	Options
	// Hostnames is a ';' or space separated list of names or IP literals.
	Hostnames string
	Port      uint16
	// Nameserver, when set, is queried directly instead of the system
	// resolver. A missing port defaults to 53.
	Nameserver string
	// Resolver overrides both the system resolver and Nameserver.
	Resolver HostResolver
}

// DNS resolves a fixed list of hostnames, one candidate at a time.
// Register and Unregister are no-ops.
type DNS struct {
	base
	hosts    []string
	port     uint16
	resolver HostResolver
}

func NewDNS(cfg DNSConfig) (*DNS, error) {
	hosts := SplitHostnames(cfg.Hostnames)
	if len(hosts) == 0 {
		return nil, fatal(errors.New("bootstrap: no hostnames"))
	}
	r := cfg.Resolver
	if r == nil && cfg.Nameserver != "" {
		r = NewNameserverResolver(cfg.Nameserver, 0)
	}
	if r == nil {
		r = net.DefaultResolver
	}
	return &DNS{base: newBase(cfg.Options), hosts: hosts, port: cfg.Port, resolver: r}, nil
}

// SplitHostnames splits on ';' and whitespace, dropping empty entries.
func SplitHostnames(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ';' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
}

// IssueResolve reports each hostname's addresses as one batch. A hostname
// that fails to resolve is logged and skipped. splitDetect has no effect
// on DNS.
func (d *DNS) IssueResolve(ctx context.Context, rc *ResolveContext, fn ResolveFunc) error {
	cands := make([]candidate, 0, len(d.hosts))
	for _, h := range d.hosts {
		h := h // per-iteration copy (pre-Go 1.22 loop semantics)
		cands = append(cands, candidate{
			name: h,
			resolve: func(ctx context.Context) ([]netip.AddrPort, error) {
				return d.lookup(ctx, h)
			},
		})
	}
	return d.issue(ctx, rc, fn, cands)
}

func (d *DNS) lookup(ctx context.Context, host string) ([]netip.AddrPort, error) {
	if ip, err := netip.ParseAddr(host); err == nil {
		return []netip.AddrPort{netip.AddrPortFrom(ip.Unmap(), d.port)}, nil
	}
	ips, err := d.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	out := make([]netip.AddrPort, 0, len(ips))
	for _, ip := range ips {
		out = append(out, netip.AddrPortFrom(ip.Unmap(), d.port))
	}
	return out, nil
}

func (d *DNS) Register([]netip.AddrPort) error { return nil }
func (d *DNS) Unregister()                     {}

// NameserverResolver queries one DNS server for A and AAAA records over
// UDP, retrying over TCP when the answer is truncated.
type NameserverResolver struct {
	server string
	udp    *dns.Client
	tcp    *dns.Client
}

func NewNameserverResolver(server string, timeout time.Duration) *NameserverResolver {
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &NameserverResolver{
		server: server,
		udp:    &dns.Client{Net: "udp", Timeout: timeout},
		tcp:    &dns.Client{Net: "tcp", Timeout: 2 * timeout},
	}
}

func (r *NameserverResolver) LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error) {
	var qtypes []uint16
	switch network {
	case "ip4":
		qtypes = []uint16{dns.TypeA}
	case "ip6":
		qtypes = []uint16{dns.TypeAAAA}
	default:
		qtypes = []uint16{dns.TypeA, dns.TypeAAAA}
	}

	var out []netip.Addr
	var lastErr error
	for _, qt := range qtypes {
		addrs, err := r.query(ctx, host, qt)
		if err != nil {
			lastErr = err
			continue
		}
		out = append(out, addrs...)
	}
	if len(out) == 0 {
		if lastErr == nil {
			lastErr = fmt.Errorf("no addresses for %s", host)
		}
		return nil, lastErr
	}
	return out, nil
}

func (r *NameserverResolver) query(ctx context.Context, host string, qtype uint16) ([]netip.Addr, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), qtype)
	msg.RecursionDesired = true

	resp, _, err := r.udp.ExchangeContext(ctx, msg, r.server)
	if err == nil && resp.Truncated {
		resp, _, err = r.tcp.ExchangeContext(ctx, msg, r.server)
	}
	if err != nil {
		return nil, fmt.Errorf("query %s %s: %w", host, dns.TypeToString[qtype], err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("query %s %s returned rcode %s", host, dns.TypeToString[qtype], dns.RcodeToString[resp.Rcode])
	}
	return answerAddrs(resp), nil
}

func answerAddrs(resp *dns.Msg) []netip.Addr {
	var out []netip.Addr
	for _, rr := range resp.Answer {
		switch v := rr.(type) {
		case *dns.A:
			if a, ok := netip.AddrFromSlice(v.A); ok {
				out = append(out, a.Unmap())
			}
		case *dns.AAAA:
			if a, ok := netip.AddrFromSlice(v.AAAA); ok {
				out = append(out, a)
			}
		}
	}
	return out
}
