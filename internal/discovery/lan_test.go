package discovery

import (
	"context"
	"net"
	"os"
	"testing"
	"time"
)

func TestListenPortOnly(t *testing.T) {
	cases := map[string]string{
		"192.168.1.10:3001": ":3001",
		"[::1]:4000":        ":4000",
		":5000":             ":5000",
		"garbage":           "garbage",
	}
	for in, want := range cases {
		if got := listenPortOnly(in); got != want {
			t.Fatalf("listenPortOnly(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizeListenFromPong(t *testing.T) {
	sender := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 7), Port: 999}
	if got := normalizeListenFromPong(sender, ":5000"); got != "10.0.0.7:5000" {
		t.Fatalf("got %q", got)
	}
	if got := normalizeListenFromPong(sender, "1.2.3.4:5"); got != "1.2.3.4:5" {
		t.Fatalf("explicit address rewritten: %q", got)
	}
	if got := normalizeListenFromPong(nil, ":5000"); got != ":5000" {
		t.Fatalf("nil sender: %q", got)
	}
}

func TestBroadcastOf(t *testing.T) {
	b, ok := broadcastOf(net.IPv4(192, 168, 1, 10).To4(), net.CIDRMask(24, 32))
	if !ok || !b.Equal(net.IPv4(192, 168, 1, 255)) {
		t.Fatalf("got %v %v", b, ok)
	}
	if _, ok := broadcastOf(net.ParseIP("::1"), net.CIDRMask(64, 128)); ok {
		t.Fatalf("ipv6 accepted")
	}
}

func TestLANDiscoveryLoopback(t *testing.T) {
	if os.Getenv("P2P_LAN_UDP_TEST") == "" {
		t.Skip("set P2P_LAN_UDP_TEST=1 to enable")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := DefaultLANConfig()
	cfg.Cloud = "test-cloud"

	if err := StartLANResponder(ctx, cfg, "0.0.0.0:6123", "responder"); err != nil {
		t.Fatalf("StartLANResponder: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	got, err := DiscoverLANPeers(ctx, cfg, "0.0.0.0:7000", "seeker")
	if err != nil {
		t.Fatalf("DiscoverLANPeers: %v", err)
	}
	found := false
	for _, a := range got {
		if _, port, _ := net.SplitHostPort(a); port == "6123" {
			found = true
		}
	}
	if !found {
		t.Fatalf("responder not discovered: %v", got)
	}

	other := cfg
	other.Cloud = "other-cloud"
	got, err = DiscoverLANPeers(ctx, other, "0.0.0.0:7000", "seeker")
	if err != nil {
		t.Fatalf("DiscoverLANPeers: %v", err)
	}
	for _, a := range got {
		if _, port, _ := net.SplitHostPort(a); port == "6123" {
			t.Fatalf("responder answered a foreign cloud: %v", got)
		}
	}
}
