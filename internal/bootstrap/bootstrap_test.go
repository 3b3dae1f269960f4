package bootstrap

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	status Status
	addrs  []netip.AddrPort
	isLast bool
}

type recorder struct {
	mu    sync.Mutex
	calls []call
}

func (r *recorder) fn(_ context.Context, s Status, addrs []netip.AddrPort, isLast bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{s, addrs, isLast})
}

func (r *recorder) snapshot() []call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]call(nil), r.calls...)
}

// fakeResolver answers from a table. Hosts listed in block wait for ctx
// to end, signalling started first.
type fakeResolver struct {
	addrs   map[string][]netip.Addr
	block   map[string]bool
	started chan string
}

func (f *fakeResolver) LookupNetIP(ctx context.Context, _ string, host string) ([]netip.Addr, error) {
	if f.started != nil {
		f.started <- host
	}
	if f.block[host] {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	a, ok := f.addrs[host]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	return a, nil
}

func newAttachedDNS(t *testing.T, hosts string, r HostResolver) *DNS {
	t.Helper()
	d, err := NewDNS(DNSConfig{Hostnames: hosts, Port: 5000, Resolver: r})
	require.NoError(t, err)
	require.NoError(t, d.Attach())
	t.Cleanup(d.Detach)
	return d
}

func TestDNSSkipsFailedCandidate(t *testing.T) {
	r := &fakeResolver{addrs: map[string][]netip.Addr{
		"host-b": {netip.MustParseAddr("192.0.2.7")},
	}}
	d := newAttachedDNS(t, "host-a host-b", r)

	rc, err := d.InitResolve(false, time.Second, 0)
	require.NoError(t, err)

	rec := &recorder{}
	require.NoError(t, d.IssueResolve(context.Background(), rc, rec.fn))

	require.Equal(t, []call{
		{StatusOK, []netip.AddrPort{netip.MustParseAddrPort("192.0.2.7:5000")}, false},
		{StatusNoMoreResults, nil, true},
	}, rec.snapshot())
}

func TestSplitHostnames(t *testing.T) {
	require.Equal(t, []string{"a", "b", "c"}, SplitHostnames(" a;b  ;; c "))
	require.Empty(t, SplitHostnames(" ; "))

	_, err := NewDNS(DNSConfig{Hostnames: ";"})
	require.True(t, IsFatal(err))
}

func TestDNSParsesLiterals(t *testing.T) {
	d := newAttachedDNS(t, "10.0.0.1;2001:db8::5", &fakeResolver{})
	rc, err := d.InitResolve(false, 0, 0)
	require.NoError(t, err)

	rec := &recorder{}
	require.NoError(t, d.IssueResolve(context.Background(), rc, rec.fn))
	calls := rec.snapshot()
	require.Len(t, calls, 3)
	require.Equal(t, netip.MustParseAddrPort("10.0.0.1:5000"), calls[0].addrs[0])
	require.Equal(t, netip.MustParseAddrPort("[2001:db8::5]:5000"), calls[1].addrs[0])
}

func TestAttachTwiceInUse(t *testing.T) {
	d, err := NewDNS(DNSConfig{Hostnames: "x"})
	require.NoError(t, err)

	require.NoError(t, d.Attach())
	require.ErrorIs(t, d.Attach(), ErrInUse)
	require.Equal(t, 1, d.Refs())

	d.Detach()
	d.Detach()
	require.Equal(t, 0, d.Refs())
	require.NoError(t, d.Attach())
	d.Detach()
}

func TestInitResolveNotAttachedIsFatal(t *testing.T) {
	d, err := NewDNS(DNSConfig{Hostnames: "x"})
	require.NoError(t, err)

	_, err = d.InitResolve(false, time.Second, 0)
	require.ErrorIs(t, err, ErrNotAttached)
	require.True(t, IsFatal(err))
}

func TestEndResolveFromAnotherGoroutineWaits(t *testing.T) {
	r := &fakeResolver{
		addrs:   map[string][]netip.Addr{"host-b": {netip.MustParseAddr("192.0.2.8")}},
		block:   map[string]bool{"host-a": true},
		started: make(chan string, 4),
	}
	d := newAttachedDNS(t, "host-a host-b", r)
	rc, err := d.InitResolve(false, 10*time.Second, 0)
	require.NoError(t, err)

	rec := &recorder{}
	issued := make(chan error, 1)
	go func() { issued <- d.IssueResolve(context.Background(), rc, rec.fn) }()

	require.Equal(t, "host-a", <-r.started)
	require.NoError(t, d.EndResolve(context.Background(), rc))

	// The sentinel has fired by the time EndResolve returns, and nothing
	// else fires afterwards.
	require.Equal(t, []call{{StatusNoMoreResults, nil, true}}, rec.snapshot())
	require.NoError(t, <-issued)
	require.Len(t, rec.snapshot(), 1)
	require.True(t, rc.Ended())
}

func TestConcurrentEndResolveCallersAllReturn(t *testing.T) {
	r := &fakeResolver{block: map[string]bool{"slow": true}, started: make(chan string, 1)}
	d := newAttachedDNS(t, "slow", r)
	rc, err := d.InitResolve(false, 10*time.Second, 0)
	require.NoError(t, err)

	rec := &recorder{}
	go func() { _ = d.IssueResolve(context.Background(), rc, rec.fn) }()
	<-r.started

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, d.EndResolve(context.Background(), rc))
		}()
	}
	wg.Wait()
	require.Len(t, rec.snapshot(), 1)
}

func TestEndResolveFromCallbackDoesNotBlock(t *testing.T) {
	r := &fakeResolver{addrs: map[string][]netip.Addr{
		"h1": {netip.MustParseAddr("192.0.2.1")},
		"h2": {netip.MustParseAddr("192.0.2.2")},
	}}
	d := newAttachedDNS(t, "h1 h2", r)
	rc, err := d.InitResolve(false, time.Second, 0)
	require.NoError(t, err)

	rec := &recorder{}
	var endErr error
	fn := func(ctx context.Context, s Status, addrs []netip.AddrPort, isLast bool) {
		rec.fn(ctx, s, addrs, isLast)
		if s == StatusOK {
			endErr = d.EndResolve(ctx, rc)
		}
	}

	done := make(chan error, 1)
	go func() { done <- d.IssueResolve(context.Background(), rc, fn) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("reentrant EndResolve deadlocked")
	}
	require.NoError(t, endErr)

	calls := rec.snapshot()
	require.Len(t, calls, 2)
	require.Equal(t, netip.MustParseAddrPort("192.0.2.1:5000"), calls[0].addrs[0])
	require.True(t, calls[1].isLast)
}

func TestEndResolveBeforeIssue(t *testing.T) {
	d := newAttachedDNS(t, "h1", &fakeResolver{})
	rc, err := d.InitResolve(false, time.Second, 0)
	require.NoError(t, err)

	require.NoError(t, d.EndResolve(context.Background(), rc))

	rec := &recorder{}
	err = d.IssueResolve(context.Background(), rc, rec.fn)
	require.ErrorIs(t, err, ErrResolveEnded)
	require.False(t, IsFatal(err))
	require.Empty(t, rec.snapshot())
}

func TestIssueResolveTwiceIsFatal(t *testing.T) {
	d := newAttachedDNS(t, "10.0.0.1", &fakeResolver{})
	rc, err := d.InitResolve(false, time.Second, 0)
	require.NoError(t, err)

	rec := &recorder{}
	require.NoError(t, d.IssueResolve(context.Background(), rc, rec.fn))
	require.True(t, IsFatal(d.IssueResolve(context.Background(), rc, rec.fn)))
}

func TestResolveTimeoutStillSendsSentinel(t *testing.T) {
	r := &fakeResolver{block: map[string]bool{"slow": true}}
	d := newAttachedDNS(t, "slow 10.0.0.1", r)
	rc, err := d.InitResolve(false, 30*time.Millisecond, 0)
	require.NoError(t, err)

	rec := &recorder{}
	require.NoError(t, d.IssueResolve(context.Background(), rc, rec.fn))
	require.Equal(t, []call{{StatusNoMoreResults, nil, true}}, rec.snapshot())
}

func TestMaxResultsCapsBatches(t *testing.T) {
	d := newAttachedDNS(t, "10.0.0.1 10.0.0.2 10.0.0.3", &fakeResolver{})
	rc, err := d.InitResolve(false, time.Second, 2)
	require.NoError(t, err)

	rec := &recorder{}
	require.NoError(t, d.IssueResolve(context.Background(), rc, rec.fn))
	calls := rec.snapshot()
	require.Len(t, calls, 3)
	require.Equal(t, StatusNoMoreResults, calls[2].status)
}

func TestCustomSourcesDedup(t *testing.T) {
	a := netip.MustParseAddrPort("10.1.1.1:4000")
	b := netip.MustParseAddrPort("10.1.1.2:4000")
	var registered []netip.AddrPort
	c, err := NewCustom(CustomConfig{
		Sources: []PeerSource{
			StaticSource{Addrs: []netip.AddrPort{a}},
			failingSource{},
			StaticSource{Addrs: []netip.AddrPort{a, b}, Label: "seeds"},
		},
		OnRegister: func(addrs []netip.AddrPort) error { registered = addrs; return nil },
	})
	require.NoError(t, err)
	require.NoError(t, c.Attach())
	defer c.Detach()

	rc, err := c.InitResolve(false, time.Second, 0)
	require.NoError(t, err)
	rec := &recorder{}
	require.NoError(t, c.IssueResolve(context.Background(), rc, rec.fn))
	require.Equal(t, []call{
		{StatusOK, []netip.AddrPort{a}, false},
		{StatusOK, []netip.AddrPort{b}, false},
		{StatusNoMoreResults, nil, true},
	}, rec.snapshot())

	require.NoError(t, c.Register([]netip.AddrPort{b}))
	require.Equal(t, []netip.AddrPort{b}, registered)
}

type failingSource struct{}

func (failingSource) Name() string { return "failing" }
func (failingSource) Discover(context.Context) ([]netip.AddrPort, error) {
	return nil, errors.New("unreachable")
}

type fakeCache []netip.AddrPort

func (f fakeCache) Candidates(maxFailures, limit int) ([]netip.AddrPort, error) {
	return append([]netip.AddrPort(nil), f...), nil
}

func TestPeerNameUsesCache(t *testing.T) {
	a := netip.MustParseAddrPort("10.2.2.2:4100")
	p := NewPeerName(PeerNameConfig{Cache: fakeCache{a}, DisableLAN: true})
	require.NoError(t, p.Attach())
	defer p.Detach()

	rc, err := p.InitResolve(true, time.Second, 0)
	require.NoError(t, err)
	rec := &recorder{}
	require.NoError(t, p.IssueResolve(context.Background(), rc, rec.fn))
	require.Equal(t, []call{
		{StatusOK, []netip.AddrPort{a}, false},
		{StatusNoMoreResults, nil, true},
	}, rec.snapshot())

	require.NoError(t, p.Register([]netip.AddrPort{a}))
	p.Unregister()
}

func startDNSServer(t *testing.T) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	started := make(chan struct{})
	srv := &dns.Server{
		PacketConn:        pc,
		NotifyStartedFunc: func() { close(started) },
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
			m := new(dns.Msg)
			m.SetReply(r)
			q := r.Question[0]
			switch {
			case q.Name != "host-b.":
				m.Rcode = dns.RcodeNameError
			case q.Qtype == dns.TypeA:
				m.Answer = append(m.Answer, &dns.A{
					Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
					A:   net.ParseIP("192.0.2.9").To4(),
				})
			}
			_ = w.WriteMsg(m)
		}),
	}
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })
	return pc.LocalAddr().String()
}

func TestDNSWithNameserver(t *testing.T) {
	server := startDNSServer(t)

	d, err := NewDNS(DNSConfig{Hostnames: "host-a;host-b", Port: 5000, Nameserver: server})
	require.NoError(t, err)
	require.NoError(t, d.Attach())
	defer d.Detach()

	rc, err := d.InitResolve(false, 5*time.Second, 0)
	require.NoError(t, err)
	rec := &recorder{}
	require.NoError(t, d.IssueResolve(context.Background(), rc, rec.fn))
	require.Equal(t, []call{
		{StatusOK, []netip.AddrPort{netip.MustParseAddrPort("192.0.2.9:5000")}, false},
		{StatusNoMoreResults, nil, true},
	}, rec.snapshot())
}
