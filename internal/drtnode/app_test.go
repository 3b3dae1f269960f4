package drtnode

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"p2p-drt/internal/drt"
	"p2p-drt/internal/netx"
	"p2p-drt/internal/telemetry"
)

type bufPrinter struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (p *bufPrinter) Printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(&p.buf, format, args...)
}

func (p *bufPrinter) Println(args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(&p.buf, args...)
}

// take returns and clears what was printed so far.
func (p *bufPrinter) take() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.buf.String()
	p.buf.Reset()
	return s
}

func testAppConfig(t *testing.T, name string) Config {
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Name = name
	cfg.Security.Kind = "null"
	cfg.Bootstrap.Kind = "none"
	cfg.Node.RPCTimeout = 250 * time.Millisecond
	cfg.Node.SearchTimeout = 3 * time.Second
	cfg.Node.RefreshInterval = -1
	return cfg
}

func startApp(t *testing.T, mn *netx.MemNetwork, cfg Config) (*App, *bufPrinter) {
	t.Helper()
	ui := &bufPrinter{}
	a, err := newApp(cfg, telemetry.Discard(), mn.Listen(), ui)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.StopAll() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Start(ctx))
	return a, ui
}

func waitStatus(t *testing.T, n *drt.Node, want drt.Status) {
	t.Helper()
	require.Eventually(t, func() bool { return n.Status() == want }, 5*time.Second, 10*time.Millisecond)
}

func TestParseKey(t *testing.T) {
	hexKey := strings.Repeat("ab", drt.KeySize)
	assert.Equal(t, drt.MustParseKeyHex(hexKey), ParseKey(hexKey))

	a, b := ParseKey("hello"), ParseKey("hello")
	assert.Equal(t, a, b)
	assert.NotEqual(t, ParseKey("hello"), ParseKey("world"))

	// 64 chars that are not hex are hashed, not rejected.
	notHex := strings.Repeat("zz", drt.KeySize)
	assert.NotEqual(t, drt.Key{}, ParseKey(notHex))
}

func TestParseSearch(t *testing.T) {
	req, err := parseSearch([]string{"exact", "alpha"})
	require.NoError(t, err)
	assert.Equal(t, drt.SearchExact, req.Type)
	assert.Equal(t, ParseKey("alpha"), req.Target)

	req, err = parseSearch([]string{"iter", "alpha"})
	require.NoError(t, err)
	assert.Equal(t, drt.SearchIterative, req.Type)

	lo := strings.Repeat("00", drt.KeySize)
	hi := strings.Repeat("ff", drt.KeySize)
	req, err = parseSearch([]string{"range", hi, lo, "5"})
	require.NoError(t, err)
	assert.Equal(t, drt.SearchRange, req.Type)
	assert.Equal(t, drt.MustParseKeyHex(lo), req.Min)
	assert.Equal(t, drt.MustParseKeyHex(hi), req.Max)
	assert.Equal(t, 5, req.MaxEndpoints)

	for _, bad := range [][]string{
		nil,
		{"exact"},
		{"fuzzy", "x"},
		{"range", "a"},
		{"range", "a", "b", "-1"},
		{"exact", "a", "b"},
	} {
		_, err := parseSearch(bad)
		assert.Error(t, err, "args %v", bad)
	}
}

func TestApp_AloneWithoutBootstrap(t *testing.T) {
	a, _ := startApp(t, netx.NewMemNetwork(), testAppConfig(t, "solo"))
	assert.Equal(t, drt.StatusAlone, a.Node.Status())
	_, err := os.Stat(filepath.Join(a.cfg.DataDir, "nodes", "solo", "drt.db"))
	assert.NoError(t, err)
}

func TestApp_RegisterAndSearchLocal(t *testing.T) {
	a, ui := startApp(t, netx.NewMemNetwork(), testAppConfig(t, "solo"))
	ctx := context.Background()

	a.handleCommand(ctx, "/register printer-3 color laser, floor 2")
	assert.Contains(t, ui.take(), "[REG] registering "+ParseKey("printer-3").Hex())

	a.handleCommand(ctx, "/regs")
	out := ui.take()
	assert.Contains(t, out, "color laser, floor 2")

	a.handleCommand(ctx, "/search exact printer-3")
	out = ui.take()
	assert.Contains(t, out, "[EXACT]")
	assert.Contains(t, out, "via local")
	assert.Contains(t, out, "data: color laser, floor 2")

	a.handleCommand(ctx, "/next")
	assert.Contains(t, ui.take(), "no more results")

	a.handleCommand(ctx, "/next")
	assert.Contains(t, ui.take(), "no search running")

	a.handleCommand(ctx, "/register printer-3 again")
	assert.Contains(t, ui.take(), "register: ")

	a.handleCommand(ctx, "/unregister printer-3")
	assert.Contains(t, ui.take(), "[REG] unregistered")

	a.handleCommand(ctx, "/unregister printer-3")
	assert.Contains(t, ui.take(), "unregister: ")
}

func TestApp_SearchRemotePeer(t *testing.T) {
	mn := netx.NewMemNetwork()
	seed, _ := startApp(t, mn, testAppConfig(t, "seed"))

	cfg := testAppConfig(t, "client")
	cfg.Bootstrap.Kind = "static"
	cfg.Bootstrap.Peers = []string{seed.Node.LocalAddr().String()}
	client, ui := startApp(t, mn, cfg)
	waitStatus(t, client.Node, drt.StatusActive)

	ctx := context.Background()
	seed.handleCommand(ctx, "/register room-42 projector")

	client.handleCommand(ctx, "/search exact room-42")
	out := ui.take()
	assert.Contains(t, out, "[EXACT]")
	assert.Contains(t, out, "via "+seed.Node.LocalAddr().String())
	assert.Contains(t, out, "data: projector")

	client.handleCommand(ctx, "/leafset")
	assert.Contains(t, ui.take(), seed.Node.LocalAddr().String())

	client.handleCommand(ctx, "/me")
	out = ui.take()
	assert.Contains(t, out, client.Node.Key().Hex())
	assert.Contains(t, out, "active")
}

func TestApp_UnknownCommandPrintsHelp(t *testing.T) {
	a, ui := startApp(t, netx.NewMemNetwork(), testAppConfig(t, "solo"))
	a.handleCommand(context.Background(), "/dance")
	out := ui.take()
	assert.Contains(t, out, "unknown command")
	assert.Contains(t, out, "/register <key> <data>")

	a.handleCommand(context.Background(), "/search")
	assert.Contains(t, ui.take(), "usage: /search")
}

func TestApp_QuitStopsRun(t *testing.T) {
	a, _ := startApp(t, netx.NewMemNetwork(), testAppConfig(t, "solo"))

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()

	a.handleCommand(context.Background(), "/quit")
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after /quit")
	}
	assert.NoError(t, a.StopAll())
}

func TestApp_PrintsEvents(t *testing.T) {
	a, ui := startApp(t, netx.NewMemNetwork(), testAppConfig(t, "solo"))
	_, err := a.Node.RegisterKey(ParseKey("evt"), []byte("x"), nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		select {
		case <-a.Node.EventSignal():
		default:
		}
		a.drainEvents()
		return strings.Contains(ui.take(), "registered")
	}, 5*time.Second, 10*time.Millisecond)
}
