package drt

import (
	"context"
	"fmt"
	"log"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/multierr"

	"p2p-drt/internal/bootstrap"
	"p2p-drt/internal/netx"
	"p2p-drt/internal/proto"
	"p2p-drt/internal/security"
	"p2p-drt/internal/telemetry"
)

// PeerStore records which peers answered. drtbolt.Store satisfies it.
type PeerStore interface {
	NoteSuccess(nodeKeyHex string, addr netip.AddrPort) error
	NoteFailure(addr netip.AddrPort) error
}

type Config struct {
	Transport netx.Transport    // required
	Security  security.Provider // nil means the Null provider
	Bootstrap bootstrap.Provider
	Logger    telemetry.Logger
	Debug     bool

	// NodeKey fixes the node's key. When zero the key comes from the
	// security provider if it derives one, otherwise it is random.
	NodeKey         Key
	ProtocolVersion proto.Version

	BootstrapTimeout    time.Duration
	MaxBootstrapResults int
	SearchTimeout       time.Duration
	RPCTimeout          time.Duration
	RPCRetries          int

	BucketSize    int
	PublishFanout int
	Lookup        LookupConfig
	RateLimit     RateLimit
	// RefreshInterval is the period of the routing refresh and
	// registration republish loop. Negative disables it.
	RefreshInterval time.Duration
	EventQueueSize  int

	PeerStore PeerStore
	Metrics   Metrics
	Clock     clock.Clock
}

func DefaultConfig() Config {
	return Config{
		ProtocolVersion:     proto.Version{Major: 1, Minor: 0},
		BootstrapTimeout:    10 * time.Second,
		MaxBootstrapResults: 32,
		SearchTimeout:       DefaultSearchTimeout,
		RPCTimeout:          1200 * time.Millisecond,
		RPCRetries:          1,
		BucketSize:          20,
		PublishFanout:       8,
		Lookup:              DefaultLookupConfig(),
		RateLimit:           DefaultRateLimit(),
		RefreshInterval:     5 * time.Minute,
		EventQueueSize:      DefaultEventQueueSize,
	}
}

// fill replaces zero values with defaults.
func (c *Config) fill() {
	d := DefaultConfig()
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	if c.Security == nil {
		c.Security = security.NewNull()
	}
	if c.ProtocolVersion == (proto.Version{}) {
		c.ProtocolVersion = d.ProtocolVersion
	}
	if c.BootstrapTimeout <= 0 {
		c.BootstrapTimeout = d.BootstrapTimeout
	}
	if c.MaxBootstrapResults <= 0 {
		c.MaxBootstrapResults = d.MaxBootstrapResults
	}
	if c.SearchTimeout <= 0 {
		c.SearchTimeout = d.SearchTimeout
	}
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = d.RPCTimeout
	}
	if c.RPCRetries < 0 {
		c.RPCRetries = 0
	}
	if c.BucketSize <= 0 {
		c.BucketSize = d.BucketSize
	}
	if c.PublishFanout <= 0 {
		c.PublishFanout = d.PublishFanout
	}
	if c.RefreshInterval == 0 {
		c.RefreshInterval = d.RefreshInterval
	}
	if c.Metrics == nil {
		c.Metrics = NoopMetrics{}
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
}

// Node is one participant in the overlay. It owns its security and
// bootstrap providers, the registration table and the event queue.
type Node struct {
	cfg Config
	tr  netx.Transport
	sec security.Provider
	clk clock.Clock

	key  Key
	cred []byte
	rt   *RoutingTable

	regs    *regTable
	events  *eventQueue
	limiter *rateLimiter

	pendingMu sync.Mutex
	pending   map[string]chan proto.Envelope

	stateMu sync.Mutex
	opened  bool
	closed  bool
	joined  bool
	status  Status

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) (*Node, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("drt: transport required")
	}
	cfg.fill()
	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		cfg:     cfg,
		tr:      cfg.Transport,
		sec:     cfg.Security,
		clk:     cfg.Clock,
		regs:    newRegTable(),
		events:  newEventQueue(cfg.EventQueueSize),
		limiter: newRateLimiter(cfg.RateLimit),
		pending: make(map[string]chan proto.Envelope),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Open attaches the providers, starts serving the transport and joins
// the overlay through the bootstrap provider. A fatal bootstrap error
// leaves the node closed.
func (n *Node) Open(ctx context.Context) error {
	n.stateMu.Lock()
	if n.opened {
		n.stateMu.Unlock()
		return ErrAlreadyOpen
	}
	n.opened = true
	n.stateMu.Unlock()

	if err := n.sec.Attach(); err != nil {
		n.markClosed()
		return fmt.Errorf("drt: attach security provider: %w", err)
	}
	if b := n.cfg.Bootstrap; b != nil {
		if err := b.Attach(); err != nil {
			n.sec.Detach()
			n.markClosed()
			return fmt.Errorf("drt: attach bootstrap provider: %w", err)
		}
	}

	key, err := n.nodeKey()
	if err != nil {
		_ = n.Close()
		return err
	}
	rt := NewRoutingTable(key, n.cfg.BucketSize)
	rt.now = n.clk.Now
	n.stateMu.Lock()
	n.key = key
	n.rt = rt
	n.stateMu.Unlock()
	if cred, err := n.sec.SerializedCredential(); err == nil {
		n.cred = cred
	}
	n.Logf("listening on %s", n.tr.LocalAddr())

	n.wg.Add(1)
	go n.recvLoop()

	status, err := n.join(ctx)
	n.setStatus(status, err)
	if status == StatusFaulted {
		_ = n.Close()
		return err
	}

	if b := n.cfg.Bootstrap; b != nil {
		if err := b.Register([]netip.AddrPort{n.tr.LocalAddr()}); err != nil {
			n.Logf("bootstrap register: %v", err)
		}
	}
	if n.cfg.RefreshInterval > 0 {
		n.goAsync(func() { n.runRefresh(n.ctx, n.cfg.RefreshInterval) })
	}
	return nil
}

func (n *Node) markClosed() {
	n.stateMu.Lock()
	n.closed = true
	n.stateMu.Unlock()
	n.cancel()
}

func (n *Node) nodeKey() (Key, error) {
	if n.cfg.NodeKey != (Key{}) {
		return n.cfg.NodeKey, nil
	}
	if d, ok := n.sec.(security.KeyDeriver); ok {
		b, err := d.DerivedNodeKey()
		if err != nil {
			return Key{}, fmt.Errorf("drt: derive node key: %w", err)
		}
		return KeyFromBytes(b)
	}
	return RandomKey(), nil
}

// Close unregisters every outstanding key, detaches both providers and
// releases the transport.
func (n *Node) Close() error {
	n.stateMu.Lock()
	if !n.opened || n.closed {
		n.stateMu.Unlock()
		return nil
	}
	n.closed = true
	n.stateMu.Unlock()

	var errs error
	for _, r := range n.regs.all() {
		errs = multierr.Append(errs, n.unregister(r, true))
	}
	if b := n.cfg.Bootstrap; b != nil {
		b.Unregister()
		b.Detach()
	}
	n.sec.Detach()

	n.cancel()
	if err := n.tr.Close(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("drt: close transport: %w", err))
	}
	n.wg.Wait()
	return errs
}

// goAsync runs fn on a tracked goroutine unless the node is closing.
func (n *Node) goAsync(fn func()) {
	n.stateMu.Lock()
	if n.closed {
		n.stateMu.Unlock()
		return
	}
	n.wg.Add(1)
	n.stateMu.Unlock()
	go func() {
		defer n.wg.Done()
		fn()
	}()
}

func (n *Node) isOpen() bool {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.opened && !n.closed && n.rt != nil
}

// Key returns the node's own key. It is zero before Open.
func (n *Node) Key() Key {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.key
}

func (n *Node) LocalAddr() netip.AddrPort { return n.tr.LocalAddr() }

func (n *Node) Status() Status {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.status
}

// Routing exposes the routing table; nil before Open.
func (n *Node) Routing() *RoutingTable {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.rt
}

// Leafset returns every routing entry, nodes and published keys alike.
func (n *Node) Leafset() []Entry {
	rt := n.Routing()
	if rt == nil {
		return nil
	}
	return rt.Entries()
}

// Registrations returns the keys this node currently publishes.
func (n *Node) Registrations() []*Registration { return n.regs.all() }

// GetEvent pops the oldest queued event.
func (n *Node) GetEvent() (Event, bool) { return n.events.pop() }

// EventSignal is signalled whenever an event is queued.
func (n *Node) EventSignal() <-chan struct{} { return n.events.signal }

func (n *Node) emit(e Event) {
	if n.events.push(e) {
		n.Logf("event queue full, dropped oldest event")
	}
}

func (n *Node) setStatus(s Status, err error) {
	n.stateMu.Lock()
	changed := n.status != s
	n.status = s
	n.joined = true
	n.stateMu.Unlock()
	if changed || err != nil {
		n.Logf("status %s", s)
		n.emit(Event{Type: EventStatusChanged, Status: s, Err: err})
	}
}

// maybeActive promotes an alone or disconnected node once it learns a
// neighbour.
func (n *Node) maybeActive() {
	n.stateMu.Lock()
	promote := n.joined && !n.closed && (n.status == StatusAlone || n.status == StatusNoNetwork)
	n.stateMu.Unlock()
	if promote && n.rt.NodeCount() > 0 {
		n.setStatus(StatusActive, nil)
	}
}

// dropPeer forgets every entry owned by addr once it stops answering.
func (n *Node) dropPeer(addr netip.AddrPort) {
	removed, promoted := n.rt.RemoveAddr(addr)
	if len(removed) > 0 {
		n.Logf("peer %s unreachable, dropped %d entries", addr, len(removed))
	}
	for _, e := range removed {
		n.leafsetChanged(LeafsetDeleted, e)
	}
	for _, e := range promoted {
		n.leafsetChanged(LeafsetAdded, e)
	}
}

func (n *Node) leafsetChanged(c LeafsetChange, e Entry) {
	n.emit(Event{Type: EventLeafsetKeyChanged, Change: c, Key: e.Key, Addr: e.Addr})
	n.cfg.Metrics.SetLeafsetSize(n.rt.Size())
	if c == LeafsetAdded {
		n.maybeActive()
	}
}

// RegisterKey publishes key with appData. keyCtx is forwarded to the
// security provider. The returned registration starts pending and moves
// to registered once the publish round finishes.
func (n *Node) RegisterKey(key Key, appData, keyCtx []byte) (*Registration, error) {
	if !n.isOpen() {
		return nil, ErrNotOpen
	}
	r := &Registration{
		ID:         uuid.New(),
		Key:        key,
		AppData:    append([]byte(nil), appData...),
		KeyContext: append([]byte(nil), keyCtx...),
		Created:    n.clk.Now(),
	}
	if err := n.regs.add(r); err != nil {
		return nil, err
	}
	if err := n.sec.RegisterKey(security.Registration{Key: key.Bytes(), AppData: r.AppData}, r.KeyContext); err != nil {
		n.regs.remove(key)
		return nil, fmt.Errorf("drt: register key: %w", err)
	}
	n.cfg.Metrics.SetRegistrations(n.regs.len())
	n.Logf("registered %s", key.Hex()[:16])

	n.goAsync(func() {
		ctx, cancel := context.WithTimeout(n.ctx, n.rpcBudget())
		defer cancel()
		acks := n.publish(ctx, r, false)
		if r.setState(RegistrationRegistered) {
			n.Logf("published %s to %d peers", key.Hex()[:16], acks)
			n.emit(Event{Type: EventRegistrationStateChanged, Key: key, RegistrationID: r.ID, RegState: RegistrationRegistered})
		}
	})
	return r, nil
}

// UnregisterKey withdraws a key registered earlier.
func (n *Node) UnregisterKey(key Key) error {
	if !n.isOpen() {
		return ErrNotOpen
	}
	r, ok := n.regs.get(key)
	if !ok {
		return ErrKeyNotFound
	}
	return n.unregister(r, false)
}

func (n *Node) unregister(r *Registration, wait bool) error {
	if _, ok := n.regs.remove(r.Key); !ok {
		return ErrKeyNotFound
	}
	n.cfg.Metrics.SetRegistrations(n.regs.len())

	var err error
	if uerr := n.sec.UnregisterKey(r.Key.Bytes(), r.KeyContext); uerr != nil {
		err = fmt.Errorf("drt: unregister key %s: %w", r.Key.Hex()[:16], uerr)
	}
	if r.setState(RegistrationUnregistered) {
		n.emit(Event{Type: EventRegistrationStateChanged, Key: r.Key, RegistrationID: r.ID, RegState: RegistrationUnregistered})
	}

	withdraw := func() {
		ctx, cancel := context.WithTimeout(n.ctx, n.rpcBudget())
		defer cancel()
		n.publish(ctx, r, true)
	}
	if wait {
		withdraw()
	} else {
		n.goAsync(withdraw)
	}
	return err
}

// rpcBudget is the longest a single call with all retries may take.
func (n *Node) rpcBudget() time.Duration {
	return n.cfg.RPCTimeout * time.Duration(n.cfg.RPCRetries+1)
}

// StartSearch begins an asynchronous search. Results are pulled from the
// returned Search.
func (n *Node) StartSearch(req SearchRequest) (*Search, error) {
	if !n.isOpen() {
		return nil, ErrNotOpen
	}
	if req.Timeout <= 0 {
		req.Timeout = n.cfg.SearchTimeout
	}
	return startSearch(n.ctx, n, n.clk, req)
}

// Search runs a search to completion and returns the first result, or
// ErrNoMore / ErrTimeout when nothing matched.
func (n *Node) Search(ctx context.Context, req SearchRequest) (Result, error) {
	s, err := n.StartSearch(req)
	if err != nil {
		return Result{}, err
	}
	defer s.End()
	return s.Next(ctx)
}

// Logf writes a debug line prefixed with the node key.
func (n *Node) Logf(format string, args ...any) {
	if !n.cfg.Debug {
		return
	}
	id := n.key.Hex()[:8]
	n.cfg.Logger.Printf("[drt %s] "+format, append([]any{id}, args...)...)
}
