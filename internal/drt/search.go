package drt

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"p2p-drt/internal/proto"
)

type SearchType int

const (
	SearchExact SearchType = iota
	SearchNearest
	SearchRange
	SearchIterative
)

func (t SearchType) String() string {
	switch t {
	case SearchExact:
		return "exact"
	case SearchNearest:
		return "nearest"
	case SearchRange:
		return "range"
	case SearchIterative:
		return "iterative"
	default:
		return fmt.Sprintf("search(%d)", int(t))
	}
}

type MatchType int

const (
	MatchExact MatchType = iota + 1
	MatchNear
	MatchIntermediate
)

func (m MatchType) String() string {
	switch m {
	case MatchExact:
		return "exact"
	case MatchNear:
		return "near"
	case MatchIntermediate:
		return "intermediate"
	default:
		return "unknown"
	}
}

type SearchState int

const (
	SearchIdle SearchState = iota
	SearchStarted
	SearchCompleted
	SearchTimedOut
	SearchFailed
)

func (s SearchState) String() string {
	switch s {
	case SearchIdle:
		return "idle"
	case SearchStarted:
		return "started"
	case SearchCompleted:
		return "completed"
	case SearchTimedOut:
		return "timed_out"
	default:
		return "failed"
	}
}

func (s SearchState) terminal() bool { return s >= SearchCompleted }

const (
	DefaultSearchTimeout = 10 * time.Second
	DefaultMaxHops       = 16
	DefaultMaxEndpoints  = 16
)

type SearchRequest struct {
	Type   SearchType
	Target Key
	// Min and Max bound a range search, inclusive.
	Min, Max     Key
	MaxEndpoints int
	Timeout      time.Duration
	MaxHops      int
}

// Result is one match. For intermediate matches Key and Addresses name
// the node just visited.
type Result struct {
	Type            MatchType
	Key             Key
	AppData         []byte
	Addresses       []netip.AddrPort
	Flags           uint32
	PublicKey       proto.PublicKey
	ProtocolVersion proto.Version
	// From is the node that returned the match; invalid for local ones.
	From netip.AddrPort
}

// HopInfo describes one remote node visited by a search.
type HopInfo struct {
	Addr  netip.AddrPort
	Flags uint32
	// Nearness is the number of leading bits the visited key shares with
	// the search target.
	Nearness int
	Latency  time.Duration
}

type findQuery struct {
	Mode     proto.FindMode
	Target   Key
	Min, Max Key
	Limit    int
}

type findReply struct {
	Results []Result
	Nodes   []Entry
}

// searchEnv is what a search needs from its node.
type searchEnv interface {
	localMatches(q findQuery) []Result
	closestNodes(target Key, n int) []Entry
	find(ctx context.Context, to netip.AddrPort, q findQuery) (findReply, error)
	selfAddr() netip.AddrPort
	observeSearch(kind string, hops int, d time.Duration, ok bool)
	logf(format string, args ...any)
}

// Search is a running search. Results are pulled with GetResult or Next.
type Search struct {
	req   SearchRequest
	env   searchEnv
	clk   clock.Clock
	steer Key
	start time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    SearchState
	err      error
	results  []Result
	reported int
	path     []HopInfo
	awaiting bool
	ended    bool

	notify chan struct{}
	cont   chan struct{}
	done   chan struct{}
}

func validateRequest(req SearchRequest) (SearchRequest, error) {
	switch req.Type {
	case SearchExact, SearchIterative:
	case SearchNearest:
		req.Min, req.Max = MinKey, MaxKey
	case SearchRange:
		if Compare(req.Min, req.Max) > 0 {
			return req, fmt.Errorf("%w: range min above max", ErrInvalidSearch)
		}
	default:
		return req, fmt.Errorf("%w: unknown type %d", ErrInvalidSearch, req.Type)
	}
	if req.Timeout <= 0 {
		req.Timeout = DefaultSearchTimeout
	}
	if req.MaxHops <= 0 {
		req.MaxHops = DefaultMaxHops
	}
	if req.MaxEndpoints <= 0 {
		req.MaxEndpoints = DefaultMaxEndpoints
	}
	return req, nil
}

func startSearch(parent context.Context, env searchEnv, clk clock.Clock, req SearchRequest) (*Search, error) {
	req, err := validateRequest(req)
	if err != nil {
		return nil, err
	}
	s := &Search{
		req:    req,
		env:    env,
		clk:    clk,
		steer:  req.Target,
		start:  clk.Now(),
		state:  SearchStarted,
		notify: make(chan struct{}, 1),
		cont:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	if req.Type == SearchRange {
		s.steer = Midpoint(req.Min, req.Max)
	}
	s.ctx, s.cancel = clk.WithTimeout(parent, req.Timeout)
	go s.run()
	return s, nil
}

func (s *Search) Request() SearchRequest { return s.req }

func (s *Search) State() SearchState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Path returns the hops visited so far.
func (s *Search) Path() []HopInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]HopInfo(nil), s.path...)
}

// GetResult pops the next result. Once the queue is drained it returns
// ErrSearchInProgress while the search runs, then ErrNoMore, or
// ErrTimeout when the search expired without reporting anything.
func (s *Search) GetResult() (Result, error) {
	r, err, _ := s.poll()
	return r, err
}

func (s *Search) poll() (Result, error, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.results) > 0 {
		r := s.results[0]
		s.results = s.results[1:]
		return r, nil, false
	}
	switch {
	case s.ended || s.state == SearchCompleted:
		return Result{}, ErrNoMore, false
	case s.state == SearchTimedOut:
		if s.reported == 0 {
			return Result{}, ErrTimeout, false
		}
		return Result{}, ErrNoMore, false
	case s.state == SearchFailed:
		return Result{}, s.err, false
	}
	return Result{}, ErrSearchInProgress, s.awaiting
}

// Next blocks until a result is available or the search ends. An
// iterative search waiting for Continue returns ErrSearchInProgress.
func (s *Search) Next(ctx context.Context) (Result, error) {
	for {
		r, err, paused := s.poll()
		if !errors.Is(err, ErrSearchInProgress) || paused {
			return r, err
		}
		select {
		case <-s.notify:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
}

// Continue lets an iterative search paused at a hop advance one more
// hop. It fails with ErrNotPaused while a hop is still running.
func (s *Search) Continue() error {
	if s.req.Type != SearchIterative {
		return ErrNotIterative
	}
	s.mu.Lock()
	if s.ended || s.state.terminal() {
		s.mu.Unlock()
		return ErrNoMore
	}
	if !s.awaiting {
		s.mu.Unlock()
		return ErrNotPaused
	}
	s.awaiting = false
	s.mu.Unlock()

	select {
	case s.cont <- struct{}{}:
	default:
	}
	return nil
}

// End stops the search and waits for it to wind down. Queued results are
// discarded.
func (s *Search) End() {
	s.mu.Lock()
	s.ended = true
	s.results = nil
	s.mu.Unlock()
	s.cancel()
	<-s.done
}

// Done is closed once the search has reached a terminal state.
func (s *Search) Done() <-chan struct{} { return s.done }

func (s *Search) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Search) report(r Result) {
	s.mu.Lock()
	if !s.ended {
		s.results = append(s.results, r)
		s.reported++
	}
	s.mu.Unlock()
	s.signal()
}

func (s *Search) addHop(h HopInfo) {
	s.mu.Lock()
	s.path = append(s.path, h)
	s.mu.Unlock()
}

func (s *Search) setAwaiting(v bool) {
	s.mu.Lock()
	s.awaiting = v
	s.mu.Unlock()
	s.signal()
}

func (s *Search) query() findQuery {
	q := findQuery{Target: s.req.Target, Limit: 1}
	switch s.req.Type {
	case SearchExact, SearchIterative:
		q.Mode = proto.FindExact
	case SearchNearest:
		q.Mode = proto.FindNearest
	case SearchRange:
		q.Mode = proto.FindRange
		q.Target = s.steer
		q.Min, q.Max = s.req.Min, s.req.Max
		q.Limit = s.req.MaxEndpoints
	}
	return q
}

// walker is the traversal state of one search.
type walker struct {
	frontier []Entry
	visited  map[netip.AddrPort]bool
	queued   map[netip.AddrPort]bool
	seenKeys map[Key]bool
	best     *Result
	hops     int
}

func (s *Search) newWalker() *walker {
	w := &walker{
		visited:  make(map[netip.AddrPort]bool),
		queued:   make(map[netip.AddrPort]bool),
		seenKeys: make(map[Key]bool),
	}
	if self := s.env.selfAddr(); self.IsValid() {
		w.visited[self] = true
	}
	return w
}

func (s *Search) addNodes(w *walker, entries []Entry) {
	for _, e := range entries {
		if !e.Addr.IsValid() || w.visited[e.Addr] || w.queued[e.Addr] {
			continue
		}
		w.queued[e.Addr] = true
		w.frontier = append(w.frontier, e)
	}
	SortByDistance(w.frontier, s.steer)
}

// consider folds one candidate match into the search and reports whether
// the search is satisfied.
func (s *Search) consider(w *walker, r Result) bool {
	switch s.req.Type {
	case SearchExact, SearchIterative:
		if r.Key == s.req.Target {
			r.Type = MatchExact
			s.report(r)
			return true
		}
	case SearchNearest:
		if w.best == nil || Closer(s.req.Target, r.Key, w.best.Key) {
			c := r
			w.best = &c
		}
		return w.best.Key == s.req.Target
	case SearchRange:
		if !InRange(r.Key, s.req.Min, s.req.Max) || w.seenKeys[r.Key] {
			return false
		}
		w.seenKeys[r.Key] = true
		r.Type = MatchNear
		s.report(r)
		s.mu.Lock()
		full := s.reported >= s.req.MaxEndpoints
		s.mu.Unlock()
		return full
	}
	return false
}

// hop queries the closest unvisited node. ok is false when the frontier
// is exhausted; answered is false when the node did not reply.
func (s *Search) hop(w *walker) (e Entry, answered, satisfied, ok bool) {
	for len(w.frontier) > 0 {
		e = w.frontier[0]
		w.frontier = w.frontier[1:]
		if !w.visited[e.Addr] {
			ok = true
			break
		}
	}
	if !ok {
		return Entry{}, false, false, false
	}
	w.visited[e.Addr] = true
	w.hops++

	began := s.clk.Now()
	reply, err := s.env.find(s.ctx, e.Addr, s.query())
	s.addHop(HopInfo{
		Addr:     e.Addr,
		Flags:    e.Flags,
		Nearness: SharedPrefixBits(e.Key, s.steer),
		Latency:  s.clk.Since(began),
	})
	if err != nil {
		s.env.logf("search %s: hop %s failed: %v", s.req.Type, e.Addr, err)
		return e, false, false, true
	}
	for _, r := range reply.Results {
		if s.consider(w, r) {
			return e, true, true, true
		}
	}
	s.addNodes(w, reply.Nodes)
	return e, true, false, true
}

func (s *Search) run() {
	defer close(s.done)
	defer s.cancel()

	w := s.newWalker()
	timedOut := false

	satisfied := false
	for _, r := range s.env.localMatches(s.query()) {
		if s.consider(w, r) {
			satisfied = true
			break
		}
	}

	if !satisfied {
		s.addNodes(w, s.env.closestNodes(s.steer, 0))
		if s.req.Type == SearchIterative {
			timedOut = s.walkIterative(w)
		} else {
			timedOut = s.walk(w)
		}
	}

	if w.best != nil {
		r := *w.best
		r.Type = MatchNear
		if r.Key == s.req.Target {
			r.Type = MatchExact
		}
		s.report(r)
	}

	s.mu.Lock()
	if timedOut {
		s.state = SearchTimedOut
	} else {
		s.state = SearchCompleted
	}
	s.awaiting = false
	ok := s.reported > 0
	s.mu.Unlock()
	s.signal()

	s.env.observeSearch(s.req.Type.String(), w.hops, s.clk.Since(s.start), ok)
}

// walk visits nodes closest-first until satisfied, exhausted or out of
// hops. It reports whether the deadline stopped it.
func (s *Search) walk(w *walker) bool {
	for w.hops < s.req.MaxHops {
		if err := s.ctx.Err(); err != nil {
			return errors.Is(err, context.DeadlineExceeded)
		}
		_, _, satisfied, ok := s.hop(w)
		if satisfied || !ok {
			return false
		}
	}
	return false
}

// walkIterative is walk with a pause after every hop: each visited node
// is reported as an intermediate match and the next hop waits for
// Continue.
func (s *Search) walkIterative(w *walker) bool {
	for w.hops < s.req.MaxHops {
		if err := s.ctx.Err(); err != nil {
			return errors.Is(err, context.DeadlineExceeded)
		}
		e, answered, satisfied, ok := s.hop(w)
		if satisfied || !ok {
			return false
		}
		if !answered {
			continue
		}
		s.report(Result{
			Type:      MatchIntermediate,
			Key:       e.Key,
			Flags:     e.Flags,
			Addresses: []netip.AddrPort{e.Addr},
			From:      e.Addr,
		})
		if w.hops >= s.req.MaxHops || len(w.frontier) == 0 {
			return false
		}

		s.setAwaiting(true)
		select {
		case <-s.cont:
		case <-s.ctx.Done():
			return errors.Is(s.ctx.Err(), context.DeadlineExceeded)
		}
	}
	return false
}
