package bootstrap

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"time"
)

// candidate is one unit of resolution work: a hostname, a cached peer, a
// configured source. Cancellation is checked between candidates.
type candidate struct {
	name    string
	resolve func(ctx context.Context) ([]netip.AddrPort, error)
}

type ownerKey struct{}

// ResolveContext tracks one resolve and coordinates EndResolve with the
// goroutine running it.
type ResolveContext struct {
	SplitDetect bool
	Timeout     time.Duration
	MaxResults  int

	endTimeout time.Duration

	mu           sync.Mutex
	issued       bool
	inProgress   bool
	endRequested bool
	cancel       context.CancelFunc
	done         chan struct{}
}

func newResolveContext(splitDetect bool, timeout time.Duration, maxResults int, endTimeout time.Duration) *ResolveContext {
	return &ResolveContext{
		SplitDetect: splitDetect,
		Timeout:     timeout,
		MaxResults:  maxResults,
		endTimeout:  endTimeout,
		done:        make(chan struct{}),
	}
}

// Ended reports whether EndResolve has been requested.
func (rc *ResolveContext) Ended() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.endRequested
}

func (rc *ResolveContext) begin(ctx context.Context) (context.Context, error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.endRequested {
		return nil, ErrResolveEnded
	}
	if rc.issued {
		return nil, fatal(errors.New("bootstrap: resolve context already issued"))
	}

	var inner context.Context
	var cancel context.CancelFunc
	if rc.Timeout > 0 {
		inner, cancel = context.WithTimeout(ctx, rc.Timeout)
	} else {
		inner, cancel = context.WithCancel(ctx)
	}
	rc.issued = true
	rc.inProgress = true
	rc.cancel = cancel
	return context.WithValue(inner, ownerKey{}, rc), nil
}

func (rc *ResolveContext) finish() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.inProgress = false
	rc.cancel()
	close(rc.done)
}

func (rc *ResolveContext) stopping(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.endRequested
}

// run resolves candidates in order and reports each non-empty batch. The
// final NoMoreResults callback always fires, including after cancellation.
func (rc *ResolveContext) run(ctx context.Context, fn ResolveFunc, cands []candidate, logf func(string, ...any)) error {
	inner, err := rc.begin(ctx)
	if err != nil {
		return err
	}
	defer rc.finish()

	seen := make(map[netip.AddrPort]struct{})
	emitted := 0
	for _, c := range cands {
		if rc.stopping(inner) {
			logf("resolve stopped before %s", c.name)
			break
		}
		if rc.MaxResults > 0 && emitted >= rc.MaxResults {
			break
		}

		addrs, err := c.resolve(inner)
		if err != nil {
			logf("candidate %s failed: %v", c.name, err)
			continue
		}

		batch := make([]netip.AddrPort, 0, len(addrs))
		for _, a := range addrs {
			if !a.IsValid() {
				continue
			}
			if _, dup := seen[a]; dup {
				continue
			}
			if rc.MaxResults > 0 && emitted+len(batch) >= rc.MaxResults {
				break
			}
			seen[a] = struct{}{}
			batch = append(batch, a)
		}
		if len(batch) == 0 {
			continue
		}
		if rc.stopping(inner) {
			break
		}
		fn(inner, StatusOK, batch, false)
		emitted += len(batch)
	}

	fn(inner, StatusNoMoreResults, nil, true)
	return nil
}

// end requests cancellation. Called with the ctx handed to a callback of
// this resolve, it returns at once; otherwise it waits for the resolve in
// flight to deliver its final callback.
func (rc *ResolveContext) end(ctx context.Context) error {
	rc.mu.Lock()
	rc.endRequested = true
	if rc.cancel != nil {
		rc.cancel()
	}
	inProgress := rc.inProgress
	rc.mu.Unlock()

	if !inProgress {
		return nil
	}
	if owner, _ := ctx.Value(ownerKey{}).(*ResolveContext); owner == rc {
		return nil
	}

	wait := rc.endTimeout
	if rc.Timeout > 0 && rc.Timeout < wait {
		wait = rc.Timeout
	}
	t := time.NewTimer(wait)
	defer t.Stop()

	select {
	case <-rc.done:
		return nil
	case <-t.C:
		return ErrEndTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
