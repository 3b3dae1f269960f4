package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	"p2p-drt/internal/telemetry"
)

var (
	// ErrFatal marks errors after which the provider cannot be retried.
	ErrFatal = errors.New("bootstrap: fatal")

	ErrNotAttached  = errors.New("bootstrap: provider not attached")
	ErrInUse        = errors.New("bootstrap: provider already attached")
	ErrResolveEnded = errors.New("bootstrap: resolve already ended")
	ErrEndTimeout   = errors.New("bootstrap: timed out waiting for resolve to finish")
)

// IsFatal reports whether err means the provider must not be retried.
func IsFatal(err error) bool { return errors.Is(err, ErrFatal) }

func fatal(err error) error { return fmt.Errorf("%w: %w", ErrFatal, err) }

type Status int

const (
	StatusOK Status = iota
	StatusNoMoreResults
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNoMoreResults:
		return "no-more-results"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// ResolveFunc receives address batches from IssueResolve. ctx identifies
// the resolve in flight: passing it to EndResolve from inside the callback
// cancels without waiting.
type ResolveFunc func(ctx context.Context, status Status, addrs []netip.AddrPort, isLast bool)

// Provider finds the addresses a node uses to join the overlay.
type Provider interface {
	Attach() error
	Detach()

	InitResolve(splitDetect bool, timeout time.Duration, maxResults int) (*ResolveContext, error)
	// IssueResolve runs the resolution on the calling goroutine and
	// returns once the final NoMoreResults callback has fired.
	IssueResolve(ctx context.Context, rc *ResolveContext, fn ResolveFunc) error
	// EndResolve cancels rc and blocks until a resolve running on another
	// goroutine has delivered its last callback.
	EndResolve(ctx context.Context, rc *ResolveContext) error

	Register(addrs []netip.AddrPort) error
	Unregister()
}

const DefaultEndResolveTimeout = 180 * time.Second

// Options are shared by every provider.
type Options struct {
	// EndResolveTimeout bounds how long EndResolve waits when the resolve
	// itself has no timeout.
	EndResolveTimeout time.Duration
	Logger            telemetry.Logger
	Debug             bool
}

func (o Options) withDefaults() Options {
	if o.EndResolveTimeout <= 0 {
		o.EndResolveTimeout = DefaultEndResolveTimeout
	}
	if o.Logger == nil {
		o.Logger = telemetry.Discard()
	}
	return o
}

// base carries the attach guard and resolve bookkeeping common to all
// providers.
type base struct {
	opts     Options
	attached atomic.Bool
	refs     atomic.Int32
}

func newBase(opts Options) base { return base{opts: opts.withDefaults()} }

func (b *base) Attach() error {
	if !b.attached.CompareAndSwap(false, true) {
		return ErrInUse
	}
	b.refs.Add(1)
	return nil
}

func (b *base) Detach() {
	if b.attached.CompareAndSwap(true, false) {
		b.refs.Add(-1)
	}
}

// Refs counts the attach plus every resolve currently in flight.
func (b *base) Refs() int { return int(b.refs.Load()) }

func (b *base) InitResolve(splitDetect bool, timeout time.Duration, maxResults int) (*ResolveContext, error) {
	if !b.attached.Load() {
		return nil, fatal(ErrNotAttached)
	}
	if timeout < 0 || maxResults < 0 {
		return nil, fatal(errors.New("bootstrap: negative timeout or result limit"))
	}
	return newResolveContext(splitDetect, timeout, maxResults, b.opts.EndResolveTimeout), nil
}

func (b *base) EndResolve(ctx context.Context, rc *ResolveContext) error {
	if rc == nil {
		return fatal(errors.New("bootstrap: nil resolve context"))
	}
	return rc.end(ctx)
}

func (b *base) logf(format string, args ...any) {
	if b.opts.Debug {
		b.opts.Logger.Printf("[bootstrap] "+format, args...)
	}
}

// issue runs cands through rc on behalf of a provider.
func (b *base) issue(ctx context.Context, rc *ResolveContext, fn ResolveFunc, cands []candidate) error {
	if !b.attached.Load() {
		return fatal(ErrNotAttached)
	}
	if rc == nil || fn == nil {
		return fatal(errors.New("bootstrap: nil resolve context or callback"))
	}
	b.refs.Add(1)
	defer b.refs.Add(-1)
	return rc.run(ctx, fn, cands, b.logf)
}
