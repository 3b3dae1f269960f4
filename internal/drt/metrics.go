package drt

import "time"

// Metrics is intentionally tiny.
// Implementations must be thread-safe.
type Metrics interface {
	IncRPC(kind string, ok bool)
	ObserveSearch(kind string, hops int, duration time.Duration, ok bool)
	SetLeafsetSize(n int)
	SetRegistrations(n int)
}

// NoopMetrics is the default.
type NoopMetrics struct{}

func (NoopMetrics) IncRPC(kind string, ok bool)                                         {}
func (NoopMetrics) ObserveSearch(kind string, hops int, duration time.Duration, ok bool) {}
func (NoopMetrics) SetLeafsetSize(n int)                                                {}
func (NoopMetrics) SetRegistrations(n int)                                              {}
