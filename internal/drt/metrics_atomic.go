package drt

import (
	"sync/atomic"
	"time"
)

type AtomicMetrics struct {
	rpcOK         atomic.Uint64
	rpcFail       atomic.Uint64
	searches      atomic.Uint64
	searchOK      atomic.Uint64
	searchFail    atomic.Uint64
	searchHops    atomic.Uint64
	leafsetSize   atomic.Int64
	registrations atomic.Int64
}

func (m *AtomicMetrics) IncRPC(kind string, ok bool) {
	if ok {
		m.rpcOK.Add(1)
	} else {
		m.rpcFail.Add(1)
	}
}

func (m *AtomicMetrics) ObserveSearch(kind string, hops int, duration time.Duration, ok bool) {
	m.searches.Add(1)
	m.searchHops.Add(uint64(hops))
	if ok {
		m.searchOK.Add(1)
	} else {
		m.searchFail.Add(1)
	}
}

func (m *AtomicMetrics) SetLeafsetSize(n int)   { m.leafsetSize.Store(int64(n)) }
func (m *AtomicMetrics) SetRegistrations(n int) { m.registrations.Store(int64(n)) }

func (m *AtomicMetrics) Snapshot() map[string]uint64 {
	return map[string]uint64{
		"rpc_ok":        m.rpcOK.Load(),
		"rpc_fail":      m.rpcFail.Load(),
		"searches":      m.searches.Load(),
		"search_ok":     m.searchOK.Load(),
		"search_fail":   m.searchFail.Load(),
		"search_hops":   m.searchHops.Load(),
		"leafset_size":  uint64(m.leafsetSize.Load()),
		"registrations": uint64(m.registrations.Load()),
	}
}
