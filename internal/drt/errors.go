package drt

import "errors"

var (
	ErrNotOpen     = errors.New("drt: node not open")
	ErrAlreadyOpen = errors.New("drt: node already opened")
	ErrKeyExists   = errors.New("drt: key already registered")
	ErrKeyNotFound = errors.New("drt: key not registered")

	// ErrSearchInProgress and ErrNoMore are control-flow signals from
	// GetResult, not failures.
	ErrSearchInProgress = errors.New("drt: search in progress")
	ErrNoMore           = errors.New("drt: no more results")
	ErrTimeout          = errors.New("drt: search timed out")
	ErrInvalidSearch    = errors.New("drt: invalid search request")
	ErrNotIterative     = errors.New("drt: not an iterative search")
	ErrNotPaused        = errors.New("drt: search is not paused")

	ErrRPCTimeout = errors.New("drt: rpc timed out")
	ErrBadReply   = errors.New("drt: unexpected reply")
)
