package security

import (
	"errors"
	"sync/atomic"
)

// Custom wraps a host-supplied provider. It tracks whether the wrapped
// provider is attached so that Detach is only forwarded after a successful
// Attach.
type Custom struct {
	Provider
	attached atomic.Bool
}

func NewCustom(impl Provider) *Custom { return &Custom{Provider: impl} }

func (c *Custom) Attach() error {
	if c.Provider == nil {
		return errors.New("security: custom provider is nil")
	}
	if c.attached.Load() {
		return nil
	}
	if err := c.Provider.Attach(); err != nil {
		return err
	}
	c.attached.Store(true)
	return nil
}

func (c *Custom) Detach() {
	if c.attached.CompareAndSwap(true, false) {
		c.Provider.Detach()
	}
}

func (c *Custom) Attached() bool { return c.attached.Load() }
