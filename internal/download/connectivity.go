package download

import "sync/atomic"

// Connectivity reports the class of the active network.
type Connectivity interface {
	IsMetered() bool
}

// FixedConnectivity is a Connectivity whose class is set by the caller, for
// example from configuration or a UI toggle. The zero value is unmetered.
type FixedConnectivity struct {
	metered atomic.Bool
}

// NewFixedConnectivity returns a Connectivity reporting metered.
func NewFixedConnectivity(metered bool) *FixedConnectivity {
	c := &FixedConnectivity{}
	c.metered.Store(metered)
	return c
}

// IsMetered implements Connectivity.
func (c *FixedConnectivity) IsMetered() bool {
	return c.metered.Load()
}

// SetMetered changes the reported class. Call Manager.ConnectivityChanged
// afterwards so running batches are re-evaluated.
func (c *FixedConnectivity) SetMetered(metered bool) {
	c.metered.Store(metered)
}
