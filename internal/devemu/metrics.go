package devemu

import "sync/atomic"

// Metrics counts lifecycle and access events of a Manager.
type Metrics struct {
	probes          atomic.Uint64
	probeFailures   atomic.Uint64
	resets          atomic.Uint64
	removes         atomic.Uint64
	reads           atomic.Uint64
	writes          atomic.Uint64
	invalidAccesses atomic.Uint64
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	Probes          uint64 `json:"probes"`
	ProbeFailures   uint64 `json:"probe_failures"`
	Resets          uint64 `json:"resets"`
	Removes         uint64 `json:"removes"`
	Reads           uint64 `json:"reads"`
	Writes          uint64 `json:"writes"`
	InvalidAccesses uint64 `json:"invalid_accesses"`
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Probes:          m.probes.Load(),
		ProbeFailures:   m.probeFailures.Load(),
		Resets:          m.resets.Load(),
		Removes:         m.removes.Load(),
		Reads:           m.reads.Load(),
		Writes:          m.writes.Load(),
		InvalidAccesses: m.invalidAccesses.Load(),
	}
}
