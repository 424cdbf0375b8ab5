package types

// SpaMinDevSize is the smallest device that can be added to a pool.
const SpaMinDevSize = 64 << 20

// VdevState is the health of a vdev.
type VdevState int

// Vdev states, ordered from worst to best so that a parent's state can be
// derived by comparing its children's.
const (
	VdevStateUnknown VdevState = iota
	VdevStateClosed
	VdevStateOffline
	VdevStateCantOpen
	VdevStateDegraded
	VdevStateHealthy
)

// String returns the name printed by status output.
func (s VdevState) String() string {
	switch s {
	case VdevStateClosed:
		return "CLOSED"
	case VdevStateOffline:
		return "OFFLINE"
	case VdevStateCantOpen:
		return "UNAVAIL"
	case VdevStateDegraded:
		return "DEGRADED"
	case VdevStateHealthy:
		return "ONLINE"
	}
	return "UNKNOWN"
}

// DirtyFlags records which categories of change a vdev saw in a txg.
type DirtyFlags uint8

const (
	// DirtyAlloc is set when space was allocated from the vdev.
	DirtyAlloc DirtyFlags = 1 << iota
	// DirtyFree is set when space was freed to the vdev.
	DirtyFree
	// DirtyAdd is set when the vdev was added to the pool.
	DirtyAdd
	// DirtyDTL is set when the dirty time log changed.
	DirtyDTL
)

// Has reports whether all bits in f are set.
func (d DirtyFlags) Has(f DirtyFlags) bool {
	return d&f == f
}
