package memmgr

// RuntimeSettings carries the tuning inputs read once when the manager is
// constructed. They come from the per-application settings layer; the
// manager does not interpret them beyond what is documented here.
type RuntimeSettings struct {
	// DisableSuballocation forces every request onto the dedicated path,
	// as if NoSuballocation were set on each. Diagnostic switch.
	DisableSuballocation bool
	// PoolAllocationSize is the byte size of base allocations created for
	// suballocated pools. Requests larger than this get a pool sized to
	// the request instead. Must be a power of two.
	PoolAllocationSize int
	// SuballocationGranularity is the minimum block size handed out by the
	// suballocator. Must be a power of two.
	SuballocationGranularity int
}

const (
	defaultPoolAllocationSize       = 256 * 1024
	defaultSuballocationGranularity = 256
)

// DefaultRuntimeSettings returns the settings used when the application
// profile does not override anything.
func DefaultRuntimeSettings() RuntimeSettings {
	return RuntimeSettings{
		DisableSuballocation:     false,
		PoolAllocationSize:       defaultPoolAllocationSize,
		SuballocationGranularity: defaultSuballocationGranularity,
	}
}
