package cachekv

// Self-heal reasons.
const (
	ReasonCorrupt     = "corrupt"
	ReasonGenMismatch = "gen_mismatch"
)

// Populate skip reasons.
const (
	ReasonGenMoved = "gen_moved"
	ReasonGenError = "gen_error"
	// a mutation landed whose generation bump failed
	ReasonMutated  = "mutated"
)

// Hooks are lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking; they run on hot paths.
type Hooks interface {
	// A record was deleted by the cache on read.
	// reason ∈ {"corrupt", "gen_mismatch"}
	SelfHeal(storageKey, reason string)

	// Provider returned ok=false on Set (backpressure/eviction).
	ProviderSetRejected(storageKey string)

	// GenStore errors.
	GenSnapshotError(storageKey string, err error)
	GenBumpError(storageKey string, err error)

	// Both gen bump and delete failed after a mutation (likely backend outage).
	InvalidateOutage(key string, bumpErr, delErr error)

	// A read-path populate was dropped.
	// reason ∈ {"gen_moved", "gen_error", "mutated"}
	PopulateSkipped(storageKey, reason string)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) SelfHeal(string, string)               {}
func (NopHooks) ProviderSetRejected(string)            {}
func (NopHooks) GenSnapshotError(string, error)        {}
func (NopHooks) GenBumpError(string, error)            {}
func (NopHooks) InvalidateOutage(string, error, error) {}
func (NopHooks) PopulateSkipped(string, string)        {}
