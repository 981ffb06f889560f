package cachekv

import (
	"time"

	gen "github.com/unkn0wn-root/cachekv/genstore"
	"github.com/unkn0wn-root/cachekv/kv"
	pr "github.com/unkn0wn-root/cachekv/provider"
)

// SetCostFunc weighs a record for cost-bounded providers (ristretto).
type SetCostFunc func(storageKey string, record []byte) int64

// DB is a cached logical database. It is a drop-in kv.Store.
type DB interface {
	kv.Store

	// Name returns the logical database name given to Open.
	Name() string
	// Enabled reports whether point reads go through the Entry Cache.
	Enabled() bool
	// Stats returns a snapshot of the cache counters.
	Stats() Stats
	// Snapshots reports whether iterators observe a point-in-time view.
	Snapshots() bool
}

// Stats are monotonic counters since Open.
type Stats struct {
	Hits          uint64 // Get served Present from the cache
	AbsentHits    uint64 // Get served NotFound from the cache
	Misses        uint64 // Get went to the engine
	PopulateSkips uint64 // read-path populate dropped because the key changed
	SelfHeals     uint64 // corrupt or stale records deleted on read
}

// Options tune a DB. Only Store is required.
type Options struct {
	// Required. The engine; several DBs may share one.
	Store kv.Store

	Provider        pr.Provider   // nil => provider/lru with CacheSize entries
	CacheSize       int           // default provider capacity; 0 => 65536
	GenStore        gen.GenStore  // nil => genstore.Local
	Logger          Logger        // nil => NopLogger
	Hooks           Hooks         // nil => NopHooks
	EntryTTL        time.Duration // 0 => 10m
	CleanupInterval time.Duration // gen sweep; 0 => 1h
	GenRetention    time.Duration // 0 => 30d; must exceed EntryTTL
	LockStripes     int           // 0 => 256
	ComputeSetCost  SetCostFunc   // default len(record)

	// DisableNotFoundCache stops remembering engine misses.
	DisableNotFoundCache bool
	// Disabled turns the DB into a pass-through to the engine.
	Disabled bool
	// CloseStore makes Close close the engine too. Leave unset when the engine
	// is shared.
	CloseStore bool
}

// Open returns the logical database name over opts.Store.
func Open(name string, opts Options) (DB, error) {
	return newDB(name, opts)
}
