package cachekv

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	gen "github.com/unkn0wn-root/cachekv/genstore"
	"github.com/unkn0wn-root/cachekv/kv"
	"github.com/unkn0wn-root/cachekv/namespace"
	"github.com/unkn0wn-root/cachekv/provider/lru"
)

var _ DB = (*db)(nil)

type db struct {
	name          string
	view          *namespace.Store // engine keys of this database
	engine        kv.Store
	entries       *entries // nil when disabled
	locks         *keyLocks
	log           Logger
	notFoundCache bool
	closeStore    bool

	hits       atomic.Uint64
	absentHits atomic.Uint64
	misses     atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

func newDB(name string, opts Options) (*db, error) {
	if opts.Store == nil {
		return nil, ErrStoreRequired
	}
	view, err := namespace.New(opts.Store, name)
	if err != nil {
		return nil, err
	}

	d := &db{
		name:          name,
		view:          view,
		engine:        opts.Store,
		log:           coalesce[Logger](opts.Logger, NopLogger{}),
		notFoundCache: !opts.DisableNotFoundCache,
		closeStore:    opts.CloseStore,
	}
	stripes := opts.LockStripes
	if stripes <= 0 {
		stripes = defaultStripes
	}
	d.locks = newKeyLocks(stripes)
	if opts.Disabled {
		d.log.Info("cache disabled; pass-through to store", Fields{"db": name})
		return d, nil
	}

	ttl := coalesce(opts.EntryTTL, defaultEntryTTL)
	sweep := coalesce(opts.CleanupInterval, defaultSweep)
	retention := coalesce(opts.GenRetention, defaultGenRetention)
	if retention <= ttl {
		return nil, fmt.Errorf("cachekv: GenRetention (%s) must exceed EntryTTL (%s)", retention, ttl)
	}

	p := opts.Provider
	if p == nil {
		p, err = lru.New(lru.Config{Size: coalesce(opts.CacheSize, defaultCacheSize)})
		if err != nil {
			return nil, fmt.Errorf("cachekv: default provider: %w", err)
		}
	}
	g := opts.GenStore
	if g == nil {
		// default to in-process generations with periodic cleanup
		g = gen.NewLocal(sweep, retention)
	}
	cost := opts.ComputeSetCost
	if cost == nil {
		cost = func(_ string, record []byte) int64 { return int64(len(record)) }
	}

	d.entries = &entries{
		ns:       view.Prefix(),
		provider: p,
		gen:      g,
		locks:    d.locks,
		log:      d.log,
		hooks:    coalesce[Hooks](opts.Hooks, NopHooks{}),
		ttl:      ttl,
		cost:     cost,
	}
	return d, nil
}

func (d *db) Name() string    { return d.name }
func (d *db) Enabled() bool   { return d.entries != nil }
func (d *db) Snapshots() bool { return d.view.Snapshots() }

func (d *db) Stats() Stats {
	s := Stats{
		Hits:       d.hits.Load(),
		AbsentHits: d.absentHits.Load(),
		Misses:     d.misses.Load(),
	}
	if d.entries != nil {
		s.PopulateSkips = d.entries.populateSkips.Load()
		s.SelfHeals = d.entries.selfHeals.Load()
	}
	return s
}

// guard holds the read lock for the duration of an operation so Close waits
// for in-flight calls.
func (d *db) guard() (func(), error) {
	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return nil, kv.ErrClosed
	}
	return d.mu.RUnlock, nil
}

func (d *db) Get(ctx context.Context, key []byte) ([]byte, error) {
	release, err := d.guard()
	if err != nil {
		return nil, err
	}
	defer release()
	if len(key) == 0 {
		return nil, kv.ErrEmptyKey
	}
	if d.entries == nil {
		return d.view.Get(ctx, key)
	}

	switch v, st := d.entries.get(ctx, key); st {
	case statePresent:
		d.hits.Add(1)
		return v, nil
	case stateAbsent:
		d.absentHits.Add(1)
		return nil, kv.ErrNotFound
	}
	d.misses.Add(1)

	// snapshot before the engine read; a mutation in between moves gen and epoch
	observed, canPopulate := d.entries.snapshot(ctx, key)
	v, err := d.view.Get(ctx, key)
	switch {
	case err == nil:
		if canPopulate {
			d.entries.populate(ctx, key, v, observed)
		}
		return v, nil
	case errors.Is(err, kv.ErrNotFound):
		if canPopulate && d.notFoundCache {
			d.entries.populateAbsent(ctx, key, observed)
		}
		return nil, err
	default:
		return nil, err
	}
}

func (d *db) Put(ctx context.Context, key, value []byte) error {
	release, err := d.guard()
	if err != nil {
		return err
	}
	defer release()
	if len(key) == 0 {
		return kv.ErrEmptyKey
	}

	unlock := d.locks.lock(key)
	defer unlock()
	if err := d.view.Put(ctx, key, value); err != nil {
		return err
	}
	if d.entries == nil {
		return nil
	}
	return d.entries.set(ctx, key, value)
}

func (d *db) Delete(ctx context.Context, key []byte) error {
	release, err := d.guard()
	if err != nil {
		return err
	}
	defer release()
	if len(key) == 0 {
		return kv.ErrEmptyKey
	}

	unlock := d.locks.lock(key)
	defer unlock()
	if err := d.view.Delete(ctx, key); err != nil {
		return err
	}
	if d.entries == nil {
		return nil
	}
	return d.entries.delete(ctx, key)
}

// Batch applies ops atomically in the engine, then replays their cache effects
// in order, so a later op on the same key wins.
func (d *db) Batch(ctx context.Context, ops []kv.Op) error {
	release, err := d.guard()
	if err != nil {
		return err
	}
	defer release()
	if err := kv.ValidateOps(ops); err != nil {
		return err
	}

	keys := make([][]byte, len(ops))
	for i, op := range ops {
		keys[i] = op.Key
	}
	unlock := d.locks.lockAll(keys)
	defer unlock()
	if err := d.view.Batch(ctx, ops); err != nil {
		return err
	}
	if d.entries == nil {
		return nil
	}

	var errs []error
	for _, op := range ops {
		var err error
		switch op.Type {
		case kv.OpPut:
			err = d.entries.set(ctx, op.Key, op.Value)
		case kv.OpDelete:
			err = d.entries.delete(ctx, op.Key)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Iterator goes straight to the engine; the Entry Cache is not consulted.
func (d *db) Iterator(ctx context.Context, opts kv.IterOptions) (kv.Iterator, error) {
	release, err := d.guard()
	if err != nil {
		return nil, err
	}
	defer release()
	return d.view.Iterator(ctx, opts)
}

// Close releases the Entry Cache and, with Options.CloseStore, the engine.
// Idempotent.
func (d *db) Close(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	errs := []error{d.view.Close(ctx)}
	if d.entries != nil {
		errs = append(errs, d.entries.close(ctx))
	}
	if d.closeStore {
		errs = append(errs, d.engine.Close(ctx))
	}
	return errors.Join(errs...)
}
