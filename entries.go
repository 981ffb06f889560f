package cachekv

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	gen "github.com/unkn0wn-root/cachekv/genstore"
	"github.com/unkn0wn-root/cachekv/internal/util"
	"github.com/unkn0wn-root/cachekv/internal/wire"
	pr "github.com/unkn0wn-root/cachekv/provider"
)

type entryState uint8

const (
	stateUnknown entryState = iota
	statePresent
	stateAbsent
)

// entries is the Entry Cache of one DB. Records live in the provider under
// entry:<ns><key>, framed with the generation they were written under.
type entries struct {
	ns       []byte
	provider pr.Provider
	gen      gen.GenStore
	locks    *keyLocks
	log      Logger
	hooks    Hooks
	ttl      time.Duration
	cost     SetCostFunc

	populateSkips atomic.Uint64
	selfHeals     atomic.Uint64
}

func (e *entries) storageKey(key []byte) string { return util.EntryKey(e.ns, key) }

// get looks key up without touching the engine. Records that fail to decode or
// carry a stale generation are deleted and reported as unknown.
func (e *entries) get(ctx context.Context, key []byte) ([]byte, entryState) {
	sk := e.storageKey(key)
	raw, ok, err := e.provider.Get(ctx, sk)
	if err != nil {
		e.log.Warn("provider get failed", Fields{"key": sk, "err": err})
		return nil, stateUnknown
	}
	if !ok {
		return nil, stateUnknown
	}
	kind, g, value, err := wire.Decode(raw)
	if err != nil {
		e.heal(ctx, sk, ReasonCorrupt)
		return nil, stateUnknown
	}
	cur, err := e.gen.Snapshot(ctx, sk)
	if err != nil {
		// cannot prove the record current; do not serve it
		e.hooks.GenSnapshotError(sk, err)
		e.log.Warn("gen snapshot error", Fields{"key": sk, "err": err})
		return nil, stateUnknown
	}
	if g != cur {
		e.heal(ctx, sk, ReasonGenMismatch)
		return nil, stateUnknown
	}
	if kind == wire.KindAbsent {
		return nil, stateAbsent
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, statePresent
}

func (e *entries) heal(ctx context.Context, sk, reason string) {
	e.selfHeals.Add(1)
	_ = e.provider.Del(ctx, sk)
	e.hooks.SelfHeal(sk, reason)
	e.log.Debug("self-healed entry", Fields{"key": sk, "reason": reason})
}

// observation is what a read-path populate must still see to write: the
// key's generation and its stripe epoch, both taken before the engine read.
type observation struct {
	gen   uint64
	epoch uint64
}

// snapshot returns the observation a read-path populate must match. ok is
// false when the generation store is unavailable; the caller then skips the
// populate.
func (e *entries) snapshot(ctx context.Context, key []byte) (obs observation, ok bool) {
	sk := e.storageKey(key)
	obs.epoch = e.locks.epoch(key)
	g, err := e.gen.Snapshot(ctx, sk)
	if err != nil {
		e.hooks.GenSnapshotError(sk, err)
		e.log.Warn("gen snapshot error", Fields{"key": sk, "err": err})
		return observation{}, false
	}
	obs.gen = g
	return obs, true
}

// populate records Present(value) iff nothing mutated key since obs.
func (e *entries) populate(ctx context.Context, key, value []byte, obs observation) {
	e.populateRecord(ctx, key, obs, func() []byte { return wire.EncodePresent(obs.gen, value) })
}

// populateAbsent records Absent iff nothing mutated key since obs.
func (e *entries) populateAbsent(ctx context.Context, key []byte, obs observation) {
	e.populateRecord(ctx, key, obs, func() []byte { return wire.EncodeAbsent(obs.gen) })
}

// populateRecord checks and writes under the key's stripe, so no mutation can
// land between the check and the provider write.
func (e *entries) populateRecord(ctx context.Context, key []byte, obs observation, record func() []byte) {
	sk := e.storageKey(key)
	unlock := e.locks.lock(key)
	defer unlock()

	cur, err := e.gen.Snapshot(ctx, sk)
	if err != nil {
		e.skip(sk, ReasonGenError)
		e.hooks.GenSnapshotError(sk, err)
		return
	}
	if cur != obs.gen {
		// a mutation landed while the engine was read; its record wins
		e.skip(sk, ReasonGenMoved)
		return
	}
	if e.locks.epoch(key) != obs.epoch {
		// a mutation landed whose gen bump failed
		e.skip(sk, ReasonMutated)
		return
	}
	e.write(ctx, sk, record())
}

func (e *entries) skip(sk, reason string) {
	e.populateSkips.Add(1)
	e.hooks.PopulateSkipped(sk, reason)
	e.log.Debug("populate skipped", Fields{"key": sk, "reason": reason})
}

func (e *entries) write(ctx context.Context, sk string, record []byte) bool {
	ok, err := e.provider.Set(ctx, sk, record, e.cost(sk, record), e.ttl)
	if err != nil {
		e.log.Warn("provider set failed", Fields{"key": sk, "err": err})
		return false
	}
	if !ok {
		e.hooks.ProviderSetRejected(sk)
		e.log.Debug("provider rejected set (pressure)", Fields{"key": sk})
	}
	return ok
}

// set records Present(value) after a successful engine write. Caller holds
// key's stripe.
func (e *entries) set(ctx context.Context, key, value []byte) error {
	sk := e.storageKey(key)
	e.locks.advance(key)
	g, err := e.gen.Bump(ctx, sk)
	if err != nil {
		return e.drop(ctx, key, sk, err)
	}
	if !e.write(ctx, sk, wire.EncodePresent(g, value)) {
		// the old record is already dead under g; just reclaim the slot
		_ = e.provider.Del(ctx, sk)
	}
	return nil
}

// delete returns key to unknown after a successful engine delete. Caller holds
// key's stripe.
func (e *entries) delete(ctx context.Context, key []byte) error {
	sk := e.storageKey(key)
	e.locks.advance(key)
	g, err := e.gen.Bump(ctx, sk)
	if err != nil {
		return e.drop(ctx, key, sk, err)
	}
	if err := e.provider.Del(ctx, sk); err != nil {
		e.log.Warn("provider delete failed; record retired by gen", Fields{"key": sk, "gen": g, "err": err})
	}
	return nil
}

// drop handles a failed bump: without a new generation the old record stays
// valid, so it has to be deleted. Only when that fails too is the caller told.
func (e *entries) drop(ctx context.Context, key []byte, sk string, bumpErr error) error {
	e.hooks.GenBumpError(sk, bumpErr)
	e.log.Error("gen bump error", Fields{"key": sk, "err": bumpErr})
	delErr := e.provider.Del(ctx, sk)
	if delErr == nil {
		return nil
	}
	e.hooks.InvalidateOutage(string(key), bumpErr, delErr)
	e.log.Error("invalidate outage", Fields{"key": sk, "bumpErr": bumpErr, "delErr": delErr})
	return &InvalidateError{Key: string(key), BumpErr: bumpErr, DelErr: delErr}
}

// close releases the generation store first, then the provider (best effort).
func (e *entries) close(ctx context.Context) error {
	return errors.Join(e.gen.Close(ctx), e.provider.Close(ctx))
}
