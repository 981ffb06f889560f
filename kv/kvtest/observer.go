// Package kvtest provides test helpers for kv.Store implementations and their
// callers: a call-counting, fault-injecting Observer and a conformance suite.
package kvtest

import (
	"context"
	"sync"

	"github.com/unkn0wn-root/cachekv/kv"
)

// Operation names used by Observer.
const (
	OpGet      = "get"
	OpPut      = "put"
	OpDelete   = "del"
	OpBatch    = "batch"
	OpIterator = "iterator"
)

// Observer wraps a kv.Store, counting calls per operation and optionally
// failing them with an injected error. Injected failures do not reach the
// wrapped store.
type Observer struct {
	kv.Store

	mu    sync.Mutex
	calls map[string]int
	fail  map[string]error

	// AfterGet, when set, runs after the wrapped Get returned and before the
	// result is handed back to the caller. It is called without locks held.
	AfterGet func(ctx context.Context, key []byte)
}

var _ kv.Store = (*Observer)(nil)

func NewObserver(s kv.Store) *Observer {
	return &Observer{
		Store: s,
		calls: make(map[string]int),
		fail:  make(map[string]error),
	}
}

// Calls returns how many times op was invoked, including failed calls.
func (o *Observer) Calls(op string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls[op]
}

// Reset zeroes all counters.
func (o *Observer) Reset() {
	o.mu.Lock()
	o.calls = make(map[string]int)
	o.mu.Unlock()
}

// Fail makes op return err until cleared with Fail(op, nil).
func (o *Observer) Fail(op string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err == nil {
		delete(o.fail, op)
		return
	}
	o.fail[op] = err
}

func (o *Observer) record(op string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls[op]++
	return o.fail[op]
}

func (o *Observer) Get(ctx context.Context, key []byte) ([]byte, error) {
	if err := o.record(OpGet); err != nil {
		return nil, err
	}
	v, err := o.Store.Get(ctx, key)
	if o.AfterGet != nil {
		o.AfterGet(ctx, key)
	}
	return v, err
}

func (o *Observer) Put(ctx context.Context, key, value []byte) error {
	if err := o.record(OpPut); err != nil {
		return err
	}
	return o.Store.Put(ctx, key, value)
}

func (o *Observer) Delete(ctx context.Context, key []byte) error {
	if err := o.record(OpDelete); err != nil {
		return err
	}
	return o.Store.Delete(ctx, key)
}

func (o *Observer) Batch(ctx context.Context, ops []kv.Op) error {
	if err := o.record(OpBatch); err != nil {
		return err
	}
	return o.Store.Batch(ctx, ops)
}

func (o *Observer) Iterator(ctx context.Context, opts kv.IterOptions) (kv.Iterator, error) {
	if err := o.record(OpIterator); err != nil {
		return nil, err
	}
	return o.Store.Iterator(ctx, opts)
}

// Snapshots forwards to the wrapped store when it reports its mode.
func (o *Observer) Snapshots() bool {
	if s, ok := o.Store.(kv.Snapshotter); ok {
		return s.Snapshots()
	}
	return false
}
