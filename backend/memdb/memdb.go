// Package memdb is an in-memory ordered kv.Store backed by a B-tree.
//
// Iterators either see a copy-on-write snapshot taken at creation (Snapshot=true)
// or the live tree, re-seeking strictly past the last returned key on every Next.
package memdb

import (
	"bytes"
	"context"
	"sync"

	"github.com/tidwall/btree"

	"github.com/unkn0wn-root/cachekv/kv"
)

// approximate number of items and children per node
const defaultDegree = 32

var (
	_ kv.Store       = (*DB)(nil)
	_ kv.Snapshotter = (*DB)(nil)
)

type Options struct {
	// Snapshot makes iterators observe the tree as of their creation.
	Snapshot bool
	// Degree of the B-tree; 0 => 32.
	Degree int
}

// DB is safe for concurrent use. Writers take the write lock; point reads and
// live iterator steps take the read lock.
type DB struct {
	mu       sync.RWMutex
	tree     *btree.BTreeG[item]
	snapshot bool
	closed   bool
}

type item struct {
	key   []byte
	value []byte
}

func byKeys(a, b item) bool { return bytes.Compare(a.key, b.key) < 0 }

func New(opts Options) *DB {
	deg := opts.Degree
	if deg <= 0 {
		deg = defaultDegree
	}
	return &DB{
		// the DB's own lock guards the tree; snapshots are private copies
		tree: btree.NewBTreeGOptions[item](byKeys, btree.Options{
			Degree:  deg,
			NoLocks: true,
		}),
		snapshot: opts.Snapshot,
	}
}

func (db *DB) Snapshots() bool { return db.snapshot }

// Len returns the number of keys stored.
func (db *DB) Len() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.tree.Len()
}

func (db *DB) Get(_ context.Context, key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, kv.ErrEmptyKey
	}
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, kv.ErrClosed
	}
	it, ok := db.tree.Get(item{key: key})
	if !ok {
		return nil, kv.ErrNotFound
	}
	return kv.Clone(it.value), nil
}

func (db *DB) Put(_ context.Context, key, value []byte) error {
	if len(key) == 0 {
		return kv.ErrEmptyKey
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return kv.ErrClosed
	}
	db.tree.Set(item{key: kv.Clone(key), value: cloneValue(value)})
	return nil
}

func (db *DB) Delete(_ context.Context, key []byte) error {
	if len(key) == 0 {
		return kv.ErrEmptyKey
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return kv.ErrClosed
	}
	db.tree.Delete(item{key: key})
	return nil
}

// Batch applies ops under a single write lock, so readers observe either none
// or all of them.
func (db *DB) Batch(_ context.Context, ops []kv.Op) error {
	if err := kv.ValidateOps(ops); err != nil {
		return err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return kv.ErrClosed
	}
	for _, op := range ops {
		switch op.Type {
		case kv.OpPut:
			db.tree.Set(item{key: kv.Clone(op.Key), value: cloneValue(op.Value)})
		case kv.OpDelete:
			db.tree.Delete(item{key: op.Key})
		}
	}
	return nil
}

func (db *DB) Iterator(_ context.Context, opts kv.IterOptions) (kv.Iterator, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, kv.ErrClosed
	}
	it := &iterator{db: db, opts: opts}
	if db.snapshot {
		// copy-on-write; O(1)
		it.view = db.tree.Copy()
	}
	return it, nil
}

func (db *DB) Close(context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true
	db.tree.Clear()
	return nil
}

// cloneValue keeps a stored value non-nil so an empty value round-trips as [].
func cloneValue(v []byte) []byte {
	out := make([]byte, len(v))
	copy(out, v)
	return out
}

type iterator struct {
	mu     sync.Mutex
	db     *DB
	view   *btree.BTreeG[item] // nil => live tree
	opts   kv.IterOptions
	last   []byte
	done   bool
	closed bool
}

func (it *iterator) Next(ctx context.Context) (kv.Entry, bool, error) {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.closed {
		return kv.Entry{}, false, kv.ErrClosed
	}
	if it.done {
		return kv.Entry{}, false, nil
	}
	if err := ctx.Err(); err != nil {
		return kv.Entry{}, false, err
	}

	it.db.mu.RLock()
	if it.db.closed {
		it.db.mu.RUnlock()
		return kv.Entry{}, false, kv.ErrClosed
	}
	tree := it.view
	if tree == nil {
		tree = it.db.tree
	}
	found, ok := it.seek(tree)
	it.db.mu.RUnlock()

	if !ok {
		it.done = true
		it.view = nil
		return kv.Entry{}, false, nil
	}
	e := kv.Entry{Key: kv.Clone(found.key), Value: kv.Clone(found.value)}
	it.last = e.Key
	if err := it.opts.Check(e); err != nil {
		return kv.Entry{}, false, err
	}
	return e, true, nil
}

// seek finds the first key strictly past it.last in the direction of travel.
func (it *iterator) seek(tree *btree.BTreeG[item]) (item, bool) {
	var (
		out   item
		found bool
	)
	visit := func(i item) bool {
		if !it.opts.Advances(it.last, i.key) {
			return true
		}
		// Descend includes the pivot; End is exclusive
		if it.opts.Reverse && it.opts.End != nil && bytes.Compare(i.key, it.opts.End) >= 0 {
			return true
		}
		if it.opts.Beyond(i.key) {
			return false
		}
		out, found = i, true
		return false
	}

	pivot := it.last
	if it.opts.Reverse {
		if pivot == nil {
			pivot = it.opts.End
		}
		if pivot == nil {
			tree.Reverse(visit)
		} else {
			tree.Descend(item{key: pivot}, visit)
		}
	} else {
		if pivot == nil {
			pivot = it.opts.Start
		}
		if pivot == nil {
			tree.Scan(visit)
		} else {
			tree.Ascend(item{key: pivot}, visit)
		}
	}
	return out, found
}

func (it *iterator) Close() error {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.closed = true
	it.view = nil
	return nil
}
