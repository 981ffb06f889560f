// Package badger is a kv.Store backed by dgraph-io/badger.
//
// Iterators run inside a read-only transaction opened at creation, so they
// observe a snapshot: writes made after the iterator was created are invisible
// to it. The transaction is released by Iterator.Close (or by DB.Close).
package badger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	bg "github.com/dgraph-io/badger/v3"

	"github.com/unkn0wn-root/cachekv"
	"github.com/unkn0wn-root/cachekv/kv"
)

var (
	_ kv.Store       = (*DB)(nil)
	_ kv.Snapshotter = (*DB)(nil)
)

type Options struct {
	// Dir is the data directory. Ignored when InMemory is set.
	Dir      string
	InMemory bool
	// SyncWrites fsyncs every commit.
	SyncWrites bool
	// Logger receives badger's internal logs; nil silences them.
	Logger cachekv.Logger
}

type DB struct {
	bdb *bg.DB

	mu     sync.RWMutex
	closed bool
	iters  map[*iterator]struct{}
}

func Open(opts Options) (*DB, error) {
	bo := bg.DefaultOptions(opts.Dir).
		WithInMemory(opts.InMemory).
		WithSyncWrites(opts.SyncWrites)
	if opts.Logger != nil {
		bo = bo.WithLogger(logAdapter{l: opts.Logger})
	} else {
		bo = bo.WithLogger(nil)
	}
	bdb, err := bg.Open(bo)
	if err != nil {
		return nil, fmt.Errorf("badger: open %q: %w", opts.Dir, err)
	}
	return &DB{bdb: bdb, iters: make(map[*iterator]struct{})}, nil
}

func (db *DB) Snapshots() bool { return true }

func (db *DB) guard() (func(), error) {
	db.mu.RLock()
	if db.closed {
		db.mu.RUnlock()
		return nil, kv.ErrClosed
	}
	return db.mu.RUnlock, nil
}

func (db *DB) Get(_ context.Context, key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, kv.ErrEmptyKey
	}
	release, err := db.guard()
	if err != nil {
		return nil, err
	}
	defer release()

	var out []byte
	err = db.bdb.View(func(txn *bg.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, bg.ErrKeyNotFound) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []byte{}
	}
	return out, nil
}

func (db *DB) Put(_ context.Context, key, value []byte) error {
	if len(key) == 0 {
		return kv.ErrEmptyKey
	}
	release, err := db.guard()
	if err != nil {
		return err
	}
	defer release()
	return db.bdb.Update(func(txn *bg.Txn) error {
		return txn.Set(kv.Clone(key), kv.Clone(value))
	})
}

func (db *DB) Delete(_ context.Context, key []byte) error {
	if len(key) == 0 {
		return kv.ErrEmptyKey
	}
	release, err := db.guard()
	if err != nil {
		return err
	}
	defer release()
	return db.bdb.Update(func(txn *bg.Txn) error {
		return txn.Delete(kv.Clone(key))
	})
}

// Batch applies ops in a single transaction. A batch larger than badger's
// transaction limit fails as a whole with bg.ErrTxnTooBig.
func (db *DB) Batch(_ context.Context, ops []kv.Op) error {
	if err := kv.ValidateOps(ops); err != nil {
		return err
	}
	release, err := db.guard()
	if err != nil {
		return err
	}
	defer release()
	return db.bdb.Update(func(txn *bg.Txn) error {
		for _, op := range ops {
			var err error
			switch op.Type {
			case kv.OpPut:
				err = txn.Set(kv.Clone(op.Key), kv.Clone(op.Value))
			case kv.OpDelete:
				err = txn.Delete(kv.Clone(op.Key))
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *DB) Iterator(_ context.Context, opts kv.IterOptions) (kv.Iterator, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, kv.ErrClosed
	}

	txn := db.bdb.NewTransaction(false)
	io := bg.DefaultIteratorOptions
	io.Reverse = opts.Reverse
	it := &iterator{db: db, txn: txn, it: txn.NewIterator(io), opts: opts}
	db.iters[it] = struct{}{}
	return it, nil
}

// Close releases open iterators before closing badger.
func (db *DB) Close(context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true
	for it := range db.iters {
		it.mu.Lock()
		it.release()
		it.mu.Unlock()
	}
	db.iters = nil
	return db.bdb.Close()
}

type iterator struct {
	mu     sync.Mutex
	db     *DB
	txn    *bg.Txn
	it     *bg.Iterator
	opts   kv.IterOptions
	seeked bool
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
	if it.it == nil {
		// released by DB.Close
		return kv.Entry{}, false, kv.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return kv.Entry{}, false, err
	}

	if !it.seeked {
		it.seeked = true
		it.seekStart()
	} else {
		it.it.Next()
	}

	for it.it.Valid() {
		item := it.it.Item()
		key := item.KeyCopy(nil)
		// reverse Seek lands on the largest key <= End; End is exclusive
		if it.opts.Reverse && it.opts.End != nil && bytes.Compare(key, it.opts.End) >= 0 {
			it.it.Next()
			continue
		}
		if it.opts.Beyond(key) {
			break
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return kv.Entry{}, false, err
		}
		if val == nil {
			val = []byte{}
		}
		e := kv.Entry{Key: key, Value: val}
		if err := it.opts.Check(e); err != nil {
			return kv.Entry{}, false, err
		}
		return e, true, nil
	}

	it.done = true
	it.release()
	return kv.Entry{}, false, nil
}

func (it *iterator) seekStart() {
	switch {
	case it.opts.Reverse && it.opts.End != nil:
		it.it.Seek(it.opts.End)
	case it.opts.Reverse:
		it.it.Rewind()
	case it.opts.Start != nil:
		it.it.Seek(it.opts.Start)
	default:
		it.it.Rewind()
	}
}

// release closes the badger iterator and discards the transaction once.
func (it *iterator) release() {
	if it.it == nil {
		return
	}
	it.it.Close()
	it.txn.Discard()
	it.it, it.txn = nil, nil
}

func (it *iterator) Close() error {
	it.db.mu.Lock()
	if it.db.iters != nil {
		delete(it.db.iters, it)
	}
	it.db.mu.Unlock()

	it.mu.Lock()
	defer it.mu.Unlock()
	it.closed = true
	it.release()
	return nil
}

// logAdapter routes badger's printf-style logs to a cachekv.Logger.
type logAdapter struct{ l cachekv.Logger }

func (a logAdapter) Errorf(f string, args ...interface{}) {
	a.l.Error(fmt.Sprintf(f, args...), cachekv.Fields{"component": "badger"})
}

func (a logAdapter) Warningf(f string, args ...interface{}) {
	a.l.Warn(fmt.Sprintf(f, args...), cachekv.Fields{"component": "badger"})
}

func (a logAdapter) Infof(f string, args ...interface{}) {
	a.l.Info(fmt.Sprintf(f, args...), cachekv.Fields{"component": "badger"})
}

func (a logAdapter) Debugf(f string, args ...interface{}) {
	a.l.Debug(fmt.Sprintf(f, args...), cachekv.Fields{"component": "badger"})
}
