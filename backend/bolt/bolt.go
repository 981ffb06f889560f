// Package bolt is an on-disk kv.Store backed by a single bbolt bucket.
//
// Iterators are live: every Next runs a short read transaction that seeks
// strictly past the last returned key, so no transaction is held between steps
// and writers are never blocked by an open iterator.
package bolt

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/unkn0wn-root/cachekv/kv"
)

const defaultBucket = "kv"

var (
	_ kv.Store       = (*DB)(nil)
	_ kv.Snapshotter = (*DB)(nil)
)

type Options struct {
	Bucket  string        // "" => "kv"
	Timeout time.Duration // file lock wait; 0 => 10s
	Mode    os.FileMode   // 0 => 0600
	NoSync  bool          // skip fsync per commit (tests, bulk loads)
}

type DB struct {
	bdb    *bbolt.DB
	bucket []byte

	mu     sync.RWMutex
	closed bool
}

// Open opens (creating if needed) the database file at path.
func Open(path string, opts Options) (*DB, error) {
	if opts.Bucket == "" {
		opts.Bucket = defaultBucket
	}
	if opts.Timeout == 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Mode == 0 {
		opts.Mode = 0o600
	}
	bdb, err := bbolt.Open(path, opts.Mode, &bbolt.Options{Timeout: opts.Timeout, NoSync: opts.NoSync})
	if err != nil {
		return nil, fmt.Errorf("bolt: open %s: %w", path, err)
	}
	db := &DB{bdb: bdb, bucket: []byte(opts.Bucket)}
	err = bdb.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(db.bucket)
		return err
	})
	if err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("bolt: create bucket %s: %w", opts.Bucket, err)
	}
	return db, nil
}

func (db *DB) Snapshots() bool { return false }

// guard holds the read lock for the duration of an operation so Close waits
// for in-flight calls.
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
	err = db.bdb.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(db.bucket).Get(key)
		if v == nil {
			return kv.ErrNotFound
		}
		// bbolt memory is only valid inside the transaction
		out = make([]byte, len(v))
		copy(out, v)
		return nil
	})
	return out, err
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
	return db.bdb.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(db.bucket).Put(key, nonNil(value))
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
	return db.bdb.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(db.bucket).Delete(key)
	})
}

// Batch applies ops in one read-write transaction; any failure rolls back.
func (db *DB) Batch(_ context.Context, ops []kv.Op) error {
	if err := kv.ValidateOps(ops); err != nil {
		return err
	}
	release, err := db.guard()
	if err != nil {
		return err
	}
	defer release()
	return db.bdb.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(db.bucket)
		for _, op := range ops {
			var err error
			switch op.Type {
			case kv.OpPut:
				err = b.Put(op.Key, nonNil(op.Value))
			case kv.OpDelete:
				err = b.Delete(op.Key)
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
	release, err := db.guard()
	if err != nil {
		return nil, err
	}
	release()
	return &iterator{db: db, opts: opts}, nil
}

func (db *DB) Close(context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true
	return db.bdb.Close()
}

// bbolt rejects nil values on Put.
func nonNil(v []byte) []byte {
	if v == nil {
		return []byte{}
	}
	return v
}

type iterator struct {
	mu     sync.Mutex
	db     *DB
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
	release, err := it.db.guard()
	if err != nil {
		return kv.Entry{}, false, err
	}
	defer release()

	var (
		e  kv.Entry
		ok bool
	)
	err = it.db.bdb.View(func(tx *bbolt.Tx) error {
		k, v := it.seek(tx.Bucket(it.db.bucket).Cursor())
		if k == nil {
			return nil
		}
		e = kv.Entry{Key: kv.Clone(k), Value: kv.Clone(v)}
		ok = true
		return nil
	})
	if err != nil {
		return kv.Entry{}, false, err
	}
	if !ok {
		it.done = true
		return kv.Entry{}, false, nil
	}
	it.last = e.Key
	if err := it.opts.Check(e); err != nil {
		return kv.Entry{}, false, err
	}
	return e, true, nil
}

// seek positions c on the first key strictly past it.last in the direction of
// travel and returns it, or nil when the range is exhausted.
func (it *iterator) seek(c *bbolt.Cursor) (k, v []byte) {
	if !it.opts.Reverse {
		switch {
		case it.last != nil:
			k, v = c.Seek(it.last)
			if k != nil && bytes.Equal(k, it.last) {
				k, v = c.Next()
			}
		case it.opts.Start != nil:
			k, v = c.Seek(it.opts.Start)
		default:
			k, v = c.First()
		}
	} else {
		pivot := it.last
		if pivot == nil {
			pivot = it.opts.End
		}
		if pivot == nil {
			k, v = c.Last()
		} else {
			// first key >= pivot, then step back below it
			k, v = c.Seek(pivot)
			if k == nil {
				k, v = c.Last()
			} else {
				k, v = c.Prev()
			}
		}
	}
	if k == nil || it.opts.Beyond(k) {
		return nil, nil
	}
	return k, v
}

func (it *iterator) Close() error {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.closed = true
	return nil
}
