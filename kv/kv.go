// Package kv defines the ordered key-value engine contract that cachekv sits in
// front of.
//
// Keys are byte strings ordered by bytes.Compare. Engines must return copies of
// keys and values; callers are free to retain and mutate them.
//
// Iterators are created against the engine directly. Whether an iterator sees a
// point-in-time snapshot or the live key space is engine-defined (see
// Snapshotter), but every engine must visit keys monotonically: an iterator never
// returns a key that is not strictly after (or, in reverse, strictly before) the
// previously returned key.
package kv

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by Get when the key does not exist.
	ErrNotFound = errors.New("kv: not found")
	// ErrClosed is returned by operations on a closed store or iterator.
	ErrClosed = errors.New("kv: closed")
	// ErrEmptyKey is returned when a key is nil or empty.
	ErrEmptyKey = errors.New("kv: key cannot be empty")
	// ErrInvalidRange is returned by Iterator for empty bounds or start > end.
	ErrInvalidRange = errors.New("kv: invalid iterator range")
	// ErrEncoding is returned by Next when a key or value does not satisfy the
	// requested Encoding.
	ErrEncoding = errors.New("kv: invalid encoding")
)

// Store is an ordered byte-key/byte-value store.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key []byte) ([]byte, error)

	// Put durably writes value under key.
	Put(ctx context.Context, key, value []byte) error

	// Delete durably removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key []byte) error

	// Batch applies ops as a single all-or-nothing unit. Later ops on the same
	// key override earlier ones.
	Batch(ctx context.Context, ops []Op) error

	// Iterator opens a cursor over the range described by opts.
	Iterator(ctx context.Context, opts IterOptions) (Iterator, error)

	// Close releases the store.
	Close(ctx context.Context) error
}

// Iterator is a cursor over a key range.
type Iterator interface {
	// Next returns the next entry. ok is false once the range is exhausted;
	// further calls keep returning ok=false with a nil error.
	Next(ctx context.Context) (e Entry, ok bool, err error)

	// Close releases the cursor. Safe to call more than once.
	Close() error
}

// Snapshotter is implemented by stores that report their iterator semantics.
type Snapshotter interface {
	// Snapshots reports whether iterators observe a fixed view as of creation.
	Snapshots() bool
}

// Entry is a key/value pair yielded by an Iterator.
type Entry struct {
	Key   []byte
	Value []byte
}

// OpType is the kind of a batch operation.
type OpType uint8

const (
	OpPut OpType = iota + 1
	OpDelete
)

func (t OpType) String() string {
	switch t {
	case OpPut:
		return "put"
	case OpDelete:
		return "del"
	default:
		return "unknown"
	}
}

// Op is a single batch operation. Value is ignored for OpDelete.
type Op struct {
	Type  OpType
	Key   []byte
	Value []byte
}

func Put(key, value []byte) Op { return Op{Type: OpPut, Key: key, Value: value} }
func Del(key []byte) Op        { return Op{Type: OpDelete, Key: key} }

// ValidateOps checks every op has a known type and a non-empty key.
func ValidateOps(ops []Op) error {
	for _, op := range ops {
		if len(op.Key) == 0 {
			return ErrEmptyKey
		}
		if op.Type != OpPut && op.Type != OpDelete {
			return fmt.Errorf("kv: unknown batch op type %d", op.Type)
		}
	}
	return nil
}

// Clone returns a copy of b; nil stays nil.
func Clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
