// Package table is a typed facade over a kv.Store (usually a cachekv.DB):
// string keys, values converted by a codec.Codec.
package table

import (
	"context"
	"errors"
	"fmt"

	"github.com/unkn0wn-root/cachekv/codec"
	"github.com/unkn0wn-root/cachekv/kv"
)

// Stop ends Iterate early without an error.
var Stop = errors.New("table: stop iteration")

type Table[V any] struct {
	store kv.Store
	codec codec.Codec[V]
}

func New[V any](store kv.Store, c codec.Codec[V]) *Table[V] {
	return &Table[V]{store: store, codec: c}
}

// Op is one element of a typed batch. Delete ignores Value.
type Op[V any] struct {
	Key    string
	Value  V
	Delete bool
}

// Get returns kv.ErrNotFound (match with errors.Is) for missing keys.
func (t *Table[V]) Get(ctx context.Context, key string) (V, error) {
	var zero V
	b, err := t.store.Get(ctx, []byte(key))
	if err != nil {
		return zero, err
	}
	v, err := t.codec.Decode(b)
	if err != nil {
		return zero, fmt.Errorf("table: decode %q: %w", key, err)
	}
	return v, nil
}

func (t *Table[V]) Put(ctx context.Context, key string, v V) error {
	b, err := t.codec.Encode(v)
	if err != nil {
		return fmt.Errorf("table: encode %q: %w", key, err)
	}
	return t.store.Put(ctx, []byte(key), b)
}

func (t *Table[V]) Delete(ctx context.Context, key string) error {
	return t.store.Delete(ctx, []byte(key))
}

// Batch encodes every value first; nothing is written if any encode fails.
func (t *Table[V]) Batch(ctx context.Context, ops []Op[V]) error {
	raw := make([]kv.Op, len(ops))
	for i, op := range ops {
		if op.Delete {
			raw[i] = kv.Del([]byte(op.Key))
			continue
		}
		b, err := t.codec.Encode(op.Value)
		if err != nil {
			return fmt.Errorf("table: encode %q: %w", op.Key, err)
		}
		raw[i] = kv.Put([]byte(op.Key), b)
	}
	return t.store.Batch(ctx, raw)
}

// Iterate calls fn for every entry in opts' range in iteration order. Returning
// Stop from fn ends the walk with a nil error; any other error is returned.
func (t *Table[V]) Iterate(ctx context.Context, opts kv.IterOptions, fn func(key string, v V) error) (err error) {
	it, err := t.store.Iterator(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := it.Close(); err == nil {
			err = cerr
		}
	}()
	for {
		e, ok, err := it.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		v, err := t.codec.Decode(e.Value)
		if err != nil {
			return fmt.Errorf("table: decode %q: %w", e.Key, err)
		}
		if err := fn(string(e.Key), v); err != nil {
			if errors.Is(err, Stop) {
				return nil
			}
			return err
		}
	}
}
