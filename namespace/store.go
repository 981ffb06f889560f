package namespace

import (
	"bytes"
	"context"
	"sync/atomic"

	"github.com/unkn0wn-root/cachekv/kv"
)

var (
	_ kv.Store       = (*Store)(nil)
	_ kv.Snapshotter = (*Store)(nil)
)

// Store is the view of one logical database over a shared parent store.
// Close ends the view only; the parent stays open for other databases.
type Store struct {
	parent kv.Store
	name   string
	prefix []byte
	closed atomic.Bool
}

func New(parent kv.Store, name string) (*Store, error) {
	if name == "" {
		return nil, ErrEmptyName
	}
	return &Store{parent: parent, name: name, prefix: Escape(name)}, nil
}

func (s *Store) Name() string { return s.name }

// Prefix returns a copy of the physical key prefix.
func (s *Store) Prefix() []byte { return kv.Clone(s.prefix) }

func (s *Store) Snapshots() bool {
	sn, ok := s.parent.(kv.Snapshotter)
	return ok && sn.Snapshots()
}

func (s *Store) key(k []byte) ([]byte, error) {
	if s.closed.Load() {
		return nil, kv.ErrClosed
	}
	if len(k) == 0 {
		return nil, kv.ErrEmptyKey
	}
	return join(s.prefix, k), nil
}

func (s *Store) Get(ctx context.Context, key []byte) ([]byte, error) {
	k, err := s.key(key)
	if err != nil {
		return nil, err
	}
	return s.parent.Get(ctx, k)
}

func (s *Store) Put(ctx context.Context, key, value []byte) error {
	k, err := s.key(key)
	if err != nil {
		return err
	}
	return s.parent.Put(ctx, k, value)
}

func (s *Store) Delete(ctx context.Context, key []byte) error {
	k, err := s.key(key)
	if err != nil {
		return err
	}
	return s.parent.Delete(ctx, k)
}

func (s *Store) Batch(ctx context.Context, ops []kv.Op) error {
	if s.closed.Load() {
		return kv.ErrClosed
	}
	if err := kv.ValidateOps(ops); err != nil {
		return err
	}
	prefixed := make([]kv.Op, len(ops))
	for i, op := range ops {
		prefixed[i] = kv.Op{Type: op.Type, Key: join(s.prefix, op.Key), Value: op.Value}
	}
	return s.parent.Batch(ctx, prefixed)
}

// Iterator maps the bounds into the namespace: an open Start becomes the
// prefix itself and an open End becomes the first key past the prefix.
func (s *Store) Iterator(ctx context.Context, opts kv.IterOptions) (kv.Iterator, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, kv.ErrClosed
	}
	inner := kv.IterOptions{Reverse: opts.Reverse}
	if opts.Start != nil {
		inner.Start = join(s.prefix, opts.Start)
	} else {
		inner.Start = s.Prefix()
	}
	if opts.End != nil {
		inner.End = join(s.prefix, opts.End)
	} else {
		inner.End = prefixEnd(s.prefix)
	}
	it, err := s.parent.Iterator(ctx, inner)
	if err != nil {
		return nil, err
	}
	return &iterator{inner: it, prefix: s.prefix, opts: opts}, nil
}

func (s *Store) Close(context.Context) error {
	s.closed.Store(true)
	return nil
}

// iterator strips the prefix; encodings are applied to the user-visible key.
type iterator struct {
	inner  kv.Iterator
	prefix []byte
	opts   kv.IterOptions
}

func (it *iterator) Next(ctx context.Context) (kv.Entry, bool, error) {
	e, ok, err := it.inner.Next(ctx)
	if err != nil || !ok {
		return kv.Entry{}, ok, err
	}
	if !bytes.HasPrefix(e.Key, it.prefix) {
		// the parent ignored the bounds; treat as end of namespace
		return kv.Entry{}, false, nil
	}
	e.Key = e.Key[len(it.prefix):]
	if err := it.opts.Check(e); err != nil {
		return kv.Entry{}, false, err
	}
	return e, true, nil
}

func (it *iterator) Close() error { return it.inner.Close() }
