package kvtest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/cachekv/kv"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) kv.Store

// RunStoreContract runs the behaviors every kv.Store must satisfy.
func RunStoreContract(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("get_missing", func(t *testing.T) {
		s := open(t, newStore)
		_, err := s.Get(context.Background(), []byte("nope"))
		require.ErrorIs(t, err, kv.ErrNotFound)
	})

	t.Run("put_get_overwrite", func(t *testing.T) {
		ctx := context.Background()
		s := open(t, newStore)
		require.NoError(t, s.Put(ctx, []byte("a"), []byte("1")))
		require.Equal(t, []byte("1"), mustGet(t, s, "a"))
		require.NoError(t, s.Put(ctx, []byte("a"), []byte("2")))
		require.Equal(t, []byte("2"), mustGet(t, s, "a"))
	})

	t.Run("empty_value", func(t *testing.T) {
		ctx := context.Background()
		s := open(t, newStore)
		require.NoError(t, s.Put(ctx, []byte("e"), []byte{}))
		v, err := s.Get(ctx, []byte("e"))
		require.NoError(t, err)
		require.Len(t, v, 0)
	})

	t.Run("returned_values_are_copies", func(t *testing.T) {
		ctx := context.Background()
		s := open(t, newStore)
		require.NoError(t, s.Put(ctx, []byte("a"), []byte("abc")))
		v := mustGet(t, s, "a")
		v[0] = 'X'
		require.Equal(t, []byte("abc"), mustGet(t, s, "a"))
	})

	t.Run("delete", func(t *testing.T) {
		ctx := context.Background()
		s := open(t, newStore)
		require.NoError(t, s.Put(ctx, []byte("a"), []byte("1")))
		require.NoError(t, s.Delete(ctx, []byte("a")))
		_, err := s.Get(ctx, []byte("a"))
		require.ErrorIs(t, err, kv.ErrNotFound)
		// missing key is not an error
		require.NoError(t, s.Delete(ctx, []byte("a")))
	})

	t.Run("empty_key_rejected", func(t *testing.T) {
		ctx := context.Background()
		s := open(t, newStore)
		_, err := s.Get(ctx, nil)
		require.ErrorIs(t, err, kv.ErrEmptyKey)
		require.ErrorIs(t, s.Put(ctx, []byte{}, []byte("x")), kv.ErrEmptyKey)
		require.ErrorIs(t, s.Delete(ctx, nil), kv.ErrEmptyKey)
		require.ErrorIs(t, s.Batch(ctx, []kv.Op{kv.Put(nil, []byte("x"))}), kv.ErrEmptyKey)
	})

	t.Run("batch_later_ops_win", func(t *testing.T) {
		ctx := context.Background()
		s := open(t, newStore)
		require.NoError(t, s.Put(ctx, []byte("a"), []byte("old")))
		require.NoError(t, s.Batch(ctx, []kv.Op{
			kv.Del([]byte("a")),
			kv.Put([]byte("a"), []byte("new")),
			kv.Put([]byte("b"), []byte("tmp")),
			kv.Del([]byte("b")),
		}))
		require.Equal(t, []byte("new"), mustGet(t, s, "a"))
		_, err := s.Get(ctx, []byte("b"))
		require.ErrorIs(t, err, kv.ErrNotFound)
	})

	t.Run("batch_invalid_applies_nothing", func(t *testing.T) {
		ctx := context.Background()
		s := open(t, newStore)
		err := s.Batch(ctx, []kv.Op{
			kv.Put([]byte("a"), []byte("1")),
			{Type: kv.OpType(99), Key: []byte("b")},
		})
		require.Error(t, err)
		_, err = s.Get(ctx, []byte("a"))
		require.ErrorIs(t, err, kv.ErrNotFound)
	})

	t.Run("iterate_all_and_exhaust", func(t *testing.T) {
		s := open(t, newStore)
		seed(t, s, "b", "a", "c")
		it := mustIter(t, s, kv.IterOptions{})
		require.Equal(t, []string{"a", "b", "c"}, drain(t, it))
		for i := 0; i < 3; i++ {
			_, ok, err := it.Next(context.Background())
			require.NoError(t, err)
			require.False(t, ok, "exhausted iterator must stay exhausted")
		}
	})

	t.Run("exhausted_iterator_ignores_later_puts", func(t *testing.T) {
		for _, reverse := range []bool{false, true} {
			ctx := context.Background()
			s := open(t, newStore)
			seed(t, s, "b", "d")
			it := mustIter(t, s, kv.IterOptions{Reverse: reverse})
			require.Len(t, drain(t, it), 2)

			// one key behind the last returned key, one ahead of it
			seed(t, s, "a", "c", "e")
			for i := 0; i < 2; i++ {
				e, ok, err := it.Next(ctx)
				require.NoError(t, err)
				require.False(t, ok, "reverse=%v: resurrected %q after exhaustion", reverse, e.Key)
			}
		}
	})

	t.Run("iterate_range", func(t *testing.T) {
		s := open(t, newStore)
		seed(t, s, "a", "b", "c", "d", "e")
		it := mustIter(t, s, kv.IterOptions{Start: []byte("b"), End: []byte("d")})
		require.Equal(t, []string{"b", "c"}, drain(t, it))
	})

	t.Run("iterate_reverse", func(t *testing.T) {
		s := open(t, newStore)
		seed(t, s, "a", "b", "c", "d", "e")
		it := mustIter(t, s, kv.IterOptions{Reverse: true})
		require.Equal(t, []string{"e", "d", "c", "b", "a"}, drain(t, it))

		it = mustIter(t, s, kv.IterOptions{Start: []byte("b"), End: []byte("d"), Reverse: true})
		require.Equal(t, []string{"c", "b"}, drain(t, it))
	})

	t.Run("iterate_values", func(t *testing.T) {
		s := open(t, newStore)
		seed(t, s, "1", "2")
		it := mustIter(t, s, kv.IterOptions{Start: []byte("1")})
		e, ok, err := it.Next(context.Background())
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []byte("1"), e.Key)
		require.Equal(t, []byte("v1"), e.Value)
	})

	t.Run("invalid_range", func(t *testing.T) {
		s := open(t, newStore)
		_, err := s.Iterator(context.Background(), kv.IterOptions{Start: []byte("z"), End: []byte("a")})
		require.ErrorIs(t, err, kv.ErrInvalidRange)
		_, err = s.Iterator(context.Background(), kv.IterOptions{Start: []byte{}})
		require.ErrorIs(t, err, kv.ErrInvalidRange)
	})

	t.Run("utf8_encoding", func(t *testing.T) {
		ctx := context.Background()
		s := open(t, newStore)
		require.NoError(t, s.Put(ctx, []byte("k"), []byte{0xff, 0xfe}))
		it := mustIter(t, s, kv.IterOptions{ValueEncoding: kv.EncodingUTF8})
		_, _, err := it.Next(ctx)
		require.ErrorIs(t, err, kv.ErrEncoding)
	})

	t.Run("closed_iterator", func(t *testing.T) {
		s := open(t, newStore)
		seed(t, s, "a")
		it := mustIter(t, s, kv.IterOptions{})
		require.NoError(t, it.Close())
		require.NoError(t, it.Close())
		_, _, err := it.Next(context.Background())
		require.ErrorIs(t, err, kv.ErrClosed)
	})

	t.Run("delete_ahead_while_iterating", func(t *testing.T) {
		ctx := context.Background()
		s := open(t, newStore)
		seed(t, s, "a", "b", "c")
		it := mustIter(t, s, kv.IterOptions{Start: []byte("a")})
		e := mustNext(t, it)
		require.Equal(t, "a", string(e.Key))

		require.NoError(t, s.Delete(ctx, []byte("b")))
		e = mustNext(t, it)
		require.Greater(t, string(e.Key), "a")
		require.NotEmpty(t, e.Value)
		if snapshots(s) {
			require.Equal(t, "b", string(e.Key))
		} else {
			require.Equal(t, "c", string(e.Key))
		}
	})

	t.Run("batch_delete_ahead_while_iterating", func(t *testing.T) {
		ctx := context.Background()
		s := open(t, newStore)
		seed(t, s, "a", "b", "c")
		it := mustIter(t, s, kv.IterOptions{Start: []byte("a")})
		mustNext(t, it)

		require.NoError(t, s.Batch(ctx, []kv.Op{kv.Del([]byte("b"))}))
		e := mustNext(t, it)
		require.Contains(t, []string{"b", "c"}, string(e.Key))
	})

	t.Run("insert_behind_while_iterating", func(t *testing.T) {
		ctx := context.Background()
		s := open(t, newStore)
		seed(t, s, "c", "d", "e")
		it := mustIter(t, s, kv.IterOptions{Start: []byte("c")})
		e := mustNext(t, it)
		require.Equal(t, "c", string(e.Key))

		require.NoError(t, s.Delete(ctx, []byte("c")))
		require.NoError(t, s.Put(ctx, []byte("a"), []byte("A")))
		require.NoError(t, s.Put(ctx, []byte("b"), []byte("B")))

		e = mustNext(t, it)
		require.GreaterOrEqual(t, string(e.Key), "c")
		require.Equal(t, "d", string(e.Key))
	})

	t.Run("insert_ahead_while_iterating", func(t *testing.T) {
		ctx := context.Background()
		s := open(t, newStore)
		seed(t, s, "a", "c")
		it := mustIter(t, s, kv.IterOptions{})
		mustNext(t, it)

		require.NoError(t, s.Put(ctx, []byte("b"), []byte("B")))
		e := mustNext(t, it)
		if snapshots(s) {
			require.Equal(t, "c", string(e.Key))
		} else {
			require.Equal(t, "b", string(e.Key))
		}
	})

	t.Run("closed_store", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		require.NoError(t, s.Close(ctx))
		_, err := s.Get(ctx, []byte("a"))
		require.ErrorIs(t, err, kv.ErrClosed)
		require.ErrorIs(t, s.Put(ctx, []byte("a"), []byte("1")), kv.ErrClosed)
		require.ErrorIs(t, s.Delete(ctx, []byte("a")), kv.ErrClosed)
		require.ErrorIs(t, s.Batch(ctx, []kv.Op{kv.Del([]byte("a"))}), kv.ErrClosed)
		_, err = s.Iterator(ctx, kv.IterOptions{})
		require.ErrorIs(t, err, kv.ErrClosed)
	})
}

func open(t *testing.T, newStore Factory) kv.Store {
	t.Helper()
	s := newStore(t)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func snapshots(s kv.Store) bool {
	sn, ok := s.(kv.Snapshotter)
	return ok && sn.Snapshots()
}

// seed writes key -> "v"+key for every key.
func seed(t *testing.T, s kv.Store, keys ...string) {
	t.Helper()
	for _, k := range keys {
		require.NoError(t, s.Put(context.Background(), []byte(k), []byte("v"+k)))
	}
}

func mustGet(t *testing.T, s kv.Store, key string) []byte {
	t.Helper()
	v, err := s.Get(context.Background(), []byte(key))
	require.NoError(t, err)
	return v
}

func mustIter(t *testing.T, s kv.Store, opts kv.IterOptions) kv.Iterator {
	t.Helper()
	it, err := s.Iterator(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = it.Close() })
	return it
}

func mustNext(t *testing.T, it kv.Iterator) kv.Entry {
	t.Helper()
	e, ok, err := it.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok, "iterator ended early")
	return e
}

// drain collects the remaining keys, failing on any error.
func drain(t *testing.T, it kv.Iterator) []string {
	t.Helper()
	var keys []string
	for {
		e, ok, err := it.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			return keys
		}
		keys = append(keys, string(e.Key))
	}
}
